package session

import (
	"fmt"
	"strings"
)

// Reference identifies a session document by service configuration id,
// template name and session name. References are comparable with ==.
type Reference struct {
	SCID     string
	Template string
	Name     string
}

// ParseReference parses the canonical "{scid}/{template}/{name}" form.
func ParseReference(s string) (Reference, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Reference{}, fmt.Errorf("%w: session reference %q must have 3 segments", ErrInvalidArgument, s)
	}
	for _, p := range parts {
		if p == "" {
			return Reference{}, fmt.Errorf("%w: session reference %q has an empty segment", ErrInvalidArgument, s)
		}
	}
	return Reference{SCID: parts[0], Template: parts[1], Name: parts[2]}, nil
}

// String returns the canonical path form.
func (r Reference) String() string {
	return r.SCID + "/" + r.Template + "/" + r.Name
}

// IsZero reports whether r is the zero reference.
func (r Reference) IsZero() bool { return r == Reference{} }

// Valid reports whether every segment is non-empty and slash-free.
func (r Reference) Valid() bool {
	for _, p := range []string{r.SCID, r.Template, r.Name} {
		if p == "" || strings.Contains(p, "/") {
			return false
		}
	}
	return true
}

func (r Reference) MarshalText() ([]byte, error) {
	if r.IsZero() {
		return []byte{}, nil
	}
	return []byte(r.String()), nil
}

func (r *Reference) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = Reference{}
		return nil
	}
	ref, err := ParseReference(string(b))
	if err != nil {
		return err
	}
	*r = ref
	return nil
}
