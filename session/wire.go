package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Decode hydrates a document from its JSON body. Members belonging to
// currentUsers are flagged as local. Transport metadata (ETag, date, write
// status) is left for the caller to fill in.
func Decode(body []byte, currentUsers ...string) (*Document, error) {
	var d Document
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("decode session document: %w", err)
	}
	sort.Slice(d.Members, func(i, j int) bool { return d.Members[i].ID < d.Members[j].ID })
	for _, m := range d.Members {
		m.IsCurrentUser = false
	}
	return d.withCurrentUsers(currentUsers), nil
}

// Encode renders the document body. Null documents encode to nil.
func Encode(d *Document) ([]byte, error) {
	if d.IsNull() {
		return nil, nil
	}
	return json.Marshal(d)
}

// MarshalValue encodes a custom property value. json.RawMessage values are
// validated and compacted.
func MarshalValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: property value is not valid JSON", ErrInvalidArgument)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return buf.Bytes(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return b, nil
}

var jsonNull = json.RawMessage("null")

func isJSONNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

func rawEqual(a, b json.RawMessage) bool {
	if isJSONNull(a) && isJSONNull(b) {
		return true
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func rawMapEqual(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !rawEqual(va, vb) {
			return false
		}
	}
	return true
}
