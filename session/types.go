package session

import (
	"fmt"
	"strings"
)

// MemberStatus is the lifecycle status of a session member.
type MemberStatus int

const (
	MemberReserved MemberStatus = iota
	MemberInactive
	MemberReady
	MemberActive
)

var memberStatusNames = []string{"reserved", "inactive", "ready", "active"}

func (s MemberStatus) String() string {
	if int(s) < 0 || int(s) >= len(memberStatusNames) {
		return fmt.Sprintf("MemberStatus(%d)", int(s))
	}
	return memberStatusNames[s]
}

func (s MemberStatus) MarshalText() ([]byte, error) {
	if int(s) < 0 || int(s) >= len(memberStatusNames) {
		return nil, fmt.Errorf("%w: member status %d", ErrInvalidArgument, int(s))
	}
	return []byte(memberStatusNames[s]), nil
}

func (s *MemberStatus) UnmarshalText(b []byte) error {
	v, ok := lookup(memberStatusNames, string(b))
	if !ok {
		return fmt.Errorf("%w: member status %q", ErrInvalidArgument, string(b))
	}
	*s = MemberStatus(v)
	return nil
}

// Visibility controls who may see and join a session.
type Visibility int

const (
	VisibilityUnknown Visibility = iota
	VisibilityAny
	VisibilityPrivate
	VisibilityVisible
	VisibilityFull
	VisibilityOpen
)

var visibilityNames = []string{"unknown", "any", "private", "visible", "full", "open"}

func (v Visibility) String() string { return enumName(visibilityNames, int(v)) }

func (v Visibility) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Visibility) UnmarshalText(b []byte) error {
	*v = Visibility(lookupOrZero(visibilityNames, string(b)))
	return nil
}

// Restriction limits who may join or read a session without a reservation.
type Restriction int

const (
	RestrictionUnknown Restriction = iota
	RestrictionNone
	RestrictionLocal
	RestrictionFollowed
)

var restrictionNames = []string{"unknown", "none", "local", "followed"}

func (r Restriction) String() string { return enumName(restrictionNames, int(r)) }

func (r Restriction) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Restriction) UnmarshalText(b []byte) error {
	*r = Restriction(lookupOrZero(restrictionNames, string(b)))
	return nil
}

// MatchmakingStatus is the status reported by the matchmaking server
// sub-document of a ticket session.
type MatchmakingStatus int

const (
	MatchmakingUnknown MatchmakingStatus = iota
	MatchmakingNone
	MatchmakingSearching
	MatchmakingExpired
	MatchmakingFound
	MatchmakingCanceled
)

var matchmakingNames = []string{"unknown", "none", "searching", "expired", "found", "canceled"}

func (s MatchmakingStatus) String() string { return enumName(matchmakingNames, int(s)) }

func (s MatchmakingStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *MatchmakingStatus) UnmarshalText(b []byte) error {
	*s = MatchmakingStatus(lookupOrZero(matchmakingNames, string(b)))
	return nil
}

// Terminal reports whether matchmaking has stopped searching.
func (s MatchmakingStatus) Terminal() bool {
	return s == MatchmakingFound || s == MatchmakingExpired || s == MatchmakingCanceled
}

// InitializationStage is the managed-initialization stage of a session.
type InitializationStage int

const (
	InitializationUnknown InitializationStage = iota
	InitializationNone
	InitializationJoining
	InitializationMeasuring
	InitializationEvaluating
	InitializationFailed
)

var initializationNames = []string{"unknown", "none", "joining", "measuring", "evaluating", "failed"}

func (s InitializationStage) String() string { return enumName(initializationNames, int(s)) }

func (s InitializationStage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *InitializationStage) UnmarshalText(b []byte) error {
	*s = InitializationStage(lookupOrZero(initializationNames, string(b)))
	return nil
}

// WriteMode selects how a write treats an existing document.
type WriteMode int

const (
	// CreateNew fails with Conflict if the session already exists.
	CreateNew WriteMode = iota
	// UpdateOrCreateNew succeeds whether or not the session exists.
	UpdateOrCreateNew
	// UpdateExisting fails with HandleNotFound if the session does not exist.
	UpdateExisting
	// SynchronizedUpdate fails with OutOfSync unless the base ETag is current.
	SynchronizedUpdate
)

func (m WriteMode) String() string {
	switch m {
	case CreateNew:
		return "create_new"
	case UpdateOrCreateNew:
		return "update_or_create_new"
	case UpdateExisting:
		return "update_existing"
	case SynchronizedUpdate:
		return "synchronized_update"
	}
	return fmt.Sprintf("WriteMode(%d)", int(m))
}

// WriteStatus is the typed outcome of a session write.
type WriteStatus int

const (
	WriteUnknown WriteStatus = iota
	WriteAccessDenied
	WriteCreated
	WriteConflict
	WriteHandleNotFound
	WriteOutOfSync
	WriteSessionDeleted
	WriteUpdated
)

var writeStatusNames = []string{"unknown", "access_denied", "created", "conflict", "handle_not_found", "out_of_sync", "session_deleted", "updated"}

func (s WriteStatus) String() string { return enumName(writeStatusNames, int(s)) }

// Succeeded reports whether the write was accepted by the service.
func (s WriteStatus) Succeeded() bool {
	return s == WriteCreated || s == WriteUpdated || s == WriteSessionDeleted
}

// Err returns the sentinel error for a failed write, or nil on success.
func (s WriteStatus) Err() error {
	switch s {
	case WriteCreated, WriteUpdated, WriteSessionDeleted:
		return nil
	case WriteAccessDenied:
		return ErrAccessDenied
	case WriteConflict:
		return ErrConflict
	case WriteHandleNotFound:
		return ErrNotFound
	case WriteOutOfSync:
		return ErrOutOfSync
	}
	return ErrUnknown
}

// WriteStatusFromHTTP maps a transport status code onto a write outcome.
func WriteStatusFromHTTP(code int) WriteStatus {
	switch code {
	case 201:
		return WriteCreated
	case 200:
		return WriteUpdated
	case 204:
		return WriteSessionDeleted
	case 403:
		return WriteAccessDenied
	case 404:
		return WriteHandleNotFound
	case 409:
		return WriteConflict
	case 412:
		return WriteOutOfSync
	}
	return WriteUnknown
}

// ChangeTypes is a set of document change categories.
type ChangeTypes uint32

const (
	ChangeNone                 ChangeTypes = 0x0000
	ChangeEverything           ChangeTypes = 0x0001
	ChangeHostDeviceToken      ChangeTypes = 0x0002
	ChangeInitializationState  ChangeTypes = 0x0004
	ChangeMatchmakingStatus    ChangeTypes = 0x0008
	ChangeMemberList           ChangeTypes = 0x0010
	ChangeMemberStatus         ChangeTypes = 0x0020
	ChangeSessionJoinability   ChangeTypes = 0x0040
	ChangeCustomProperty       ChangeTypes = 0x0080
	ChangeMemberCustomProperty ChangeTypes = 0x0100
	ChangeTournamentProperty   ChangeTypes = 0x0200
	ChangeArbitrationProperty  ChangeTypes = 0x0400
	// ChangeSessionDeleted is only ever reported as part of Teardown.
	ChangeSessionDeleted ChangeTypes = 0x0800

	// ChangeAll is every field-level category.
	ChangeAll = ChangeEverything | ChangeHostDeviceToken | ChangeInitializationState |
		ChangeMatchmakingStatus | ChangeMemberList | ChangeMemberStatus |
		ChangeSessionJoinability | ChangeCustomProperty | ChangeMemberCustomProperty |
		ChangeTournamentProperty | ChangeArbitrationProperty

	// Teardown is reported when a session disappears.
	Teardown = ChangeAll | ChangeSessionDeleted
)

var changeNames = []struct {
	bit  ChangeTypes
	name string
}{
	{ChangeEverything, "everything"},
	{ChangeHostDeviceToken, "host_device_token_change"},
	{ChangeInitializationState, "initialization_state_change"},
	{ChangeMatchmakingStatus, "matchmaking_status_change"},
	{ChangeMemberList, "member_list_change"},
	{ChangeMemberStatus, "member_status_change"},
	{ChangeSessionJoinability, "session_joinability_change"},
	{ChangeCustomProperty, "custom_property_change"},
	{ChangeMemberCustomProperty, "member_custom_property_change"},
	{ChangeTournamentProperty, "tournament_property_change"},
	{ChangeArbitrationProperty, "arbitration_property_change"},
	{ChangeSessionDeleted, "session_deleted"},
}

// Has reports whether every bit in other is set in c.
func (c ChangeTypes) Has(other ChangeTypes) bool { return c&other == other && other != 0 }

// IsTeardown reports whether c describes a deleted session.
func (c ChangeTypes) IsTeardown() bool { return c&ChangeSessionDeleted != 0 }

// Bits returns the individual set bits in ascending order.
func (c ChangeTypes) Bits() []ChangeTypes {
	var out []ChangeTypes
	for _, n := range changeNames {
		if c&n.bit != 0 {
			out = append(out, n.bit)
		}
	}
	return out
}

func (c ChangeTypes) String() string {
	if c == ChangeNone {
		return "none"
	}
	names := make([]string, 0, 4)
	for _, n := range changeNames {
		if c&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

func enumName(names []string, v int) string {
	if v < 0 || v >= len(names) {
		return names[0]
	}
	return names[v]
}

func lookup(names []string, s string) (int, bool) {
	for i, n := range names {
		if n == s {
			return i, true
		}
	}
	return 0, false
}

func lookupOrZero(names []string, s string) int {
	v, _ := lookup(names, s)
	return v
}
