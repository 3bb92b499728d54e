package session

import (
	"bytes"
	"encoding/json"
)

// Compare reports which categories differ between current and previous.
//
// A null current against a non-null previous is a teardown. A null previous
// against a non-null current reports every category current has a value for.
// ChangeEverything is set whenever the snapshots differ at all, including in
// ETag or change number alone.
func Compare(current, previous *Document) ChangeTypes {
	switch {
	case current.IsNull() && previous.IsNull():
		return ChangeNone
	case current.IsNull():
		return Teardown
	case previous.IsNull():
		return ChangeEverything | populated(current)
	case current == previous:
		return ChangeNone
	}

	var c ChangeTypes
	if current.Properties.HostDeviceToken != previous.Properties.HostDeviceToken {
		c |= ChangeHostDeviceToken
	}
	if current.Initialization != previous.Initialization {
		c |= ChangeInitializationState
	}
	if !matchmakingEqual(current.Servers.Matchmaking, previous.Servers.Matchmaking) {
		c |= ChangeMatchmakingStatus
	}
	if current.Properties.JoinRestriction != previous.Properties.JoinRestriction ||
		current.Properties.Closed != previous.Properties.Closed {
		c |= ChangeSessionJoinability
	}
	if !rawMapEqual(current.Properties.Custom, previous.Properties.Custom) {
		c |= ChangeCustomProperty
	}
	if !rawEqual(current.Servers.Tournament, previous.Servers.Tournament) {
		c |= ChangeTournamentProperty
	}
	if !rawEqual(current.Servers.Arbitration, previous.Servers.Arbitration) {
		c |= ChangeArbitrationProperty
	}

	prevByID := make(map[uint32]*Member, len(previous.Members))
	for _, m := range previous.Members {
		prevByID[m.ID] = m
	}
	if len(current.Members) != len(previous.Members) {
		c |= ChangeMemberList
	}
	for _, m := range current.Members {
		pm, ok := prevByID[m.ID]
		if !ok {
			c |= ChangeMemberList
			continue
		}
		if pm == m {
			continue
		}
		if pm.Status != m.Status {
			c |= ChangeMemberStatus
		}
		if !rawMapEqual(pm.Custom, m.Custom) {
			c |= ChangeMemberCustomProperty
		}
	}

	if c != ChangeNone || current.ETag != previous.ETag || current.Branch != previous.Branch ||
		current.ChangeNumber != previous.ChangeNumber || !encodedEqual(current, previous) {
		c |= ChangeEverything
	}
	return c
}

func populated(d *Document) ChangeTypes {
	c := ChangeNone
	if d.Properties.HostDeviceToken != "" {
		c |= ChangeHostDeviceToken
	}
	if d.Initialization.Stage != InitializationUnknown && d.Initialization.Stage != InitializationNone {
		c |= ChangeInitializationState
	}
	if d.Servers.Matchmaking != nil {
		c |= ChangeMatchmakingStatus
	}
	if len(d.Members) > 0 {
		c |= ChangeMemberList | ChangeMemberStatus
	}
	if d.Properties.JoinRestriction != RestrictionUnknown || d.Properties.Closed {
		c |= ChangeSessionJoinability
	}
	if len(d.Properties.Custom) > 0 {
		c |= ChangeCustomProperty
	}
	for _, m := range d.Members {
		if len(m.Custom) > 0 {
			c |= ChangeMemberCustomProperty
			break
		}
	}
	if !isJSONNull(d.Servers.Tournament) {
		c |= ChangeTournamentProperty
	}
	if !isJSONNull(d.Servers.Arbitration) {
		c |= ChangeArbitrationProperty
	}
	return c
}

func matchmakingEqual(a, b *MatchmakingServer) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Status != b.Status || a.StatusDetails != b.StatusDetails || a.Hopper != b.Hopper ||
		a.TicketID != b.TicketID || a.TypicalWait != b.TypicalWait {
		return false
	}
	if a.TargetSession == nil || b.TargetSession == nil {
		return a.TargetSession == b.TargetSession
	}
	return *a.TargetSession == *b.TargetSession
}

func encodedEqual(a, b *Document) bool {
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

// MemberDiff lists per-member differences between two snapshots.
type MemberDiff struct {
	Joined            []*Member
	Left              []*Member
	StatusChanged     []*Member
	PropertiesChanged []*Member
}

// Empty reports whether no member changed.
func (d MemberDiff) Empty() bool {
	return len(d.Joined) == 0 && len(d.Left) == 0 && len(d.StatusChanged) == 0 && len(d.PropertiesChanged) == 0
}

// DiffMembers compares the member lists of two snapshots. Members are
// matched by id; members reported from current carry its values.
func DiffMembers(current, previous *Document) MemberDiff {
	var diff MemberDiff
	var cur, prev []*Member
	if !current.IsNull() {
		cur = current.Members
	}
	if !previous.IsNull() {
		prev = previous.Members
	}
	prevByID := make(map[uint32]*Member, len(prev))
	for _, m := range prev {
		prevByID[m.ID] = m
	}
	seen := make(map[uint32]struct{}, len(cur))
	for _, m := range cur {
		seen[m.ID] = struct{}{}
		pm, ok := prevByID[m.ID]
		if !ok {
			diff.Joined = append(diff.Joined, m)
			continue
		}
		if pm == m {
			continue
		}
		if pm.Status != m.Status {
			diff.StatusChanged = append(diff.StatusChanged, m)
		}
		if !rawMapEqual(pm.Custom, m.Custom) {
			diff.PropertiesChanged = append(diff.PropertiesChanged, m)
		}
	}
	for _, m := range prev {
		if _, ok := seen[m.ID]; !ok {
			diff.Left = append(diff.Left, m)
		}
	}
	return diff
}
