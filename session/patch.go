package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// MeKey addresses the caller's own member entry in a patch.
	MeKey = "me"
	// ReservationKeyPrefix prefixes reservation entries ("reserve_0", ...).
	ReservationKeyPrefix = "reserve_"
)

// Patch is the body of a session write. Only staged fields are present.
type Patch struct {
	// Constants is only honored while the base document is uncommitted.
	Constants     *Constants                      `json:"constants,omitempty"`
	Properties    *PropertiesPatch                `json:"properties,omitempty"`
	Members       map[string]*MemberPatch         `json:"members,omitempty"`
	RoleTypes     map[string]map[string]RolePatch `json:"roleTypes,omitempty"`
	CorrelationID string                          `json:"correlationId,omitempty"`
}

// PropertiesPatch carries session property changes. A custom value of JSON
// null deletes the property.
type PropertiesPatch struct {
	System *SystemPatch               `json:"system,omitempty"`
	Custom map[string]json.RawMessage `json:"custom,omitempty"`
}

// SystemPatch carries system property changes.
type SystemPatch struct {
	Keywords                         *[]string       `json:"keywords,omitempty"`
	JoinRestriction                  *Restriction    `json:"joinRestriction,omitempty"`
	ReadRestriction                  *Restriction    `json:"readRestriction,omitempty"`
	HostDeviceToken                  *string         `json:"host,omitempty"`
	Closed                           *bool           `json:"closed,omitempty"`
	Locked                           *bool           `json:"locked,omitempty"`
	TurnCollection                   *[]uint32       `json:"turn,omitempty"`
	ServerConnectionStringCandidates *[]string       `json:"serverConnectionStringCandidates,omitempty"`
	MatchmakingTargetSession         json.RawMessage `json:"matchmakingTargetSession,omitempty"`
}

// MemberPatch carries changes to one member. Under MeKey a nil MemberPatch
// means the caller leaves the session.
type MemberPatch struct {
	UserID              string                     `json:"userId,omitempty"`
	ConstantsCustom     json.RawMessage            `json:"constantsCustom,omitempty"`
	InitializeRequested *bool                      `json:"initialize,omitempty"`
	Active              *bool                      `json:"active,omitempty"`
	Custom              map[string]json.RawMessage `json:"custom,omitempty"`
	DeviceToken         *string                    `json:"deviceToken,omitempty"`
	ConnectionAddress   *string                    `json:"connectionAddress,omitempty"`
	Groups              *[]string                  `json:"groups,omitempty"`
	Measurements        json.RawMessage            `json:"measurements,omitempty"`
	Roles               map[string]string          `json:"roles,omitempty"`
}

// RolePatch changes the owner-mutable settings of a role.
type RolePatch struct {
	Max    *int `json:"max,omitempty"`
	Target *int `json:"target,omitempty"`
}

// DecodePatch parses a patch body.
func DecodePatch(body []byte) (*Patch, error) {
	var p Patch
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: decode patch: %v", ErrInvalidArgument, err)
	}
	return &p, nil
}

// Empty reports whether the patch stages nothing.
func (p *Patch) Empty() bool {
	return p == nil || (p.Constants == nil && p.Properties == nil && len(p.Members) == 0 && len(p.RoleTypes) == 0)
}

// Leaves reports whether the patch removes the caller.
func (p *Patch) Leaves() bool {
	if p == nil {
		return false
	}
	mp, ok := p.Members[MeKey]
	return ok && mp == nil
}

// Joins reports whether the patch adds or updates the caller's member.
func (p *Patch) Joins() bool {
	if p == nil {
		return false
	}
	return p.Members[MeKey] != nil
}

// ReservedUsers lists user ids for which the patch adds reservations.
func (p *Patch) ReservedUsers() []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, k := range p.reservationKeys() {
		if mp := p.Members[k]; mp != nil {
			out = append(out, mp.UserID)
		}
	}
	return out
}

// TouchesProperties reports whether the patch changes session properties.
func (p *Patch) TouchesProperties() bool {
	return p != nil && (p.Properties != nil || len(p.RoleTypes) > 0)
}

func (p *Patch) reservationKeys() []string {
	var keys []string
	for k := range p.Members {
		if strings.HasPrefix(k, ReservationKeyPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, _ := strconv.Atoi(strings.TrimPrefix(keys[i], ReservationKeyPrefix))
		nj, _ := strconv.Atoi(strings.TrimPrefix(keys[j], ReservationKeyPrefix))
		return ni < nj
	})
	return keys
}

// Apply merges p onto base on behalf of caller and returns the resulting
// snapshot. base is not modified; unchanged members are shared. Apply does
// not perform access checks and does not touch ETag or change number.
func (p *Patch) Apply(base *Document, caller string, now time.Time) (*Document, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: patch applied to nil document", ErrInvalidState)
	}
	out := base.shallowCopy()
	out.deleted = false

	if p.Constants != nil && !base.IsCommitted() {
		out.Constants = *p.Constants
	}
	if p.Properties != nil {
		applyProperties(&out.Properties, p.Properties)
	}

	if out.NextMemberID == 0 {
		for _, m := range out.Members {
			if m.ID >= out.NextMemberID {
				out.NextMemberID = m.ID + 1
			}
		}
		if out.NextMemberID == 0 {
			out.NextMemberID = 1
		}
	}

	if mp, ok := p.Members[MeKey]; ok {
		if caller == "" {
			return nil, fmt.Errorf("%w: patch addresses the current user without a caller", ErrInvalidState)
		}
		if mp == nil {
			out.removeMember(caller)
		} else if err := out.upsertMember(caller, mp, now); err != nil {
			return nil, err
		}
	}

	for _, k := range p.reservationKeys() {
		mp := p.Members[k]
		if mp == nil {
			continue
		}
		if mp.UserID == "" {
			return nil, fmt.Errorf("%w: reservation %q has no user id", ErrInvalidArgument, k)
		}
		if out.MemberByUser(mp.UserID) != nil {
			continue
		}
		if err := out.checkCapacity(); err != nil {
			return nil, err
		}
		m := &Member{
			ID:              out.NextMemberID,
			UserID:          mp.UserID,
			Status:          MemberReserved,
			ConstantsCustom: mp.ConstantsCustom,
			JoinTime:        now,
		}
		if mp.InitializeRequested != nil {
			m.InitializeRequested = *mp.InitializeRequested
		}
		out.NextMemberID++
		out.Members = append(out.Members, m)
	}

	for rtName, roles := range p.RoleTypes {
		rt, ok := out.RoleTypes[rtName]
		if !ok {
			return nil, fmt.Errorf("%w: unknown role type %q", ErrInvalidArgument, rtName)
		}
		newRoles := make(map[string]Role, len(rt.Roles))
		for k, v := range rt.Roles {
			newRoles[k] = v
		}
		for roleName, rp := range roles {
			role, ok := newRoles[roleName]
			if !ok {
				return nil, fmt.Errorf("%w: unknown role %q in %q", ErrInvalidArgument, roleName, rtName)
			}
			if rp.Max != nil {
				if !rt.mutable("max") {
					return nil, fmt.Errorf("%w: role setting max is not mutable for %q", ErrInvalidArgument, rtName)
				}
				role.Max = rp.Max
			}
			if rp.Target != nil {
				if !rt.mutable("target") {
					return nil, fmt.Errorf("%w: role setting target is not mutable for %q", ErrInvalidArgument, rtName)
				}
				role.Target = rp.Target
			}
			newRoles[roleName] = role
		}
		rt.Roles = newRoles
		roleTypes := make(map[string]RoleType, len(out.RoleTypes))
		for k, v := range out.RoleTypes {
			roleTypes[k] = v
		}
		roleTypes[rtName] = rt
		out.RoleTypes = roleTypes
	}

	if err := out.recountRoles(); err != nil {
		return nil, err
	}
	// The correlation id names the write that produced this revision.
	out.CorrelationID = p.CorrelationID
	sort.SliceStable(out.Members, func(i, j int) bool { return out.Members[i].ID < out.Members[j].ID })
	return out, nil
}

// recountRoles refreshes role counts from member assignments and rejects
// assignments that exceed a role's max.
func (d *Document) recountRoles() error {
	if len(d.RoleTypes) == 0 {
		return nil
	}
	counts := make(map[string]map[string]int, len(d.RoleTypes))
	for _, m := range d.Members {
		for rt, role := range m.Roles {
			if _, ok := d.RoleTypes[rt]; !ok {
				return fmt.Errorf("%w: unknown role type %q", ErrInvalidArgument, rt)
			}
			if _, ok := d.RoleTypes[rt].Roles[role]; !ok {
				return fmt.Errorf("%w: unknown role %q in %q", ErrInvalidArgument, role, rt)
			}
			if counts[rt] == nil {
				counts[rt] = map[string]int{}
			}
			counts[rt][role]++
		}
	}
	var changed map[string]RoleType
	copied := map[string]bool{}
	for rtName, rt := range d.RoleTypes {
		for roleName, role := range rt.Roles {
			n := counts[rtName][roleName]
			if role.Max != nil && n > *role.Max {
				return fmt.Errorf("%w: role %q in %q allows %d members", ErrCapacityExceeded, roleName, rtName, *role.Max)
			}
			if n == role.Count {
				continue
			}
			if changed == nil {
				changed = make(map[string]RoleType, len(d.RoleTypes))
				for k, v := range d.RoleTypes {
					changed[k] = v
				}
			}
			cur := changed[rtName]
			if !copied[rtName] {
				roles := make(map[string]Role, len(rt.Roles))
				for k, v := range rt.Roles {
					roles[k] = v
				}
				cur.Roles = roles
				copied[rtName] = true
			}
			role.Count = n
			cur.Roles[roleName] = role
			changed[rtName] = cur
		}
	}
	if changed != nil {
		d.RoleTypes = changed
	}
	return nil
}

func applyProperties(props *Properties, pp *PropertiesPatch) {
	if sys := pp.System; sys != nil {
		if sys.Keywords != nil {
			props.Keywords = append([]string(nil), (*sys.Keywords)...)
		}
		if sys.JoinRestriction != nil {
			props.JoinRestriction = *sys.JoinRestriction
		}
		if sys.ReadRestriction != nil {
			props.ReadRestriction = *sys.ReadRestriction
		}
		if sys.HostDeviceToken != nil {
			props.HostDeviceToken = *sys.HostDeviceToken
		}
		if sys.Closed != nil {
			props.Closed = *sys.Closed
		}
		if sys.Locked != nil {
			props.Locked = *sys.Locked
		}
		if sys.TurnCollection != nil {
			props.TurnCollection = append([]uint32(nil), (*sys.TurnCollection)...)
		}
		if sys.ServerConnectionStringCandidates != nil {
			props.ServerConnectionStringCandidates = append([]string(nil), (*sys.ServerConnectionStringCandidates)...)
		}
		if sys.MatchmakingTargetSession != nil {
			if isJSONNull(sys.MatchmakingTargetSession) {
				props.MatchmakingTargetSession = nil
			} else {
				props.MatchmakingTargetSession = sys.MatchmakingTargetSession
			}
		}
	}
	if len(pp.Custom) > 0 {
		props.Custom = mergeCustom(props.Custom, pp.Custom)
	}
}

func mergeCustom(base, changes map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(base)+len(changes))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range changes {
		if isJSONNull(v) {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (d *Document) checkCapacity() error {
	if d.Constants.MaxMembers != nil && len(d.Members) >= *d.Constants.MaxMembers {
		return fmt.Errorf("%w: session allows at most %d members", ErrCapacityExceeded, *d.Constants.MaxMembers)
	}
	return nil
}

func (d *Document) removeMember(userID string) {
	idx := -1
	for i, m := range d.Members {
		if m.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	removed := d.Members[idx].ID
	d.Members = append(d.Members[:idx:idx], d.Members[idx+1:]...)

	owners := make([]uint32, 0, len(d.Properties.Owners))
	for _, o := range d.Properties.Owners {
		if o != removed {
			owners = append(owners, o)
		}
	}
	if len(owners) == 0 && len(d.Members) > 0 {
		owners = append(owners, d.Members[0].ID)
	}
	if len(owners) == 0 {
		owners = nil
	}
	d.Properties.Owners = owners
	if host := d.Properties.HostDeviceToken; host != "" {
		stillPresent := false
		for _, m := range d.Members {
			if m.DeviceToken == host {
				stillPresent = true
				break
			}
		}
		if !stillPresent {
			d.Properties.HostDeviceToken = ""
		}
	}
}

func (d *Document) upsertMember(userID string, mp *MemberPatch, now time.Time) error {
	idx := -1
	for i, m := range d.Members {
		if m.UserID == userID {
			idx = i
			break
		}
	}

	var m *Member
	if idx < 0 {
		if err := d.checkCapacity(); err != nil {
			return err
		}
		m = &Member{ID: d.NextMemberID, UserID: userID, Status: MemberInactive, JoinTime: now, ConstantsCustom: mp.ConstantsCustom}
		d.NextMemberID++
	} else {
		m = d.Members[idx].clone()
		if m.Status == MemberReserved && mp.ConstantsCustom != nil {
			m.ConstantsCustom = mp.ConstantsCustom
		}
	}

	if mp.InitializeRequested != nil {
		m.InitializeRequested = *mp.InitializeRequested
	}
	if mp.Active != nil {
		if *mp.Active {
			m.Status = MemberActive
		} else {
			m.Status = MemberInactive
		}
	} else if m.Status == MemberReserved {
		m.Status = MemberInactive
	}
	if len(mp.Custom) > 0 {
		m.Custom = mergeCustom(m.Custom, mp.Custom)
	}
	if mp.DeviceToken != nil {
		m.DeviceToken = *mp.DeviceToken
	}
	if mp.ConnectionAddress != nil {
		m.ConnectionAddress = *mp.ConnectionAddress
	}
	if mp.Groups != nil {
		m.Groups = append([]string(nil), (*mp.Groups)...)
	}
	if mp.Measurements != nil {
		m.Measurements = mp.Measurements
	}
	if mp.Roles != nil {
		roles := make(map[string]string, len(m.Roles)+len(mp.Roles))
		for k, v := range m.Roles {
			roles[k] = v
		}
		for k, v := range mp.Roles {
			if v == "" {
				delete(roles, k)
				continue
			}
			roles[k] = v
		}
		m.Roles = roles
	}

	if idx < 0 {
		d.Members = append(d.Members, m)
		if len(d.Properties.Owners) == 0 {
			d.Properties.Owners = []uint32{m.ID}
		}
	} else {
		d.Members[idx] = m
	}
	return nil
}
