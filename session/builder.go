package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Builder stages local changes against a base document. Every staging call
// validates against the optimistic preview and either records the change or
// returns a local validation error without touching the staged patch.
//
// A Builder is scratch state: build one per write attempt and discard it once
// the write has been submitted.
type Builder struct {
	base   *Document
	caller string
	now    func() time.Time

	patch           Patch
	preview         *Document
	reservations    int
	expectsDeletion bool
}

// NewBuilder returns a builder staging changes on behalf of caller. A nil or
// null base starts an empty uncommitted document with the zero reference.
func NewBuilder(base *Document, caller string) *Builder {
	if base.IsNull() {
		base = New(base.Reference(), Constants{})
	}
	b := &Builder{base: base, caller: caller, now: func() time.Time { return time.Now().UTC() }}
	b.preview = base.withCurrentUsers([]string{caller})
	return b
}

// Base returns the snapshot the builder was derived from.
func (b *Builder) Base() *Document { return b.base }

// Caller returns the user the builder stages changes for.
func (b *Builder) Caller() string { return b.caller }

// Preview returns the optimistic snapshot with every staged change applied.
func (b *Builder) Preview() *Document { return b.preview }

// Patch returns a copy of the staged patch.
func (b *Builder) Patch() *Patch { return b.patch.clone() }

// Empty reports whether nothing has been staged.
func (b *Builder) Empty() bool { return b.patch.Empty() }

// ExpectsDeletion reports whether a staged Leave empties the session, in
// which case the service is expected to delete the document.
func (b *Builder) ExpectsDeletion() bool { return b.expectsDeletion }

// stage applies fn to a copy of the patch and commits it only if the
// resulting preview is valid.
func (b *Builder) stage(fn func(p *Patch) error) error {
	next := b.patch.clone()
	if err := fn(next); err != nil {
		return err
	}
	preview, err := next.Apply(b.base, b.caller, b.now())
	if err != nil {
		return err
	}
	b.patch = *next
	b.preview = preview.withCurrentUsers([]string{b.caller})
	b.expectsDeletion = next.Leaves() && len(b.preview.Members) == 0
	return nil
}

func (b *Builder) stageConstants(fn func(c *Constants) error) error {
	if b.base.IsCommitted() {
		return fmt.Errorf("%w: constants are fixed once the session exists", ErrInvalidState)
	}
	return b.stage(func(p *Patch) error {
		if p.Constants == nil {
			c := b.base.Constants
			p.Constants = &c
		}
		return fn(p.Constants)
	})
}

func (b *Builder) stageSystem(fn func(s *SystemPatch)) error {
	return b.stage(func(p *Patch) error {
		if p.Properties == nil {
			p.Properties = &PropertiesPatch{}
		}
		if p.Properties.System == nil {
			p.Properties.System = &SystemPatch{}
		}
		fn(p.Properties.System)
		return nil
	})
}

func (b *Builder) stageCurrentMember(fn func(m *MemberPatch) error) error {
	if b.caller == "" || b.preview.MemberByUser(b.caller) == nil {
		return fmt.Errorf("%w: no current user in session", ErrInvalidState)
	}
	return b.stage(func(p *Patch) error {
		if p.Members == nil {
			p.Members = map[string]*MemberPatch{}
		}
		mp := p.Members[MeKey]
		if mp == nil {
			mp = &MemberPatch{}
			p.Members[MeKey] = mp
		}
		return fn(mp)
	})
}

// SetProperty stages a session custom property. value is JSON encoded;
// json.RawMessage values are used as-is after validation.
func (b *Builder) SetProperty(name string, value any) error {
	if name == "" {
		return fmt.Errorf("%w: empty property name", ErrInvalidArgument)
	}
	raw, err := MarshalValue(value)
	if err != nil {
		return err
	}
	return b.stage(func(p *Patch) error {
		if p.Properties == nil {
			p.Properties = &PropertiesPatch{}
		}
		if p.Properties.Custom == nil {
			p.Properties.Custom = map[string]json.RawMessage{}
		}
		p.Properties.Custom[name] = raw
		return nil
	})
}

// DeleteProperty stages removal of a session custom property.
func (b *Builder) DeleteProperty(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty property name", ErrInvalidArgument)
	}
	return b.stage(func(p *Patch) error {
		if p.Properties == nil {
			p.Properties = &PropertiesPatch{}
		}
		if p.Properties.Custom == nil {
			p.Properties.Custom = map[string]json.RawMessage{}
		}
		p.Properties.Custom[name] = jsonNull
		return nil
	})
}

// SetMaxMembers sets the member capacity. Constants category.
func (b *Builder) SetMaxMembers(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: max members must be positive, got %d", ErrInvalidArgument, n)
	}
	return b.stageConstants(func(c *Constants) error {
		if len(b.preview.Members) > n {
			return fmt.Errorf("%w: %d members already staged", ErrCapacityExceeded, len(b.preview.Members))
		}
		c.MaxMembers = &n
		return nil
	})
}

// SetVisibility sets the session visibility. Constants category.
func (b *Builder) SetVisibility(v Visibility) error {
	if v == VisibilityUnknown {
		return fmt.Errorf("%w: visibility must be set", ErrInvalidArgument)
	}
	return b.stageConstants(func(c *Constants) error {
		c.Visibility = &v
		return nil
	})
}

// SetInitiators sets the users that initiated the session. Constants category.
func (b *Builder) SetInitiators(users ...string) error {
	return b.stageConstants(func(c *Constants) error {
		c.Initiators = append([]string(nil), users...)
		return nil
	})
}

// SetConstantsCustom sets the opaque custom constants. Constants category.
func (b *Builder) SetConstantsCustom(value any) error {
	raw, err := MarshalValue(value)
	if err != nil {
		return err
	}
	return b.stageConstants(func(c *Constants) error {
		c.Custom = raw
		return nil
	})
}

// SetTimeouts sets the member and session timeouts. Constants category.
func (b *Builder) SetTimeouts(t Timeouts) error {
	return b.stageConstants(func(c *Constants) error {
		c.Timeouts = t
		return nil
	})
}

// SetCapabilities sets the capability flags. Constants category.
func (b *Builder) SetCapabilities(caps map[string]bool) error {
	return b.stageConstants(func(c *Constants) error {
		c.Capabilities = make(map[string]bool, len(caps))
		for k, v := range caps {
			c.Capabilities[k] = v
		}
		return nil
	})
}

// SetJoinRestriction sets who may join without a reservation.
func (b *Builder) SetJoinRestriction(r Restriction) error {
	if r == RestrictionUnknown {
		return fmt.Errorf("%w: join restriction must be set", ErrInvalidArgument)
	}
	return b.stageSystem(func(s *SystemPatch) { s.JoinRestriction = &r })
}

// SetReadRestriction sets who may read the session.
func (b *Builder) SetReadRestriction(r Restriction) error {
	if r == RestrictionUnknown {
		return fmt.Errorf("%w: read restriction must be set", ErrInvalidArgument)
	}
	return b.stageSystem(func(s *SystemPatch) { s.ReadRestriction = &r })
}

// SetHostDeviceToken sets the host device token. Races between members are
// only arbitrated when the write uses SynchronizedUpdate.
func (b *Builder) SetHostDeviceToken(token string) error {
	return b.stageSystem(func(s *SystemPatch) { s.HostDeviceToken = &token })
}

func (b *Builder) SetClosed(closed bool) error {
	return b.stageSystem(func(s *SystemPatch) { s.Closed = &closed })
}

func (b *Builder) SetLocked(locked bool) error {
	return b.stageSystem(func(s *SystemPatch) { s.Locked = &locked })
}

func (b *Builder) SetKeywords(keywords ...string) error {
	kw := append([]string{}, keywords...)
	return b.stageSystem(func(s *SystemPatch) { s.Keywords = &kw })
}

// SetTurnCollection sets the turn order by member id.
func (b *Builder) SetTurnCollection(ids ...uint32) error {
	for _, id := range ids {
		if b.preview.MemberByID(id) == nil {
			return fmt.Errorf("%w: no member with id %d", ErrInvalidArgument, id)
		}
	}
	turn := append([]uint32{}, ids...)
	return b.stageSystem(func(s *SystemPatch) { s.TurnCollection = &turn })
}

func (b *Builder) SetServerConnectionStringCandidates(candidates ...string) error {
	c := append([]string{}, candidates...)
	return b.stageSystem(func(s *SystemPatch) { s.ServerConnectionStringCandidates = &c })
}

// SetMatchmakingTargetSession sets the opaque target session payload. A nil
// value clears it.
func (b *Builder) SetMatchmakingTargetSession(value any) error {
	raw := jsonNull
	if value != nil {
		var err error
		if raw, err = MarshalValue(value); err != nil {
			return err
		}
	}
	return b.stageSystem(func(s *SystemPatch) { s.MatchmakingTargetSession = raw })
}

// Join adds the caller to the session, or promotes an existing reservation.
func (b *Builder) Join(memberConstants any, initializeRequested, active bool) error {
	if b.caller == "" {
		return fmt.Errorf("%w: join requires a caller", ErrInvalidState)
	}
	if m := b.preview.MemberByUser(b.caller); m != nil && (m.Status == MemberActive || m.Status == MemberReady) {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyJoined, b.caller, m.Status)
	}
	var raw json.RawMessage
	if memberConstants != nil {
		var err error
		if raw, err = MarshalValue(memberConstants); err != nil {
			return err
		}
	}
	return b.stage(func(p *Patch) error {
		if p.Members == nil {
			p.Members = map[string]*MemberPatch{}
		}
		mp := p.Members[MeKey]
		if mp == nil {
			mp = &MemberPatch{}
			p.Members[MeKey] = mp
		}
		mp.ConstantsCustom = raw
		mp.InitializeRequested = &initializeRequested
		mp.Active = &active
		return nil
	})
}

// AddMemberReservation reserves a slot for userID. Capacity is checked
// against the preview; the service remains authoritative.
func (b *Builder) AddMemberReservation(userID string, memberConstants any, initializeRequested bool) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidArgument)
	}
	if b.preview.MemberByUser(userID) != nil {
		return fmt.Errorf("%w: %s already has a member entry", ErrAlreadyJoined, userID)
	}
	var raw json.RawMessage
	if memberConstants != nil {
		var err error
		if raw, err = MarshalValue(memberConstants); err != nil {
			return err
		}
	}
	key := ReservationKeyPrefix + strconv.Itoa(b.reservations)
	err := b.stage(func(p *Patch) error {
		if p.Members == nil {
			p.Members = map[string]*MemberPatch{}
		}
		p.Members[key] = &MemberPatch{UserID: userID, ConstantsCustom: raw, InitializeRequested: &initializeRequested}
		return nil
	})
	if err == nil {
		b.reservations++
	}
	return err
}

// Leave removes the caller from the session.
func (b *Builder) Leave() error {
	if b.caller == "" || b.preview.MemberByUser(b.caller) == nil {
		return fmt.Errorf("%w: not a member of the session", ErrInvalidState)
	}
	return b.stage(func(p *Patch) error {
		if p.Members == nil {
			p.Members = map[string]*MemberPatch{}
		}
		p.Members[MeKey] = nil
		return nil
	})
}

// SetCurrentUserStatus sets the caller's status. Only active and inactive may
// be set by clients.
func (b *Builder) SetCurrentUserStatus(status MemberStatus) error {
	if status != MemberActive && status != MemberInactive {
		return fmt.Errorf("%w: status %s cannot be set by a client", ErrInvalidArgument, status)
	}
	active := status == MemberActive
	return b.stageCurrentMember(func(m *MemberPatch) error {
		m.Active = &active
		return nil
	})
}

// SetCurrentUserProperty stages a custom property on the caller's member.
func (b *Builder) SetCurrentUserProperty(name string, value any) error {
	if name == "" {
		return fmt.Errorf("%w: empty property name", ErrInvalidArgument)
	}
	raw, err := MarshalValue(value)
	if err != nil {
		return err
	}
	return b.stageCurrentMember(func(m *MemberPatch) error {
		if m.Custom == nil {
			m.Custom = map[string]json.RawMessage{}
		}
		m.Custom[name] = raw
		return nil
	})
}

// DeleteCurrentUserProperty stages removal of a custom property on the
// caller's member.
func (b *Builder) DeleteCurrentUserProperty(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty property name", ErrInvalidArgument)
	}
	return b.stageCurrentMember(func(m *MemberPatch) error {
		if m.Custom == nil {
			m.Custom = map[string]json.RawMessage{}
		}
		m.Custom[name] = jsonNull
		return nil
	})
}

func (b *Builder) SetCurrentUserConnectionAddress(addr string) error {
	return b.stageCurrentMember(func(m *MemberPatch) error {
		m.ConnectionAddress = &addr
		return nil
	})
}

func (b *Builder) SetCurrentUserDeviceToken(token string) error {
	return b.stageCurrentMember(func(m *MemberPatch) error {
		m.DeviceToken = &token
		return nil
	})
}

func (b *Builder) SetCurrentUserGroups(groups ...string) error {
	g := append([]string{}, groups...)
	return b.stageCurrentMember(func(m *MemberPatch) error {
		m.Groups = &g
		return nil
	})
}

func (b *Builder) SetCurrentUserMeasurements(value any) error {
	raw, err := MarshalValue(value)
	if err != nil {
		return err
	}
	return b.stageCurrentMember(func(m *MemberPatch) error {
		m.Measurements = raw
		return nil
	})
}

// SetCurrentUserRoles assigns roles by role type. An empty role name clears
// the assignment.
func (b *Builder) SetCurrentUserRoles(roles map[string]string) error {
	for rt := range roles {
		if _, ok := b.preview.RoleTypes[rt]; !ok {
			return fmt.Errorf("%w: unknown role type %q", ErrInvalidArgument, rt)
		}
	}
	return b.stageCurrentMember(func(m *MemberPatch) error {
		if m.Roles == nil {
			m.Roles = map[string]string{}
		}
		for k, v := range roles {
			m.Roles[k] = v
		}
		return nil
	})
}

// SetMutableRoleSettings changes max and/or target of a role. Only session
// owners may call it, and only for settings the role type declares mutable.
func (b *Builder) SetMutableRoleSettings(roleType, role string, max, target *int) error {
	me := b.preview.MemberByUser(b.caller)
	if me == nil || !b.preview.IsOwner(me.ID) {
		return fmt.Errorf("%w: only session owners may change role settings", ErrInvalidState)
	}
	if max == nil && target == nil {
		return fmt.Errorf("%w: no role setting given", ErrInvalidArgument)
	}
	return b.stage(func(p *Patch) error {
		if p.RoleTypes == nil {
			p.RoleTypes = map[string]map[string]RolePatch{}
		}
		roles := p.RoleTypes[roleType]
		if roles == nil {
			roles = map[string]RolePatch{}
			p.RoleTypes[roleType] = roles
		}
		rp := roles[role]
		if max != nil {
			v := *max
			rp.Max = &v
		}
		if target != nil {
			v := *target
			rp.Target = &v
		}
		roles[role] = rp
		return nil
	})
}

func (p *Patch) clone() *Patch {
	c := &Patch{CorrelationID: p.CorrelationID}
	if p.Constants != nil {
		k := *p.Constants
		c.Constants = &k
	}
	if p.Properties != nil {
		pp := &PropertiesPatch{}
		if p.Properties.System != nil {
			s := *p.Properties.System
			pp.System = &s
		}
		if p.Properties.Custom != nil {
			pp.Custom = make(map[string]json.RawMessage, len(p.Properties.Custom))
			for k, v := range p.Properties.Custom {
				pp.Custom[k] = v
			}
		}
		c.Properties = pp
	}
	if p.Members != nil {
		c.Members = make(map[string]*MemberPatch, len(p.Members))
		for k, mp := range p.Members {
			if mp == nil {
				c.Members[k] = nil
				continue
			}
			m := *mp
			if mp.Custom != nil {
				m.Custom = make(map[string]json.RawMessage, len(mp.Custom))
				for ck, cv := range mp.Custom {
					m.Custom[ck] = cv
				}
			}
			if mp.Roles != nil {
				m.Roles = make(map[string]string, len(mp.Roles))
				for rk, rv := range mp.Roles {
					m.Roles[rk] = rv
				}
			}
			c.Members[k] = &m
		}
	}
	if p.RoleTypes != nil {
		c.RoleTypes = make(map[string]map[string]RolePatch, len(p.RoleTypes))
		for rt, roles := range p.RoleTypes {
			r := make(map[string]RolePatch, len(roles))
			for k, v := range roles {
				r[k] = v
			}
			c.RoleTypes[rt] = r
		}
	}
	return c
}
