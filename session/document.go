package session

import (
	"encoding/json"
	"time"
)

// Timeouts are the member and session timeouts fixed at creation.
type Timeouts struct {
	MemberReserved *time.Duration `json:"memberReserved,omitempty" yaml:"memberReserved,omitempty"`
	MemberInactive *time.Duration `json:"memberInactive,omitempty" yaml:"memberInactive,omitempty"`
	MemberReady    *time.Duration `json:"memberReady,omitempty" yaml:"memberReady,omitempty"`
	SessionEmpty   *time.Duration `json:"sessionEmpty,omitempty" yaml:"sessionEmpty,omitempty"`
}

// Constants are written once when the session is created. Unset optional
// fields are nil and are not serialized.
type Constants struct {
	MaxMembers   *int            `json:"maxMembersCount,omitempty" yaml:"maxMembersCount,omitempty"`
	Visibility   *Visibility     `json:"visibility,omitempty" yaml:"visibility,omitempty"`
	Initiators   []string        `json:"initiators,omitempty" yaml:"initiators,omitempty"`
	Custom       json.RawMessage `json:"custom,omitempty" yaml:"-"`
	Timeouts     Timeouts        `json:"timeouts" yaml:"timeouts,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// Opaque requirement payloads the client carries but never interprets.
	PeerToPeerRequirements     json.RawMessage `json:"peerToPeerRequirements,omitempty" yaml:"-"`
	PeerToHostRequirements     json.RawMessage `json:"peerToHostRequirements,omitempty" yaml:"-"`
	MeasurementServerAddresses json.RawMessage `json:"measurementServerAddresses,omitempty" yaml:"-"`
}

// WithDefaults returns c with every unset field filled from defaults.
func (c Constants) WithDefaults(defaults Constants) Constants {
	if c.MaxMembers == nil {
		c.MaxMembers = defaults.MaxMembers
	}
	if c.Visibility == nil {
		c.Visibility = defaults.Visibility
	}
	if c.Initiators == nil {
		c.Initiators = defaults.Initiators
	}
	if c.Custom == nil {
		c.Custom = defaults.Custom
	}
	if c.Timeouts.MemberReserved == nil {
		c.Timeouts.MemberReserved = defaults.Timeouts.MemberReserved
	}
	if c.Timeouts.MemberInactive == nil {
		c.Timeouts.MemberInactive = defaults.Timeouts.MemberInactive
	}
	if c.Timeouts.MemberReady == nil {
		c.Timeouts.MemberReady = defaults.Timeouts.MemberReady
	}
	if c.Timeouts.SessionEmpty == nil {
		c.Timeouts.SessionEmpty = defaults.Timeouts.SessionEmpty
	}
	if c.Capabilities == nil && defaults.Capabilities != nil {
		c.Capabilities = make(map[string]bool, len(defaults.Capabilities))
		for k, v := range defaults.Capabilities {
			c.Capabilities[k] = v
		}
	}
	if c.PeerToPeerRequirements == nil {
		c.PeerToPeerRequirements = defaults.PeerToPeerRequirements
	}
	if c.PeerToHostRequirements == nil {
		c.PeerToHostRequirements = defaults.PeerToHostRequirements
	}
	if c.MeasurementServerAddresses == nil {
		c.MeasurementServerAddresses = defaults.MeasurementServerAddresses
	}
	return c
}

// Properties may be changed at any time by session members.
type Properties struct {
	Custom                           map[string]json.RawMessage `json:"custom,omitempty"`
	Keywords                         []string                   `json:"keywords,omitempty"`
	JoinRestriction                  Restriction                `json:"joinRestriction"`
	ReadRestriction                  Restriction                `json:"readRestriction"`
	HostDeviceToken                  string                     `json:"host,omitempty"`
	Closed                           bool                       `json:"closed,omitempty"`
	Locked                           bool                       `json:"locked,omitempty"`
	TurnCollection                   []uint32                   `json:"turn,omitempty"`
	ServerConnectionStringCandidates []string                   `json:"serverConnectionStringCandidates,omitempty"`
	MatchmakingTargetSession         json.RawMessage            `json:"matchmakingTargetSession,omitempty"`
	// Owners lists member ids allowed to change owner-restricted settings.
	// Maintained by the service.
	Owners []uint32 `json:"owners,omitempty"`
}

// Member is one participant in a session. Members are owned by exactly one
// Document; lobby and game documents never share members.
type Member struct {
	ID                  uint32                     `json:"id"`
	UserID              string                     `json:"userId"`
	Status              MemberStatus               `json:"status"`
	ConstantsCustom     json.RawMessage            `json:"constantsCustom,omitempty"`
	Custom              map[string]json.RawMessage `json:"custom,omitempty"`
	DeviceToken         string                     `json:"deviceToken,omitempty"`
	ConnectionAddress   string                     `json:"connectionAddress,omitempty"`
	Groups              []string                   `json:"groups,omitempty"`
	Measurements        json.RawMessage            `json:"measurements,omitempty"`
	InitializeRequested bool                       `json:"initialize,omitempty"`
	Roles               map[string]string          `json:"roles,omitempty"`
	JoinTime            time.Time                  `json:"joinTime"`

	// IsCurrentUser is computed locally when a document is hydrated.
	IsCurrentUser bool `json:"-"`
}

func (m *Member) clone() *Member {
	c := *m
	return &c
}

// Role is a named slot within a role type.
type Role struct {
	Max    *int `json:"max,omitempty" yaml:"max,omitempty"`
	Target *int `json:"target,omitempty" yaml:"target,omitempty"`
	Count  int  `json:"count,omitempty" yaml:"-"`
}

// RoleType groups roles and declares which settings owners may change.
type RoleType struct {
	OwnerManaged        bool            `json:"ownerManaged,omitempty" yaml:"ownerManaged,omitempty"`
	MutableRoleSettings []string        `json:"mutableRoleSettings,omitempty" yaml:"mutableRoleSettings,omitempty"`
	Roles               map[string]Role `json:"roles,omitempty" yaml:"roles,omitempty"`
}

func (rt RoleType) mutable(setting string) bool {
	for _, s := range rt.MutableRoleSettings {
		if s == setting {
			return true
		}
	}
	return false
}

// MatchmakingServer is the matchmaking sub-document of a ticket session.
type MatchmakingServer struct {
	Status        MatchmakingStatus `json:"status"`
	StatusDetails string            `json:"statusDetails,omitempty"`
	Hopper        string            `json:"hopper,omitempty"`
	TicketID      string            `json:"ticketId,omitempty"`
	TypicalWait   time.Duration     `json:"typicalWait,omitempty"`
	TargetSession *Reference        `json:"targetSession,omitempty"`
}

// Servers holds server-written sub-documents.
type Servers struct {
	Matchmaking *MatchmakingServer `json:"matchmaking,omitempty"`
	Arbitration json.RawMessage    `json:"arbitration,omitempty"`
	Tournament  json.RawMessage    `json:"tournament,omitempty"`
}

// Initialization tracks managed initialization.
type Initialization struct {
	Stage     InitializationStage `json:"stage"`
	Episode   int                 `json:"episode,omitempty"`
	Succeeded bool                `json:"succeeded,omitempty"`
}

// Document is an immutable snapshot of a session. Callers must treat every
// field as read-only; use a Builder to stage changes.
//
// A nil *Document and the result of Deleted are both null documents.
// Check IsNull before reading fields.
type Document struct {
	Ref            Reference           `json:"ref"`
	Constants      Constants           `json:"constants"`
	Properties     Properties          `json:"properties"`
	Members        []*Member           `json:"members"`
	RoleTypes      map[string]RoleType `json:"roleTypes,omitempty"`
	Servers        Servers             `json:"servers"`
	Initialization Initialization      `json:"initialization"`
	Branch         string              `json:"branch,omitempty"`
	ChangeNumber   int64               `json:"changeNumber"`
	CorrelationID  string              `json:"correlationId,omitempty"`
	NextMemberID   uint32              `json:"nextMemberId,omitempty"`

	// Transport metadata.
	ETag         string      `json:"-"`
	ResponseDate time.Time   `json:"-"`
	WriteStatus  WriteStatus `json:"-"`

	deleted bool
}

// New returns an uncommitted local document for ref.
func New(ref Reference, constants Constants) *Document {
	return &Document{
		Ref:            ref,
		Constants:      constants,
		Properties:     Properties{JoinRestriction: RestrictionNone, ReadRestriction: RestrictionNone},
		Initialization: Initialization{Stage: InitializationNone},
	}
}

// Deleted returns the null document that stands for a session the service
// has removed.
func Deleted(ref Reference) *Document {
	return &Document{Ref: ref, WriteStatus: WriteSessionDeleted, deleted: true}
}

// IsNull reports whether d represents "no session".
func (d *Document) IsNull() bool { return d == nil || d.deleted }

// IsCommitted reports whether d was hydrated from the service.
func (d *Document) IsCommitted() bool { return !d.IsNull() && d.ETag != "" }

// Reference returns the session reference, or the zero reference for nil.
func (d *Document) Reference() Reference {
	if d == nil {
		return Reference{}
	}
	return d.Ref
}

// MemberByID returns the member with id, or nil.
func (d *Document) MemberByID(id uint32) *Member {
	if d.IsNull() {
		return nil
	}
	for _, m := range d.Members {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// MemberByUser returns the member for userID, or nil.
func (d *Document) MemberByUser(userID string) *Member {
	if d.IsNull() || userID == "" {
		return nil
	}
	for _, m := range d.Members {
		if m.UserID == userID {
			return m
		}
	}
	return nil
}

// CurrentUser returns the first member flagged as a local user, or nil.
func (d *Document) CurrentUser() *Member {
	if d.IsNull() {
		return nil
	}
	for _, m := range d.Members {
		if m.IsCurrentUser {
			return m
		}
	}
	return nil
}

// LocalMembers returns every member flagged as a local user.
func (d *Document) LocalMembers() []*Member {
	if d.IsNull() {
		return nil
	}
	var out []*Member
	for _, m := range d.Members {
		if m.IsCurrentUser {
			out = append(out, m)
		}
	}
	return out
}

// Host returns the member whose device token is the session host, or nil.
func (d *Document) Host() *Member {
	if d.IsNull() || d.Properties.HostDeviceToken == "" {
		return nil
	}
	for _, m := range d.Members {
		if m.DeviceToken == d.Properties.HostDeviceToken {
			return m
		}
	}
	return nil
}

// IsOwner reports whether member id is listed as a session owner.
func (d *Document) IsOwner(id uint32) bool {
	if d.IsNull() {
		return false
	}
	for _, o := range d.Properties.Owners {
		if o == id {
			return true
		}
	}
	return false
}

// MatchmakingStatus returns the matchmaking sub-status, or MatchmakingNone.
func (d *Document) MatchmakingStatus() MatchmakingStatus {
	if d.IsNull() || d.Servers.Matchmaking == nil {
		return MatchmakingNone
	}
	return d.Servers.Matchmaking.Status
}

// shallowCopy copies the top-level struct. Members and maps stay shared
// until a writer replaces them.
func (d *Document) shallowCopy() *Document {
	c := *d
	c.Members = append([]*Member(nil), d.Members...)
	return &c
}

// withCurrentUsers marks members belonging to users as local.
func (d *Document) withCurrentUsers(users []string) *Document {
	if d.IsNull() || len(users) == 0 {
		return d
	}
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	c := d.shallowCopy()
	for i, m := range c.Members {
		_, local := set[m.UserID]
		if local != m.IsCurrentUser {
			mc := m.clone()
			mc.IsCurrentUser = local
			c.Members[i] = mc
		}
	}
	return c
}

// ForUsers returns d with IsCurrentUser recomputed for users.
func (d *Document) ForUsers(users ...string) *Document {
	if d.IsNull() {
		return d
	}
	if len(users) == 0 {
		c := d.shallowCopy()
		for i, m := range c.Members {
			if m.IsCurrentUser {
				mc := m.clone()
				mc.IsCurrentUser = false
				c.Members[i] = mc
			}
		}
		return c
	}
	return d.withCurrentUsers(users)
}
