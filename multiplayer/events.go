package multiplayer

import (
	"encoding/json"
	"fmt"

	"github.com/ggoodman/sessionsync-go/session"
)

// Role identifies which of the manager's documents an event is about.
type Role int

const (
	RoleNone Role = iota
	RoleLobby
	RoleGame
)

func (r Role) String() string {
	switch r {
	case RoleLobby:
		return "lobby"
	case RoleGame:
		return "game"
	}
	return "none"
}

// EventKind discriminates Event.
type EventKind int

const (
	EventUserAdded EventKind = iota + 1
	EventUserRemoved
	EventMemberJoined
	EventMemberLeft
	EventMemberPropertyChanged
	EventLocalMemberPropertyWriteCompleted
	EventLocalMemberConnectionAddressWriteCompleted
	EventSessionPropertyChanged
	EventSessionPropertyWriteCompleted
	EventSessionSynchronizedPropertyWriteCompleted
	EventHostChanged
	EventSynchronizedHostWriteCompleted
	EventJoinabilityStateChanged
	EventFindMatchCompleted
	EventJoinGameCompleted
	EventLeaveGameCompleted
	EventJoinLobbyCompleted
	EventClientDisconnected
	EventInviteSent
	EventTournamentPropertyChanged
	EventArbitrationPropertyChanged
)

var eventKindNames = map[EventKind]string{
	EventUserAdded:                                  "user_added",
	EventUserRemoved:                                "user_removed",
	EventMemberJoined:                               "member_joined",
	EventMemberLeft:                                 "member_left",
	EventMemberPropertyChanged:                      "member_property_changed",
	EventLocalMemberPropertyWriteCompleted:          "local_member_property_write_completed",
	EventLocalMemberConnectionAddressWriteCompleted: "local_member_connection_address_write_completed",
	EventSessionPropertyChanged:                     "session_property_changed",
	EventSessionPropertyWriteCompleted:              "session_property_write_completed",
	EventSessionSynchronizedPropertyWriteCompleted:  "session_synchronized_property_write_completed",
	EventHostChanged:                                "host_changed",
	EventSynchronizedHostWriteCompleted:             "synchronized_host_write_completed",
	EventJoinabilityStateChanged:                    "joinability_state_changed",
	EventFindMatchCompleted:                         "find_match_completed",
	EventJoinGameCompleted:                          "join_game_completed",
	EventLeaveGameCompleted:                         "leave_game_completed",
	EventJoinLobbyCompleted:                         "join_lobby_completed",
	EventClientDisconnected:                         "client_disconnected_from_multiplayer_service",
	EventInviteSent:                                 "invite_sent",
	EventTournamentPropertyChanged:                  "tournament_property_changed",
	EventArbitrationPropertyChanged:                 "arbitration_property_changed",
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one entry of the list returned by Manager.DoWork.
//
// Payload holds the variant for Kind; switch on its concrete type:
//
//	switch p := ev.Payload.(type) {
//	case multiplayer.MemberJoined:
//	case multiplayer.WriteCompleted:
//	}
type Event struct {
	Kind EventKind
	Role Role
	// Err is set when the operation behind a completion event failed.
	Err error
	// Context is the value the caller passed to the operation that produced
	// the event, if any.
	Context any
	// FromLocalWrite marks change events caused by one of this client's own
	// writes.
	FromLocalWrite bool
	Payload        Payload
}

// Payload is implemented only by the types in this package.
type Payload interface {
	payload()
}

// UserChanged accompanies user_added and user_removed.
type UserChanged struct {
	UserID string
}

// MemberJoined accompanies member_joined.
type MemberJoined struct {
	Members []*session.Member
}

// MemberLeft accompanies member_left.
type MemberLeft struct {
	Members []*session.Member
}

// MemberPropertyChanged accompanies member_property_changed.
type MemberPropertyChanged struct {
	Member     *session.Member
	Properties map[string]json.RawMessage
}

// SessionPropertyChanged accompanies session_property_changed.
type SessionPropertyChanged struct {
	Properties map[string]json.RawMessage
}

// HostChanged accompanies host_changed. Host is nil when the session has no
// host or the host is not a member.
type HostChanged struct {
	Host *session.Member
}

// JoinabilityChanged accompanies joinability_state_changed.
type JoinabilityChanged struct {
	Joinability Joinability
}

// FindMatchCompleted accompanies find_match_completed.
type FindMatchCompleted struct {
	Status        MatchStatus
	TargetSession *session.Reference
}

// ServerPropertyChanged accompanies tournament_property_changed and
// arbitration_property_changed.
type ServerPropertyChanged struct {
	Changes session.ChangeTypes
}

// WriteCompleted accompanies every *_completed event produced by a session
// write. Session is the snapshot the write produced, or the server's current
// document for a rejected write when it sent one.
type WriteCompleted struct {
	Status        session.WriteStatus
	CorrelationID string
	Session       *session.Document
}

// Disconnected accompanies client_disconnected_from_multiplayer_service.
type Disconnected struct {
	Ref session.Reference
}

// InviteSent accompanies invite_sent. Handles maps each invitee to the
// handle id created for them.
type InviteSent struct {
	Handles map[string]string
}

func (UserChanged) payload()            {}
func (MemberJoined) payload()           {}
func (MemberLeft) payload()             {}
func (MemberPropertyChanged) payload()  {}
func (SessionPropertyChanged) payload() {}
func (HostChanged) payload()            {}
func (JoinabilityChanged) payload()     {}
func (FindMatchCompleted) payload()     {}
func (ServerPropertyChanged) payload()  {}
func (WriteCompleted) payload()         {}
func (Disconnected) payload()           {}
func (InviteSent) payload()             {}
