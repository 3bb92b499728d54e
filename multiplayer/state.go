package multiplayer

import "github.com/ggoodman/sessionsync-go/session"

// State is the manager's lifecycle position.
type State int

const (
	StateNoLobby State = iota
	StateLobbyActive
	StateMatchmaking
	StateGameActive
)

func (s State) String() string {
	switch s {
	case StateLobbyActive:
		return "lobby_active"
	case StateMatchmaking:
		return "matchmaking"
	case StateGameActive:
		return "game_active"
	}
	return "no_lobby"
}

// Joinability controls who may join the lobby.
type Joinability int

const (
	JoinabilityNone Joinability = iota
	JoinableByFriends
	InviteOnly
	DisableWhileGameInProgress
	Closed
)

var joinabilityNames = []string{"none", "joinable_by_friends", "invite_only", "disable_while_game_in_progress", "closed"}

func (j Joinability) String() string {
	if j < 0 || int(j) >= len(joinabilityNames) {
		return joinabilityNames[0]
	}
	return joinabilityNames[j]
}

func parseJoinability(s string) (Joinability, bool) {
	for i, n := range joinabilityNames {
		if n == s {
			return Joinability(i), true
		}
	}
	return JoinabilityNone, false
}

// MatchStatus is the progress of the current FindMatch call.
type MatchStatus int

const (
	MatchNone MatchStatus = iota
	MatchSubmittingTicket
	MatchSearching
	MatchFound
	MatchJoining
	MatchCompleted
	MatchExpired
	MatchCanceling
	MatchCanceled
	MatchFailed
)

var matchStatusNames = []string{"none", "submitting_match_ticket", "searching", "found", "joining", "completed", "expired", "canceling", "canceled", "failed"}

func (s MatchStatus) String() string {
	if s < 0 || int(s) >= len(matchStatusNames) {
		return matchStatusNames[0]
	}
	return matchStatusNames[s]
}

// terminal reports whether s ends a FindMatch call.
func (s MatchStatus) terminal() bool {
	return s == MatchCompleted || s == MatchExpired || s == MatchCanceled || s == MatchFailed
}

// newer reports whether doc should replace cached. A different branch always
// replaces; within a branch the change number must advance. A null doc
// replaces any non-null cache.
func newer(doc, cached *session.Document) bool {
	switch {
	case cached.IsNull():
		return !doc.IsNull()
	case doc.IsNull():
		return true
	case doc.Branch != cached.Branch:
		return true
	}
	return doc.ChangeNumber > cached.ChangeNumber
}
