package multiplayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/sessionsync-go/internal/logctx"
	"github.com/ggoodman/sessionsync-go/session"
	"github.com/ggoodman/sessionsync-go/transport"
	"github.com/google/uuid"
)

const (
	// joinabilityProperty is the lobby custom property mirroring Joinability.
	joinabilityProperty = "joinability"
	// activeGameProperty is the lobby custom property naming the game
	// started with JoinGameFromLobby.
	activeGameProperty = "activeGame"
)

// ErrMatchTimeout is reported by find_match_completed when the FindMatch
// timeout passed before the matchmaker answered.
var ErrMatchTimeout = errors.New("matchmaking timed out")

type pendingJoin struct {
	userID            string
	connectionAddress string
}

// op tracks the writes behind one caller-visible operation.
type op struct {
	kind      EventKind
	role      Role
	context   any
	payload   Payload
	remaining int
	err       error
	last      WriteResult
	// done runs on the DoWork goroutine once every write resolved.
	done func(ctx context.Context, res WriteResult, err error)
}

type matchState struct {
	gen      int
	status   MatchStatus
	hopper   string
	ticketID string
	context  any
	deadline time.Time
	nextPoll time.Time
	polling  bool
	target   *session.Reference
}

// Manager owns a lobby document and at most one game document for the local
// users of one device, drives them through writes and notifications, and
// reports what changed through DoWork.
//
// Every method, DoWork included, must be called from a single goroutine.
// Network work happens in the background and is only observed by DoWork.
type Manager struct {
	cfg    Config
	coord  *Coordinator
	bridge *Bridge
	log    *slog.Logger
	now    func() time.Time

	users       []string
	lobby       *session.Document
	game        *session.Document
	lobbyBusy   bool
	state       State
	joinability Joinability
	match       matchState

	// pendingJoins wait for the in-flight lobby create.
	pendingJoins []pendingJoin

	ops    map[string]*op
	events []Event

	asyncMu sync.Mutex
	async   []func(ctx context.Context)
	asyncWG sync.WaitGroup
}

// NewManager returns a manager using t for requests and ch for change
// notifications.
func NewManager(cfg Config, t transport.Transport, ch transport.Channel, opts ...Option) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts = append([]Option{WithWriteTimeout(cfg.WriteTimeout)}, opts...)
	o := buildOptions(opts)
	coord := NewCoordinator(t, opts...)
	return &Manager{
		cfg:    cfg,
		coord:  coord,
		bridge: NewBridge(ch, coord, opts...),
		log:    o.log,
		now:    o.now,
		ops:    map[string]*op{},
	}, nil
}

// State returns the lifecycle state.
func (m *Manager) State() State { return m.state }

// LobbySession returns the lobby snapshot, or nil when there is none.
func (m *Manager) LobbySession() *session.Document { return m.lobby }

// GameSession returns the game snapshot, or nil when there is none.
func (m *Manager) GameSession() *session.Document { return m.game }

// LocalUsers returns the users added on this device.
func (m *Manager) LocalUsers() []string { return append([]string(nil), m.users...) }

// Joinability returns the last joinability set or observed on the lobby.
func (m *Manager) Joinability() Joinability { return m.joinability }

// MatchStatus returns the progress of the current or last FindMatch.
func (m *Manager) MatchStatus() MatchStatus { return m.match.status }

// Close stops every subscription and waits for background work.
func (m *Manager) Close() {
	m.bridge.Close()
	m.coord.Wait()
	m.asyncWG.Wait()
}

func (m *Manager) doc(role Role) *session.Document {
	if role == RoleGame {
		return m.game
	}
	return m.lobby
}

func (m *Manager) setDoc(role Role, d *session.Document) {
	if d.IsNull() {
		d = nil
	}
	if role == RoleGame {
		m.game = d
	} else {
		m.lobby = d
	}
}

func (m *Manager) hasUser(user string) bool {
	for _, u := range m.users {
		if u == user {
			return true
		}
	}
	return false
}

func (m *Manager) dropUser(user string) {
	for i, u := range m.users {
		if u == user {
			m.users = append(m.users[:i:i], m.users[i+1:]...)
			return
		}
	}
}

// memberCaller returns a local user who is a member of role's document.
func (m *Manager) memberCaller(role Role) (string, error) {
	d := m.doc(role)
	if !d.IsCommitted() {
		return "", fmt.Errorf("%w: no %s session", session.ErrInvalidState, role)
	}
	for _, u := range m.users {
		if d.MemberByUser(u) != nil {
			return u, nil
		}
	}
	return "", fmt.Errorf("%w: no local user in the %s session", session.ErrInvalidState, role)
}

func (m *Manager) emit(ev Event) {
	m.log.Debug("manager.event", slog.String("kind", ev.Kind.String()), slog.String("role", ev.Role.String()))
	m.events = append(m.events, ev)
}

// goAsync runs fn in the background; the closure it returns is run by the
// next DoWork.
func (m *Manager) goAsync(ctx context.Context, fn func(ctx context.Context) func(ctx context.Context)) {
	m.asyncWG.Add(1)
	go func() {
		defer m.asyncWG.Done()
		apply := fn(ctx)
		if apply == nil {
			return
		}
		m.asyncMu.Lock()
		m.async = append(m.async, apply)
		m.asyncMu.Unlock()
	}()
}

// submit sends the builders as one operation. All builders must already be
// staged; a submission failure is returned only if nothing was sent.
func (m *Manager) submit(ctx context.Context, o *op, mode session.WriteMode, builders ...*session.Builder) error {
	o.remaining += len(builders)
	sent := 0
	var firstErr error
	for _, b := range builders {
		pw, err := m.coord.Write(ctx, b, mode)
		if err != nil {
			o.remaining--
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.ops[pw.ID()] = o
		m.bridge.Expect(b.Base().Ref, pw.ID())
		sent++
	}
	if sent == 0 {
		return firstErr
	}
	if firstErr != nil && o.err == nil {
		o.err = firstErr
	}
	return nil
}

// --- Local users ---

// AddLocalUser adds userID to the lobby, creating the lobby on first use.
// user_added reports the outcome.
func (m *Manager) AddLocalUser(ctx context.Context, userID, connectionAddress string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", session.ErrInvalidArgument)
	}
	if m.hasUser(userID) {
		return fmt.Errorf("%w: %s is already a local user", session.ErrAlreadyJoined, userID)
	}
	if m.lobby.IsNull() && m.lobbyBusy {
		return fmt.Errorf("%w: a lobby join is in flight", session.ErrInvalidState)
	}

	if m.lobby != nil && !m.lobby.IsCommitted() {
		// The lobby create is still in flight; join once it lands.
		m.users = append(m.users, userID)
		m.pendingJoins = append(m.pendingJoins, pendingJoin{userID: userID, connectionAddress: connectionAddress})
		return nil
	}
	if err := m.joinLocalUser(ctx, userID, connectionAddress); err != nil {
		return err
	}
	m.users = append(m.users, userID)
	if m.state == StateNoLobby {
		m.state = StateLobbyActive
	}

	// A user added mid-game follows the others into the game.
	if m.game.IsCommitted() {
		gb := session.NewBuilder(m.game, userID)
		err := gb.Join(nil, false, true)
		if err == nil {
			err = m.submit(ctx, &op{role: RoleGame}, session.UpdateExisting, gb)
		}
		m.warnFollowUp(ctx, "game.join", err)
	}
	return nil
}

// joinLocalUser writes userID into the lobby, creating it when there is
// none. user_added reports the outcome.
func (m *Manager) joinLocalUser(ctx context.Context, userID, connectionAddress string) error {
	creating := m.lobby.IsNull()
	base := m.lobby
	mode := session.UpdateExisting
	if creating {
		ref := session.Reference{SCID: m.cfg.SCID, Template: m.cfg.LobbyTemplate, Name: uuid.NewString()}
		base = session.New(ref, session.Constants{})
		mode = session.CreateNew
	}

	b := session.NewBuilder(base, userID)
	if creating && m.cfg.LobbyMaxMembers > 0 {
		if err := b.SetMaxMembers(m.cfg.LobbyMaxMembers); err != nil {
			return err
		}
	}
	if err := b.Join(nil, false, true); err != nil {
		return err
	}
	if connectionAddress != "" {
		if err := b.SetCurrentUserConnectionAddress(connectionAddress); err != nil {
			return err
		}
	}

	o := &op{kind: EventUserAdded, role: RoleLobby, payload: UserChanged{UserID: userID}}
	o.done = func(ctx context.Context, res WriteResult, err error) {
		if creating {
			m.flushPendingJoins(ctx, err)
		}
		if err == nil {
			return
		}
		m.dropUser(userID)
		if !m.lobby.IsCommitted() {
			m.lobby = nil
			if len(m.users) == 0 {
				m.state = StateNoLobby
			}
		}
	}
	if err := m.submit(ctx, o, mode, b); err != nil {
		return err
	}
	if creating {
		m.lobby = b.Preview()
	}
	return nil
}

// flushPendingJoins joins the users queued behind a lobby create, or fails
// them with the create's error.
func (m *Manager) flushPendingJoins(ctx context.Context, createErr error) {
	pending := m.pendingJoins
	m.pendingJoins = nil
	for _, p := range pending {
		err := createErr
		if err == nil {
			err = m.joinLocalUser(ctx, p.userID, p.connectionAddress)
		}
		if err != nil {
			m.dropUser(p.userID)
			m.emit(Event{Kind: EventUserAdded, Role: RoleLobby, Err: err, Payload: UserChanged{UserID: p.userID}})
		}
	}
}

// warnFollowUp logs a failed write that has no event of its own.
func (m *Manager) warnFollowUp(ctx context.Context, what string, err error) {
	if err != nil {
		m.log.WarnContext(ctx, "manager."+what+".fail", slog.String("err", err.Error()))
	}
}

// RemoveLocalUser takes userID out of the lobby and any game. When the last
// local user leaves, the manager returns to StateNoLobby.
func (m *Manager) RemoveLocalUser(ctx context.Context, userID string) error {
	if !m.hasUser(userID) {
		return fmt.Errorf("%w: %s is not a local user", session.ErrInvalidArgument, userID)
	}
	if !m.lobby.IsCommitted() {
		return fmt.Errorf("%w: lobby is still being created", session.ErrInvalidState)
	}
	b := session.NewBuilder(m.lobby, userID)
	if err := b.Leave(); err != nil {
		return err
	}
	o := &op{kind: EventUserRemoved, role: RoleLobby, payload: UserChanged{UserID: userID}}
	o.done = func(ctx context.Context, res WriteResult, err error) {
		if len(m.users) > 0 {
			return
		}
		m.resetAll()
	}
	if err := m.submit(ctx, o, session.UpdateExisting, b); err != nil {
		return err
	}
	if m.game.IsCommitted() && m.game.MemberByUser(userID) != nil {
		gb := session.NewBuilder(m.game, userID)
		err := gb.Leave()
		if err == nil {
			err = m.submit(ctx, &op{role: RoleGame}, session.UpdateExisting, gb)
		}
		m.warnFollowUp(ctx, "game.leave", err)
	}
	m.dropUser(userID)
	return nil
}

func (m *Manager) resetAll() {
	if m.lobby != nil {
		m.bridge.Disable(m.lobby.Ref)
	}
	if m.game != nil {
		m.bridge.Disable(m.game.Ref)
	}
	m.lobby, m.game = nil, nil
	m.pendingJoins = nil
	m.state = StateNoLobby
	m.match = matchState{gen: m.match.gen + 1}
}

// --- Member and session properties ---

func (m *Manager) localMemberWrite(ctx context.Context, userID string, kind EventKind, userContext any, stage func(b *session.Builder) error) error {
	if !m.hasUser(userID) {
		return fmt.Errorf("%w: %s is not a local user", session.ErrInvalidArgument, userID)
	}
	if !m.lobby.IsCommitted() {
		return fmt.Errorf("%w: no lobby session", session.ErrInvalidState)
	}
	b := session.NewBuilder(m.lobby, userID)
	if err := stage(b); err != nil {
		return err
	}
	var gb *session.Builder
	if m.game.IsCommitted() && m.game.MemberByUser(userID) != nil {
		gb = session.NewBuilder(m.game, userID)
		if err := stage(gb); err != nil {
			return err
		}
	}

	if err := m.submit(ctx, &op{kind: kind, role: RoleLobby, context: userContext}, session.UpdateExisting, b); err != nil {
		return err
	}
	if gb == nil {
		return nil
	}
	// The lobby write is already in flight, so a game failure is reported
	// through the game's completion event.
	if err := m.submit(ctx, &op{kind: kind, role: RoleGame, context: userContext}, session.UpdateExisting, gb); err != nil {
		m.emit(Event{Kind: kind, Role: RoleGame, Err: err, Context: userContext, Payload: WriteCompleted{}})
	}
	return nil
}

// SetLocalMemberProperties sets a custom property on userID's member in the
// lobby and, when present, the game. local_member_property_write_completed
// is reported per session.
func (m *Manager) SetLocalMemberProperties(ctx context.Context, userID, name string, value any, userContext any) error {
	return m.localMemberWrite(ctx, userID, EventLocalMemberPropertyWriteCompleted, userContext, func(b *session.Builder) error {
		return b.SetCurrentUserProperty(name, value)
	})
}

// DeleteLocalMemberProperties removes a custom property from userID's member.
func (m *Manager) DeleteLocalMemberProperties(ctx context.Context, userID, name string, userContext any) error {
	return m.localMemberWrite(ctx, userID, EventLocalMemberPropertyWriteCompleted, userContext, func(b *session.Builder) error {
		return b.DeleteCurrentUserProperty(name)
	})
}

// SetLocalMemberConnectionAddress publishes userID's connection address.
func (m *Manager) SetLocalMemberConnectionAddress(ctx context.Context, userID, addr string, userContext any) error {
	return m.localMemberWrite(ctx, userID, EventLocalMemberConnectionAddressWriteCompleted, userContext, func(b *session.Builder) error {
		return b.SetCurrentUserConnectionAddress(addr)
	})
}

func (m *Manager) sessionWrite(ctx context.Context, o *op, mode session.WriteMode, stage func(b *session.Builder) error) error {
	caller, err := m.memberCaller(o.role)
	if err != nil {
		return err
	}
	b := session.NewBuilder(m.doc(o.role), caller)
	if err := stage(b); err != nil {
		return err
	}
	return m.submit(ctx, o, mode, b)
}

// SetProperties sets a session custom property, last writer wins.
func (m *Manager) SetProperties(ctx context.Context, role Role, name string, value any, userContext any) error {
	return m.sessionWrite(ctx, &op{kind: EventSessionPropertyWriteCompleted, role: role, context: userContext}, session.UpdateExisting, func(b *session.Builder) error {
		return b.SetProperty(name, value)
	})
}

// SetSynchronizedProperties sets a session custom property only if nobody
// else changed the session since the cached snapshot. A lost race completes
// with session.ErrOutOfSync.
func (m *Manager) SetSynchronizedProperties(ctx context.Context, role Role, name string, value any, userContext any) error {
	return m.sessionWrite(ctx, &op{kind: EventSessionSynchronizedPropertyWriteCompleted, role: role, context: userContext}, session.SynchronizedUpdate, func(b *session.Builder) error {
		return b.SetProperty(name, value)
	})
}

// SetSynchronizedHost claims the host slot for deviceToken with a
// synchronized update.
func (m *Manager) SetSynchronizedHost(ctx context.Context, role Role, deviceToken string, userContext any) error {
	return m.sessionWrite(ctx, &op{kind: EventSynchronizedHostWriteCompleted, role: role, context: userContext}, session.SynchronizedUpdate, func(b *session.Builder) error {
		return b.SetHostDeviceToken(deviceToken)
	})
}

// SetJoinability changes who may join the lobby.
func (m *Manager) SetJoinability(ctx context.Context, j Joinability, userContext any) error {
	if j == JoinabilityNone {
		return fmt.Errorf("%w: joinability must be set to a concrete value", session.ErrInvalidArgument)
	}
	prev := m.joinability
	o := &op{kind: EventJoinabilityStateChanged, role: RoleLobby, context: userContext}
	o.done = func(ctx context.Context, res WriteResult, err error) {
		if err != nil && m.joinability == j {
			m.joinability = prev
		}
		o.payload = JoinabilityChanged{Joinability: m.joinability}
	}
	err := m.sessionWrite(ctx, o, session.UpdateExisting, func(b *session.Builder) error {
		return m.stageJoinability(b, j)
	})
	if err != nil {
		return err
	}
	m.joinability = j
	return nil
}

func (m *Manager) stageJoinability(b *session.Builder, j Joinability) error {
	restriction := session.RestrictionLocal
	closed := false
	switch j {
	case JoinableByFriends:
		restriction = session.RestrictionFollowed
	case DisableWhileGameInProgress:
		closed = !m.game.IsNull()
	case Closed:
		closed = true
	}
	if err := b.SetProperty(joinabilityProperty, j.String()); err != nil {
		return err
	}
	if err := b.SetJoinRestriction(restriction); err != nil {
		return err
	}
	return b.SetClosed(closed)
}

// syncLobbyClosed re-applies DisableWhileGameInProgress after the game
// state changed.
func (m *Manager) syncLobbyClosed(ctx context.Context) {
	if m.joinability != DisableWhileGameInProgress {
		return
	}
	err := m.sessionWrite(ctx, &op{role: RoleLobby}, session.UpdateExisting, func(b *session.Builder) error {
		return m.stageJoinability(b, DisableWhileGameInProgress)
	})
	m.warnFollowUp(ctx, "joinability.sync", err)
}

// InviteUsers creates an invite handle per invitee for the lobby.
// invite_sent carries the handles.
func (m *Manager) InviteUsers(ctx context.Context, inviter string, invitees []string, userContext any) error {
	if !m.hasUser(inviter) {
		return fmt.Errorf("%w: %s is not a local user", session.ErrInvalidArgument, inviter)
	}
	if len(invitees) == 0 {
		return fmt.Errorf("%w: no invitees", session.ErrInvalidArgument)
	}
	if !m.lobby.IsCommitted() {
		return fmt.Errorf("%w: no lobby session", session.ErrInvalidState)
	}
	ref := m.lobby.Ref
	invitees = append([]string(nil), invitees...)
	m.goAsync(ctx, func(ctx context.Context) func(context.Context) {
		handles := make(map[string]string, len(invitees))
		var firstErr error
		for _, u := range invitees {
			id, err := m.coord.CreateHandle(ctx, ref, inviter, u)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			handles[u] = id
		}
		return func(context.Context) {
			m.emit(Event{Kind: EventInviteSent, Role: RoleLobby, Err: firstErr, Context: userContext, Payload: InviteSent{Handles: handles}})
		}
	})
	return nil
}

// JoinLobby joins userID to the lobby an invite handle points at.
// join_lobby_completed reports the outcome.
func (m *Manager) JoinLobby(ctx context.Context, handleID, userID string, userContext any) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", session.ErrInvalidArgument)
	}
	if !m.lobby.IsNull() || m.lobbyBusy {
		return fmt.Errorf("%w: already in a lobby", session.ErrInvalidState)
	}
	b := session.NewBuilder(nil, userID)
	if err := b.Join(nil, false, true); err != nil {
		return err
	}
	pw, err := m.coord.WriteByHandle(ctx, b, session.UpdateExisting, handleID)
	if err != nil {
		return err
	}
	m.lobbyBusy = true
	m.users = append(m.users, userID)
	m.ops[pw.ID()] = &op{
		kind: EventJoinLobbyCompleted, role: RoleLobby, context: userContext, remaining: 1,
		done: func(ctx context.Context, res WriteResult, err error) {
			m.lobbyBusy = false
			if err != nil {
				m.dropUser(userID)
				return
			}
			m.state = StateLobbyActive
		},
	}
	return nil
}

// --- Games ---

// JoinGameFromLobby creates a game session, joins the local users and
// reserves seats for the other lobby members. join_game_completed reports
// the outcome.
func (m *Manager) JoinGameFromLobby(ctx context.Context, userContext any) error {
	if m.state != StateLobbyActive || !m.game.IsNull() {
		return fmt.Errorf("%w: cannot start a game in state %s", session.ErrInvalidState, m.state)
	}
	caller, err := m.memberCaller(RoleLobby)
	if err != nil {
		return err
	}
	ref := session.Reference{SCID: m.cfg.SCID, Template: m.cfg.GameTemplate, Name: uuid.NewString()}
	base := session.New(ref, session.Constants{})
	first := session.NewBuilder(base, caller)
	if err := first.Join(nil, false, true); err != nil {
		return err
	}
	for _, mem := range m.lobby.Members {
		if m.hasUser(mem.UserID) {
			continue
		}
		if err := first.AddMemberReservation(mem.UserID, nil, false); err != nil {
			return err
		}
	}
	builders := []*session.Builder{first}
	for _, u := range m.users {
		if u == caller || m.lobby.MemberByUser(u) == nil {
			continue
		}
		b := session.NewBuilder(base, u)
		if err := b.Join(nil, false, true); err != nil {
			return err
		}
		builders = append(builders, b)
	}

	o := &op{kind: EventJoinGameCompleted, role: RoleGame, context: userContext}
	o.done = func(ctx context.Context, res WriteResult, err error) {
		if err != nil {
			if !m.game.IsCommitted() {
				m.game = nil
			}
			return
		}
		m.state = StateGameActive
		m.syncLobbyClosed(ctx)
		err = m.sessionWrite(ctx, &op{role: RoleLobby}, session.UpdateExisting, func(b *session.Builder) error {
			return b.SetProperty(activeGameProperty, ref.String())
		})
		m.warnFollowUp(ctx, "game.announce", err)
	}
	if len(builders) == 1 {
		if err := m.submit(ctx, o, session.CreateNew, first); err != nil {
			return err
		}
		m.game = first.Preview()
		return nil
	}

	// The remaining local users join once the session exists.
	create := &op{role: RoleGame}
	create.done = func(ctx context.Context, res WriteResult, err error) {
		if err == nil {
			err = m.submit(ctx, o, session.UpdateExisting, builders[1:]...)
		}
		if err != nil {
			o.done(ctx, res, err)
			m.emit(Event{Kind: o.kind, Role: RoleGame, Err: err, Context: userContext, Payload: WriteCompleted{Status: res.Status, CorrelationID: res.CorrelationID, Session: res.Session}})
		}
	}
	if err := m.submit(ctx, create, session.CreateNew, first); err != nil {
		return err
	}
	m.game = first.Preview()
	return nil
}

// JoinGame joins every local user to an existing game session.
// join_game_completed reports the outcome.
func (m *Manager) JoinGame(ctx context.Context, ref session.Reference, userContext any) error {
	if m.state != StateLobbyActive || !m.game.IsNull() {
		return fmt.Errorf("%w: cannot join a game in state %s", session.ErrInvalidState, m.state)
	}
	return m.joinGame(ctx, ref, &op{kind: EventJoinGameCompleted, role: RoleGame, context: userContext}, func(ctx context.Context, err error) {
		if err == nil {
			m.state = StateGameActive
			m.syncLobbyClosed(ctx)
		}
	})
}

func (m *Manager) joinGame(ctx context.Context, ref session.Reference, o *op, after func(ctx context.Context, err error)) error {
	if !ref.Valid() {
		return fmt.Errorf("%w: invalid game reference %q", session.ErrInvalidArgument, ref)
	}
	if len(m.users) == 0 {
		return fmt.Errorf("%w: no local users", session.ErrInvalidState)
	}
	base := session.New(ref, session.Constants{})
	builders := make([]*session.Builder, 0, len(m.users))
	for _, u := range m.users {
		b := session.NewBuilder(base, u)
		if err := b.Join(nil, false, true); err != nil {
			return err
		}
		builders = append(builders, b)
	}
	o.done = func(ctx context.Context, res WriteResult, err error) {
		if err != nil && !m.game.IsCommitted() {
			m.game = nil
		}
		after(ctx, err)
	}
	if err := m.submit(ctx, o, session.UpdateExisting, builders...); err != nil {
		return err
	}
	m.game = base
	return nil
}

// LeaveGame takes every local user out of the game. leave_game_completed
// reports the outcome; the game snapshot is cleared either way.
func (m *Manager) LeaveGame(ctx context.Context, userContext any) error {
	if m.state != StateGameActive || !m.game.IsCommitted() {
		return fmt.Errorf("%w: not in a game", session.ErrInvalidState)
	}
	var builders []*session.Builder
	for _, u := range m.users {
		if m.game.MemberByUser(u) == nil {
			continue
		}
		b := session.NewBuilder(m.game, u)
		if err := b.Leave(); err != nil {
			return err
		}
		builders = append(builders, b)
	}
	gameRef := m.game.Ref
	finish := func(ctx context.Context) {
		m.bridge.Disable(gameRef)
		m.game = nil
		if m.lobby.IsNull() {
			m.state = StateNoLobby
		} else {
			m.state = StateLobbyActive
		}
		if m.match.status.terminal() {
			m.match.status = MatchNone
		}
		m.syncLobbyClosed(ctx)
	}
	if len(builders) == 0 {
		finish(ctx)
		m.emit(Event{Kind: EventLeaveGameCompleted, Role: RoleGame, Context: userContext})
		return nil
	}
	o := &op{kind: EventLeaveGameCompleted, role: RoleGame, context: userContext}
	o.done = func(ctx context.Context, res WriteResult, err error) { finish(ctx) }
	return m.submit(ctx, o, session.UpdateExisting, builders...)
}

// --- Matchmaking ---

// FindMatch submits the lobby to hopper. The manager follows the ticket
// through the lobby's matchmaking status, polling every MatchPollInterval
// in case notifications are lost, and joins the game once one is found.
// find_match_completed reports the outcome. A zero timeout uses
// Config.MatchTimeout.
func (m *Manager) FindMatch(ctx context.Context, hopper string, attributes any, timeout time.Duration, userContext any) error {
	if hopper == "" {
		return fmt.Errorf("%w: empty hopper", session.ErrInvalidArgument)
	}
	if m.state != StateLobbyActive || !m.game.IsNull() {
		return fmt.Errorf("%w: cannot matchmake in state %s", session.ErrInvalidState, m.state)
	}
	caller, err := m.memberCaller(RoleLobby)
	if err != nil {
		return err
	}
	var attrs json.RawMessage
	if attributes != nil {
		if attrs, err = session.MarshalValue(attributes); err != nil {
			return err
		}
	}
	if timeout <= 0 {
		timeout = m.cfg.MatchTimeout
	}
	now := m.now()
	m.match = matchState{
		gen:      m.match.gen + 1,
		status:   MatchSubmittingTicket,
		hopper:   hopper,
		context:  userContext,
		deadline: now.Add(timeout),
		nextPoll: now.Add(m.cfg.MatchPollInterval),
	}
	m.state = StateMatchmaking
	gen := m.match.gen
	req := transport.TicketRequest{TicketSession: m.lobby.Ref, Attributes: attrs, Timeout: timeout}
	scid := m.lobby.Ref.SCID

	m.goAsync(ctx, func(ctx context.Context) func(context.Context) {
		resp, err := m.coord.SubmitTicket(ctx, hopper, req, caller)
		return func(ctx context.Context) {
			if m.match.gen != gen {
				return
			}
			if err != nil {
				m.finishMatch(MatchFailed, nil, err)
				return
			}
			m.match.ticketID = resp.TicketID
			if m.match.status == MatchCanceling {
				m.cancelTicket(ctx, scid, hopper, resp.TicketID, caller)
			} else {
				m.match.status = MatchSearching
			}
			m.log.InfoContext(ctx, "match.ticket", slog.String("ticket", resp.TicketID), slog.String("hopper", hopper))
			m.checkMatch(ctx)
		}
	})
	return nil
}

// CancelMatch asks the matchmaker to drop the ticket. The outcome, canceled
// or a match found in the meantime, arrives as find_match_completed.
func (m *Manager) CancelMatch(ctx context.Context) error {
	if m.state != StateMatchmaking {
		return fmt.Errorf("%w: no match in progress", session.ErrInvalidState)
	}
	switch m.match.status {
	case MatchSubmittingTicket:
		m.match.status = MatchCanceling
	case MatchSearching:
		m.match.status = MatchCanceling
		caller, err := m.memberCaller(RoleLobby)
		if err != nil {
			return err
		}
		m.cancelTicket(ctx, m.lobby.Ref.SCID, m.match.hopper, m.match.ticketID, caller)
	}
	return nil
}

func (m *Manager) cancelTicket(ctx context.Context, scid, hopper, ticketID, caller string) {
	m.goAsync(ctx, func(ctx context.Context) func(context.Context) {
		err := m.coord.CancelTicket(ctx, scid, hopper, ticketID, caller)
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			m.log.WarnContext(ctx, "match.cancel.fail", slog.String("ticket", ticketID), slog.String("err", err.Error()))
		}
		return nil
	})
}

func (m *Manager) finishMatch(status MatchStatus, target *session.Reference, err error) {
	userContext := m.match.context
	m.match.status = status
	m.match.ticketID = ""
	m.match.target = target
	if m.state == StateMatchmaking {
		m.state = StateLobbyActive
	}
	m.emit(Event{Kind: EventFindMatchCompleted, Role: RoleLobby, Err: err, Context: userContext, Payload: FindMatchCompleted{Status: status, TargetSession: target}})
}

// checkMatch advances matchmaking from the lobby's matchmaking status.
func (m *Manager) checkMatch(ctx context.Context) {
	if m.state != StateMatchmaking || m.match.ticketID == "" {
		return
	}
	if m.match.status != MatchSearching && m.match.status != MatchCanceling {
		return
	}
	if m.lobby.IsNull() {
		return
	}
	mm := m.lobby.Servers.Matchmaking
	if mm == nil || mm.TicketID != m.match.ticketID {
		return
	}
	switch mm.Status {
	case session.MatchmakingFound:
		if mm.TargetSession == nil {
			m.finishMatch(MatchFailed, nil, fmt.Errorf("%w: match found without a target session", session.ErrInvalidState))
			return
		}
		target := *mm.TargetSession
		m.match.status = MatchJoining
		m.match.target = &target
		m.log.InfoContext(ctx, "match.found", slog.String("game", target.String()))
		err := m.joinGame(ctx, target, &op{role: RoleGame}, func(ctx context.Context, err error) {
			if err != nil {
				m.finishMatch(MatchFailed, &target, err)
				return
			}
			m.finishMatch(MatchCompleted, &target, nil)
			m.state = StateGameActive
			m.syncLobbyClosed(ctx)
		})
		if err != nil {
			m.finishMatch(MatchFailed, &target, err)
		}
	case session.MatchmakingExpired:
		m.finishMatch(MatchExpired, nil, nil)
	case session.MatchmakingCanceled:
		m.finishMatch(MatchCanceled, nil, nil)
	}
}

func (m *Manager) tickMatch(ctx context.Context) {
	if m.state != StateMatchmaking {
		return
	}
	now := m.now()
	switch m.match.status {
	case MatchSearching, MatchCanceling:
	default:
		return
	}
	if m.match.status == MatchSearching && !now.Before(m.match.deadline) {
		if caller, err := m.memberCaller(RoleLobby); err == nil {
			m.cancelTicket(ctx, m.lobby.Ref.SCID, m.match.hopper, m.match.ticketID, caller)
		}
		m.finishMatch(MatchExpired, nil, ErrMatchTimeout)
		return
	}
	if m.match.polling || now.Before(m.match.nextPoll) {
		return
	}
	caller, err := m.memberCaller(RoleLobby)
	if err != nil {
		return
	}
	m.match.polling = true
	m.match.nextPoll = now.Add(m.cfg.MatchPollInterval)
	ref, gen := m.lobby.Ref, m.match.gen
	m.goAsync(ctx, func(ctx context.Context) func(context.Context) {
		doc, err := m.coord.Read(ctx, ref, caller)
		return func(ctx context.Context) {
			if m.match.gen == gen {
				m.match.polling = false
			}
			if err != nil {
				m.log.WarnContext(ctx, "match.poll.fail", slog.String("err", err.Error()))
				return
			}
			m.apply(ctx, RoleLobby, doc, false)
		}
	})
}

// --- Reconciliation ---

// DoWork applies every completed write, background result and notification
// that arrived since the last call and returns the resulting events in
// order. Write results are applied before notifications so a notification
// echoing a write is discarded as stale.
func (m *Manager) DoWork(ctx context.Context) []Event {
	for _, res := range m.coord.Completed() {
		m.handleWrite(ctx, res)
	}

	m.asyncMu.Lock()
	pending := m.async
	m.async = nil
	m.asyncMu.Unlock()
	for _, fn := range pending {
		fn(ctx)
	}

	var applied [3]*session.Document
	for _, c := range m.bridge.Changes() {
		role := m.roleOf(c.Ref)
		if role == RoleNone {
			continue
		}
		if c.Lost != nil {
			m.emit(Event{Kind: EventClientDisconnected, Role: role, Err: c.Lost, Payload: Disconnected{Ref: c.Ref}})
			continue
		}
		// One notification yields several changes sharing Current.
		if applied[role] == c.Current {
			continue
		}
		applied[role] = c.Current
		m.apply(ctx, role, c.Current, c.FromWrite)
	}

	m.tickMatch(ctx)

	out := m.events
	m.events = nil
	return out
}

func (m *Manager) roleOf(ref session.Reference) Role {
	switch {
	case m.lobby != nil && m.lobby.Ref == ref:
		return RoleLobby
	case m.game != nil && m.game.Ref == ref:
		return RoleGame
	}
	return RoleNone
}

func (m *Manager) handleWrite(ctx context.Context, res WriteResult) {
	o, ok := m.ops[res.CorrelationID]
	if !ok {
		return
	}
	delete(m.ops, res.CorrelationID)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Ref: res.Ref.String(), Role: o.role.String(), UserID: res.Caller})

	if res.Session != nil {
		m.apply(ctx, o.role, res.Session, true)
	}
	if res.Err != nil {
		m.log.InfoContext(ctx, "manager.write.fail", slog.String("status", res.Status.String()), slog.String("err", res.Err.Error()))
	}

	o.remaining--
	if res.Err != nil && o.err == nil {
		o.err = res.Err
		o.last = res
	} else if o.err == nil {
		o.last = res
	}
	if o.remaining > 0 {
		return
	}
	if o.done != nil {
		o.done(ctx, o.last, o.err)
	}
	if o.kind == 0 {
		m.warnFollowUp(ctx, "followup", o.err)
		return
	}
	payload := o.payload
	if payload == nil {
		payload = WriteCompleted{Status: o.last.Status, CorrelationID: o.last.CorrelationID, Session: o.last.Session}
	}
	m.emit(Event{Kind: o.kind, Role: o.role, Err: o.err, Context: o.context, Payload: payload})
}

// apply replaces role's snapshot with doc when doc is newer and emits the
// change events between them.
func (m *Manager) apply(ctx context.Context, role Role, doc *session.Document, fromWrite bool) {
	cached := m.doc(role)
	if cached.IsCommitted() && doc.Ref != cached.Ref {
		return
	}
	if !newer(doc, cached) {
		m.bridge.Observe(doc)
		return
	}
	if !doc.IsNull() {
		doc = doc.ForUsers(m.users...)
	}
	prev := cached
	if !prev.IsCommitted() {
		prev = nil
	}
	m.setDoc(role, doc)
	m.bridge.Observe(doc)

	switch {
	case doc.IsNull():
		m.bridge.Disable(doc.Ref)
	case !m.bridge.Enabled(doc.Ref):
		if caller, err := m.memberCaller(role); err == nil {
			if err := m.bridge.Enable(ctx, doc, caller, session.ChangeAll); err != nil {
				m.log.WarnContext(ctx, "manager.subscribe.fail", slog.String("err", err.Error()))
			}
		}
	}

	m.emitDiff(role, prev, doc, fromWrite)
	if role == RoleLobby {
		m.checkMatch(ctx)
	}
}

func (m *Manager) emitDiff(role Role, prev, cur *session.Document, fromWrite bool) {
	if prev.IsNull() && cur.IsNull() {
		return
	}
	changes := session.Compare(cur, prev)
	if changes == session.ChangeNone {
		return
	}
	ev := func(kind EventKind, p Payload) {
		m.emit(Event{Kind: kind, Role: role, FromLocalWrite: fromWrite, Payload: p})
	}

	md := session.DiffMembers(cur, prev)
	if len(md.Joined) > 0 {
		ev(EventMemberJoined, MemberJoined{Members: md.Joined})
	}
	if len(md.Left) > 0 {
		ev(EventMemberLeft, MemberLeft{Members: md.Left})
	}
	for _, mem := range md.PropertiesChanged {
		ev(EventMemberPropertyChanged, MemberPropertyChanged{Member: mem, Properties: mem.Custom})
	}
	if cur.IsNull() {
		return
	}
	if changes&session.ChangeCustomProperty != 0 {
		ev(EventSessionPropertyChanged, SessionPropertyChanged{Properties: cur.Properties.Custom})
		if role == RoleLobby {
			m.observeJoinability(cur, fromWrite)
		}
	}
	if changes&session.ChangeHostDeviceToken != 0 {
		ev(EventHostChanged, HostChanged{Host: cur.Host()})
	}
	if changes&session.ChangeTournamentProperty != 0 {
		ev(EventTournamentPropertyChanged, ServerPropertyChanged{Changes: changes})
	}
	if changes&session.ChangeArbitrationProperty != 0 {
		ev(EventArbitrationPropertyChanged, ServerPropertyChanged{Changes: changes})
	}
}

// observeJoinability follows joinability changes made by other lobby
// members. Local changes are reported by their write completion.
func (m *Manager) observeJoinability(lobby *session.Document, fromWrite bool) {
	raw, ok := lobby.Properties.Custom[joinabilityProperty]
	if !ok {
		return
	}
	var name string
	if json.Unmarshal(raw, &name) != nil {
		return
	}
	j, ok := parseJoinability(name)
	if !ok || j == m.joinability {
		return
	}
	m.joinability = j
	if !fromWrite {
		m.emit(Event{Kind: EventJoinabilityStateChanged, Role: RoleLobby, Payload: JoinabilityChanged{Joinability: j}})
	}
}
