package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ggoodman/sessionsync-go/session"
	"github.com/ggoodman/sessionsync-go/transport"
	"github.com/google/uuid"
)

const sweepInterval = time.Second

type ticket struct {
	ID      string
	Queue   string
	SCID    string
	Hopper  Hopper
	Session session.Reference
	Users   []string
	Expires time.Time
}

// matchmaker keeps FIFO ticket queues per scid and hopper.
type matchmaker struct {
	mu     sync.Mutex
	queues map[string][]*ticket
	byID   map[string]*ticket
}

func newMatchmaker() *matchmaker {
	return &matchmaker{queues: map[string][]*ticket{}, byID: map[string]*ticket{}}
}

func queueKey(scid, hopper string) string { return scid + "/" + hopper }

func (m *matchmaker) enqueue(t *ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[t.Queue] = append(m.queues[t.Queue], t)
	m.byID[t.ID] = t
}

// remove drops the ticket and reports whether it was still waiting.
func (m *matchmaker) remove(id string) (*ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id)
}

func (m *matchmaker) removeLocked(id string) (*ticket, bool) {
	t, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	delete(m.byID, id)
	q := m.queues[t.Queue]
	for i, other := range q {
		if other.ID == id {
			m.queues[t.Queue] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	return t, true
}

// take pops the oldest tickets whose users add up to exactly the hopper's
// match size. Tickets that would overshoot are skipped and keep their place.
func (m *matchmaker) take(queue string, size int) []*ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	var picked []*ticket
	total := 0
	for _, t := range m.queues[queue] {
		if total+len(t.Users) > size {
			continue
		}
		picked = append(picked, t)
		total += len(t.Users)
		if total == size {
			break
		}
	}
	if total != size {
		return nil
	}
	for _, t := range picked {
		m.removeLocked(t.ID)
	}
	return picked
}

func (m *matchmaker) expired(now time.Time) []*ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ticket
	for id, t := range m.byID {
		if !now.Before(t.Expires) {
			m.removeLocked(id)
			out = append(out, t)
		}
	}
	return out
}

func (s *Service) createTicket(ctx context.Context, scid, hopperName string, req transport.Request) (*transport.Response, error) {
	if s.templates == nil {
		return nil, fail(http.StatusNotFound, "not_found", "matchmaking is not configured")
	}
	hopper, ok := s.templates.Hopper(hopperName)
	if !ok {
		return nil, fail(http.StatusNotFound, "not_found", "unknown hopper %q", hopperName)
	}
	var body transport.TicketRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, fail(http.StatusBadRequest, "bad_request", "decode ticket request: %v", err)
	}
	if !body.TicketSession.Valid() || body.TicketSession.SCID != scid {
		return nil, fail(http.StatusBadRequest, "bad_request", "ticket session must belong to %s", scid)
	}
	cur, err := s.load(ctx, body.TicketSession)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fail(http.StatusNotFound, "not_found", "session %s not found", body.TicketSession)
	}
	if cur.doc.MemberByUser(req.Caller) == nil {
		return nil, fail(http.StatusForbidden, "forbidden", "only members may submit a ticket")
	}
	if mm := cur.doc.Servers.Matchmaking; mm != nil && mm.Status == session.MatchmakingSearching {
		return nil, fail(http.StatusConflict, "conflict", "session %s is already searching", body.TicketSession)
	}

	users := make([]string, 0, len(cur.doc.Members))
	for _, m := range cur.doc.Members {
		users = append(users, m.UserID)
	}
	if len(users) > hopper.MatchSize {
		return nil, fail(http.StatusBadRequest, "bad_request", "%d users do not fit a match of %d", len(users), hopper.MatchSize)
	}
	timeout := body.Timeout
	if timeout <= 0 {
		timeout = hopper.Timeout
	}
	t := &ticket{
		ID:      uuid.NewString(),
		Queue:   queueKey(scid, hopper.Name),
		SCID:    scid,
		Hopper:  hopper,
		Session: body.TicketSession,
		Users:   users,
		Expires: s.now().Add(timeout),
	}

	err = s.mutate(ctx, t.Session, func(d *session.Document) error {
		d.Servers.Matchmaking = &session.MatchmakingServer{
			Status:      session.MatchmakingSearching,
			Hopper:      hopper.Name,
			TicketID:    t.ID,
			TypicalWait: timeout,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.mm.enqueue(t)
	s.log.InfoContext(ctx, "matchmaking.ticket.created", slog.String("ticket", t.ID), slog.String("hopper", hopper.Name), slog.Int("users", len(users)))

	s.match(ctx, t.Queue, hopper)

	out, _ := json.Marshal(transport.TicketResponse{TicketID: t.ID, TypicalWait: timeout})
	return &transport.Response{StatusCode: http.StatusCreated, Body: out}, nil
}

// match forms as many games as the queue allows.
func (s *Service) match(ctx context.Context, queue string, hopper Hopper) {
	for {
		tickets := s.mm.take(queue, hopper.MatchSize)
		if tickets == nil {
			return
		}
		game, err := s.createGame(ctx, tickets[0].SCID, hopper, tickets)
		if err != nil {
			s.log.ErrorContext(ctx, "matchmaking.game.fail", slog.String("hopper", hopper.Name), slog.String("err", err.Error()))
			for _, t := range tickets {
				s.finishTicket(ctx, t, session.MatchmakingExpired, nil)
			}
			continue
		}
		s.log.InfoContext(ctx, "matchmaking.match.found", slog.String("hopper", hopper.Name), slog.String("game", game.String()), slog.Int("tickets", len(tickets)))
		for _, t := range tickets {
			s.finishTicket(ctx, t, session.MatchmakingFound, &game)
		}
	}
}

// createGame creates the game session with a reservation per matched user.
func (s *Service) createGame(ctx context.Context, scid string, hopper Hopper, tickets []*ticket) (session.Reference, error) {
	ref := session.Reference{SCID: scid, Template: hopper.GameTemplate, Name: uuid.NewString()}
	p := &session.Patch{Members: map[string]*session.MemberPatch{}}
	n := 0
	for _, t := range tickets {
		for _, u := range t.Users {
			p.Members[session.ReservationKeyPrefix+strconv.Itoa(n)] = &session.MemberPatch{UserID: u}
			n++
		}
	}
	base, p, err := s.newSession(ref, p)
	if err != nil {
		return session.Reference{}, err
	}
	next, err := p.Apply(base, "", s.now().UTC())
	if err != nil {
		return session.Reference{}, err
	}
	if _, err := s.commit(ctx, ref, nil, next); err != nil {
		return session.Reference{}, err
	}
	return ref, nil
}

func (s *Service) finishTicket(ctx context.Context, t *ticket, status session.MatchmakingStatus, target *session.Reference) {
	err := s.mutate(ctx, t.Session, func(d *session.Document) error {
		if mm := d.Servers.Matchmaking; mm == nil || mm.TicketID != t.ID {
			return errStaleTicket
		}
		d.Servers.Matchmaking = &session.MatchmakingServer{
			Status:        status,
			Hopper:        t.Hopper.Name,
			TicketID:      t.ID,
			TargetSession: target,
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStaleTicket) {
		s.log.WarnContext(ctx, "matchmaking.ticket.update.fail", slog.String("ticket", t.ID), slog.String("err", err.Error()))
		return
	}
	s.log.InfoContext(ctx, "matchmaking.ticket.finished", slog.String("ticket", t.ID), slog.String("status", status.String()))
}

var errStaleTicket = errors.New("ticket superseded")

func (s *Service) cancelTicket(ctx context.Context, scid, hopper, id, caller string) (*transport.Response, error) {
	s.mm.mu.Lock()
	t, ok := s.mm.byID[id]
	s.mm.mu.Unlock()
	if !ok || t.SCID != scid || t.Hopper.Name != hopper {
		return nil, fail(http.StatusNotFound, "not_found", "ticket %s is not waiting", id)
	}
	cur, err := s.load(ctx, t.Session)
	if err != nil {
		return nil, err
	}
	if cur == nil || cur.doc.MemberByUser(caller) == nil {
		return nil, fail(http.StatusForbidden, "forbidden", "only members of the ticket session may cancel it")
	}
	if _, ok := s.mm.remove(id); !ok {
		return nil, fail(http.StatusNotFound, "not_found", "ticket %s is not waiting", id)
	}
	s.finishTicket(ctx, t, session.MatchmakingCanceled, nil)
	return &transport.Response{StatusCode: http.StatusNoContent}, nil
}

// Sweep expires tickets whose timeout has passed.
func (s *Service) Sweep(ctx context.Context) {
	for _, t := range s.mm.expired(s.now()) {
		s.finishTicket(ctx, t, session.MatchmakingExpired, nil)
	}
}

// Run sweeps expired tickets until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	tick := time.NewTicker(sweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			s.Sweep(ctx)
		}
	}
}
