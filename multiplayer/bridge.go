package multiplayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/sessionsync-go/internal/logctx"
	"github.com/ggoodman/sessionsync-go/session"
	"github.com/ggoodman/sessionsync-go/transport"
	"golang.org/x/sync/singleflight"
)

// Fetcher loads the current document for a reference. *Coordinator
// implements it.
type Fetcher interface {
	Read(ctx context.Context, ref session.Reference, caller string) (*session.Document, error)
}

// Change is one change category observed on a subscribed session. A single
// notification yields one Change per set bit; they share Current and
// Previous.
type Change struct {
	Ref      session.Reference
	Type     session.ChangeTypes
	Current  *session.Document
	Previous *session.Document
	// FromWrite is set when Current was produced by a write registered
	// with Expect.
	FromWrite bool
	// Lost is set, and every other field but Ref is zero, when the
	// subscription ended. The bridge does not resubscribe.
	Lost error
}

type subscription struct {
	ref      session.Reference
	caller   string
	interest session.ChangeTypes
	cancel   context.CancelFunc
	doc      *session.Document
	expected map[string]struct{}
}

// Bridge follows subscribed sessions through a transport.Channel, fetches
// the new revision on each fresh notification and queues the diff.
type Bridge struct {
	ch    transport.Channel
	fetch Fetcher
	log   *slog.Logger
	group singleflight.Group

	mu    sync.Mutex
	subs  map[session.Reference]*subscription
	queue []Change
	wg    sync.WaitGroup
}

// NewBridge returns a bridge receiving notifications from ch and loading
// documents through f.
func NewBridge(ch transport.Channel, f Fetcher, opts ...Option) *Bridge {
	o := buildOptions(opts)
	return &Bridge{ch: ch, fetch: f, log: o.log, subs: map[session.Reference]*subscription{}}
}

// Enable starts following doc's session on behalf of caller. Changes outside
// interest are not queued. Enabling an already followed session only updates
// the interest mask and, when doc is newer, the cached snapshot.
func (b *Bridge) Enable(ctx context.Context, doc *session.Document, caller string, interest session.ChangeTypes) error {
	if doc.IsNull() || !doc.IsCommitted() {
		return fmt.Errorf("%w: only committed sessions can be followed", session.ErrInvalidState)
	}
	ref := doc.Ref
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[ref]; ok {
		sub.interest = interest
		if newer(doc, sub.doc) {
			sub.doc = doc
		}
		return nil
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	subCtx = logctx.WithSessionData(subCtx, &logctx.SessionData{Ref: ref.String(), UserID: caller})
	sub := &subscription{ref: ref, caller: caller, interest: interest, cancel: cancel, doc: doc, expected: map[string]struct{}{}}
	b.subs[ref] = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.ch.Subscribe(subCtx, ref, func(ctx context.Context, n transport.Notification) error {
			b.onNotification(ctx, sub, n)
			return nil
		})
		b.mu.Lock()
		defer b.mu.Unlock()
		if subCtx.Err() != nil {
			// Disabled.
			return
		}
		if err == nil {
			err = transport.ErrSubscriptionLost
		}
		b.log.WarnContext(subCtx, "bridge.disconnected", slog.String("err", err.Error()))
		if b.subs[ref] == sub {
			delete(b.subs, ref)
		}
		cancel()
		b.queue = append(b.queue, Change{Ref: ref, Lost: err})
	}()
	b.log.DebugContext(subCtx, "bridge.enabled", slog.String("interest", interest.String()))
	return nil
}

// Disable stops following ref. It is a no-op for sessions not followed.
func (b *Bridge) Disable(ref session.Reference) {
	b.mu.Lock()
	sub, ok := b.subs[ref]
	if ok {
		delete(b.subs, ref)
	}
	b.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// Enabled reports whether ref is followed.
func (b *Bridge) Enabled(ref session.Reference) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[ref]
	return ok
}

// Expect registers a write in flight so that the revision it produces is
// reported with FromWrite.
func (b *Bridge) Expect(ref session.Reference, correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[ref]; ok {
		sub.expected[correlationID] = struct{}{}
	}
}

// Observe records a snapshot learned outside the channel, typically a write
// response, so the notification echoing it is dropped as stale. It reports
// whether the cache moved forward.
func (b *Bridge) Observe(doc *session.Document) bool {
	if doc == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[doc.Ref]
	if !ok {
		return false
	}
	delete(sub.expected, doc.CorrelationID)
	if !newer(doc, sub.doc) {
		return false
	}
	sub.doc = doc
	return true
}

// Snapshot returns the cached document for ref, or nil.
func (b *Bridge) Snapshot(ref session.Reference) *session.Document {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[ref]; ok {
		return sub.doc
	}
	return nil
}

func stale(n transport.Notification, cached *session.Document) bool {
	return !cached.IsNull() && n.Branch == cached.Branch && n.ChangeNumber <= cached.ChangeNumber
}

func (b *Bridge) onNotification(ctx context.Context, sub *subscription, n transport.Notification) {
	b.mu.Lock()
	cached := sub.doc
	b.mu.Unlock()
	if stale(n, cached) {
		b.log.DebugContext(ctx, "notify.stale", slog.String("branch", n.Branch), slog.Int64("change_number", n.ChangeNumber), slog.Int64("cached", cached.ChangeNumber))
		return
	}

	v, err, _ := b.group.Do(sub.ref.String(), func() (any, error) {
		return b.fetch.Read(ctx, sub.ref, sub.caller)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			b.log.WarnContext(ctx, "notify.fetch.fail", slog.String("err", err.Error()))
		}
		return
	}
	doc := v.(*session.Document)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub.ref] != sub {
		return
	}
	prev := sub.doc
	if !newer(doc, prev) {
		return
	}
	changes := session.Compare(doc, prev)
	_, fromWrite := sub.expected[doc.CorrelationID]
	delete(sub.expected, doc.CorrelationID)
	sub.doc = doc

	queued := 0
	for _, bit := range changes.Bits() {
		if sub.interest&bit == 0 {
			continue
		}
		b.queue = append(b.queue, Change{Ref: sub.ref, Type: bit, Current: doc, Previous: prev, FromWrite: fromWrite})
		queued++
	}
	b.log.DebugContext(ctx, "notify.applied", slog.Int64("change_number", doc.ChangeNumber), slog.String("changes", changes.String()), slog.Int("queued", queued))
}

// Changes drains queued changes in arrival order.
func (b *Bridge) Changes() []Change {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queue
	b.queue = nil
	return out
}

// Close disables every subscription and waits for them to end.
func (b *Bridge) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[session.Reference]*subscription{}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
	b.wg.Wait()
}
