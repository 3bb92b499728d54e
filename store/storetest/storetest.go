package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/sessionsync-go/store"
)

// StoreFactory creates a new, empty Store instance for testing.
type StoreFactory func(t *testing.T) store.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Records_CreateThenGet", func(t *testing.T) { testCreateThenGet(t, factory) })
	t.Run("Records_CreateTwiceFailsWithExists", func(t *testing.T) { testCreateTwice(t, factory) })
	t.Run("Records_UpdateMissingFailsWithNotFound", func(t *testing.T) { testUpdateMissing(t, factory) })
	t.Run("Records_StaleVersionFails", func(t *testing.T) { testStaleVersion(t, factory) })
	t.Run("Records_ConcurrentSwapsSerialize", func(t *testing.T) { testConcurrentSwaps(t, factory) })
	t.Run("Records_CompareAndDelete", func(t *testing.T) { testCompareAndDelete(t, factory) })

	t.Run("Topics_SubscriberReceivesLaterMessages", func(t *testing.T) { testSubscribeReceives(t, factory) })
	t.Run("Topics_IsolationBetweenTopics", func(t *testing.T) { testTopicIsolation(t, factory) })
	t.Run("Topics_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerError(t, factory) })
	t.Run("Topics_CancellationStopsSubscription", func(t *testing.T) { testCancellation(t, factory) })

	t.Run("Handles_PutGetAndExpire", func(t *testing.T) { testHandles(t, factory) })
}

// --- Record tests ---

func testCreateThenGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get missing err = %v, want ErrNotFound", err)
	}
	rec, err := s.CompareAndSwap(ctx, "k", 0, "e1", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Version != 1 || rec.ETag != "e1" {
		t.Fatalf("created record = %+v", rec)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 1 || got.ETag != "e1" || string(got.Data) != `{"a":1}` {
		t.Fatalf("Get = %+v", got)
	}
}

func testCreateTwice(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	if _, err := s.CompareAndSwap(ctx, "k", 0, "e1", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CompareAndSwap(ctx, "k", 0, "e2", []byte("y")); !errors.Is(err, store.ErrExists) {
		t.Fatalf("second create err = %v, want ErrExists", err)
	}
}

func testUpdateMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if _, err := s.CompareAndSwap(context.Background(), "missing", 3, "e", []byte("x")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func testStaleVersion(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	if _, err := s.CompareAndSwap(ctx, "k", 0, "e1", []byte("1")); err != nil {
		t.Fatal(err)
	}
	rec, err := s.CompareAndSwap(ctx, "k", 1, "e2", []byte("2"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("version = %d, want 2", rec.Version)
	}
	if _, err := s.CompareAndSwap(ctx, "k", 1, "e3", []byte("3")); !errors.Is(err, store.ErrPreconditionFailed) {
		t.Fatalf("stale update err = %v, want ErrPreconditionFailed", err)
	}
	got, _ := s.Get(ctx, "k")
	if got.ETag != "e2" || string(got.Data) != "2" {
		t.Fatalf("stale write was applied: %+v", got)
	}
}

func testConcurrentSwaps(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	if _, err := s.CompareAndSwap(ctx, "k", 0, "e0", []byte("0")); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CompareAndSwap(ctx, "k", 1, "e", []byte("w")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrPreconditionFailed) {
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func testCompareAndDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	if err := s.CompareAndDelete(ctx, "k", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("delete missing err = %v, want ErrNotFound", err)
	}
	if _, err := s.CompareAndSwap(ctx, "k", 0, "e1", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := s.CompareAndDelete(ctx, "k", 2); !errors.Is(err, store.ErrPreconditionFailed) {
		t.Fatalf("stale delete err = %v, want ErrPreconditionFailed", err)
	}
	if err := s.CompareAndDelete(ctx, "k", 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
	rec, err := s.CompareAndSwap(ctx, "k", 0, "e2", []byte("2"))
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if rec.Version != 1 {
		t.Fatalf("recreated version = %d, want 1", rec.Version)
	}
}

// --- Topic tests ---

// subscribe starts a subscription and publishes probe messages until the
// first one arrives, so the caller knows the subscription is live.
func subscribe(t *testing.T, ctx context.Context, s store.Store, topic string) (<-chan []byte, <-chan error) {
	t.Helper()
	msgs := make(chan []byte, 64)
	done := make(chan error, 1)
	go func() {
		done <- s.Subscribe(ctx, topic, func(ctx context.Context, msg []byte) error {
			msgs <- msg
			return nil
		})
	}()
	deadline := time.After(3 * time.Second)
	for {
		if err := s.Publish(ctx, topic, []byte("probe")); err != nil {
			t.Fatalf("Publish probe: %v", err)
		}
		select {
		case m := <-msgs:
			if string(m) != "probe" {
				t.Fatalf("unexpected message before probe: %q", m)
			}
			// Drain extra probes.
			for {
				select {
				case <-msgs:
					continue
				case <-time.After(50 * time.Millisecond):
				}
				break
			}
			return msgs, done
		case err := <-done:
			t.Fatalf("subscription ended early: %v", err)
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("subscription never became live")
		}
	}
}

func testSubscribeReceives(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, _ := subscribe(t, ctx, s, "topic-a")
	for _, m := range []string{"one", "two", "three"} {
		if err := s.Publish(ctx, "topic-a", []byte(m)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		select {
		case got := <-msgs:
			if string(got) != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func testTopicIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, _ := subscribe(t, ctx, s, "topic-a")
	if err := s.Publish(ctx, "topic-b", []byte("other")); err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(ctx, "topic-a", []byte("mine")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-msgs:
		if string(got) != "mine" {
			t.Fatalf("received message from another topic: %q", got)
		}
	case <-ctx.Done():
		t.Fatalf("timed out")
	}
}

func testHandlerError(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- s.Subscribe(ctx, "topic-err", func(ctx context.Context, msg []byte) error { return boom })
	}()
	for {
		_ = s.Publish(ctx, "topic-err", []byte("x"))
		select {
		case err := <-done:
			if !errors.Is(err, boom) {
				t.Fatalf("Subscribe err = %v, want boom", err)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			t.Fatalf("handler error did not stop subscription")
		}
	}
}

func testCancellation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, done := subscribe(t, ctx, s, "topic-c")
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Subscribe err = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("cancellation did not stop subscription")
	}
}

// --- Handle tests ---

func testHandles(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	if _, err := s.GetHandle(ctx, "nope"); !errors.Is(err, store.ErrHandleNotFound) {
		t.Fatalf("GetHandle missing err = %v", err)
	}
	if err := s.PutHandle(ctx, "h1", []byte("scid/lobby/abc"), time.Minute); err != nil {
		t.Fatalf("PutHandle: %v", err)
	}
	v, err := s.GetHandle(ctx, "h1")
	if err != nil || string(v) != "scid/lobby/abc" {
		t.Fatalf("GetHandle = %q, %v", v, err)
	}
	if err := s.PutHandle(ctx, "short", []byte("x"), time.Second); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := s.GetHandle(ctx, "short"); !errors.Is(err, store.ErrHandleNotFound) {
		t.Fatalf("expired handle err = %v, want ErrHandleNotFound", err)
	}
}
