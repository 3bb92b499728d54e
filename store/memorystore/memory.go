package memorystore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/sessionsync-go/store"
	"github.com/jellydator/ttlcache/v3"
)

// subscriberBuffer bounds per-subscriber backlog; messages beyond it are dropped.
const subscriberBuffer = 64

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu      sync.RWMutex
	records map[string]*store.Record

	subsMu sync.RWMutex
	subs   map[string]map[*subscription]struct{}

	handles *ttlcache.Cache[string, []byte]
	now     func() time.Time
}

type subscription struct {
	ch chan []byte
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		records: make(map[string]*store.Record),
		subs:    make(map[string]map[*subscription]struct{}),
		handles: ttlcache.New[string, []byte](ttlcache.WithDisableTouchOnHit[string, []byte]()),
		now:     time.Now,
	}
}

func (s *Store) Get(ctx context.Context, key string) (*store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	return copyRecord(rec), nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expect int64, etag string, data []byte) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.records[key]
	switch {
	case !exists && expect != 0:
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	case exists && expect == 0:
		return nil, fmt.Errorf("%w: %s", store.ErrExists, key)
	case exists && cur.Version != expect:
		return nil, fmt.Errorf("%w: %s at %d, expected %d", store.ErrPreconditionFailed, key, cur.Version, expect)
	}
	rec := &store.Record{
		Key:       key,
		Version:   expect + 1,
		ETag:      etag,
		Data:      append([]byte(nil), data...),
		UpdatedAt: s.now().UTC(),
	}
	s.records[key] = rec
	return copyRecord(rec), nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expect int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.records[key]
	if !exists {
		return fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	if cur.Version != expect {
		return fmt.Errorf("%w: %s at %d, expected %d", store.ErrPreconditionFailed, key, cur.Version, expect)
	}
	delete(s.records, key)
	return nil
}

func (s *Store) Publish(ctx context.Context, topic string, msg []byte) error {
	data := append([]byte(nil), msg...)
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for sub := range s.subs[topic] {
		select {
		case sub.ch <- data:
		default:
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, topic string, handler store.MessageHandler) error {
	sub := &subscription{ch: make(chan []byte, subscriberBuffer)}

	s.subsMu.Lock()
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[*subscription]struct{})
	}
	s.subs[topic][sub] = struct{}{}
	s.subsMu.Unlock()

	defer func() {
		s.subsMu.Lock()
		delete(s.subs[topic], sub)
		if len(s.subs[topic]) == 0 {
			delete(s.subs, topic)
		}
		s.subsMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-sub.ch:
			if err := handler(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (s *Store) PutHandle(ctx context.Context, id string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	s.handles.Set(id, append([]byte(nil), value...), ttl)
	return nil
}

func (s *Store) GetHandle(ctx context.Context, id string) ([]byte, error) {
	item := s.handles.Get(id)
	if item == nil || item.IsExpired() {
		return nil, fmt.Errorf("%w: %s", store.ErrHandleNotFound, id)
	}
	return append([]byte(nil), item.Value()...), nil
}

func copyRecord(r *store.Record) *store.Record {
	c := *r
	c.Data = append([]byte(nil), r.Data...)
	return &c
}
