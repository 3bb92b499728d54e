package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ggoodman/sessionsync-go/store"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys and channels. ENV: SESSIONSYNC_REDIS_PREFIX
	KeyPrefix string `env:"SESSIONSYNC_REDIS_PREFIX,default=sessionsync:"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ store.Store = (*Store)(nil)

// envelope is the CBOR value stored next to the version field.
type envelope struct {
	ETag      string    `cbor:"1,keyasint"`
	Data      []byte    `cbor:"2,keyasint"`
	UpdatedAt time.Time `cbor:"3,keyasint"`
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sessionsync:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// --- Key helpers ---

func (s *Store) recordKey(key string) string  { return s.keyPrefix + "doc:" + key }
func (s *Store) topicKey(topic string) string { return s.keyPrefix + "topic:" + topic }
func (s *Store) handleKey(id string) string   { return s.keyPrefix + "handle:" + id }

// --- Records ---

func (s *Store) Get(ctx context.Context, key string) (*store.Record, error) {
	vals, err := s.client.HMGet(ctx, s.recordKey(key), "v", "e").Result()
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	vs, _ := vals[0].(string)
	version, err := strconv.ParseInt(vs, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode version of %s: %w", key, err)
	}
	raw, _ := vals[1].(string)
	return decodeRecord(key, version, []byte(raw))
}

func decodeRecord(key string, version int64, raw []byte) (*store.Record, error) {
	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &store.Record{Key: key, Version: version, ETag: env.ETag, Data: env.Data, UpdatedAt: env.UpdatedAt}, nil
}

// casScript returns {1, newVersion} on success and {0, currentVersion} on a
// version mismatch; a missing record has version 0.
var casScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'v') or '0')
local expect = tonumber(ARGV[1])
if cur ~= expect then
  return {0, cur}
end
local nextv = cur + 1
redis.call('HSET', KEYS[1], 'v', nextv, 'e', ARGV[2])
return {1, nextv}
`)

var casDeleteScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'v') or '0')
local expect = tonumber(ARGV[1])
if cur ~= expect then
  return {0, cur}
end
redis.call('DEL', KEYS[1])
return {1, cur}
`)

func (s *Store) CompareAndSwap(ctx context.Context, key string, expect int64, etag string, data []byte) (*store.Record, error) {
	env := envelope{ETag: etag, Data: data, UpdatedAt: time.Now().UTC()}
	raw, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", key, err)
	}
	ok, version, err := runCAS(ctx, casScript, s.client, s.recordKey(key), expect, raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, mismatch(key, expect, version)
	}
	return &store.Record{Key: key, Version: version, ETag: etag, Data: append([]byte(nil), data...), UpdatedAt: env.UpdatedAt}, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expect int64) error {
	if expect == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	ok, version, err := runCAS(ctx, casDeleteScript, s.client, s.recordKey(key), expect, nil)
	if err != nil {
		return err
	}
	if !ok {
		return mismatch(key, expect, version)
	}
	return nil
}

func runCAS(ctx context.Context, script *redis.Script, c *redis.Client, key string, expect int64, payload []byte) (bool, int64, error) {
	args := []any{expect}
	if payload != nil {
		args = append(args, payload)
	}
	res, err := script.Run(ctx, c, []string{key}, args...).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, errors.New("unexpected compare-and-swap reply")
	}
	return res[0] == 1, res[1], nil
}

func mismatch(key string, expect, current int64) error {
	switch {
	case current == 0:
		return fmt.Errorf("%w: %s", store.ErrNotFound, key)
	case expect == 0:
		return fmt.Errorf("%w: %s", store.ErrExists, key)
	}
	return fmt.Errorf("%w: %s at %d, expected %d", store.ErrPreconditionFailed, key, current, expect)
}

// --- Notifications via PUBLISH/SUBSCRIBE ---

func (s *Store) Publish(ctx context.Context, topic string, msg []byte) error {
	return s.client.Publish(ctx, s.topicKey(topic), msg).Err()
}

func (s *Store) Subscribe(ctx context.Context, topic string, handler store.MessageHandler) error {
	ps := s.client.Subscribe(ctx, s.topicKey(topic))
	defer ps.Close()
	// Wait for the subscription confirmation so later publishes are seen.
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return errors.New("redis subscription closed")
			}
			if err := handler(ctx, []byte(m.Payload)); err != nil {
				return err
			}
		}
	}
}

// --- Handles ---

func (s *Store) PutHandle(ctx context.Context, id string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return s.client.Set(ctx, s.handleKey(id), value, ttl).Err()
}

func (s *Store) GetHandle(ctx context.Context, id string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.handleKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", store.ErrHandleNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
