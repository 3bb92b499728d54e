package redisstore

import (
	"testing"

	"github.com/ggoodman/sessionsync-go/store"
	"github.com/ggoodman/sessionsync-go/store/storetest"
	"github.com/google/uuid"
)

func TestRedisStore(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis store tests: %v", err)
		return
	}
	_ = s.Close()

	storetest.RunStoreTests(t, func(t *testing.T) store.Store {
		st, err := New(Config{RedisAddr: s.client.Options().Addr, KeyPrefix: "sessionsync-test:" + uuid.NewString() + ":"})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}
