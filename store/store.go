// Package store defines the persistence contract of the session directory:
// versioned document records written with compare-and-swap, a topic-based
// notification fan-out and short-lived handles.
//
// Implementations:
//
//	memorystore -> single process, handles expire through ttlcache
//	redisstore  -> Lua compare-and-swap, PUBLISH/SUBSCRIBE, SET EX handles
//
// storetest holds the conformance suite every implementation runs.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when a create finds an existing record.
	ErrExists = errors.New("record already exists")
	// ErrPreconditionFailed is returned when the expected version is stale.
	ErrPreconditionFailed = errors.New("record version mismatch")
	// ErrHandleNotFound is returned for unknown or expired handles.
	ErrHandleNotFound = errors.New("handle not found")
)

// Record is a stored document and its version. Versions start at 1 and
// increase by one with every accepted write.
type Record struct {
	Key       string
	Version   int64
	ETag      string
	Data      []byte
	UpdatedAt time.Time
}

// MessageHandler receives published messages. Returning an error ends the
// subscription with that error.
type MessageHandler func(ctx context.Context, msg []byte) error

// Store is the persistence contract of the directory.
type Store interface {
	// Get returns the current record or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// CompareAndSwap writes data if the record is at version expect; expect 0
	// means the record must not exist. The stored record is returned with its
	// new version. Failures are ErrExists (expect 0 on an existing record),
	// ErrNotFound (expect > 0 on a missing record) or ErrPreconditionFailed.
	CompareAndSwap(ctx context.Context, key string, expect int64, etag string, data []byte) (*Record, error)

	// CompareAndDelete removes the record if it is at version expect.
	CompareAndDelete(ctx context.Context, key string, expect int64) error

	// Publish delivers msg to current subscribers of topic. Delivery is at
	// most once; slow subscribers may miss messages.
	Publish(ctx context.Context, topic string, msg []byte) error

	// Subscribe delivers messages published to topic after the subscription
	// is registered. It blocks until ctx is done (returning ctx.Err()) or the
	// handler returns an error.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error

	// PutHandle stores value under id for ttl.
	PutHandle(ctx context.Context, id string, value []byte, ttl time.Duration) error

	// GetHandle returns the value stored under id or ErrHandleNotFound.
	GetHandle(ctx context.Context, id string) ([]byte, error)
}
