package session

import "errors"

// Local validation errors. Returned synchronously by Builder methods and
// never the result of a network round-trip.
var (
	ErrInvalidState     = errors.New("invalid state")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrAlreadyJoined    = errors.New("already joined")
)

// Write outcome errors. Only observable through completed writes.
var (
	ErrConflict     = errors.New("session already exists")
	ErrOutOfSync    = errors.New("session document out of sync")
	ErrNotFound     = errors.New("session not found")
	ErrAccessDenied = errors.New("access denied")
	ErrUnknown      = errors.New("unknown write failure")
)
