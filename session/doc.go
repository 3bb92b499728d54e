// Package session defines the session document model shared by the
// multiplayer client core and the reference directory service. A session
// document is the server-authoritative record of a multiplayer session: its
// write-once constants, mutable properties, ordered member list and the
// server sub-documents (matchmaking, arbitration, tournament) that the client
// carries without interpreting.
//
// Layers & Roles
//
//	Document  -> immutable snapshot hydrated from a server response
//	Builder   -> stages local mutations against a base snapshot and renders a patch
//	Compare   -> pure diff of two snapshots into a ChangeTypes bitset
//
// # Snapshots
//
// A Document is never mutated after hydration. Builder.Preview returns a new
// snapshot that shares every unchanged member with its base; maps are copied
// only when a write touches them. A deleted session is represented by a null
// document (see Deleted) and every accessor is safe to call on it.
//
// # Errors
//
// Local validation failures are reported synchronously by Builder methods and
// wrap one of ErrInvalidState, ErrInvalidArgument, ErrCapacityExceeded or
// ErrAlreadyJoined. Write outcomes map onto the remaining sentinels through
// WriteStatus.Err.
package session
