// Package memorystore implements store.Store in process memory.
//
// Records live in a map guarded by a mutex; compare-and-swap is a version
// check under that lock. Published messages are fanned out to buffered
// per-subscriber channels and dropped for subscribers that fall behind.
// Handles are kept in a ttlcache and disappear once their TTL elapses.
//
// Use memorystore for tests and single-instance deployments; use redisstore
// when several directory processes share state.
package memorystore
