// Package redisstore implements store.Store on Redis so that several
// directory processes can share session documents.
//
// Design Notes
//   - Records: one hash per document with a version field "v" and a CBOR
//     envelope "e" (etag, body, timestamp); writes go through a Lua script that
//     checks the version and bumps it atomically
//   - Notifications: PUBLISH/SUBSCRIBE; at-most-once, subscribers only see
//     messages published after the subscription is confirmed
//   - Handles: plain keys written with SET EX
//
// Example:
//
//	st, _ := redisstore.NewFromEnv()
//	defer st.Close()
package redisstore
