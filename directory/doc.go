// Package directory is a reference session directory: the server side of the
// transport contract used by the multiplayer client.
//
// Write semantics follow the request preconditions:
//
//	If-None-Match: *     create only; an existing session answers 409 with its body
//	If-Match: *          update only; a missing session answers 404
//	If-Match: <etag>     optimistic update; a stale etag answers 412 with the current body
//	(none)               update or create
//
// Every accepted write gets a fresh ETag and the next change number and is
// announced as a transport.Notification on the session's topic. When the last
// member leaves, the session is deleted and the write answers 204.
//
// Storage is any store.Store; templates and matchmaking hoppers come from a
// YAML catalog that can be hot reloaded.
package directory
