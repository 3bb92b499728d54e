// Package multiplayer is the client core: it keeps a device's lobby and game
// session documents in step with a session directory.
//
// Layers & Roles
//
//	Coordinator -> submits builder patches under a write mode, one outcome per write
//	Bridge      -> follows subscribed sessions and turns notifications into diffs
//	Manager     -> lobby/game state machine driven by DoWork
//
// # Driving the manager
//
// Manager is single threaded. Operations validate locally, start the network
// work and return; nothing they start is visible until the next DoWork call,
// which applies completed writes first, then background results, then
// notifications, and returns the resulting events in order:
//
//	for {
//		for _, ev := range m.DoWork(ctx) {
//			switch p := ev.Payload.(type) {
//			case multiplayer.MemberJoined:
//				...
//			}
//		}
//	}
//
// # Staleness
//
// Every snapshot carries a branch and a change number. A snapshot replaces the
// cached one only if it is on a different branch or has a higher change
// number, so a notification that arrives after the write response it echoes
// is dropped without a fetch.
package multiplayer
