// Package engine wires the chat synchronization components behind a
// single facade.
//
// The engine:
//   - Owns one run loop goroutine; every mutable component (multiplexer,
//     message store, typing and unread trackers) is touched only from
//     that loop
//   - Accepts local actions and inbound frames as commands on one
//     channel, so their interleaving is serialized by construction
//   - Publishes read-only change events to observers through a small
//     in-process bus
//   - Periodically refreshes the room list to reconcile visibility and
//     unread counts after reconnects
//
// Construction is explicit and dependency-injected; there is no
// package-level instance. Start and Stop bound the engine's lifetime.
package engine
