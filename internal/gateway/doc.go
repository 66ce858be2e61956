// Package gateway implements the server side of the chat protocol.
//
// Structure:
//   - Server: HTTP surface (/ws upgrade, room list, history, resolve,
//     health)
//   - Session: one authenticated WebSocket with read/write pumps and a
//     bounded send queue; slow consumers are disconnected
//   - Hub: single run loop owning the session and subscription maps;
//     every frame is gated against the room's current job state, on
//     subscribe, on send, and again at the fan-out boundary
//   - Directory: room registry keyed by job+bidder pair or direct pair
//   - SeqAllocator, Store, Broadcaster: pluggable id allocation,
//     persistence, and cross-instance fan-out (redis/postgres/nats in
//     production, in-memory equivalents for tests and single-node runs)
//
// Delivery is at-least-once; clients deduplicate by message id.
package gateway
