// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single persistent WebSocket per session (N rooms, 1 socket)
//   - Buffers outbound frames while disconnected and flushes them in order
//   - Reconnects with capped exponential backoff plus jitter, single-flight
//   - Emits a synthetic Reconnected event on every successful open so the
//     Subscription Multiplexer can re-subscribe
//   - Halts automatic reconnection on an explicit auth failure until a
//     fresh credential is supplied
package connection
