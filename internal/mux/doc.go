// Package mux implements the Subscription Multiplexer component.
//
// The multiplexer:
//   - Ref-counts room subscriptions so many observers share one
//     subscribe_room round-trip
//   - Holds a room's inbound frames in a buffer until the subscribed ack
//     arrives, then replays them in order
//   - Re-issues subscribe_room for every referenced room after a
//     reconnect
//   - Drops frames for rooms with no local subscription (expected after
//     server-side access revocation)
//
// All methods must be called from the engine run loop; the multiplexer
// carries no locks of its own. Timer callbacks are scheduled through the
// injected After function, which the engine routes back into its loop.
package mux
