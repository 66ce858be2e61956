// Package roomlog implements the Message Store component and the
// optimistic-message state machine.
//
// Each room holds an ordered log. Canonical order is by server-assigned
// id; locally created messages sit at the logical tail in send order
// with status pending until exactly one terminal reconciliation: sent
// (replaced in place with the server-confirmed entry) or failed (the
// reconcile window elapsed or the server rejected the send). Retry
// re-sends under the same client temp id and keeps the original list
// position.
//
// All methods must be called from the engine run loop.
package roomlog
