// Package unread implements the Unread Tracker component.
//
// Counters increment when a received message's sender is not the local
// user and the room is not focused. MarkRead zeroes the local counter
// immediately and sends a mark_read frame; the server's unread_update is
// authoritative. A mark without an acknowledgment stays flagged so the
// next room-list refresh can re-validate the optimistic zero.
//
// All methods must be called from the engine run loop.
package unread
