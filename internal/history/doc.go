// Package history provides the REST collaborator client and the
// Pagination Controller.
//
// The client fetches paginated message history by cursor, the initial
// room list with per-room unread counts, and resolves rooms for a
// job+bidder pair or a direct pair. Requests retry with exponential
// backoff and jitter on 5xx and 429 responses.
//
// Paginator coordinates backward loading per room: the cursor is the
// oldest currently loaded message id, each call requests strictly older
// messages, and the caller's scroll position is preserved by measuring
// content height before the fetch and adjusting by the delta after the
// prepend. Unlike the loop-bound trackers, Paginator is safe for
// concurrent use; it wraps a blocking fetch.
package history
