package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/taskbid/chatsync/internal/model"
)

// Errors
var (
	ErrLoadInFlight = errors.New("a page load is already in flight for this room")
)

// Fetcher fetches one page of history. Satisfied by Client.
type Fetcher interface {
	FetchHistory(ctx context.Context, roomID string, beforeID int64, limit int) (Page, error)
}

// Anchor lets the paginator preserve the caller's scroll position
// across a prepend. ContentHeight is sampled before the fetch and again
// after Apply; AdjustScroll receives the difference.
type Anchor interface {
	ContentHeight(roomID string) int
	AdjustScroll(roomID string, delta int)
}

// Paginator drives backward message loading per room.
type Paginator struct {
	fetcher Fetcher
	anchor  Anchor
	logger  *slog.Logger

	// cursor returns the oldest loaded server id for a room, or 0.
	cursor func(roomID string) int64
	// apply prepends a fetched page and returns how many entries were
	// actually inserted after deduplication.
	apply func(roomID string, msgs []model.Message) int

	pageSize int

	mu    sync.Mutex
	rooms map[string]*pageState
}

// pageState tracks per-room pagination progress.
type pageState struct {
	hasMore  bool
	inFlight bool
}

// NewPaginator creates a paginator. anchor may be nil when the caller
// has no scroll position to preserve.
func NewPaginator(fetcher Fetcher, anchor Anchor, pageSize int, cursor func(string) int64, apply func(string, []model.Message) int, logger *slog.Logger) *Paginator {
	if logger == nil {
		logger = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Paginator{
		fetcher:  fetcher,
		anchor:   anchor,
		logger:   logger,
		cursor:   cursor,
		apply:    apply,
		pageSize: pageSize,
		rooms:    make(map[string]*pageState),
	}
}

// HasMore reports whether older messages may remain for the room.
func (p *Paginator) HasMore(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.rooms[roomID]
	if !ok {
		return true
	}
	return st.hasMore
}

// Reset forgets pagination progress for a room.
func (p *Paginator) Reset(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms, roomID)
}

// LoadOlder fetches the next page of strictly older messages and
// prepends it. Returns the number of messages inserted. Exhausted
// rooms return 0 without a network round-trip. Concurrent loads for
// the same room are rejected so a slow response cannot double-fetch
// the same page.
func (p *Paginator) LoadOlder(ctx context.Context, roomID string) (int, error) {
	p.mu.Lock()
	st, ok := p.rooms[roomID]
	if !ok {
		st = &pageState{hasMore: true}
		p.rooms[roomID] = st
	}
	if !st.hasMore {
		p.mu.Unlock()
		return 0, nil
	}
	if st.inFlight {
		p.mu.Unlock()
		return 0, ErrLoadInFlight
	}
	st.inFlight = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		st.inFlight = false
		p.mu.Unlock()
	}()

	// Capture the anchor before anything moves.
	var before int
	if p.anchor != nil {
		before = p.anchor.ContentHeight(roomID)
	}

	cursorID := p.cursor(roomID)
	page, err := p.fetcher.FetchHistory(ctx, roomID, cursorID, p.pageSize)
	if err != nil {
		return 0, err
	}

	inserted := p.apply(roomID, page.Messages)

	if p.anchor != nil && inserted > 0 {
		after := p.anchor.ContentHeight(roomID)
		p.anchor.AdjustScroll(roomID, after-before)
	}

	hasMore := page.HasMore && len(page.Messages) > 0
	p.mu.Lock()
	st.hasMore = hasMore
	p.mu.Unlock()

	p.logger.Debug("loaded older messages",
		"room", roomID,
		"cursor", cursorID,
		"inserted", inserted,
		"has_more", hasMore,
	)
	return inserted, nil
}
