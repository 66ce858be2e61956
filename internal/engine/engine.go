package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskbid/chatsync/internal/connection"
	"github.com/taskbid/chatsync/internal/history"
	"github.com/taskbid/chatsync/internal/model"
	"github.com/taskbid/chatsync/internal/mux"
	"github.com/taskbid/chatsync/internal/roomlog"
	"github.com/taskbid/chatsync/internal/typing"
	"github.com/taskbid/chatsync/internal/unread"
)

// Config holds engine tuning.
type Config struct {
	UserID string

	Connection connection.ManagerConfig
	Mux        mux.Config
	RoomLog    roomlog.Config
	Typing     typing.Config

	// HistoryPageSize bounds one backward page fetch.
	HistoryPageSize int
	// RoomListRefresh is the cadence of the periodic room-list
	// reconciliation. Zero disables the ticker; refreshes still run
	// after every reconnect.
	RoomListRefresh time.Duration
	// CommandBuffer sizes the run-loop command channel.
	CommandBuffer int
}

// DefaultConfig returns sensible defaults for userID.
func DefaultConfig(userID string) Config {
	return Config{
		UserID:          userID,
		Connection:      connection.DefaultManagerConfig(),
		Mux:             mux.DefaultConfig(),
		RoomLog:         roomlog.DefaultConfig(),
		Typing:          typing.DefaultConfig(),
		HistoryPageSize: 50,
		RoomListRefresh: time.Minute,
		CommandBuffer:   256,
	}
}

// RoomHandle is an observer's hold on a room subscription. Close
// releases it; the last close unsubscribes the room.
type RoomHandle struct {
	e *Engine
	h *mux.Handle
}

// RoomID returns the subscribed room.
func (r *RoomHandle) RoomID() string { return r.h.RoomID() }

// Close releases the handle.
func (r *RoomHandle) Close() {
	r.e.post(func() { _ = r.h.Close() })
}

// Engine is the client-side chat synchronization engine.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	conn      connection.Manager
	mux       *mux.Mux
	store     *roomlog.Store
	typing    *typing.Tracker
	unread    *unread.Tracker
	rest      *history.Client
	paginator *history.Paginator
	bus       *Bus

	// rooms is the visible room set, keyed by id. Loop-owned.
	rooms map[string]model.Room

	cmds chan func()

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New assembles an engine. rest may be nil when no REST collaborator is
// configured; pagination and room-list refresh are then disabled.
func New(cfg Config, conn connection.Manager, rest *history.Client, anchor history.Anchor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 256
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		conn:   conn,
		rest:   rest,
		bus:    NewBus(logger),
		rooms:  make(map[string]model.Room),
		cmds:   make(chan func(), cfg.CommandBuffer),
	}

	e.mux = mux.New(cfg.Mux, conn, e.after, logger)
	e.store = roomlog.New(cfg.RoomLog, cfg.UserID, conn, roomlog.After(e.after), logger)
	e.typing = typing.New(cfg.Typing, cfg.UserID, conn, typing.After(e.after), logger)
	e.unread = unread.New(cfg.UserID, conn, logger)

	e.mux.SetDispatch(e.dispatchFrame)
	e.mux.SetOnRevoked(e.handleRevoked)
	e.store.SetOnUpdate(func(roomID string) {
		e.bus.Publish(Event{Topic: TopicMessageUpdate, RoomID: roomID})
	})
	e.store.SetOnFailed(func(roomID, tempID string) {
		e.bus.Publish(Event{Topic: TopicMessageFailed, RoomID: roomID, Payload: tempID})
	})
	e.typing.SetOnChange(func(roomID string) {
		e.bus.Publish(Event{Topic: TopicTypingUpdate, RoomID: roomID, Payload: e.typing.TypingUsers(roomID)})
	})
	e.unread.SetOnChange(func(roomID string, count int) {
		e.bus.Publish(Event{Topic: TopicUnreadUpdate, RoomID: roomID, Payload: count})
	})

	if rest != nil {
		e.paginator = history.NewPaginator(
			rest,
			anchor,
			cfg.HistoryPageSize,
			e.oldestID,
			e.applyHistory,
			logger,
		)
	}

	return e
}

// Start connects and launches the run loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	if err := e.conn.Start(ctx); err != nil {
		return err
	}

	e.wg.Add(1)
	go e.run()

	e.logger.Info("engine started", "user", e.cfg.UserID)
	return nil
}

// Stop halts the run loop and closes the connection. Waits for the
// loop to drain or ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	e.cancel()
	err := e.conn.Stop(ctx)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.bus.Close()
	e.logger.Info("engine stopped")
	return err
}

// Subscribe registers an observer on the event bus.
func (e *Engine) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	return e.bus.Subscribe(prefix, buf)
}

// SetCredential installs a fresh session token and clears a fatal auth
// latch on the connection.
func (e *Engine) SetCredential(token string) {
	e.conn.SetCredential(token)
	if e.rest != nil {
		e.rest.SetToken(token)
	}
}

// ConnState returns the connection lifecycle state.
func (e *Engine) ConnState() connection.State { return e.conn.State() }

// OpenRoom subscribes to a room and returns a handle. The room becomes
// live once the gateway acks.
func (e *Engine) OpenRoom(roomID string) (*RoomHandle, error) {
	var h *mux.Handle
	err := e.call(func() { h = e.mux.Subscribe(roomID) })
	if err != nil {
		return nil, err
	}
	return &RoomHandle{e: e, h: h}, nil
}

// SendMessage creates an optimistic message and sends it. Returns the
// client temp id for correlation.
func (e *Engine) SendMessage(roomID, content string) (string, error) {
	var tempID string
	err := e.call(func() { tempID = e.store.AppendLocal(roomID, content) })
	return tempID, err
}

// RetryMessage re-sends a failed message in place.
func (e *Engine) RetryMessage(tempID string) error {
	var rerr error
	if err := e.call(func() { rerr = e.store.Retry(tempID) }); err != nil {
		return err
	}
	return rerr
}

// StartTyping reports local typing activity in a room.
func (e *Engine) StartTyping(roomID string) {
	e.post(func() { e.typing.StartTyping(roomID) })
}

// StopTyping ends local typing activity in a room.
func (e *Engine) StopTyping(roomID string) {
	e.post(func() { e.typing.StopTyping(roomID) })
}

// SetFocus marks a room as the active one and marks it read.
func (e *Engine) SetFocus(roomID string) {
	e.post(func() {
		e.unread.SetFocus(roomID)
		if roomID != "" {
			e.markRead(roomID)
		}
	})
}

// MarkRead optimistically zeroes a room's unread counter.
func (e *Engine) MarkRead(roomID string) {
	e.post(func() { e.markRead(roomID) })
}

// Messages returns a snapshot of a room's log in render order.
func (e *Engine) Messages(roomID string) []model.Message {
	var out []model.Message
	_ = e.call(func() { out = e.store.Messages(roomID) })
	return out
}

// TypingUsers returns who is typing in a room.
func (e *Engine) TypingUsers(roomID string) []string {
	var out []string
	_ = e.call(func() { out = e.typing.TypingUsers(roomID) })
	return out
}

// UnreadCount returns a room's unread counter.
func (e *Engine) UnreadCount(roomID string) int {
	var n int
	_ = e.call(func() { n = e.unread.Count(roomID) })
	return n
}

// Rooms returns a snapshot of the visible room set.
func (e *Engine) Rooms() []model.Room {
	var out []model.Room
	_ = e.call(func() {
		out = make([]model.Room, 0, len(e.rooms))
		for _, r := range e.rooms {
			out = append(out, r)
		}
	})
	return out
}

// LoadOlder fetches and prepends one page of older messages for a
// room. Blocking; safe to call from any goroutine.
func (e *Engine) LoadOlder(ctx context.Context, roomID string) (int, error) {
	if e.paginator == nil {
		return 0, nil
	}
	return e.paginator.LoadOlder(ctx, roomID)
}

// HasMoreHistory reports whether older messages may remain for a room.
func (e *Engine) HasMoreHistory(roomID string) bool {
	if e.paginator == nil {
		return false
	}
	return e.paginator.HasMore(roomID)
}

// ResolveRoom fetches or creates the room for a job+bidder or direct
// pair via the REST collaborator.
func (e *Engine) ResolveRoom(ctx context.Context, req history.ResolveRequest) (model.Room, error) {
	if e.rest == nil {
		return model.Room{}, ErrNoCollaborator
	}
	room, err := e.rest.ResolveRoom(ctx, req)
	if err != nil {
		return model.Room{}, err
	}
	e.post(func() { e.upsertRoom(room) })
	return room, nil
}

// RefreshRoomList forces an immediate room-list reconciliation.
func (e *Engine) RefreshRoomList() {
	e.startRefresh()
}
