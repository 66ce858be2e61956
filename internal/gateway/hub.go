package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/taskbid/chatsync/internal/gate"
	"github.com/taskbid/chatsync/internal/model"
	"github.com/taskbid/chatsync/internal/wire"
)

// Errors
var (
	ErrHubStopped = errors.New("hub stopped")
)

// HubConfig tunes the hub.
type HubConfig struct {
	CommandBuffer int
	// SeqTimeout bounds one id-allocation or read-mark round-trip.
	SeqTimeout time.Duration
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		CommandBuffer: 512,
		SeqTimeout:    5 * time.Second,
	}
}

// Hub owns the session and subscription maps. One run loop serializes
// every mutation; sessions talk to the hub only through posted
// commands. Access is gated on subscribe, on send, and again at the
// fan-out boundary so a revoked subscriber stops receiving even while
// its socket stays open.
type Hub struct {
	cfg    HubConfig
	logger *slog.Logger

	dir   *Directory
	seq   SeqAllocator
	marks ReadMarks
	store Store
	bc    Broadcaster

	cmds chan func()

	// Loop-owned state.
	sessions map[*Session]struct{}
	subs     map[string]map[*Session]struct{} // room → subscribers

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub assembles a hub.
func NewHub(cfg HubConfig, dir *Directory, seq SeqAllocator, marks ReadMarks, store Store, bc Broadcaster, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 512
	}
	if cfg.SeqTimeout <= 0 {
		cfg.SeqTimeout = 5 * time.Second
	}
	return &Hub{
		cfg:      cfg,
		logger:   logger,
		dir:      dir,
		seq:      seq,
		marks:    marks,
		store:    store,
		bc:       bc,
		cmds:     make(chan func(), cfg.CommandBuffer),
		sessions: make(map[*Session]struct{}),
		subs:     make(map[string]map[*Session]struct{}),
	}
}

// Start launches the run loop and the broadcaster.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(context.Background())

	if err := h.bc.Start(ctx, func(roomID string, f wire.Frame) {
		h.post(func() { h.fanout(roomID, f) })
	}); err != nil {
		return err
	}

	h.wg.Add(1)
	go h.run()

	h.logger.Info("hub started")
	return nil
}

// Stop halts the run loop and closes every session.
func (h *Hub) Stop(ctx context.Context) error {
	_ = h.call(func() {
		for s := range h.sessions {
			s.close()
		}
	})

	h.cancel()
	err := h.bc.Stop(ctx)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.logger.Info("hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Register adds an authenticated session.
func (h *Hub) Register(s *Session) {
	h.post(func() {
		h.sessions[s] = struct{}{}
		h.logger.Info("session registered", "user", s.userID, "sessions", len(h.sessions))
	})
}

// Unregister removes a session and all its subscriptions.
func (h *Hub) Unregister(s *Session) {
	h.post(func() {
		delete(h.sessions, s)
		for roomID, members := range h.subs {
			if _, ok := members[s]; ok {
				delete(members, s)
				if len(members) == 0 {
					delete(h.subs, roomID)
				}
			}
		}
		h.logger.Info("session unregistered", "user", s.userID, "sessions", len(h.sessions))
	})
}

// HandleFrame routes one client frame into the run loop.
func (h *Hub) HandleFrame(s *Session, f wire.Frame) {
	h.post(func() { h.handleFrame(s, f) })
}

// UpdateJobStatus applies a job lifecycle transition. Called by the job
// service collaborator. On a confirmation, excluded bidders lose their
// subscriptions immediately and survivors receive the new room state.
func (h *Hub) UpdateJobStatus(jobID string, status model.JobStatus, acceptedBidderID string) {
	h.post(func() {
		changed := h.dir.UpdateJobStatus(jobID, status, acceptedBidderID)
		for _, room := range changed {
			h.applyRoomChange(room)
		}
		h.logger.Info("job status applied",
			"job", jobID,
			"status", status,
			"rooms", len(changed),
		)
	})
}

// CountsFor returns userID's non-zero unread counts across visible
// rooms, derived from the shared read waterlines and the message log.
func (h *Hub) CountsFor(userID string) map[string]int {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SeqTimeout)
	defer cancel()

	out := make(map[string]int)
	for _, room := range h.dir.VisibleTo(userID) {
		if n := h.unreadFor(ctx, room.ID, userID); n > 0 {
			out[room.ID] = n
		}
	}
	return out
}

// unreadFor derives one user's unread count for a room. Lookup
// failures degrade to zero rather than failing the surrounding frame.
func (h *Hub) unreadFor(ctx context.Context, roomID, userID string) int {
	mark, err := h.marks.Get(ctx, roomID, userID)
	if err != nil {
		h.logger.Warn("read mark lookup failed", "room", roomID, "user", userID, "error", err)
		return 0
	}
	n, err := h.store.CountAfter(ctx, roomID, mark)
	if err != nil {
		h.logger.Warn("unread count query failed", "room", roomID, "user", userID, "error", err)
		return 0
	}
	return n
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case cmd := <-h.cmds:
			cmd()
		}
	}
}

func (h *Hub) post(fn func()) {
	select {
	case h.cmds <- fn:
	case <-h.ctx.Done():
	}
}

func (h *Hub) call(fn func()) error {
	done := make(chan struct{})
	select {
	case h.cmds <- func() { fn(); close(done) }:
	case <-h.ctx.Done():
		return ErrHubStopped
	}
	select {
	case <-done:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	}
}

// handleFrame processes one client frame on the run loop.
func (h *Hub) handleFrame(s *Session, f wire.Frame) {
	switch f.Type {
	case wire.TypeSubscribeRoom:
		h.handleSubscribe(s, f.RoomID)

	case wire.TypeUnsubscribeRoom:
		h.removeSub(f.RoomID, s)

	case wire.TypeSendMessage:
		h.handleSend(s, f)

	case wire.TypeTyping, wire.TypeStopTyping:
		h.handleTyping(s, f)

	case wire.TypeMarkRead:
		h.handleMarkRead(s, f)

	case wire.TypeRoomList:
		h.handleRoomList(s)

	default:
		s.Queue(wire.Frame{
			Type:   wire.TypeError,
			Code:   wire.CodeInvalidFrame,
			Reason: "unexpected frame type " + string(f.Type),
		})
	}
}

func (h *Hub) handleSubscribe(s *Session, roomID string) {
	room, ok := h.dir.Get(roomID)
	if !ok || !gate.Allowed(room, s.userID) {
		s.Queue(accessDenied(roomID, reasonFor(room, s.userID)))
		return
	}

	members, ok := h.subs[roomID]
	if !ok {
		members = make(map[*Session]struct{})
		h.subs[roomID] = members
	}
	members[s] = struct{}{}

	s.Queue(wire.Frame{Type: wire.TypeSubscribed, RoomID: roomID})
	h.logger.Debug("subscribed", "room", roomID, "user", s.userID)
}

func (h *Hub) handleSend(s *Session, f wire.Frame) {
	room, ok := h.dir.Get(f.RoomID)
	if !ok || !gate.Allowed(room, s.userID) {
		s.Queue(accessDenied(f.RoomID, reasonFor(room, s.userID)))
		return
	}
	if !gate.CanWrite(room, s.userID) {
		s.Queue(wire.Frame{
			Type:         wire.TypeError,
			Code:         wire.CodeAccessDenied,
			RoomID:       f.RoomID,
			ClientTempID: f.ClientTempID,
			Reason:       string(gate.Check(room, s.userID).Reason),
		})
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.SeqTimeout)
	id, err := h.seq.Next(ctx, f.RoomID)
	cancel()
	if err != nil {
		h.logger.Error("id allocation failed", "room", f.RoomID, "error", err)
		s.Queue(wire.Frame{
			Type:         wire.TypeError,
			Code:         wire.CodeInternal,
			RoomID:       f.RoomID,
			ClientTempID: f.ClientTempID,
			Reason:       "could not assign message id",
		})
		return
	}

	msg := model.Message{
		ID:        id,
		RoomID:    f.RoomID,
		SenderID:  s.userID,
		Content:   f.Content,
		CreatedAt: time.Now().UnixMilli(),
		Status:    model.StatusSent,
	}
	h.store.Append(msg)

	// Posting into a room implies the sender has seen it up to their
	// own message; keeps their unread count clear of the new id.
	ctx, cancel = context.WithTimeout(h.ctx, h.cfg.SeqTimeout)
	if _, err := h.marks.Advance(ctx, f.RoomID, s.userID, id); err != nil {
		h.logger.Warn("sender read mark advance failed", "room", f.RoomID, "error", err)
	}
	cancel()

	out := wire.Frame{
		Type:         wire.TypeMessage,
		RoomID:       f.RoomID,
		ClientTempID: f.ClientTempID,
		Message:      &msg,
	}
	if err := h.bc.Publish(f.RoomID, out); err != nil {
		h.logger.Error("broadcast publish failed", "room", f.RoomID, "error", err)
	}
}

func (h *Hub) handleTyping(s *Session, f wire.Frame) {
	room, ok := h.dir.Get(f.RoomID)
	if !ok || !gate.CanWrite(room, s.userID) {
		return
	}
	out := wire.Frame{Type: f.Type, RoomID: f.RoomID, UserID: s.userID}
	if err := h.bc.Publish(f.RoomID, out); err != nil {
		h.logger.Warn("typing publish failed", "room", f.RoomID, "error", err)
	}
}

func (h *Hub) handleMarkRead(s *Session, f wire.Frame) {
	room, ok := h.dir.Get(f.RoomID)
	if !ok || !gate.Allowed(room, s.userID) {
		s.Queue(accessDenied(f.RoomID, reasonFor(room, s.userID)))
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.SeqTimeout)
	defer cancel()

	mark, err := h.marks.Advance(ctx, f.RoomID, s.userID, f.LastReadID)
	if err != nil {
		h.logger.Error("read mark advance failed", "room", f.RoomID, "user", s.userID, "error", err)
		s.Queue(wire.Frame{
			Type:   wire.TypeError,
			Code:   wire.CodeInternal,
			RoomID: f.RoomID,
			Reason: "could not persist read mark",
		})
		return
	}

	s.Queue(wire.Frame{
		Type:       wire.TypeUnreadUpdate,
		RoomID:     f.RoomID,
		Count:      h.unreadFor(ctx, f.RoomID, s.userID),
		LastReadID: mark,
	})
}

func (h *Hub) handleRoomList(s *Session) {
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.SeqTimeout)
	defer cancel()

	rooms := h.dir.VisibleTo(s.userID)
	counts := make(map[string]int, len(rooms))
	for _, r := range rooms {
		counts[r.ID] = h.unreadFor(ctx, r.ID, s.userID)
	}
	s.Queue(wire.Frame{
		Type:         wire.TypeInitialState,
		Rooms:        rooms,
		UnreadCounts: counts,
	})
}

// fanout delivers one broadcast frame to local subscribers. The gate is
// re-checked per recipient here: a job confirmation that raced an
// in-flight broadcast still blocks delivery to excluded bidders.
func (h *Hub) fanout(roomID string, f wire.Frame) {
	room, ok := h.dir.Get(roomID)
	if !ok {
		return
	}

	for s := range h.subs[roomID] {
		if !gate.Allowed(room, s.userID) {
			h.removeSub(roomID, s)
			s.Queue(accessDenied(roomID, reasonFor(room, s.userID)))
			continue
		}
		s.Queue(f)
	}
}

// applyRoomChange propagates new room state to subscribers, dropping
// those the change excluded.
func (h *Hub) applyRoomChange(room model.Room) {
	r := room
	for s := range h.subs[room.ID] {
		if !gate.Allowed(room, s.userID) {
			h.removeSub(room.ID, s)
			s.Queue(accessDenied(room.ID, reasonFor(room, s.userID)))
			continue
		}
		s.Queue(wire.Frame{Type: wire.TypeRoomUpdate, RoomID: room.ID, Room: &r})
	}
}

func (h *Hub) removeSub(roomID string, s *Session) {
	members, ok := h.subs[roomID]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.subs, roomID)
	}
}

func accessDenied(roomID, reason string) wire.Frame {
	return wire.Frame{
		Type:   wire.TypeError,
		Code:   wire.CodeAccessDenied,
		RoomID: roomID,
		Reason: reason,
	}
}

func reasonFor(room model.Room, userID string) string {
	if room.ID == "" {
		return "unknown room"
	}
	return string(gate.Check(room, userID).Reason)
}
