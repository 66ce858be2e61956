package mux

import (
	"errors"
	"log/slog"
	"time"

	"github.com/taskbid/chatsync/internal/wire"
)

// Errors
var (
	ErrRevoked = errors.New("room access revoked")
	ErrClosed  = errors.New("subscription handle already closed")
)

// Sender delivers frames to the gateway. Satisfied by the Connection
// Manager.
type Sender interface {
	Send(f wire.Frame) error
}

// After schedules fn after d on the engine run loop and returns a
// cancel function. The multiplexer never runs fn concurrently with its
// callers.
type After func(d time.Duration, fn func()) (cancel func())

// Config holds multiplexer tuning.
type Config struct {
	AckTimeout   time.Duration // subscribe ack deadline before retry
	RetryBase    time.Duration // base delay between subscribe retries
	RetryMax     time.Duration // retry delay ceiling
	PendingLimit int           // max frames buffered while awaiting ack
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:   5 * time.Second,
		RetryBase:    1 * time.Second,
		RetryMax:     30 * time.Second,
		PendingLimit: 128,
	}
}

type subState int

const (
	stateAwaitingAck subState = iota
	stateLive
)

// sub tracks one room's subscription.
type sub struct {
	roomID  string
	refs    int
	state   subState
	pending []wire.Frame // buffered until ack
	retries int
	cancel  func() // pending ack-timeout timer
}

// Handle represents one observer's interest in a room. Closing the last
// handle for a room unsubscribes it.
type Handle struct {
	roomID string
	m      *Mux
	closed bool
}

// RoomID returns the room this handle subscribes to.
func (h *Handle) RoomID() string { return h.roomID }

// Close releases the handle. At zero refs the room is unsubscribed.
func (h *Handle) Close() error {
	if h.closed {
		return ErrClosed
	}
	h.closed = true
	h.m.release(h.roomID)
	return nil
}

// Mux is the Subscription Multiplexer.
type Mux struct {
	cfg    Config
	sender Sender
	after  After
	logger *slog.Logger

	rooms map[string]*sub

	// dispatch receives each live room frame in arrival order.
	dispatch func(wire.Frame)

	// onRevoked is told when the server denies access to a room.
	onRevoked func(roomID string, reason string)
}

// New creates a multiplexer. dispatch and onRevoked may be nil.
func New(cfg Config, sender Sender, after After, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		cfg:    cfg,
		sender: sender,
		after:  after,
		logger: logger,
		rooms:  make(map[string]*sub),
	}
}

// SetDispatch registers the frame consumer for live rooms.
func (m *Mux) SetDispatch(fn func(wire.Frame)) { m.dispatch = fn }

// SetOnRevoked registers the access-revocation callback.
func (m *Mux) SetOnRevoked(fn func(roomID, reason string)) { m.onRevoked = fn }

// Subscribe adds a reference to roomID. The first reference sends
// subscribe_room; the room is live once the subscribed ack arrives.
func (m *Mux) Subscribe(roomID string) *Handle {
	s, ok := m.rooms[roomID]
	if !ok {
		s = &sub{roomID: roomID, state: stateAwaitingAck}
		m.rooms[roomID] = s
		m.sendSubscribe(s)
	}
	s.refs++
	return &Handle{roomID: roomID, m: m}
}

// release drops one reference; the last reference unsubscribes.
func (m *Mux) release(roomID string) {
	s, ok := m.rooms[roomID]
	if !ok {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}

	if s.cancel != nil {
		s.cancel()
	}
	delete(m.rooms, roomID)

	if err := m.sender.Send(wire.Frame{Type: wire.TypeUnsubscribeRoom, RoomID: roomID}); err != nil {
		m.logger.Warn("unsubscribe send failed", "room", roomID, "error", err)
	}
}

// Rooms returns the ids of all referenced rooms.
func (m *Mux) Rooms() []string {
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}

// IsLive reports whether roomID is subscribed and acked.
func (m *Mux) IsLive(roomID string) bool {
	s, ok := m.rooms[roomID]
	return ok && s.state == stateLive
}

// HandleReconnected re-issues subscribe_room for every referenced room.
// Each room is independent; one failed resubscribe does not block the
// others.
func (m *Mux) HandleReconnected() {
	for _, s := range m.rooms {
		s.state = stateAwaitingAck
		s.retries = 0
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		m.sendSubscribe(s)
	}
	if len(m.rooms) > 0 {
		m.logger.Info("resubscribing rooms after reconnect", "count", len(m.rooms))
	}
}

// HandleFrame demultiplexes one inbound frame by room id.
func (m *Mux) HandleFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypeSubscribed:
		m.handleSubscribed(f.RoomID)
		return

	case wire.TypeError:
		if f.Code == wire.CodeAccessDenied && f.RoomID != "" && f.ClientTempID == "" {
			m.Revoke(f.RoomID, f.Reason)
			return
		}
		// A denial that carries a client temp id rejects one write;
		// the room may stay readable (read-only after a cancellation).
		// Forward it like any other room-scoped application error.
	}

	if f.RoomID == "" {
		// Session-scoped frames (initial_state, room_list responses) go
		// straight through.
		if m.dispatch != nil {
			m.dispatch(f)
		}
		return
	}

	s, ok := m.rooms[f.RoomID]
	if !ok {
		// Expected after server-side revocation: broadcasts already in
		// flight arrive for a room we no longer hold.
		m.logger.Debug("frame for unsubscribed room dropped", "room", f.RoomID, "type", f.Type)
		return
	}

	if s.state == stateAwaitingAck {
		if len(s.pending) >= m.cfg.PendingLimit {
			s.pending = s.pending[1:]
			m.logger.Warn("pre-ack buffer full, dropping oldest frame", "room", f.RoomID)
		}
		s.pending = append(s.pending, f)
		return
	}

	if m.dispatch != nil {
		m.dispatch(f)
	}
}

// Revoke removes a room after the server denied access. Access ending
// is not a transient failure: references are cleared and observers are
// told.
func (m *Mux) Revoke(roomID, reason string) {
	s, ok := m.rooms[roomID]
	if !ok {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	delete(m.rooms, roomID)

	m.logger.Info("room access revoked", "room", roomID, "reason", reason)
	if m.onRevoked != nil {
		m.onRevoked(roomID, reason)
	}
}

// handleSubscribed marks a room live and replays its buffered frames.
func (m *Mux) handleSubscribed(roomID string) {
	s, ok := m.rooms[roomID]
	if !ok {
		m.logger.Debug("ack for unknown room", "room", roomID)
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state = stateLive
	s.retries = 0

	pending := s.pending
	s.pending = nil
	for _, f := range pending {
		if m.dispatch != nil {
			m.dispatch(f)
		}
	}

	m.logger.Debug("room live", "room", roomID, "replayed", len(pending))
}

// sendSubscribe issues subscribe_room and arms the ack-timeout retry.
func (m *Mux) sendSubscribe(s *sub) {
	if err := m.sender.Send(wire.Frame{Type: wire.TypeSubscribeRoom, RoomID: s.roomID}); err != nil {
		m.logger.Warn("subscribe send failed", "room", s.roomID, "error", err)
	}

	if m.after == nil {
		return
	}

	roomID := s.roomID
	s.cancel = m.after(m.ackDeadline(s.retries), func() {
		cur, ok := m.rooms[roomID]
		if !ok || cur.state != stateAwaitingAck {
			return
		}
		cur.retries++
		m.logger.Warn("subscribe ack timeout, retrying",
			"room", roomID,
			"retries", cur.retries,
		)
		m.sendSubscribe(cur)
	})
}

// ackDeadline is the ack timeout plus capped exponential retry delay.
func (m *Mux) ackDeadline(retries int) time.Duration {
	if retries == 0 {
		return m.cfg.AckTimeout
	}
	delay := m.cfg.RetryBase << uint(retries-1)
	if delay <= 0 || delay > m.cfg.RetryMax {
		delay = m.cfg.RetryMax
	}
	return m.cfg.AckTimeout + delay
}
