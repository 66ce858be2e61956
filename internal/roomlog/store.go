package roomlog

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/taskbid/chatsync/internal/model"
	"github.com/taskbid/chatsync/internal/wire"
)

// Errors
var (
	ErrUnknownTempID = errors.New("unknown client temp id")
	ErrNotFailed     = errors.New("message is not in failed state")
)

// Sender delivers frames to the gateway.
type Sender interface {
	Send(f wire.Frame) error
}

// After schedules fn on the engine run loop.
type After func(d time.Duration, fn func()) (cancel func())

// Config holds message store tuning.
type Config struct {
	// ReconcileTimeout bounds how long a pending message may wait for
	// its server confirmation before it is forced to failed.
	ReconcileTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{ReconcileTimeout: 5 * time.Second}
}

// pendingRef locates an outstanding optimistic message.
type pendingRef struct {
	roomID string
	cancel func() // reconcile-timeout timer
}

// roomLog is one room's ordered message log.
type roomLog struct {
	entries []model.Message
	seen    map[int64]bool // server ids already ingested
	lastID  int64          // highest server id seen, for ordering checks
}

// Store is the Message Store.
type Store struct {
	cfg    Config
	sender Sender
	after  After
	logger *slog.Logger
	userID string

	rooms   map[string]*roomLog
	pending map[string]pendingRef // client temp id → location

	// onUpdate is told whenever a room's log changes.
	onUpdate func(roomID string)
	// onFailed is told when a pending message reaches failed.
	onFailed func(roomID, tempID string)
}

// New creates a message store for the given local user.
func New(cfg Config, userID string, sender Sender, after After, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:     cfg,
		sender:  sender,
		after:   after,
		logger:  logger,
		userID:  userID,
		rooms:   make(map[string]*roomLog),
		pending: make(map[string]pendingRef),
	}
}

// SetOnUpdate registers the change callback.
func (s *Store) SetOnUpdate(fn func(roomID string)) { s.onUpdate = fn }

// SetOnFailed registers the failure callback.
func (s *Store) SetOnFailed(fn func(roomID, tempID string)) { s.onFailed = fn }

// Messages returns a copy of the room's log in render order.
func (s *Store) Messages(roomID string) []model.Message {
	rl, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(rl.entries))
	copy(out, rl.entries)
	return out
}

// AppendLocal creates an optimistic pending message at the logical
// tail, sends it, and arms the reconcile timeout. Returns the client
// temp id.
func (s *Store) AppendLocal(roomID, content string) string {
	tempID := uuid.NewString()
	msg := model.Message{
		ClientTempID: tempID,
		RoomID:       roomID,
		SenderID:     s.userID,
		Content:      content,
		CreatedAt:    time.Now().UnixMilli(),
		Status:       model.StatusPending,
	}

	rl := s.room(roomID)
	rl.entries = append(rl.entries, msg)

	s.sendPending(roomID, tempID, content)
	s.notify(roomID)
	return tempID
}

// Retry re-sends a failed message under the same temp id, keeping its
// original list position.
func (s *Store) Retry(tempID string) error {
	ref, ok := s.pending[tempID]
	if !ok {
		return ErrUnknownTempID
	}
	rl := s.rooms[ref.roomID]
	idx := rl.indexOfTemp(tempID)
	if idx < 0 {
		return ErrUnknownTempID
	}
	if rl.entries[idx].Status != model.StatusFailed {
		return ErrNotFailed
	}

	rl.entries[idx].Status = model.StatusPending
	s.sendPending(ref.roomID, tempID, rl.entries[idx].Content)
	s.notify(ref.roomID)
	return nil
}

// MarkFailed forces a pending message to failed (server rejection or
// reconcile timeout).
func (s *Store) MarkFailed(tempID string) {
	ref, ok := s.pending[tempID]
	if !ok {
		return
	}
	if ref.cancel != nil {
		ref.cancel()
	}
	rl := s.rooms[ref.roomID]
	idx := rl.indexOfTemp(tempID)
	if idx < 0 || rl.entries[idx].Status != model.StatusPending {
		return
	}

	rl.entries[idx].Status = model.StatusFailed
	// Keep the pending ref so Retry can find the entry.
	s.pending[tempID] = pendingRef{roomID: ref.roomID}

	s.logger.Warn("message send failed", "room", ref.roomID, "temp_id", tempID)
	if s.onFailed != nil {
		s.onFailed(ref.roomID, tempID)
	}
	s.notify(ref.roomID)
}

// Ingest applies one inbound message frame. When tempID correlates to
// an outstanding optimistic entry the entry is replaced in place;
// otherwise the message is inserted, deduplicated by server id.
func (s *Store) Ingest(msg model.Message, tempID string) {
	rl := s.room(msg.RoomID)

	if tempID != "" {
		if ref, ok := s.pending[tempID]; ok && ref.roomID == msg.RoomID {
			s.reconcile(rl, msg, tempID, ref)
			return
		}
	}

	if msg.ID != 0 && rl.seen[msg.ID] {
		// At-least-once delivery: silently deduplicate.
		return
	}

	s.checkOrdering(rl, msg)

	msg.Status = model.StatusSent
	rl.insert(msg)
	if msg.ID != 0 {
		rl.seen[msg.ID] = true
	}
	s.notify(msg.RoomID)
}

// IngestHistory prepends a page of older messages fetched from the
// history collaborator, deduplicated by id. Messages must be in
// ascending id order.
func (s *Store) IngestHistory(roomID string, msgs []model.Message) int {
	rl := s.room(roomID)

	fresh := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != 0 && rl.seen[m.ID] {
			continue
		}
		m.Status = model.StatusSent
		fresh = append(fresh, m)
		if m.ID != 0 {
			rl.seen[m.ID] = true
		}
	}
	if len(fresh) == 0 {
		return 0
	}

	rl.entries = append(fresh, rl.entries...)
	s.notify(roomID)
	return len(fresh)
}

// DropRoom discards a room's log (access revoked).
func (s *Store) DropRoom(roomID string) {
	rl, ok := s.rooms[roomID]
	if !ok {
		return
	}
	for _, e := range rl.entries {
		if e.ClientTempID != "" {
			if ref, ok := s.pending[e.ClientTempID]; ok {
				if ref.cancel != nil {
					ref.cancel()
				}
				delete(s.pending, e.ClientTempID)
			}
		}
	}
	delete(s.rooms, roomID)
}

// OldestID returns the smallest server id loaded for the room, or 0.
func (s *Store) OldestID(roomID string) int64 {
	rl, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	for _, e := range rl.entries {
		if e.ID != 0 {
			return e.ID
		}
	}
	return 0
}

// LatestID returns the largest server id seen for the room, or 0.
func (s *Store) LatestID(roomID string) int64 {
	rl, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return rl.lastID
}

// reconcile replaces the pending entry in place with the confirmed one.
// Exactly one terminal transition per pending message: the timer is
// cancelled here, and a late timer callback finds no pending entry.
func (s *Store) reconcile(rl *roomLog, msg model.Message, tempID string, ref pendingRef) {
	if ref.cancel != nil {
		ref.cancel()
	}
	delete(s.pending, tempID)

	idx := rl.indexOfTemp(tempID)
	if idx < 0 {
		// Entry vanished (room dropped between frames); fall back to a
		// plain insert so the message is not lost.
		msg.Status = model.StatusSent
		rl.insert(msg)
	} else {
		msg.Status = model.StatusSent
		msg.ClientTempID = ""
		rl.entries[idx] = msg
	}

	if msg.ID != 0 {
		rl.seen[msg.ID] = true
	}
	s.checkOrdering(rl, msg)
	s.notify(msg.RoomID)
}

// checkOrdering logs server ids arriving out of order. Re-sorting after
// display is worse than a rare stale position, so the log is the only
// action taken.
func (s *Store) checkOrdering(rl *roomLog, msg model.Message) {
	if msg.ID == 0 {
		return
	}
	if msg.ID < rl.lastID {
		s.logger.Warn("out-of-order message id",
			"room", msg.RoomID,
			"id", msg.ID,
			"last_id", rl.lastID,
		)
		return
	}
	rl.lastID = msg.ID
}

// sendPending emits send_message and arms the reconcile timeout.
func (s *Store) sendPending(roomID, tempID, content string) {
	if err := s.sender.Send(wire.Frame{
		Type:         wire.TypeSendMessage,
		RoomID:       roomID,
		ClientTempID: tempID,
		Content:      content,
	}); err != nil {
		s.logger.Warn("send_message failed", "room", roomID, "error", err)
	}

	ref := pendingRef{roomID: roomID}
	if s.after != nil {
		ref.cancel = s.after(s.cfg.ReconcileTimeout, func() {
			s.MarkFailed(tempID)
		})
	}
	s.pending[tempID] = ref
}

func (s *Store) room(roomID string) *roomLog {
	rl, ok := s.rooms[roomID]
	if !ok {
		rl = &roomLog{seen: make(map[int64]bool)}
		s.rooms[roomID] = rl
	}
	return rl
}

func (s *Store) notify(roomID string) {
	if s.onUpdate != nil {
		s.onUpdate(roomID)
	}
}

// indexOfTemp finds the entry carrying tempID, scanning from the tail
// where optimistic entries live.
func (rl *roomLog) indexOfTemp(tempID string) int {
	for i := len(rl.entries) - 1; i >= 0; i-- {
		if rl.entries[i].ClientTempID == tempID {
			return i
		}
	}
	return -1
}

// insert places a confirmed message before the trailing optimistic
// block so pending entries keep rendering at the logical tail.
func (rl *roomLog) insert(msg model.Message) {
	pos := len(rl.entries)
	for pos > 0 {
		st := rl.entries[pos-1].Status
		if st != model.StatusPending && st != model.StatusFailed {
			break
		}
		pos--
	}

	rl.entries = append(rl.entries, model.Message{})
	copy(rl.entries[pos+1:], rl.entries[pos:])
	rl.entries[pos] = msg
}
