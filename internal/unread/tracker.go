package unread

import (
	"log/slog"

	"github.com/taskbid/chatsync/internal/model"
	"github.com/taskbid/chatsync/internal/wire"
)

// Sender delivers frames to the gateway.
type Sender interface {
	Send(f wire.Frame) error
}

// counter is one room's unread state.
type counter struct {
	count      int
	lastReadID int64
	// unacked is set between an optimistic MarkRead and the server's
	// unread_update; rooms carrying it are re-validated on refresh.
	unacked bool
}

// Tracker is the Unread Tracker.
type Tracker struct {
	sender Sender
	logger *slog.Logger
	userID string

	focused string
	rooms   map[string]*counter

	onChange func(roomID string, count int)
}

// New creates an unread tracker for the given local user.
func New(userID string, sender Sender, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		sender: sender,
		logger: logger,
		userID: userID,
		rooms:  make(map[string]*counter),
	}
}

// SetOnChange registers the change callback.
func (t *Tracker) SetOnChange(fn func(roomID string, count int)) { t.onChange = fn }

// SetFocus marks roomID as the active room; its messages no longer
// count as unread. An empty id clears focus.
func (t *Tracker) SetFocus(roomID string) { t.focused = roomID }

// Count returns the unread count for a room.
func (t *Tracker) Count(roomID string) int {
	c, ok := t.rooms[roomID]
	if !ok {
		return 0
	}
	return c.count
}

// LastReadID returns the highest message id marked read for a room.
func (t *Tracker) LastReadID(roomID string) int64 {
	c, ok := t.rooms[roomID]
	if !ok {
		return 0
	}
	return c.lastReadID
}

// Counts returns a snapshot of every non-zero counter.
func (t *Tracker) Counts() map[string]int {
	out := make(map[string]int)
	for id, c := range t.rooms {
		if c.count > 0 {
			out[id] = c.count
		}
	}
	return out
}

// OnMessage applies one received message to the room's counter.
func (t *Tracker) OnMessage(roomID string, msg model.Message) {
	if msg.SenderID == t.userID || roomID == t.focused {
		return
	}
	c := t.room(roomID)
	c.count++
	t.notify(roomID, c.count)
}

// MarkRead optimistically zeroes the counter and sends mark_read with
// the id of the latest message seen. The zero is provisional until the
// server's unread_update arrives.
func (t *Tracker) MarkRead(roomID string, latestID int64) {
	c := t.room(roomID)
	if latestID > c.lastReadID {
		c.lastReadID = latestID
	}
	c.count = 0
	c.unacked = true

	if err := t.sender.Send(wire.Frame{
		Type:       wire.TypeMarkRead,
		RoomID:     roomID,
		LastReadID: c.lastReadID,
	}); err != nil {
		t.logger.Warn("mark_read send failed", "room", roomID, "error", err)
	}
	t.notify(roomID, 0)
}

// HandleUnreadUpdate applies the server's authoritative count.
func (t *Tracker) HandleUnreadUpdate(roomID string, count int) {
	if count < 0 {
		count = 0
	}
	c := t.room(roomID)
	c.count = count
	c.unacked = false
	t.notify(roomID, count)
}

// ApplyRefresh reconciles counters against a full room-list snapshot.
// Rooms with an unacknowledged optimistic mark-read take the server's
// value so a dropped ack cannot understate unread state.
func (t *Tracker) ApplyRefresh(counts map[string]int) {
	for roomID, n := range counts {
		c := t.room(roomID)
		if c.count == n && !c.unacked {
			continue
		}
		if c.unacked {
			t.logger.Debug("re-validating optimistic mark-read", "room", roomID, "server_count", n)
		}
		c.count = n
		c.unacked = false
		t.notify(roomID, n)
	}
	// Rooms absent from the snapshot are no longer visible.
	for roomID, c := range t.rooms {
		if _, ok := counts[roomID]; !ok && c.count > 0 {
			c.count = 0
			c.unacked = false
			t.notify(roomID, 0)
		}
	}
}

// DropRoom discards a room's counter.
func (t *Tracker) DropRoom(roomID string) {
	delete(t.rooms, roomID)
}

func (t *Tracker) room(roomID string) *counter {
	c, ok := t.rooms[roomID]
	if !ok {
		c = &counter{}
		t.rooms[roomID] = c
	}
	return c
}

func (t *Tracker) notify(roomID string, count int) {
	if t.onChange != nil {
		t.onChange(roomID, count)
	}
}
