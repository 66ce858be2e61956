// Package typing implements the Typing Tracker component.
//
// Outbound typing is throttled to one frame per interval and followed
// by an automatic stop after an inactivity window. Inbound entries
// carry a local TTL so a lost stop_typing frame cannot strand a
// "user is typing" indicator.
//
// All methods must be called from the engine run loop.
package typing

import (
	"log/slog"
	"sort"
	"time"

	"github.com/taskbid/chatsync/internal/wire"
)

// Sender delivers frames to the gateway.
type Sender interface {
	Send(f wire.Frame) error
}

// After schedules fn on the engine run loop.
type After func(d time.Duration, fn func()) (cancel func())

// Config holds typing tracker tuning.
type Config struct {
	Throttle  time.Duration // min gap between outbound typing frames
	IdleStop  time.Duration // inactivity window before implicit stop
	EntryTTL  time.Duration // inbound entry lifetime without refresh
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Throttle: 3 * time.Second,
		IdleStop: 5 * time.Second,
		EntryTTL: 6 * time.Second,
	}
}

// outboundState tracks the local user's typing in one room.
type outboundState struct {
	lastSent   time.Time
	active     bool
	cancelStop func()
}

// inboundEntry tracks one remote user typing in one room.
type inboundEntry struct {
	cancelTTL func()
}

// Tracker is the Typing Tracker.
type Tracker struct {
	cfg    Config
	sender Sender
	after  After
	logger *slog.Logger
	userID string

	// now is swappable for throttle tests.
	now func() time.Time

	outbound map[string]*outboundState
	inbound  map[string]map[string]*inboundEntry // room → user → entry

	onChange func(roomID string)
}

// New creates a typing tracker for the given local user.
func New(cfg Config, userID string, sender Sender, after After, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:      cfg,
		sender:   sender,
		after:    after,
		logger:   logger,
		userID:   userID,
		now:      time.Now,
		outbound: make(map[string]*outboundState),
		inbound:  make(map[string]map[string]*inboundEntry),
	}
}

// SetOnChange registers the change callback.
func (t *Tracker) SetOnChange(fn func(roomID string)) { t.onChange = fn }

// SetClock overrides the tracker's clock.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// StartTyping reports local typing activity. At most one typing frame
// is sent per throttle interval; the implicit stop timer is re-armed on
// every call.
func (t *Tracker) StartTyping(roomID string) {
	st, ok := t.outbound[roomID]
	if !ok {
		st = &outboundState{}
		t.outbound[roomID] = st
	}

	now := t.now()
	if !st.active || now.Sub(st.lastSent) >= t.cfg.Throttle {
		if err := t.sender.Send(wire.Frame{Type: wire.TypeTyping, RoomID: roomID}); err != nil {
			t.logger.Debug("typing send failed", "room", roomID, "error", err)
		}
		st.lastSent = now
		st.active = true
	}

	if st.cancelStop != nil {
		st.cancelStop()
	}
	if t.after != nil {
		st.cancelStop = t.after(t.cfg.IdleStop, func() {
			t.StopTyping(roomID)
		})
	}
}

// StopTyping ends local typing, sending stop_typing only if a typing
// frame went out.
func (t *Tracker) StopTyping(roomID string) {
	st, ok := t.outbound[roomID]
	if !ok || !st.active {
		return
	}
	if st.cancelStop != nil {
		st.cancelStop()
		st.cancelStop = nil
	}
	st.active = false

	if err := t.sender.Send(wire.Frame{Type: wire.TypeStopTyping, RoomID: roomID}); err != nil {
		t.logger.Debug("stop_typing send failed", "room", roomID, "error", err)
	}
}

// HandleTyping records a remote user typing, refreshing the TTL.
func (t *Tracker) HandleTyping(roomID, userID string) {
	if userID == "" || userID == t.userID {
		return
	}

	room, ok := t.inbound[roomID]
	if !ok {
		room = make(map[string]*inboundEntry)
		t.inbound[roomID] = room
	}

	entry, existed := room[userID]
	if existed && entry.cancelTTL != nil {
		entry.cancelTTL()
	} else {
		entry = &inboundEntry{}
		room[userID] = entry
	}

	if t.after != nil {
		entry.cancelTTL = t.after(t.cfg.EntryTTL, func() {
			t.remove(roomID, userID)
		})
	}

	if !existed {
		t.notify(roomID)
	}
}

// HandleStopTyping removes a remote user's entry immediately.
func (t *Tracker) HandleStopTyping(roomID, userID string) {
	t.remove(roomID, userID)
}

// TypingUsers returns the users currently typing in a room, sorted.
func (t *Tracker) TypingUsers(roomID string) []string {
	room, ok := t.inbound[roomID]
	if !ok || len(room) == 0 {
		return nil
	}
	out := make([]string, 0, len(room))
	for u := range room {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// DropRoom discards all typing state for a room.
func (t *Tracker) DropRoom(roomID string) {
	if st, ok := t.outbound[roomID]; ok {
		if st.cancelStop != nil {
			st.cancelStop()
		}
		delete(t.outbound, roomID)
	}
	if room, ok := t.inbound[roomID]; ok {
		for _, e := range room {
			if e.cancelTTL != nil {
				e.cancelTTL()
			}
		}
		delete(t.inbound, roomID)
	}
}

func (t *Tracker) remove(roomID, userID string) {
	room, ok := t.inbound[roomID]
	if !ok {
		return
	}
	entry, ok := room[userID]
	if !ok {
		return
	}
	if entry.cancelTTL != nil {
		entry.cancelTTL()
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(t.inbound, roomID)
	}
	t.notify(roomID)
}

func (t *Tracker) notify(roomID string) {
	if t.onChange != nil {
		t.onChange(roomID)
	}
}
