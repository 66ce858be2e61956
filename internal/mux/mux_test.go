package mux

import (
	"testing"
	"time"

	"github.com/taskbid/chatsync/internal/wire"
)

type fakeSender struct {
	frames []wire.Frame
}

func (s *fakeSender) Send(f wire.Frame) error {
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) sent(typ wire.Type, roomID string) int {
	n := 0
	for _, f := range s.frames {
		if f.Type == typ && f.RoomID == roomID {
			n++
		}
	}
	return n
}

type manualTimers struct {
	fns []func()
}

func (m *manualTimers) After(_ time.Duration, fn func()) func() {
	idx := len(m.fns)
	m.fns = append(m.fns, fn)
	return func() { m.fns[idx] = nil }
}

func (m *manualTimers) fire(i int) {
	if i < len(m.fns) && m.fns[i] != nil {
		fn := m.fns[i]
		m.fns[i] = nil
		fn()
	}
}

func newTestMux(t *testing.T) (*Mux, *fakeSender, *manualTimers, *[]wire.Frame) {
	t.Helper()
	sender := &fakeSender{}
	timers := &manualTimers{}
	m := New(DefaultConfig(), sender, timers.After, nil)

	var dispatched []wire.Frame
	m.SetDispatch(func(f wire.Frame) { dispatched = append(dispatched, f) })
	return m, sender, timers, &dispatched
}

func msgFrame(roomID string, id int64) wire.Frame {
	return wire.Frame{Type: wire.TypeMessage, RoomID: roomID}
}

func TestRefCountingSharesOneSubscription(t *testing.T) {
	m, sender, _, _ := newTestMux(t)

	h1 := m.Subscribe("r1")
	h2 := m.Subscribe("r1")
	if got := sender.sent(wire.TypeSubscribeRoom, "r1"); got != 1 {
		t.Fatalf("subscribe_room sent %d times, want 1", got)
	}

	if err := h1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := sender.sent(wire.TypeUnsubscribeRoom, "r1"); got != 0 {
		t.Fatal("unsubscribed while a handle remained")
	}

	if err := h2.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := sender.sent(wire.TypeUnsubscribeRoom, "r1"); got != 1 {
		t.Errorf("unsubscribe_room sent %d times, want 1", got)
	}

	if err := h2.Close(); err != ErrClosed {
		t.Errorf("double Close() = %v, want ErrClosed", err)
	}
}

func TestFramesBufferedUntilAckThenReplayedInOrder(t *testing.T) {
	m, _, _, dispatched := newTestMux(t)

	m.Subscribe("r1")
	m.HandleFrame(msgFrame("r1", 1))
	m.HandleFrame(msgFrame("r1", 2))
	if len(*dispatched) != 0 {
		t.Fatalf("dispatched %d frames before ack, want 0", len(*dispatched))
	}
	if m.IsLive("r1") {
		t.Fatal("room live before ack")
	}

	m.HandleFrame(wire.Frame{Type: wire.TypeSubscribed, RoomID: "r1"})
	if !m.IsLive("r1") {
		t.Fatal("room not live after ack")
	}
	if len(*dispatched) != 2 {
		t.Fatalf("replayed %d frames, want 2", len(*dispatched))
	}

	m.HandleFrame(msgFrame("r1", 3))
	if len(*dispatched) != 3 {
		t.Errorf("live frame not dispatched")
	}
}

func TestReconnectResubscribesEveryRoom(t *testing.T) {
	m, sender, _, dispatched := newTestMux(t)

	m.Subscribe("r1")
	m.Subscribe("r2")
	m.HandleFrame(wire.Frame{Type: wire.TypeSubscribed, RoomID: "r1"})
	m.HandleFrame(wire.Frame{Type: wire.TypeSubscribed, RoomID: "r2"})

	m.HandleReconnected()

	for _, room := range []string{"r1", "r2"} {
		if got := sender.sent(wire.TypeSubscribeRoom, room); got != 2 {
			t.Errorf("subscribe_room for %s sent %d times, want 2", room, got)
		}
		if m.IsLive(room) {
			t.Errorf("%s live before re-ack", room)
		}
	}

	// Frames buffer again until the new ack, then flow with no loss.
	m.HandleFrame(msgFrame("r1", 9))
	before := len(*dispatched)
	m.HandleFrame(wire.Frame{Type: wire.TypeSubscribed, RoomID: "r1"})
	if len(*dispatched) != before+1 {
		t.Errorf("post-reconnect buffer not replayed")
	}
}

func TestFramesForUnknownRoomsDropped(t *testing.T) {
	m, _, _, dispatched := newTestMux(t)

	m.HandleFrame(msgFrame("ghost", 1))
	if len(*dispatched) != 0 {
		t.Errorf("frame for unsubscribed room dispatched")
	}
}

func TestSessionScopedFramesPassThrough(t *testing.T) {
	m, _, _, dispatched := newTestMux(t)

	m.HandleFrame(wire.Frame{Type: wire.TypeInitialState})
	if len(*dispatched) != 1 {
		t.Errorf("session-scoped frame not dispatched")
	}
}

func TestAccessDeniedRevokes(t *testing.T) {
	m, _, _, _ := newTestMux(t)

	var revokedRoom, revokedReason string
	m.SetOnRevoked(func(roomID, reason string) {
		revokedRoom, revokedReason = roomID, reason
	})

	m.Subscribe("r1")
	m.HandleFrame(wire.Frame{
		Type:   wire.TypeError,
		Code:   wire.CodeAccessDenied,
		RoomID: "r1",
		Reason: "job confirmed with another bidder",
	})

	if revokedRoom != "r1" || revokedReason == "" {
		t.Errorf("onRevoked got (%q, %q)", revokedRoom, revokedReason)
	}
	if len(m.Rooms()) != 0 {
		t.Error("revoked room still referenced")
	}
}

func TestWriteDenialWithTempIDDoesNotRevoke(t *testing.T) {
	m, _, _, dispatched := newTestMux(t)

	var revoked bool
	m.SetOnRevoked(func(string, string) { revoked = true })

	m.Subscribe("r1")
	m.HandleFrame(wire.Frame{Type: wire.TypeSubscribed, RoomID: "r1"})

	m.HandleFrame(wire.Frame{
		Type:         wire.TypeError,
		Code:         wire.CodeAccessDenied,
		RoomID:       "r1",
		ClientTempID: "tmp-9",
		Reason:       "job cancelled, room is read-only",
	})

	if revoked {
		t.Fatal("single-write denial revoked the room")
	}
	if !m.IsLive("r1") {
		t.Error("room no longer live after a write denial")
	}
	if len(*dispatched) != 1 || (*dispatched)[0].ClientTempID != "tmp-9" {
		t.Errorf("dispatched = %v, want the denial forwarded", *dispatched)
	}
}

func TestAckTimeoutRetriesSubscribe(t *testing.T) {
	m, sender, timers, _ := newTestMux(t)

	m.Subscribe("r1")
	if got := sender.sent(wire.TypeSubscribeRoom, "r1"); got != 1 {
		t.Fatalf("initial subscribe count = %d", got)
	}

	timers.fire(0)
	if got := sender.sent(wire.TypeSubscribeRoom, "r1"); got != 2 {
		t.Errorf("subscribe after ack timeout = %d, want 2", got)
	}

	// Ack cancels the retry cycle.
	m.HandleFrame(wire.Frame{Type: wire.TypeSubscribed, RoomID: "r1"})
	timers.fire(1)
	if got := sender.sent(wire.TypeSubscribeRoom, "r1"); got != 2 {
		t.Errorf("retry fired after ack, count = %d", got)
	}
}

func TestPendingBufferCapDropsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PendingLimit = 2
	sender := &fakeSender{}
	timers := &manualTimers{}
	m := New(cfg, sender, timers.After, nil)

	var dispatched []wire.Frame
	m.SetDispatch(func(f wire.Frame) { dispatched = append(dispatched, f) })

	m.Subscribe("r1")
	for i := 0; i < 3; i++ {
		m.HandleFrame(wire.Frame{Type: wire.TypeMessage, RoomID: "r1"})
	}
	m.HandleFrame(wire.Frame{Type: wire.TypeSubscribed, RoomID: "r1"})

	if len(dispatched) != 2 {
		t.Errorf("replayed %d frames, want cap of 2", len(dispatched))
	}
}
