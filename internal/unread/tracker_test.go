package unread

import (
	"testing"

	"github.com/taskbid/chatsync/internal/model"
	"github.com/taskbid/chatsync/internal/wire"
)

type fakeSender struct {
	frames []wire.Frame
}

func (s *fakeSender) Send(f wire.Frame) error {
	s.frames = append(s.frames, f)
	return nil
}

func newTestTracker(t *testing.T) (*Tracker, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	return New("me", sender, nil), sender
}

func msg(sender string) model.Message {
	return model.Message{SenderID: sender, Content: "hi"}
}

func TestCounterIncrementsForForeignMessages(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.OnMessage("r1", msg("u2"))
	tr.OnMessage("r1", msg("u2"))
	if got := tr.Count("r1"); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
}

func TestOwnMessagesDoNotCount(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.OnMessage("r1", msg("me"))
	if got := tr.Count("r1"); got != 0 {
		t.Errorf("Count = %d after own message, want 0", got)
	}
}

func TestFocusedRoomDoesNotCount(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.SetFocus("r1")
	tr.OnMessage("r1", msg("u2"))
	tr.OnMessage("r2", msg("u2"))

	if got := tr.Count("r1"); got != 0 {
		t.Errorf("focused room Count = %d, want 0", got)
	}
	if got := tr.Count("r2"); got != 1 {
		t.Errorf("unfocused room Count = %d, want 1", got)
	}
}

func TestMarkReadZeroesAndSendsFrame(t *testing.T) {
	tr, sender := newTestTracker(t)

	tr.OnMessage("r1", msg("u2"))
	tr.MarkRead("r1", 17)

	if got := tr.Count("r1"); got != 0 {
		t.Errorf("Count = %d after MarkRead, want 0", got)
	}
	if tr.LastReadID("r1") != 17 {
		t.Errorf("LastReadID = %d, want 17", tr.LastReadID("r1"))
	}

	if len(sender.frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sender.frames))
	}
	f := sender.frames[0]
	if f.Type != wire.TypeMarkRead || f.RoomID != "r1" || f.LastReadID != 17 {
		t.Errorf("frame = %+v, want mark_read r1 last_read 17", f)
	}
}

func TestServerUpdateIsAuthoritative(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.OnMessage("r1", msg("u2"))
	tr.HandleUnreadUpdate("r1", 0)
	if got := tr.Count("r1"); got != 0 {
		t.Errorf("Count = %d after server update, want 0", got)
	}

	tr.HandleUnreadUpdate("r1", 4)
	if got := tr.Count("r1"); got != 4 {
		t.Errorf("Count = %d, want server's 4", got)
	}

	tr.HandleUnreadUpdate("r1", -3)
	if got := tr.Count("r1"); got != 0 {
		t.Errorf("Count = %d for negative server value, want clamp to 0", got)
	}
}

func TestRefreshRevalidatesUnackedMarkRead(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.OnMessage("r1", msg("u2"))
	tr.MarkRead("r1", 9)
	// No unread_update arrives (connection dropped); the optimistic
	// zero must yield to the server snapshot.
	tr.ApplyRefresh(map[string]int{"r1": 3})
	if got := tr.Count("r1"); got != 3 {
		t.Errorf("Count = %d after refresh, want server's 3", got)
	}
}

func TestRefreshClearsRoomsMissingFromSnapshot(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.OnMessage("gone", msg("u2"))
	tr.ApplyRefresh(map[string]int{"r1": 1})

	if got := tr.Count("gone"); got != 0 {
		t.Errorf("Count = %d for invisible room, want 0", got)
	}
	if got := tr.Count("r1"); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestChangeCallback(t *testing.T) {
	tr, _ := newTestTracker(t)

	var lastRoom string
	var lastCount int
	tr.SetOnChange(func(roomID string, count int) {
		lastRoom, lastCount = roomID, count
	})

	tr.OnMessage("r1", msg("u2"))
	if lastRoom != "r1" || lastCount != 1 {
		t.Errorf("onChange got (%q, %d), want (r1, 1)", lastRoom, lastCount)
	}
}
