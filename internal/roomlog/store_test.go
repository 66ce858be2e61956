package roomlog

import (
	"testing"
	"time"

	"github.com/taskbid/chatsync/internal/model"
	"github.com/taskbid/chatsync/internal/wire"
)

type fakeSender struct {
	frames []wire.Frame
	err    error
}

func (s *fakeSender) Send(f wire.Frame) error {
	s.frames = append(s.frames, f)
	return s.err
}

// manualTimers collects scheduled callbacks so tests fire them
// deterministically.
type manualTimers struct {
	fns []func()
}

func (m *manualTimers) After(_ time.Duration, fn func()) func() {
	idx := len(m.fns)
	m.fns = append(m.fns, fn)
	return func() { m.fns[idx] = nil }
}

// fire runs callback i if it was not cancelled.
func (m *manualTimers) fire(i int) {
	if i < len(m.fns) && m.fns[i] != nil {
		fn := m.fns[i]
		m.fns[i] = nil
		fn()
	}
}

func newTestStore(t *testing.T) (*Store, *fakeSender, *manualTimers) {
	t.Helper()
	sender := &fakeSender{}
	timers := &manualTimers{}
	s := New(DefaultConfig(), "me", sender, timers.After, nil)
	return s, sender, timers
}

func serverMsg(id int64, room, sender, content string) model.Message {
	return model.Message{
		ID:        id,
		RoomID:    room,
		SenderID:  sender,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}
}

func TestSendAndReconcileInPlace(t *testing.T) {
	s, sender, timers := newTestStore(t)

	tempID := s.AppendLocal("42", "hello")
	if tempID == "" {
		t.Fatal("AppendLocal returned empty temp id")
	}

	if len(sender.frames) != 1 || sender.frames[0].Type != wire.TypeSendMessage {
		t.Fatalf("sent frames = %+v, want one send_message", sender.frames)
	}
	if sender.frames[0].ClientTempID != tempID {
		t.Errorf("frame temp id = %q, want %q", sender.frames[0].ClientTempID, tempID)
	}

	msgs := s.Messages("42")
	if len(msgs) != 1 || msgs[0].Status != model.StatusPending {
		t.Fatalf("messages = %+v, want one pending entry", msgs)
	}

	confirmed := serverMsg(501, "42", "me", "hello")
	s.Ingest(confirmed, tempID)

	msgs = s.Messages("42")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d entries after reconcile, want 1", len(msgs))
	}
	got := msgs[0]
	if got.ID != 501 || got.Status != model.StatusSent || got.ClientTempID != "" {
		t.Errorf("reconciled entry = %+v, want id 501 sent with temp id cleared", got)
	}

	// The reconcile timer firing afterwards must not produce a second
	// terminal transition.
	timers.fire(0)
	if got := s.Messages("42")[0]; got.Status != model.StatusSent {
		t.Errorf("status after late timer = %q, want sent", got.Status)
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	s, _, _ := newTestStore(t)

	msg := serverMsg(7, "42", "u2", "hi")
	s.Ingest(msg, "")
	s.Ingest(msg, "")

	if n := len(s.Messages("42")); n != 1 {
		t.Errorf("messages = %d entries after duplicate delivery, want 1", n)
	}
}

func TestTimeoutForcesFailedThenRetryKeepsPosition(t *testing.T) {
	s, sender, timers := newTestStore(t)

	var failedTemp string
	s.SetOnFailed(func(_, tempID string) { failedTemp = tempID })

	s.Ingest(serverMsg(1, "42", "u2", "first"), "")
	tempID := s.AppendLocal("42", "mine")
	s.Ingest(serverMsg(2, "42", "u2", "second"), "")

	// Confirmed messages slot in before the pending tail.
	msgs := s.Messages("42")
	if len(msgs) != 3 || msgs[2].ClientTempID != tempID {
		t.Fatalf("messages = %+v, want pending entry last", msgs)
	}

	timers.fire(0)
	msgs = s.Messages("42")
	if msgs[2].Status != model.StatusFailed {
		t.Fatalf("status after timeout = %q, want failed", msgs[2].Status)
	}
	if failedTemp != tempID {
		t.Errorf("onFailed got %q, want %q", failedTemp, tempID)
	}

	sent := len(sender.frames)
	if err := s.Retry(tempID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if len(sender.frames) != sent+1 {
		t.Fatalf("Retry sent %d frames, want 1", len(sender.frames)-sent)
	}

	msgs = s.Messages("42")
	if msgs[2].ClientTempID != tempID || msgs[2].Status != model.StatusPending {
		t.Errorf("retried entry = %+v, want pending at original position", msgs[2])
	}

	// Confirmation still reconciles in place after a retry.
	s.Ingest(serverMsg(3, "42", "me", "mine"), tempID)
	msgs = s.Messages("42")
	if msgs[2].ID != 3 || msgs[2].Status != model.StatusSent {
		t.Errorf("entry after reconcile = %+v, want id 3 sent", msgs[2])
	}
}

func TestRetryErrors(t *testing.T) {
	s, _, timers := newTestStore(t)

	if err := s.Retry("nope"); err != ErrUnknownTempID {
		t.Errorf("Retry(unknown) = %v, want ErrUnknownTempID", err)
	}

	tempID := s.AppendLocal("42", "hello")
	if err := s.Retry(tempID); err != ErrNotFailed {
		t.Errorf("Retry(pending) = %v, want ErrNotFailed", err)
	}

	timers.fire(0)
	if err := s.Retry(tempID); err != nil {
		t.Errorf("Retry(failed) = %v, want nil", err)
	}
}

func TestOrderFollowsServerIDs(t *testing.T) {
	s, _, _ := newTestStore(t)

	s.Ingest(serverMsg(10, "42", "u2", "a"), "")
	s.Ingest(serverMsg(11, "42", "u2", "b"), "")
	s.Ingest(serverMsg(12, "42", "u2", "c"), "")

	msgs := s.Messages("42")
	for i, want := range []int64{10, 11, 12} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d].ID = %d, want %d", i, msgs[i].ID, want)
		}
	}
}

func TestOutOfOrderDeliveryIsKeptNotResorted(t *testing.T) {
	s, _, _ := newTestStore(t)

	s.Ingest(serverMsg(5, "42", "u2", "later"), "")
	s.Ingest(serverMsg(3, "42", "u2", "earlier"), "")

	// Arrival order is preserved; the anomaly is logged, not repaired.
	msgs := s.Messages("42")
	if msgs[0].ID != 5 || msgs[1].ID != 3 {
		t.Errorf("order = [%d %d], want arrival order [5 3]", msgs[0].ID, msgs[1].ID)
	}
}

func TestIngestHistoryPrependsAndDedups(t *testing.T) {
	s, _, _ := newTestStore(t)

	s.Ingest(serverMsg(20, "42", "u2", "live"), "")

	page := []model.Message{
		serverMsg(17, "42", "u2", "old-1"),
		serverMsg(18, "42", "u2", "old-2"),
		serverMsg(20, "42", "u2", "live"), // overlap with the live tail
	}
	if n := s.IngestHistory("42", page); n != 2 {
		t.Fatalf("IngestHistory() = %d, want 2 fresh entries", n)
	}

	msgs := s.Messages("42")
	wantIDs := []int64{17, 18, 20}
	if len(msgs) != len(wantIDs) {
		t.Fatalf("messages = %d entries, want %d", len(msgs), len(wantIDs))
	}
	for i, want := range wantIDs {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d].ID = %d, want %d", i, msgs[i].ID, want)
		}
	}

	if s.OldestID("42") != 17 {
		t.Errorf("OldestID = %d, want 17", s.OldestID("42"))
	}
}

func TestDropRoomForgetsPending(t *testing.T) {
	s, _, timers := newTestStore(t)

	tempID := s.AppendLocal("42", "bye")
	s.DropRoom("42")

	if s.Messages("42") != nil {
		t.Error("messages survive DropRoom")
	}
	// A late timeout for the dropped pending message must be a no-op.
	timers.fire(0)
	if err := s.Retry(tempID); err != ErrUnknownTempID {
		t.Errorf("Retry after drop = %v, want ErrUnknownTempID", err)
	}
}
