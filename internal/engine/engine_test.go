package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/taskbid/chatsync/internal/connection"
	"github.com/taskbid/chatsync/internal/model"
	"github.com/taskbid/chatsync/internal/wire"
)

// fakeConn stands in for the connection manager. Inbound traffic is
// pushed through the events channel; outbound frames are recorded.
type fakeConn struct {
	events chan connection.Event

	mu    sync.Mutex
	sent  []wire.Frame
	token string

	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan connection.Event, 64)}
}

func (c *fakeConn) Start(context.Context) error { return nil }

func (c *fakeConn) Stop(context.Context) error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConn) Send(f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) SetCredential(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *fakeConn) Events() <-chan connection.Event { return c.events }
func (c *fakeConn) State() connection.State         { return connection.StateOpen }

func (c *fakeConn) sentCount(typ wire.Type, roomID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.sent {
		if f.Type == typ && (roomID == "" || f.RoomID == roomID) {
			n++
		}
	}
	return n
}

func (c *fakeConn) lastFrame(typ wire.Type) (wire.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Type == typ {
			return c.sent[i], true
		}
	}
	return wire.Frame{}, false
}

// frame pushes one inbound frame through the manager event stream.
func (c *fakeConn) frame(f wire.Frame) {
	c.events <- connection.Event{Kind: connection.EventFrame, Frame: f, ReceivedAt: time.Now()}
}

func newTestEngine(t *testing.T) (*Engine, *fakeConn) {
	t.Helper()

	cfg := DefaultConfig("me")
	cfg.RoomListRefresh = 0

	conn := newFakeConn()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(cfg, conn, nil, nil, logger)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e, conn
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitEvent(t *testing.T, ch <-chan Event, topic string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("bus closed waiting for %s", topic)
			}
			if ev.Topic == topic {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", topic)
		}
	}
}

// openRoom subscribes and acks one room.
func openRoom(t *testing.T, e *Engine, conn *fakeConn, roomID string) *RoomHandle {
	t.Helper()
	h, err := e.OpenRoom(roomID)
	if err != nil {
		t.Fatalf("OpenRoom(%s) error = %v", roomID, err)
	}
	waitFor(t, func() bool { return conn.sentCount(wire.TypeSubscribeRoom, roomID) >= 1 },
		"subscribe_room never sent")
	conn.frame(wire.Frame{Type: wire.TypeSubscribed, RoomID: roomID})
	return h
}

func msgFrame(roomID string, id int64, sender, tempID string) wire.Frame {
	return wire.Frame{
		Type:         wire.TypeMessage,
		RoomID:       roomID,
		ClientTempID: tempID,
		Message: &model.Message{
			ID:        id,
			RoomID:    roomID,
			SenderID:  sender,
			Content:   "m",
			CreatedAt: time.Now().UnixMilli(),
		},
	}
}

func jobRoom(id, jobID string, participants ...string) model.Room {
	return model.Room{
		ID:           id,
		Kind:         model.RoomKindJob,
		Participants: participants,
		Job: &model.JobRef{
			JobID:    jobID,
			Status:   model.JobStatusBidding,
			ClientID: participants[0],
		},
	}
}

func TestOpenRoomDeliversMessages(t *testing.T) {
	e, conn := newTestEngine(t)
	openRoom(t, e, conn, "r1")

	conn.frame(msgFrame("r1", 1, "u2", ""))

	waitFor(t, func() bool { return len(e.Messages("r1")) == 1 }, "message never delivered")
	if got := e.Messages("r1")[0]; got.ID != 1 || got.SenderID != "u2" {
		t.Errorf("message = %+v", got)
	}
	if got := e.UnreadCount("r1"); got != 1 {
		t.Errorf("UnreadCount = %d, want 1", got)
	}
}

func TestCloseLastHandleUnsubscribes(t *testing.T) {
	e, conn := newTestEngine(t)
	h := openRoom(t, e, conn, "r1")

	h.Close()
	waitFor(t, func() bool { return conn.sentCount(wire.TypeUnsubscribeRoom, "r1") == 1 },
		"unsubscribe_room never sent")
}

func TestSendAndReconcile(t *testing.T) {
	e, conn := newTestEngine(t)
	openRoom(t, e, conn, "r1")

	tempID, err := e.SendMessage("r1", "hello")
	if err != nil || tempID == "" {
		t.Fatalf("SendMessage() = (%q, %v)", tempID, err)
	}
	waitFor(t, func() bool {
		f, ok := conn.lastFrame(wire.TypeSendMessage)
		return ok && f.ClientTempID == tempID
	}, "send_message never sent")

	conn.frame(msgFrame("r1", 5, "me", tempID))

	waitFor(t, func() bool {
		msgs := e.Messages("r1")
		return len(msgs) == 1 && msgs[0].ID == 5 && msgs[0].Status == model.StatusSent
	}, "optimistic entry never reconciled")

	// Own messages do not count as unread.
	if got := e.UnreadCount("r1"); got != 0 {
		t.Errorf("UnreadCount = %d after own message, want 0", got)
	}
}

func TestSendRejectionMarksFailed(t *testing.T) {
	e, conn := newTestEngine(t)
	events, cancel := e.Subscribe(TopicMessageFailed, 8)
	defer cancel()

	openRoom(t, e, conn, "r1")
	tempID, _ := e.SendMessage("r1", "too fast")

	conn.frame(wire.Frame{
		Type:         wire.TypeError,
		Code:         wire.CodeRateLimited,
		RoomID:       "r1",
		ClientTempID: tempID,
		Reason:       "slow down",
	})

	ev := waitEvent(t, events, TopicMessageFailed)
	if ev.RoomID != "r1" || ev.Payload != tempID {
		t.Errorf("failed event = %+v", ev)
	}

	msgs := e.Messages("r1")
	if len(msgs) != 1 || msgs[0].Status != model.StatusFailed {
		t.Errorf("messages = %+v, want one failed entry", msgs)
	}
}

func TestWriteDenialKeepsRoomReadable(t *testing.T) {
	e, conn := newTestEngine(t)
	failures, cancelFailures := e.Subscribe(TopicMessageFailed, 8)
	defer cancelFailures()
	revoked, cancelRevoked := e.Subscribe(TopicRoomRevoked, 8)
	defer cancelRevoked()

	openRoom(t, e, conn, "r1")
	conn.frame(msgFrame("r1", 4, "u2", ""))
	waitFor(t, func() bool { return len(e.Messages("r1")) == 1 }, "message never delivered")

	tempID, _ := e.SendMessage("r1", "still there?")
	conn.frame(wire.Frame{
		Type:         wire.TypeError,
		Code:         wire.CodeAccessDenied,
		RoomID:       "r1",
		ClientTempID: tempID,
		Reason:       "job cancelled, room is read-only",
	})

	ev := waitEvent(t, failures, TopicMessageFailed)
	if ev.Payload != tempID {
		t.Errorf("failed event = %+v, want temp id %s", ev, tempID)
	}

	// Only the write was rejected; the conversation stays readable.
	msgs := e.Messages("r1")
	if len(msgs) != 2 || msgs[1].Status != model.StatusFailed {
		t.Fatalf("messages = %+v, want the log intact with a failed entry", msgs)
	}
	select {
	case ev := <-revoked:
		t.Fatalf("room revoked by a write denial: %+v", ev)
	default:
	}
}

func TestReconnectResubscribes(t *testing.T) {
	e, conn := newTestEngine(t)
	openRoom(t, e, conn, "r1")
	openRoom(t, e, conn, "r2")

	conn.events <- connection.Event{Kind: connection.EventReconnected}

	for _, room := range []string{"r1", "r2"} {
		roomID := room
		waitFor(t, func() bool { return conn.sentCount(wire.TypeSubscribeRoom, roomID) == 2 },
			"room not resubscribed after reconnect")
	}
}

func TestAccessDeniedDropsRoomState(t *testing.T) {
	e, conn := newTestEngine(t)
	events, cancel := e.Subscribe(TopicRoomRevoked, 8)
	defer cancel()

	openRoom(t, e, conn, "r1")
	conn.frame(msgFrame("r1", 1, "u2", ""))
	waitFor(t, func() bool { return len(e.Messages("r1")) == 1 }, "message never delivered")

	conn.frame(wire.Frame{
		Type:   wire.TypeError,
		Code:   wire.CodeAccessDenied,
		RoomID: "r1",
		Reason: "job confirmed with another bidder",
	})

	ev := waitEvent(t, events, TopicRoomRevoked)
	if ev.RoomID != "r1" || ev.Payload != "job confirmed with another bidder" {
		t.Errorf("revoked event = %+v", ev)
	}
	if msgs := e.Messages("r1"); msgs != nil {
		t.Errorf("messages survive revocation: %v", msgs)
	}
	if got := e.UnreadCount("r1"); got != 0 {
		t.Errorf("UnreadCount = %d after revocation, want 0", got)
	}
}

func TestInitialStateReconcilesRoomsAndCounts(t *testing.T) {
	e, conn := newTestEngine(t)
	events, cancel := e.Subscribe(TopicRoomRevoked, 8)
	defer cancel()

	conn.frame(wire.Frame{
		Type: wire.TypeInitialState,
		Rooms: []model.Room{
			jobRoom("r1", "job-1", "client", "me"),
			jobRoom("r2", "job-2", "client", "me"),
		},
		UnreadCounts: map[string]int{"r1": 3},
	})

	waitFor(t, func() bool { return len(e.Rooms()) == 2 }, "room list never applied")
	if got := e.UnreadCount("r1"); got != 3 {
		t.Errorf("UnreadCount(r1) = %d, want snapshot's 3", got)
	}

	// A later snapshot without r2 means access ended; its state goes.
	conn.frame(wire.Frame{
		Type:  wire.TypeInitialState,
		Rooms: []model.Room{jobRoom("r1", "job-1", "client", "me")},
	})

	ev := waitEvent(t, events, TopicRoomRevoked)
	if ev.RoomID != "r2" {
		t.Errorf("revoked room = %q, want r2", ev.RoomID)
	}
	if got := e.Rooms(); len(got) != 1 || got[0].ID != "r1" {
		t.Errorf("rooms = %v, want [r1]", got)
	}
}

func TestRoomUpdateReplacesStateOrDrops(t *testing.T) {
	e, conn := newTestEngine(t)
	events, cancel := e.Subscribe("room.", 8)
	defer cancel()

	openRoom(t, e, conn, "r1")
	conn.frame(wire.Frame{
		Type:  wire.TypeInitialState,
		Rooms: []model.Room{jobRoom("r1", "job-1", "client", "me")},
	})
	waitFor(t, func() bool { return len(e.Rooms()) == 1 }, "room list never applied")

	confirmed := jobRoom("r1", "job-1", "client", "me")
	confirmed.Job.Status = model.JobStatusConfirmed
	confirmed.Job.AcceptedBidderID = "me"
	conn.frame(wire.Frame{Type: wire.TypeRoomUpdate, RoomID: "r1", Room: &confirmed})

	waitFor(t, func() bool {
		rooms := e.Rooms()
		return len(rooms) == 1 && rooms[0].Job.Status == model.JobStatusConfirmed
	}, "room update never applied")

	// An update that no longer lists the local user drops the room.
	removed := jobRoom("r1", "job-1", "client", "other")
	conn.frame(wire.Frame{Type: wire.TypeRoomUpdate, RoomID: "r1", Room: &removed})

	ev := waitEvent(t, events, TopicRoomRevoked)
	if ev.RoomID != "r1" {
		t.Errorf("revoked room = %q, want r1", ev.RoomID)
	}
}

func TestFatalAuthPublishesAndCredentialClears(t *testing.T) {
	e, conn := newTestEngine(t)
	events, cancel := e.Subscribe(TopicAuthExpired, 8)
	defer cancel()

	conn.events <- connection.Event{Kind: connection.EventFatal, Err: connection.ErrAuthRejected}
	waitEvent(t, events, TopicAuthExpired)

	e.SetCredential("fresh-token")
	conn.mu.Lock()
	got := conn.token
	conn.mu.Unlock()
	if got != "fresh-token" {
		t.Errorf("credential = %q, want fresh-token", got)
	}
}

func TestMarkReadAdvancesToLatestID(t *testing.T) {
	e, conn := newTestEngine(t)
	openRoom(t, e, conn, "r1")

	conn.frame(msgFrame("r1", 7, "u2", ""))
	conn.frame(msgFrame("r1", 9, "u2", ""))
	waitFor(t, func() bool { return len(e.Messages("r1")) == 2 }, "messages never delivered")

	e.MarkRead("r1")
	waitFor(t, func() bool {
		f, ok := conn.lastFrame(wire.TypeMarkRead)
		return ok && f.RoomID == "r1" && f.LastReadID == 9
	}, "mark_read with the newest id never sent")

	if got := e.UnreadCount("r1"); got != 0 {
		t.Errorf("UnreadCount = %d after MarkRead, want 0", got)
	}
}

func TestTypingFlowsBothWays(t *testing.T) {
	e, conn := newTestEngine(t)
	openRoom(t, e, conn, "r1")

	conn.frame(wire.Frame{Type: wire.TypeTyping, RoomID: "r1", UserID: "u2"})
	waitFor(t, func() bool {
		users := e.TypingUsers("r1")
		return len(users) == 1 && users[0] == "u2"
	}, "inbound typing never tracked")

	conn.frame(wire.Frame{Type: wire.TypeStopTyping, RoomID: "r1", UserID: "u2"})
	waitFor(t, func() bool { return len(e.TypingUsers("r1")) == 0 }, "stop_typing never applied")

	e.StartTyping("r1")
	waitFor(t, func() bool { return conn.sentCount(wire.TypeTyping, "r1") == 1 },
		"outbound typing never sent")
}
