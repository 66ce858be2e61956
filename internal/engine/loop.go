package engine

import (
	"context"
	"errors"
	"time"

	"github.com/taskbid/chatsync/internal/connection"
	"github.com/taskbid/chatsync/internal/model"
	"github.com/taskbid/chatsync/internal/wire"
)

// Errors
var (
	ErrNoCollaborator = errors.New("no rest collaborator configured")
	ErrStopped        = errors.New("engine stopped")
)

// run is the engine's single run loop. Every mutable component is
// touched only from here.
func (e *Engine) run() {
	defer e.wg.Done()

	var refresh <-chan time.Time
	if e.cfg.RoomListRefresh > 0 && e.rest != nil {
		ticker := time.NewTicker(e.cfg.RoomListRefresh)
		defer ticker.Stop()
		refresh = ticker.C
	}

	events := e.conn.Events()

	for {
		select {
		case <-e.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handleConnEvent(ev)

		case cmd := <-e.cmds:
			cmd()

		case <-refresh:
			e.startRefresh()
		}
	}
}

// post schedules fn on the run loop without waiting.
func (e *Engine) post(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.ctx.Done():
	}
}

// call runs fn on the run loop and waits for it to finish. Must not be
// called from the loop itself.
func (e *Engine) call(fn func()) error {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-e.ctx.Done():
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-e.ctx.Done():
		return ErrStopped
	}
}

// after schedules fn back onto the run loop after d. Components receive
// this so their timer callbacks never race loop state.
func (e *Engine) after(d time.Duration, fn func()) (cancel func()) {
	t := time.AfterFunc(d, func() { e.post(fn) })
	return func() { t.Stop() }
}

// handleConnEvent applies one connection manager event.
func (e *Engine) handleConnEvent(ev connection.Event) {
	switch ev.Kind {
	case connection.EventOpen:
		e.bus.Publish(Event{Topic: TopicConnState, Payload: connection.StateOpen})

	case connection.EventReconnected:
		e.mux.HandleReconnected()
		e.startRefresh()

	case connection.EventFrame:
		e.mux.HandleFrame(ev.Frame)

	case connection.EventClosed:
		e.bus.Publish(Event{Topic: TopicConnState, Payload: connection.StateDisconnected})

	case connection.EventFatal:
		e.logger.Warn("session credential rejected", "error", ev.Err)
		e.bus.Publish(Event{Topic: TopicAuthExpired, Payload: ev.Err})
	}
}

// dispatchFrame consumes one demultiplexed frame from the multiplexer.
func (e *Engine) dispatchFrame(f wire.Frame) {
	switch f.Type {
	case wire.TypeMessage:
		msg := *f.Message
		msg.RoomID = f.RoomID
		e.store.Ingest(msg, f.ClientTempID)
		e.unread.OnMessage(f.RoomID, msg)
		e.touchPreview(f.RoomID, msg)

	case wire.TypeTyping:
		e.typing.HandleTyping(f.RoomID, f.UserID)

	case wire.TypeStopTyping:
		e.typing.HandleStopTyping(f.RoomID, f.UserID)

	case wire.TypeUnreadUpdate:
		e.unread.HandleUnreadUpdate(f.RoomID, f.Count)

	case wire.TypeInitialState:
		e.applyRoomList(f.Rooms, f.UnreadCounts)

	case wire.TypeRoomUpdate:
		e.handleRoomUpdate(f)

	case wire.TypeError:
		e.handleErrorFrame(f)

	default:
		e.logger.Debug("unhandled frame", "type", f.Type, "room", f.RoomID)
	}
}

// handleErrorFrame applies a room-scoped application error. A rejected
// send carries the client temp id of the failed message.
func (e *Engine) handleErrorFrame(f wire.Frame) {
	if f.ClientTempID != "" {
		e.store.MarkFailed(f.ClientTempID)
		return
	}
	e.logger.Warn("gateway error",
		"code", f.Code,
		"room", f.RoomID,
		"reason", f.Reason,
	)
}

// handleRoomUpdate replaces a room's authoritative state. Job status
// changes arrive here; a room the local user can no longer read is
// dropped locally without waiting for the gateway's unsubscribe.
func (e *Engine) handleRoomUpdate(f wire.Frame) {
	if f.Room == nil {
		return
	}
	room := *f.Room
	if !room.HasParticipant(e.cfg.UserID) {
		e.dropRoomState(room.ID, "removed from room")
		return
	}
	e.upsertRoom(room)
}

// handleRevoked reacts to the gateway denying access to a room.
func (e *Engine) handleRevoked(roomID, reason string) {
	e.dropRoomState(roomID, reason)
}

// dropRoomState removes every trace of a room and tells observers.
func (e *Engine) dropRoomState(roomID, reason string) {
	e.store.DropRoom(roomID)
	e.typing.DropRoom(roomID)
	e.unread.DropRoom(roomID)
	if e.paginator != nil {
		e.paginator.Reset(roomID)
	}
	delete(e.rooms, roomID)

	e.logger.Info("room dropped", "room", roomID, "reason", reason)
	e.bus.Publish(Event{Topic: TopicRoomRevoked, RoomID: roomID, Payload: reason})
}

// markRead zeroes the counter and advances last_read to the newest id.
func (e *Engine) markRead(roomID string) {
	e.unread.MarkRead(roomID, e.store.LatestID(roomID))
}

// upsertRoom installs authoritative room state.
func (e *Engine) upsertRoom(room model.Room) {
	e.rooms[room.ID] = room
	e.bus.Publish(Event{Topic: TopicRoomUpdate, RoomID: room.ID})
}

// touchPreview keeps the room-list preview in sync with the newest
// confirmed message.
func (e *Engine) touchPreview(roomID string, msg model.Message) {
	room, ok := e.rooms[roomID]
	if !ok {
		return
	}
	if room.LastMessage == nil || msg.ID >= room.LastMessage.ID {
		m := msg
		room.LastMessage = &m
		e.rooms[roomID] = room
	}
}

// startRefresh fetches the room list off-loop and applies it on-loop.
func (e *Engine) startRefresh() {
	if e.rest == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
		defer cancel()

		list, err := e.rest.FetchRoomList(ctx)
		if err != nil {
			e.logger.Warn("room list refresh failed", "error", err)
			return
		}
		e.post(func() { e.applyRoomList(list.Rooms, list.UnreadCounts) })
	}()
}

// applyRoomList reconciles the visible room set and unread counters
// against an authoritative snapshot. Rooms absent from the snapshot are
// no longer accessible and are dropped.
func (e *Engine) applyRoomList(rooms []model.Room, counts map[string]int) {
	seen := make(map[string]bool, len(rooms))
	for _, r := range rooms {
		seen[r.ID] = true
		e.rooms[r.ID] = r
	}
	for id := range e.rooms {
		if !seen[id] {
			e.dropRoomState(id, "not in room list")
		}
	}

	if counts == nil {
		counts = make(map[string]int, len(rooms))
		for _, r := range rooms {
			counts[r.ID] = r.UnreadCount
		}
	}
	e.unread.ApplyRefresh(counts)

	e.bus.Publish(Event{Topic: TopicRoomList})
}

// oldestID is the paginator's cursor source; it reads loop state via a
// synchronous command.
func (e *Engine) oldestID(roomID string) int64 {
	var id int64
	_ = e.call(func() { id = e.store.OldestID(roomID) })
	return id
}

// applyHistory is the paginator's prepend sink.
func (e *Engine) applyHistory(roomID string, msgs []model.Message) int {
	var n int
	_ = e.call(func() { n = e.store.IngestHistory(roomID, msgs) })
	return n
}
