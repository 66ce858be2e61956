package engine

import (
	"log/slog"
	"strings"
	"sync"
)

// Event topics published by the engine.
const (
	TopicConnState     = "conn.state"
	TopicRoomList      = "room.list"
	TopicRoomUpdate    = "room.update"
	TopicRoomRevoked   = "room.revoked"
	TopicMessageUpdate = "message.update"
	TopicMessageFailed = "message.failed"
	TopicTypingUpdate  = "typing.update"
	TopicUnreadUpdate  = "unread.update"
	TopicAuthExpired   = "auth.expired"
)

// Event is one observable state change.
type Event struct {
	Topic   string
	RoomID  string
	Payload any
}

// subscriber is one registered observer channel.
type subscriber struct {
	prefix string
	ch     chan Event
}

// Bus is a small in-process publish/subscribe hub. Publish never
// blocks; a full subscriber loses the event.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers an observer for topics matching prefix (empty
// matches everything). The returned cancel closes the channel.
func (b *Bus) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	sub := &subscriber{prefix: prefix, ch: make(chan Event, buf)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(ev.Topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug("slow observer, event dropped", "topic", ev.Topic)
		}
	}
}

// Close drops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
