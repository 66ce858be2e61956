package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/taskbid/chatsync/internal/wire"
)

// DeliverFunc receives every frame published for a room, including the
// publishing instance's own.
type DeliverFunc func(roomID string, f wire.Frame)

// Broadcaster fans room frames out across gateway instances. The local
// fan-out path also runs through it so one code path feeds sessions.
type Broadcaster interface {
	Publish(roomID string, f wire.Frame) error
	Start(ctx context.Context, deliver DeliverFunc) error
	Stop(ctx context.Context) error
}

// NATSBroadcaster publishes frames on chat.room.<id> subjects.
type NATSBroadcaster struct {
	nc     *nats.Conn
	logger *slog.Logger
	sub    *nats.Subscription
}

// NewNATSBroadcaster creates a nats-backed broadcaster.
func NewNATSBroadcaster(nc *nats.Conn, logger *slog.Logger) *NATSBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBroadcaster{nc: nc, logger: logger}
}

// Start subscribes to the room subject space.
func (b *NATSBroadcaster) Start(_ context.Context, deliver DeliverFunc) error {
	sub, err := b.nc.Subscribe("chat.room.>", func(m *nats.Msg) {
		roomID := strings.TrimPrefix(m.Subject, "chat.room.")
		f, err := wire.Decode(m.Data)
		if err != nil {
			b.logger.Warn("dropping malformed broadcast", "subject", m.Subject, "error", err)
			return
		}
		deliver(roomID, f)
	})
	if err != nil {
		return fmt.Errorf("subscribe room subjects: %w", err)
	}
	b.sub = sub
	b.logger.Info("broadcaster started", "subject", "chat.room.>")
	return nil
}

// Stop unsubscribes and flushes pending publishes.
func (b *NATSBroadcaster) Stop(_ context.Context) error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			return err
		}
		b.sub = nil
	}
	return b.nc.Flush()
}

// Publish sends one frame to every instance subscribed to the room.
func (b *NATSBroadcaster) Publish(roomID string, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return b.nc.Publish("chat.room."+roomID, data)
}

// LoopbackBroadcaster delivers frames in-process. Used by tests and
// single-instance deployments.
type LoopbackBroadcaster struct {
	mu      sync.Mutex
	deliver DeliverFunc
}

// NewLoopbackBroadcaster creates an in-process broadcaster.
func NewLoopbackBroadcaster() *LoopbackBroadcaster {
	return &LoopbackBroadcaster{}
}

// Start installs the delivery callback.
func (b *LoopbackBroadcaster) Start(_ context.Context, deliver DeliverFunc) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	return nil
}

// Stop removes the delivery callback.
func (b *LoopbackBroadcaster) Stop(_ context.Context) error {
	b.mu.Lock()
	b.deliver = nil
	b.mu.Unlock()
	return nil
}

// Publish delivers the frame directly.
func (b *LoopbackBroadcaster) Publish(roomID string, f wire.Frame) error {
	b.mu.Lock()
	deliver := b.deliver
	b.mu.Unlock()
	if deliver != nil {
		deliver(roomID, f)
	}
	return nil
}
