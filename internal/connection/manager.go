package connection

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/taskbid/chatsync/internal/wire"
)

// Manager owns the single persistent connection for a session.
type Manager interface {
	// Start connects and begins the reconnect loop.
	Start(ctx context.Context) error

	// Stop tears down the connection and stops reconnecting.
	Stop(ctx context.Context) error

	// Send delivers a frame to the gateway. While the connection is not
	// open the frame is queued, not rejected; the queue is flushed in
	// enqueue order on the next successful open.
	Send(f wire.Frame) error

	// SetCredential installs a fresh session token and, if reconnection
	// was halted by an auth failure, resumes it.
	SetCredential(token string)

	// Events returns the manager's event stream.
	Events() <-chan Event

	// State returns the current connection state.
	State() State
}

// Dialer constructs a Client for one connection attempt. Swappable in
// tests.
type Dialer func(cfg ClientConfig, logger *slog.Logger) Client

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	dial   Dialer
	logger *slog.Logger

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Collapses concurrent reconnect triggers into one dial.
	sf singleflight.Group

	// kick interrupts a backoff wait or the fatal latch.
	kick chan struct{}

	mu       sync.Mutex
	state    State
	client   Client
	token    string
	attempt  int
	fatal    bool
	outbound []queuedFrame
	dropped  int64
}

type queuedFrame struct {
	frame wire.Frame
	data  []byte
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, dial Dialer, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if dial == nil {
		dial = func(cc ClientConfig, l *slog.Logger) Client { return NewClient(cc, l) }
	}

	return &manager{
		cfg:    cfg,
		dial:   dial,
		logger: logger,
		events: make(chan Event, cfg.EventBufferSize),
		kick:   make(chan struct{}, 1),
		state:  StateDisconnected,
		token:  cfg.Token,
	}
}

// Start begins the connection manager.
func (m *manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run()

	m.logger.Info("connection manager started", "url", m.cfg.URL)
	return nil
}

// Stop gracefully shuts down.
func (m *manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	cli := m.client
	m.client = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if cli != nil {
		cli.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// The run goroutine may still be inside emit; the event
		// channel stays open so it cannot send on a closed channel.
		m.logger.Warn("connection manager stop timed out")
		return ctx.Err()
	}

	close(m.events)
	m.logger.Info("connection manager stopped")
	return nil
}

// Events returns the event stream.
func (m *manager) Events() <-chan Event {
	return m.events
}

// State returns the current connection state.
func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetCredential installs a fresh token and resumes reconnection.
func (m *manager) SetCredential(token string) {
	m.mu.Lock()
	m.token = token
	wasFatal := m.fatal
	m.fatal = false
	m.mu.Unlock()

	if wasFatal {
		m.logger.Info("credential refreshed, resuming reconnection")
	}

	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Send delivers or queues a frame.
func (m *manager) Send(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateOpen || m.client == nil {
		m.enqueueLocked(queuedFrame{frame: f, data: data})
		m.mu.Unlock()
		return nil
	}
	cli := m.client
	m.mu.Unlock()

	if err := cli.Send(data); err != nil {
		// The connection raced to closed; queue for the next open.
		m.mu.Lock()
		m.enqueueLocked(queuedFrame{frame: f, data: data})
		m.mu.Unlock()
		return nil
	}
	return nil
}

// enqueueLocked appends to the outbound queue, dropping the oldest
// frame at capacity. Callers hold m.mu.
func (m *manager) enqueueLocked(q queuedFrame) {
	if m.cfg.OutboundQueueSize > 0 && len(m.outbound) >= m.cfg.OutboundQueueSize {
		m.outbound = m.outbound[1:]
		m.dropped++
		m.logger.Warn("outbound queue full, dropping oldest frame", "dropped_total", m.dropped)
	}
	m.outbound = append(m.outbound, q)
}

// run is the reconnect loop. Retries are unlimited with capped delay;
// only an auth failure parks the loop, until SetCredential.
func (m *manager) run() {
	defer m.wg.Done()

	for {
		if m.ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		fatal := m.fatal
		m.mu.Unlock()

		if fatal {
			select {
			case <-m.ctx.Done():
				return
			case <-m.kick:
			}
			continue
		}

		cli, err := m.connect()
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				m.enterFatal(err)
				continue
			}

			wait := m.nextBackoff()
			m.logger.Warn("connect failed, backing off",
				"wait", wait,
				"error", err,
			)
			select {
			case <-m.ctx.Done():
				return
			case <-m.kick:
			case <-time.After(wait):
			}
			continue
		}

		m.opened(cli)
		m.flushOutbound(cli)

		err = m.readUntilClosed(cli)
		cli.Close()

		if m.ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrAuthRejected) {
			m.enterFatal(err)
			continue
		}

		m.mu.Lock()
		m.state = StateDisconnected
		m.client = nil
		m.mu.Unlock()

		m.emit(Event{Kind: EventClosed, Err: err})
	}
}

// connect performs one dial attempt. Concurrent triggers collapse into
// a single in-flight attempt.
func (m *manager) connect() (Client, error) {
	v, err, _ := m.sf.Do("connect", func() (any, error) {
		m.mu.Lock()
		m.state = StateConnecting
		token := m.token
		m.mu.Unlock()

		cli := m.dial(ClientConfig{
			URL:              m.cfg.URL,
			Token:            token,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     m.cfg.PingInterval,
			PingTimeout:      m.cfg.PingTimeout,
			WriteTimeout:     m.cfg.WriteTimeout,
			BufferSize:       m.cfg.EventBufferSize,
		}, m.logger)

		if err := cli.Connect(m.ctx); err != nil {
			m.mu.Lock()
			m.state = StateErrored
			m.mu.Unlock()
			return nil, err
		}
		return cli, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

// opened records a successful open and emits Open + Reconnected.
func (m *manager) opened(cli Client) {
	m.mu.Lock()
	m.state = StateOpen
	m.client = cli
	attempts := m.attempt
	m.attempt = 0
	m.mu.Unlock()

	m.logger.Info("connection open", "attempts", attempts)

	m.emit(Event{Kind: EventOpen})
	m.emit(Event{Kind: EventReconnected})
}

// flushOutbound drains the queue in enqueue order.
func (m *manager) flushOutbound(cli Client) {
	m.mu.Lock()
	queued := m.outbound
	m.outbound = nil
	m.mu.Unlock()

	if len(queued) == 0 {
		return
	}

	for i, q := range queued {
		if err := cli.Send(q.data); err != nil {
			// Connection dropped mid-flush; requeue the remainder in
			// order ahead of anything enqueued since.
			m.mu.Lock()
			m.outbound = append(queued[i:], m.outbound...)
			m.mu.Unlock()
			m.logger.Warn("outbound flush interrupted",
				"flushed", i,
				"requeued", len(queued)-i,
				"error", err,
			)
			return
		}
	}

	m.logger.Debug("outbound queue flushed", "count", len(queued))
}

// readUntilClosed pumps inbound payloads until the connection errors.
func (m *manager) readUntilClosed(cli Client) error {
	for {
		select {
		case <-m.ctx.Done():
			return m.ctx.Err()

		case err := <-cli.Errors():
			return err

		case msg, ok := <-cli.Messages():
			if !ok {
				return ErrNotConnected
			}

			f, err := wire.Decode(msg.Data)
			if err != nil {
				// Protocol error: log and drop, keep the connection.
				m.logger.Warn("malformed frame dropped", "error", err)
				continue
			}

			if f.Type == wire.TypeError && f.Code == wire.CodeAuthFailed {
				return ErrAuthRejected
			}

			m.emit(Event{Kind: EventFrame, Frame: f, ReceivedAt: msg.ReceivedAt})
		}
	}
}

// enterFatal latches the auth failure and emits EventFatal.
func (m *manager) enterFatal(err error) {
	m.mu.Lock()
	m.fatal = true
	m.state = StateErrored
	m.client = nil
	m.mu.Unlock()

	m.logger.Error("authentication failed, reconnection halted", "error", err)
	m.emit(Event{Kind: EventFatal, Err: err})
}

// nextBackoff returns min(base*2^attempt, max) with ±50% jitter and
// advances the attempt counter.
func (m *manager) nextBackoff() time.Duration {
	m.mu.Lock()
	attempt := m.attempt
	m.attempt++
	m.mu.Unlock()

	wait := m.cfg.ReconnectBaseWait << uint(attempt)
	if wait <= 0 || wait > m.cfg.ReconnectMaxWait {
		wait = m.cfg.ReconnectMaxWait
	}

	// Jitter: wait * (0.5 to 1.5)
	return wait/2 + time.Duration(rand.Int64N(int64(wait)))
}

// emit delivers an event, blocking on the consumer rather than
// reordering or dropping.
func (m *manager) emit(e Event) {
	select {
	case m.events <- e:
	case <-m.ctx.Done():
	}
}
