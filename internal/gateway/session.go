package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskbid/chatsync/internal/wire"
)

// SessionConfig tunes one WebSocket session.
type SessionConfig struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	MaxFrameBytes  int64
	SendQueueDepth int
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   50 * time.Second,
		MaxFrameBytes:  64 * 1024,
		SendQueueDepth: 256,
	}
}

// Session is one authenticated WebSocket connection. The read pump
// feeds frames to the hub; the write pump drains a bounded send queue.
// A consumer that cannot keep up is disconnected rather than allowed
// to block the hub.
type Session struct {
	cfg    SessionConfig
	hub    *Hub
	conn   *websocket.Conn
	logger *slog.Logger
	userID string

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an upgraded connection for userID.
func NewSession(cfg SessionConfig, hub *Hub, conn *websocket.Conn, userID string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		hub:    hub,
		conn:   conn,
		logger: logger.With("user", userID),
		userID: userID,
		send:   make(chan []byte, cfg.SendQueueDepth),
	}
}

// UserID returns the authenticated user.
func (s *Session) UserID() string { return s.userID }

// Run registers the session and blocks until the connection ends.
func (s *Session) Run() {
	s.done = make(chan struct{})
	s.hub.Register(s)

	go s.writePump()
	s.readPump()

	s.hub.Unregister(s)
}

// Queue enqueues one frame for delivery. A full queue closes the
// session.
func (s *Session) Queue(f wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		s.logger.Error("encode frame", "type", f.Type, "error", err)
		return
	}
	select {
	case s.send <- data:
	default:
		s.logger.Warn("send queue full, dropping slow consumer")
		s.close()
	}
}

// close tears the connection down once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// readPump consumes client frames until the connection drops.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read ended", "error", err)
			}
			return
		}

		f, err := wire.Decode(data)
		if err != nil {
			// The connection survives a malformed frame.
			s.logger.Warn("malformed frame", "error", err)
			s.Queue(wire.Frame{
				Type:   wire.TypeError,
				Code:   wire.CodeInvalidFrame,
				Reason: err.Error(),
			})
			continue
		}

		s.hub.HandleFrame(s, f)
	}
}

// writePump drains the send queue and keeps the connection alive.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return

		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
