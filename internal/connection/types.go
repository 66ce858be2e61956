package connection

import (
	"errors"
	"time"

	"github.com/taskbid/chatsync/internal/wire"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrAuthRejected    = errors.New("authentication rejected")
)

// CloseAuthFailure is the WebSocket close code the gateway sends when a
// session's credential is rejected. Receiving it halts reconnection.
const CloseAuthFailure = 4401

// State is the lifecycle state of the managed connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateDisconnected State = "disconnected"
	StateErrored      State = "errored"
)

// EventKind tags a manager event.
type EventKind string

const (
	// EventOpen fires once per successful open.
	EventOpen EventKind = "open"
	// EventReconnected fires with EventOpen on every successful open; it
	// exists so subscribers that only care about re-subscription do not
	// have to track whether an open was the first one.
	EventReconnected EventKind = "reconnected"
	// EventFrame carries one decoded inbound frame.
	EventFrame EventKind = "frame"
	// EventClosed fires when the connection drops; reconnection follows.
	EventClosed EventKind = "closed"
	// EventFatal fires on an auth failure; reconnection is suppressed
	// until SetCredential is called.
	EventFatal EventKind = "fatal"
)

// Event is delivered on the manager's event stream.
type Event struct {
	Kind       EventKind
	Frame      wire.Frame // set for EventFrame
	Err        error      // set for EventClosed / EventFatal
	ReceivedAt time.Time
}

// TimestampedMessage wraps raw payload bytes with a receive timestamp.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// ClientConfig configures a single WebSocket dial.
type ClientConfig struct {
	URL              string        // gateway /ws endpoint
	Token            string        // session credential, sent as a Bearer header
	HandshakeTimeout time.Duration // dial deadline
	PingInterval     time.Duration // keepalive ping cadence
	PingTimeout      time.Duration // max silence before the connection is stale
	WriteTimeout     time.Duration // write deadline for sends
	BufferSize       int           // inbound message channel buffer
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     15 * time.Second,
		PingTimeout:      45 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL               string
	Token             string
	ReconnectBaseWait time.Duration // base backoff delay
	ReconnectMaxWait  time.Duration // backoff ceiling; retries are unlimited
	OutboundQueueSize int           // frames buffered while disconnected
	EventBufferSize   int           // event channel buffer
	PingInterval      time.Duration
	PingTimeout       time.Duration
	WriteTimeout      time.Duration
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  30 * time.Second,
		OutboundQueueSize: 512,
		EventBufferSize:   256,
		PingInterval:      15 * time.Second,
		PingTimeout:       45 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}
