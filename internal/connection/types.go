package connection

import (
	"errors"
	"time"

	"github.com/agentlink/agentlink/internal/protocol"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
)

// State is the manager's connection lifecycle state.
type State int

const (
	// StateIdle is the initial state, before any Connect call.
	StateIdle State = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateOpen means the socket is established and usable.
	StateOpen

	// StateClosed means the socket dropped; a retry may be pending.
	StateClosed

	// StateExhausted means the retry budget is spent. Only an explicit
	// Connect call leaves this state.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateExhausted:
		return "exhausted"
	}
	return "unknown"
}

// StateChange is delivered to state subscribers on every connected or
// disconnected transition. Code and Reason carry close metadata when the
// transport provided any.
type StateChange struct {
	Connected bool
	Code      int
	Reason    string
}

// StateFunc observes connection state transitions.
type StateFunc func(StateChange)

// MessageFunc observes decoded application messages. Heartbeat replies are
// consumed before dispatch and never reach a MessageFunc.
type MessageFunc func(protocol.Message)

// CloseStatus describes why a socket stopped.
type CloseStatus struct {
	Code   int    // WebSocket close code, 0 when unavailable
	Reason string // Close reason or error text
	Err    error  // Underlying transport error, if any
}

// ConnConfig configures a single socket.
type ConnConfig struct {
	URL              string        // ws:// or wss:// target
	HandshakeTimeout time.Duration // Dial deadline
	WriteTimeout     time.Duration // Per-write deadline

	// FrameBuffer is the inbound frame channel capacity. When consumers
	// fall behind and the buffer fills, further frames are dropped (with a
	// warning log) rather than blocking the read loop.
	FrameBuffer int
}

// DefaultConnConfig returns sensible defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		FrameBuffer:      256,
	}
}

// ManagerConfig configures a Manager.
//
// All intervals are time.Durations; YAML config spells them as duration
// strings ("30s"), never bare numbers.
type ManagerConfig struct {
	HeartbeatInterval time.Duration // Keepalive probe interval while open
	MaxAttempts       int           // Reconnect attempts before giving up
	BackoffBase       time.Duration // First retry delay
	BackoffMax        time.Duration // Retry delay cap
	HandshakeTimeout  time.Duration // Dial deadline
	WriteTimeout      time.Duration // Per-write deadline
	FrameBuffer       int           // Inbound frame channel capacity; frames are dropped when full
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HeartbeatInterval: 30 * time.Second,
		MaxAttempts:       5,
		BackoffBase:       1 * time.Second,
		BackoffMax:        10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		FrameBuffer:       256,
	}
}
