package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentlink/agentlink/internal/protocol"
)

// Manager owns one logical connection to the agent backend. It dials
// asynchronously, reconnects with capped exponential backoff after abnormal
// closes, and multiplexes inbound messages to registered handlers.
//
// Every instance is independent; create one per connection target and pass
// it to whatever needs it.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu    sync.Mutex
	state State
	url   string
	ctx   context.Context

	// Socket generation. Every teardown or fresh dial bumps it; events
	// carrying a stale generation are ignored, so a detached socket can
	// never drive the retry logic twice.
	gen  uint64
	conn *Conn

	// Reconnect bookkeeping. At most one retry timer is pending; retrySeq
	// invalidates callbacks from timers cancelled mid-flight.
	attempts int
	retry    *time.Timer
	retrySeq uint64

	// Heartbeat stop channel, non-nil only while the probe loop runs.
	heartbeat chan struct{}

	// Subscriber registries. Dispatch iterates over snapshots, so a
	// callback may (un)subscribe during its own invocation.
	nextID    int
	stateSubs []stateEntry
	msgSubs   []messageEntry
}

type stateEntry struct {
	id int
	fn StateFunc
}

type messageEntry struct {
	id int
	fn MessageFunc
}

// NewManager creates a Manager. Zero config fields fall back to
// DefaultManagerConfig values.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultManagerConfig()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.FrameBuffer == 0 {
		cfg.FrameBuffer = def.FrameBuffer
	}

	return &Manager{
		cfg:    cfg,
		logger: logger,
		state:  StateIdle,
	}
}

// Connect targets url, tearing down any existing socket and cancelling any
// pending retry first. The attempt counter resets only here and on a
// successful open. The dial itself is asynchronous; the outcome is reported
// through state subscribers.
//
// ctx bounds every dial for this target, including backoff retries.
func (m *Manager) Connect(ctx context.Context, url string) {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	m.cancelRetryLocked()
	old := m.detachSocketLocked()
	m.url = url
	m.ctx = ctx
	m.attempts = 0
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	if old != nil {
		old.Close(websocket.CloseNormalClosure)
	}

	go m.dial(ctx, gen, url)
}

// Reconnect manually triggers the retry path. It proceeds only when the
// connection is down with a known target; it is a no-op while connecting,
// open, idle, or after the retry budget is exhausted.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.state != StateClosed || m.url == "" {
		m.mu.Unlock()
		return
	}
	m.cancelRetryLocked()
	m.gen++
	m.state = StateConnecting
	gen, ctx, url := m.gen, m.ctx, m.url
	m.mu.Unlock()

	go m.dial(ctx, gen, url)
}

// Disconnect cancels any pending retry, closes the socket with a normal
// closure code, and clears all subscriber registrations.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.cancelRetryLocked()
	old := m.detachSocketLocked()
	m.url = ""
	m.attempts = 0
	m.state = StateIdle
	m.stateSubs = nil
	m.msgSubs = nil
	m.mu.Unlock()

	if old != nil {
		old.Close(websocket.CloseNormalClosure)
	}
}

// Subscribe registers a state callback and returns its unsubscribe func.
// The callback is invoked immediately with the current state as a
// synchronous catch-up, then on every transition.
func (m *Manager) Subscribe(fn StateFunc) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.stateSubs = append(m.stateSubs, stateEntry{id: id, fn: fn})
	connected := m.state == StateOpen
	m.mu.Unlock()

	fn(StateChange{Connected: connected})

	return func() {
		m.mu.Lock()
		m.stateSubs = slices.DeleteFunc(slices.Clone(m.stateSubs), func(e stateEntry) bool {
			return e.id == id
		})
		m.mu.Unlock()
	}
}

// OnMessage registers a message handler and returns its unsubscribe func.
// Handlers see every non-heartbeat message in arrival order.
func (m *Manager) OnMessage(fn MessageFunc) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.msgSubs = append(m.msgSubs, messageEntry{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		m.msgSubs = slices.DeleteFunc(slices.Clone(m.msgSubs), func(e messageEntry) bool {
			return e.id == id
		})
		m.mu.Unlock()
	}
}

// Send JSON-encodes v and writes it, but only while open. A send against a
// down connection drops the payload, signals subscribers with a
// disconnected notification, and returns ErrNotConnected; nothing is queued
// for retry.
func (m *Manager) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen && conn != nil
	var subs []stateEntry
	if !open {
		subs = slices.Clone(m.stateSubs)
	}
	m.mu.Unlock()

	if !open {
		notifyState(subs, StateChange{Connected: false})
		return ErrNotConnected
	}

	return conn.Send(data)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the reconnect attempts consumed since the last
// successful open. Consumers can compare it against the configured maximum
// to tell "still retrying" from "gave up".
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// backoffDelay returns the wait before retry number attempt (0-based):
// base<<attempt, capped.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	d := m.cfg.BackoffBase << attempt
	if d <= 0 || d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	return d
}

// detachSocketLocked unhooks the live socket, if any, so its pending events
// are ignored, and stops the heartbeat. The caller closes the returned Conn
// outside the lock. Always bumps the generation.
func (m *Manager) detachSocketLocked() *Conn {
	m.gen++
	m.stopHeartbeatLocked()
	old := m.conn
	m.conn = nil
	return old
}

func (m *Manager) cancelRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// dial runs off the caller's goroutine; gen identifies the socket slot it
// was started for.
func (m *Manager) dial(ctx context.Context, gen uint64, url string) {
	cfg := ConnConfig{
		URL:              url,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		FrameBuffer:      m.cfg.FrameBuffer,
	}

	conn, err := Dial(ctx, cfg, m.logger)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if err == nil {
			conn.Close(websocket.CloseNormalClosure)
		}
		return
	}

	if err != nil {
		m.logger.Warn("dial failed", "url", url, "error", err)
		// An open failure drives the same backoff path as a close.
		subs, change := m.closeTransitionLocked(CloseStatus{
			Code:   websocket.CloseAbnormalClosure,
			Reason: err.Error(),
			Err:    err,
		})
		m.mu.Unlock()
		notifyState(subs, change)
		return
	}

	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.startHeartbeatLocked(conn)
	subs := slices.Clone(m.stateSubs)
	m.mu.Unlock()

	m.logger.Info("connected", "url", url)
	notifyState(subs, StateChange{Connected: true})

	go m.readLoop(gen, conn)
}

// readLoop dispatches frames from one socket, then runs the close
// transition when the socket stops.
func (m *Manager) readLoop(gen uint64, conn *Conn) {
	for data := range conn.Frames() {
		m.dispatch(gen, data)
	}

	st := conn.CloseStatus()

	m.mu.Lock()
	if gen != m.gen {
		// Socket was detached; teardown already handled.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.logger.Info("connection lost", "code", st.Code, "reason", st.Reason)
	subs, change := m.closeTransitionLocked(st)
	m.mu.Unlock()

	notifyState(subs, change)
}

// closeTransitionLocked moves to Closed, schedules a retry when allowed,
// and prepares the disconnected notification. Normal closures (1000/1001)
// never reconnect; an exhausted budget parks the manager until the next
// explicit Connect.
func (m *Manager) closeTransitionLocked(st CloseStatus) ([]stateEntry, StateChange) {
	m.stopHeartbeatLocked()
	m.state = StateClosed

	normal := st.Code == websocket.CloseNormalClosure || st.Code == websocket.CloseGoingAway
	if !normal {
		if m.attempts < m.cfg.MaxAttempts {
			delay := m.backoffDelay(m.attempts)
			m.attempts++
			m.scheduleRetryLocked(delay)
			m.logger.Info("reconnect scheduled",
				"attempt", m.attempts,
				"max_attempts", m.cfg.MaxAttempts,
				"delay", delay,
			)
		} else {
			m.state = StateExhausted
			m.logger.Warn("reconnect attempts exhausted", "attempts", m.attempts)
		}
	}

	return slices.Clone(m.stateSubs), StateChange{
		Connected: false,
		Code:      st.Code,
		Reason:    st.Reason,
	}
}

func (m *Manager) scheduleRetryLocked(delay time.Duration) {
	m.retrySeq++
	seq := m.retrySeq
	m.retry = time.AfterFunc(delay, func() {
		m.retryFire(seq)
	})
}

// retryFire runs when a backoff timer expires. The sequence comparison
// drops timers that were cancelled after their callback already started.
func (m *Manager) retryFire(seq uint64) {
	m.mu.Lock()
	if m.retry == nil || seq != m.retrySeq {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	if m.state != StateClosed || m.url == "" {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.state = StateConnecting
	gen, ctx, url := m.gen, m.ctx, m.url
	m.mu.Unlock()

	go m.dial(ctx, gen, url)
}

// dispatch decodes one frame and fans it out. Malformed frames are dropped;
// heartbeat replies are consumed; a panicking handler does not stop the
// rest.
func (m *Manager) dispatch(gen uint64, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		m.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	if msg.Status == protocol.StatusPong {
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	subs := slices.Clone(m.msgSubs)
	m.mu.Unlock()

	for _, s := range subs {
		m.invokeHandler(s.fn, msg)
	}
}

func (m *Manager) invokeHandler(fn MessageFunc, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("message handler panicked", "panic", r)
		}
	}()
	fn(msg)
}

// startHeartbeatLocked launches the keepalive loop for conn. The probe is
// the plain Keepalive literal; no reply tracking beyond pong suppression,
// so a silently dead socket surfaces only through the transport's own close
// or error.
func (m *Manager) startHeartbeatLocked(conn *Conn) {
	stop := make(chan struct{})
	m.heartbeat = stop

	go func() {
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				live := m.state == StateOpen && m.conn == conn
				m.mu.Unlock()
				if !live {
					return
				}
				if err := conn.SendText(protocol.Keepalive); err != nil {
					m.logger.Debug("keepalive send failed", "error", err)
				}
			}
		}
	}()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeat != nil {
		close(m.heartbeat)
		m.heartbeat = nil
	}
}

// notifyState runs outside the manager lock so a subscriber may call back
// into the manager.
func notifyState(subs []stateEntry, change StateChange) {
	for _, s := range subs {
		s.fn(change)
	}
}
