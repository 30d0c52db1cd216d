package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// session is one live WebSocket connection for a client ID.
type session struct {
	clientID string
	conn     *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// sendJSON writes a JSON frame. Serialized so the task runner and the
// keepalive reply never interleave writes.
func (s *session) sendJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteJSON(v)
}

// close sends a close frame and tears down the transport.
func (s *session) close(code int, reason string) {
	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.conn.Close()
}

// Hub tracks at most one live session per client ID.
type Hub struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// register installs a session for a client ID. An existing session for the
// same ID is closed and replaced.
func (h *Hub) register(clientID string, conn *websocket.Conn, writeTimeout time.Duration) *session {
	s := &session{
		clientID:     clientID,
		conn:         conn,
		writeTimeout: writeTimeout,
	}

	h.mu.Lock()
	old := h.sessions[clientID]
	h.sessions[clientID] = s
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("replacing existing connection", "client_id", clientID)
		old.close(websocket.CloseNormalClosure, "replaced by new connection")
	}
	return s
}

// unregister removes a session, but only while it is still the current one
// for its client ID. A session replaced by register stays untouched.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if h.sessions[s.clientID] == s {
		delete(h.sessions, s.clientID)
	}
	h.mu.Unlock()
}

// lookup returns the live session for a client ID.
func (h *Hub) lookup(clientID string) (*session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[clientID]
	return s, ok
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll closes every live session. Used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
}
