package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps one WebSocket. It is never reused: a reconnecting Manager
// replaces the whole Conn rather than re-dialing in place.
type Conn struct {
	cfg    ConnConfig
	logger *slog.Logger

	ws *websocket.Conn

	// Inbound frames; closed when the read loop exits.
	frames chan []byte
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	status CloseStatus
}

// Dial opens a socket and starts its read loop.
func Dial(ctx context.Context, cfg ConnConfig, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		cfg:    cfg,
		logger: logger,
		ws:     ws,
		frames: make(chan []byte, cfg.FrameBuffer),
		done:   make(chan struct{}),
	}

	go c.readLoop()

	logger.Debug("websocket connected", "url", cfg.URL)
	return c, nil
}

// Frames returns the inbound frame channel. It is closed when the socket
// stops for any reason; CloseStatus then explains why.
func (c *Conn) Frames() <-chan []byte {
	return c.frames
}

// CloseStatus reports why the read loop stopped. Meaningful only after
// Frames is closed.
func (c *Conn) CloseStatus() CloseStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Send writes a text frame.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// SendText writes a plain string frame, used for the keepalive literal.
func (c *Conn) SendText(s string) error {
	return c.Send([]byte(s))
}

// Close sends a close frame with the given code and tears the socket down.
// A second call returns ErrAlreadyClosed.
func (c *Conn) Close(code int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)

	c.writeMu.Lock()
	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return c.ws.Close()
}

// readLoop pumps inbound frames until the socket fails or Close is called.
func (c *Conn) readLoop() {
	defer close(c.frames)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.recordClose(err)
			return
		}

		select {
		case c.frames <- data:
		case <-c.done:
			return
		default:
			c.logger.Warn("frame buffer full, dropping frame")
		}
	}
}

// recordClose captures close metadata from a read error.
func (c *Conn) recordClose(err error) {
	st := CloseStatus{Err: err, Reason: err.Error()}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		st.Code = ce.Code
		st.Reason = ce.Text
	}

	c.mu.Lock()
	c.status = st
	c.mu.Unlock()

	// Errors after a local Close are expected teardown noise.
	select {
	case <-c.done:
	default:
		c.logger.Debug("websocket read stopped", "code", st.Code, "reason", st.Reason)
	}
}
