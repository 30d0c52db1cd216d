package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentlink/agentlink/internal/protocol"
)

// stateRecorder collects state notifications and exposes them for waiting.
type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
	ch      chan StateChange
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan StateChange, 64)}
}

func (r *stateRecorder) fn(c StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()

	select {
	case r.ch <- c:
	default:
	}
}

func (r *stateRecorder) waitFor(t *testing.T, connected bool, timeout time.Duration) StateChange {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case c := <-r.ch:
			if c.Connected == connected {
				return c
			}
		case <-deadline:
			t.Fatalf("timeout waiting for connected=%v notification", connected)
		}
	}
}

func (r *stateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

// msgRecorder collects dispatched messages.
type msgRecorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *msgRecorder) fn(m protocol.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *msgRecorder) snapshot() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}

func fastConfig() ManagerConfig {
	return ManagerConfig{
		HeartbeatInterval: time.Minute,
		MaxAttempts:       5,
		BackoffBase:       20 * time.Millisecond,
		BackoffMax:        80 * time.Millisecond,
		HandshakeTimeout:  time.Second,
		WriteTimeout:      time.Second,
		FrameBuffer:       64,
	}
}

func TestManager_BackoffDelay(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)

	// 1s base doubling per attempt, capped at 10s.
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for attempt, w := range want {
		if got := m.backoffDelay(attempt); got != w {
			t.Errorf("backoffDelay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestManager_ConnectAndCatchUp(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	m := NewManager(fastConfig(), nil)
	defer m.Disconnect()

	rec := newStateRecorder()
	m.Subscribe(rec.fn)

	// Catch-up fires synchronously at subscription time, before any connect.
	if rec.count() != 1 {
		t.Fatalf("catch-up notifications = %d, want 1", rec.count())
	}
	if got := rec.waitFor(t, false, time.Second); got.Connected {
		t.Error("catch-up should report disconnected before Connect")
	}

	m.Connect(context.Background(), wsURL(server))
	rec.waitFor(t, true, 2*time.Second)

	if m.State() != StateOpen {
		t.Errorf("State = %v, want open", m.State())
	}
	if m.Attempts() != 0 {
		t.Errorf("Attempts = %d, want 0", m.Attempts())
	}

	// A subscriber added while open catches up with connected=true.
	var caught StateChange
	m.Subscribe(func(c StateChange) { caught = c })
	if !caught.Connected {
		t.Error("late subscriber should catch up with connected=true")
	}
}

func TestManager_RetryUntilExhausted(t *testing.T) {
	connects := 0
	var mu sync.Mutex
	server := mockWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		connects++
		mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := fastConfig()
	cfg.MaxAttempts = 2

	m := NewManager(cfg, nil)
	defer m.Disconnect()

	rec := newStateRecorder()
	m.Subscribe(rec.fn)

	m.Connect(context.Background(), wsURL(server))
	rec.waitFor(t, true, 2*time.Second)

	// Kill the server: the live socket drops and every retry dial fails.
	server.CloseClientConnections()
	server.Close()

	// One notification for the drop, one per failed attempt.
	rec.waitFor(t, false, 2*time.Second)
	rec.waitFor(t, false, 2*time.Second)
	rec.waitFor(t, false, 2*time.Second)

	waitForState(t, m, StateExhausted, 2*time.Second)

	if m.Attempts() != cfg.MaxAttempts {
		t.Errorf("Attempts = %d, want %d", m.Attempts(), cfg.MaxAttempts)
	}

	// No further attempt is ever scheduled.
	before := rec.count()
	time.Sleep(5 * cfg.BackoffMax)
	if rec.count() != before {
		t.Errorf("notifications after exhaustion: %d new", rec.count()-before)
	}

	// Manual Reconnect is a no-op once exhausted.
	m.Reconnect()
	time.Sleep(2 * cfg.BackoffMax)
	if m.State() != StateExhausted {
		t.Errorf("State after Reconnect = %v, want exhausted", m.State())
	}
}

func waitForState(t *testing.T, m *Manager, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("State = %v, want %v", m.State(), want)
}

func TestManager_AttemptsResetOnReopen(t *testing.T) {
	var mu sync.Mutex
	var conns []*websocket.Conn

	server := mockWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	m := NewManager(fastConfig(), nil)
	defer m.Disconnect()

	rec := newStateRecorder()
	m.Subscribe(rec.fn)

	m.Connect(context.Background(), wsURL(server))
	rec.waitFor(t, true, 2*time.Second)

	// Drop only the live socket; the server stays up, so the first retry
	// succeeds and the counter resets.
	mu.Lock()
	conns[0].Close()
	mu.Unlock()

	rec.waitFor(t, false, 2*time.Second)
	rec.waitFor(t, true, 2*time.Second)

	if m.Attempts() != 0 {
		t.Errorf("Attempts after reopen = %d, want 0", m.Attempts())
	}
	if m.State() != StateOpen {
		t.Errorf("State = %v, want open", m.State())
	}
}

func TestManager_NormalClosureDoesNotReconnect(t *testing.T) {
	connects := 0
	var mu sync.Mutex
	server := mockWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		connects++
		mu.Unlock()

		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
			time.Now().Add(time.Second),
		)
		conn.ReadMessage() // wait for the close echo
	})
	defer server.Close()

	cfg := fastConfig()
	m := NewManager(cfg, nil)
	defer m.Disconnect()

	rec := newStateRecorder()
	m.Subscribe(rec.fn)

	m.Connect(context.Background(), wsURL(server))
	rec.waitFor(t, true, 2*time.Second)

	change := rec.waitFor(t, false, 2*time.Second)
	if change.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", change.Code, websocket.CloseNormalClosure)
	}

	time.Sleep(5 * cfg.BackoffMax)

	mu.Lock()
	total := connects
	mu.Unlock()
	if total != 1 {
		t.Errorf("connects = %d, want 1 (no reconnect after normal closure)", total)
	}
	if m.State() != StateClosed {
		t.Errorf("State = %v, want closed", m.State())
	}
	if m.Attempts() != 0 {
		t.Errorf("Attempts = %d, want 0", m.Attempts())
	}
}

func TestManager_ConnectClosesOldSocket(t *testing.T) {
	closedA := make(chan struct{})
	serverA := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closedA)
				return
			}
		}
	})
	defer serverA.Close()

	serverB := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer serverB.Close()

	m := NewManager(fastConfig(), nil)
	defer m.Disconnect()

	rec := newStateRecorder()
	m.Subscribe(rec.fn)

	m.Connect(context.Background(), wsURL(serverA))
	rec.waitFor(t, true, 2*time.Second)

	// Re-targeting while open must force-close the old socket.
	m.Connect(context.Background(), wsURL(serverB))
	rec.waitFor(t, true, 2*time.Second)

	select {
	case <-closedA:
	case <-time.After(2 * time.Second):
		t.Fatal("old socket still open after re-targeting Connect")
	}

	if m.State() != StateOpen {
		t.Errorf("State = %v, want open", m.State())
	}
	if m.Attempts() != 0 {
		t.Errorf("Attempts = %d, want 0", m.Attempts())
	}
}

func TestManager_ConnectCancelsPendingRetry(t *testing.T) {
	serverA := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	connectsB := 0
	var mu sync.Mutex
	serverB := mockWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		connectsB++
		mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer serverB.Close()

	cfg := fastConfig()
	cfg.BackoffBase = 150 * time.Millisecond
	cfg.BackoffMax = 150 * time.Millisecond

	m := NewManager(cfg, nil)
	defer m.Disconnect()

	rec := newStateRecorder()
	m.Subscribe(rec.fn)

	m.Connect(context.Background(), wsURL(serverA))
	rec.waitFor(t, true, 2*time.Second)

	// Kill A; a retry timer is now pending.
	serverA.CloseClientConnections()
	serverA.Close()
	rec.waitFor(t, false, 2*time.Second)

	// Explicit Connect to B must cancel the stale timer.
	m.Connect(context.Background(), wsURL(serverB))
	rec.waitFor(t, true, 2*time.Second)

	before := rec.count()
	time.Sleep(3 * cfg.BackoffMax)

	if rec.count() != before {
		t.Errorf("stale retry fired: %d new notifications", rec.count()-before)
	}
	if m.State() != StateOpen {
		t.Errorf("State = %v, want open", m.State())
	}
	mu.Lock()
	total := connectsB
	mu.Unlock()
	if total != 1 {
		t.Errorf("connects to B = %d, want 1", total)
	}
}

func TestManager_PongSuppressedChunkDelivered(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"pong"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json at all`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"chunk","data":"hi"}`))
		time.Sleep(time.Second)
	})
	defer server.Close()

	m := NewManager(fastConfig(), nil)
	defer m.Disconnect()

	rec := newStateRecorder()
	m.Subscribe(rec.fn)

	h1 := &msgRecorder{}
	h2 := &msgRecorder{}
	m.OnMessage(h1.fn)
	m.OnMessage(h2.fn)

	m.Connect(context.Background(), wsURL(server))
	rec.waitFor(t, true, 2*time.Second)

	waitForMsgs(t, h1, 1, 2*time.Second)
	waitForMsgs(t, h2, 1, 2*time.Second)

	for name, h := range map[string]*msgRecorder{"h1": h1, "h2": h2} {
		msgs := h.snapshot()
		if len(msgs) != 1 {
			t.Fatalf("%s received %d messages, want 1", name, len(msgs))
		}
		if msgs[0].Status != protocol.StatusChunk || msgs[0].Data != "hi" {
			t.Errorf("%s got %+v, want chunk %q", name, msgs[0], "hi")
		}
	}

	// The malformed frame is dropped without killing the connection.
	if m.State() != StateOpen {
		t.Errorf("State = %v, want open", m.State())
	}
}

func waitForMsgs(t *testing.T, r *msgRecorder, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(r.snapshot()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("received %d messages, want %d", len(r.snapshot()), n)
}

func TestManager_HandlerPanicIsolated(t *testing.T) {
	frames := make(chan string, 4)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		time.Sleep(time.Second)
	})
	defer server.Close()

	m := NewManager(fastConfig(), nil)
	defer m.Disconnect()

	rec := newStateRecorder()
	m.Subscribe(rec.fn)

	second := &msgRecorder{}
	m.OnMessage(func(protocol.Message) { panic("boom") })
	m.OnMessage(second.fn)

	m.Connect(context.Background(), wsURL(server))
	rec.waitFor(t, true, 2*time.Second)

	frames <- `{"status":"chunk","data":"first"}`
	frames <- `{"status":"chunk","data":"second"}`
	close(frames)

	waitForMsgs(t, second, 2, 2*time.Second)

	msgs := second.snapshot()
	if msgs[0].Data != "first" || msgs[1].Data != "second" {
		t.Errorf("messages = %+v, want first then second", msgs)
	}
}

func TestManager_UnsubscribeDuringDispatch(t *testing.T) {
	frames := make(chan string, 4)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		time.Sleep(time.Second)
	})
	defer server.Close()

	m := NewManager(fastConfig(), nil)
	defer m.Disconnect()

	rec := newStateRecorder()
	m.Subscribe(rec.fn)

	first := &msgRecorder{}
	second := &msgRecorder{}

	var unsubFirst func()
	unsubFirst = m.OnMessage(func(msg protocol.Message) {
		first.fn(msg)
		unsubFirst() // self-removal mid-dispatch must not corrupt iteration
	})
	m.OnMessage(second.fn)

	m.Connect(context.Background(), wsURL(server))
	rec.waitFor(t, true, 2*time.Second)

	frames <- `{"status":"chunk","data":"one"}`
	frames <- `{"status":"chunk","data":"two"}`
	close(frames)

	waitForMsgs(t, second, 2, 2*time.Second)

	if got := len(first.snapshot()); got != 1 {
		t.Errorf("unsubscribed handler received %d messages, want 1", got)
	}
	msgs := second.snapshot()
	if len(msgs) != 2 || msgs[0].Data != "one" || msgs[1].Data != "two" {
		t.Errorf("second handler messages = %+v", msgs)
	}
}

func TestManager_SendWhileDown(t *testing.T) {
	m := NewManager(fastConfig(), nil)

	rec := newStateRecorder()
	m.Subscribe(rec.fn)
	catchUp := rec.count() // the initial synchronous catch-up

	err := m.Send(protocol.TaskRequest{Input: "hi", TaskType: protocol.TaskTypeCreative})
	if err != ErrNotConnected {
		t.Fatalf("Send = %v, want ErrNotConnected", err)
	}

	if rec.count() != catchUp+1 {
		t.Errorf("notifications = %d, want %d (send signals a disconnect)", rec.count(), catchUp+1)
	}
	if c := rec.waitFor(t, false, time.Second); c.Connected {
		t.Error("send-while-down should notify connected=false")
	}
}

func TestManager_Heartbeat(t *testing.T) {
	var mu sync.Mutex
	var inbound []string

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			inbound = append(inbound, string(data))
			mu.Unlock()
			if string(data) == protocol.Keepalive {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"status":"pong"}`))
			}
		}
	})
	defer server.Close()

	cfg := fastConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond

	m := NewManager(cfg, nil)
	defer m.Disconnect()

	rec := newStateRecorder()
	m.Subscribe(rec.fn)

	handler := &msgRecorder{}
	m.OnMessage(handler.fn)

	m.Connect(context.Background(), wsURL(server))
	rec.waitFor(t, true, 2*time.Second)

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	probes := 0
	for _, f := range inbound {
		if f == protocol.Keepalive {
			probes++
		}
	}
	mu.Unlock()

	if probes < 2 {
		t.Errorf("keepalive probes = %d, want >= 2", probes)
	}
	// Pong replies stay inside the connection layer.
	if got := len(handler.snapshot()); got != 0 {
		t.Errorf("handler received %d messages, want 0", got)
	}
}

func TestManager_DisconnectClearsSubscribers(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	m := NewManager(fastConfig(), nil)

	rec := newStateRecorder()
	m.Subscribe(rec.fn)

	m.Connect(context.Background(), wsURL(server))
	rec.waitFor(t, true, 2*time.Second)

	m.Disconnect()

	if m.State() != StateIdle {
		t.Errorf("State = %v, want idle", m.State())
	}

	// Registrations are gone: a failing send no longer notifies anyone.
	before := rec.count()
	if err := m.Send(protocol.TaskRequest{Input: "x"}); err != ErrNotConnected {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
	if rec.count() != before {
		t.Errorf("cleared subscriber still notified")
	}

	// Reconnect without a target is a no-op.
	m.Reconnect()
	time.Sleep(50 * time.Millisecond)
	if m.State() != StateIdle {
		t.Errorf("State after Reconnect = %v, want idle", m.State())
	}
}
