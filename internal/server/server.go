package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/agentlink/agentlink/internal/config"
	"github.com/agentlink/agentlink/internal/history"
	"github.com/agentlink/agentlink/internal/protocol"
)

// defaultConnectionID is the session slot used when a task submission
// carries no context ID.
const defaultConnectionID = "default"

// ShutdownTimeout bounds graceful shutdown of the HTTP listener and the
// transcript writer.
const ShutdownTimeout = 10 * time.Second

// Server is the streaming agent backend: WebSocket sessions plus the HTTP
// task-submission and health endpoints.
type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	agent   Agent
	hub     *Hub
	history *history.Writer // nil when transcript persistence is disabled

	upgrader websocket.Upgrader
}

// New creates a server. hist may be nil.
func New(cfg config.ServerConfig, agent Agent, hist *history.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		agent:   agent,
		hub:     NewHub(logger),
		history: hist,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub exposes the session registry.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/agent/process", s.handleProcess)
	mux.HandleFunc("GET /ws/{client_id}", s.handleWebSocket)
	return s.withCORS(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.Host, s.cfg.Listen.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down server")

		s.hub.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// checkOrigin admits browserless clients (no Origin header) and any origin
// on the configured allow-list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.CORS.AllowedOrigins, origin)
}

// withCORS applies the origin allow-list to the HTTP endpoints.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && slices.Contains(s.cfg.CORS.AllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleProcess accepts a task for an existing WebSocket connection and
// processes it in the background.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req protocol.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid request body"})
		return
	}

	connectionID := req.ContextID
	if connectionID == "" {
		connectionID = defaultConnectionID
	}

	sess, ok := s.hub.lookup(connectionID)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "No active connection found"})
		return
	}

	go s.runTask(context.Background(), sess, req)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "accepted",
		"connectionId": connectionID,
	})
}

// handleWebSocket upgrades /ws/{client_id} and serves the session's read
// loop: keepalive literals get a pong envelope, JSON task requests start a
// background task run, anything else is logged and dropped.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if clientID == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "client_id", clientID, "error", err)
		return
	}

	sess := s.hub.register(clientID, conn, s.writeTimeout())
	s.logger.Info("websocket connected", "client_id", clientID)

	defer func() {
		s.hub.unregister(sess)
		conn.Close()
		s.logger.Info("websocket closed", "client_id", clientID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read error", "client_id", clientID, "error", err)
			}
			return
		}

		if string(data) == protocol.Keepalive {
			if err := sess.sendJSON(protocol.Pong()); err != nil {
				s.logger.Warn("pong write failed", "client_id", clientID, "error", err)
				return
			}
			continue
		}

		var req protocol.TaskRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Input == "" {
			s.logger.Warn("invalid frame from client", "client_id", clientID)
			continue
		}
		go s.runTask(context.Background(), sess, req)
	}
}

// runTask drives one task: processing, the variant-specific body, error on
// agent failure, and always a closing finished envelope with elapsed
// seconds. Write failures on a dead session stop emission but still record
// the transcript.
func (s *Server) runTask(ctx context.Context, sess *session, req protocol.TaskRequest) {
	start := time.Now()
	var (
		response   string
		taskErr    error
		sendFailed bool
	)

	if err := sess.sendJSON(protocol.Processing("Task started")); err != nil {
		sendFailed = true
	}

	if req.TaskType == protocol.TaskTypeAnalytical {
		taskErr = s.agent.StreamTask(ctx, req, func(chunk string) error {
			response += chunk
			if sendFailed {
				return nil
			}
			if err := sess.sendJSON(protocol.Chunk(chunk)); err != nil {
				sendFailed = true
			}
			return nil
		})
	} else {
		response, taskErr = s.agent.CompleteTask(ctx, req)
		if taskErr == nil && !sendFailed {
			if err := sess.sendJSON(protocol.Complete(response)); err != nil {
				sendFailed = true
			}
		}
	}

	if taskErr != nil {
		s.logger.Error("task failed", "client_id", sess.clientID, "task_type", req.TaskType, "error", taskErr)
		if !sendFailed {
			if err := sess.sendJSON(protocol.ErrorMessage(taskErr.Error())); err != nil {
				sendFailed = true
			}
		}
	}

	elapsed := time.Since(start)
	if !sendFailed {
		if err := sess.sendJSON(protocol.Finished(elapsed.Seconds())); err != nil {
			s.logger.Warn("finished write failed", "client_id", sess.clientID, "error", err)
		}
	}

	if s.history != nil {
		errText := ""
		if taskErr != nil {
			errText = taskErr.Error()
		}
		s.history.Record(history.Entry{
			ClientID: sess.clientID,
			TaskType: req.TaskType,
			Input:    req.Input,
			Response: response,
			ErrText:  errText,
			Elapsed:  elapsed,
		})
	}
}

func (s *Server) writeTimeout() time.Duration {
	return 5 * time.Second
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
