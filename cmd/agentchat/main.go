package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/agentlink/agentlink/internal/api"
	"github.com/agentlink/agentlink/internal/config"
	"github.com/agentlink/agentlink/internal/connection"
	"github.com/agentlink/agentlink/internal/protocol"
	"github.com/agentlink/agentlink/internal/stream"
	"github.com/agentlink/agentlink/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults apply when empty)")
	taskType := flag.String("type", protocol.TaskTypeAnalytical, "task type: analytical or creative")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	input := strings.Join(flag.Args(), " ")
	if input == "" {
		fmt.Fprintln(os.Stderr, "usage: agentchat [flags] <task input>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting agentchat", "version", version.Version)

	var (
		cfg *config.ClientConfig
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadClientAndValidate(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	} else {
		cfg = config.DefaultClientConfig()
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx, cfg, clientID, input, *taskType, logger); err != nil {
		fmt.Fprintln(os.Stderr, "agentchat:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, clientID, input, taskType string, logger *slog.Logger) error {
	mgr := connection.NewManager(connection.ManagerConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxAttempts:       cfg.MaxReconnectAttempts,
		BackoffBase:       cfg.ReconnectBaseDelay,
		BackoffMax:        cfg.ReconnectMaxDelay,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}, logger)
	defer mgr.Disconnect()

	connected := make(chan struct{}, 1)
	unsubState := mgr.Subscribe(func(change connection.StateChange) {
		if change.Connected {
			select {
			case connected <- struct{}{}:
			default:
			}
			return
		}
		if mgr.State() == connection.StateExhausted {
			fmt.Fprintln(os.Stderr, "connection lost; reconnect attempts exhausted, rerun to retry")
		}
	})
	defer unsubState()

	collector := stream.NewCollector()
	unsubMsg := mgr.OnMessage(func(msg protocol.Message) {
		switch msg.Status {
		case protocol.StatusChunk:
			fmt.Print(msg.Data)
		case protocol.StatusComplete:
			fmt.Print(msg.Data)
		}
		collector.Handle(msg)
	})
	defer unsubMsg()

	wsURL := strings.TrimSuffix(cfg.URL, "/") + "/" + clientID
	logger.Info("connecting", "url", wsURL)
	mgr.Connect(ctx, wsURL)

	select {
	case <-connected:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Tasks are submitted over HTTP; results stream back over the socket.
	baseURL, err := httpBaseURL(cfg.URL)
	if err != nil {
		return fmt.Errorf("derive api url: %w", err)
	}
	client := api.NewClient(baseURL, api.WithLogger(logger))

	req := protocol.TaskRequest{
		Input:     input,
		TaskType:  taskType,
		ContextID: clientID,
	}
	accepted, err := client.SubmitTask(ctx, req)
	if err != nil {
		return fmt.Errorf("submit task: %w", err)
	}
	logger.Info("task accepted", "connection_id", accepted.ConnectionID)

	waitCtx := ctx
	if cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, cfg.TaskTimeout)
		defer cancel()
	}

	result, err := collector.Wait(waitCtx)
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}
	fmt.Println()

	if result.Failed() {
		return fmt.Errorf("task failed: %s", result.ErrText)
	}
	fmt.Fprintf(os.Stderr, "done in %.2fs\n", result.Elapsed)
	return nil
}

// httpBaseURL converts the configured WebSocket endpoint into the daemon's
// HTTP base URL (ws://host:port/ws becomes http://host:port).
func httpBaseURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	return u.String(), nil
}
