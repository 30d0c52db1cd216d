package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentlink/agentlink/internal/config"
	"github.com/agentlink/agentlink/internal/history"
	"github.com/agentlink/agentlink/internal/server"
	"github.com/agentlink/agentlink/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults apply when empty)")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting agentd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	var (
		cfg *config.ServerConfig
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadServerAndValidate(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	} else {
		cfg = config.DefaultServerConfig()
	}

	logger.Info("configuration loaded",
		"listen_host", cfg.Listen.Host,
		"listen_port", cfg.Listen.Port,
		"history_enabled", cfg.History.Enabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Optional transcript store
	var writer *history.Writer
	if cfg.History.Enabled {
		logger.Info("connecting to transcript database",
			"host", cfg.History.Database.Host,
			"port", cfg.History.Database.Port,
			"database", cfg.History.Database.Name,
		)

		pool, err := history.Connect(ctx, cfg.History.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		writerCfg := history.DefaultWriterConfig()
		if cfg.History.BatchSize > 0 {
			writerCfg.BatchSize = cfg.History.BatchSize
		}
		if cfg.History.FlushInterval > 0 {
			writerCfg.FlushInterval = cfg.History.FlushInterval
		}
		if cfg.History.BufferSize > 0 {
			writerCfg.BufferSize = cfg.History.BufferSize
		}

		writer = history.NewWriter(writerCfg, pool, logger)
		if err := writer.Start(ctx); err != nil {
			logger.Error("failed to start transcript writer", "error", err)
			os.Exit(1)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
			defer stopCancel()
			writer.Stop(stopCtx)
		}()

		logger.Info("transcript store ready")
	}

	agent := &server.ScriptedAgent{ChunkDelay: cfg.Agent.ChunkDelay}
	srv := server.New(*cfg, agent, writer, logger)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("agentd stopped")
}
