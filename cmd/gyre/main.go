package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/gyreflow/gyre/internal/engine"
	"github.com/gyreflow/gyre/internal/logging"
	"github.com/gyreflow/gyre/internal/node"
	"github.com/gyreflow/gyre/internal/scheduler"
	"github.com/gyreflow/gyre/internal/store"
	"github.com/gyreflow/gyre/internal/validation"
	"github.com/gyreflow/gyre/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gyre:", err)
		os.Exit(1)
	}
}

func run() error {
	// A local .env is optional; real env vars still win.
	_ = godotenv.Load()
	cfg := loadConfig()

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry := node.NewRegistry()
	node.RegisterBuiltins(registry)

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}

	exec := engine.New(st,
		engine.WithLogger(logger),
		engine.WithWorkers(cfg.PoolSize),
	)
	defer exec.Shutdown()

	runner := engine.NewRunner(exec, registry, validator)

	sched := scheduler.New(st, runner, logger)
	if cfg.Scheduler {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := mcp.NewGyreServer(mcp.GyreServerDeps{
		Runner:    runner,
		Store:     st,
		Scheduler: sched,
		Logger:    logger,
	})

	logger.Info("gyre server starting", "db", cfg.DBPath, "workers", cfg.PoolSize)
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("gyre server stopped")
	return nil
}

// newLogger builds the structured logger with correlation ID injection.
// Logs go to stderr; stdout belongs to the MCP stdio transport.
func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

// openStore selects the persistence backend from configuration.
func openStore(cfg Config) (store.Store, error) {
	if cfg.DBPath == "memory" {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, err
	}
	return store.NewLibSQLStore("file:" + cfg.DBPath)
}
