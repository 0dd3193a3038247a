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

	"github.com/recoilhq/recoil/internal/approval"
	"github.com/recoilhq/recoil/internal/capability"
	"github.com/recoilhq/recoil/internal/engine"
	"github.com/recoilhq/recoil/internal/expressions"
	"github.com/recoilhq/recoil/internal/logging"
	"github.com/recoilhq/recoil/internal/sandbox"
	"github.com/recoilhq/recoil/internal/scheduler"
	"github.com/recoilhq/recoil/internal/store"
	"github.com/recoilhq/recoil/internal/undo"
	"github.com/recoilhq/recoil/internal/validation"
	recoilmcp "github.com/recoilhq/recoil/pkg/mcp"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/recoil/
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "recoil: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// stdout carries the MCP transport; all logs go to stderr.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(cfg.LogLevel)}),
	))
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("build condition engine: %w", err)
	}

	sb, err := sandbox.New(cfg.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}

	reg := capability.NewRegistry()
	if err := capability.RegisterBuiltins(reg, capability.HTTPConfig{}, capability.FSConfig{}); err != nil {
		return fmt.Errorf("register capabilities: %w", err)
	}

	gov := capability.NewLifecycle()
	ledger := undo.NewLedger(st, reg, logger, undo.Config{Capacity: cfg.UndoCapacity})
	eng := engine.NewEngine(reg, validator, gov, sb, ledger, logger)
	gate := approval.NewGate(st, logger)

	orch := engine.NewOrchestrator(st, eng, reg, validator, gate, cel, logger,
		engine.OrchestratorConfig{StepConcurrency: cfg.StepConcurrency})

	// Pick up workflows that were mid-flight when the previous process died.
	engine.NewRecovery(st, orch, logger).Start(ctx)

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, orch, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := recoilmcp.NewRecoilServer(recoilmcp.RecoilServerDeps{
		Orchestrator: orch,
		Engine:       eng,
		Registry:     reg,
		Gate:         gate,
		Ledger:       ledger,
		Logger:       logger,
	})

	logger.InfoContext(ctx, "recoil server starting",
		"version", version, "db_path", cfg.DBPath, "workspace_root", cfg.WorkspaceRoot)

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func slogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
