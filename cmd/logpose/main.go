// Command logpose runs the interactive terminal gateway: PTY sessions over
// WebSocket, per-user git worktrees, and the path-safe file/search/git API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"logpose/internal/audit"
	"logpose/internal/auth"
	"logpose/internal/config"
	"logpose/internal/git"
	"logpose/internal/httpapi"
	"logpose/internal/repo"
	"logpose/internal/session"
	"logpose/internal/settings"
	"logpose/internal/tasks"
)

// version is injected via ldflags.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "logpose",
		Short:        "Interactive terminal gateway with per-user git worktree isolation",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	registry, err := repo.NewRegistry(cfg.RepoRoots)
	if err != nil {
		return err
	}

	store, err := settings.Open(cfg.DataDir, settings.Settings{
		AllowlistEmails: cfg.AllowlistEmails,
		AdminEmails:     cfg.AdminEmails,
	})
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	defer store.Close()

	auditLog, err := audit.New(filepath.Join(cfg.DataDir, "audit"))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	sessions := session.NewManager(session.Options{
		Command:            cfg.ClaudePath,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		MaxTotalSessions:   cfg.MaxTotalSessions,
		DisconnectedTTL:    cfg.DisconnectedTTL,
	})
	sessions.Start()
	defer sessions.Close()

	var runner *tasks.Runner
	if cfg.TasksEnabled {
		allowlist, err := tasks.LoadAllowlist(filepath.Join(cfg.DataDir, "tasks.yaml"))
		if err != nil {
			return fmt.Errorf("load task allowlist: %w", err)
		}
		runner = tasks.NewRunner(allowlist)
		slog.Info("task runner enabled", "tasks", len(allowlist))
	}

	var gate *auth.Gate
	if cfg.IsProduction() {
		gate = auth.NewGate(store, cfg.CFAccessTeamDomain, cfg.CFAccessAUD)
	} else {
		gate = auth.NewDevGate(store)
		slog.Warn("development identity gate active, do not expose publicly")
	}

	srv := httpapi.New(cfg, registry, git.NewWorktreeManager(), sessions, gate, store, auditLog, runner)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr(), "env", cfg.Env, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
