package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/gantry/internal/config"
	"github.com/mattjoyce/gantry/internal/deploy"
	"github.com/mattjoyce/gantry/internal/events"
	"github.com/mattjoyce/gantry/internal/history"
	"github.com/mattjoyce/gantry/internal/lock"
	"github.com/mattjoyce/gantry/internal/logstore"
	"github.com/mattjoyce/gantry/internal/notify"
	"github.com/mattjoyce/gantry/internal/orchestrator"
	"github.com/mattjoyce/gantry/internal/runner"
	"github.com/mattjoyce/gantry/internal/storage"
	"github.com/mattjoyce/gantry/internal/workspace"
)

// State directory layout.
const (
	logsDir       = "logs"
	workspacesDir = "workspaces"
)

// stack is the wired set of components one gantry process runs with.
type stack struct {
	cfg        *config.Config
	lock       *lock.PIDLock
	db         *sql.DB
	history    *history.Store
	logs       *logstore.Store
	workspaces workspace.Manager
	hub        *events.Hub
	orch       *orchestrator.Orchestrator
	logger     *slog.Logger
}

// loadConfig resolves configPath (discovering it when empty) and loads it.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// openStack takes the state directory lock and wires the orchestrator with
// history, step logs, workspaces, notifications and the event hub.
func openStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	if err := storage.RequireLocalFilesystem(cfg.Service.StateDir, "state directory"); err != nil {
		return nil, err
	}
	pidLock, err := lock.AcquireStateDir(cfg.Service.StateDir)
	if err != nil {
		return nil, fmt.Errorf("acquire state lock (another gantry may be running): %w", err)
	}
	logger.Debug("acquired state lock", "path", pidLock.Path())

	s := &stack{
		cfg:    cfg,
		lock:   pidLock,
		hub:    events.NewHub(256),
		logger: logger,
	}

	dbPath := cfg.StatePath(storage.DatabaseFile)
	s.db, err = storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open history database %s: %w", dbPath, err)
	}
	s.history = history.NewStore(s.db)

	s.logs, err = logstore.New(cfg.StatePath(logsDir))
	if err != nil {
		s.Close()
		return nil, err
	}

	s.workspaces, err = workspace.NewFSManager(cfg.StatePath(workspacesDir), workspaceExcludes(cfg)...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("initialize workspace manager: %w", err)
	}

	r := runner.New(runner.NewShellExecutor(), runner.WithOutputSink(s.logs))
	gate := deploy.NewGate(r, deploy.WithArtifactRoot(cfg.Dir))

	s.orch = orchestrator.New(r, gate,
		orchestrator.WithWorkspaces(s.workspaces, cfg.Service.SourceDir),
		orchestrator.WithHistory(s.history),
		orchestrator.WithNotifier(notifier(cfg, s.hub)),
		orchestrator.WithEvents(s.hub),
	)
	return s, nil
}

// Close releases everything openStack acquired. It is safe on a partially
// opened stack.
func (s *stack) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("failed to close database", "error", err)
		}
	}
	if err := s.lock.Release(); err != nil {
		s.logger.Warn("failed to release state lock", "error", err)
	}
}

// options builds per-run orchestrator options from the service config.
func (s *stack) options(runID, branch string) orchestrator.Options {
	return orchestrator.Options{
		RunID:       runID,
		Branch:      branch,
		Concurrency: s.cfg.Service.Concurrency,
		FailFast:    s.cfg.Service.FailFast,
		StepTimeout: s.cfg.Service.StepTimeout,
	}
}

// prune removes workspaces older than workspaceAge and runs (with their
// step logs) older than historyAge. A zero age skips that part.
func (s *stack) prune(ctx context.Context, workspaceAge, historyAge time.Duration) (pruneReport, error) {
	var rep pruneReport

	if workspaceAge > 0 {
		cleaned, err := s.workspaces.Cleanup(ctx, workspaceAge)
		rep.Workspaces = cleaned.DeletedDirs
		if err != nil {
			return rep, fmt.Errorf("prune workspaces: %w", err)
		}
	}

	if historyAge > 0 {
		ids, err := s.history.DeleteBefore(ctx, time.Now().Add(-historyAge))
		if err != nil {
			return rep, fmt.Errorf("prune history: %w", err)
		}
		rep.Runs = len(ids)
		for _, id := range ids {
			if err := s.logs.RemoveRun(id); err != nil {
				s.logger.Warn("failed to remove run logs", "run_id", id, "error", err)
			}
		}
	}
	return rep, nil
}

type pruneReport struct {
	Workspaces int `json:"workspaces"`
	Runs       int `json:"runs"`
}

// notifier fans notifications out to the log, the event hub and every
// configured webhook.
func notifier(cfg *config.Config, hub *events.Hub) notify.Transport {
	transports := notify.Multi{
		notify.NewLogTransport(),
		notify.NewHubTransport(hub),
	}
	for _, wh := range cfg.Pipeline.Notifications.Webhooks {
		transports = append(transports, notify.NewWebhookTransport(wh.URL, wh.Secret, nil))
	}
	return transports
}

// workspaceExcludes keeps the state directory out of workspaces when it
// lives inside the source tree.
func workspaceExcludes(cfg *config.Config) []string {
	excludes := append([]string(nil), cfg.Service.Exclude...)
	rel, err := filepath.Rel(cfg.Service.SourceDir, cfg.Service.StateDir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return excludes
	}
	return append(excludes, rel)
}
