package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/gantry/internal/api"
	"github.com/mattjoyce/gantry/internal/config"
	"github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/report"
	"github.com/mattjoyce/gantry/internal/runner"
	"github.com/mattjoyce/gantry/internal/scheduler"
	"github.com/mattjoyce/gantry/internal/webhook"
)

// maxActiveRuns bounds the runs a server executes at once.
const maxActiveRuns = 4

// pruneInterval is how often serve applies the retention settings.
const pruneInterval = time.Hour

// launcher starts runs in the background for the API, push webhooks and
// schedules.
type launcher struct {
	ctx       context.Context
	branches  runner.BranchResolver
	maxActive int
	run       func(ctx context.Context, runID, branch string) *report.Report
	logger    *slog.Logger

	mu     sync.Mutex
	active int
	wg     sync.WaitGroup
}

var (
	_ api.Launcher       = (*launcher)(nil)
	_ webhook.Launcher   = (*launcher)(nil)
	_ scheduler.Launcher = (*launcher)(nil)
)

// Launch starts a run on branch, or on the resolver's branch when branch is
// empty. Runs outlive the request that started them and stop with the
// server context.
func (l *launcher) Launch(ctx context.Context, branch string) (string, string, error) {
	if branch == "" {
		resolved, err := l.branches.CurrentBranch(ctx)
		if err != nil {
			return "", "", fmt.Errorf("resolve branch: %w", err)
		}
		branch = resolved
	}

	l.mu.Lock()
	if l.ctx.Err() != nil || l.active >= l.maxActive {
		l.mu.Unlock()
		return "", "", api.ErrBusy
	}
	l.active++
	l.wg.Add(1)
	l.mu.Unlock()

	runID := uuid.NewString()
	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			l.active--
			l.mu.Unlock()
		}()

		rep := l.run(l.ctx, runID, branch)
		l.logger.Info("background run finished", "run_id", runID, "branch", branch, "status", rep.Status)
	}()
	return runID, branch, nil
}

// Active returns the number of runs in progress.
func (l *launcher) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Wait blocks until every launched run has returned.
func (l *launcher) Wait() {
	l.wg.Wait()
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfigError
	}
	if !cfg.API.Enabled && len(cfg.Hooks.Endpoints) == 0 && len(cfg.Schedules) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to serve: set api.enabled or configure hooks.endpoints or schedules")
		return exitConfigError
	}

	pcfg, err := cfg.BuildPipeline()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pipeline: %v\n", err)
		return exitConfigError
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("gantry starting", "version", version, "config", cfg.Path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStack(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open state", "state_dir", cfg.Service.StateDir, "error", err)
		return exitFailure
	}
	defer s.Close()

	l := &launcher{
		ctx:       ctx,
		branches:  runner.GitBranch{Dir: cfg.Service.SourceDir},
		maxActive: maxActiveRuns,
		logger:    logger,
		run: func(runCtx context.Context, runID, branch string) *report.Report {
			return s.orch.Run(runCtx, pcfg, s.options(runID, branch))
		},
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
		}, s.history, l, s.hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if len(cfg.Hooks.Endpoints) > 0 {
		hookConfig, err := webhook.FromConfig(cfg.Hooks)
		if err != nil {
			logger.Error("failed to configure webhooks", "error", err)
			return exitConfigError
		}
		hookServer := webhook.New(hookConfig, l, log.WithComponent("webhook"))
		go func() {
			if err := hookServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook server enabled", "listen", hookConfig.Listen, "endpoints", len(hookConfig.Endpoints))
	}

	if len(cfg.Schedules) > 0 {
		schedules, err := scheduler.FromConfig(cfg.Schedules)
		if err != nil {
			logger.Error("failed to configure schedules", "error", err)
			return exitConfigError
		}
		sched := scheduler.New(schedules, l, s.hub, log.Get())
		sched.Start(ctx)
		defer sched.Stop()
	}

	retainDone := make(chan struct{})
	go func() {
		defer close(retainDone)
		retainLoop(ctx, s, cfg.Service)
	}()

	logger.Info("gantry serving (press Ctrl+C to stop)")

	code := exitOK
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = exitFailure
	}
	cancel()
	l.Wait()
	<-retainDone

	logger.Info("gantry stopped")
	return code
}

// retainLoop applies the retention settings at start and then every
// pruneInterval until ctx ends.
func retainLoop(ctx context.Context, s *stack, svc config.ServiceConfig) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		rep, err := s.prune(ctx, svc.WorkspaceRetention, svc.HistoryRetention)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Warn("retention prune failed", "error", err)
		case rep.Workspaces > 0 || rep.Runs > 0:
			s.logger.Info("retention prune", "workspaces", rep.Workspaces, "runs", rep.Runs)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
