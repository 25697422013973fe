package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/mattjoyce/gantry/internal/config"
	"github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/pipeline"
	"github.com/mattjoyce/gantry/internal/report"
	"github.com/mattjoyce/gantry/internal/runner"
	"github.com/mattjoyce/gantry/internal/tui"
)

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	branch := fs.String("branch", "", "Branch name (default: $GANTRY_BRANCH or the git checkout)")
	parallel := fs.Int("parallel", 0, "Maximum jobs running at once (default: service.concurrency)")
	failFast := fs.Bool("fail-fast", false, "Cancel remaining jobs after the first failure")
	jsonOut := fs.Bool("json", false, "Print the report as JSON")
	tuiOut := fs.Bool("tui", false, "Show a live view while jobs run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	if *jsonOut && *tuiOut {
		fmt.Fprintln(os.Stderr, "--json and --tui are mutually exclusive")
		return exitFailure
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfigError
	}

	// logs go to stderr so the report on stdout stays machine readable
	logOut := io.Writer(os.Stderr)
	if *tuiOut {
		logOut = io.Discard
	}
	log.SetupWriter(logOut, cfg.Service.LogLevel)
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pcfg, err := cfg.BuildPipeline()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pipeline: %v\n", err)
		return exitConfigError
	}

	resolver := runner.BranchResolver(runner.GitBranch{Dir: cfg.Service.SourceDir})
	if *branch != "" {
		resolver = runner.StaticBranch(*branch)
	}
	resolved, err := resolver.CurrentBranch(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve branch: %v\n", err)
		return exitFailure
	}

	s, err := openStack(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitFailure
	}
	defer s.Close()

	opts := s.options(uuid.NewString(), resolved)
	if *parallel > 0 {
		opts.Concurrency = *parallel
	}
	if *failFast {
		opts.FailFast = true
	}

	var rep *report.Report
	if *tuiOut {
		rep, err = runWithTUI(ctx, s, opts.RunID, func(runCtx context.Context) *report.Report {
			return s.orch.Run(runCtx, pcfg, opts)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
	} else {
		rep = s.orch.Run(ctx, pcfg, opts)
	}

	if *jsonOut {
		err = report.WriteJSON(os.Stdout, rep)
	} else {
		err = report.WriteText(os.Stdout, rep)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write report: %v\n", err)
		return exitFailure
	}
	return rep.ExitCode()
}

// runWithTUI runs the pipeline while a live view follows it. Quitting the
// view early cancels the run.
func runWithTUI(ctx context.Context, s *stack, runID string, run func(context.Context) *report.Report) (*report.Report, error) {
	ch, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan *report.Report, 1)
	go func() { done <- run(runCtx) }()

	p := tea.NewProgram(tui.New(ch, tui.FollowRun(runID)), tea.WithContext(ctx))
	final, err := p.Run()
	if m, ok := final.(tui.Model); ok && m.Aborted() {
		cancel()
	}
	if errors.Is(err, tea.ErrProgramKilled) {
		err = nil
	}
	return <-done, err
}

func runJobs(args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Print jobs as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	jobs, code := expandConfig(*configPath)
	if code != exitOK {
		return code
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(jobs); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode jobs: %v\n", err)
			return exitFailure
		}
		return exitOK
	}

	writeJobs(os.Stdout, jobs)
	return exitOK
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	jobs, code := expandConfig(*configPath)
	if code != exitOK {
		return code
	}
	fmt.Printf("Configuration valid: %d job(s)\n", len(jobs))
	return exitOK
}

// expandConfig loads the config and expands its matrix, reporting errors
// on stderr.
func expandConfig(configPath string) ([]pipeline.Job, int) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, exitConfigError
	}
	return expandPipeline(cfg)
}

func expandPipeline(cfg *config.Config) ([]pipeline.Job, int) {
	pcfg, err := cfg.BuildPipeline()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pipeline: %v\n", err)
		return nil, exitConfigError
	}
	jobs, err := pipeline.Expand(pcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pipeline: %v\n", err)
		return nil, exitConfigError
	}
	return jobs, exitOK
}

func writeJobs(w io.Writer, jobs []pipeline.Job) {
	for _, job := range jobs {
		fmt.Fprintf(w, "%d. %s\n", job.Index+1, job.Name)

		keys := make([]string, 0, len(job.Env))
		for k := range job.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "   env    %s=%s\n", k, job.Env[k])
		}
		for _, line := range job.Scripts {
			fmt.Fprintf(w, "   script %s\n", line)
		}
		if job.Deploy != nil {
			fmt.Fprintf(w, "   deploy %s on %s\n", job.Deploy.Action.Kind(), job.Deploy.OnBranch)
		}
	}
}
