package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/gantry/internal/config"
	"github.com/mattjoyce/gantry/internal/history"
	"github.com/mattjoyce/gantry/internal/inspect"
	"github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/report"
	"github.com/mattjoyce/gantry/internal/storage"
	"github.com/mattjoyce/gantry/internal/tui"
)

func runRunsNoun(args []string) int {
	if len(args) < 1 {
		printRunsNounHelp(os.Stderr)
		return exitFailure
	}
	if isHelpToken(args[0]) {
		printRunsNounHelp(os.Stdout)
		return exitOK
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printRunsListHelp()
			return exitOK
		}
		return runRunsList(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printRunsShowHelp()
			return exitOK
		}
		return runRunsShow(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printRunsInspectHelp()
			return exitOK
		}
		return runRunsInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown runs action: %s\n", action)
		return exitFailure
	}
}

func runWorkspaceNoun(args []string) int {
	if len(args) < 1 {
		printWorkspaceNounHelp(os.Stderr)
		return exitFailure
	}
	if isHelpToken(args[0]) {
		printWorkspaceNounHelp(os.Stdout)
		return exitOK
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "prune":
		if hasHelpFlag(actionArgs) {
			printWorkspacePruneHelp()
			return exitOK
		}
		return runWorkspacePrune(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown workspace action: %s\n", action)
		return exitFailure
	}
}

func printRunsNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: gantry runs <list|show|inspect> [flags]")
}

func printWorkspaceNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: gantry workspace prune [flags]")
}

func printRunsListHelp() {
	fmt.Println("Usage: gantry runs list [--config PATH] [--branch NAME] [--limit N] [--json]")
	fmt.Println("Show recorded runs, newest first.")
}

func printRunsShowHelp() {
	fmt.Println("Usage: gantry runs show <run_id> [--config PATH] [--json]")
	fmt.Println("Print the stored report of a run.")
}

func printRunsInspectHelp() {
	fmt.Println("Usage: gantry runs inspect <run_id> [--config PATH] [--json]")
	fmt.Println("Verify stored step logs and list files left in kept workspaces.")
}

func printWorkspacePruneHelp() {
	fmt.Println("Usage: gantry workspace prune [--config PATH] [--older-than DURATION] [--history-older-than DURATION]")
	fmt.Println("Remove kept workspaces, recorded runs and their step logs past retention.")
}

// openHistory opens the history database for read-only commands. No state
// lock is taken so a serving gantry can keep running.
func openHistory(ctx context.Context, configPath string) (*history.Store, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel)

	db, err := storage.OpenSQLite(ctx, cfg.StatePath(storage.DatabaseFile))
	if err != nil {
		return nil, nil, fmt.Errorf("open history database: %w", err)
	}
	return history.NewStore(db), func() { _ = db.Close() }, nil
}

func runRunsList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	branch := fs.String("branch", "", "Only runs on this branch")
	limit := fs.Int("limit", history.DefaultListLimit, "Maximum runs to show")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	ctx := context.Background()
	store, closeDB, err := openHistory(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitFailure
	}
	defer closeDB()

	runs, err := store.List(ctx, history.ListOptions{Branch: *branch, Limit: *limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
		return exitFailure
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode runs: %v\n", err)
			return exitFailure
		}
		return exitOK
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return exitOK
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tBRANCH\tSTATUS\tJOBS\tFINISHED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.RunID, r.Branch, r.Status, r.Jobs, r.FinishedAt.Local().Format(time.DateTime))
	}
	if err := tw.Flush(); err != nil {
		return exitFailure
	}
	return exitOK
}

// loadRun parses "<run_id> [flags]" and fetches the run.
func loadRun(name string, args []string) (*report.Report, bool, int) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")

	// accept the run id before or after flags
	var runID string
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		runID, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return nil, false, exitFailure
	}
	if runID == "" && fs.NArg() == 1 {
		runID = fs.Arg(0)
	}
	if runID == "" {
		fmt.Fprintf(os.Stderr, "Usage: gantry runs %s <run_id> [--config PATH] [--json]\n", name)
		return nil, false, exitFailure
	}

	ctx := context.Background()
	store, closeDB, err := openHistory(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return nil, false, exitFailure
	}
	defer closeDB()

	rep, err := store.Get(ctx, runID)
	if errors.Is(err, history.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Run not found: %s\n", runID)
		return nil, false, exitFailure
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load run: %v\n", err)
		return nil, false, exitFailure
	}
	return rep, *jsonOut, exitOK
}

func runRunsShow(args []string) int {
	rep, jsonOut, code := loadRun("show", args)
	if code != exitOK {
		return code
	}

	var err error
	if jsonOut {
		err = report.WriteJSON(os.Stdout, rep)
	} else {
		err = report.WriteText(os.Stdout, rep)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write report: %v\n", err)
		return exitFailure
	}
	return exitOK
}

func runRunsInspect(args []string) int {
	rep, jsonOut, code := loadRun("inspect", args)
	if code != exitOK {
		return code
	}

	inspected, err := inspect.Build(rep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to inspect run: %v\n", err)
		return exitFailure
	}

	if jsonOut {
		out, err := inspected.JSON()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render inspection: %v\n", err)
			return exitFailure
		}
		fmt.Println(out)
	} else {
		fmt.Print(inspected.Text())
	}

	if inspected.Tampered() {
		return exitFailure
	}
	return exitOK
}

func runWorkspacePrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	olderThan := fs.Duration("older-than", 0, "Workspace age to prune (default: service.workspace_retention)")
	historyOlderThan := fs.Duration("history-older-than", 0, "Run age to prune (default: service.history_retention)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfigError
	}
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel)

	wsAge, histAge := retention(cfg.Service, *olderThan, *historyOlderThan)
	if wsAge <= 0 && histAge <= 0 {
		fmt.Fprintln(os.Stderr, "Nothing to prune: retention is disabled and no --older-than given")
		return exitFailure
	}

	ctx := context.Background()
	s, err := openStack(ctx, cfg, log.WithComponent("main"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitFailure
	}
	defer s.Close()

	rep, err := s.prune(ctx, wsAge, histAge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitFailure
	}
	fmt.Printf("Pruned %d workspace(s) and %d run(s)\n", rep.Workspaces, rep.Runs)
	return exitOK
}

// retention picks flag overrides over the configured retention periods.
func retention(svc config.ServiceConfig, workspaceFlag, historyFlag time.Duration) (time.Duration, time.Duration) {
	wsAge := svc.WorkspaceRetention
	if workspaceFlag > 0 {
		wsAge = workspaceFlag
	}
	histAge := svc.HistoryRetention
	if historyFlag > 0 {
		histAge = historyFlag
	}
	return wsAge, histAge
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "API URL")
	apiKey := fs.String("api-key", os.Getenv("GANTRY_API_KEY"), "API Bearer Token")
	runID := fs.String("run", "", "Exit when this run finishes")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or GANTRY_API_KEY env var.")
		return exitFailure
	}

	var opts []tui.Option
	if *runID != "" {
		opts = append(opts, tui.FollowRun(*runID))
	}

	p := tea.NewProgram(tui.NewRemote(*apiURL, *apiKey, opts...))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return exitFailure
	}
	return exitOK
}
