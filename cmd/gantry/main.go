package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Process exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfigError = 2
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitFailure
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "run":
		if hasHelpFlag(args) {
			printRunHelp()
			return exitOK
		}
		return runRun(args)
	case "jobs":
		if hasHelpFlag(args) {
			printJobsHelp()
			return exitOK
		}
		return runJobs(args)
	case "validate":
		if hasHelpFlag(args) {
			printValidateHelp()
			return exitOK
		}
		return runValidate(args)
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return exitOK
		}
		return runServe(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return exitOK
		}
		return runWatch(args)

	// --- NOUNS ---
	case "runs":
		return runRunsNoun(args)
	case "workspace":
		return runWorkspaceNoun(args)
	case "config":
		return runConfigNoun(args)

	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return exitFailure
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: gantry version [--json]")
		return exitFailure
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return exitFailure
		}
		fmt.Println(string(data))
		return exitOK
	}

	fmt.Printf("gantry %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return exitOK
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`gantry - matrix CI job orchestrator

Usage:
  gantry <command> [flags]
  gantry <noun> <action> [flags]

Pipeline Commands:
  run               Expand the matrix and run every job
  jobs              Print the expanded job list
  validate          Check the pipeline configuration

Service Commands:
  serve             Run the HTTP API and push webhooks
  watch             Follow runs of a serving gantry in a TUI

Runs Commands:
  runs list         Show recent runs
  runs show <id>    Show one run report

Workspace Commands:
  workspace prune   Remove old workspaces, runs and logs

Config Commands:
  config lock       Authorize current state (update integrity hashes)
  config check      Validate syntax, policy, and integrity

General:
  version           Show version information
  help              Show this help message

Exit codes: 0 success, 1 failure, 2 configuration error.
Use 'gantry <command> --help' for command flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// hasHelpFlag reports a help request in action args: -h or --help anywhere,
// or a bare "help" in place of the first argument.
func hasHelpFlag(args []string) bool {
	if len(args) > 0 && isHelpToken(args[0]) {
		return true
	}
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printRunHelp() {
	fmt.Println("Usage: gantry run [--config PATH] [--branch NAME] [--parallel N] [--fail-fast] [--json | --tui]")
	fmt.Println("Expand the build matrix, run every job, deploy where the branch matches and print the report.")
}

func printJobsHelp() {
	fmt.Println("Usage: gantry jobs [--config PATH] [--json]")
	fmt.Println("Print the jobs the matrix expands to, in run order.")
}

func printValidateHelp() {
	fmt.Println("Usage: gantry validate [--config PATH]")
	fmt.Println("Load the configuration and check the pipeline without running anything.")
}

func printServeHelp() {
	fmt.Println("Usage: gantry serve [--config PATH]")
	fmt.Println("Serve the HTTP API, push webhooks and schedules. Runs are started by POST /runs, a signed push or a due schedule.")
}

func printWatchHelp() {
	fmt.Println("Usage: gantry watch [--api-url URL] [--api-key KEY] [--run ID]")
	fmt.Println()
	fmt.Println("Live TUI over the event stream of a serving gantry.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY    API Bearer Token (or GANTRY_API_KEY env var)")
	fmt.Println("  --run ID         Exit when this run finishes")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate jobs")
}
