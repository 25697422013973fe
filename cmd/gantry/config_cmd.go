package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/gantry/internal/config"
	"github.com/mattjoyce/gantry/internal/doctor"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return exitFailure
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return exitOK
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return exitOK
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return exitOK
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return exitFailure
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: gantry config <lock|check> [flags]")
}

func printConfigLockHelp() {
	fmt.Println("Usage: gantry config lock [--config PATH] [-v|--verbose]")
	fmt.Println("Authorize the current configuration by writing BLAKE3 hashes to .checksums.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: gantry config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, pipeline, policy, and integrity.")
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}

	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return exitFailure
		}
		configPath = discovered
	}

	rep, err := config.Lock(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return exitFailure
	}

	if verbose || verboseShort {
		for _, f := range rep.Files {
			fmt.Printf("  HASH %s %s\n", f.Hash, f.Name)
		}
	}
	fmt.Printf("Wrote %s (%d file(s))\n", rep.ChecksumPath, len(rep.Files))
	return exitOK
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return exitFailure
	}
	if jsonOut {
		format = "json"
	}

	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return exitConfigError
		}
		configPath = discovered
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return exitConfigError
	}

	result := doctor.New(cfg).Validate()

	integrity, err := config.Check(cfg.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Integrity check error: %v\n", err)
		return exitFailure
	}
	for _, w := range integrity.Warnings {
		result.Warnings = append(result.Warnings, doctor.Issue{Category: "integrity", Message: w})
	}

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return exitFailure
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return exitConfigError
	}
	if strict && len(result.Warnings) > 0 {
		return exitFailure
	}
	return exitOK
}
