package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	configureLogging(stderr)

	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "generate", "gen":
		return runGenerateCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "cleanup":
		return runCleanupCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, versionString())
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func configureLogging(stderr io.Writer) {
	level := slog.LevelInfo
	if os.Getenv("ONTOFORGE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `ontoforge - proof-first code generation

Usage:
  ontoforge generate [flags]   Run the generation pipeline
  ontoforge verify   [flags]   Audit a generation receipt
  ontoforge cleanup  [flags]   Report or remove orphaned artifacts
  ontoforge version            Print version

Run "ontoforge <command> -h" for command flags.`)
}
