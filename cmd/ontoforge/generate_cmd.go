package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/ontoforge/ontoforge/pkg/compiler"
	"github.com/ontoforge/ontoforge/pkg/config"
	"github.com/ontoforge/ontoforge/pkg/crypto"
	"github.com/ontoforge/ontoforge/pkg/guard"
)

func versionString() string {
	return "ontoforge " + compiler.Version
}

// runGenerateCmd implements `ontoforge generate`.
//
// Exit codes:
//
//	0 = run completed (guards passed, or forced past failures)
//	1 = guard failure blocked the run
//	2 = usage or infrastructure error
func runGenerateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("generate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		workspaceRoot string
		apply         bool
		force         bool
		validate      bool
		parallel      bool
		signKey       string
		jsonOutput    bool
	)

	cmd.StringVar(&workspaceRoot, "workspace", ".", "Workspace root containing ontoforge.yaml")
	cmd.BoolVar(&apply, "apply", false, "Write outputs to disk (default is preview)")
	cmd.BoolVar(&force, "force", false, "Continue past failing guards; verdicts are still recorded")
	cmd.BoolVar(&validate, "validate", false, "Stop after guard evaluation")
	cmd.BoolVar(&parallel, "parallel", false, "Evaluate independent guards concurrently")
	cmd.StringVar(&signKey, "sign-key", "", "Path to a hex Ed25519 seed file; signs the receipt")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the run summary as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	m, err := config.LoadFromRoot(workspaceRoot)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	opts := compiler.Options{
		Preview:  !apply,
		Force:    force,
		Validate: validate,
		Parallel: parallel,
	}
	if signKey != "" {
		signer, err := crypto.LoadSignerFromSeedFile(signKey, "receipt")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		opts.Signer = signer
	}

	summary, err := compiler.New(m, opts).Run(context.Background())

	var failure *guard.FailureError
	switch {
	case err == nil:
		// fall through to summary printing
	case errors.As(err, &failure):
		printSummary(stdout, stderr, summary, jsonOutput)
		_, _ = fmt.Fprintf(stderr, "Guard failure: %v\n", failure)
		return 1
	default:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	printSummary(stdout, stderr, summary, jsonOutput)
	return 0
}

func printSummary(stdout, stderr io.Writer, s *compiler.Summary, jsonOutput bool) {
	if s == nil {
		return
	}
	if jsonOutput {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return
		}
		_, _ = fmt.Fprintln(stdout, string(data))
		return
	}

	_, _ = fmt.Fprintf(stdout, "Run %s (%s) in %d ms\n", s.RunID, s.Mode, s.DurationMS)
	for _, v := range s.Verdicts {
		line := fmt.Sprintf("  [%s] %s", v.Status, v.GuardID)
		if v.Diagnostic != "" {
			line += ": " + v.Diagnostic
		}
		_, _ = fmt.Fprintln(stdout, line)
	}
	for _, o := range s.Outputs {
		_, _ = fmt.Fprintf(stdout, "  %s %s (%d bytes)\n", o.Status, o.Path, o.Size)
	}
	_, _ = fmt.Fprintf(stdout, "Receipt: %s\n", s.ReceiptPath)
	_, _ = fmt.Fprintf(stdout, "Report:  %s\n", s.ReportPath)
}
