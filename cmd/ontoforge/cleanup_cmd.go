package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/ontoforge/ontoforge/pkg/config"
	"github.com/ontoforge/ontoforge/pkg/tracker"
)

// runCleanupCmd implements `ontoforge cleanup`: list or delete files under
// the generated root that no tracker record claims.
//
// Exit codes:
//
//	0 = success (orphans listed or removed)
//	2 = runtime error
func runCleanupCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		workspaceRoot string
		apply         bool
	)

	cmd.StringVar(&workspaceRoot, "workspace", ".", "Workspace root containing ontoforge.yaml")
	cmd.BoolVar(&apply, "apply", false, "Delete orphans instead of listing them")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	m, err := config.LoadFromRoot(workspaceRoot)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	tr := tracker.Load(m.Root(), m.StateFile)
	orphans, err := tr.CleanupOrphaned(m.GeneratedRoot, !apply)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if len(orphans) == 0 {
		_, _ = fmt.Fprintln(stdout, "No orphaned artifacts")
		return 0
	}
	for _, p := range orphans {
		if apply {
			_, _ = fmt.Fprintf(stdout, "removed %s\n", p)
		} else {
			_, _ = fmt.Fprintf(stdout, "orphan  %s\n", p)
		}
	}
	if !apply {
		_, _ = fmt.Fprintln(stdout, "Re-run with --apply to delete")
	}
	return 0
}
