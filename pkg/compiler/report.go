package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ontoforge/ontoforge/pkg/receipt"
	"github.com/ontoforge/ontoforge/pkg/workspace"
)

// writeReport renders the human-readable run report referenced from the
// receipt's artifacts block.
func writeReport(path string, runCtx workspace.Context, r *receipt.Receipt) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Generation report %s\n\n", runCtx.RunID)
	fmt.Fprintf(&b, "- mode: %s\n", r.Mode)
	fmt.Fprintf(&b, "- timestamp: %s\n", r.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(&b, "- compiler: %s\n", r.CompilerVersion)
	fmt.Fprintf(&b, "- workspace: %s\n", r.Workspace.Root)
	fmt.Fprintf(&b, "- fingerprint: %s\n", r.Workspace.Fingerprint)
	if r.OutputsRoot != "" {
		fmt.Fprintf(&b, "- outputs root: %s\n", r.OutputsRoot)
	}

	b.WriteString("\n## Guards\n\n")
	b.WriteString("| guard | verdict | diagnostic |\n|---|---|---|\n")
	for _, g := range r.Guards {
		diag := g.Diagnostic
		if diag == "" {
			diag = "-"
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", g.Name, g.Verdict, strings.ReplaceAll(diag, "|", "\\|"))
	}

	b.WriteString("\n## Outputs\n\n")
	if len(r.Outputs) == 0 {
		b.WriteString("none\n")
	} else {
		b.WriteString("| path | status | size | hash |\n|---|---|---|---|\n")
		for _, o := range r.Outputs {
			hash := o.Hash
			if hash == "" {
				hash = "-"
			} else if len(hash) > 12 {
				hash = hash[:12]
			}
			fmt.Fprintf(&b, "| %s | %s | %d | %s |\n", o.Path, o.Status, o.Size, hash)
		}
	}

	fmt.Fprintf(&b, "\n## Performance\n\n")
	fmt.Fprintf(&b, "- total: %d ms\n", r.Performance.TotalDurationMS)
	fmt.Fprintf(&b, "- cache hit rate: %.2f\n", r.Performance.CacheHitRate)
	stages := make([]string, 0, len(r.Performance.Stages))
	for stage := range r.Performance.Stages {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		fmt.Fprintf(&b, "- stage %s: %d ms\n", stage, r.Performance.Stages[stage])
	}

	return writeArtifact(path, b.String())
}

// writeDiff records what this run changed on disk relative to the previous
// state: written, skipped (unchanged), or planned (nothing touched).
func writeDiff(path string, r *receipt.Receipt) error {
	var b strings.Builder
	for _, o := range r.Outputs {
		switch o.Status {
		case receipt.OutputWritten:
			fmt.Fprintf(&b, "W %s (%d bytes)\n", o.Path, o.Size)
		case receipt.OutputSkipped:
			fmt.Fprintf(&b, "= %s (unchanged)\n", o.Path)
		case receipt.OutputPlanned:
			fmt.Fprintf(&b, "P %s (%d bytes, not written)\n", o.Path, o.Size)
		}
	}
	if b.Len() == 0 {
		b.WriteString("no outputs\n")
	}
	return writeArtifact(path, b.String())
}

func writeArtifact(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", path, err)
	}
	return nil
}
