package guard

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Built-in guard ids, in evaluation order.
const (
	GuardPathSafety      = "G1-path-safety"
	GuardOutputOverlap   = "G2-output-overlap"
	GuardTemplateCompile = "G3-template-compile"
	GuardGraphParse      = "G4-graph-parse"
	GuardQueryExecution  = "G5-query-execution"
	GuardDeterminism     = "G6-determinism"
	GuardBounds          = "G7-bounds"
)

// PathSafety (G1) rejects planned output paths that are absolute, contain a
// parent-directory segment, or lexically resolve outside the workspace root.
// Purely lexical: it never touches the filesystem.
func PathSafety() Guard {
	return Guard{
		ID:      GuardPathSafety,
		Barrier: true,
		Check: func(_ context.Context, run *Run) error {
			var bad []string
			for _, out := range run.PlannedOutputs {
				if reason := unsafePath(run.Root, out.Path); reason != "" {
					bad = append(bad, fmt.Sprintf("%s (%s, rule %s)", out.Path, reason, out.Rule))
				}
			}
			if len(bad) > 0 {
				return fmt.Errorf("unsafe output paths: %s", strings.Join(bad, "; "))
			}
			return nil
		},
		Remediation: "use workspace-relative output paths without '..' segments",
	}
}

func unsafePath(root, path string) string {
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return "absolute path"
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return "parent-directory segment"
		}
	}
	resolved := filepath.Clean(filepath.Join(root, path))
	cleanRoot := filepath.Clean(root)
	if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+string(filepath.Separator)) {
		return "resolves outside workspace root"
	}
	return ""
}

// OutputOverlap (G2) fails when two or more rules target the same normalized
// output path. It must pass before any concurrent rendering starts, since two
// renderers racing on one path is the exact hazard it exists to prevent.
func OutputOverlap() Guard {
	return Guard{
		ID:      GuardOutputOverlap,
		Barrier: true,
		Check: func(_ context.Context, run *Run) error {
			byPath := make(map[string][]string)
			for _, out := range run.PlannedOutputs {
				normalized := filepath.ToSlash(filepath.Clean(out.Path))
				byPath[normalized] = append(byPath[normalized], out.Rule)
			}

			var conflicts []string
			for path, rules := range byPath {
				if len(rules) > 1 {
					sort.Strings(rules)
					conflicts = append(conflicts, fmt.Sprintf("%s claimed by rules [%s]", path, strings.Join(rules, ", ")))
				}
			}
			if len(conflicts) > 0 {
				sort.Strings(conflicts)
				return fmt.Errorf("output overlap: %s", strings.Join(conflicts, "; "))
			}
			return nil
		},
		Remediation: "give each generation rule a distinct output path",
	}
}

// TemplateCompile (G3) verifies every referenced template parses. The compile
// function is the external renderer's; its error message carries position
// information.
func TemplateCompile(compile func(ctx context.Context) error) Guard {
	return Guard{
		ID:          GuardTemplateCompile,
		Check:       func(ctx context.Context, _ *Run) error { return compile(ctx) },
		Remediation: "fix the template syntax error at the reported line",
	}
}

// GraphParse (G4) verifies every ontology source file parses as valid graph
// syntax, via the external graph loader.
func GraphParse(load func(ctx context.Context) error) Guard {
	return Guard{
		ID:          GuardGraphParse,
		Check:       func(ctx context.Context, _ *Run) error { return load(ctx) },
		Remediation: "fix the ontology syntax error in the reported file",
	}
}

// QueryExecution (G5) verifies every referenced extraction query parses and
// executes against the loaded graph.
func QueryExecution(execute func(ctx context.Context) error) Guard {
	return Guard{
		ID:          GuardQueryExecution,
		Check:       func(ctx context.Context, _ *Run) error { return execute(ctx) },
		Remediation: "fix the failing query or declare the missing predicate",
	}
}

// Determinism (G6) fails when the same inputs produce different output
// content across renders. The check function typically performs a
// double-render diff.
func Determinism(check func(ctx context.Context) error) Guard {
	return Guard{
		ID:          GuardDeterminism,
		Check:       func(ctx context.Context, _ *Run) error { return check(ctx) },
		Remediation: "remove time, randomness, or unstable iteration from templates and queries",
	}
}

// Bounds (G7) enforces the configured output count and total byte ceilings.
// The size function reports the planned output count and total rendered
// bytes.
func Bounds(size func(ctx context.Context) (files int, bytes int64, err error)) Guard {
	return Guard{
		ID: GuardBounds,
		Check: func(ctx context.Context, run *Run) error {
			files, bytes, err := size(ctx)
			if err != nil {
				return err
			}
			if run.MaxOutputFiles > 0 && files > run.MaxOutputFiles {
				return fmt.Errorf("planned %d output files exceeds max_output_files=%d", files, run.MaxOutputFiles)
			}
			if run.MaxOutputBytes > 0 && bytes > run.MaxOutputBytes {
				return fmt.Errorf("planned %d output bytes exceeds max_output_bytes=%d", bytes, run.MaxOutputBytes)
			}
			return nil
		},
		Remediation: "raise the configured bounds or split the generation rules",
	}
}
