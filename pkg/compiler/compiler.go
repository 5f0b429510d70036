// Package compiler orchestrates a generation run: discover inputs, evaluate
// the guard kernel, render, write, update the artifact tracker, and emit the
// receipt. The orchestrator is the only place that decides, from the
// aggregated verdicts and the fail-fast/force policy, whether a run proceeds.
package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ontoforge/ontoforge/pkg/config"
	"github.com/ontoforge/ontoforge/pkg/crypto"
	"github.com/ontoforge/ontoforge/pkg/guard"
	"github.com/ontoforge/ontoforge/pkg/observability"
	"github.com/ontoforge/ontoforge/pkg/receipt"
	"github.com/ontoforge/ontoforge/pkg/store"
	"github.com/ontoforge/ontoforge/pkg/tracker"
	"github.com/ontoforge/ontoforge/pkg/workspace"
)

// Version is stamped into every receipt as compiler_version.
const Version = "0.3.0"

// Options select the invocation mode.
type Options struct {
	// Preview renders everything in memory and writes no outputs. The
	// receipt is still emitted.
	Preview bool
	// Force lets the pipeline continue past failing guards. Guards still
	// fully evaluate and every verdict lands in the receipt.
	Force bool
	// Validate stops after guard evaluation. Whether extraction queries
	// still execute is a manifest setting (validate_executes_queries).
	Validate bool
	// Parallel dispatches non-barrier guards concurrently when fail_fast is
	// off.
	Parallel bool

	Signer    crypto.Signer
	Logger    *slog.Logger
	Telemetry *observability.Provider
}

// Summary is the structured result of one invocation. Every run produces one,
// guard failure included.
type Summary struct {
	RunID       string           `json:"run_id"`
	Mode        string           `json:"mode"`
	Fingerprint string           `json:"fingerprint"`
	Verdicts    []guard.Verdict  `json:"verdicts"`
	Outputs     []receipt.Output `json:"outputs"`
	ReceiptID   string           `json:"receipt_id"`
	ReceiptPath string           `json:"receipt_path"`
	ReportPath  string           `json:"report_path"`
	DiffPath    string           `json:"diff_path"`
	DurationMS  int64            `json:"duration_ms"`
	CacheHits   int              `json:"cache_hits"`
}

// Compiler runs the pipeline for one workspace.
type Compiler struct {
	manifest  *config.Manifest
	opts      Options
	logger    *slog.Logger
	telemetry *observability.Provider
	clock     func() time.Time
	newRunID  func() string
}

// New creates a compiler for the loaded manifest.
func New(m *config.Manifest, opts Options) *Compiler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry, _ = observability.New(context.Background(), nil)
	}
	return &Compiler{
		manifest:  m,
		opts:      opts,
		logger:    logger.With("component", "compiler"),
		telemetry: telemetry,
		clock:     time.Now,
		newRunID:  uuid.NewString,
	}
}

// WithClock replaces the timestamp source. Test hook.
func (c *Compiler) WithClock(clock func() time.Time) *Compiler {
	c.clock = clock
	return c
}

// WithRunID fixes the run id source. Test hook.
func (c *Compiler) WithRunID(f func() string) *Compiler {
	c.newRunID = f
	return c
}

// Run executes the pipeline. On guard failure without force the returned
// error is a *guard.FailureError and the summary still carries the full
// verdict list and receipt path; infrastructure failures return ordinary
// errors with no summary.
func (c *Compiler) Run(ctx context.Context) (*Summary, error) {
	start := c.clock()
	stages := map[string]int64{}
	c.telemetry.RecordRun(ctx)

	runCtx := workspace.Context{
		Manifest: c.manifest,
		RunID:    c.newRunID(),
		Preview:  c.opts.Preview,
		Force:    c.opts.Force,
		Validate: c.opts.Validate,
	}

	// Discover.
	discoverCtx, discoverDone := c.telemetry.StartStage(ctx, "discover")
	discoverBegin := c.clock()
	snap, err := workspace.Discover(c.manifest)
	stages["discover"] = c.clock().Sub(discoverBegin).Milliseconds()
	discoverDone(err)
	if err != nil {
		c.telemetry.RecordError(discoverCtx, err)
		return nil, err
	}
	runCtx.Snapshot = snap
	c.logger.Info("workspace discovered",
		"run_id", runCtx.RunID,
		"fingerprint", snap.Fingerprint[:12],
		"ontologies", len(snap.Ontologies))

	collab := newCollaborators(c.manifest, snap)
	planned := c.plannedOutputs()

	// Guard evaluation.
	guardCtx, guardDone := c.telemetry.StartStage(ctx, "guards")
	guardBegin := c.clock()
	kernel, err := c.buildKernel(collab)
	if err != nil {
		guardDone(err)
		c.telemetry.RecordError(ctx, err)
		return nil, err
	}
	verdicts, overall, err := kernel.Evaluate(guardCtx, &guard.Run{
		Root:           snap.Root,
		Inputs:         snap.Inputs(),
		Fingerprint:    snap.Fingerprint,
		PlannedOutputs: planned,
		MaxOutputFiles: c.manifest.Guards.MaxOutputFiles,
		MaxOutputBytes: c.manifest.Guards.MaxOutputBytes,
	})
	stages["guards"] = c.clock().Sub(guardBegin).Milliseconds()
	guardDone(err)
	if err != nil {
		c.telemetry.RecordError(ctx, err)
		return nil, err
	}
	guardsPassed := overall != guard.StatusFail
	proceed := guardsPassed || c.opts.Force
	if !guardsPassed {
		c.logger.Warn("guard evaluation failed",
			"run_id", runCtx.RunID, "force", c.opts.Force)
	}

	// Write stage. Preview and validate modes never touch the output tree;
	// a guard failure without force blocks it too.
	var (
		outputs   []receipt.Output
		cacheHits int
	)
	apply := proceed && !c.opts.Preview && !c.opts.Validate
	if apply {
		if renderErr := collab.ensureRendered(ctx); renderErr != nil {
			// Only reachable under force: a passing guard set implies
			// rendering succeeded. The verdicts already carry the diagnostic,
			// so describe the planned outputs and still emit the receipt.
			c.logger.Warn("rendering unavailable, nothing written",
				"run_id", runCtx.RunID, "error", renderErr)
			apply = false
		}
	}
	if apply {
		outputs, cacheHits, err = c.timedWrite(ctx, stages, collab)
		if err != nil {
			c.telemetry.RecordError(ctx, err)
			return nil, err
		}
	} else {
		outputs = c.describePlanned(collab, planned)
	}

	// Receipt and companion artifacts.
	summary, err := c.emitReceipt(ctx, runCtx, stages, start, verdicts, outputs, cacheHits)
	if err != nil {
		c.telemetry.RecordError(ctx, err)
		return nil, err
	}

	if !guardsPassed && !c.opts.Force {
		return summary, &guard.FailureError{Verdicts: verdicts}
	}
	return summary, nil
}

func (c *Compiler) plannedOutputs() []guard.PlannedOutput {
	planned := make([]guard.PlannedOutput, len(c.manifest.Rules))
	for i, r := range c.manifest.Rules {
		planned[i] = guard.PlannedOutput{Rule: r.Name, Path: r.Output, Language: r.Language}
	}
	return planned
}

// buildKernel registers the built-in guards in their fixed order, then the
// manifest's custom guards. In validate mode with query execution disabled
// the registry stops at G4: nothing downstream of extraction runs at all.
func (c *Compiler) buildKernel(collab *collaborators) (*guard.Kernel, error) {
	kernel := guard.NewKernel(guard.Options{
		FailFast: c.manifest.Guards.FailFast,
		Parallel: c.opts.Parallel,
		Logger:   c.logger,
	})

	kernel.Register(guard.PathSafety())
	kernel.Register(guard.OutputOverlap())
	kernel.Register(guard.TemplateCompile(collab.ensureTemplates))
	kernel.Register(guard.GraphParse(collab.ensureGraph))

	executionGuards := !c.opts.Validate || c.manifest.ValidateExecutesQueries()
	if executionGuards {
		kernel.Register(guard.QueryExecution(collab.ensureQueries))
		kernel.Register(guard.Determinism(collab.determinism))
		kernel.Register(guard.Bounds(collab.renderedSize))
	}

	for _, cg := range c.manifest.Guards.Custom {
		g, err := guard.CustomGuard(cg.ID, cg.Expr, cg.Remediation)
		if err != nil {
			return nil, err
		}
		kernel.Register(g)
	}
	return kernel, nil
}

// timedWrite runs the sequential write stage: render results already sit in
// memory, staleness decides skip-vs-write, and every write is atomic.
func (c *Compiler) timedWrite(ctx context.Context, stages map[string]int64, collab *collaborators) ([]receipt.Output, int, error) {
	ctx, done := c.telemetry.StartStage(ctx, "write")
	begin := c.clock()
	outputs, hits, err := c.writeOutputs(ctx, collab)
	stages["write"] = c.clock().Sub(begin).Milliseconds()
	done(err)
	return outputs, hits, err
}

func (c *Compiler) writeOutputs(ctx context.Context, collab *collaborators) ([]receipt.Output, int, error) {
	if err := collab.ensureRendered(ctx); err != nil {
		// Force mode can reach here with rendering broken; that is an
		// infrastructure stop, not a verdict.
		return nil, 0, fmt.Errorf("cannot write outputs: %w", err)
	}

	ontologyHash, err := collab.ontologyHash()
	if err != nil {
		return nil, 0, err
	}

	root := c.manifest.Root()
	tr := tracker.Load(root, c.manifest.StateFile)
	release := c.telemetry.TrackOutputs(ctx, int64(len(c.manifest.Rules)))
	defer release()

	outputs := make([]receipt.Output, 0, len(c.manifest.Rules))
	cacheHits := 0

	for _, rule := range c.manifest.Rules {
		out := collab.rendered[rule.Name]
		templateHash := collab.templateHash(rule)

		if !tr.IsStale(rule.Output, ontologyHash, templateHash) {
			cacheHits++
			outputs = append(outputs, receipt.Output{
				Path:     rule.Output,
				Hash:     out.Hash,
				Size:     out.Size,
				Status:   receipt.OutputSkipped,
				Language: rule.Language,
			})
			c.logger.Debug("output unchanged, skipped", "rule", rule.Name, "path", rule.Output)
			continue
		}

		if err := atomicWrite(filepath.Join(root, rule.Output), out.Content); err != nil {
			return nil, 0, fmt.Errorf("write %s: %w", rule.Output, err)
		}
		if err := tr.RecordArtifact(rule.Output, ontologyHash, templateHash, collab.dependencies(rule)); err != nil {
			return nil, 0, err
		}
		outputs = append(outputs, receipt.Output{
			Path:     rule.Output,
			Hash:     out.Hash,
			Size:     out.Size,
			Status:   receipt.OutputWritten,
			Language: rule.Language,
		})
		c.logger.Info("output written", "rule", rule.Name, "path", rule.Output, "bytes", out.Size)
	}

	// Rules removed from the manifest leave their records behind; drop them
	// so cleanup can report the stranded files as orphans.
	current := make(map[string]struct{}, len(c.manifest.Rules))
	for _, rule := range c.manifest.Rules {
		current[filepath.ToSlash(filepath.Clean(rule.Output))] = struct{}{}
	}
	for _, p := range tr.Paths() {
		if _, ok := current[p]; !ok {
			tr.Forget(p)
			c.logger.Info("rule removed, untracking artifact", "path", p)
		}
	}

	if err := tr.Save(); err != nil {
		return nil, 0, err
	}
	return outputs, cacheHits, nil
}

// describePlanned builds the receipt's output list for runs that write
// nothing. Hashes are included when rendering happened in memory.
func (c *Compiler) describePlanned(collab *collaborators, planned []guard.PlannedOutput) []receipt.Output {
	ready := collab.renderedReady()
	outputs := make([]receipt.Output, len(planned))
	for i, p := range planned {
		o := receipt.Output{Path: p.Path, Status: receipt.OutputPlanned, Language: p.Language}
		if ready {
			if r, ok := collab.rendered[p.Rule]; ok {
				o.Hash = r.Hash
				o.Size = r.Size
			}
		}
		outputs[i] = o
	}
	return outputs
}

func (c *Compiler) emitReceipt(ctx context.Context, runCtx workspace.Context, stages map[string]int64, start time.Time, verdicts []guard.Verdict, outputs []receipt.Output, cacheHits int) (*Summary, error) {
	ctx, done := c.telemetry.StartStage(ctx, "receipt")
	begin := c.clock()
	summary, err := c.buildReceipt(ctx, runCtx, stages, start, begin, verdicts, outputs, cacheHits)
	done(err)
	return summary, err
}

func (c *Compiler) buildReceipt(ctx context.Context, runCtx workspace.Context, stages map[string]int64, start, receiptBegin time.Time, verdicts []guard.Verdict, outputs []receipt.Output, cacheHits int) (*Summary, error) {
	snap := runCtx.Snapshot
	root := c.manifest.Root()
	receiptDir := c.manifest.ReceiptDir

	mode := receipt.ModeApply
	if c.opts.Preview || c.opts.Validate {
		mode = receipt.ModePreview
	}

	cacheHitRate := 0.0
	if mode == receipt.ModeApply && len(outputs) > 0 {
		cacheHitRate = float64(cacheHits) / float64(len(outputs))
	}

	reportRel := filepath.ToSlash(filepath.Join(receiptDir, runCtx.RunID+".report.md"))
	diffRel := filepath.ToSlash(filepath.Join(receiptDir, runCtx.RunID+".diff.txt"))

	stages["receipt"] = c.clock().Sub(receiptBegin).Milliseconds()
	perf := receipt.Performance{
		TotalDurationMS: c.clock().Sub(start).Milliseconds(),
		CacheHitRate:    cacheHitRate,
		Stages:          stages,
	}

	gen := receipt.NewGenerator(Version).WithClock(c.clock)
	if c.opts.Signer != nil {
		gen = gen.WithSigner(c.opts.Signer)
	}
	r, err := gen.Generate(receipt.Params{
		Mode:        mode,
		Root:        snap.Root,
		Fingerprint: snap.Fingerprint,
		Inputs: receipt.Inputs{
			Config:     toFileRef(snap.Config),
			Ontologies: toFileRefs(snap.Ontologies),
			Queries:    toFileRefs(snap.Queries),
			Templates:  toFileRefs(snap.Templates),
		},
		Guards:      receipt.GuardEntries(verdicts),
		Outputs:     outputs,
		Performance: perf,
		Artifacts:   receipt.Artifacts{Report: reportRel, Diff: diffRel},
	})
	if err != nil {
		return nil, err
	}

	if err := writeReport(filepath.Join(root, filepath.FromSlash(reportRel)), runCtx, r); err != nil {
		return nil, err
	}
	if err := writeDiff(filepath.Join(root, filepath.FromSlash(diffRel)), r); err != nil {
		return nil, err
	}

	receiptPath := filepath.Join(root, filepath.FromSlash(receiptDir), runCtx.RunID+".json")
	if err := receipt.Write(r, receiptPath); err != nil {
		return nil, err
	}
	c.indexReceipt(ctx, r, receiptPath)

	return &Summary{
		RunID:       runCtx.RunID,
		Mode:        mode,
		Fingerprint: snap.Fingerprint,
		Verdicts:    verdicts,
		Outputs:     outputs,
		ReceiptID:   r.ReceiptID,
		ReceiptPath: receiptPath,
		ReportPath:  filepath.Join(root, filepath.FromSlash(reportRel)),
		DiffPath:    filepath.Join(root, filepath.FromSlash(diffRel)),
		DurationMS:  perf.TotalDurationMS,
		CacheHits:   cacheHits,
	}, nil
}

// indexReceipt records the run in the local SQLite catalog. Index trouble
// never fails the run; the JSON receipt is the source of truth.
func (c *Compiler) indexReceipt(ctx context.Context, r *receipt.Receipt, receiptPath string) {
	dbPath := filepath.Join(c.manifest.Root(), filepath.FromSlash(c.manifest.ReceiptDir), "index.db")
	idx, err := store.Open(dbPath)
	if err != nil {
		c.logger.Warn("receipt index unavailable", "error", err)
		return
	}
	defer idx.Close()

	guardsPass := true
	for _, g := range r.Guards {
		if g.Verdict != "Pass" {
			guardsPass = false
		}
	}
	err = idx.Store(ctx, store.IndexEntry{
		ReceiptID:   r.ReceiptID,
		Path:        receiptPath,
		Mode:        r.Mode,
		Fingerprint: r.Workspace.Fingerprint,
		OutputsRoot: r.OutputsRoot,
		OutputCount: len(r.Outputs),
		GuardsPass:  guardsPass,
		Timestamp:   r.Timestamp,
	})
	if err != nil {
		c.logger.Warn("receipt indexing failed", "error", err)
	}
}

func toFileRef(d workspace.InputDescriptor) receipt.FileRef {
	return receipt.FileRef{Path: d.Path, Hash: d.Hash, Size: d.Size}
}

func toFileRefs(ds []workspace.InputDescriptor) []receipt.FileRef {
	out := make([]receipt.FileRef, len(ds))
	for i, d := range ds {
		out[i] = toFileRef(d)
	}
	return out
}

// atomicWrite writes content to a temp file in the target directory and
// renames it into place.
func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ontoforge-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
