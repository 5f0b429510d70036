package guard

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
)

// Options configure kernel evaluation policy.
type Options struct {
	// FailFast stops evaluation at the first Fail; later guards record Skip.
	FailFast bool
	// Parallel dispatches non-barrier guards to a bounded worker pool when
	// FailFast is off. Verdict order is reassembled to registration order
	// before returning, so the policy is invisible in the output.
	Parallel bool
	// Workers bounds the pool; 0 means GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
}

// Kernel holds the ordered guard registry and evaluates it against a run.
// Built-ins and custom guards share the one execution path.
type Kernel struct {
	guards []Guard
	opts   Options
	logger *slog.Logger
}

// NewKernel creates an empty kernel with the given policy.
func NewKernel(opts Options) *Kernel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{
		opts:   opts,
		logger: logger.With("component", "guard"),
	}
}

// Register appends a guard to the ordered registry.
func (k *Kernel) Register(g Guard) {
	k.guards = append(k.guards, g)
}

// Guards returns the registered guard ids in evaluation order.
func (k *Kernel) Guards() []string {
	ids := make([]string, len(k.guards))
	for i, g := range k.guards {
		ids[i] = g.ID
	}
	return ids
}

// Evaluate runs every registered guard in declared order and returns one
// verdict per guard plus the overall status.
//
// The returned error is non-nil only for infrastructure failures (a guard
// returned Fatal); a Fail verdict is not an error. The caller inspects the
// overall status and decides, from its own fail-fast/force policy, whether
// the pipeline continues.
func (k *Kernel) Evaluate(ctx context.Context, run *Run) ([]Verdict, Status, error) {
	if k.opts.FailFast || !k.opts.Parallel {
		return k.evaluateSequential(ctx, run)
	}
	return k.evaluateParallel(ctx, run)
}

func (k *Kernel) evaluateSequential(ctx context.Context, run *Run) ([]Verdict, Status, error) {
	verdicts := make([]Verdict, 0, len(k.guards))
	overall := StatusPass
	failed := false

	for _, g := range k.guards {
		if failed && k.opts.FailFast {
			verdicts = append(verdicts, Verdict{
				GuardID:     g.ID,
				Status:      StatusSkip,
				Diagnostic:  "skipped: earlier guard failed with fail_fast enabled",
				Remediation: g.Remediation,
			})
			continue
		}

		v, err := k.runOne(ctx, g, run)
		if err != nil {
			return nil, StatusFail, err
		}
		verdicts = append(verdicts, v)
		if v.Status == StatusFail {
			failed = true
			overall = StatusFail
		}
	}

	return verdicts, overall, nil
}

// evaluateParallel preserves declared verdict order while letting independent
// guards overlap in time. Guards before and including the last barrier run
// sequentially; a failing barrier guard stops parallel dispatch outright,
// since the work those guards would trigger (extraction, rendering) is
// exactly what the barrier protects.
func (k *Kernel) evaluateParallel(ctx context.Context, run *Run) ([]Verdict, Status, error) {
	barrierEnd := 0
	for i, g := range k.guards {
		if g.Barrier {
			barrierEnd = i + 1
		}
	}

	verdicts := make([]Verdict, len(k.guards))
	overall := StatusPass

	for i := 0; i < barrierEnd; i++ {
		v, err := k.runOne(ctx, k.guards[i], run)
		if err != nil {
			return nil, StatusFail, err
		}
		verdicts[i] = v
		if v.Status == StatusFail {
			overall = StatusFail
		}
	}

	if overall == StatusFail {
		// Fall back to sequential for the remainder; no concurrent
		// extraction or rendering may begin past a failed barrier.
		for i := barrierEnd; i < len(k.guards); i++ {
			v, err := k.runOne(ctx, k.guards[i], run)
			if err != nil {
				return nil, StatusFail, err
			}
			verdicts[i] = v
		}
		return verdicts, StatusFail, nil
	}

	workers := k.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, workers)
		mu       sync.Mutex
		fatalErr error
	)

	for i := barrierEnd; i < len(k.guards); i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			v, err := k.runOne(ctx, k.guards[idx], run)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if fatalErr == nil {
					fatalErr = err
				}
				return
			}
			verdicts[idx] = v
		}(i)
	}
	wg.Wait()

	if fatalErr != nil {
		return nil, StatusFail, fatalErr
	}

	for _, v := range verdicts {
		if v.Status == StatusFail {
			overall = StatusFail
			break
		}
	}
	return verdicts, overall, nil
}

// runOne executes a single guard, translating its error into a verdict.
func (k *Kernel) runOne(ctx context.Context, g Guard, run *Run) (Verdict, error) {
	err := g.Check(ctx, run)
	if err == nil {
		k.logger.Debug("guard passed", "guard", g.ID)
		return Verdict{GuardID: g.ID, Status: StatusPass}, nil
	}

	var fatal *FatalError
	if errors.As(err, &fatal) {
		k.logger.Error("guard aborted run", "guard", g.ID, "error", fatal.Err)
		return Verdict{}, fatal
	}

	k.logger.Warn("guard failed", "guard", g.ID, "diagnostic", err.Error())
	return Verdict{
		GuardID:     g.ID,
		Status:      StatusFail,
		Diagnostic:  err.Error(),
		Remediation: g.Remediation,
	}, nil
}
