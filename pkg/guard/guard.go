// Package guard implements the safety kernel that decides whether generation
// may proceed. Guards are independent, ordered, named checks over the
// discovered inputs and the planned (not yet written) outputs. A guard never
// writes; failing is data, not an exception.
package guard

import (
	"context"
	"fmt"

	"github.com/ontoforge/ontoforge/pkg/workspace"
)

// Status is the outcome of one guard evaluation.
type Status string

const (
	StatusPass Status = "Pass"
	StatusFail Status = "Fail"
	// StatusSkip is recorded for guards after the first failure when
	// fail-fast is active.
	StatusSkip Status = "Skip"
)

// Verdict is the recorded outcome of evaluating a single guard.
type Verdict struct {
	GuardID     string `json:"guard_id"`
	Status      Status `json:"status"`
	Diagnostic  string `json:"diagnostic,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// PlannedOutput describes an output path a generation rule intends to write.
// It exists before any file does.
type PlannedOutput struct {
	Rule     string `json:"rule"`
	Path     string `json:"path"`
	Language string `json:"language"`
}

// Run is the read-only evaluation subject shared by all guards.
type Run struct {
	Root           string
	Inputs         []workspace.InputDescriptor
	Fingerprint    string
	PlannedOutputs []PlannedOutput
	MaxOutputFiles int
	MaxOutputBytes int64
}

// CheckFunc evaluates one guard against the run. A nil return is a Pass; a
// non-nil return is a Fail whose message becomes the diagnostic. Wrap
// infrastructure failures in Fatal to abort the whole evaluation instead.
type CheckFunc func(ctx context.Context, run *Run) error

// Guard is the capability shape shared by built-in and custom guards: an id,
// a check, and a remediation hint. Guards registered in the kernel evaluate
// in registration order.
type Guard struct {
	ID          string
	Check       CheckFunc
	Remediation string

	// Barrier guards must complete before any guard after them may start
	// when parallel evaluation is enabled. The overlap guard is a barrier:
	// nothing that renders concurrently may begin until it has passed.
	Barrier bool
}

// FatalError marks an infrastructure failure inside a guard (unreadable
// declared input, I/O error). It aborts the run instead of becoming a Fail
// verdict.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("guard infrastructure failure: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as an evaluation-aborting infrastructure failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// FailureError carries the full verdict list when the kernel's overall result
// is Fail. The orchestrator decides from it whether to continue (force) or
// abort; nothing is thrown away.
type FailureError struct {
	Verdicts []Verdict
}

func (e *FailureError) Error() string {
	for _, v := range e.Verdicts {
		if v.Status == StatusFail {
			return fmt.Sprintf("guard %s failed: %s", v.GuardID, v.Diagnostic)
		}
	}
	return "guard evaluation failed"
}

// FailedGuards returns the ids of all failing guards in order.
func (e *FailureError) FailedGuards() []string {
	var ids []string
	for _, v := range e.Verdicts {
		if v.Status == StatusFail {
			ids = append(ids, v.GuardID)
		}
	}
	return ids
}
