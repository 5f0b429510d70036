// Package receipt builds and persists generation receipts: immutable,
// hash-backed records of a run's inputs, guard verdicts, and outputs. A
// receipt is written once and never mutated; any later difference is evidence
// of tampering.
package receipt

import (
	"fmt"
	"time"

	"github.com/ontoforge/ontoforge/pkg/guard"
)

// SchemaVersion is the receipt document version this release writes and the
// verifier understands.
const SchemaVersion = "1.0.0"

// Mode names how the run treated the filesystem.
const (
	ModePreview = "preview"
	ModeApply   = "apply"
)

// Output status values.
const (
	OutputWritten = "written"
	OutputSkipped = "skipped"
	OutputPlanned = "planned"
)

// FileRef is a content-addressed reference to one input file.
type FileRef struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Workspace identifies the workspace a receipt describes.
type Workspace struct {
	Root        string `json:"root"`
	Fingerprint string `json:"fingerprint"`
}

// Inputs groups the run's discovered inputs by kind.
type Inputs struct {
	Config     FileRef   `json:"config"`
	Ontologies []FileRef `json:"ontologies"`
	Queries    []FileRef `json:"queries"`
	Templates  []FileRef `json:"templates"`
}

// GuardEntry is one recorded guard verdict.
type GuardEntry struct {
	Name        string `json:"name"`
	Verdict     string `json:"verdict"`
	Diagnostic  string `json:"diagnostic,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// Output describes one generated (or planned, or skipped) artifact.
type Output struct {
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	Status   string `json:"status"`
	Language string `json:"language,omitempty"`
}

// Performance carries run timing. Stage durations are in milliseconds, keyed
// by stage name.
type Performance struct {
	TotalDurationMS int64            `json:"total_duration_ms"`
	CacheHitRate    float64          `json:"cache_hit_rate"`
	Stages          map[string]int64 `json:"stages"`
}

// Artifacts points at the human-readable companions written next to the
// receipt.
type Artifacts struct {
	Report string `json:"report,omitempty"`
	Diff   string `json:"diff,omitempty"`
}

// Signature is an optional detached Ed25519 signature over the receipt's
// canonical serialization with this field removed.
type Signature struct {
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// Receipt is the persisted provenance record. ReceiptID is a hash of the
// canonical serialization of every other field except the signature; it never
// feeds back into its own hash input.
type Receipt struct {
	Version         string      `json:"version"`
	Timestamp       time.Time   `json:"timestamp"`
	CompilerVersion string      `json:"compiler_version"`
	Mode            string      `json:"mode"`
	Workspace       Workspace   `json:"workspace"`
	Inputs          Inputs      `json:"inputs"`
	Guards          []GuardEntry `json:"guards"`
	Outputs         []Output    `json:"outputs"`
	OutputsRoot     string      `json:"outputs_root,omitempty"`
	Performance     Performance `json:"performance"`
	Artifacts       Artifacts   `json:"artifacts"`
	ReceiptID       string      `json:"receipt_id"`
	Signature       *Signature  `json:"signature,omitempty"`
}

// AllFiles returns every input reference in stable order: config first, then
// ontologies, queries, templates.
func (in Inputs) AllFiles() []FileRef {
	refs := make([]FileRef, 0, 1+len(in.Ontologies)+len(in.Queries)+len(in.Templates))
	refs = append(refs, in.Config)
	refs = append(refs, in.Ontologies...)
	refs = append(refs, in.Queries...)
	refs = append(refs, in.Templates...)
	return refs
}

// GuardEntries converts kernel verdicts into receipt entries in order.
func GuardEntries(verdicts []guard.Verdict) []GuardEntry {
	entries := make([]GuardEntry, len(verdicts))
	for i, v := range verdicts {
		entries[i] = GuardEntry{
			Name:        v.GuardID,
			Verdict:     string(v.Status),
			Diagnostic:  v.Diagnostic,
			Remediation: v.Remediation,
		}
	}
	return entries
}

// IntegrityError reports a receipt whose stored id does not match the hash of
// its own content.
type IntegrityError struct {
	Path     string
	Stored   string
	Computed string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("receipt %s: stored id %s does not match computed %s", e.Path, e.Stored, e.Computed)
}
