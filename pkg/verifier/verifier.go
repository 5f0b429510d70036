// Package verifier audits a generation receipt against the current filesystem
// state. It is a standalone consumer: nothing else from the pipeline needs to
// be in memory. Audit failure is data, never a panic: the fixed check sweep
// always completes so co-occurring problems stay visible in one pass.
package verifier

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/ontoforge/ontoforge/pkg/config"
	"github.com/ontoforge/ontoforge/pkg/crypto"
	"github.com/ontoforge/ontoforge/pkg/merkle"
	"github.com/ontoforge/ontoforge/pkg/receipt"
	"github.com/ontoforge/ontoforge/pkg/workspace"
)

// Verdict of one audit check.
type Verdict string

const (
	Pass Verdict = "Pass"
	Fail Verdict = "Fail"
	Skip Verdict = "Skip"
)

// Overall audit results.
const (
	ResultVerified = "VERIFIED"
	ResultFailed   = "FAILED"
)

// Audit check ids, in sweep order.
const (
	CheckSchemaVersion        = "V1-schema-version"
	CheckWorkspaceFingerprint = "V2-workspace-fingerprint"
	CheckInputHashes          = "V3-input-hashes"
	CheckOutputHashes         = "V4-output-hashes"
	CheckGuardIntegrity       = "V5-guard-integrity"
	CheckMetadataConsistency  = "V6-metadata-consistency"
	CheckSignature            = "V7-signature"
)

var allChecks = []string{
	CheckSchemaVersion, CheckWorkspaceFingerprint, CheckInputHashes,
	CheckOutputHashes, CheckGuardIntegrity, CheckMetadataConsistency,
	CheckSignature,
}

// Check is one audited property of the receipt.
type Check struct {
	CheckID string  `json:"check_id"`
	Verdict Verdict `json:"verdict"`
	Message string  `json:"message,omitempty"`
}

// VerificationResult is the full audit outcome. Result is VERIFIED iff every
// non-Skip check passed.
type VerificationResult struct {
	ReceiptPath string  `json:"receipt_path"`
	ReceiptID   string  `json:"receipt_id,omitempty"`
	Checks      []Check `json:"checks"`
	Result      string  `json:"result"`
}

// Passed reports whether the overall audit verified.
func (r *VerificationResult) Passed() bool { return r.Result == ResultVerified }

// Find returns the check with the given id.
func (r *VerificationResult) Find(checkID string) (Check, bool) {
	for _, c := range r.Checks {
		if c.CheckID == checkID {
			return c, true
		}
	}
	return Check{}, false
}

// Verifier audits receipts.
type Verifier struct {
	// Root overrides the workspace root recorded in the receipt, for
	// auditing a workspace that moved since generation.
	Root string
	// ClockSkew is the tolerated future drift for timestamp plausibility.
	ClockSkew time.Duration

	clock  func() time.Time
	logger *slog.Logger
}

// New creates a verifier with default tolerances.
func New() *Verifier {
	return &Verifier{
		ClockSkew: 5 * time.Minute,
		clock:     time.Now,
		logger:    slog.Default().With("component", "verifier"),
	}
}

// WithClock replaces the wall clock used for timestamp plausibility. Test
// hook.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify runs the fixed seven-check sweep over the receipt at path. Every
// check executes regardless of earlier failures; the returned error is
// non-nil only when the receipt file itself cannot be read.
func (v *Verifier) Verify(path string) (*VerificationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read receipt: %w", err)
	}

	result := &VerificationResult{ReceiptPath: path}

	var r receipt.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		// An unparseable document fails every check for the same reason;
		// there is nothing further to audit.
		msg := fmt.Sprintf("receipt is not valid JSON: %v", err)
		for _, id := range allChecks {
			result.Checks = append(result.Checks, Check{CheckID: id, Verdict: Fail, Message: msg})
		}
		result.Result = ResultFailed
		return result, nil
	}
	result.ReceiptID = r.ReceiptID

	root := r.Workspace.Root
	if v.Root != "" {
		root = v.Root
	}

	result.Checks = []Check{
		v.checkSchemaVersion(data, &r),
		v.checkFingerprint(root, &r),
		v.checkInputHashes(root, &r),
		v.checkOutputHashes(root, &r),
		v.checkGuardIntegrity(&r),
		v.checkMetadata(&r),
		v.checkSignature(&r),
	}

	result.Result = ResultVerified
	for _, c := range result.Checks {
		if c.Verdict == Fail {
			result.Result = ResultFailed
		}
	}
	v.logger.Info("audit complete", "receipt", path, "result", result.Result)
	return result, nil
}

// checkSchemaVersion (V1): the version must be one this verifier understands
// and the document must satisfy that version's schema.
func (v *Verifier) checkSchemaVersion(data []byte, r *receipt.Receipt) Check {
	c := Check{CheckID: CheckSchemaVersion, Verdict: Pass}

	ver, err := semver.NewVersion(r.Version)
	if err != nil {
		c.Verdict = Fail
		c.Message = fmt.Sprintf("version %q is not semver: %v", r.Version, err)
		return c
	}
	supported := semver.MustParse(receipt.SchemaVersion)
	if ver.Major() != supported.Major() {
		c.Verdict = Fail
		c.Message = fmt.Sprintf("version %s not understood, this verifier supports %d.x", r.Version, supported.Major())
		return c
	}

	if err := receipt.ValidateDocument(data); err != nil {
		c.Verdict = Fail
		c.Message = err.Error()
		return c
	}
	c.Message = fmt.Sprintf("schema version %s", r.Version)
	return c
}

// checkFingerprint (V2): rediscover the workspace and compare fingerprints.
func (v *Verifier) checkFingerprint(root string, r *receipt.Receipt) Check {
	c := Check{CheckID: CheckWorkspaceFingerprint, Verdict: Pass}

	m, err := config.LoadFromRoot(root)
	if err != nil {
		c.Verdict = Fail
		c.Message = fmt.Sprintf("cannot reload workspace manifest: %v", err)
		return c
	}
	snap, err := workspace.Discover(m)
	if err != nil {
		c.Verdict = Fail
		c.Message = fmt.Sprintf("cannot rediscover workspace: %v", err)
		return c
	}
	if snap.Fingerprint != r.Workspace.Fingerprint {
		c.Verdict = Fail
		c.Message = fmt.Sprintf("fingerprint drift: recorded %s, current %s", short(r.Workspace.Fingerprint), short(snap.Fingerprint))
		return c
	}
	c.Message = "workspace fingerprint matches"
	return c
}

// checkInputHashes (V3): every recorded input must hash to its recorded value
// right now.
func (v *Verifier) checkInputHashes(root string, r *receipt.Receipt) Check {
	c := Check{CheckID: CheckInputHashes, Verdict: Pass}

	var drifted []string
	for _, in := range r.Inputs.AllFiles() {
		hash, _, err := crypto.HashFile(filepath.Join(root, filepath.FromSlash(in.Path)))
		if err != nil {
			drifted = append(drifted, fmt.Sprintf("%s (unreadable: %v)", in.Path, err))
			continue
		}
		if hash != in.Hash {
			drifted = append(drifted, in.Path)
		}
	}
	if len(drifted) > 0 {
		c.Verdict = Fail
		c.Message = "input drift: " + strings.Join(drifted, ", ")
		return c
	}
	c.Message = fmt.Sprintf("%d inputs match", len(r.Inputs.AllFiles()))
	return c
}

// checkOutputHashes (V4): every written or skipped output must still hash to
// its recorded value; planned outputs (preview mode) have no file to audit.
func (v *Verifier) checkOutputHashes(root string, r *receipt.Receipt) Check {
	c := Check{CheckID: CheckOutputHashes, Verdict: Pass}

	var drifted []string
	audited := 0
	for _, out := range r.Outputs {
		if out.Status == receipt.OutputPlanned {
			continue
		}
		audited++
		hash, _, err := crypto.HashFile(filepath.Join(root, filepath.FromSlash(out.Path)))
		if err != nil {
			drifted = append(drifted, fmt.Sprintf("%s (unreadable: %v)", out.Path, err))
			continue
		}
		if hash != out.Hash {
			drifted = append(drifted, out.Path)
		}
	}
	if len(drifted) > 0 {
		c.Verdict = Fail
		c.Message = "output drift: " + strings.Join(drifted, ", ")
		return c
	}
	if audited == 0 {
		c.Verdict = Skip
		c.Message = "no written outputs to audit"
		return c
	}

	if root, err := recordedOutputsRoot(r.Outputs); err == nil && root != r.OutputsRoot {
		c.Verdict = Fail
		c.Message = fmt.Sprintf("outputs root mismatch: recorded %s, computed %s", short(r.OutputsRoot), short(root))
		return c
	}
	c.Message = fmt.Sprintf("%d outputs match", audited)
	return c
}

// recordedOutputsRoot rebuilds the Merkle root from the receipt's own output
// hashes, detecting an outputs_root that disagrees with the list beside it.
func recordedOutputsRoot(outputs []receipt.Output) (string, error) {
	leaves := make(map[string]interface{})
	for _, o := range outputs {
		if o.Hash != "" {
			leaves[o.Path] = o.Hash
		}
	}
	if len(leaves) == 0 {
		return "", nil
	}
	return merkle.Root(leaves)
}

// checkGuardIntegrity (V5): every recorded verdict must be Pass. A Fail
// recorded under force is surfaced here as an audit failure, not hidden.
func (v *Verifier) checkGuardIntegrity(r *receipt.Receipt) Check {
	c := Check{CheckID: CheckGuardIntegrity, Verdict: Pass}

	var offending []string
	for _, g := range r.Guards {
		if g.Verdict != "Pass" {
			offending = append(offending, fmt.Sprintf("%s=%s", g.Name, g.Verdict))
		}
	}
	if len(offending) > 0 {
		c.Verdict = Fail
		c.Message = "non-passing guards: " + strings.Join(offending, ", ")
		return c
	}
	c.Message = fmt.Sprintf("%d guards all Pass", len(r.Guards))
	return c
}

// checkMetadata (V6): timestamp plausibility, version shape, mode value, and
// the receipt id's self-consistency.
func (v *Verifier) checkMetadata(r *receipt.Receipt) Check {
	c := Check{CheckID: CheckMetadataConsistency, Verdict: Pass}

	var problems []string
	if r.Timestamp.IsZero() {
		problems = append(problems, "timestamp is zero")
	} else if r.Timestamp.After(v.clock().Add(v.ClockSkew)) {
		problems = append(problems, fmt.Sprintf("timestamp %s is in the future", r.Timestamp.Format(time.RFC3339)))
	}
	if _, err := semver.NewVersion(r.Version); err != nil {
		problems = append(problems, fmt.Sprintf("malformed version %q", r.Version))
	}
	if r.Mode != receipt.ModePreview && r.Mode != receipt.ModeApply {
		problems = append(problems, fmt.Sprintf("unknown mode %q", r.Mode))
	}
	if r.CompilerVersion == "" {
		problems = append(problems, "missing compiler_version")
	}

	computed, err := receipt.ComputeID(r)
	if err != nil {
		problems = append(problems, fmt.Sprintf("cannot recompute receipt id: %v", err))
	} else if computed != r.ReceiptID {
		problems = append(problems, fmt.Sprintf("receipt id mismatch: stored %s, computed %s", short(r.ReceiptID), short(computed)))
	}

	if len(problems) > 0 {
		c.Verdict = Fail
		c.Message = strings.Join(problems, "; ")
		return c
	}
	c.Message = "metadata consistent"
	return c
}

// checkSignature (V7): Skip when unsigned, otherwise cryptographic validation
// of the detached signature.
func (v *Verifier) checkSignature(r *receipt.Receipt) Check {
	c := Check{CheckID: CheckSignature, Verdict: Pass}

	if r.Signature == nil {
		c.Verdict = Skip
		c.Message = "receipt is unsigned"
		return c
	}
	if r.Signature.Algorithm != "ed25519" {
		c.Verdict = Fail
		c.Message = fmt.Sprintf("unsupported signature algorithm %q", r.Signature.Algorithm)
		return c
	}

	payload, err := receipt.SigningPayload(r)
	if err != nil {
		c.Verdict = Fail
		c.Message = fmt.Sprintf("cannot rebuild signing payload: %v", err)
		return c
	}
	ok, err := crypto.Verify(r.Signature.PublicKey, r.Signature.Signature, payload)
	if err != nil {
		c.Verdict = Fail
		c.Message = fmt.Sprintf("signature malformed: %v", err)
		return c
	}
	if !ok {
		c.Verdict = Fail
		c.Message = "signature does not verify against receipt content"
		return c
	}
	c.Message = "signature valid"
	return c
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
