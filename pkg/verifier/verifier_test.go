package verifier

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontoforge/ontoforge/pkg/config"
	"github.com/ontoforge/ontoforge/pkg/crypto"
	"github.com/ontoforge/ontoforge/pkg/receipt"
	"github.com/ontoforge/ontoforge/pkg/workspace"
)

const manifestYAML = `version: "1"
generated_root: out
ontologies:
  - model/services.mg
queries:
  - name: services
    file: queries/services.mgq
templates:
  - name: service
    file: templates/service.tmpl
rules:
  - name: services
    query: services
    template: service
    output: out/gen/services.rs
    language: rust
`

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

// auditFixture builds a real workspace with one written output and generates
// a receipt over its actual hashes.
func auditFixture(t *testing.T, signer crypto.Signer, guards []receipt.GuardEntry) (string, string) {
	t.Helper()
	root := t.TempDir()

	write(t, root, "ontoforge.yaml", manifestYAML)
	write(t, root, "model/services.mg", "service(/billing).\nservice(/ledger).\n")
	write(t, root, "queries/services.mgq", "?service(Name).\n")
	write(t, root, "templates/service.tmpl", "pub struct {{pascal .Name}};\n")
	write(t, root, "out/gen/services.rs", "pub struct Billing;\npub struct Ledger;\n")

	m, err := config.LoadFromRoot(root)
	require.NoError(t, err)
	snap, err := workspace.Discover(m)
	require.NoError(t, err)

	outHash, outSize, err := crypto.HashFile(filepath.Join(root, "out/gen/services.rs"))
	require.NoError(t, err)

	if guards == nil {
		guards = []receipt.GuardEntry{
			{Name: "G1-path-safety", Verdict: "Pass"},
			{Name: "G2-output-overlap", Verdict: "Pass"},
		}
	}

	gen := receipt.NewGenerator("0.3.0").WithClock(func() time.Time {
		return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	})
	if signer != nil {
		gen = gen.WithSigner(signer)
	}

	r, err := gen.Generate(receipt.Params{
		Mode:        receipt.ModeApply,
		Root:        root,
		Fingerprint: snap.Fingerprint,
		Inputs: receipt.Inputs{
			Config:     fileRef(snap.Config),
			Ontologies: fileRefs(snap.Ontologies),
			Queries:    fileRefs(snap.Queries),
			Templates:  fileRefs(snap.Templates),
		},
		Guards: guards,
		Outputs: []receipt.Output{
			{Path: "out/gen/services.rs", Hash: outHash, Size: outSize, Status: receipt.OutputWritten, Language: "rust"},
		},
		Performance: receipt.Performance{TotalDurationMS: 12, CacheHitRate: 0, Stages: map[string]int64{"render": 5}},
	})
	require.NoError(t, err)

	receiptPath := filepath.Join(root, ".ontoforge", "receipts", "run.json")
	require.NoError(t, receipt.Write(r, receiptPath))
	return root, receiptPath
}

func fileRef(d workspace.InputDescriptor) receipt.FileRef {
	return receipt.FileRef{Path: d.Path, Hash: d.Hash, Size: d.Size}
}

func fileRefs(ds []workspace.InputDescriptor) []receipt.FileRef {
	out := make([]receipt.FileRef, len(ds))
	for i, d := range ds {
		out[i] = fileRef(d)
	}
	return out
}

func auditClock() time.Time {
	return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
}

func TestVerify_UntouchedTree(t *testing.T) {
	_, receiptPath := auditFixture(t, nil, nil)

	result, err := New().WithClock(auditClock).Verify(receiptPath)
	require.NoError(t, err)

	require.Len(t, result.Checks, 7)
	assert.Equal(t, ResultVerified, result.Result)
	assert.True(t, result.Passed())
	for _, c := range result.Checks {
		if c.CheckID == CheckSignature {
			assert.Equal(t, Skip, c.Verdict, "unsigned receipt skips V7")
			continue
		}
		assert.Equal(t, Pass, c.Verdict, c.CheckID)
	}
}

func TestVerify_EditedOutputFailsOnlyV4(t *testing.T) {
	root, receiptPath := auditFixture(t, nil, nil)
	write(t, root, "out/gen/services.rs", "pub struct Billing;\npub struct Ledger;\n// edited\n")

	result, err := New().WithClock(auditClock).Verify(receiptPath)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, result.Result)

	for _, c := range result.Checks {
		switch c.CheckID {
		case CheckOutputHashes:
			assert.Equal(t, Fail, c.Verdict)
			assert.Contains(t, c.Message, "out/gen/services.rs")
		case CheckSignature:
			assert.Equal(t, Skip, c.Verdict)
		default:
			assert.Equal(t, Pass, c.Verdict, c.CheckID)
		}
	}
}

func TestVerify_EditedOntologyFailsFingerprintAndInputs(t *testing.T) {
	root, receiptPath := auditFixture(t, nil, nil)
	write(t, root, "model/services.mg", "service(/billing).\n")

	result, err := New().WithClock(auditClock).Verify(receiptPath)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, result.Result)

	v2, _ := result.Find(CheckWorkspaceFingerprint)
	assert.Equal(t, Fail, v2.Verdict)
	v3, _ := result.Find(CheckInputHashes)
	assert.Equal(t, Fail, v3.Verdict)
	v4, _ := result.Find(CheckOutputHashes)
	assert.Equal(t, Pass, v4.Verdict, "sweep never short-circuits: V4 still audited and passing")
}

func TestVerify_ForcedFailureSurfacesAtV5(t *testing.T) {
	_, receiptPath := auditFixture(t, nil, []receipt.GuardEntry{
		{Name: "G1-path-safety", Verdict: "Pass"},
		{Name: "G7-bounds", Verdict: "Fail", Diagnostic: "too many files"},
	})

	result, err := New().WithClock(auditClock).Verify(receiptPath)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, result.Result)

	v5, _ := result.Find(CheckGuardIntegrity)
	assert.Equal(t, Fail, v5.Verdict)
	assert.Contains(t, v5.Message, "G7-bounds=Fail")
}

func TestVerify_SignedReceipt(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("audit")
	require.NoError(t, err)
	_, receiptPath := auditFixture(t, signer, nil)

	result, err := New().WithClock(auditClock).Verify(receiptPath)
	require.NoError(t, err)
	assert.Equal(t, ResultVerified, result.Result)
	v7, _ := result.Find(CheckSignature)
	assert.Equal(t, Pass, v7.Verdict)
}

func TestVerify_FutureTimestampFailsV6(t *testing.T) {
	_, receiptPath := auditFixture(t, nil, nil)

	past := func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	result, err := New().WithClock(past).Verify(receiptPath)
	require.NoError(t, err)

	v6, _ := result.Find(CheckMetadataConsistency)
	assert.Equal(t, Fail, v6.Verdict)
	assert.Contains(t, v6.Message, "future")
}

func TestVerify_UnparseableReceiptFailsEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	result, err := New().Verify(path)
	require.NoError(t, err, "audit failure is data, not an error")
	assert.Equal(t, ResultFailed, result.Result)
	require.Len(t, result.Checks, 7)
	for _, c := range result.Checks {
		assert.Equal(t, Fail, c.Verdict)
	}
}

func TestVerify_MissingReceiptIsAnError(t *testing.T) {
	_, err := New().Verify(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
