package receipt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ontoforge/ontoforge/pkg/canonicalize"
	"github.com/ontoforge/ontoforge/pkg/crypto"
	"github.com/ontoforge/ontoforge/pkg/merkle"
)

// Params are the run-final facts a receipt is generated from.
type Params struct {
	Mode        string
	Root        string
	Fingerprint string
	Inputs      Inputs
	Guards      []GuardEntry
	Outputs     []Output
	Performance Performance
	Artifacts   Artifacts
}

// Generator produces receipts. Identical params always produce an identical
// receipt except for the timestamp; the id is computed last, over everything
// else.
type Generator struct {
	compilerVersion string
	clock           func() time.Time
	signer          crypto.Signer
}

// NewGenerator creates a generator stamping the given compiler version.
func NewGenerator(compilerVersion string) *Generator {
	return &Generator{
		compilerVersion: compilerVersion,
		clock:           time.Now,
	}
}

// WithClock replaces the timestamp source. Test hook.
func (g *Generator) WithClock(clock func() time.Time) *Generator {
	g.clock = clock
	return g
}

// WithSigner enables detached Ed25519 signing of generated receipts.
func (g *Generator) WithSigner(signer crypto.Signer) *Generator {
	g.signer = signer
	return g
}

// Generate assembles the receipt, derives the outputs Merkle root, computes
// the id, and signs when a signer is configured.
func (g *Generator) Generate(p Params) (*Receipt, error) {
	r := &Receipt{
		Version:         SchemaVersion,
		Timestamp:       g.clock().UTC().Truncate(time.Second),
		CompilerVersion: g.compilerVersion,
		Mode:            p.Mode,
		Workspace:       Workspace{Root: p.Root, Fingerprint: p.Fingerprint},
		Inputs:          p.Inputs,
		Guards:          p.Guards,
		Outputs:         p.Outputs,
		Performance:     p.Performance,
		Artifacts:       p.Artifacts,
	}
	if r.Guards == nil {
		r.Guards = []GuardEntry{}
	}
	if r.Outputs == nil {
		r.Outputs = []Output{}
	}
	if r.Performance.Stages == nil {
		r.Performance.Stages = map[string]int64{}
	}

	root, err := outputsRoot(r.Outputs)
	if err != nil {
		return nil, err
	}
	r.OutputsRoot = root

	id, err := ComputeID(r)
	if err != nil {
		return nil, err
	}
	r.ReceiptID = id

	if g.signer != nil {
		payload, err := SigningPayload(r)
		if err != nil {
			return nil, err
		}
		sig, err := g.signer.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("sign receipt: %w", err)
		}
		r.Signature = &Signature{
			Algorithm: "ed25519",
			PublicKey: g.signer.PublicKey(),
			Signature: sig,
		}
	}
	return r, nil
}

// outputsRoot builds a Merkle root over path -> content hash for outputs that
// carry a hash. Empty output sets yield no root.
func outputsRoot(outputs []Output) (string, error) {
	leaves := make(map[string]interface{})
	for _, o := range outputs {
		if o.Hash != "" {
			leaves[o.Path] = o.Hash
		}
	}
	if len(leaves) == 0 {
		return "", nil
	}
	root, err := merkle.Root(leaves)
	if err != nil {
		return "", fmt.Errorf("outputs merkle root: %w", err)
	}
	return root, nil
}

// ComputeID hashes the canonical serialization of the receipt with its id and
// signature removed. The id never participates in its own hash input.
func ComputeID(r *Receipt) (string, error) {
	doc, err := stripped(r, "receipt_id", "signature")
	if err != nil {
		return "", err
	}
	id, err := canonicalize.CanonicalHash(doc)
	if err != nil {
		return "", fmt.Errorf("hash receipt: %w", err)
	}
	return id, nil
}

// SigningPayload is the canonical serialization with only the signature
// removed; the id is included, so the signature also covers it.
func SigningPayload(r *Receipt) ([]byte, error) {
	doc, err := stripped(r, "signature")
	if err != nil {
		return nil, err
	}
	payload, err := canonicalize.JCS(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize receipt: %w", err)
	}
	return payload, nil
}

func stripped(r *Receipt, fields ...string) (map[string]interface{}, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal receipt: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("roundtrip receipt: %w", err)
	}
	for _, f := range fields {
		delete(doc, f)
	}
	return doc, nil
}

// Write persists the receipt as pretty JSON. Receipts are write-once: an
// existing file at path is an error, never overwritten.
func Write(r *Receipt, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	data = append(data, '\n')

	if err := ValidateDocument(data); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create receipt dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("receipt %s already exists: receipts are write-once", path)
		}
		return fmt.Errorf("create receipt: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write receipt: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync receipt: %w", err)
	}
	return f.Close()
}

// Load reads a receipt and verifies its stored id against its content. An id
// mismatch is an IntegrityError: the document changed after it was written.
func Load(path string) (*Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read receipt: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse receipt %s: %w", path, err)
	}

	computed, err := ComputeID(&r)
	if err != nil {
		return nil, err
	}
	if computed != r.ReceiptID {
		return nil, &IntegrityError{Path: path, Stored: r.ReceiptID, Computed: computed}
	}
	return &r, nil
}
