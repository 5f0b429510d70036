// Package workspace enumerates the declared inputs of a generation run and
// derives the workspace fingerprint. Discovery takes a read-only snapshot of
// the filesystem; every later stage operates on that snapshot, never on live
// re-reads.
package workspace

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/ontoforge/ontoforge/pkg/canonicalize"
	"github.com/ontoforge/ontoforge/pkg/config"
	"github.com/ontoforge/ontoforge/pkg/crypto"
)

// Kind classifies a declared input.
type Kind string

const (
	KindConfig   Kind = "config"
	KindOntology Kind = "ontology"
	KindQuery    Kind = "query"
	KindTemplate Kind = "template"
)

// InputDescriptor is the immutable identity of one declared input for a run.
type InputDescriptor struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	Kind Kind   `json:"kind"`
}

// Snapshot is the result of discovery: every declared input with its content
// hash, plus the aggregate workspace fingerprint.
type Snapshot struct {
	Root        string
	Config      InputDescriptor
	Ontologies  []InputDescriptor
	Queries     []InputDescriptor
	Templates   []InputDescriptor
	Fingerprint string
}

// Inputs returns all descriptors in a stable order: config, then ontologies,
// queries, and templates, each sorted by path.
func (s *Snapshot) Inputs() []InputDescriptor {
	out := make([]InputDescriptor, 0, 1+len(s.Ontologies)+len(s.Queries)+len(s.Templates))
	out = append(out, s.Config)
	out = append(out, s.Ontologies...)
	out = append(out, s.Queries...)
	out = append(out, s.Templates...)
	return out
}

// Discover hashes every input the manifest declares. An unreadable declared
// input is an infrastructure failure and aborts the run; it is never converted
// into a guard verdict.
func Discover(m *config.Manifest) (*Snapshot, error) {
	root := m.Root()

	cfg, err := describe(m.Path, root, KindConfig)
	if err != nil {
		return nil, err
	}

	ontologyPaths, err := m.OntologyPaths()
	if err != nil {
		return nil, err
	}
	ontologies, err := describeAll(ontologyPaths, root, KindOntology)
	if err != nil {
		return nil, err
	}

	var queryPaths []string
	for _, q := range m.Queries {
		queryPaths = append(queryPaths, filepath.Join(root, q.File))
	}
	queries, err := describeAll(queryPaths, root, KindQuery)
	if err != nil {
		return nil, err
	}

	var templatePaths []string
	for _, t := range m.Templates {
		templatePaths = append(templatePaths, filepath.Join(root, t.File))
	}
	templates, err := describeAll(templatePaths, root, KindTemplate)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Root:       root,
		Config:     cfg,
		Ontologies: ontologies,
		Queries:    queries,
		Templates:  templates,
	}

	fp, err := fingerprint(snap)
	if err != nil {
		return nil, err
	}
	snap.Fingerprint = fp
	return snap, nil
}

func describe(path, root string, kind Kind) (InputDescriptor, error) {
	hash, size, err := crypto.HashFile(path)
	if err != nil {
		return InputDescriptor{}, fmt.Errorf("discover %s input: %w", kind, err)
	}
	rel, relErr := filepath.Rel(root, path)
	if relErr != nil {
		rel = path
	}
	return InputDescriptor{
		Path: filepath.ToSlash(rel),
		Hash: hash,
		Size: size,
		Kind: kind,
	}, nil
}

func describeAll(paths []string, root string, kind Kind) ([]InputDescriptor, error) {
	out := make([]InputDescriptor, 0, len(paths))
	for _, p := range paths {
		d, err := describe(p, root, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// fingerprint derives the single workspace hash from the root identity, the
// config hash, and the sorted ontology hashes. It is recomputed every run and
// never persisted as mutable state.
func fingerprint(s *Snapshot) (string, error) {
	hashes := make([]string, 0, len(s.Ontologies))
	for _, o := range s.Ontologies {
		hashes = append(hashes, o.Hash)
	}
	sort.Strings(hashes)

	return canonicalize.CanonicalHash(map[string]interface{}{
		"root":            filepath.ToSlash(filepath.Clean(s.Root)),
		"config_hash":     s.Config.Hash,
		"ontology_hashes": hashes,
	})
}
