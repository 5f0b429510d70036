package compiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ontoforge/ontoforge/pkg/canonicalize"
	"github.com/ontoforge/ontoforge/pkg/config"
	"github.com/ontoforge/ontoforge/pkg/crypto"
	"github.com/ontoforge/ontoforge/pkg/ontology"
	"github.com/ontoforge/ontoforge/pkg/render"
	"github.com/ontoforge/ontoforge/pkg/workspace"
)

// collaborators owns the external stages the guard kernel probes: graph
// loading, template compilation, query execution, and rendering. Each stage
// runs at most once per run; sync.Once makes the lazy accessors safe under
// the kernel's parallel dispatch.
type collaborators struct {
	manifest *config.Manifest
	snapshot *workspace.Snapshot

	graphOnce sync.Once
	graph     *ontology.Graph
	graphErr  error

	tmplOnce  sync.Once
	templates map[string]*render.Compiled
	tmplErr   error

	queryOnce sync.Once
	bindings  map[string]ontology.Bindings
	queryErr  error

	renderOnce sync.Once
	rendered   map[string]renderedOutput
	renderErr  error
	detErr     error
}

// renderedOutput is one rule's in-memory render result, produced before any
// file is written.
type renderedOutput struct {
	Rule    config.Rule
	Content []byte
	Hash    string
	Size    int64
}

func newCollaborators(m *config.Manifest, snap *workspace.Snapshot) *collaborators {
	return &collaborators{manifest: m, snapshot: snap}
}

// ensureGraph parses and evaluates the ontology sources once.
func (c *collaborators) ensureGraph(_ context.Context) error {
	c.graphOnce.Do(func() {
		paths, err := c.manifest.OntologyPaths()
		if err != nil {
			c.graphErr = err
			return
		}
		c.graph, c.graphErr = ontology.Load(paths)
	})
	return c.graphErr
}

// ensureTemplates reads and compiles every declared template once.
func (c *collaborators) ensureTemplates(_ context.Context) error {
	c.tmplOnce.Do(func() {
		root := c.manifest.Root()
		compiled := make(map[string]*render.Compiled, len(c.manifest.Templates))
		for _, t := range c.manifest.Templates {
			source, err := os.ReadFile(filepath.Join(root, t.File))
			if err != nil {
				c.tmplErr = fmt.Errorf("read template %s: %w", t.File, err)
				return
			}
			tmpl, err := render.Compile(t.Name, string(source))
			if err != nil {
				c.tmplErr = err
				return
			}
			compiled[t.Name] = tmpl
		}
		c.templates = compiled
	})
	return c.tmplErr
}

// ensureQueries parses and executes every declared query against the loaded
// graph once. Rows come back pre-sorted, so downstream rendering sees a
// stable order.
func (c *collaborators) ensureQueries(ctx context.Context) error {
	c.queryOnce.Do(func() {
		if err := c.ensureGraph(ctx); err != nil {
			c.queryErr = fmt.Errorf("query execution needs a loaded graph: %w", err)
			return
		}
		root := c.manifest.Root()
		results := make(map[string]ontology.Bindings, len(c.manifest.Queries))
		for _, q := range c.manifest.Queries {
			source, err := os.ReadFile(filepath.Join(root, q.File))
			if err != nil {
				c.queryErr = fmt.Errorf("read query %s: %w", q.File, err)
				return
			}
			parsed, err := ontology.ParseQuery(string(source))
			if err != nil {
				c.queryErr = err
				return
			}
			rows, err := c.graph.Execute(ctx, parsed)
			if err != nil {
				c.queryErr = err
				return
			}
			results[q.Name] = rows
		}
		c.bindings = results
	})
	return c.queryErr
}

// ensureRendered renders every rule in memory, twice. The second render
// exists solely to catch non-determinism: same inputs must yield the same
// bytes, or the run is unsound regardless of what the templates produced.
func (c *collaborators) ensureRendered(ctx context.Context) error {
	c.renderOnce.Do(func() {
		if err := c.ensureTemplates(ctx); err != nil {
			c.renderErr = err
			return
		}
		if err := c.ensureQueries(ctx); err != nil {
			c.renderErr = err
			return
		}

		outputs := make(map[string]renderedOutput, len(c.manifest.Rules))
		for _, rule := range c.manifest.Rules {
			tmpl := c.templates[rule.Template]
			data := map[string]interface{}{
				"Rule":     rule.Name,
				"Language": rule.Language,
				"Rows":     c.bindings[rule.Query],
			}

			first, err := tmpl.Render(data)
			if err != nil {
				c.renderErr = fmt.Errorf("rule %s: %w", rule.Name, err)
				return
			}
			second, err := tmpl.Render(data)
			if err != nil {
				c.renderErr = fmt.Errorf("rule %s: %w", rule.Name, err)
				return
			}

			firstHash := crypto.HashBytes([]byte(first))
			if firstHash != crypto.HashBytes([]byte(second)) && c.detErr == nil {
				c.detErr = fmt.Errorf("rule %s rendered different content across two passes", rule.Name)
			}

			outputs[rule.Name] = renderedOutput{
				Rule:    rule,
				Content: []byte(first),
				Hash:    firstHash,
				Size:    int64(len(first)),
			}
		}
		c.rendered = outputs
	})
	return c.renderErr
}

// determinism reports the double-render comparison after rendering completes.
func (c *collaborators) determinism(ctx context.Context) error {
	if err := c.ensureRendered(ctx); err != nil {
		return err
	}
	return c.detErr
}

// renderedSize reports the planned output count and total rendered bytes.
func (c *collaborators) renderedSize(ctx context.Context) (int, int64, error) {
	if err := c.ensureRendered(ctx); err != nil {
		return 0, 0, err
	}
	var total int64
	for _, out := range c.rendered {
		total += out.Size
	}
	return len(c.rendered), total, nil
}

// renderedReady reports whether rendering completed successfully, without
// triggering it.
func (c *collaborators) renderedReady() bool {
	return c.rendered != nil && c.renderErr == nil
}

// ontologyHash derives a single provenance hash over the sorted ontology
// content hashes, recorded per artifact for staleness checks.
func (c *collaborators) ontologyHash() (string, error) {
	hashes := make([]string, 0, len(c.snapshot.Ontologies))
	for _, o := range c.snapshot.Ontologies {
		hashes = append(hashes, o.Hash)
	}
	sort.Strings(hashes)
	return canonicalize.CanonicalHash(hashes)
}

// templateHash returns the content hash of the template file a rule renders
// with.
func (c *collaborators) templateHash(rule config.Rule) string {
	var file string
	for _, t := range c.manifest.Templates {
		if t.Name == rule.Template {
			file = filepath.ToSlash(t.File)
			break
		}
	}
	for _, d := range c.snapshot.Templates {
		if d.Path == file {
			return d.Hash
		}
	}
	return ""
}

// dependencies lists the workspace-relative inputs a rule's output depends
// on: every ontology, its query file, and its template file.
func (c *collaborators) dependencies(rule config.Rule) []string {
	var deps []string
	for _, o := range c.snapshot.Ontologies {
		deps = append(deps, o.Path)
	}
	for _, q := range c.manifest.Queries {
		if q.Name == rule.Query {
			deps = append(deps, filepath.ToSlash(q.File))
		}
	}
	for _, t := range c.manifest.Templates {
		if t.Name == rule.Template {
			deps = append(deps, filepath.ToSlash(t.File))
		}
	}
	sort.Strings(deps)
	return deps
}
