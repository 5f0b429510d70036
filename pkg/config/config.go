// Package config loads the workspace manifest (ontoforge.yaml) that declares
// every input the compiler is allowed to read and every output it may write.
// The manifest itself is a declared input: its content hash participates in
// the workspace fingerprint.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ManifestName is the default manifest filename under the workspace root.
const ManifestName = "ontoforge.yaml"

// Manifest is the declarative description of a generation workspace.
type Manifest struct {
	Version       string     `yaml:"version"`
	GeneratedRoot string     `yaml:"generated_root"`
	StateFile     string     `yaml:"state_file"`
	ReceiptDir    string     `yaml:"receipt_dir"`
	Ontologies    []string   `yaml:"ontologies"`
	Queries       []QueryRef `yaml:"queries"`
	Templates     []Template `yaml:"templates"`
	Rules         []Rule     `yaml:"rules"`
	Guards        Guards     `yaml:"guards"`

	// Path the manifest was loaded from, absolute. Not part of the YAML.
	Path string `yaml:"-"`
}

// QueryRef names an extraction query stored in its own file.
type QueryRef struct {
	Name string `yaml:"name"`
	File string `yaml:"file"`
}

// Template names a template file.
type Template struct {
	Name string `yaml:"name"`
	File string `yaml:"file"`
}

// Rule binds one query and one template to one output path.
type Rule struct {
	Name     string `yaml:"name"`
	Query    string `yaml:"query"`
	Template string `yaml:"template"`
	Output   string `yaml:"output"`
	Language string `yaml:"language"`
}

// Guards holds guard kernel settings.
type Guards struct {
	FailFast                bool          `yaml:"fail_fast"`
	MaxOutputFiles          int           `yaml:"max_output_files"`
	MaxOutputBytes          int64         `yaml:"max_output_bytes"`
	ValidateExecutesQueries *bool         `yaml:"validate_executes_queries"`
	Custom                  []CustomGuard `yaml:"custom"`
}

// CustomGuard declares an additional guard as a CEL expression over the
// planned run. It joins the ordered registry after the built-in guards.
type CustomGuard struct {
	ID          string `yaml:"id"`
	Expr        string `yaml:"expr"`
	Remediation string `yaml:"remediation"`
}

// Defaults applied when the manifest omits a field.
const (
	DefaultGeneratedRoot  = "out"
	DefaultStateFile      = ".ontoforge/state.json"
	DefaultReceiptDir     = ".ontoforge/receipts"
	DefaultMaxOutputFiles = 256
	DefaultMaxOutputBytes = 64 << 20
)

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	m.Path = abs

	m.applyDefaults()
	m.applyEnvOverrides()

	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFromRoot loads <root>/ontoforge.yaml.
func LoadFromRoot(root string) (*Manifest, error) {
	return Load(filepath.Join(root, ManifestName))
}

func (m *Manifest) applyDefaults() {
	if m.Version == "" {
		m.Version = "1"
	}
	if m.GeneratedRoot == "" {
		m.GeneratedRoot = DefaultGeneratedRoot
	}
	if m.StateFile == "" {
		m.StateFile = DefaultStateFile
	}
	if m.ReceiptDir == "" {
		m.ReceiptDir = DefaultReceiptDir
	}
	if m.Guards.MaxOutputFiles == 0 {
		m.Guards.MaxOutputFiles = DefaultMaxOutputFiles
	}
	if m.Guards.MaxOutputBytes == 0 {
		m.Guards.MaxOutputBytes = DefaultMaxOutputBytes
	}
}

func (m *Manifest) applyEnvOverrides() {
	if v := os.Getenv("ONTOFORGE_STATE_FILE"); v != "" {
		m.StateFile = v
	}
	if v := os.Getenv("ONTOFORGE_RECEIPT_DIR"); v != "" {
		m.ReceiptDir = v
	}
}

func (m *Manifest) validate() error {
	if len(m.Ontologies) == 0 {
		return fmt.Errorf("manifest: no ontologies declared")
	}
	if len(m.Rules) == 0 {
		return fmt.Errorf("manifest: no generation rules declared")
	}

	queries := make(map[string]bool, len(m.Queries))
	for _, q := range m.Queries {
		if q.Name == "" || q.File == "" {
			return fmt.Errorf("manifest: query entries need name and file")
		}
		if queries[q.Name] {
			return fmt.Errorf("manifest: duplicate query name %q", q.Name)
		}
		queries[q.Name] = true
	}

	templates := make(map[string]bool, len(m.Templates))
	for _, t := range m.Templates {
		if t.Name == "" || t.File == "" {
			return fmt.Errorf("manifest: template entries need name and file")
		}
		if templates[t.Name] {
			return fmt.Errorf("manifest: duplicate template name %q", t.Name)
		}
		templates[t.Name] = true
	}

	rules := make(map[string]bool, len(m.Rules))
	for _, r := range m.Rules {
		if r.Name == "" {
			return fmt.Errorf("manifest: rule without a name")
		}
		if rules[r.Name] {
			return fmt.Errorf("manifest: duplicate rule name %q", r.Name)
		}
		rules[r.Name] = true
		if !queries[r.Query] {
			return fmt.Errorf("manifest: rule %q references unknown query %q", r.Name, r.Query)
		}
		if !templates[r.Template] {
			return fmt.Errorf("manifest: rule %q references unknown template %q", r.Name, r.Template)
		}
		if r.Output == "" {
			return fmt.Errorf("manifest: rule %q has no output path", r.Name)
		}
	}

	seen := make(map[string]bool, len(m.Guards.Custom))
	for _, g := range m.Guards.Custom {
		if g.ID == "" || g.Expr == "" {
			return fmt.Errorf("manifest: custom guards need id and expr")
		}
		if seen[g.ID] {
			return fmt.Errorf("manifest: duplicate custom guard id %q", g.ID)
		}
		seen[g.ID] = true
	}

	return nil
}

// ValidateExecutesQueries reports whether validate-only runs should still
// execute extraction queries. Defaults to true.
func (m *Manifest) ValidateExecutesQueries() bool {
	if m.Guards.ValidateExecutesQueries == nil {
		return true
	}
	return *m.Guards.ValidateExecutesQueries
}

// Root returns the workspace root, the directory containing the manifest.
func (m *Manifest) Root() string {
	return filepath.Dir(m.Path)
}

// OntologyPaths expands ontology globs relative to the workspace root and
// returns a sorted list of absolute paths.
func (m *Manifest) OntologyPaths() ([]string, error) {
	root := m.Root()
	var paths []string
	for _, pattern := range m.Ontologies {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return nil, fmt.Errorf("bad ontology pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			// A literal path that doesn't exist yet should still be reported
			// by discovery, not silently dropped here.
			paths = append(paths, filepath.Join(root, pattern))
			continue
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)
	return paths, nil
}
