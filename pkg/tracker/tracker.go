// Package tracker persists per-artifact provenance across runs: which
// ontology and template hashes produced each output file, and what the file's
// own content hash was at generation time. It answers staleness and orphan
// questions independently of guard evaluation.
package tracker

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ontoforge/ontoforge/pkg/crypto"
)

// Record is the persisted provenance of one generated artifact. Paths are
// workspace-relative with forward slashes.
type Record struct {
	OntologyHash string    `json:"ontology_hash"`
	TemplateHash string    `json:"template_hash"`
	ArtifactHash string    `json:"artifact_hash"`
	Dependencies []string  `json:"dependencies,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Tracker owns the artifact state file. All mutation goes through
// RecordArtifact and Save; the state file has a single logical writer per
// workspace, serialized by the in-process mutex.
type Tracker struct {
	mu        sync.Mutex
	root      string
	statePath string
	records   map[string]Record
	clock     func() time.Time
	logger    *slog.Logger
}

// Load reads the state file under the workspace root. A missing or corrupt
// file yields an empty tracker, not an error: cold start and a hand-mangled
// state file are both recoverable by regenerating.
func Load(root, statePath string) *Tracker {
	t := &Tracker{
		root:      root,
		statePath: resolve(root, statePath),
		records:   make(map[string]Record),
		clock:     time.Now,
		logger:    slog.Default().With("component", "tracker"),
	}

	data, err := os.ReadFile(t.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("state file unreadable, starting empty", "path", t.statePath, "error", err)
		}
		return t
	}
	if err := json.Unmarshal(data, &t.records); err != nil {
		t.logger.Warn("state file corrupt, starting empty", "path", t.statePath, "error", err)
		t.records = make(map[string]Record)
	}
	return t
}

// WithClock replaces the timestamp source. Test hook.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

func resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// Len reports the number of tracked artifacts.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Paths returns the tracked artifact paths, sorted.
func (t *Tracker) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := make([]string, 0, len(t.records))
	for p := range t.records {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Get returns the record for a workspace-relative output path.
func (t *Tracker) Get(path string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[normalize(path)]
	return rec, ok
}

// RecordArtifact updates the in-memory map for a freshly written artifact.
// The artifact hash is taken from the file's current content; nothing touches
// the state file until Save.
func (t *Tracker) RecordArtifact(path, ontologyHash, templateHash string, deps []string) error {
	key := normalize(path)
	hash, _, err := crypto.HashFile(resolve(t.root, key))
	if err != nil {
		return fmt.Errorf("hash artifact %s: %w", key, err)
	}

	sorted := append([]string(nil), deps...)
	sort.Strings(sorted)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[key] = Record{
		OntologyHash: ontologyHash,
		TemplateHash: templateHash,
		ArtifactHash: hash,
		Dependencies: sorted,
		RecordedAt:   t.clock().UTC(),
	}
	return nil
}

// Forget drops a path from the in-memory map. Used when a rule disappears.
func (t *Tracker) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, normalize(path))
}

// IsStale reports whether the artifact at path must be regenerated: it is
// untracked, either provenance hash changed, the file is missing, or its
// on-disk content no longer matches the recorded artifact hash.
func (t *Tracker) IsStale(path, ontologyHash, templateHash string) bool {
	key := normalize(path)

	t.mu.Lock()
	rec, ok := t.records[key]
	t.mu.Unlock()

	if !ok {
		return true
	}
	if rec.OntologyHash != ontologyHash || rec.TemplateHash != templateHash {
		return true
	}
	current, _, err := crypto.HashFile(resolve(t.root, key))
	if err != nil {
		return true
	}
	return current != rec.ArtifactHash
}

// StaleArtifacts returns the tracked paths invalidated by the given ontology
// hash or by on-disk drift, sorted.
func (t *Tracker) StaleArtifacts(currentOntologyHash string) []string {
	t.mu.Lock()
	snapshot := make(map[string]Record, len(t.records))
	for k, v := range t.records {
		snapshot[k] = v
	}
	t.mu.Unlock()

	var stale []string
	for path, rec := range snapshot {
		if rec.OntologyHash != currentOntologyHash {
			stale = append(stale, path)
			continue
		}
		current, _, err := crypto.HashFile(resolve(t.root, path))
		if err != nil || current != rec.ArtifactHash {
			stale = append(stale, path)
		}
	}
	sort.Strings(stale)
	return stale
}

// FindOrphanedFiles walks the generated root and returns files present on
// disk but absent from the tracked map, sorted. A tracked path whose file was
// deleted is not an orphan; orphans are disk-side only.
func (t *Tracker) FindOrphanedFiles(generatedRoot string) ([]string, error) {
	rootDir := resolve(t.root, generatedRoot)
	if _, err := os.Stat(rootDir); os.IsNotExist(err) {
		return nil, nil
	}

	t.mu.Lock()
	tracked := make(map[string]struct{}, len(t.records))
	for k := range t.records {
		tracked[k] = struct{}{}
	}
	t.mu.Unlock()

	var orphans []string
	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(t.root, path)
		if err != nil {
			return err
		}
		key := normalize(rel)
		if _, ok := tracked[key]; !ok {
			orphans = append(orphans, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk generated root %s: %w", rootDir, err)
	}
	sort.Strings(orphans)
	return orphans, nil
}

// CleanupOrphaned reports orphans and, unless dryRun, deletes them. The
// returned list names what was (or would be) removed.
func (t *Tracker) CleanupOrphaned(generatedRoot string, dryRun bool) ([]string, error) {
	orphans, err := t.FindOrphanedFiles(generatedRoot)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return orphans, nil
	}
	for _, rel := range orphans {
		abs := resolve(t.root, rel)
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return orphans, fmt.Errorf("remove orphan %s: %w", rel, err)
		}
		t.logger.Info("removed orphaned artifact", "path", rel)
	}
	return orphans, nil
}

// Save persists the full map atomically: write to a temp file in the same
// directory, then rename over the target.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.MarshalIndent(t.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(t.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, t.statePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func normalize(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}
