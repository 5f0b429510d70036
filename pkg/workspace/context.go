package workspace

import "github.com/ontoforge/ontoforge/pkg/config"

// Context is the immutable run context handed to every pipeline stage.
// Nothing in the pipeline reaches for ambient process state; whatever a stage
// needs travels in here.
type Context struct {
	Manifest *config.Manifest
	Snapshot *Snapshot
	RunID    string

	// Mode flags for this invocation.
	Preview  bool
	Force    bool
	Validate bool
}

// Root returns the workspace root directory.
func (c Context) Root() string {
	return c.Snapshot.Root
}
