package guard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontoforge/ontoforge/pkg/workspace"
)

func celRun() *Run {
	return &Run{
		Fingerprint: "abc123",
		Inputs: []workspace.InputDescriptor{
			{Path: "model/services.mg", Hash: "h1", Size: 120, Kind: workspace.KindOntology},
			{Path: "templates/service.tmpl", Hash: "h2", Size: 80, Kind: workspace.KindTemplate},
		},
		PlannedOutputs: []PlannedOutput{
			{Rule: "services", Path: "out/gen/services.rs", Language: "rust"},
			{Rule: "clients", Path: "out/gen/clients.rs", Language: "rust"},
		},
	}
}

func TestCustomGuard_Pass(t *testing.T) {
	g, err := CustomGuard("no-proto-outputs",
		`outputs.all(o, !o.path.endsWith(".proto"))`,
		"remove proto outputs")
	require.NoError(t, err)

	assert.NoError(t, g.Check(context.Background(), celRun()))
}

func TestCustomGuard_Fail(t *testing.T) {
	g, err := CustomGuard("rust-only",
		`outputs.all(o, o.language == "go")`,
		"only go outputs allowed")
	require.NoError(t, err)

	err = g.Check(context.Background(), celRun())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluated to false")
	assert.Equal(t, "only go outputs allowed", g.Remediation)
}

func TestCustomGuard_SeesInputsAndFingerprint(t *testing.T) {
	g, err := CustomGuard("inputs-visible",
		`fingerprint == "abc123" && inputs.exists(i, i.kind == "ontology")`, "")
	require.NoError(t, err)
	assert.NoError(t, g.Check(context.Background(), celRun()))
}

func TestCustomGuard_CompileErrorSurfacesEarly(t *testing.T) {
	_, err := CustomGuard("broken", `outputs.all(o,`, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestCustomGuard_NonBoolRejected(t *testing.T) {
	_, err := CustomGuard("not-bool", `size(outputs)`, "")
	assert.Error(t, err)
}
