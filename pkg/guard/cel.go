package guard

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// celEnv builds the evaluation environment custom guard expressions see:
//
//	outputs     list of {rule, path, language} maps, one per planned output
//	inputs      list of {path, hash, size, kind} maps, one per discovered input
//	fingerprint the workspace fingerprint hex digest
func celEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("outputs", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
		cel.Variable("inputs", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
		cel.Variable("fingerprint", cel.StringType),
	)
}

// CustomGuard compiles a manifest-declared CEL expression into a guard. The
// expression must evaluate to bool; true is Pass, false is Fail. Compilation
// happens here, once, so a malformed expression surfaces at kernel
// construction rather than mid-run.
func CustomGuard(id, expression, remediation string) (Guard, error) {
	env, err := celEnv()
	if err != nil {
		return Guard{}, fmt.Errorf("create CEL env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return Guard{}, fmt.Errorf("compile custom guard %s: %w", id, issues.Err())
	}
	if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
		return Guard{}, fmt.Errorf("custom guard %s: expression must evaluate to bool, got %s", id, out)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return Guard{}, fmt.Errorf("program custom guard %s: %w", id, err)
	}

	return Guard{
		ID: id,
		Check: func(_ context.Context, run *Run) error {
			out, _, err := prg.Eval(celActivation(run))
			if err != nil {
				return fmt.Errorf("evaluate expression: %w", err)
			}
			ok, isBool := out.Value().(bool)
			if !isBool {
				return fmt.Errorf("expression returned %v, want bool", out.Type())
			}
			if !ok {
				return fmt.Errorf("expression %q evaluated to false", expression)
			}
			return nil
		},
		Remediation: remediation,
	}, nil
}

// celActivation projects the run into plain maps and lists so expressions can
// use field access and list macros without registered proto types.
func celActivation(run *Run) map[string]interface{} {
	outputs := make([]interface{}, 0, len(run.PlannedOutputs))
	for _, o := range run.PlannedOutputs {
		outputs = append(outputs, map[string]interface{}{
			"rule":     o.Rule,
			"path":     o.Path,
			"language": o.Language,
		})
	}

	inputs := make([]interface{}, 0, len(run.Inputs))
	for _, in := range run.Inputs {
		inputs = append(inputs, map[string]interface{}{
			"path": in.Path,
			"hash": in.Hash,
			"size": in.Size,
			"kind": string(in.Kind),
		})
	}

	return map[string]interface{}{
		"outputs":     types.DefaultTypeAdapter.NativeToValue(outputs),
		"inputs":      types.DefaultTypeAdapter.NativeToValue(inputs),
		"fingerprint": run.Fingerprint,
	}
}
