package guard

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathSafety(t *testing.T) {
	g := PathSafety()
	require.True(t, g.Barrier)

	cases := []struct {
		name string
		path string
		ok   bool
	}{
		{"relative", "out/gen/service.rs", true},
		{"dotdot segment", "out/../../etc/passwd", false},
		{"absolute", "/etc/passwd", false},
		{"leading dotdot", "../sibling/file.go", false},
		{"dotdot in name is fine", "out/my..file.rs", true},
		{"current dir segments", "./out/./a.rs", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			run := &Run{
				Root:           "/work/project",
				PlannedOutputs: []PlannedOutput{{Rule: "r", Path: tc.path}},
			}
			err := g.Check(context.Background(), run)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.path)
			}
		})
	}
}

// Any path built only from safe segments stays inside the root; any path with
// a ".." segment is rejected no matter where it sits.
func TestPathSafety_Property(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	segment := gen.RegexMatch(`[a-z][a-z0-9_\-]{0,8}`)

	properties.Property("safe segments never escape", prop.ForAll(
		func(segs []string) bool {
			if len(segs) == 0 {
				return true
			}
			return unsafePath("/work/project", strings.Join(segs, "/")) == ""
		},
		gen.SliceOf(segment),
	))

	properties.Property("a dotdot segment anywhere is rejected", prop.ForAll(
		func(before, after []string) bool {
			segs := append(append(append([]string{}, before...), ".."), after...)
			return unsafePath("/work/project", strings.Join(segs, "/")) != ""
		},
		gen.SliceOf(segment),
		gen.SliceOf(segment),
	))

	properties.TestingRun(t)
}

func TestOutputOverlap(t *testing.T) {
	g := OutputOverlap()
	require.True(t, g.Barrier)

	t.Run("distinct paths pass", func(t *testing.T) {
		run := &Run{PlannedOutputs: []PlannedOutput{
			{Rule: "a", Path: "out/a.rs"},
			{Rule: "b", Path: "out/b.rs"},
		}}
		assert.NoError(t, g.Check(context.Background(), run))
	})

	t.Run("duplicate after normalization fails", func(t *testing.T) {
		run := &Run{PlannedOutputs: []PlannedOutput{
			{Rule: "a", Path: "out/a.rs"},
			{Rule: "b", Path: "out/./a.rs"},
		}}
		err := g.Check(context.Background(), run)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "out/a.rs")
		assert.Contains(t, err.Error(), "a, b")
	})
}

func TestDelegatingGuards(t *testing.T) {
	sentinel := errors.New("delegate failed")

	t.Run("template compile", func(t *testing.T) {
		g := TemplateCompile(func(context.Context) error { return sentinel })
		assert.ErrorIs(t, g.Check(context.Background(), &Run{}), sentinel)
	})
	t.Run("graph parse", func(t *testing.T) {
		g := GraphParse(func(context.Context) error { return nil })
		assert.NoError(t, g.Check(context.Background(), &Run{}))
	})
	t.Run("query execution", func(t *testing.T) {
		g := QueryExecution(func(context.Context) error { return sentinel })
		assert.ErrorIs(t, g.Check(context.Background(), &Run{}), sentinel)
	})
	t.Run("determinism", func(t *testing.T) {
		g := Determinism(func(context.Context) error { return sentinel })
		assert.ErrorIs(t, g.Check(context.Background(), &Run{}), sentinel)
	})
}

func TestBounds(t *testing.T) {
	size := func(files int, bytes int64) func(context.Context) (int, int64, error) {
		return func(context.Context) (int, int64, error) { return files, bytes, nil }
	}
	run := &Run{MaxOutputFiles: 10, MaxOutputBytes: 1 << 20}

	assert.NoError(t, Bounds(size(10, 1<<20)).Check(context.Background(), run))

	err := Bounds(size(11, 100)).Check(context.Background(), run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_output_files")

	err = Bounds(size(1, 1<<20+1)).Check(context.Background(), run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_output_bytes")

	// Zero means unbounded.
	assert.NoError(t, Bounds(size(1000, 1<<40)).Check(context.Background(), &Run{}))

	sentinel := errors.New("render failed")
	fail := Bounds(func(context.Context) (int, int64, error) { return 0, 0, sentinel })
	assert.ErrorIs(t, fail.Check(context.Background(), run), sentinel)
}
