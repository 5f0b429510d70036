package ontology

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const domainSource = `
service(/billing, "Billing").
service(/auth, "Auth").
service(/ledger, "Ledger").

depends(/billing, /ledger).
depends(/auth, /billing).

reachable(X, Y) :- depends(X, Y).
reachable(X, Z) :- depends(X, Y), reachable(Y, Z).
`

func writeOntology(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FactsAndRules(t *testing.T) {
	g, err := Load([]string{writeOntology(t, "domain.mg", domainSource)})
	require.NoError(t, err)

	// 3 service + 2 depends + 3 derived reachable.
	assert.Equal(t, 8, g.FactCount())
}

func TestLoad_ParseError(t *testing.T) {
	_, err := Load([]string{writeOntology(t, "broken.mg", "service(/a")})
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.File, "broken.mg")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load([]string{filepath.Join(t.TempDir(), "absent.mg")})
	require.Error(t, err)
}

func TestParseQuery_Variables(t *testing.T) {
	q, err := ParseQuery("service(Name, Label)")
	require.NoError(t, err)
	assert.Equal(t, []string{"Name", "Label"}, q.Columns())

	q, err = ParseQuery("?depends(X, _).")
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, q.Columns())
}

func TestParseQuery_Invalid(t *testing.T) {
	_, err := ParseQuery("")
	require.Error(t, err)

	_, err = ParseQuery("not a query ((")
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
}

func TestExecute_BindsAndSorts(t *testing.T) {
	g, err := Load([]string{writeOntology(t, "domain.mg", domainSource)})
	require.NoError(t, err)

	q, err := ParseQuery("service(Name, Label)")
	require.NoError(t, err)

	rows, err := g.Execute(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// Canonical ordering is stable across runs.
	again, err := g.Execute(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, rows, again)
}

func TestExecute_ConstantFilter(t *testing.T) {
	g, err := Load([]string{writeOntology(t, "domain.mg", domainSource)})
	require.NoError(t, err)

	q, err := ParseQuery("depends(/auth, Target)")
	require.NoError(t, err)

	rows, err := g.Execute(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "/billing", rows[0]["Target"])
}

func TestExecute_DerivedPredicate(t *testing.T) {
	g, err := Load([]string{writeOntology(t, "domain.mg", domainSource)})
	require.NoError(t, err)

	q, err := ParseQuery("reachable(/auth, Target)")
	require.NoError(t, err)

	rows, err := g.Execute(context.Background(), q)
	require.NoError(t, err)
	// auth -> billing, auth -> billing -> ledger
	assert.Len(t, rows, 2)
}

func TestExecute_UndeclaredPredicate(t *testing.T) {
	g, err := Load([]string{writeOntology(t, "domain.mg", domainSource)})
	require.NoError(t, err)

	q, err := ParseQuery("nonexistent(X)")
	require.NoError(t, err)

	_, err = g.Execute(context.Background(), q)
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
}

func TestExecute_ArityMismatch(t *testing.T) {
	g, err := Load([]string{writeOntology(t, "domain.mg", domainSource)})
	require.NoError(t, err)

	q, err := ParseQuery("service(X)")
	require.NoError(t, err)

	_, err = g.Execute(context.Background(), q)
	require.Error(t, err)
}

func TestLoad_MultipleFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mg")
	b := filepath.Join(dir, "b.mg")
	require.NoError(t, os.WriteFile(a, []byte("kind(/one).\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("kind(/two).\n"), 0o644))

	g, err := Load([]string{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, g.FactCount())
}
