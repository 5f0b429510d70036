// Package ontology loads Mangle source files into a saturated fact store and
// executes extraction queries against it. Ontology files carry facts and
// rules; rules are evaluated once at load time, so query execution reduces to
// matching against derived facts.
package ontology

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"github.com/ontoforge/ontoforge/pkg/canonicalize"
)

// ParseError reports a file that failed to parse or analyze as Mangle source.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("ontology analysis failed: %v", e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// QueryError reports a query that failed to parse or execute.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %q: %v", e.Query, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Graph is a read-only saturated fact store. Safe for concurrent queries once
// loaded; it is never mutated after Load returns.
type Graph struct {
	store      factstore.FactStore
	predicates map[string]ast.PredicateSym
	factCount  int
}

// Load parses every source file, analyzes the merged program, and evaluates
// all rules to saturation.
func Load(paths []string) (*Graph, error) {
	var clauses []ast.Clause
	var decls []ast.Decl

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read ontology %s: %w", path, err)
		}
		unit, err := parse.Unit(bytes.NewReader(data))
		if err != nil {
			return nil, &ParseError{File: path, Err: err}
		}
		clauses = append(clauses, unit.Clauses...)
		decls = append(decls, unit.Decls...)
	}

	unit := parse.SourceUnit{Clauses: clauses, Decls: decls}
	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	store := factstore.NewSimpleInMemoryStore()
	if _, err := mengine.EvalProgramWithStats(programInfo, store); err != nil {
		return nil, &ParseError{Err: err}
	}

	g := &Graph{
		store:      store,
		predicates: make(map[string]ast.PredicateSym),
	}
	// Declared predicates first, so a query against a predicate with zero
	// facts resolves instead of failing as undeclared.
	for sym := range programInfo.Decls {
		g.predicates[sym.Symbol] = sym
	}
	for _, sym := range store.ListPredicates() {
		g.predicates[sym.Symbol] = sym
		count := 0
		_ = store.GetFacts(ast.NewQuery(sym), func(ast.Atom) error {
			count++
			return nil
		})
		g.factCount += count
	}
	return g, nil
}

// FactCount returns the number of facts (base plus derived) in the graph.
func (g *Graph) FactCount() int { return g.factCount }

// Query is a parsed extraction query: a single atom whose variables become
// binding columns.
type Query struct {
	Source    string
	atom      ast.Atom
	variables []queryVariable
}

type queryVariable struct {
	Name  string
	Index int
}

// Columns returns the variable names bound by the query, in argument order.
func (q *Query) Columns() []string {
	cols := make([]string, len(q.variables))
	for i, v := range q.variables {
		cols[i] = v.Name
	}
	return cols
}

// ParseQuery parses a query of the form `predicate(Var, /const, ...)`.
func ParseQuery(text string) (*Query, error) {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return nil, &QueryError{Query: text, Err: fmt.Errorf("empty query")}
	}
	clean = strings.TrimPrefix(clean, "?")
	clean = strings.TrimSuffix(strings.TrimSpace(clean), ".")
	clean = strings.TrimSpace(clean)

	atom, err := parse.Atom(clean)
	if err != nil {
		atom, err = parse.Atom(clean + ".")
		if err != nil {
			return nil, &QueryError{Query: text, Err: err}
		}
	}

	variables := make([]queryVariable, 0, len(atom.Args))
	for idx, arg := range atom.Args {
		if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" {
			variables = append(variables, queryVariable{Name: v.Symbol, Index: idx})
		}
	}

	return &Query{Source: text, atom: atom, variables: variables}, nil
}

// Bindings is the ordered result set of a query: one row per matching fact.
type Bindings []map[string]interface{}

// Execute matches the query atom against the saturated store. Constant
// arguments must match; variable arguments bind. Rows come back in canonical
// order so rendering over them is deterministic.
func (g *Graph) Execute(ctx context.Context, q *Query) (Bindings, error) {
	sym, ok := g.predicates[q.atom.Predicate.Symbol]
	if !ok {
		return nil, &QueryError{Query: q.Source, Err: fmt.Errorf("predicate %s is not declared", q.atom.Predicate.Symbol)}
	}
	if sym.Arity != len(q.atom.Args) {
		return nil, &QueryError{Query: q.Source, Err: fmt.Errorf("predicate %s has arity %d, query supplies %d args", sym.Symbol, sym.Arity, len(q.atom.Args))}
	}

	var rows Bindings
	err := g.store.GetFacts(ast.NewQuery(sym), func(fact ast.Atom) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !matches(q.atom, fact) {
			return nil
		}
		row := make(map[string]interface{}, len(q.variables))
		for _, v := range q.variables {
			if v.Index < len(fact.Args) {
				row[v.Name] = termToInterface(fact.Args[v.Index])
			}
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, &QueryError{Query: q.Source, Err: err}
	}

	sortBindings(rows)
	return rows, nil
}

// matches checks the query's constant arguments against a candidate fact.
func matches(query, fact ast.Atom) bool {
	for i, arg := range query.Args {
		if _, isVar := arg.(ast.Variable); isVar {
			continue
		}
		if i >= len(fact.Args) || arg.String() != fact.Args[i].String() {
			return false
		}
	}
	return true
}

// sortBindings orders rows by their canonical serialization. The underlying
// store iterates in map order; without this, the same query could feed rows
// to a template in different orders across runs.
func sortBindings(rows Bindings) {
	keys := make([]string, len(rows))
	for i, row := range rows {
		s, err := canonicalize.JCSString(row)
		if err != nil {
			s = fmt.Sprintf("%v", row)
		}
		keys[i] = s
	}
	sort.Sort(&bindingSorter{rows: rows, keys: keys})
}

type bindingSorter struct {
	rows Bindings
	keys []string
}

func (b *bindingSorter) Len() int           { return len(b.rows) }
func (b *bindingSorter) Less(i, j int) bool { return b.keys[i] < b.keys[j] }
func (b *bindingSorter) Swap(i, j int) {
	b.rows[i], b.rows[j] = b.rows[j], b.rows[i]
	b.keys[i], b.keys[j] = b.keys[j], b.keys[i]
}

func termToInterface(term ast.BaseTerm) interface{} {
	switch v := term.(type) {
	case ast.Constant:
		return constantToInterface(v)
	case ast.Variable:
		return v.Symbol
	default:
		return term.String()
	}
}

func constantToInterface(constant ast.Constant) interface{} {
	switch constant.Type {
	case ast.StringType:
		return constant.Symbol
	case ast.NameType:
		return constant.Symbol
	case ast.NumberType:
		return constant.NumValue
	case ast.Float64Type:
		return math.Float64frombits(uint64(constant.NumValue))
	default:
		return constant.String()
	}
}
