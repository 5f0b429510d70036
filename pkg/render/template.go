// Package render is the template collaborator: it compiles template files and
// renders query bindings into source text. Rendering is deterministic: the
// only data reaching a template is the sorted binding rows and the rule
// metadata, never wall-clock time or randomness.
package render

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"
)

// CompileError reports a template that failed to parse, with the line the
// parser stopped at.
type CompileError struct {
	Template string
	Line     int
	Detail   string
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("template %s:%d: %s", e.Template, e.Line, e.Detail)
	}
	return fmt.Sprintf("template %s: %s", e.Template, e.Detail)
}

// lineRe matches the "name:LINE:" position prefix text/template puts in its
// parse errors.
var lineRe = regexp.MustCompile(`:(\d+)(?::\d+)?: (.*)$`)

// Compiled is a parsed, render-ready template.
type Compiled struct {
	Name string
	tmpl *template.Template
}

// Compile parses a template source. The function map contains only pure
// string helpers, keeping output a function of input alone.
func Compile(name, source string) (*Compiled, error) {
	tmpl, err := template.New(name).Funcs(funcMap()).Parse(source)
	if err != nil {
		return nil, toCompileError(name, err)
	}
	return &Compiled{Name: name, tmpl: tmpl}, nil
}

func toCompileError(name string, err error) *CompileError {
	msg := err.Error()
	ce := &CompileError{Template: name, Detail: msg}
	if m := lineRe.FindStringSubmatch(msg); m != nil {
		if line, convErr := strconv.Atoi(m[1]); convErr == nil {
			ce.Line = line
			ce.Detail = m[2]
		}
	}
	return ce
}

// Render executes the template over data and returns the produced text.
func (c *Compiled) Render(data interface{}) (string, error) {
	var sb strings.Builder
	if err := c.tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s: %w", c.Name, err)
	}
	return sb.String(), nil
}

func funcMap() template.FuncMap {
	return template.FuncMap{
		"lower":      strings.ToLower,
		"upper":      strings.ToUpper,
		"trimPrefix": func(prefix, s string) string { return strings.TrimPrefix(s, prefix) },
		"trimSuffix": func(suffix, s string) string { return strings.TrimSuffix(s, suffix) },
		"replace":    func(old, new, s string) string { return strings.ReplaceAll(s, old, new) },
		"pascal":     toPascal,
		"snake":      toSnake,
	}
}

// toPascal converts name-like tokens (/billing-service, billing_service) to
// PascalCase identifiers.
func toPascal(s string) string {
	s = strings.TrimPrefix(s, "/")
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == '/' || r == '.' || r == ' '
	})
	var sb strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		sb.WriteString(strings.ToUpper(p[:1]))
		sb.WriteString(p[1:])
	}
	return sb.String()
}

func toSnake(s string) string {
	s = strings.TrimPrefix(s, "/")
	var sb strings.Builder
	for i, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r + ('a' - 'A'))
		case r == '-' || r == '/' || r == '.' || r == ' ':
			sb.WriteByte('_')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
