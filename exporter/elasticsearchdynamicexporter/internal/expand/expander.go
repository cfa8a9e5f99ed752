// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package expand evaluates whole-value configuration templates of the form
// ${expression} against the tag and fields of a record.
package expand // import "github.com/open-telemetry/esdynamic-collector/exporter/elasticsearchdynamicexporter/internal/expand"

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// DefaultDelimiter is used to split a tag into tag_parts when no delimiter
// is configured.
const DefaultDelimiter = "."

const (
	tagName      = "tag"
	tagPartsName = "tag_parts"
	recordName   = "record"
)

// ErrExpansion is returned when a template cannot be compiled or evaluated.
var ErrExpansion = errors.New("template expansion failed")

// compileEnv declares the only names an expression may reference.
var compileEnv = map[string]any{
	tagName:      "",
	tagPartsName: []string{},
	recordName:   map[string]any{},
}

var envPool = sync.Pool{
	New: func() any {
		return make(map[string]any, len(compileEnv))
	},
}

// Scope binds the record a template is evaluated for. A nil *Scope means no
// record is available, as when the configuration is first loaded.
type Scope struct {
	Tag    string
	Record map[string]any
}

// Parse reports whether value is a template and returns the expression
// between "${" and "}". Only strings wrapped as a whole qualify.
func Parse(value any) (string, bool) {
	s, ok := value.(string)
	if !ok || len(s) <= len("${}") {
		return "", false
	}
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	return s[2 : len(s)-1], true
}

// Template is a compiled expression.
type Template struct {
	expression string
	program    *vm.Program
	contextual bool
	tagParts   bool
}

// Expression returns the source text of the template.
func (t *Template) Expression() string {
	return t.expression
}

// Contextual reports whether the template reads tag, tag_parts or record and
// therefore needs a Scope to be evaluated.
func (t *Template) Contextual() bool {
	return t.contextual
}

type identifiers map[string]struct{}

func (ids identifiers) Visit(node *ast.Node) {
	if n, ok := (*node).(*ast.IdentifierNode); ok {
		ids[n.Value] = struct{}{}
	}
}

func (ids identifiers) has(name string) bool {
	_, ok := ids[name]
	return ok
}

func compile(expression string) (*Template, error) {
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, expansionError(expression, err)
	}
	refs := identifiers{}
	ast.Walk(&tree.Node, refs)

	program, err := expr.Compile(expression,
		expr.Env(compileEnv),
		expr.DisableBuiltin("now"),
	)
	if err != nil {
		return nil, expansionError(expression, err)
	}

	return &Template{
		expression: expression,
		program:    program,
		contextual: refs.has(tagName) || refs.has(tagPartsName) || refs.has(recordName),
		tagParts:   refs.has(tagPartsName),
	}, nil
}

func expansionError(expression string, err error) error {
	return fmt.Errorf("%w: %q: %w", ErrExpansion, expression, err)
}

// Expander compiles and evaluates templates. Compiled templates are cached
// by expression; an Expander is safe for concurrent use.
type Expander struct {
	delimiter string

	mu        sync.RWMutex
	templates map[string]*Template
}

// New returns an Expander splitting tags on delimiter.
func New(delimiter string) *Expander {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	return &Expander{
		delimiter: delimiter,
		templates: make(map[string]*Template),
	}
}

// Compile returns the compiled template for expression.
func (e *Expander) Compile(expression string) (*Template, error) {
	e.mu.RLock()
	t, ok := e.templates[expression]
	e.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.templates[expression] = t
	e.mu.Unlock()
	return t, nil
}

// Expand returns value unchanged unless it is a template, in which case the
// result of evaluating the template for scope is returned as is.
func (e *Expander) Expand(value any, scope *Scope) (any, error) {
	expression, ok := Parse(value)
	if !ok {
		return value, nil
	}
	t, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	return e.Eval(t, scope)
}

// Eval evaluates a compiled template for scope.
func (e *Expander) Eval(t *Template, scope *Scope) (any, error) {
	if t.contextual && scope == nil {
		return nil, expansionError(t.expression, errors.New("tag and record are not bound"))
	}

	env := envPool.Get().(map[string]any)
	defer func() {
		clear(env)
		envPool.Put(env)
	}()

	if scope != nil {
		record := scope.Record
		if record == nil {
			record = map[string]any{}
		}
		env[tagName] = scope.Tag
		env[recordName] = record
		if t.tagParts {
			env[tagPartsName] = strings.Split(scope.Tag, e.delimiter)
		}
	}

	out, err := vm.Run(t.program, env)
	if err != nil {
		return nil, expansionError(t.expression, err)
	}
	return out, nil
}
