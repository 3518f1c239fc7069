// Package exprlang is the expression language the Expression Resolver (C7)
// evaluates node parameters against. It generalizes a CEL-based
// condition.Evaluator (branch/loop routing conditions) from a single
// boolean-returning expression type to arbitrary-value parameter
// expressions carrying the documented "={{ ... }}" marker.
package exprlang

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Sentinel errors the resolver classifies into resolvedParams.state:
// "pending" for the first three (data not available yet, but the
// expression itself is sound), "invalid" for anything else.
var (
	ErrNoExecutionData        = errors.New("exprlang: no execution data")
	ErrNoNodeExecutionData    = errors.New("exprlang: no node execution data")
	ErrPairedItemIntermediate = errors.New("exprlang: paired item intermediate nodes")
)

var exprPattern = regexp.MustCompile(`(?s)^=\{\{(.*)\}\}$`)

// IsExpression reports whether a raw parameter value carries the
// documented expression marker.
func IsExpression(raw string) bool {
	return exprPattern.MatchString(strings.TrimSpace(raw))
}

// Context supplies the variables an expression may reference: the current
// input item's json, a map of nodeName to that node's latest output (for
// back-references like nodes["A"].json.field), the variables bag, and an
// execution descriptor stub.
type Context struct {
	JSON      interface{}
	Nodes     map[string]interface{}
	Vars      map[string]interface{}
	Execution map[string]interface{}

	// HasExecutionData must be true for $json/back-references to resolve;
	// when false, Evaluate returns ErrNoExecutionData for any expression
	// that references json or nodes, matching the "pending" classification
	// for nodes whose parent hasn't run yet.
	HasExecutionData bool
}

// Evaluator compiles and caches CEL programs by normalized expression
// string, exactly as condition.Evaluator does.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
	env   *cel.Env
}

// New creates an evaluator with its own compiled-program cache.
func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("json", cel.DynType),
		cel.Variable("nodes", cel.DynType),
		cel.Variable("vars", cel.DynType),
		cel.Variable("execution", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &Evaluator{
		cache: make(map[string]cel.Program),
		env:   env,
	}, nil
}

// Evaluate evaluates a raw "={{ ... }}" parameter value and returns its
// resolved value.
func (e *Evaluator) Evaluate(raw string, ctx Context) (interface{}, error) {
	m := exprPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return nil, fmt.Errorf("exprlang: %q is not an expression", raw)
	}
	body := strings.TrimSpace(m[1])
	normalized := normalize(body)

	if !ctx.HasExecutionData && referencesExecutionData(normalized) {
		return nil, ErrNoExecutionData
	}
	if strings.Contains(normalized, "nodes[") && ctx.Nodes == nil {
		// The expression back-references another node's output, but no
		// node-output chain was supplied: the intermediate nodes between
		// this one and the referenced node haven't produced paired-item
		// data yet.
		return nil, ErrPairedItemIntermediate
	}

	prg, err := e.compiled(normalized)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"json":      ctx.JSON,
		"nodes":     ctx.Nodes,
		"vars":      ctx.Vars,
		"execution": ctx.Execution,
	})
	if err != nil {
		if strings.Contains(err.Error(), "no such key") || strings.Contains(err.Error(), "no such attribute") {
			return nil, ErrNoNodeExecutionData
		}
		return nil, fmt.Errorf("exprlang: evaluation error: %w", err)
	}

	return out.Value(), nil
}

func (e *Evaluator) compiled(normalized string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[normalized]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(normalized)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("exprlang: compilation error: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("exprlang: program construction error: %w", err)
	}

	e.mu.Lock()
	e.cache[normalized] = prg
	e.mu.Unlock()
	return prg, nil
}

// ClearCache drops all compiled programs, e.g. after a node-type schema
// change invalidates assumptions baked into compiled expressions.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// normalize rewrites the n8n-flavored expression surface ($json, $node(),
// $vars, $execution) into the CEL root variable names this evaluator's
// environment declares.
func normalize(body string) string {
	body = nodeRefPattern.ReplaceAllString(body, `nodes["$1"]`)
	body = strings.ReplaceAll(body, "$json", "json")
	body = strings.ReplaceAll(body, "$vars", "vars")
	body = strings.ReplaceAll(body, "$execution", "execution")
	return body
}

var nodeRefPattern = regexp.MustCompile(`\$node\(\s*["']([^"']+)["']\s*\)`)

func referencesExecutionData(normalized string) bool {
	return strings.Contains(normalized, "json") || strings.Contains(normalized, "nodes[")
}
