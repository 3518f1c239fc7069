// Package resolver is the Expression Resolver (C7): it walks node
// parameters, resolves expressions against the most recent run data and
// pin data, and reports results keyed by "<nodeId>:<paramPath>" for the
// caller to write into the execution document.
package resolver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lyzr/tabcoord/internal/coordlog"
	"github.com/lyzr/tabcoord/internal/exprlang"
)

// State is one of a resolved parameter's possible states.
type State string

const (
	StateValid   State = "valid"
	StatePending State = "pending"
	StateInvalid State = "invalid"
)

// ResolvedValue is one entry of D_e.resolvedParams.
type ResolvedValue struct {
	Expression string      `json:"expression"`
	Resolved   interface{} `json:"resolved,omitempty"`
	State      State       `json:"state"`
	Error      string      `json:"error,omitempty"`
	ResolvedAt int64       `json:"resolvedAt"`
}

// Resolver evaluates node parameter trees using exprlang.
type Resolver struct {
	eval *exprlang.Evaluator
	log  *coordlog.Logger
	now  func() time.Time
}

// New creates a Resolver. now defaults to time.Now and is overridable for
// tests.
func New(eval *exprlang.Evaluator, log *coordlog.Logger) *Resolver {
	return &Resolver{eval: eval, log: log, now: time.Now}
}

// ResolveNode walks params recursively and returns, for every expression
// leaf found, its resolved value keyed by dotted/indexed paramPath (e.g.
// "url" or "headers.Authorization" or "items[0].name"). stalePaths lists
// paramPaths present in previouslyResolved but no longer backed by an
// expression leaf — the caller must delete those resolvedParams entries
// from the execution document as a deletion sweep.
func (r *Resolver) ResolveNode(params map[string]interface{}, ctx exprlang.Context, previouslyResolved map[string]struct{}) (resolved map[string]ResolvedValue, stalePaths []string) {
	resolved = make(map[string]ResolvedValue)
	seen := make(map[string]struct{})

	r.walk("", params, ctx, resolved, seen)

	for path := range previouslyResolved {
		if _, ok := seen[path]; !ok {
			stalePaths = append(stalePaths, path)
		}
	}
	return resolved, stalePaths
}

func (r *Resolver) walk(prefix string, value interface{}, ctx exprlang.Context, resolved map[string]ResolvedValue, seen map[string]struct{}) {
	switch v := value.(type) {
	case string:
		if !exprlang.IsExpression(v) {
			return
		}
		seen[prefix] = struct{}{}
		resolved[prefix] = r.resolveLeaf(v, ctx)

	case map[string]interface{}:
		for key, child := range v {
			childPath := joinPath(prefix, key)
			r.walk(childPath, child, ctx, resolved, seen)
		}

	case []interface{}:
		for i, child := range v {
			childPath := fmt.Sprintf("%s[%d]", prefix, i)
			r.walk(childPath, child, ctx, resolved, seen)
		}
	}
}

func (r *Resolver) resolveLeaf(expr string, ctx exprlang.Context) ResolvedValue {
	rv := ResolvedValue{Expression: expr, ResolvedAt: r.now().UnixMilli()}

	value, err := r.eval.Evaluate(expr, ctx)
	if err == nil {
		rv.State = StateValid
		rv.Resolved = value
		return rv
	}

	switch {
	case isPendingError(err):
		rv.State = StatePending
		rv.Error = friendlyPendingMessage(err)
	default:
		rv.State = StateInvalid
		rv.Error = err.Error()
	}
	return rv
}

func isPendingError(err error) bool {
	switch {
	case errors.Is(err, exprlang.ErrNoExecutionData):
		return true
	case errors.Is(err, exprlang.ErrNoNodeExecutionData):
		return true
	case errors.Is(err, exprlang.ErrPairedItemIntermediate):
		return true
	default:
		return false
	}
}

func friendlyPendingMessage(err error) string {
	switch {
	case errors.Is(err, exprlang.ErrNoExecutionData):
		return "no execution data available yet"
	case errors.Is(err, exprlang.ErrNoNodeExecutionData):
		return "no node execution data available yet"
	case errors.Is(err, exprlang.ErrPairedItemIntermediate):
		return "waiting on paired item through intermediate nodes"
	default:
		return err.Error()
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// KeyFor builds the D_e.resolvedParams key "<nodeId>:<paramPath>".
func KeyFor(nodeID, paramPath string) string {
	return nodeID + ":" + paramPath
}

// SplitKey reverses KeyFor, used when iterating resolvedParams entries.
func SplitKey(key string) (nodeID, paramPath string, ok bool) {
	idx := strings.Index(key, ":")
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}
