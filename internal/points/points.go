// Package points implements the deterministic grading functions a
// blueprint can reference by name: substring and regex checks,
// structural checks, tool-trace checks, a sandboxed script evaluator
// and an external HTTP grader. Every grader takes the response text,
// its blueprint-supplied args and the grading context, and returns a
// score in [0,1] with an optional explanation.
package points

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/longregen/rubric/internal/domain/models"
)

// Score is one grading outcome.
type Score struct {
	Value   float64
	Explain string
}

// Context carries the surroundings a grader may consult. Response is
// the full cell detail so tool-trace graders can read recorded tool
// calls.
type Context struct {
	Blueprint *models.Blueprint
	Prompt    *models.Prompt
	ModelID   string
	Response  *models.ModelResponseDetail
}

// GraderFunc is one registered grading function.
type GraderFunc func(ctx context.Context, response string, args any, gctx *Context) (Score, error)

// Registry maps function names to graders. Lookup resolves not_
// prefixes by wrapping the positive grader with score inversion.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]GraderFunc
}

// RegistryOption configures optional graders.
type RegistryOption func(*Registry)

// WithServiceCaller registers the "call" grader backed by the given
// external-service caller.
func WithServiceCaller(c *ServiceCaller) RegistryOption {
	return func(r *Registry) {
		r.Register("call", c.Grade)
	}
}

// NewRegistry builds a registry with every built-in grader installed.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{fns: make(map[string]GraderFunc)}
	registerSubstring(r)
	registerRegex(r)
	registerStructural(r)
	registerTools(r)
	registerSandbox(r)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register installs or replaces a grader under name.
func (r *Registry) Register(name string, fn GraderFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
}

// Lookup resolves name to a grader. A not_ prefix that does not match
// a registered grader verbatim resolves to the positive grader with
// its score inverted; errors pass through uninverted.
func (r *Registry) Lookup(name string) (GraderFunc, bool) {
	r.mu.RLock()
	fn, ok := r.fns[name]
	r.mu.RUnlock()
	if ok {
		return fn, true
	}
	base, found := strings.CutPrefix(name, "not_")
	if !found {
		return nil, false
	}
	r.mu.RLock()
	fn, ok = r.fns[base]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	inverted := func(ctx context.Context, response string, args any, gctx *Context) (Score, error) {
		s, err := fn(ctx, response, args, gctx)
		if err != nil {
			return Score{}, err
		}
		s.Value = 1 - s.Value
		return s, nil
	}
	return inverted, true
}

// Grade resolves and invokes a grader in one step.
func (r *Registry) Grade(ctx context.Context, name, response string, args any, gctx *Context) (Score, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return Score{}, fmt.Errorf("unknown point function %q", name)
	}
	return fn(ctx, response, args, gctx)
}

func boolScore(b bool) Score {
	if b {
		return Score{Value: 1}
	}
	return Score{Value: 0}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// argString expects args to be a single string.
func argString(fn string, args any) (string, error) {
	s, ok := args.(string)
	if !ok {
		return "", fmt.Errorf("%s expects a string argument, got %T", fn, args)
	}
	return s, nil
}

// argStringList expects args to be a list of strings.
func argStringList(fn string, args any) ([]string, error) {
	raw, ok := args.([]any)
	if !ok {
		if list, ok := args.([]string); ok {
			return list, nil
		}
		return nil, fmt.Errorf("%s expects a list of strings, got %T", fn, args)
	}
	out := make([]string, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s expects strings, element %d is %T", fn, i, v)
		}
		out = append(out, s)
	}
	return out, nil
}

// argCountedList expects args of the form [n, [s...]].
func argCountedList(fn string, args any) (int, []string, error) {
	raw, ok := args.([]any)
	if !ok || len(raw) != 2 {
		return 0, nil, fmt.Errorf("%s expects [n, [items]], got %v", fn, args)
	}
	n, err := toNumber(raw[0])
	if err != nil {
		return 0, nil, fmt.Errorf("%s expects a numeric first element: %w", fn, err)
	}
	list, err := argStringList(fn, raw[1])
	if err != nil {
		return 0, nil, err
	}
	return int(n), list, nil
}

// argRange expects args of the form [min, max] with 0 ≤ min ≤ max.
func argRange(fn string, args any) (float64, float64, error) {
	raw, ok := args.([]any)
	if !ok || len(raw) < 2 {
		return 0, 0, fmt.Errorf("%s expects [min, max], got %v", fn, args)
	}
	lo, err := toNumber(raw[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%s min: %w", fn, err)
	}
	hi, err := toNumber(raw[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%s max: %w", fn, err)
	}
	if lo < 0 || hi < lo {
		return 0, 0, fmt.Errorf("%s requires 0 <= min <= max, got [%v, %v]", fn, lo, hi)
	}
	return lo, hi, nil
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// bandedScore grades a count against [lo, hi]: 1 inside the range,
// count/min below it, max/count above it.
func bandedScore(count, lo, hi float64) Score {
	switch {
	case count >= lo && count <= hi:
		return Score{Value: 1}
	case count < lo:
		if lo == 0 {
			return Score{Value: 1}
		}
		return Score{Value: clamp01(count / lo)}
	default:
		if count == 0 {
			return Score{Value: 0}
		}
		return Score{Value: clamp01(hi / count)}
	}
}

// fractionScore grades found-of-total, mapping an empty total to 1.
func fractionScore(found, total int) Score {
	if total <= 0 {
		return Score{Value: 1}
	}
	return Score{Value: clamp01(float64(found) / float64(total))}
}

// atLeastScore grades found against a minimum n: min(1, found/n), with
// n ≤ 0 vacuously satisfied.
func atLeastScore(found, n int) Score {
	if n <= 0 {
		return Score{Value: 1}
	}
	return Score{Value: math.Min(1, float64(found)/float64(n))}
}
