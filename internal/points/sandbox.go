package points

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// jsTimeout is the hard CPU budget for one script evaluation.
const jsTimeout = 100 * time.Millisecond

func registerSandbox(r *Registry) {
	r.Register("js", gradeJS)
}

// gradeJS evaluates a user script against the response text. The VM is
// fresh per call and exposes a single binding, "response"; there are
// no host APIs. Expression form is tried first; a script tripping over
// an illegal top-level return is rerun wrapped in a function body.
func gradeJS(_ context.Context, response string, args any, _ *Context) (Score, error) {
	src, err := argString("js", args)
	if err != nil {
		return Score{}, err
	}
	val, err := runScript(src, map[string]any{"response": response})
	if err != nil {
		return Score{}, err
	}
	return coerceScriptValue(val)
}

func runScript(src string, bindings map[string]any) (goja.Value, error) {
	vm := goja.New()
	for k, v := range bindings {
		if err := vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("js: bind %s: %w", k, err)
		}
	}
	timer := time.AfterFunc(jsTimeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	val, err := vm.RunString(src)
	if err != nil && isIllegalReturn(err) {
		val, err = vm.RunString("(function(){" + src + "\n})()")
	}
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("js: script exceeded the %v execution limit", jsTimeout)
		}
		return nil, fmt.Errorf("js: %w", err)
	}
	return val, nil
}

func isIllegalReturn(err error) bool {
	return strings.Contains(err.Error(), "Illegal return")
}

// coerceScriptValue maps a script result to a score: booleans as 1/0,
// numbers clamped to [0,1], undefined as 0, {score, explain} passed
// through. Anything else is a grading error.
func coerceScriptValue(val goja.Value) (Score, error) {
	if val == nil || goja.IsUndefined(val) {
		return Score{Value: 0}, nil
	}
	if goja.IsNull(val) {
		return Score{}, fmt.Errorf("js: script returned null")
	}
	switch v := val.Export().(type) {
	case bool:
		return boolScore(v), nil
	case int64:
		return Score{Value: clamp01(float64(v))}, nil
	case float64:
		if math.IsNaN(v) {
			return Score{}, fmt.Errorf("js: script returned NaN")
		}
		return Score{Value: clamp01(v)}, nil
	case map[string]any:
		raw, ok := v["score"]
		if !ok {
			return Score{}, fmt.Errorf("js: object result must carry a score field")
		}
		s := Score{}
		switch n := raw.(type) {
		case bool:
			s = boolScore(n)
		case int64:
			s.Value = clamp01(float64(n))
		case float64:
			if math.IsNaN(n) {
				return Score{}, fmt.Errorf("js: score is NaN")
			}
			s.Value = clamp01(n)
		default:
			return Score{}, fmt.Errorf("js: score must be a number or boolean, got %T", raw)
		}
		if explain, ok := v["explain"].(string); ok {
			s.Explain = explain
		}
		return s, nil
	default:
		return Score{}, fmt.Errorf("js: unsupported result type %T", v)
	}
}

// evalPredicate runs src as a boolean expression with the given
// bindings, under the same sandbox limits as the js grader.
func evalPredicate(src string, bindings map[string]any) (bool, error) {
	val, err := runScript(src, bindings)
	if err != nil {
		return false, err
	}
	if val == nil {
		return false, nil
	}
	return val.ToBoolean(), nil
}
