package points

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/longregen/rubric/internal/domain/models"
)

func registerTools(r *Registry) {
	r.Register("tool_called", gradeToolCalled)
	r.Register("tool_args_match", gradeToolArgsMatch)
	r.Register("tool_call_count_between", gradeToolCallCountBetween)
	r.Register("tool_call_order", gradeToolCallOrder)
}

// toolCallsFor returns the cell's recorded tool calls, falling back to
// extraction from the response text when the provider surfaced none.
func toolCallsFor(gctx *Context, response string) []models.ToolCall {
	if gctx != nil && gctx.Response != nil && len(gctx.Response.ToolCalls) > 0 {
		return gctx.Response.ToolCalls
	}
	return extractToolCalls(response)
}

var fencedBlockRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

// extractToolCalls recovers tool invocations a model wrote into its
// text instead of returning structurally: fenced JSON blocks holding a
// {name, arguments} object, an array of them, or a {tool_calls: [...]}
// envelope.
func extractToolCalls(text string) []models.ToolCall {
	var out []models.ToolCall
	for _, m := range fencedBlockRe.FindAllStringSubmatch(text, -1) {
		block := strings.TrimSpace(m[1])
		if block == "" {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(block), &v); err != nil {
			continue
		}
		out = append(out, callsFromValue(v)...)
	}
	return out
}

func callsFromValue(v any) []models.ToolCall {
	switch t := v.(type) {
	case []any:
		var out []models.ToolCall
		for _, e := range t {
			out = append(out, callsFromValue(e)...)
		}
		return out
	case map[string]any:
		if inner, ok := t["tool_calls"]; ok {
			return callsFromValue(inner)
		}
		name, ok := t["name"].(string)
		if !ok || name == "" {
			return nil
		}
		call := models.ToolCall{Name: name}
		for _, key := range []string{"arguments", "args", "parameters"} {
			switch args := t[key].(type) {
			case map[string]any:
				call.Arguments = args
			case string:
				var parsed map[string]any
				if err := json.Unmarshal([]byte(args), &parsed); err == nil {
					call.Arguments = parsed
				}
			}
			if call.Arguments != nil {
				break
			}
		}
		return []models.ToolCall{call}
	default:
		return nil
	}
}

func gradeToolCalled(_ context.Context, response string, args any, gctx *Context) (Score, error) {
	name, err := argString("tool_called", args)
	if err != nil {
		return Score{}, err
	}
	for _, call := range toolCallsFor(gctx, response) {
		if call.Name == name {
			return boolScore(true), nil
		}
	}
	return boolScore(false), nil
}

// gradeToolArgsMatch passes when any call to the named tool carries
// arguments matching `where`: a map is a partial deep-match, a string
// is a predicate expression evaluated with `args` bound to the call's
// arguments.
func gradeToolArgsMatch(_ context.Context, response string, args any, gctx *Context) (Score, error) {
	spec, ok := args.(map[string]any)
	if !ok {
		return Score{}, fmt.Errorf("tool_args_match expects {name, where, normalizeWhitespace?}, got %T", args)
	}
	name, ok := spec["name"].(string)
	if !ok || name == "" {
		return Score{}, fmt.Errorf("tool_args_match requires a tool name")
	}
	where, ok := spec["where"]
	if !ok {
		return Score{}, fmt.Errorf("tool_args_match requires a where clause")
	}
	normWS, _ := spec["normalizeWhitespace"].(bool)

	for _, call := range toolCallsFor(gctx, response) {
		if call.Name != name {
			continue
		}
		switch w := where.(type) {
		case map[string]any:
			if deepSubset(call.Arguments, w, normWS) {
				return boolScore(true), nil
			}
		case string:
			callArgs := call.Arguments
			if callArgs == nil {
				callArgs = map[string]any{}
			}
			pass, err := evalPredicate(w, map[string]any{"args": callArgs})
			if err != nil {
				return Score{}, fmt.Errorf("tool_args_match predicate: %w", err)
			}
			if pass {
				return boolScore(true), nil
			}
		default:
			return Score{}, fmt.Errorf("tool_args_match where must be an object or a predicate string, got %T", where)
		}
	}
	return boolScore(false), nil
}

// deepSubset reports whether every key in want is present in got with
// a matching value. Maps recurse, arrays compare element-wise, strings
// optionally compare with collapsed whitespace.
func deepSubset(got map[string]any, want map[string]any, normWS bool) bool {
	for k, wv := range want {
		gv, ok := got[k]
		if !ok {
			return false
		}
		if !valueMatches(gv, wv, normWS) {
			return false
		}
	}
	return true
}

func valueMatches(got, want any, normWS bool) bool {
	switch w := want.(type) {
	case map[string]any:
		g, ok := got.(map[string]any)
		return ok && deepSubset(g, w, normWS)
	case []any:
		g, ok := got.([]any)
		if !ok || len(g) != len(w) {
			return false
		}
		for i := range w {
			if !valueMatches(g[i], w[i], normWS) {
				return false
			}
		}
		return true
	case string:
		g, ok := got.(string)
		if !ok {
			return false
		}
		if normWS {
			return collapseWhitespace(g) == collapseWhitespace(w)
		}
		return g == w
	case nil:
		return got == nil
	default:
		gn, gerr := toNumber(got)
		wn, werr := toNumber(want)
		if gerr == nil && werr == nil {
			return gn == wn
		}
		return got == want
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func gradeToolCallCountBetween(_ context.Context, response string, args any, gctx *Context) (Score, error) {
	raw, ok := args.([]any)
	if !ok || len(raw) < 2 || len(raw) > 3 {
		return Score{}, fmt.Errorf("tool_call_count_between expects [min, max, name?], got %v", args)
	}
	lo, hi, err := argRange("tool_call_count_between", raw[:2])
	if err != nil {
		return Score{}, err
	}
	name := ""
	if len(raw) == 3 {
		name, ok = raw[2].(string)
		if !ok {
			return Score{}, fmt.Errorf("tool_call_count_between name must be a string, got %T", raw[2])
		}
	}
	count := 0
	for _, call := range toolCallsFor(gctx, response) {
		if name == "" || call.Name == name {
			count++
		}
	}
	return bandedScore(float64(count), lo, hi), nil
}

// gradeToolCallOrder passes when the named tools were called in the
// given order, allowing other calls in between.
func gradeToolCallOrder(_ context.Context, response string, args any, gctx *Context) (Score, error) {
	names, err := argStringList("tool_call_order", args)
	if err != nil {
		return Score{}, err
	}
	if len(names) == 0 {
		return boolScore(true), nil
	}
	next := 0
	for _, call := range toolCallsFor(gctx, response) {
		if call.Name == names[next] {
			next++
			if next == len(names) {
				return boolScore(true), nil
			}
		}
	}
	return boolScore(false), nil
}
