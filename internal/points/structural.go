package points

import (
	"context"
	"encoding/json"
	"strings"
)

func registerStructural(r *Registry) {
	r.Register("is_json", gradeIsJSON)
	r.Register("word_count_between", gradeWordCountBetween)
}

// gradeIsJSON passes only when the whole response parses as JSON and
// the parsed value is an object or array. Bare scalars are valid JSON
// but fail: a model answering "42" has not produced structured output.
func gradeIsJSON(_ context.Context, response string, _ any, _ *Context) (Score, error) {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &v); err != nil {
		return boolScore(false), nil
	}
	switch v.(type) {
	case map[string]any, []any:
		return boolScore(true), nil
	default:
		return boolScore(false), nil
	}
}

func gradeWordCountBetween(_ context.Context, response string, args any, _ *Context) (Score, error) {
	lo, hi, err := argRange("word_count_between", args)
	if err != nil {
		return Score{}, err
	}
	wc := float64(len(strings.Fields(response)))
	return bandedScore(wc, lo, hi), nil
}
