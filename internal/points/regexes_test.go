package points

import (
	"context"
	"testing"
)

func TestMatchesFamily(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name     string
		fn       string
		response string
		args     any
		want     float64
	}{
		{name: "matches hit", fn: "matches", response: "order #4211 shipped", args: `#\d+`, want: 1},
		{name: "matches miss", fn: "matches", response: "no numbers here", args: `#\d+`, want: 0},
		{name: "matches case-sensitive", fn: "matches", response: "Hello", args: "hello", want: 0},
		{name: "imatches folds case", fn: "imatches", response: "Hello", args: "hello", want: 1},

		{name: "matches_all_of full", fn: "matches_all_of", response: "a1 b2", args: []any{`a\d`, `b\d`}, want: 1},
		{name: "matches_all_of partial", fn: "matches_all_of", response: "a1", args: []any{`a\d`, `b\d`}, want: 0.5},
		{name: "matches_all_of empty", fn: "matches_all_of", response: "x", args: []any{}, want: 1},

		{name: "matches_at_least_n met", fn: "matches_at_least_n_of", response: "a1 b2", args: []any{float64(2), []any{`a\d`, `b\d`, `c\d`}}, want: 1},
		{name: "matches_at_least_n partial", fn: "matches_at_least_n_of", response: "a1", args: []any{float64(2), []any{`a\d`, `b\d`, `c\d`}}, want: 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := grade(t, r, tt.fn, tt.response, tt.args); got.Value != tt.want {
				t.Errorf("%s = %v, want %v", tt.fn, got.Value, tt.want)
			}
		})
	}
}

func TestMatchesCompileErrors(t *testing.T) {
	r := NewRegistry()

	for _, fn := range []string{"matches", "imatches"} {
		if _, err := r.Grade(context.Background(), fn, "text", "([unclosed", nil); err == nil {
			t.Errorf("%s: expected compile error for invalid pattern", fn)
		}
	}
	if _, err := r.Grade(context.Background(), "matches_all_of", "text", []any{"ok", "([bad"}, nil); err == nil {
		t.Error("matches_all_of: expected compile error for invalid pattern")
	}
}
