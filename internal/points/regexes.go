package points

import (
	"context"
	"fmt"
	"regexp"
)

func registerRegex(r *Registry) {
	for _, insensitive := range []bool{false, true} {
		prefix := ""
		if insensitive {
			prefix = "i"
		}
		r.Register(prefix+"matches", makeMatches(insensitive))
		r.Register(prefix+"matches_all_of", makeMatchesAllOf(insensitive))
		r.Register(prefix+"matches_at_least_n_of", makeMatchesAtLeastNOf(insensitive))
	}
}

// compilePattern compiles a user-supplied pattern, optionally forcing
// case-insensitive matching.
func compilePattern(fn, pattern string, insensitive bool) (*regexp.Regexp, error) {
	if insensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid pattern %q: %w", fn, pattern, err)
	}
	return re, nil
}

func makeMatches(insensitive bool) GraderFunc {
	return func(_ context.Context, response string, args any, _ *Context) (Score, error) {
		pattern, err := argString("matches", args)
		if err != nil {
			return Score{}, err
		}
		re, err := compilePattern("matches", pattern, insensitive)
		if err != nil {
			return Score{}, err
		}
		return boolScore(re.MatchString(response)), nil
	}
}

func makeMatchesAllOf(insensitive bool) GraderFunc {
	return func(_ context.Context, response string, args any, _ *Context) (Score, error) {
		patterns, err := argStringList("matches_all_of", args)
		if err != nil {
			return Score{}, err
		}
		found := 0
		for _, p := range patterns {
			re, err := compilePattern("matches_all_of", p, insensitive)
			if err != nil {
				return Score{}, err
			}
			if re.MatchString(response) {
				found++
			}
		}
		return fractionScore(found, len(patterns)), nil
	}
}

func makeMatchesAtLeastNOf(insensitive bool) GraderFunc {
	return func(_ context.Context, response string, args any, _ *Context) (Score, error) {
		n, patterns, err := argCountedList("matches_at_least_n_of", args)
		if err != nil {
			return Score{}, err
		}
		found := 0
		for _, p := range patterns {
			re, err := compilePattern("matches_at_least_n_of", p, insensitive)
			if err != nil {
				return Score{}, err
			}
			if re.MatchString(response) {
				found++
			}
		}
		return atLeastScore(found, n), nil
	}
}
