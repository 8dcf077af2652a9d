package points

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

func registerSubstring(r *Registry) {
	for _, insensitive := range []bool{false, true} {
		prefix := ""
		if insensitive {
			prefix = "i"
		}
		r.Register(prefix+"contains", makeContains(insensitive))
		r.Register(prefix+"contains_any_of", makeContainsAnyOf(insensitive))
		r.Register(prefix+"contains_all_of", makeContainsAllOf(insensitive))
		r.Register(prefix+"contains_at_least_n_of", makeContainsAtLeastNOf(insensitive))
		r.Register(prefix+"starts_with", makeStartsWith(insensitive))
		r.Register(prefix+"ends_with", makeEndsWith(insensitive))
		r.Register(prefix+"contains_word", makeContainsWord(insensitive))
	}
}

func fold(s string, insensitive bool) string {
	if insensitive {
		return strings.ToLower(s)
	}
	return s
}

func makeContains(insensitive bool) GraderFunc {
	return func(_ context.Context, response string, args any, _ *Context) (Score, error) {
		needle, err := argString("contains", args)
		if err != nil {
			return Score{}, err
		}
		return boolScore(strings.Contains(fold(response, insensitive), fold(needle, insensitive))), nil
	}
}

func makeContainsAnyOf(insensitive bool) GraderFunc {
	return func(_ context.Context, response string, args any, _ *Context) (Score, error) {
		needles, err := argStringList("contains_any_of", args)
		if err != nil {
			return Score{}, err
		}
		haystack := fold(response, insensitive)
		for _, n := range needles {
			if strings.Contains(haystack, fold(n, insensitive)) {
				return boolScore(true), nil
			}
		}
		return boolScore(false), nil
	}
}

func makeContainsAllOf(insensitive bool) GraderFunc {
	return func(_ context.Context, response string, args any, _ *Context) (Score, error) {
		needles, err := argStringList("contains_all_of", args)
		if err != nil {
			return Score{}, err
		}
		haystack := fold(response, insensitive)
		found := 0
		for _, n := range needles {
			if strings.Contains(haystack, fold(n, insensitive)) {
				found++
			}
		}
		return fractionScore(found, len(needles)), nil
	}
}

func makeContainsAtLeastNOf(insensitive bool) GraderFunc {
	return func(_ context.Context, response string, args any, _ *Context) (Score, error) {
		n, needles, err := argCountedList("contains_at_least_n_of", args)
		if err != nil {
			return Score{}, err
		}
		haystack := fold(response, insensitive)
		found := 0
		for _, s := range needles {
			if strings.Contains(haystack, fold(s, insensitive)) {
				found++
			}
		}
		return atLeastScore(found, n), nil
	}
}

func makeStartsWith(insensitive bool) GraderFunc {
	return func(_ context.Context, response string, args any, _ *Context) (Score, error) {
		prefix, err := argString("starts_with", args)
		if err != nil {
			return Score{}, err
		}
		return boolScore(strings.HasPrefix(fold(response, insensitive), fold(prefix, insensitive))), nil
	}
}

func makeEndsWith(insensitive bool) GraderFunc {
	return func(_ context.Context, response string, args any, _ *Context) (Score, error) {
		suffix, err := argString("ends_with", args)
		if err != nil {
			return Score{}, err
		}
		return boolScore(strings.HasSuffix(fold(response, insensitive), fold(suffix, insensitive))), nil
	}
}

func makeContainsWord(insensitive bool) GraderFunc {
	return func(_ context.Context, response string, args any, _ *Context) (Score, error) {
		word, err := argString("contains_word", args)
		if err != nil {
			return Score{}, err
		}
		return boolScore(containsWord(fold(response, insensitive), fold(word, insensitive))), nil
	}
}

// isWordRune reports whether r continues a word: Unicode letters,
// digits and the underscore.
func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// containsWord reports whether needle occurs in haystack bounded on
// both sides by non-word runes (or the string edges). Scanning is on
// bytes, boundary checks on runes, so multi-byte words like "Paraná"
// are handled without regex escaping concerns.
func containsWord(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	for start := 0; start <= len(haystack)-len(needle); {
		idx := strings.Index(haystack[start:], needle)
		if idx < 0 {
			return false
		}
		abs := start + idx
		if wordBoundary(haystack, abs, abs+len(needle)) {
			return true
		}
		start = abs + 1
	}
	return false
}

func wordBoundary(s string, from, to int) bool {
	if from > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:from])
		if isWordRune(r) {
			return false
		}
	}
	if to < len(s) {
		r, _ := utf8.DecodeRuneInString(s[to:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}
