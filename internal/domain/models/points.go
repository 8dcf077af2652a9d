package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PointDefinition is one grading criterion as authored in a blueprint.
// Four shapes are accepted:
//
//	"literal assertion"                      judged by an LLM
//	["fn_name", args]                        deterministic function call
//	{"fn": "...", "fnArgs": ..., ...}        function call with metadata
//	{"text": "...", ...}                     LLM criterion with metadata
//	{"alternativePaths": [[...], [...]]}     scored as the best path
type PointDefinition struct {
	Text             string              `json:"text,omitempty"`
	Fn               string              `json:"fn,omitempty"`
	FnArgs           any                 `json:"fnArgs,omitempty"`
	Multiplier       *float64            `json:"multiplier,omitempty"`
	Citation         string              `json:"citation,omitempty"`
	ID               string              `json:"id,omitempty"`
	AlternativePaths [][]PointDefinition `json:"alternativePaths,omitempty"`
}

func (d *PointDefinition) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = PointDefinition{Text: s}
		return nil
	case strings.HasPrefix(trimmed, "["):
		var tuple []json.RawMessage
		if err := json.Unmarshal(data, &tuple); err != nil {
			return err
		}
		if len(tuple) == 0 || len(tuple) > 2 {
			return fmt.Errorf("point tuple must be [fn] or [fn, args], got %d elements", len(tuple))
		}
		var fn string
		if err := json.Unmarshal(tuple[0], &fn); err != nil {
			return fmt.Errorf("point tuple first element must be a function name: %w", err)
		}
		var args any
		if len(tuple) == 2 {
			if err := json.Unmarshal(tuple[1], &args); err != nil {
				return err
			}
		}
		*d = PointDefinition{Fn: fn, FnArgs: args}
		return nil
	default:
		type rawPoint PointDefinition
		var p rawPoint
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		*d = PointDefinition(p)
		return nil
	}
}

func (d PointDefinition) MarshalJSON() ([]byte, error) {
	if d.isBareText() {
		return json.Marshal(d.Text)
	}
	type rawPoint PointDefinition
	return json.Marshal(rawPoint(d))
}

func (d *PointDefinition) isBareText() bool {
	return d.Text != "" && d.Fn == "" && d.Multiplier == nil &&
		d.Citation == "" && d.ID == "" && len(d.AlternativePaths) == 0
}

// IsAltGroup reports whether this definition is an alternative-path
// group rather than a single criterion.
func (d *PointDefinition) IsAltGroup() bool {
	return len(d.AlternativePaths) > 0
}

// NormalizedPoint is the internal, fully resolved form of one
// criterion. Exactly one of TextToEvaluate or FunctionName is set.
type NormalizedPoint struct {
	ID             string
	DisplayText    string
	Multiplier     float64
	Citation       string
	IsFunction     bool
	IsInverted     bool
	TextToEvaluate string
	FunctionName   string
	FunctionArgs   any

	// PathID is non-empty for points belonging to an alternative-path
	// group; points sharing a GroupIndex compete, the best PathIndex
	// wins.
	PathID     string
	GroupIndex int
	PathIndex  int
}

// InAltGroup reports whether the point competes inside an
// alternative-path group.
func (p *NormalizedPoint) InAltGroup() bool {
	return p.PathID != ""
}

// NormalizePoints flattens a prompt's points and should_not lists into
// the ordered internal form. should_not entries come out inverted.
// Alternative-path groups contribute every path's points, tagged so the
// scorer can collapse each group to its best path.
func NormalizePoints(p *Prompt) ([]NormalizedPoint, error) {
	var out []NormalizedPoint
	group := 0
	for i := range p.Points {
		pts, g, err := normalizeDefinition(&p.Points[i], p.ID, i, false, group)
		if err != nil {
			return nil, err
		}
		group = g
		out = append(out, pts...)
	}
	for i := range p.ShouldNot {
		pts, g, err := normalizeDefinition(&p.ShouldNot[i], p.ID, len(p.Points)+i, true, group)
		if err != nil {
			return nil, err
		}
		group = g
		out = append(out, pts...)
	}
	return out, nil
}

func normalizeDefinition(d *PointDefinition, promptID string, idx int, inverted bool, nextGroup int) ([]NormalizedPoint, int, error) {
	if d.IsAltGroup() {
		var out []NormalizedPoint
		groupIdx := nextGroup
		for pathIdx, path := range d.AlternativePaths {
			if len(path) == 0 {
				return nil, nextGroup, &PipelineError{
					Kind:    ErrorKindConfig,
					Message: fmt.Sprintf("prompt %q point %d: alternative path %d is empty", promptID, idx, pathIdx),
				}
			}
			for j := range path {
				if path[j].IsAltGroup() {
					return nil, nextGroup, &PipelineError{
						Kind:    ErrorKindConfig,
						Message: fmt.Sprintf("prompt %q point %d: nested alternativePaths are not supported", promptID, idx),
					}
				}
				np, err := normalizeSingle(&path[j], promptID, fmt.Sprintf("%d.%d.%d", idx, pathIdx, j), inverted)
				if err != nil {
					return nil, nextGroup, err
				}
				np.GroupIndex = groupIdx
				np.PathIndex = pathIdx
				np.PathID = fmt.Sprintf("alt%d_path%d", groupIdx, pathIdx)
				out = append(out, np)
			}
		}
		return out, nextGroup + 1, nil
	}
	np, err := normalizeSingle(d, promptID, fmt.Sprintf("%d", idx), inverted)
	if err != nil {
		return nil, nextGroup, err
	}
	return []NormalizedPoint{np}, nextGroup, nil
}

func normalizeSingle(d *PointDefinition, promptID, ordinal string, inverted bool) (NormalizedPoint, error) {
	np := NormalizedPoint{
		Multiplier: 1,
		Citation:   d.Citation,
		IsInverted: inverted,
		GroupIndex: -1,
		PathIndex:  -1,
	}
	if d.Multiplier != nil {
		if *d.Multiplier <= 0 {
			return np, &PipelineError{
				Kind:    ErrorKindConfig,
				Message: fmt.Sprintf("prompt %q point %s: multiplier must be positive, got %v", promptID, ordinal, *d.Multiplier),
			}
		}
		np.Multiplier = *d.Multiplier
	}
	switch {
	case d.Fn != "":
		np.IsFunction = true
		np.FunctionName = d.Fn
		np.FunctionArgs = d.FnArgs
		np.DisplayText = functionDisplayText(d.Fn, d.FnArgs, inverted)
	case d.Text != "":
		np.TextToEvaluate = d.Text
		np.DisplayText = d.Text
		if inverted {
			np.DisplayText = "should not: " + d.Text
		}
	default:
		return np, &PipelineError{
			Kind:    ErrorKindConfig,
			Message: fmt.Sprintf("prompt %q point %s: neither text nor fn present", promptID, ordinal),
		}
	}
	np.ID = d.ID
	if np.ID == "" {
		np.ID = fmt.Sprintf("%s-point-%s", promptID, ordinal)
	}
	return np, nil
}

func functionDisplayText(fn string, args any, inverted bool) string {
	rendered, err := json.Marshal(args)
	if err != nil || args == nil {
		rendered = []byte("")
	}
	name := fn
	if inverted {
		name = "not_" + fn
	}
	return fmt.Sprintf("%s(%s)", name, string(rendered))
}
