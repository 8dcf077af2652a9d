package models

import (
	"encoding/json"
	"testing"
)

func TestPointDefinitionUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    PointDefinition
		wantErr bool
	}{
		{
			name:  "bare string",
			input: `"mentions the capital"`,
			want:  PointDefinition{Text: "mentions the capital"},
		},
		{
			name:  "tuple with args",
			input: `["contains", "Paris"]`,
			want:  PointDefinition{Fn: "contains", FnArgs: "Paris"},
		},
		{
			name:  "tuple without args",
			input: `["is_json"]`,
			want:  PointDefinition{Fn: "is_json"},
		},
		{
			name:  "object with fn",
			input: `{"fn": "contains_word", "fnArgs": "Paraná", "multiplier": 2.5}`,
			want:  PointDefinition{Fn: "contains_word", FnArgs: "Paraná", Multiplier: float64Ptr(2.5)},
		},
		{
			name:  "object with text",
			input: `{"text": "explains the tradeoff", "citation": "docs §2"}`,
			want:  PointDefinition{Text: "explains the tradeoff", Citation: "docs §2"},
		},
		{
			name:    "tuple with three elements",
			input:   `["contains", "a", "b"]`,
			wantErr: true,
		},
		{
			name:    "tuple with non-string fn",
			input:   `[42, "a"]`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got PointDefinition
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Text != tt.want.Text || got.Fn != tt.want.Fn || got.Citation != tt.want.Citation {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if (got.Multiplier == nil) != (tt.want.Multiplier == nil) {
				t.Errorf("multiplier presence mismatch: got %v, want %v", got.Multiplier, tt.want.Multiplier)
			}
		})
	}
}

func TestPointDefinitionUnmarshalAltPaths(t *testing.T) {
	input := `{"alternativePaths": [["mentions A", ["contains", "B"]], [{"text": "mentions C"}]]}`
	var got PointDefinition
	if err := json.Unmarshal([]byte(input), &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsAltGroup() {
		t.Fatal("expected an alternative-path group")
	}
	if len(got.AlternativePaths) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(got.AlternativePaths))
	}
	if got.AlternativePaths[0][1].Fn != "contains" {
		t.Errorf("nested tuple not decoded: %+v", got.AlternativePaths[0][1])
	}
}

func TestNormalizePoints(t *testing.T) {
	mult := 3.0
	prompt := &Prompt{
		ID: "p1",
		Points: []PointDefinition{
			{Text: "mentions Paris"},
			{Fn: "contains", FnArgs: "Seine", Multiplier: &mult},
		},
		ShouldNot: []PointDefinition{
			{Text: "claims Paris is in Spain"},
		},
	}
	pts, err := NormalizePoints(prompt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pts) != 3 {
		t.Fatalf("expected 3 normalized points, got %d", len(pts))
	}
	if pts[0].IsFunction || pts[0].TextToEvaluate != "mentions Paris" || pts[0].Multiplier != 1 {
		t.Errorf("first point wrong: %+v", pts[0])
	}
	if !pts[1].IsFunction || pts[1].FunctionName != "contains" || pts[1].Multiplier != 3 {
		t.Errorf("second point wrong: %+v", pts[1])
	}
	if !pts[2].IsInverted {
		t.Errorf("should_not point not inverted: %+v", pts[2])
	}
	if pts[2].DisplayText != "should not: claims Paris is in Spain" {
		t.Errorf("inverted display text wrong: %q", pts[2].DisplayText)
	}
}

func TestNormalizePointsAltPaths(t *testing.T) {
	prompt := &Prompt{
		ID: "p1",
		Points: []PointDefinition{
			{AlternativePaths: [][]PointDefinition{
				{{Text: "route one a"}, {Text: "route one b"}},
				{{Fn: "contains", FnArgs: "x"}},
			}},
			{Text: "independent"},
		},
	}
	pts, err := NormalizePoints(prompt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pts) != 4 {
		t.Fatalf("expected 4 points, got %d", len(pts))
	}
	if pts[0].PathID != "alt0_path0" || pts[1].PathID != "alt0_path0" {
		t.Errorf("first path ids wrong: %q %q", pts[0].PathID, pts[1].PathID)
	}
	if pts[2].PathID != "alt0_path1" {
		t.Errorf("second path id wrong: %q", pts[2].PathID)
	}
	if pts[0].GroupIndex != pts[2].GroupIndex {
		t.Errorf("group indexes should match: %d vs %d", pts[0].GroupIndex, pts[2].GroupIndex)
	}
	if pts[0].PathIndex == pts[2].PathIndex {
		t.Error("path indexes should differ across paths")
	}
	if pts[3].InAltGroup() {
		t.Errorf("independent point should not be in a group: %+v", pts[3])
	}
}

func TestNormalizePointsErrors(t *testing.T) {
	neg := -1.0
	tests := []struct {
		name   string
		prompt *Prompt
	}{
		{
			name: "negative multiplier",
			prompt: &Prompt{ID: "p", Points: []PointDefinition{
				{Text: "x", Multiplier: &neg},
			}},
		},
		{
			name: "empty alternative path",
			prompt: &Prompt{ID: "p", Points: []PointDefinition{
				{AlternativePaths: [][]PointDefinition{{}}},
			}},
		},
		{
			name: "nested alt group",
			prompt: &Prompt{ID: "p", Points: []PointDefinition{
				{AlternativePaths: [][]PointDefinition{
					{{AlternativePaths: [][]PointDefinition{{{Text: "x"}}}}},
				}},
			}},
		},
		{
			name: "neither text nor fn",
			prompt: &Prompt{ID: "p", Points: []PointDefinition{
				{Citation: "only metadata"},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NormalizePoints(tt.prompt); err == nil {
				t.Error("expected normalization error")
			}
		})
	}
}

func float64Ptr(f float64) *float64 { return &f }
