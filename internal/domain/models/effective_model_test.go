package models

import "testing"

func TestMakeEffectiveModelID(t *testing.T) {
	temp := 0.1
	tests := []struct {
		name         string
		base         string
		temperature  *float64
		sysIdx       int
		systemsCount int
		want         string
	}{
		{"temp only", "openai:m", &temp, 0, 1, "openai:m[temp:0.1]"},
		{"temp and system", "openai:m", &temp, 2, 3, "openai:m[temp:0.1][sp_idx:2]"},
		{"single system omits suffix", "openai:m", &temp, 0, 1, "openai:m[temp:0.1]"},
		{"no temperature", "openai:m", nil, 1, 2, "openai:m[sp_idx:1]"},
		{"one decimal formatting", "m", float64Ptr(0.55), 0, 1, "m[temp:0.6]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MakeEffectiveModelID(tt.base, tt.temperature, tt.sysIdx, tt.systemsCount)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseEffectiveModelID(t *testing.T) {
	tests := []struct {
		id       string
		base     string
		wantTemp *float64
		wantSys  *int
	}{
		{"openai:m[temp:0.1][sp_idx:2]", "openai:m", float64Ptr(0.1), intPtr(2)},
		{"openai:m[temp:0.9]", "openai:m", float64Ptr(0.9), nil},
		{"openai:m[sp_idx:0]", "openai:m", nil, intPtr(0)},
		{"openai:m", "openai:m", nil, nil},
		{"openrouter:org/model[temp:1.0]", "openrouter:org/model", float64Ptr(1.0), nil},
		{"weird[brackets]", "weird[brackets]", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			parts := ParseEffectiveModelID(tt.id)
			if parts.BaseID != tt.base {
				t.Errorf("base = %q, want %q", parts.BaseID, tt.base)
			}
			if (parts.Temperature == nil) != (tt.wantTemp == nil) {
				t.Fatalf("temperature presence mismatch: %v vs %v", parts.Temperature, tt.wantTemp)
			}
			if tt.wantTemp != nil && *parts.Temperature != *tt.wantTemp {
				t.Errorf("temperature = %v, want %v", *parts.Temperature, *tt.wantTemp)
			}
			if (parts.SysIdx == nil) != (tt.wantSys == nil) {
				t.Fatalf("sysIdx presence mismatch: %v vs %v", parts.SysIdx, tt.wantSys)
			}
			if tt.wantSys != nil && *parts.SysIdx != *tt.wantSys {
				t.Errorf("sysIdx = %d, want %d", *parts.SysIdx, *tt.wantSys)
			}
		})
	}
}

func intPtr(i int) *int { return &i }
