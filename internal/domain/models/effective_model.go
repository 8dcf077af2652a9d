package models

import (
	"fmt"
	"strconv"
	"strings"
)

// IdealModelID is the synthetic cohort column holding the blueprint's
// ideal reference responses.
const IdealModelID = "IDEAL_BENCHMARK"

// MakeEffectiveModelID builds the cohort-unique identifier for one
// model configuration. The temperature suffix uses one decimal; the
// system suffix appears only when the systems axis has two or more
// entries.
func MakeEffectiveModelID(baseID string, temperature *float64, sysIdx, systemsCount int) string {
	id := baseID
	if temperature != nil {
		id += fmt.Sprintf("[temp:%.1f]", *temperature)
	}
	if systemsCount >= 2 {
		id += fmt.Sprintf("[sp_idx:%d]", sysIdx)
	}
	return id
}

// EffectiveModelParts is the decomposition of an effective model id.
type EffectiveModelParts struct {
	BaseID      string
	Temperature *float64
	SysIdx      *int
}

// ParseEffectiveModelID splits an effective model id back into its base
// id and optional suffixes. Unknown bracket suffixes are left on the
// base id untouched.
func ParseEffectiveModelID(id string) EffectiveModelParts {
	parts := EffectiveModelParts{BaseID: id}
	rest := id
	for {
		open := strings.LastIndex(rest, "[")
		if open < 0 || !strings.HasSuffix(rest, "]") {
			break
		}
		body := rest[open+1 : len(rest)-1]
		switch {
		case strings.HasPrefix(body, "temp:"):
			v, err := strconv.ParseFloat(strings.TrimPrefix(body, "temp:"), 64)
			if err != nil {
				parts.BaseID = rest
				return parts
			}
			parts.Temperature = &v
		case strings.HasPrefix(body, "sp_idx:"):
			v, err := strconv.Atoi(strings.TrimPrefix(body, "sp_idx:"))
			if err != nil {
				parts.BaseID = rest
				return parts
			}
			parts.SysIdx = &v
		default:
			parts.BaseID = rest
			return parts
		}
		rest = rest[:open]
	}
	parts.BaseID = rest
	return parts
}
