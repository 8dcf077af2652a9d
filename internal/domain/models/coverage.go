package models

// IndividualJudgement is one judge's verdict on one point, recorded in
// consensus mode.
type IndividualJudgement struct {
	JudgeModelID   string  `json:"judgeModelId"`
	CoverageExtent float64 `json:"coverageExtent"`
	Reflection     string  `json:"reflection,omitempty"`
}

// PointAssessment is the graded outcome of a single normalized point
// against one model response.
type PointAssessment struct {
	KeyPointText         string                `json:"keyPointText"`
	CoverageExtent       *float64              `json:"coverageExtent,omitempty"`
	Error                string                `json:"error,omitempty"`
	Reflection           string                `json:"reflection,omitempty"`
	Multiplier           float64               `json:"multiplier"`
	Citation             string                `json:"citation,omitempty"`
	JudgeModelID         string                `json:"judgeModelId,omitempty"`
	IndividualJudgements []IndividualJudgement `json:"individualJudgements,omitempty"`
	IsInverted           bool                  `json:"isInverted,omitempty"`
	PathID               string                `json:"pathId,omitempty"`
}

// Errored reports whether the point failed to grade.
func (a *PointAssessment) Errored() bool {
	return a.Error != "" || a.CoverageExtent == nil
}

// CoverageResult aggregates all point assessments for one
// (prompt, effective model) cell.
type CoverageResult struct {
	KeyPointsCount    int               `json:"keyPointsCount"`
	AvgCoverageExtent *float64          `json:"avgCoverageExtent"`
	PointAssessments  []PointAssessment `json:"pointAssessments,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// CoverageMap holds coverage per cell: promptID → effectiveModelID →
// result.
type CoverageMap map[string]map[string]*CoverageResult

// Put stores a cell result, allocating the per-prompt map on first use.
func (m CoverageMap) Put(promptID, effectiveModelID string, r *CoverageResult) {
	inner, ok := m[promptID]
	if !ok {
		inner = make(map[string]*CoverageResult)
		m[promptID] = inner
	}
	inner[effectiveModelID] = r
}

// Get returns the cell result or nil.
func (m CoverageMap) Get(promptID, effectiveModelID string) *CoverageResult {
	if inner, ok := m[promptID]; ok {
		return inner[effectiveModelID]
	}
	return nil
}
