package models

// ToolCall is one structured tool invocation recorded from a model
// response, either returned by the provider or recovered from fenced
// blocks in the response text.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ModelResponseDetail is everything the pipeline keeps about one
// (prompt, effective model) cell.
type ModelResponseDetail struct {
	FinalAssistantResponseText string                `json:"finalAssistantResponseText"`
	FullConversationHistory    []ConversationMessage `json:"fullConversationHistory,omitempty"`
	HasError                   bool                  `json:"hasError"`
	ErrorMessage               string                `json:"errorMessage,omitempty"`
	SystemPromptUsed           *string               `json:"systemPromptUsed"`
	ToolCalls                  []ToolCall            `json:"toolCalls,omitempty"`

	// ReasoningContent is kept for logs and derived artefacts; it is
	// not part of the persisted comparison document.
	ReasoningContent string `json:"-"`
}

// ErrorSentinel wraps an error message in the sentinel form stored in
// the response map for failed cells.
func ErrorSentinel(msg string) string {
	return "<error>" + msg + "</error>"
}

// ResponseMap holds every generated cell: promptID → effectiveModelID →
// detail. Writes land in unique slots, one per cohort cell.
type ResponseMap map[string]map[string]*ModelResponseDetail

// Put stores a cell, allocating the per-prompt map on first use.
func (m ResponseMap) Put(promptID, effectiveModelID string, d *ModelResponseDetail) {
	inner, ok := m[promptID]
	if !ok {
		inner = make(map[string]*ModelResponseDetail)
		m[promptID] = inner
	}
	inner[effectiveModelID] = d
}

// Get returns the cell detail or nil.
func (m ResponseMap) Get(promptID, effectiveModelID string) *ModelResponseDetail {
	if inner, ok := m[promptID]; ok {
		return inner[effectiveModelID]
	}
	return nil
}
