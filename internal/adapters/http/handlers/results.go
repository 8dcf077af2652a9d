package handlers

import (
	"net/http"

	"github.com/longregen/rubric/internal/domain/models"
	"github.com/longregen/rubric/internal/ports"
)

// ResultsHandler serves persisted comparison documents and their
// per-cell artefacts from the result store.
type ResultsHandler struct {
	store ports.ResultStore
}

func NewResultsHandler(store ports.ResultStore) *ResultsHandler {
	return &ResultsHandler{store: store}
}

// ListConfigs returns every config id with at least one persisted run.
func (h *ResultsHandler) ListConfigs(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ListConfigIDs(r.Context())
	if err != nil {
		respondError(w, "storage_error", err.Error(), http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, map[string][]string{"configIds": ids}, http.StatusOK)
}

// ListRuns returns one config's persisted runs, newest first.
func (h *ResultsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	configID, ok := validateURLParam(r, w, "configId")
	if !ok {
		return
	}

	runs, err := h.store.ListRunsForConfig(r.Context(), configID)
	if err != nil {
		respondError(w, "storage_error", err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []ports.RunSummary{}
	}
	respondJSON(w, map[string]interface{}{
		"configId": configID,
		"runs":     runs,
	}, http.StatusOK)
}

// GetRun returns a full comparison document by file name.
func (h *ResultsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	configID, ok := validateURLParam(r, w, "configId")
	if !ok {
		return
	}
	fileName, ok := validateURLParam(r, w, "fileName")
	if !ok {
		return
	}

	artifact, err := h.store.GetResultByFileName(r.Context(), configID, fileName)
	if err != nil {
		respondDocumentError(w, err)
		return
	}
	respondJSON(w, artifact, http.StatusOK)
}

// GetResponse returns one cell's response document. The model id path
// segment accepts either the effective id or its storage-safe form.
func (h *ResultsHandler) GetResponse(w http.ResponseWriter, r *http.Request) {
	params, ok := cellParams(r, w)
	if !ok {
		return
	}

	detail, err := h.store.GetResponseDetail(r.Context(), params.configID, params.runLabel,
		params.timestamp, params.promptID, params.modelID)
	if err != nil {
		respondDocumentError(w, err)
		return
	}
	respondJSON(w, detail, http.StatusOK)
}

// GetCoverage returns one cell's coverage result.
func (h *ResultsHandler) GetCoverage(w http.ResponseWriter, r *http.Request) {
	params, ok := cellParams(r, w)
	if !ok {
		return
	}

	result, err := h.store.GetCoverageResult(r.Context(), params.configID, params.runLabel,
		params.timestamp, params.promptID, params.modelID)
	if err != nil {
		respondDocumentError(w, err)
		return
	}
	respondJSON(w, result, http.StatusOK)
}

type cellRef struct {
	configID  string
	runLabel  string
	timestamp string
	promptID  string
	modelID   string
}

func cellParams(r *http.Request, w http.ResponseWriter) (cellRef, bool) {
	var ref cellRef
	var ok bool
	if ref.configID, ok = validateURLParam(r, w, "configId"); !ok {
		return ref, false
	}
	if ref.runLabel, ok = validateURLParam(r, w, "runLabel"); !ok {
		return ref, false
	}
	if ref.timestamp, ok = validateURLParam(r, w, "timestamp"); !ok {
		return ref, false
	}
	if ref.promptID, ok = validateURLParam(r, w, "promptId"); !ok {
		return ref, false
	}
	if ref.modelID, ok = validateURLParam(r, w, "modelId"); !ok {
		return ref, false
	}
	return ref, true
}

// respondDocumentError maps a document lookup failure: malformed
// documents are server trouble, everything else reads as absent.
func respondDocumentError(w http.ResponseWriter, err error) {
	if models.KindOf(err) == models.ErrorKindFormat {
		respondError(w, "decode_error", err.Error(), http.StatusInternalServerError)
		return
	}
	respondError(w, "not_found", err.Error(), http.StatusNotFound)
}
