package handlers

import (
	"net/http"
	"strings"

	"github.com/longregen/rubric/internal/ports"
)

// SimilarHandler answers nearest-neighbor searches over indexed
// response embeddings. The query text is embedded server-side with the
// configured embedding model.
type SimilarHandler struct {
	index    ports.RunIndex
	embedder ports.EmbeddingClient
	model    string
}

func NewSimilarHandler(index ports.RunIndex, embedder ports.EmbeddingClient, model string) *SimilarHandler {
	return &SimilarHandler{index: index, embedder: embedder, model: model}
}

type similarRequest struct {
	Text  string `json:"text"`
	Limit int    `json:"limit"`
}

func (h *SimilarHandler) Search(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[similarRequest](r, w)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, "invalid_request", "text is required", http.StatusBadRequest)
		return
	}

	vectors, err := h.embedder.Embed(r.Context(), h.model, []string{req.Text})
	if err != nil {
		respondError(w, "embedding_failed", err.Error(), http.StatusBadGateway)
		return
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		respondError(w, "embedding_failed", "empty embedding for query", http.StatusBadGateway)
		return
	}

	hits, err := h.index.SimilarResponses(r.Context(), vectors[0], req.Limit)
	if err != nil {
		respondError(w, "index_error", err.Error(), http.StatusInternalServerError)
		return
	}
	if hits == nil {
		hits = []ports.IndexedResponse{}
	}
	respondJSON(w, map[string]interface{}{"results": hits}, http.StatusOK)
}
