package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/store"
)

type searchHit struct {
	Message *store.Message `json:"message"`
	Score   float64        `json:"score"`
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}

	opts := store.SearchOptions{Limit: queryInt(r, "limit", 0)}
	if raw := r.URL.Query().Get("conversation_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid conversation_id: "+err.Error())
			return
		}
		opts.ConversationID = &id
	}

	results, err := h.store.Search(r.Context(), query, opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	hits := make([]searchHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, searchHit{Message: res.Message, Score: res.Score})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}
