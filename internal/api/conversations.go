package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/store"
)

// maxListLimit caps page sizes a client can ask for.
const maxListLimit = 500

func (h *handlers) listConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > maxListLimit {
		limit = maxListLimit
	}
	convs, err := h.store.Conversations(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *handlers) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteConversation(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	h.windows.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

// windowPage serves one cached window of a conversation.
func (h *handlers) windowPage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	start := queryInt(r, "start", 0)
	size := queryInt(r, "size", 0)

	win, err := h.windows.GetWindow(r.Context(), id, start, size)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": win.ConversationID,
		"messages":        win.Messages,
		"start":           win.Start,
		"end":             win.End,
		"total":           win.Total,
	})
}

func (h *handlers) exportConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	bundle, err := h.store.Export(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (h *handlers) exportAll(w http.ResponseWriter, r *http.Request) {
	bundle, err := h.store.Export(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (h *handlers) importBundle(w http.ResponseWriter, r *http.Request) {
	var bundle store.Bundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		writeError(w, http.StatusBadRequest, "invalid bundle: "+err.Error())
		return
	}
	stats, err := h.store.Import(r.Context(), &bundle)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Imported history may shadow any cached window.
	for _, conv := range bundle.Conversations {
		if conv != nil {
			h.windows.Invalidate(conv.ID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"imported": stats.Imported,
		"skipped":  stats.Skipped,
		"failed":   stats.Failed,
	})
}

// pathUUID parses a UUID path parameter, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+": "+err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
