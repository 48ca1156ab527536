package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/session"
)

// The current-conversation resource lets clients resume where they left
// off after a restart. It is backed by a locked state file shared with
// any other parley process on the machine.

type currentConversationBody struct {
	ConversationID *uuid.UUID `json:"conversation_id"`
}

func (h *handlers) currentConversation(w http.ResponseWriter, r *http.Request) {
	if h.stateFile == "" {
		writeError(w, http.StatusNotFound, "state persistence disabled")
		return
	}
	id, err := session.LoadCurrentConversationID(r.Context(), h.stateFile)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, currentConversationBody{ConversationID: id})
}

func (h *handlers) setCurrentConversation(w http.ResponseWriter, r *http.Request) {
	if h.stateFile == "" {
		writeError(w, http.StatusNotFound, "state persistence disabled")
		return
	}
	var body currentConversationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ConversationID == nil {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if err := session.SaveCurrentConversationID(r.Context(), h.stateFile, *body.ConversationID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) clearCurrentConversation(w http.ResponseWriter, r *http.Request) {
	if h.stateFile == "" {
		writeError(w, http.StatusNotFound, "state persistence disabled")
		return
	}
	if err := session.ClearCurrentConversationID(r.Context(), h.stateFile); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
