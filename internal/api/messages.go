package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

type sendRequest struct {
	Content string `json:"content"`
}

type sessionResponse struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	Generation     uint64    `json:"generation"`
}

// send starts a delivery session for a new user turn. The response is
// returned immediately; progress arrives on the conversation stream.
func (h *handlers) send(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	handle, err := h.controller.Send(r.Context(), id, req.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sessionResponse{
		ConversationID: handle.ConversationID(),
		MessageID:      handle.MessageID(),
		Generation:     handle.Generation(),
	})
}

func (h *handlers) retry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	handle, err := h.controller.Retry(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sessionResponse{
		ConversationID: handle.ConversationID(),
		MessageID:      handle.MessageID(),
		Generation:     handle.Generation(),
	})
}
