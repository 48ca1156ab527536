package api

import (
	"net/http"

	"github.com/parleyhq/parley/internal/deliver"
)

type metricsResponse struct {
	Delivery       deliver.Metrics `json:"delivery"`
	ActiveSessions int             `json:"active_sessions"`
	CorruptedReads int64           `json:"corrupted_reads"`
	CachedWindows  int             `json:"cached_windows"`
}

func (h *handlers) metrics(w http.ResponseWriter, r *http.Request) {
	resp := metricsResponse{
		ActiveSessions: h.controller.ActiveSessions(),
		CorruptedReads: h.store.CorruptionCount(),
		CachedWindows:  h.windows.Cached(),
	}
	if h.coordinator != nil {
		resp.Delivery = h.coordinator.Metrics()
	}
	writeJSON(w, http.StatusOK, resp)
}
