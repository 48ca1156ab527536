package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/parleyhq/parley/internal/session"
)

// streamBuffer bounds how many session events may queue per client
// before the slowest ones are dropped. Terminal events always carry the
// full content, so a dropped intermediate step is recoverable.
const streamBuffer = 64

// originPatterns converts configured CORS origins into the host
// patterns the websocket handshake checks. No origins means any host,
// matching local tooling that connects without an Origin header.
func originPatterns(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		} else {
			patterns = append(patterns, o)
		}
	}
	return patterns
}

// stream upgrades to a WebSocket and relays session lifecycle events
// for one conversation until the client disconnects.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.corsOrigins),
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err, "conversation_id", id)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan session.Event, streamBuffer)
	unsubscribe := h.controller.Subscribe(id, func(ev session.Event) {
		select {
		case events <- ev:
		default:
			// Slow client; newer events supersede this one anyway.
		}
	})
	defer unsubscribe()

	// Reads only serve to notice the client going away.
	go func() {
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("event marshal failed", "error", err)
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					h.logger.Warn("websocket write failed", "error", err, "conversation_id", id)
				}
				cancel()
				ws.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}
