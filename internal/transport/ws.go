package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// DefaultDialTimeout bounds the websocket handshake.
const DefaultDialTimeout = 10 * time.Second

// WSClient is the incremental path. Each Stream call dials a fresh
// websocket, submits the request, and relays the backend's ordered event
// sequence until a terminal event or cancellation.
type WSClient struct {
	url         string
	dialTimeout time.Duration
	logger      *slog.Logger
}

// NewWSClient creates a streaming client for the websocket endpoint at url.
func NewWSClient(url string, logger *slog.Logger) (*WSClient, error) {
	if url == "" {
		return nil, fmt.Errorf("stream url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		url:         url,
		dialTimeout: DefaultDialTimeout,
		logger:      logger,
	}, nil
}

// Stream dials the backend and returns the event channel. The channel closes
// after complete/error or when ctx is canceled; a connection that dies
// mid-stream surfaces as a final EventError so the consumer always sees a
// terminal event.
func (c *WSClient) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, c.url, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode failed")
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
		conn.Close(websocket.StatusInternalError, "write failed")
		return nil, fmt.Errorf("%w: submit request: %w", ErrTransport, err)
	}

	events := make(chan Event)
	go c.readLoop(ctx, conn, req, events)
	return events, nil
}

// readLoop relays decoded events until a terminal one. It owns conn and
// events and closes both on the way out.
func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn, req Request, events chan<- Event) {
	defer close(events)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation is cooperative: the consumer is gone,
				// nothing to report.
				return
			}
			c.emit(ctx, events, Event{
				Type:    EventError,
				Message: fmt.Errorf("%w: read stream: %w", ErrTransport, err).Error(),
			})
			return
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.emit(ctx, events, Event{
				Type:    EventError,
				Message: fmt.Errorf("%w: decode event: %w", ErrProtocol, err).Error(),
			})
			return
		}

		switch ev.Type {
		case EventRouting, EventFragment:
			if !c.emit(ctx, events, ev) {
				return
			}
		case EventComplete:
			if ev.Final == nil {
				c.emit(ctx, events, Event{
					Type:    EventError,
					Message: fmt.Errorf("%w: complete event without payload", ErrProtocol).Error(),
				})
				return
			}
			c.emit(ctx, events, ev)
			return
		case EventError:
			c.emit(ctx, events, ev)
			return
		default:
			c.logger.Debug("ignoring unknown stream event",
				"type", ev.Type, "conversation_id", req.ConversationID)
		}
	}
}

// emit delivers one event unless the consumer has gone away.
func (c *WSClient) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
