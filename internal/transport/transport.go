// Package transport talks to the agent backend over two paths: a unary HTTP
// request/response call and an incremental websocket stream. Both paths
// produce the same Result shape; the delivery layer decides which to use.
package transport

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors for the transport taxonomy. Delivery policy branches on
// these with errors.Is.
var (
	// ErrTransport covers connection and network level failures.
	ErrTransport = errors.New("transport failure")

	// ErrProtocol covers malformed payloads from an otherwise live peer.
	ErrProtocol = errors.New("protocol violation")

	// ErrTimeout covers silence past the configured threshold.
	ErrTimeout = errors.New("transport timeout")
)

// Request is one user turn submitted to the backend.
type Request struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Query          string    `json:"query"`
}

// Result is the backend's complete answer with its routing metadata.
type Result struct {
	Content          string  `json:"content"`
	AgentID          string  `json:"agent_id"`
	AgentName        string  `json:"agent_name"`
	Protocol         string  `json:"protocol"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

// Routing announces which agent a streamed turn was dispatched to.
type Routing struct {
	Agent     string `json:"agent"`
	Reasoning string `json:"reasoning"`
}

// EventType discriminates incremental stream events.
type EventType string

const (
	EventRouting  EventType = "routing"
	EventFragment EventType = "fragment"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one element of the ordered incremental stream. Fragments are
// cumulative-additive; Complete is terminal and authoritative over anything
// accumulated locally.
type Event struct {
	Type    EventType `json:"type"`
	Routing *Routing  `json:"routing,omitempty"`
	Text    string    `json:"text,omitempty"`
	Final   *Result   `json:"payload,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Unary is the request/response path.
type Unary interface {
	Request(ctx context.Context, req Request) (*Result, error)
}

// Incremental is the streaming path. Stream returns a channel of ordered
// events that closes after a terminal event or when ctx is canceled. A
// stream that dies mid-flight delivers a final EventError before closing.
type Incremental interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}
