// Package store provides durable, paginated persistence for conversations
// and messages on top of an ordered key-value engine, plus a keyword/entity
// search index, transparent payload compression, export/import bundles, and
// per-conversation change subscriptions.
//
// Responsibilities: every other component reads and writes conversation data
// through this package. Message and Conversation rows are mutated together;
// a failed write rolls the pair back so aggregates never drift from detail
// rows.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Status is the delivery state of a message.
type Status string

// Message statuses. A message is mutable until it reaches StatusDelivered or
// StatusError; after that only an explicit delete removes it.
const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusDelivered Status = "delivered"
	StatusError     Status = "error"
)

// Metadata carries the orchestrator's routing and execution details for an
// assistant message.
type Metadata struct {
	AgentID          string  `json:"agentId,omitempty"`
	AgentName        string  `json:"agentName,omitempty"`
	Protocol         string  `json:"protocol,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	Reasoning        string  `json:"reasoning,omitempty"`
	ProcessingTimeMs float64 `json:"processingTimeMs,omitempty"`
	Tokens           int     `json:"tokens,omitempty"`
	CostUSD          float64 `json:"costUsd,omitempty"`
	Degraded         bool    `json:"degraded,omitempty"` // delivered via the fallback path
}

// Message is one conversation message.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Status         Status    `json:"status"`
	Version        int       `json:"version"`
	Seq            int       `json:"seq"`
	Metadata       Metadata  `json:"metadata"`

	// Corrupted is set when the stored payload could not be decoded and
	// Content holds the best available raw bytes instead of the original
	// text. Never persisted; derived on read.
	Corrupted bool `json:"-"`

	// Deleted marks a message removed from persisted history. Only set on
	// subscriber notifications, never stored.
	Deleted bool `json:"deleted,omitempty"`
}

// Conversation aggregates one conversation's messages. Mutated in the same
// logical write as its messages.
type Conversation struct {
	ID            uuid.UUID `json:"id"`
	Title         string    `json:"title"`
	MessageCount  int       `json:"messageCount"`
	LastActivity  time.Time `json:"lastActivity"`
	ResponseCount int       `json:"responseCount"`
	AvgResponseMs float64   `json:"avgResponseMs"`
	TotalTokens   int       `json:"totalTokens"`
	TotalCostUSD  float64   `json:"totalCostUsd"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SearchIndexEntry is derived from a message at write time. It is never
// independently authoritative; rebuilding it from the message must always be
// possible.
type SearchIndexEntry struct {
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
	Keywords       []string  `json:"keywords"`
	Entities       []string  `json:"entities"`
	Timestamp      time.Time `json:"timestamp"`
	AgentName      string    `json:"agentName,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
}

// LoadOptions filters a Load call. Offset/Limit page through the ordered
// sequence; Before/After bound by timestamp when non-zero.
type LoadOptions struct {
	Offset int
	Limit  int
	Before time.Time
	After  time.Time
}

// SearchOptions scopes a Search call.
type SearchOptions struct {
	// ConversationID limits results to one conversation when non-nil.
	ConversationID *uuid.UUID
	// Limit caps the number of results. <= 0 means DefaultSearchLimit.
	Limit int
}

// SearchResult pairs a matched message with its relevance score.
type SearchResult struct {
	Message *Message
	Score   float64
}

// DefaultSearchLimit caps search results when the caller does not.
const DefaultSearchLimit = 20

// TitleMaxLength bounds conversation titles (rune count).
const TitleMaxLength = 80

// DeriveTitle produces a conversation title from the first user message,
// truncating rune-safely.
func DeriveTitle(content string) string {
	runes := []rune(content)
	for i, r := range runes {
		if r == '\n' {
			runes = runes[:i]
			break
		}
	}
	if len(runes) > TitleMaxLength {
		return string(runes[:TitleMaxLength-3]) + "..."
	}
	return string(runes)
}
