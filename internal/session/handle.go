package session

import (
	"context"

	"github.com/google/uuid"
)

// Handle is the caller's view of one in-flight turn.
type Handle struct {
	s *session
}

func newHandle(s *session) *Handle {
	return &Handle{s: s}
}

// ConversationID returns the conversation the turn belongs to.
func (h *Handle) ConversationID() uuid.UUID { return h.s.conversationID }

// MessageID returns the assistant message the turn resolves into.
func (h *Handle) MessageID() uuid.UUID { return h.s.messageID }

// Generation returns the session's generation counter value.
func (h *Handle) Generation() uint64 { return h.s.generation }

// Phase returns the current state machine position.
func (h *Handle) Phase() Phase { return h.s.phaseNow() }

// Done closes when the turn reaches a terminal phase.
func (h *Handle) Done() <-chan struct{} { return h.s.done }

// Err returns the turn's failure after Done closes. A superseded session
// reports no error; supersession is not a failure.
func (h *Handle) Err() error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.err
}

// Wait blocks until the turn finishes or ctx expires.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.s.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
