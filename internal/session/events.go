package session

import (
	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/transport"
)

// Event is one observable step of a session: a phase change, an ephemeral
// streaming content update, or a degradation notice. Consumers must drop
// events whose Generation is older than the latest they have seen for the
// conversation.
type Event struct {
	ConversationID uuid.UUID          `json:"conversation_id"`
	MessageID      uuid.UUID          `json:"message_id"`
	Generation     uint64             `json:"generation"`
	Phase          Phase              `json:"phase"`
	Content        string             `json:"content,omitempty"`
	Routing        *transport.Routing `json:"routing,omitempty"`
	Degraded       bool               `json:"degraded,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// Subscribe registers a callback for one conversation's session events and
// returns its unsubscribe func. Callbacks run synchronously on session
// goroutines and must not block.
func (c *Controller) Subscribe(conversationID uuid.UUID, fn func(Event)) func() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if c.subs[conversationID] == nil {
		c.subs[conversationID] = make(map[int]func(Event))
	}
	id := c.nextID
	c.nextID++
	c.subs[conversationID][id] = fn

	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		delete(c.subs[conversationID], id)
		if len(c.subs[conversationID]) == 0 {
			delete(c.subs, conversationID)
		}
	}
}

func (c *Controller) publish(ev Event) {
	c.subsMu.RLock()
	fns := make([]func(Event), 0, len(c.subs[ev.ConversationID]))
	for _, fn := range c.subs[ev.ConversationID] {
		fns = append(fns, fn)
	}
	c.subsMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
