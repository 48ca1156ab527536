package store

import "github.com/google/uuid"

// Subscribe registers a callback invoked whenever messages in the given
// conversation change (save, edit, delete). The returned func removes the
// subscription; calling it more than once is harmless.
//
// Subscribers are held as an explicit per-conversation list of handles, so
// dropping one is deterministic and no reference cycle forms between the
// store and its listeners. Callbacks run synchronously on the writing
// goroutine and must not block.
func (s *Store) Subscribe(conversationID uuid.UUID, onMessages func([]*Message)) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	subs, ok := s.subs[conversationID]
	if !ok {
		subs = make(map[int]func([]*Message))
		s.subs[conversationID] = subs
	}
	id := s.nextID
	s.nextID++
	subs[id] = onMessages

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if subs, ok := s.subs[conversationID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.subs, conversationID)
			}
		}
	}
}

// notify fans a change out to the conversation's subscribers.
func (s *Store) notify(conversationID uuid.UUID, msgs []*Message) {
	s.subsMu.RLock()
	callbacks := make([]func([]*Message), 0, len(s.subs[conversationID]))
	for _, cb := range s.subs[conversationID] {
		callbacks = append(callbacks, cb)
	}
	s.subsMu.RUnlock()

	for _, cb := range callbacks {
		cb(msgs)
	}
}
