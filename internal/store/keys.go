package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/kv"
)

// Engine store and index names. The persistent store is built entirely on
// these namespaces.
const (
	storeMessages      = "messages"
	storeConversations = "conversations"
	storeSearchIndex   = "search_index"

	indexConversationSeq = "conversation_seq" // messages ordered by (conversation, seq)
	indexLastActivity    = "last_activity"    // conversations ordered by activity time
	indexSearchConv      = "conversation"     // search entries per conversation
)

// messageKey is the primary key for a message record.
func messageKey(id uuid.UUID) []byte {
	return []byte(id.String())
}

// conversationKey is the primary key for a conversation record.
func conversationKey(id uuid.UUID) []byte {
	return []byte(id.String())
}

// seqKey orders messages within a conversation. Zero-padding keeps the
// lexicographic engine order equal to numeric sequence order.
func seqKey(conversationID uuid.UUID, seq int) []byte {
	return []byte(fmt.Sprintf("%s/%010d", conversationID, seq))
}

// seqRange covers every message of one conversation, or the tail from
// fromSeq when fromSeq > 0.
func seqRange(conversationID uuid.UUID, fromSeq int) kv.Range {
	r := kv.Range{
		Start: []byte(conversationID.String() + "/"),
		End:   []byte(conversationID.String() + "0"), // '0' is the byte after '/'
	}
	if fromSeq > 0 {
		r.Start = seqKey(conversationID, fromSeq)
	}
	return r
}

// activityTimeLayout is fixed-width so lexicographic key order equals
// chronological order; RFC3339Nano trims trailing zeros and would sort a
// whole-second timestamp after a later one in the same second.
const activityTimeLayout = "2006-01-02T15:04:05.000000000Z"

// activityKey orders conversations by last activity. Appending the id keeps
// keys unique when two conversations share a timestamp.
func activityKey(id uuid.UUID, at time.Time) []byte {
	return []byte(at.UTC().Format(activityTimeLayout) + "/" + id.String())
}

// convScopeRange covers all index entries tagged with one conversation id.
func convScopeRange(conversationID uuid.UUID) kv.Range {
	return kv.Range{
		Start: []byte(conversationID.String()),
		End:   []byte(conversationID.String() + "\xff"),
	}
}
