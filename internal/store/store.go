package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/kv"
)

// Config tunes the persistent store.
type Config struct {
	// CompressionThreshold is the payload size in bytes above which
	// message records are gzipped. <= 0 disables compression.
	CompressionThreshold int

	// Weights configures search relevance scoring.
	Weights SearchWeights
}

// DefaultCompressionThreshold is used when Config leaves the threshold
// unset via DefaultConfig.
const DefaultCompressionThreshold = 4 * 1024

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CompressionThreshold: DefaultCompressionThreshold,
		Weights:              DefaultSearchWeights(),
	}
}

// Store is the durable conversation store. It is safe for concurrent use;
// writes for a single conversation are serialized relative to each other
// while different conversations proceed concurrently.
type Store struct {
	engine kv.Engine
	cfg    Config
	logger *slog.Logger

	locksMu   sync.Mutex
	convLocks map[uuid.UUID]*sync.Mutex

	subsMu sync.RWMutex
	subs   map[uuid.UUID]map[int]func([]*Message)
	nextID int

	corruptions atomic.Int64
}

// New creates a Store on top of engine.
func New(engine kv.Engine, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Weights == (SearchWeights{}) {
		cfg.Weights = DefaultSearchWeights()
	}
	return &Store{
		engine:    engine,
		cfg:       cfg,
		logger:    logger,
		convLocks: make(map[uuid.UUID]*sync.Mutex),
		subs:      make(map[uuid.UUID]map[int]func([]*Message)),
	}
}

// lockConversation serializes writes per conversation and returns the
// unlock func.
func (s *Store) lockConversation(id uuid.UUID) func() {
	s.locksMu.Lock()
	mu, ok := s.convLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.convLocks[id] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// CreateConversation creates a conversation row. Creating an existing id is
// idempotent and returns the stored row.
func (s *Store) CreateConversation(ctx context.Context, id uuid.UUID, title string) (*Conversation, error) {
	unlock := s.lockConversation(id)
	defer unlock()

	existing, err := s.conversationLocked(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:           id,
		Title:        title,
		LastActivity: now,
		CreatedAt:    now,
	}
	if err := s.putConversation(ctx, conv); err != nil {
		return nil, err
	}
	s.logger.Debug("created conversation", "id", id, "title", title)
	return conv, nil
}

// Conversation returns one conversation row.
func (s *Store) Conversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	return s.conversationLocked(ctx, id)
}

func (s *Store) conversationLocked(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	value, err := s.engine.Get(ctx, storeConversations, conversationKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrConversationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	var conv Conversation
	if err := decodeJSONRecord(value, &conv); err != nil {
		s.reportCorruption("conversation", id.String(), err)
		return nil, err
	}
	return &conv, nil
}

// Conversations lists conversations by recency, most recent first.
func (s *Store) Conversations(ctx context.Context, limit int) ([]*Conversation, error) {
	recs, err := s.engine.RangeScan(ctx, storeConversations, indexLastActivity, kv.Range{}, kv.Reverse, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]*Conversation, 0, len(recs))
	for _, rec := range recs {
		var conv Conversation
		if err := decodeJSONRecord(rec.Value, &conv); err != nil {
			s.reportCorruption("conversation", string(rec.Key), err)
			continue
		}
		out = append(out, &conv)
	}
	return out, nil
}

// Save persists a message and updates the owning conversation's aggregates
// in the same logical unit. A new message (unknown id) is appended with the
// next sequence number; an existing one is a versioned edit: msg.Version
// must match the stored version or Save fails with ErrConflict, and the
// stored version increments on success.
//
// Failure modes: ErrStorageFull, ErrSerialization, ErrConflict,
// ErrConversationNotFound. On any failure after a partial write, the
// already-applied records are rolled back to their prior values.
func (s *Store) Save(ctx context.Context, msg *Message) error {
	return s.SaveIf(ctx, msg, nil)
}

// SaveIf is Save with a commit guard: the guard runs inside the
// conversation's write lock, and a false result aborts the whole write with
// ErrStaleWrite before anything is persisted. Callers racing their write
// against a state change (a newer session taking over the conversation) use
// the guard to make check-then-write atomic. A nil guard always passes.
func (s *Store) SaveIf(ctx context.Context, msg *Message, guard func() bool) error {
	if msg.ID == uuid.Nil || msg.ConversationID == uuid.Nil {
		return fmt.Errorf("%w: message needs id and conversationId", ErrSerialization)
	}

	unlock := s.lockConversation(msg.ConversationID)
	defer unlock()

	if guard != nil && !guard() {
		return fmt.Errorf("save message %s: %w", msg.ID, ErrStaleWrite)
	}

	conv, err := s.conversationLocked(ctx, msg.ConversationID)
	if err != nil {
		return err
	}

	prev, prevRaw, err := s.messageLocked(ctx, msg.ID)
	switch {
	case err == nil:
		if prev.ConversationID != msg.ConversationID {
			return fmt.Errorf("%w: message %s belongs to conversation %s", ErrConflict, msg.ID, prev.ConversationID)
		}
		if msg.Version != prev.Version {
			return fmt.Errorf("edit message %s: stored version %d, caller saw %d: %w",
				msg.ID, prev.Version, msg.Version, ErrConflict)
		}
		msg.Seq = prev.Seq
		msg.Version = prev.Version + 1
		if msg.Timestamp.IsZero() {
			msg.Timestamp = prev.Timestamp
		}
	case errors.Is(err, ErrMessageNotFound):
		lastSeq, seqErr := s.lastSeq(ctx, msg.ConversationID)
		if seqErr != nil {
			return seqErr
		}
		msg.Seq = lastSeq + 1
		msg.Version = 1
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
	default:
		return err
	}

	next := updatedAggregates(conv, prev, msg)

	// Optimistic write with rollback: capture before-state, apply, and
	// undo already-applied records if a later write fails.
	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	encoded, err := encodeMessage(msg, s.cfg.CompressionThreshold)
	if err != nil {
		return err
	}
	msgIndexes := []kv.IndexEntry{{Index: indexConversationSeq, Key: seqKey(msg.ConversationID, msg.Seq)}}
	if err := s.engine.Put(ctx, storeMessages, messageKey(msg.ID), encoded, msgIndexes); err != nil {
		return mapEngineErr(fmt.Errorf("put message %s: %w", msg.ID, err))
	}
	undo = append(undo, func() {
		if prev != nil {
			prevIdx := []kv.IndexEntry{{Index: indexConversationSeq, Key: seqKey(prev.ConversationID, prev.Seq)}}
			_ = s.engine.Put(context.WithoutCancel(ctx), storeMessages, messageKey(msg.ID), prevRaw, prevIdx)
		} else {
			_ = s.engine.Delete(context.WithoutCancel(ctx), storeMessages, messageKey(msg.ID))
		}
	})

	entry := deriveSearchEntry(msg)
	entryRaw, err := encodeJSON(entry)
	if err != nil {
		rollback()
		return err
	}
	prevEntry, _ := s.engine.Get(ctx, storeSearchIndex, messageKey(msg.ID))
	entryIndexes := []kv.IndexEntry{{Index: indexSearchConv, Key: []byte(msg.ConversationID.String())}}
	if err := s.engine.Put(ctx, storeSearchIndex, messageKey(msg.ID), entryRaw, entryIndexes); err != nil {
		rollback()
		return mapEngineErr(fmt.Errorf("put search entry %s: %w", msg.ID, err))
	}
	undo = append(undo, func() {
		if prevEntry != nil {
			_ = s.engine.Put(context.WithoutCancel(ctx), storeSearchIndex, messageKey(msg.ID), prevEntry, entryIndexes)
		} else {
			_ = s.engine.Delete(context.WithoutCancel(ctx), storeSearchIndex, messageKey(msg.ID))
		}
	})

	if err := s.putConversation(ctx, next); err != nil {
		rollback()
		return err
	}

	s.logger.Debug("saved message",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"seq", msg.Seq,
		"version", msg.Version,
		"status", msg.Status,
	)
	s.notify(msg.ConversationID, []*Message{msg})
	return nil
}

// Message returns one message by id. A corrupted record degrades to raw
// content with Corrupted set instead of failing the read.
func (s *Store) Message(ctx context.Context, id uuid.UUID) (*Message, error) {
	msg, _, err := s.messageLocked(ctx, id)
	if err != nil && msg != nil && msg.Corrupted {
		// Degraded read: best available bytes, diagnostic already logged.
		return msg, nil
	}
	return msg, err
}

// messageLocked fetches and decodes a message, returning the raw stored
// value alongside for rollback use.
func (s *Store) messageLocked(ctx context.Context, id uuid.UUID) (*Message, []byte, error) {
	value, err := s.engine.Get(ctx, storeMessages, messageKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil, fmt.Errorf("message %s: %w", id, ErrMessageNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get message %s: %w", id, err)
	}
	msg, err := decodeMessage(value)
	if err != nil {
		s.reportCorruption("message", id.String(), err)
		if msg != nil {
			msg.ID = id
		}
		return msg, value, err
	}
	return msg, value, nil
}

// Load returns conversation messages in insertion order, filtered by opts.
// Load is idempotent and never mutates state.
func (s *Store) Load(ctx context.Context, conversationID uuid.UUID, opts LoadOptions) ([]*Message, error) {
	limit := 0
	if opts.Limit > 0 {
		limit = opts.Offset + opts.Limit
	}
	recs, err := s.engine.RangeScan(ctx, storeMessages, indexConversationSeq,
		seqRange(conversationID, 0), kv.Forward, limit)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(recs) {
			return nil, nil
		}
		recs = recs[opts.Offset:]
	}

	out := make([]*Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := decodeMessage(rec.Value)
		if err != nil {
			s.reportCorruption("message", string(rec.Key), err)
			if msg == nil {
				continue
			}
		}
		if !opts.Before.IsZero() && !msg.Timestamp.Before(opts.Before) {
			continue
		}
		if !opts.After.IsZero() && !msg.Timestamp.After(opts.After) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// CountMessages returns the number of messages in a conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID uuid.UUID) (int, error) {
	n, err := s.engine.Count(ctx, storeMessages, indexConversationSeq, seqRange(conversationID, 0))
	if err != nil {
		return 0, fmt.Errorf("count conversation %s: %w", conversationID, err)
	}
	return n, nil
}

// DeleteFrom removes every message with sequence >= fromSeq from a
// conversation, including their search entries, and refreshes the
// conversation aggregates. Used by the retry path to truncate failed turns.
func (s *Store) DeleteFrom(ctx context.Context, conversationID uuid.UUID, fromSeq int) (int, error) {
	unlock := s.lockConversation(conversationID)
	defer unlock()

	conv, err := s.conversationLocked(ctx, conversationID)
	if err != nil {
		return 0, err
	}

	recs, err := s.engine.RangeScan(ctx, storeMessages, indexConversationSeq,
		seqRange(conversationID, fromSeq), kv.Forward, 0)
	if err != nil {
		return 0, fmt.Errorf("scan tail of %s: %w", conversationID, err)
	}

	removed := make([]*Message, 0, len(recs))
	for _, rec := range recs {
		if err := s.engine.Delete(ctx, storeMessages, rec.Key); err != nil {
			return len(removed), fmt.Errorf("delete message %s: %w", rec.Key, err)
		}
		if err := s.engine.Delete(ctx, storeSearchIndex, rec.Key); err != nil {
			return len(removed), fmt.Errorf("delete search entry %s: %w", rec.Key, err)
		}
		if msg, decErr := decodeMessage(rec.Value); decErr == nil {
			msg.Deleted = true
			removed = append(removed, msg)
		}
	}

	conv.MessageCount, err = s.engine.Count(ctx, storeMessages, indexConversationSeq, seqRange(conversationID, 0))
	if err != nil {
		return len(removed), fmt.Errorf("recount %s: %w", conversationID, err)
	}
	conv.LastActivity = time.Now().UTC()
	if err := s.putConversation(ctx, conv); err != nil {
		return len(removed), err
	}

	s.logger.Debug("truncated conversation",
		"conversation_id", conversationID,
		"from_seq", fromSeq,
		"removed", len(removed),
	)
	if len(removed) > 0 {
		s.notify(conversationID, removed)
	}
	return len(removed), nil
}

// DeleteConversation removes a conversation and everything derived from it.
func (s *Store) DeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	if _, err := s.DeleteFrom(ctx, conversationID, 0); err != nil {
		return err
	}
	unlock := s.lockConversation(conversationID)
	defer unlock()
	if err := s.engine.Delete(ctx, storeConversations, conversationKey(conversationID)); err != nil {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	return nil
}

// CorruptionCount reports how many storage corruption diagnostics the store
// has emitted since construction.
func (s *Store) CorruptionCount() int64 {
	return s.corruptions.Load()
}

// putConversation writes a conversation row with its recency index entry.
func (s *Store) putConversation(ctx context.Context, conv *Conversation) error {
	raw, err := encodeJSON(conv)
	if err != nil {
		return err
	}
	indexes := []kv.IndexEntry{{Index: indexLastActivity, Key: activityKey(conv.ID, conv.LastActivity)}}
	if err := s.engine.Put(ctx, storeConversations, conversationKey(conv.ID), raw, indexes); err != nil {
		return mapEngineErr(fmt.Errorf("put conversation %s: %w", conv.ID, err))
	}
	return nil
}

// lastSeq returns the highest assigned sequence number in a conversation,
// or 0 when empty.
func (s *Store) lastSeq(ctx context.Context, conversationID uuid.UUID) (int, error) {
	recs, err := s.engine.RangeScan(ctx, storeMessages, indexConversationSeq,
		seqRange(conversationID, 0), kv.Reverse, 1)
	if err != nil {
		return 0, fmt.Errorf("last seq of %s: %w", conversationID, err)
	}
	if len(recs) == 0 {
		return 0, nil
	}
	msg, err := decodeMessage(recs[0].Value)
	if err != nil || msg == nil {
		s.reportCorruption("message", string(recs[0].Key), err)
		// Fall back to counting; slower but keeps appends possible.
		return s.engine.Count(ctx, storeMessages, indexConversationSeq, seqRange(conversationID, 0))
	}
	return msg.Seq, nil
}

func (s *Store) reportCorruption(kind, key string, err error) {
	s.corruptions.Add(1)
	s.logger.Warn("storage corruption, degrading to raw content",
		"kind", kind, "key", key, "error", err)
}

// updatedAggregates derives the conversation row that accompanies a message
// write. prev is the stored message being replaced, nil on append.
func updatedAggregates(conv *Conversation, prev, msg *Message) *Conversation {
	next := *conv
	if prev == nil {
		next.MessageCount++
	}
	if msg.Timestamp.After(next.LastActivity) {
		next.LastActivity = msg.Timestamp
	}

	// Response stats count the transition into delivered, once.
	wasDelivered := prev != nil && prev.Status == StatusDelivered
	if msg.Role == RoleAssistant && msg.Status == StatusDelivered && !wasDelivered {
		next.ResponseCount++
		n := float64(next.ResponseCount)
		next.AvgResponseMs += (msg.Metadata.ProcessingTimeMs - next.AvgResponseMs) / n
		next.TotalTokens += msg.Metadata.Tokens
		next.TotalCostUSD += msg.Metadata.CostUSD
	}
	return &next
}

func mapEngineErr(err error) error {
	if errors.Is(err, kv.ErrStorageFull) {
		return fmt.Errorf("%w: %w", ErrStorageFull, err)
	}
	return err
}

// decodeJSONRecord unmarshals a stored row, mapping failures to
// ErrCorruption.
func decodeJSONRecord(value []byte, v any) error {
	if err := json.Unmarshal(value, v); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	}
	return nil
}

// sortResults orders search results by score descending, recency breaking
// ties.
func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Message.Timestamp.After(results[j].Message.Timestamp)
	})
}
