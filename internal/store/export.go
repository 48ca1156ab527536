package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BundleFormatVersion identifies the export bundle layout. Import refuses
// bundles from a newer format.
const BundleFormatVersion = 1

// Bundle is a serialized set of conversations and their messages.
type Bundle struct {
	FormatVersion int             `json:"formatVersion"`
	ExportedAt    time.Time       `json:"exportedAt"`
	Conversations []*Conversation `json:"conversations"`
	Messages      []*Message      `json:"messages"`
}

// ImportStats counts per-record outcomes of an Import.
type ImportStats struct {
	Imported int
	Skipped  int
	Failed   int
}

// Export returns a bundle of the given conversations and all their
// messages. With no ids, every conversation is exported.
func (s *Store) Export(ctx context.Context, ids ...uuid.UUID) (*Bundle, error) {
	if len(ids) == 0 {
		convs, err := s.Conversations(ctx, 0)
		if err != nil {
			return nil, err
		}
		for _, c := range convs {
			ids = append(ids, c.ID)
		}
	}

	bundle := &Bundle{
		FormatVersion: BundleFormatVersion,
		ExportedAt:    time.Now().UTC(),
	}
	for _, id := range ids {
		conv, err := s.Conversation(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("export conversation %s: %w", id, err)
		}
		msgs, err := s.Load(ctx, id, LoadOptions{})
		if err != nil {
			return nil, fmt.Errorf("export messages of %s: %w", id, err)
		}
		bundle.Conversations = append(bundle.Conversations, conv)
		bundle.Messages = append(bundle.Messages, msgs...)
	}

	s.logger.Info("exported conversations",
		"conversations", len(bundle.Conversations),
		"messages", len(bundle.Messages),
	)
	return bundle, nil
}

// Import loads a bundle, tolerating partial failure: each record imports,
// skips (already present), or fails independently.
func (s *Store) Import(ctx context.Context, bundle *Bundle) (ImportStats, error) {
	var stats ImportStats
	if bundle == nil {
		return stats, fmt.Errorf("%w: nil bundle", ErrSerialization)
	}
	if bundle.FormatVersion > BundleFormatVersion {
		return stats, fmt.Errorf("%w: bundle format %d is newer than supported %d",
			ErrSerialization, bundle.FormatVersion, BundleFormatVersion)
	}

	for _, conv := range bundle.Conversations {
		if conv == nil || conv.ID == uuid.Nil {
			stats.Failed++
			continue
		}
		if _, err := s.Conversation(ctx, conv.ID); err == nil {
			stats.Skipped++
			continue
		}
		if _, err := s.CreateConversation(ctx, conv.ID, conv.Title); err != nil {
			s.logger.Warn("import conversation failed", "id", conv.ID, "error", err)
			stats.Failed++
			continue
		}
		stats.Imported++
	}

	for _, msg := range bundle.Messages {
		if msg == nil || msg.ID == uuid.Nil || msg.ConversationID == uuid.Nil {
			stats.Failed++
			continue
		}
		if _, err := s.Message(ctx, msg.ID); err == nil {
			stats.Skipped++
			continue
		}
		imported := *msg
		imported.Version = 0 // reassigned on save
		imported.Seq = 0
		if err := s.Save(ctx, &imported); err != nil {
			if errors.Is(err, ErrConversationNotFound) {
				s.logger.Warn("import message without conversation",
					"message_id", msg.ID, "conversation_id", msg.ConversationID)
			} else {
				s.logger.Warn("import message failed", "message_id", msg.ID, "error", err)
			}
			stats.Failed++
			continue
		}
		stats.Imported++
	}

	s.logger.Info("imported bundle",
		"imported", stats.Imported,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)
	return stats, nil
}
