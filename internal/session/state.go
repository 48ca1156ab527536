package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	stateDir  = ".parley"
	stateFile = "current_conversation"
)

// lockRetryInterval paces lock acquisition attempts on the state file.
const lockRetryInterval = 50 * time.Millisecond

// StateFilePath returns the path to the current-conversation state file,
// creating the state directory if needed.
func StateFilePath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(homeDir, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	return filepath.Join(dir, stateFile), nil
}

// LoadCurrentConversationID reads the active conversation id from the state
// file. A missing or empty file means no current conversation and is not an
// error. The read holds a shared lock so a concurrent writer cannot be
// observed mid-write.
func LoadCurrentConversationID(ctx context.Context, path string) (*uuid.UUID, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryRLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("lock state file: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lock state file: not acquired")
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("state file holds invalid conversation id: %w", err)
	}
	return &id, nil
}

// SaveCurrentConversationID records the active conversation in the state
// file under an exclusive lock, so concurrent processes serialize their
// updates.
func SaveCurrentConversationID(ctx context.Context, path string, conversationID uuid.UUID) error {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("lock state file: %w", err)
	}
	if !ok {
		return fmt.Errorf("lock state file: not acquired")
	}
	defer lock.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(conversationID.String()), 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// ClearCurrentConversationID removes the state file. Idempotent.
func ClearCurrentConversationID(ctx context.Context, path string) error {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("lock state file: %w", err)
	}
	if !ok {
		return fmt.Errorf("lock state file: not acquired")
	}
	defer lock.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}
