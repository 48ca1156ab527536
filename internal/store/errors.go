package store

import "errors"

// Sentinel errors for store operations. These are part of the Store's public
// API and should be checked with errors.Is().
//
// Example:
//
//	if err := st.Save(ctx, msg); errors.Is(err, store.ErrConflict) {
//	    // Reload the message and retry the edit explicitly.
//	}
var (
	// ErrStorageFull indicates the underlying engine is out of capacity.
	ErrStorageFull = errors.New("storage full")

	// ErrSerialization indicates a message or conversation could not be
	// encoded for storage.
	ErrSerialization = errors.New("serialization failed")

	// ErrCorruption indicates a stored payload could not be decoded.
	// Reads degrade to best-effort raw content rather than failing; this
	// sentinel surfaces only through diagnostics.
	ErrCorruption = errors.New("storage corruption")

	// ErrConflict indicates a versioned update raced with another edit.
	// The caller must reload and retry explicitly; the store never
	// silently overwrites.
	ErrConflict = errors.New("version conflict")

	// ErrStaleWrite indicates a SaveIf guard rejected the write. Nothing
	// was persisted.
	ErrStaleWrite = errors.New("stale write")

	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrConversationNotFound indicates the conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
)
