// Package kv defines the ordered key-value engine the persistent store is
// built on, together with an in-memory engine for tests and a durable
// SQLite-backed engine.
//
// The engine exposes named stores of byte keys ordered lexicographically,
// with optional secondary indexes. Higher layers (internal/store) compose
// these primitives into messages, conversations and search entries; the
// engine itself knows nothing about them.
package kv

import (
	"bytes"
	"context"
	"errors"
)

// Sentinel errors for engine operations. Check with errors.Is().
var (
	// ErrNotFound indicates the requested key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrStorageFull indicates the engine refused a write because a
	// capacity limit was reached.
	ErrStorageFull = errors.New("storage full")

	// ErrClosed indicates the engine has been closed.
	ErrClosed = errors.New("engine closed")
)

// Direction controls range scan ordering.
type Direction int

const (
	// Forward scans keys in ascending order.
	Forward Direction = iota
	// Reverse scans keys in descending order.
	Reverse
)

// Range bounds a scan. Start is inclusive, End exclusive. A nil bound is
// unbounded on that side.
type Range struct {
	Start []byte
	End   []byte
}

// IndexEntry associates a record with a secondary index key at write time.
// Index keys need not be unique across records; the engine appends the
// primary key internally to disambiguate.
type IndexEntry struct {
	Index string
	Key   []byte
}

// Record is one scan result. Key is always the primary key, even when the
// scan traversed a secondary index.
type Record struct {
	Key   []byte
	Value []byte
}

// Engine is the ordered key-value storage collaborator.
//
// Implementations must be safe for concurrent use. Put replaces any
// previous value and previous index entries for the key atomically.
type Engine interface {
	// Put writes value under key in the named store and registers the
	// given secondary index entries, replacing any prior entries.
	Put(ctx context.Context, store string, key, value []byte, indexes []IndexEntry) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, store string, key []byte) ([]byte, error)

	// Delete removes key and its index entries. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, store string, key []byte) error

	// RangeScan returns records whose key (index == "") or secondary
	// index key (index != "") falls within r, in the given direction.
	// limit <= 0 means no limit.
	RangeScan(ctx context.Context, store, index string, r Range, dir Direction, limit int) ([]Record, error)

	// Count returns the number of keys (or index entries) within r.
	Count(ctx context.Context, store, index string, r Range) (int, error)

	// Close releases engine resources. Operations after Close return
	// ErrClosed.
	Close() error
}

// inRange reports whether key falls within r.
func inRange(key []byte, r Range) bool {
	if r.Start != nil && bytes.Compare(key, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytes.Compare(key, r.End) >= 0 {
		return false
	}
	return true
}
