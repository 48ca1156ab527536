package kv

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryEngine is an in-memory Engine implementation.
//
// It is the default engine for tests and for running parley without durable
// storage. An optional byte budget makes it reject writes with
// ErrStorageFull, which lets higher layers exercise their full-storage
// paths.
type MemoryEngine struct {
	mu       sync.RWMutex
	closed   bool
	maxBytes int // 0 = unbounded
	used     int
	stores   map[string]*memStore
}

type memStore struct {
	records map[string][]byte
	// indexes maps index name -> composite index key -> primary key.
	// The composite key is indexKey + 0x00 + primaryKey so equal index
	// keys from different records stay distinct and ordered.
	indexes map[string]map[string]string
	// owned maps primary key -> composite index keys written for it,
	// so Put/Delete can drop stale entries.
	owned map[string][]ownedIndex
}

type ownedIndex struct {
	index     string
	composite string
}

// NewMemoryEngine creates an in-memory engine. maxBytes bounds the total
// size of stored values; 0 means unbounded.
func NewMemoryEngine(maxBytes int) *MemoryEngine {
	return &MemoryEngine{
		maxBytes: maxBytes,
		stores:   make(map[string]*memStore),
	}
}

func (e *MemoryEngine) store(name string) *memStore {
	s, ok := e.stores[name]
	if !ok {
		s = &memStore{
			records: make(map[string][]byte),
			indexes: make(map[string]map[string]string),
			owned:   make(map[string][]ownedIndex),
		}
		e.stores[name] = s
	}
	return s
}

func compositeKey(indexKey, primary []byte) string {
	buf := make([]byte, 0, len(indexKey)+1+len(primary))
	buf = append(buf, indexKey...)
	buf = append(buf, 0x00)
	buf = append(buf, primary...)
	return string(buf)
}

// Put implements Engine.
func (e *MemoryEngine) Put(ctx context.Context, store string, key, value []byte, indexes []IndexEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	s := e.store(store)
	k := string(key)
	prev, existed := s.records[k]

	delta := len(value)
	if existed {
		delta -= len(prev)
	}
	if e.maxBytes > 0 && e.used+delta > e.maxBytes {
		return ErrStorageFull
	}
	e.used += delta

	s.records[k] = append([]byte(nil), value...)

	// Replace index entries owned by this key.
	for _, oi := range s.owned[k] {
		delete(s.indexes[oi.index], oi.composite)
	}
	owned := make([]ownedIndex, 0, len(indexes))
	for _, ie := range indexes {
		m, ok := s.indexes[ie.Index]
		if !ok {
			m = make(map[string]string)
			s.indexes[ie.Index] = m
		}
		ck := compositeKey(ie.Key, key)
		m[ck] = k
		owned = append(owned, ownedIndex{index: ie.Index, composite: ck})
	}
	s.owned[k] = owned
	return nil
}

// Get implements Engine.
func (e *MemoryEngine) Get(ctx context.Context, store string, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	s, ok := e.stores[store]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := s.records[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Delete implements Engine.
func (e *MemoryEngine) Delete(ctx context.Context, store string, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	s, ok := e.stores[store]
	if !ok {
		return nil
	}
	k := string(key)
	if v, existed := s.records[k]; existed {
		e.used -= len(v)
		delete(s.records, k)
	}
	for _, oi := range s.owned[k] {
		delete(s.indexes[oi.index], oi.composite)
	}
	delete(s.owned, k)
	return nil
}

// RangeScan implements Engine.
func (e *MemoryEngine) RangeScan(ctx context.Context, store, index string, r Range, dir Direction, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	s, ok := e.stores[store]
	if !ok {
		return nil, nil
	}

	var keys []string
	if index == "" {
		for k := range s.records {
			if inRange([]byte(k), r) {
				keys = append(keys, k)
			}
		}
	} else {
		for ck := range s.indexes[index] {
			if indexKeyInRange(ck, r) {
				keys = append(keys, ck)
			}
		}
	}
	sort.Strings(keys)
	if dir == Reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		primary := k
		if index != "" {
			primary = s.indexes[index][k]
		}
		v, ok := s.records[primary]
		if !ok {
			continue
		}
		out = append(out, Record{
			Key:   []byte(primary),
			Value: append([]byte(nil), v...),
		})
	}
	return out, nil
}

// Count implements Engine.
func (e *MemoryEngine) Count(ctx context.Context, store, index string, r Range) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrClosed
	}

	s, ok := e.stores[store]
	if !ok {
		return 0, nil
	}
	n := 0
	if index == "" {
		for k := range s.records {
			if inRange([]byte(k), r) {
				n++
			}
		}
		return n, nil
	}
	for ck := range s.indexes[index] {
		if indexKeyInRange(ck, r) {
			n++
		}
	}
	return n, nil
}

// Close implements Engine.
func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.stores = nil
	return nil
}

// indexKeyInRange strips the primary-key suffix from a composite index key
// before testing the range, so End bounds compare against the index key the
// caller actually wrote.
func indexKeyInRange(composite string, r Range) bool {
	idx := []byte(composite)
	if i := bytes.IndexByte(idx, 0x00); i >= 0 {
		idx = idx[:i]
	}
	return inRange(idx, r)
}
