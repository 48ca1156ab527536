// Package window bounds how much of a conversation is held in working
// memory. It pages messages from the persistent store on demand and evicts
// least-recently-used windows so the cache never grows with history size.
package window

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/store"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxMessages      = 200
	DefaultMaxConversations = 8
	DefaultStaleness        = 5 * time.Minute
	DefaultSweepInterval    = time.Minute
)

// Config bounds the window cache.
type Config struct {
	// MaxMessages is the per-conversation window size; tail appends trim
	// the head beyond it.
	MaxMessages int

	// MaxConversations caps how many conversation windows stay cached.
	MaxConversations int

	// MaxFootprintBytes caps the estimated content bytes across all
	// cached windows. 0 disables the footprint bound.
	MaxFootprintBytes int

	// Staleness drops windows unaccessed for this long.
	Staleness time.Duration

	// SweepInterval is the cadence of the background eviction pass.
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.MaxConversations <= 0 {
		c.MaxConversations = DefaultMaxConversations
	}
	if c.Staleness <= 0 {
		c.Staleness = DefaultStaleness
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// Window is a contiguous slice of one conversation's messages.
// Start/End are message offsets within the persisted sequence,
// end-exclusive; Total is the persisted message count at load time.
type Window struct {
	ConversationID uuid.UUID
	Messages       []*store.Message
	Start          int
	End            int
	Total          int
}

// cached is the manager-owned state behind a served Window.
type cached struct {
	win          Window
	lastAccessed time.Time
	bytes        int
}

// Loader is the slice of the persistent store the manager pages through.
type Loader interface {
	Load(ctx context.Context, conversationID uuid.UUID, opts store.LoadOptions) ([]*store.Message, error)
	CountMessages(ctx context.Context, conversationID uuid.UUID) (int, error)
}

// Manager caches one window per conversation. Safe for concurrent use.
type Manager struct {
	loader Loader
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	windows map[uuid.UUID]*cached

	now func() time.Time
}

// NewManager creates a window manager over loader.
func NewManager(loader Loader, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Manager{
		loader:  loader,
		cfg:     cfg,
		logger:  logger,
		windows: make(map[uuid.UUID]*cached),
		now:     time.Now,
	}
}

// GetWindow returns messages [start, start+size) of a conversation. A cached
// window covering the requested range is served directly; anything else
// reloads from the store, including a fresh total count, and replaces the
// cached window. size <= 0 means the configured maximum.
func (m *Manager) GetWindow(ctx context.Context, conversationID uuid.UUID, start, size int) (Window, error) {
	if start < 0 {
		start = 0
	}
	if size <= 0 || size > m.cfg.MaxMessages {
		size = m.cfg.MaxMessages
	}

	m.mu.Lock()
	if c, ok := m.windows[conversationID]; ok && start >= c.win.Start && start+size <= c.win.End {
		c.lastAccessed = m.now()
		win := snapshot(c.win, start, size)
		m.mu.Unlock()
		return win, nil
	}
	m.mu.Unlock()

	total, err := m.loader.CountMessages(ctx, conversationID)
	if err != nil {
		return Window{}, fmt.Errorf("count window of %s: %w", conversationID, err)
	}
	if start > total {
		start = total
	}
	msgs, err := m.loader.Load(ctx, conversationID, store.LoadOptions{Offset: start, Limit: size})
	if err != nil {
		return Window{}, fmt.Errorf("load window of %s: %w", conversationID, err)
	}

	win := Window{
		ConversationID: conversationID,
		Messages:       msgs,
		Start:          start,
		End:            start + len(msgs),
		Total:          total,
	}

	m.mu.Lock()
	m.windows[conversationID] = &cached{
		win:          win,
		lastAccessed: m.now(),
		bytes:        footprint(msgs),
	}
	m.evictLocked(m.now())
	m.mu.Unlock()

	m.logger.Debug("window reloaded",
		"conversation_id", conversationID,
		"start", win.Start,
		"end", win.End,
		"total", total,
	)
	return snapshot(win, win.Start, win.End-win.Start), nil
}

// AppendLive folds a freshly persisted message into the cached window. When
// the window holds the tail of the conversation the message is appended in
// place, trimming the head past MaxMessages; otherwise the window is
// invalidated outright so no stale gap can form.
func (m *Manager) AppendLive(conversationID uuid.UUID, msg *store.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.windows[conversationID]
	if !ok {
		return
	}
	if c.win.End != c.win.Total {
		// Window is somewhere in the middle of history.
		delete(m.windows, conversationID)
		m.logger.Debug("window invalidated on live append", "conversation_id", conversationID)
		return
	}

	c.win.Messages = append(c.win.Messages, msg)
	c.win.End++
	c.win.Total++
	c.bytes += len(msg.Content)
	for len(c.win.Messages) > m.cfg.MaxMessages {
		c.bytes -= len(c.win.Messages[0].Content)
		c.win.Messages = c.win.Messages[1:]
		c.win.Start++
	}
	c.lastAccessed = m.now()
}

// ReplaceLive swaps an already-windowed message in place, matching by id.
// Misses are ignored; streaming updates for uncached conversations have
// nothing to refresh.
func (m *Manager) ReplaceLive(conversationID uuid.UUID, msg *store.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.windows[conversationID]
	if !ok {
		return
	}
	for i, cur := range c.win.Messages {
		if cur.ID == msg.ID {
			c.bytes += len(msg.Content) - len(cur.Content)
			c.win.Messages[i] = msg
			c.lastAccessed = m.now()
			return
		}
	}
}

// Invalidate drops the cached window for a conversation.
func (m *Manager) Invalidate(conversationID uuid.UUID) {
	m.mu.Lock()
	delete(m.windows, conversationID)
	m.mu.Unlock()
}

// Cached reports how many conversation windows are currently held.
func (m *Manager) Cached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Run sweeps stale windows until ctx is canceled. Callers must track the
// goroutine with a WaitGroup.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one eviction pass.
func (m *Manager) Sweep() {
	m.mu.Lock()
	evicted := m.evictLocked(m.now())
	m.mu.Unlock()
	if evicted > 0 {
		m.logger.Debug("window sweep", "evicted", evicted)
	}
}

// evictLocked drops LRU windows past the conversation and footprint bounds,
// then anything unaccessed past the staleness threshold. The most recently
// accessed window is never dropped by the capacity passes.
func (m *Manager) evictLocked(now time.Time) int {
	if len(m.windows) == 0 {
		return 0
	}

	type entry struct {
		id       uuid.UUID
		accessed time.Time
		bytes    int
	}
	order := make([]entry, 0, len(m.windows))
	totalBytes := 0
	for id, c := range m.windows {
		order = append(order, entry{id: id, accessed: c.lastAccessed, bytes: c.bytes})
		totalBytes += c.bytes
	}
	sort.Slice(order, func(i, j int) bool { return order[i].accessed.Before(order[j].accessed) })

	evicted := 0
	for len(order) > 1 {
		overCount := len(order) > m.cfg.MaxConversations
		overBytes := m.cfg.MaxFootprintBytes > 0 && totalBytes > m.cfg.MaxFootprintBytes
		if !overCount && !overBytes {
			break
		}
		victim := order[0]
		order = order[1:]
		delete(m.windows, victim.id)
		totalBytes -= victim.bytes
		evicted++
	}

	for _, e := range order[:len(order)-1] {
		if now.Sub(e.accessed) > m.cfg.Staleness {
			delete(m.windows, e.id)
			evicted++
		}
	}
	// The MRU window goes stale too, eventually.
	last := order[len(order)-1]
	if now.Sub(last.accessed) > m.cfg.Staleness {
		delete(m.windows, last.id)
		evicted++
	}
	return evicted
}

// snapshot returns a Window whose message slice is detached from the cache.
func snapshot(win Window, start, size int) Window {
	lo := start - win.Start
	hi := lo + size
	if hi > len(win.Messages) {
		hi = len(win.Messages)
	}
	msgs := make([]*store.Message, hi-lo)
	copy(msgs, win.Messages[lo:hi])
	return Window{
		ConversationID: win.ConversationID,
		Messages:       msgs,
		Start:          start,
		End:            start + len(msgs),
		Total:          win.Total,
	}
}

func footprint(msgs []*store.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}
