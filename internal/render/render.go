// Package render batches streamed response fragments into paced display
// updates. Fragments arrive faster than a UI can usefully repaint, so the
// renderer folds them into one authoritative cumulative buffer and pushes
// coalesced updates at a bounded cadence. The buffer is never lossy; only
// the number of discrete render steps is.
package render

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy selects how queued fragments become render steps.
type Policy int

const (
	// PolicyAccumulate emits one render step per fragment, each showing
	// the cumulative content up to that fragment.
	PolicyAccumulate Policy = iota

	// PolicyLatestWins folds all queued fragments per tick and emits a
	// single step with the final coalesced content.
	PolicyLatestWins
)

func (p Policy) String() string {
	switch p {
	case PolicyAccumulate:
		return "accumulate"
	case PolicyLatestWins:
		return "latest-wins"
	default:
		return "unknown"
	}
}

// Defaults for Config fields left zero.
const (
	DefaultFlushInterval  = 16 * time.Millisecond
	DefaultMaxQueueSize   = 64
	DefaultMaxStepsPerSec = 120
)

// Config tunes a Renderer.
type Config struct {
	Policy Policy

	// FlushInterval is the cadence of the flush loop.
	FlushInterval time.Duration

	// MaxQueueSize bounds fragments queued but not yet folded. Overflow
	// folds the oldest fragments into the cumulative buffer immediately
	// and drops only their render steps.
	MaxQueueSize int

	// MaxStepsPerSec rate-limits emitted steps under PolicyAccumulate.
	// Denied steps fold without emitting. 0 applies the default.
	MaxStepsPerSec int
}

func (c *Config) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.MaxStepsPerSec <= 0 {
		c.MaxStepsPerSec = DefaultMaxStepsPerSec
	}
}

// Stats is a point-in-time snapshot of renderer diagnostics.
type Stats struct {
	FragmentsReceived int64
	StepsEmitted      int64
	DroppedSteps      int64
	AvgFoldLatency    time.Duration
	QueueDepth        int
}

type queued struct {
	text string
	at   time.Time
}

// Renderer coalesces fragments for one streaming message. It never fails;
// overload degrades render granularity, not content. Safe for concurrent use.
type Renderer struct {
	cfg     Config
	onStep  func(content string)
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.Mutex
	queue     []queued
	cum       strings.Builder
	received  int64
	emitted   int64
	dropped   int64
	foldTotal time.Duration
	folds     int64

	now func() time.Time
}

// New creates a renderer pushing coalesced steps to onStep. onStep is called
// from the flush loop goroutine, never concurrently with itself.
func New(cfg Config, onStep func(content string), logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Renderer{
		cfg:     cfg,
		onStep:  onStep,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxStepsPerSec), cfg.MaxStepsPerSec),
		logger:  logger,
		now:     time.Now,
	}
}

// AddFragment enqueues a streamed delta. When the queue is past
// MaxQueueSize the oldest pending fragments fold into the cumulative buffer
// right away and their individual render steps are dropped.
func (r *Renderer) AddFragment(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.received++
	r.queue = append(r.queue, queued{text: text, at: r.now()})
	for len(r.queue) > r.cfg.MaxQueueSize {
		r.foldLocked(r.queue[0])
		r.queue = r.queue[1:]
		r.dropped++
	}
}

// SetContent replaces the cumulative buffer outright and discards pending
// fragments. Used when an authoritative final payload supersedes the locally
// accumulated text.
func (r *Renderer) SetContent(content string) {
	r.mu.Lock()
	dropped := len(r.queue)
	r.queue = r.queue[:0]
	r.cum.Reset()
	r.cum.WriteString(content)
	r.dropped += int64(dropped)
	r.mu.Unlock()

	if r.onStep != nil {
		r.onStep(content)
	}
	r.mu.Lock()
	r.emitted++
	r.mu.Unlock()
}

// Content returns the authoritative accumulated text, including queued
// fragments that have not rendered yet.
func (r *Renderer) Content() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return r.cum.String()
	}
	var b strings.Builder
	b.WriteString(r.cum.String())
	for _, q := range r.queue {
		b.WriteString(q.text)
	}
	return b.String()
}

// Flush folds and renders everything pending according to the policy.
func (r *Renderer) Flush() {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}

	var steps []string
	switch r.cfg.Policy {
	case PolicyAccumulate:
		for _, q := range r.queue {
			r.foldLocked(q)
			if r.limiter.Allow() {
				steps = append(steps, r.cum.String())
			} else {
				r.dropped++
			}
		}
	default:
		for _, q := range r.queue {
			r.foldLocked(q)
		}
		// Folded steps beyond the single emitted one degrade granularity.
		r.dropped += int64(len(r.queue) - 1)
		steps = append(steps, r.cum.String())
	}
	r.queue = r.queue[:0]
	r.emitted += int64(len(steps))
	r.mu.Unlock()

	if r.onStep == nil {
		return
	}
	for _, s := range steps {
		r.onStep(s)
	}
}

// Run flushes on a fixed cadence until ctx is canceled, with one final
// flush on the way out. Callers must track the goroutine with a WaitGroup.
func (r *Renderer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Flush()
			return
		case <-ticker.C:
			r.Flush()
		}
	}
}

// Stats snapshots the diagnostics counters.
func (r *Renderer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		FragmentsReceived: r.received,
		StepsEmitted:      r.emitted,
		DroppedSteps:      r.dropped,
		QueueDepth:        len(r.queue),
	}
	if r.folds > 0 {
		s.AvgFoldLatency = r.foldTotal / time.Duration(r.folds)
	}
	return s
}

// foldLocked appends one fragment to the cumulative buffer and records its
// queue-to-fold latency. Caller holds mu.
func (r *Renderer) foldLocked(q queued) {
	r.cum.WriteString(q.text)
	r.foldTotal += r.now().Sub(q.at)
	r.folds++
}
