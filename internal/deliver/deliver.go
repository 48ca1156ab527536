// Package deliver coordinates how one turn's answer reaches the caller.
// The incremental websocket path is tried first; when it cannot connect,
// violates the protocol, or falls silent past the configured threshold, the
// coordinator degrades to the unary path with the same request. Only a
// failure of both paths surfaces as an error.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/parleyhq/parley/internal/transport"
)

// Path records which transport produced the final result.
type Path string

const (
	PathIncremental Path = "incremental"
	PathUnary       Path = "unary"
)

// Defaults for Config fields left zero.
const (
	DefaultSilenceTimeout = 30 * time.Second
	DefaultUnaryAttempts  = 3
	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
)

// Config tunes the fallback policy.
type Config struct {
	// SilenceTimeout forces degradation when the incremental stream emits
	// nothing for this long.
	SilenceTimeout time.Duration

	// UnaryAttempts bounds unary tries after degradation, backed off
	// exponentially between BackoffInitial and BackoffMax.
	UnaryAttempts  int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c *Config) applyDefaults() {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.UnaryAttempts <= 0 {
		c.UnaryAttempts = DefaultUnaryAttempts
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
}

// Callbacks observe delivery progress. All fields are optional and invoked
// from the delivering goroutine.
type Callbacks struct {
	// OnRouting fires when the backend announces its agent choice.
	OnRouting func(transport.Routing)

	// OnFragment fires per streamed delta, in arrival order.
	OnFragment func(text string)

	// OnDegraded fires once when the incremental path is abandoned.
	OnDegraded func(reason error)
}

// Outcome is the result of one successful delivery.
type Outcome struct {
	Result    *transport.Result
	Path      Path
	Fragments int
	Degraded  bool
}

// Coordinator runs the two-path delivery policy. Safe for concurrent use;
// each Deliver call is independent.
type Coordinator struct {
	incremental transport.Incremental
	unary       transport.Unary
	cfg         Config
	logger      *slog.Logger

	metrics metrics
}

// New creates a coordinator over the two transports. incremental may be nil,
// in which case every delivery goes straight to the unary path.
func New(incremental transport.Incremental, unary transport.Unary, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Coordinator{
		incremental: incremental,
		unary:       unary,
		cfg:         cfg,
		logger:      logger,
	}
}

// Deliver runs one turn through the fallback policy and blocks until a
// final result or a double failure. The returned error wraps the transport
// taxonomy sentinels for errors.Is dispatch.
func (c *Coordinator) Deliver(ctx context.Context, req transport.Request, cb Callbacks) (*Outcome, error) {
	start := time.Now()
	outcome, err := c.deliver(ctx, req, cb)
	if err == nil {
		c.metrics.recordDelivery(time.Since(start).Milliseconds())
	}
	return outcome, err
}

func (c *Coordinator) deliver(ctx context.Context, req transport.Request, cb Callbacks) (*Outcome, error) {
	if c.incremental == nil {
		return c.deliverUnary(ctx, req, nil, Outcome{})
	}

	outcome, reason := c.deliverIncremental(ctx, req, cb)
	if reason == nil {
		return outcome, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("delivery canceled: %w", ctx.Err())
	}

	c.metrics.fallbacks.Add(1)
	c.logger.Warn("incremental path failed, degrading to unary",
		"conversation_id", req.ConversationID, "reason", reason)
	if cb.OnDegraded != nil {
		cb.OnDegraded(reason)
	}
	return c.deliverUnary(ctx, req, reason, *outcome)
}

// deliverIncremental consumes the stream until a terminal event. A nil
// reason means outcome carries the final result; otherwise outcome carries
// the partial progress and reason says why the path was abandoned.
func (c *Coordinator) deliverIncremental(ctx context.Context, req transport.Request, cb Callbacks) (*Outcome, error) {
	c.metrics.incrementalAttempts.Add(1)
	outcome := &Outcome{Path: PathIncremental}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := c.incremental.Stream(streamCtx, req)
	if err != nil {
		return outcome, err
	}

	silence := time.NewTimer(c.cfg.SilenceTimeout)
	defer silence.Stop()

	for {
		select {
		case <-ctx.Done():
			return outcome, fmt.Errorf("%w: %w", transport.ErrTransport, ctx.Err())

		case <-silence.C:
			return outcome, fmt.Errorf("%w: no stream event within %s",
				transport.ErrTimeout, c.cfg.SilenceTimeout)

		case ev, open := <-events:
			if !open {
				return outcome, fmt.Errorf("%w: stream ended without a terminal event", transport.ErrTransport)
			}
			if !silence.Stop() {
				<-silence.C
			}
			silence.Reset(c.cfg.SilenceTimeout)

			switch ev.Type {
			case transport.EventRouting:
				if ev.Routing != nil && cb.OnRouting != nil {
					cb.OnRouting(*ev.Routing)
				}
			case transport.EventFragment:
				outcome.Fragments++
				c.metrics.fragments.Add(1)
				if cb.OnFragment != nil {
					cb.OnFragment(ev.Text)
				}
			case transport.EventComplete:
				// Complete is authoritative even against the local buffer.
				outcome.Result = ev.Final
				c.metrics.incrementalSuccesses.Add(1)
				return outcome, nil
			case transport.EventError:
				return outcome, fmt.Errorf("%w: stream error: %s", transport.ErrTransport, ev.Message)
			}
		}
	}
}

// deliverUnary retries the single-shot path with capped exponential backoff.
func (c *Coordinator) deliverUnary(ctx context.Context, req transport.Request, streamReason error, partial Outcome) (*Outcome, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.BackoffInitial
	policy.MaxInterval = c.cfg.BackoffMax
	policy.MaxElapsedTime = 0

	var result *transport.Result
	operation := func() error {
		c.metrics.unaryAttempts.Add(1)
		r, err := c.unary.Request(ctx, req)
		if err != nil {
			if errors.Is(err, transport.ErrProtocol) {
				// A malformed answer will not improve on retry.
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Debug("unary attempt failed",
			"conversation_id", req.ConversationID, "error", err, "retry_in", next)
	}

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.UnaryAttempts-1)), ctx),
		notify)
	if err != nil {
		c.metrics.failures.Add(1)
		if streamReason != nil {
			return nil, fmt.Errorf("both delivery paths failed: incremental: %w; unary: %w", streamReason, err)
		}
		return nil, fmt.Errorf("unary delivery failed: %w", err)
	}

	c.metrics.unarySuccesses.Add(1)
	return &Outcome{
		Result:    result,
		Path:      PathUnary,
		Fragments: partial.Fragments,
		Degraded:  streamReason != nil,
	}, nil
}
