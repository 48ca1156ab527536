// Package session owns the lifecycle of one streamed turn: the phase state
// machine, the generation counter that keeps at most one active session per
// conversation, and the commit of the authoritative buffer to the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/deliver"
	"github.com/parleyhq/parley/internal/render"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/transport"
	"github.com/parleyhq/parley/internal/window"
)

// Phase is the session state machine position. A session moves
// idle → routing → executing → streaming → completed; error and cancelled
// are reachable from any non-terminal phase.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRouting   Phase = "routing"
	PhaseExecuting Phase = "executing"
	PhaseStreaming Phase = "streaming"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
	PhaseCancelled Phase = "cancelled"
)

// Terminal reports whether the phase ends a session.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError || p == PhaseCancelled
}

var (
	// ErrEmptyQuery rejects sends with no content.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrNotRetryable rejects retries on anything but a failed
	// assistant message.
	ErrNotRetryable = errors.New("message is not retryable")

	// ErrRetryExhausted rejects retries past the attempt bound.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrNoUserTurn means no preceding user message exists to retry from.
	ErrNoUserTurn = errors.New("no preceding user turn")
)

// DefaultMaxAttempts bounds delivery attempts per logical turn.
const DefaultMaxAttempts = 3

// Config tunes the controller.
type Config struct {
	// MaxAttempts bounds delivery attempts per logical turn, the first
	// send included.
	MaxAttempts int

	// Render configures the per-session batching renderer.
	Render render.Config
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// Controller drives stream sessions. It enforces the single-active-session
// invariant per conversation: a new send increments the conversation's
// generation counter and every callback or commit from an older generation
// becomes a no-op.
type Controller struct {
	store       *store.Store
	windows     *window.Manager
	coordinator *deliver.Coordinator
	cfg         Config
	logger      *slog.Logger

	mu       sync.Mutex
	gens     map[uuid.UUID]uint64
	active   map[uuid.UUID]*session
	attempts map[uuid.UUID]int

	subsMu sync.RWMutex
	subs   map[uuid.UUID]map[int]func(Event)
	nextID int

	wg sync.WaitGroup
}

// session is the ephemeral state of one in-flight turn.
type session struct {
	conversationID uuid.UUID
	messageID      uuid.UUID
	generation     uint64
	query          string

	renderer   *render.Renderer
	cancel     context.CancelFunc
	stopRender context.CancelFunc
	done       chan struct{}
	renderDone chan struct{}

	mu      sync.Mutex
	phase   Phase
	routing *transport.Routing
	err     error
}

// New creates a session controller over its collaborators.
func New(st *store.Store, windows *window.Manager, coordinator *deliver.Coordinator, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Controller{
		store:       st,
		windows:     windows,
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logger,
		gens:        make(map[uuid.UUID]uint64),
		active:      make(map[uuid.UUID]*session),
		attempts:    make(map[uuid.UUID]int),
		subs:        make(map[uuid.UUID]map[int]func(Event)),
	}
}

// Send persists the user's message and starts a streamed turn for it. The
// returned handle resolves when the turn reaches a terminal phase. Sending
// into a conversation with an active session supersedes that session.
func (c *Controller) Send(ctx context.Context, conversationID uuid.UUID, content string) (*Handle, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyQuery
	}
	if conversationID == uuid.Nil {
		conversationID = uuid.New()
	}

	if _, err := c.store.CreateConversation(ctx, conversationID, store.DeriveTitle(content)); err != nil {
		return nil, err
	}

	user := &store.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        content,
		Status:         store.StatusDelivered,
	}
	if err := c.store.Save(ctx, user); err != nil {
		return nil, err
	}
	c.windows.AppendLive(conversationID, user)

	c.mu.Lock()
	c.attempts[user.ID] = 1
	c.mu.Unlock()

	return c.startTurn(ctx, conversationID, content)
}

// Retry re-runs the logical turn that produced a failed assistant message.
// The failed message and everything after it are removed from persisted
// history before the turn is re-delivered. Attempts are bounded per user
// turn; past the bound Retry fails with ErrRetryExhausted.
func (c *Controller) Retry(ctx context.Context, messageID uuid.UUID) (*Handle, error) {
	failed, err := c.store.Message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if failed.Role != store.RoleAssistant || failed.Status != store.StatusError {
		return nil, fmt.Errorf("%w: message %s is %s/%s",
			ErrNotRetryable, messageID, failed.Role, failed.Status)
	}

	user, err := c.precedingUserTurn(ctx, failed)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	attempts := c.attempts[user.ID]
	if attempts >= c.cfg.MaxAttempts {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d attempts for turn %s", ErrRetryExhausted, attempts, user.ID)
	}
	c.attempts[user.ID] = attempts + 1
	c.mu.Unlock()

	// Truncate the failed tail so a later success leaves exactly one
	// delivered message for this turn.
	if _, err := c.store.DeleteFrom(ctx, failed.ConversationID, user.Seq+1); err != nil {
		return nil, err
	}
	c.windows.Invalidate(failed.ConversationID)

	c.logger.Info("retrying turn",
		"conversation_id", failed.ConversationID,
		"user_message_id", user.ID,
		"attempt", attempts+1,
	)
	return c.startTurn(ctx, failed.ConversationID, user.Content)
}

// precedingUserTurn finds the nearest user message before a failed
// assistant one.
func (c *Controller) precedingUserTurn(ctx context.Context, failed *store.Message) (*store.Message, error) {
	msgs, err := c.store.Load(ctx, failed.ConversationID, store.LoadOptions{})
	if err != nil {
		return nil, err
	}
	var user *store.Message
	for _, m := range msgs {
		if m.Seq >= failed.Seq {
			break
		}
		if m.Role == store.RoleUser {
			user = m
		}
	}
	if user == nil {
		return nil, fmt.Errorf("%w: before message %s", ErrNoUserTurn, failed.ID)
	}
	return user, nil
}

// startTurn takes over the conversation's active slot, persists the
// assistant placeholder, and spawns the delivery goroutine.
func (c *Controller) startTurn(ctx context.Context, conversationID uuid.UUID, query string) (*Handle, error) {
	// The session outlives the request that started it; only supersession
	// or shutdown cancels it. The renderer runs on its own child context
	// so stopping the flush loop never cancels the session itself.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	renderCtx, stopRender := context.WithCancel(runCtx)

	placeholder := &store.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Status:         store.StatusPending,
	}

	s := &session{
		conversationID: conversationID,
		messageID:      placeholder.ID,
		query:          query,
		cancel:         cancel,
		stopRender:     stopRender,
		done:           make(chan struct{}),
		renderDone:     make(chan struct{}),
		phase:          PhaseIdle,
	}
	s.renderer = render.New(c.cfg.Render, c.stepSink(s), c.logger)

	// Take the generation before writing the placeholder: once the new
	// placeholder is visible in the store, any write from an older session
	// is already stale under the commit guard.
	c.mu.Lock()
	c.gens[conversationID]++
	s.generation = c.gens[conversationID]
	if prev, ok := c.active[conversationID]; ok {
		prev.cancel()
		c.logger.Debug("superseding active session",
			"conversation_id", conversationID, "old_generation", prev.generation)
	}
	c.active[conversationID] = s
	c.mu.Unlock()

	if err := c.store.Save(ctx, placeholder); err != nil {
		cancel()
		c.mu.Lock()
		if c.active[conversationID] == s {
			delete(c.active, conversationID)
		}
		c.mu.Unlock()
		return nil, err
	}
	c.windows.AppendLive(conversationID, placeholder)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer close(s.renderDone)
		s.renderer.Run(renderCtx)
	}()
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(runCtx, s)
	}()

	return newHandle(s), nil
}

// isCurrent reports whether a session generation is still the live one for
// its conversation.
func (c *Controller) isCurrent(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[s.conversationID] == s.generation
}

// run drives one turn to a terminal phase.
func (c *Controller) run(ctx context.Context, s *session) {
	c.transition(s, PhaseRouting, "")

	req := transport.Request{ConversationID: s.conversationID, Query: s.query}
	outcome, err := c.coordinator.Deliver(ctx, req, deliver.Callbacks{
		OnRouting: func(r transport.Routing) {
			if !c.isCurrent(s) {
				return
			}
			s.mu.Lock()
			s.routing = &r
			s.mu.Unlock()
			c.transition(s, PhaseExecuting, "")
		},
		OnFragment: func(text string) {
			if !c.isCurrent(s) {
				return
			}
			if s.phaseNow() != PhaseStreaming {
				c.transition(s, PhaseStreaming, "")
			}
			s.renderer.AddFragment(text)
		},
		OnDegraded: func(reason error) {
			if !c.isCurrent(s) {
				return
			}
			c.publish(Event{
				ConversationID: s.conversationID,
				MessageID:      s.messageID,
				Generation:     s.generation,
				Phase:          s.phaseNow(),
				Degraded:       true,
			})
		},
	})

	// The session context only cancels on supersession or shutdown;
	// capture that before stopping the renderer.
	superseded := ctx.Err() != nil

	// Stop the render loop before touching the store; its final flush
	// must not race the commit.
	s.stopRender()
	<-s.renderDone

	// Terminal store writes still run when the session was cancelled
	// upstream; the commit guard decides whether they land.
	finishCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		c.commit(finishCtx, s, outcome)
	case superseded:
		// Superseded or shut down: swallowed and logged, never
		// user-facing.
		c.logger.Debug("session cancelled",
			"conversation_id", s.conversationID, "generation", s.generation)
		c.finish(s, PhaseCancelled, "", nil)
	default:
		c.fail(finishCtx, s, err)
	}
}

// commit writes the authoritative result as one message update. The
// generation is re-checked inside the store's conversation write lock, so a
// newer session that has already taken over can never be overwritten by a
// late commit.
func (c *Controller) commit(ctx context.Context, s *session, outcome *deliver.Outcome) {
	if !c.isCurrent(s) {
		c.finish(s, PhaseCancelled, "", nil)
		return
	}

	msg, err := c.store.Message(ctx, s.messageID)
	if err != nil {
		c.finish(s, PhaseError, "", err)
		return
	}

	// The terminal payload wins over the locally accumulated buffer.
	msg.Content = outcome.Result.Content
	msg.Status = store.StatusDelivered
	msg.Metadata = store.Metadata{
		AgentID:          outcome.Result.AgentID,
		AgentName:        outcome.Result.AgentName,
		Protocol:         outcome.Result.Protocol,
		Confidence:       outcome.Result.Confidence,
		Reasoning:        outcome.Result.Reasoning,
		ProcessingTimeMs: outcome.Result.ProcessingTimeMs,
		Degraded:         outcome.Degraded,
	}
	saveErr := c.store.SaveIf(ctx, msg, func() bool { return c.isCurrent(s) })
	switch {
	case errors.Is(saveErr, store.ErrStaleWrite):
		c.finish(s, PhaseCancelled, "", nil)
		return
	case saveErr != nil:
		c.finish(s, PhaseError, "", saveErr)
		return
	}
	c.windows.ReplaceLive(s.conversationID, msg)

	c.logger.Info("turn completed",
		"conversation_id", s.conversationID,
		"message_id", s.messageID,
		"path", outcome.Path,
		"fragments", outcome.Fragments,
		"agent", outcome.Result.AgentName,
	)
	c.finish(s, PhaseCompleted, msg.Content, nil)
}

// fail marks the placeholder as errored and leaves it in place for retry.
func (c *Controller) fail(ctx context.Context, s *session, cause error) {
	if !c.isCurrent(s) {
		c.finish(s, PhaseCancelled, "", nil)
		return
	}

	msg, err := c.store.Message(ctx, s.messageID)
	if err == nil {
		msg.Status = store.StatusError
		msg.Content = s.renderer.Content()
		saveErr := c.store.SaveIf(ctx, msg, func() bool { return c.isCurrent(s) })
		switch {
		case errors.Is(saveErr, store.ErrStaleWrite):
			c.finish(s, PhaseCancelled, "", nil)
			return
		case saveErr != nil:
			c.logger.Error("marking failed turn", "message_id", s.messageID, "error", saveErr)
		default:
			c.windows.ReplaceLive(s.conversationID, msg)
		}
	}

	c.logger.Warn("turn failed",
		"conversation_id", s.conversationID,
		"message_id", s.messageID,
		"error", cause,
	)
	c.finish(s, PhaseError, s.renderer.Content(), cause)
}

// finish records the terminal phase, publishes it, and releases the
// conversation's active slot if this session still owns it. The terminal
// event carries the final content so subscribers that missed streaming
// steps still end up with the full text.
func (c *Controller) finish(s *session, phase Phase, content string, cause error) {
	s.mu.Lock()
	s.phase = phase
	s.err = cause
	s.mu.Unlock()

	c.mu.Lock()
	if c.active[s.conversationID] == s {
		delete(c.active, s.conversationID)
	}
	c.mu.Unlock()

	ev := Event{
		ConversationID: s.conversationID,
		MessageID:      s.messageID,
		Generation:     s.generation,
		Phase:          phase,
		Content:        content,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	c.publish(ev)
	close(s.done)
}

// transition publishes a non-terminal phase change.
func (c *Controller) transition(s *session, phase Phase, content string) {
	s.mu.Lock()
	s.phase = phase
	routing := s.routing
	s.mu.Unlock()

	c.publish(Event{
		ConversationID: s.conversationID,
		MessageID:      s.messageID,
		Generation:     s.generation,
		Phase:          phase,
		Content:        content,
		Routing:        routing,
	})
}

// stepSink feeds paced render steps into the window cache and to
// subscribers as ephemeral streaming updates.
func (c *Controller) stepSink(s *session) func(content string) {
	return func(content string) {
		if !c.isCurrent(s) {
			return
		}
		snapshot := &store.Message{
			ID:             s.messageID,
			ConversationID: s.conversationID,
			Role:           store.RoleAssistant,
			Content:        content,
			Status:         store.StatusStreaming,
		}
		c.windows.ReplaceLive(s.conversationID, snapshot)
		c.publish(Event{
			ConversationID: s.conversationID,
			MessageID:      s.messageID,
			Generation:     s.generation,
			Phase:          PhaseStreaming,
			Content:        content,
		})
	}
}

// ActiveSessions reports how many sessions are currently in flight.
func (c *Controller) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Shutdown cancels every active session and waits for their goroutines,
// bounded by ctx.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, s := range c.active {
		s.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session shutdown: %w", ctx.Err())
	}
}

func (s *session) phaseNow() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}
