package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/parleyhq/parley/internal/deliver"
	"github.com/parleyhq/parley/internal/kv"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/render"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/transport"
	"github.com/parleyhq/parley/internal/window"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeStream answers each Stream call with the next scripted outcome.
type fakeStream struct {
	mu      sync.Mutex
	scripts []streamScript
}

type streamScript struct {
	dialErr error
	events  []transport.Event
	hang    bool
}

func (f *fakeStream) push(s streamScript) {
	f.mu.Lock()
	f.scripts = append(f.scripts, s)
	f.mu.Unlock()
}

func (f *fakeStream) Stream(ctx context.Context, _ transport.Request) (<-chan transport.Event, error) {
	f.mu.Lock()
	if len(f.scripts) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: no scripted stream", transport.ErrTransport)
	}
	script := f.scripts[0]
	f.scripts = f.scripts[1:]
	f.mu.Unlock()

	if script.dialErr != nil {
		return nil, script.dialErr
	}
	ch := make(chan transport.Event)
	go func() {
		defer close(ch)
		for _, ev := range script.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if script.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// fakeUnary answers each Request call with the next scripted result.
type fakeUnary struct {
	mu      sync.Mutex
	results []func() (*transport.Result, error)
	calls   int
}

func (f *fakeUnary) push(fn func() (*transport.Result, error)) {
	f.mu.Lock()
	f.results = append(f.results, fn)
	f.mu.Unlock()
}

func (f *fakeUnary) Request(_ context.Context, _ transport.Request) (*transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return nil, fmt.Errorf("%w: backend down", transport.ErrTransport)
	}
	next := f.results[0]
	f.results = f.results[1:]
	return next()
}

type fixture struct {
	store      *store.Store
	windows    *window.Manager
	stream     *fakeStream
	unary      *fakeUnary
	controller *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.New(kv.NewMemoryEngine(0), store.DefaultConfig(), log.NewNop())
	wm := window.NewManager(st, window.Config{MaxMessages: 50}, log.NewNop())
	stream := &fakeStream{}
	unary := &fakeUnary{}
	coord := deliver.New(stream, unary, deliver.Config{
		SilenceTimeout: 100 * time.Millisecond,
		UnaryAttempts:  1,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	}, log.NewNop())
	ctrl := New(st, wm, coord, Config{
		MaxAttempts: 3,
		Render:      render.Config{FlushInterval: 2 * time.Millisecond, MaxQueueSize: 100},
	}, log.NewNop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ctrl.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return &fixture{store: st, windows: wm, stream: stream, unary: unary, controller: ctrl}
}

func completeEvent(content, agent string) transport.Event {
	return transport.Event{Type: transport.EventComplete, Final: &transport.Result{
		Content:   content,
		AgentName: agent,
		Protocol:  "acp",
	}}
}

// phaseRecorder collects the distinct phase sequence a subscriber sees.
type phaseRecorder struct {
	mu     sync.Mutex
	phases []Phase
}

func (r *phaseRecorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.phases) == 0 || r.phases[len(r.phases)-1] != ev.Phase {
		r.phases = append(r.phases, ev.Phase)
	}
}

func (r *phaseRecorder) sequence() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

func TestSend_StreamedTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stream.push(streamScript{events: []transport.Event{
		{Type: transport.EventRouting, Routing: &transport.Routing{Agent: "math-agent", Reasoning: "arithmetic"}},
		{Type: transport.EventFragment, Text: "4"},
		completeEvent("4", "math-agent"),
	}})

	convID := uuid.New()
	rec := &phaseRecorder{}
	unsubscribe := f.controller.Subscribe(convID, rec.observe)
	defer unsubscribe()

	ctx := context.Background()
	h, err := f.controller.Send(ctx, convID, "2+2?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if h.Phase() != PhaseCompleted {
		t.Errorf("phase = %s, want completed", h.Phase())
	}
	want := []Phase{PhaseRouting, PhaseExecuting, PhaseStreaming, PhaseCompleted}
	got := rec.sequence()
	if len(got) != len(want) {
		t.Fatalf("phase sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phase sequence = %v, want %v", got, want)
		}
	}

	final, err := f.store.Message(ctx, h.MessageID())
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if final.Content != "4" || final.Status != store.StatusDelivered {
		t.Errorf("final message = %q/%s, want 4/delivered", final.Content, final.Status)
	}
	if final.Metadata.AgentName != "math-agent" {
		t.Errorf("agent metadata = %q", final.Metadata.AgentName)
	}

	n, err := f.store.CountMessages(ctx, convID)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if n != 2 {
		t.Errorf("persisted count = %d, want 2", n)
	}
}

func TestSend_CommitOutlivesRequestContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stream.push(streamScript{events: []transport.Event{
		{Type: transport.EventFragment, Text: "slow but sure"},
		completeEvent("slow but sure", "agent"),
	}})

	// The HTTP request that starts a turn returns 202 immediately; its
	// context dying must not stop the turn from committing.
	reqCtx, cancelReq := context.WithCancel(context.Background())
	h, err := f.controller.Send(reqCtx, uuid.New(), "long question")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	cancelReq()

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if h.Phase() != PhaseCompleted {
		t.Errorf("phase = %s, want completed", h.Phase())
	}

	final, err := f.store.Message(context.Background(), h.MessageID())
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if final.Status != store.StatusDelivered || final.Content != "slow but sure" {
		t.Errorf("final = %q/%s, want slow but sure/delivered", final.Content, final.Status)
	}
}

func TestSend_FallbackToUnary(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stream.push(streamScript{dialErr: fmt.Errorf("%w: refused", transport.ErrTransport)})
	f.unary.push(func() (*transport.Result, error) {
		return &transport.Result{Content: "Hello", AgentName: "general-agent"}, nil
	})

	convID := uuid.New()
	var degraded bool
	var fragments int
	unsubscribe := f.controller.Subscribe(convID, func(ev Event) {
		if ev.Degraded {
			degraded = true
		}
		if ev.Phase == PhaseStreaming {
			fragments++
		}
	})
	defer unsubscribe()

	ctx := context.Background()
	h, err := f.controller.Send(ctx, convID, "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	final, err := f.store.Message(ctx, h.MessageID())
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if final.Status != store.StatusDelivered || final.Content != "Hello" {
		t.Errorf("final = %q/%s, want Hello/delivered", final.Content, final.Status)
	}
	if !final.Metadata.Degraded {
		t.Error("degraded flag not persisted")
	}
	if !degraded {
		t.Error("no degradation event published")
	}
	if fragments != 0 {
		t.Errorf("saw %d streaming events for a turn that never streamed", fragments)
	}
}

func TestSend_SupersedesActiveSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stream.push(streamScript{
		events: []transport.Event{{Type: transport.EventFragment, Text: "never finishes"}},
		hang:   true,
	})
	f.stream.push(streamScript{events: []transport.Event{completeEvent("second answer", "fast-agent")}})

	convID := uuid.New()
	ctx := context.Background()

	first, err := f.controller.Send(ctx, convID, "slow question")
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	second, err := f.controller.Send(ctx, convID, "never mind, this instead")
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if second.Generation() <= first.Generation() {
		t.Errorf("generations = %d then %d, want strictly increasing",
			first.Generation(), second.Generation())
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := first.Wait(waitCtx); err != nil {
		t.Errorf("superseded session surfaced error: %v", err)
	}
	if first.Phase() != PhaseCancelled {
		t.Errorf("first phase = %s, want cancelled", first.Phase())
	}
	if err := second.Wait(waitCtx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if second.Phase() != PhaseCompleted {
		t.Errorf("second phase = %s, want completed", second.Phase())
	}

	// The superseded session must not have written its placeholder.
	stale, err := f.store.Message(ctx, first.MessageID())
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if stale.Status != store.StatusPending {
		t.Errorf("superseded placeholder = %s, want pending", stale.Status)
	}
	if f.controller.ActiveSessions() != 0 {
		t.Errorf("ActiveSessions = %d after both turns resolved", f.controller.ActiveSessions())
	}
}

func TestSend_ConcurrentSendsKeepOneWriter(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	const senders = 4
	for i := 0; i < senders; i++ {
		f.stream.push(streamScript{hang: true})
	}
	// unary has no scripted responses: the surviving session fails after
	// the silence timeout, and superseded ones must cancel without ever
	// touching their placeholder.

	convID := uuid.New()
	ctx := context.Background()

	handles := make([]*Handle, senders)
	sendErrs := make([]error, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], sendErrs[i] = f.controller.Send(ctx, convID, fmt.Sprintf("take %d", i))
		}(i)
	}
	wg.Wait()

	var maxGen uint64
	for i := range handles {
		if sendErrs[i] != nil {
			t.Fatalf("Send %d: %v", i, sendErrs[i])
		}
		if handles[i].Generation() > maxGen {
			maxGen = handles[i].Generation()
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var survivors []*Handle
	for i, h := range handles {
		werr := h.Wait(waitCtx)
		switch h.Phase() {
		case PhaseError:
			if werr == nil {
				t.Errorf("send %d reached error phase with nil error", i)
			}
			survivors = append(survivors, h)
		case PhaseCancelled:
			if werr != nil {
				t.Errorf("superseded send %d surfaced error: %v", i, werr)
			}
		default:
			t.Errorf("send %d phase = %s, want error or cancelled", i, h.Phase())
		}
	}
	if len(survivors) != 1 {
		t.Fatalf("%d sessions reached a user-facing terminal phase, want exactly 1", len(survivors))
	}
	if survivors[0].Generation() != maxGen {
		t.Errorf("surviving generation = %d, want %d", survivors[0].Generation(), maxGen)
	}
	if f.controller.ActiveSessions() != 0 {
		t.Errorf("ActiveSessions = %d after all turns resolved", f.controller.ActiveSessions())
	}

	// Only the surviving session may have written its placeholder.
	msgs, err := f.store.Load(ctx, convID, store.LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var written int
	for _, m := range msgs {
		if m.Role != store.RoleAssistant || m.Status == store.StatusPending {
			continue
		}
		written++
		if m.ID != survivors[0].MessageID() {
			t.Errorf("message %s written by a superseded session", m.ID)
		}
	}
	if written != 1 {
		t.Errorf("%d assistant placeholders written, want 1", written)
	}
}

func TestSend_DoubleFailureMarksMessageError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stream.push(streamScript{dialErr: fmt.Errorf("%w: down", transport.ErrTransport)})
	// unary has no scripted responses: every attempt fails.

	convID := uuid.New()
	ctx := context.Background()
	h, err := f.controller.Send(ctx, convID, "doomed")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Wait(waitCtx); err == nil {
		t.Fatal("double failure did not surface")
	}
	if h.Phase() != PhaseError {
		t.Errorf("phase = %s, want error", h.Phase())
	}

	failed, err := f.store.Message(ctx, h.MessageID())
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if failed.Status != store.StatusError {
		t.Errorf("failed message status = %s, want error (left for retry)", failed.Status)
	}
}

func TestRetry_RemovesFailedTurnAndRedelivers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stream.push(streamScript{dialErr: fmt.Errorf("%w: down", transport.ErrTransport)})

	convID := uuid.New()
	ctx := context.Background()
	h, err := f.controller.Send(ctx, convID, "flaky question")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Wait(waitCtx); err == nil {
		t.Fatal("first attempt unexpectedly succeeded")
	}

	// Second attempt succeeds over the stream.
	f.stream.push(streamScript{events: []transport.Event{completeEvent("recovered answer", "retry-agent")}})
	retry, err := f.controller.Retry(ctx, h.MessageID())
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if err := retry.Wait(waitCtx); err != nil {
		t.Fatalf("retry Wait: %v", err)
	}

	// Exactly one delivered assistant message for the logical turn; the
	// failed attempt is gone from history, not merely hidden.
	msgs, err := f.store.Load(ctx, convID, store.LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != store.RoleUser {
		t.Errorf("first message role = %s", msgs[0].Role)
	}
	last := msgs[1]
	if last.Role != store.RoleAssistant || last.Status != store.StatusDelivered || last.Content != "recovered answer" {
		t.Errorf("assistant message = %s/%s/%q", last.Role, last.Status, last.Content)
	}
	if _, err := f.store.Message(ctx, h.MessageID()); !errors.Is(err, store.ErrMessageNotFound) {
		t.Errorf("failed message still persisted: %v", err)
	}
}

func TestRetry_BoundedAttempts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	convID := uuid.New()
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Every delivery fails: dial errors and no unary responses.
	f.stream.push(streamScript{dialErr: fmt.Errorf("%w: down", transport.ErrTransport)})
	h, err := f.controller.Send(ctx, convID, "cursed question")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := h.Wait(waitCtx); err == nil {
		t.Fatal("send unexpectedly succeeded")
	}

	for attempt := 2; attempt <= 3; attempt++ {
		f.stream.push(streamScript{dialErr: fmt.Errorf("%w: down", transport.ErrTransport)})
		h, err = f.controller.Retry(ctx, h.MessageID())
		if err != nil {
			t.Fatalf("Retry attempt %d: %v", attempt, err)
		}
		if err := h.Wait(waitCtx); err == nil {
			t.Fatalf("attempt %d unexpectedly succeeded", attempt)
		}
	}

	if _, err := f.controller.Retry(ctx, h.MessageID()); !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("fourth attempt = %v, want ErrRetryExhausted", err)
	}
}

func TestRetry_RejectsDeliveredMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.stream.push(streamScript{events: []transport.Event{completeEvent("fine", "agent")}})

	ctx := context.Background()
	h, err := f.controller.Send(ctx, uuid.New(), "works")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if _, err := f.controller.Retry(ctx, h.MessageID()); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Retry on delivered message = %v, want ErrNotRetryable", err)
	}
}

func TestSend_EmptyQueryRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.controller.Send(context.Background(), uuid.New(), "   "); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("Send = %v, want ErrEmptyQuery", err)
	}
}
