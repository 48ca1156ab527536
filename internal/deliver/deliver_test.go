package deliver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedStream replays a fixed event sequence.
type scriptedStream struct {
	dialErr error
	events  []transport.Event
	// hang keeps the stream open and silent after the scripted events.
	hang bool
}

func (s *scriptedStream) Stream(ctx context.Context, _ transport.Request) (<-chan transport.Event, error) {
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	ch := make(chan transport.Event)
	go func() {
		defer close(ch)
		for _, ev := range s.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if s.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// scriptedUnary pops one response per call.
type scriptedUnary struct {
	mu        sync.Mutex
	responses []func() (*transport.Result, error)
	calls     int
}

func (s *scriptedUnary) Request(_ context.Context, _ transport.Request) (*transport.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("%w: no scripted response", transport.ErrTransport)
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next()
}

func (s *scriptedUnary) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func unaryOK(content string) func() (*transport.Result, error) {
	return func() (*transport.Result, error) {
		return &transport.Result{Content: content, AgentName: "fallback-agent"}, nil
	}
}

func unaryFail() (*transport.Result, error) {
	return nil, fmt.Errorf("%w: connection refused", transport.ErrTransport)
}

func fastConfig() Config {
	return Config{
		SilenceTimeout: 50 * time.Millisecond,
		UnaryAttempts:  3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
}

func TestDeliver_IncrementalHappyPath(t *testing.T) {
	t.Parallel()

	stream := &scriptedStream{events: []transport.Event{
		{Type: transport.EventRouting, Routing: &transport.Routing{Agent: "math-agent", Reasoning: "arithmetic"}},
		{Type: transport.EventFragment, Text: "the answer "},
		{Type: transport.EventFragment, Text: "is 4"},
		{Type: transport.EventComplete, Final: &transport.Result{Content: "the answer is 4", AgentName: "math-agent"}},
	}}
	unary := &scriptedUnary{}
	c := New(stream, unary, fastConfig(), log.NewNop())

	var routed transport.Routing
	var frags []string
	outcome, err := c.Deliver(context.Background(), transport.Request{Query: "2+2?"}, Callbacks{
		OnRouting:  func(r transport.Routing) { routed = r },
		OnFragment: func(text string) { frags = append(frags, text) },
		OnDegraded: func(error) { t.Error("degraded on a healthy stream") },
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if outcome.Path != PathIncremental || outcome.Degraded {
		t.Errorf("outcome = %+v, want clean incremental", outcome)
	}
	if outcome.Result.Content != "the answer is 4" {
		t.Errorf("content = %q", outcome.Result.Content)
	}
	if routed.Agent != "math-agent" {
		t.Errorf("routing callback saw %+v", routed)
	}
	if strings.Join(frags, "") != "the answer is 4" {
		t.Errorf("fragments = %q", frags)
	}
	if unary.callCount() != 0 {
		t.Errorf("unary path used %d times on a healthy stream", unary.callCount())
	}

	m := c.Metrics()
	if m.IncrementalSuccesses != 1 || m.FragmentsRelayed != 2 || m.Fallbacks != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestDeliver_DialFailureFallsBackToUnary(t *testing.T) {
	t.Parallel()

	stream := &scriptedStream{dialErr: fmt.Errorf("%w: dial refused", transport.ErrTransport)}
	unary := &scriptedUnary{responses: []func() (*transport.Result, error){unaryOK("Hello")}}
	c := New(stream, unary, fastConfig(), log.NewNop())

	var degraded int
	var frags int
	outcome, err := c.Deliver(context.Background(), transport.Request{Query: "hi"}, Callbacks{
		OnFragment: func(string) { frags++ },
		OnDegraded: func(reason error) {
			degraded++
			if !errors.Is(reason, transport.ErrTransport) {
				t.Errorf("degrade reason = %v", reason)
			}
		},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if outcome.Path != PathUnary || !outcome.Degraded {
		t.Errorf("outcome = %+v, want degraded unary", outcome)
	}
	if outcome.Result.Content != "Hello" {
		t.Errorf("content = %q, want Hello", outcome.Result.Content)
	}
	if outcome.Fragments != 0 || frags != 0 {
		t.Error("fragments recorded for a turn that never streamed")
	}
	if degraded != 1 {
		t.Errorf("OnDegraded fired %d times, want 1", degraded)
	}
}

func TestDeliver_StreamErrorMidFlightFallsBack(t *testing.T) {
	t.Parallel()

	stream := &scriptedStream{events: []transport.Event{
		{Type: transport.EventFragment, Text: "par"},
		{Type: transport.EventError, Message: "backend crashed"},
	}}
	unary := &scriptedUnary{responses: []func() (*transport.Result, error){unaryOK("recovered")}}
	c := New(stream, unary, fastConfig(), log.NewNop())

	outcome, err := c.Deliver(context.Background(), transport.Request{Query: "q"}, Callbacks{})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if outcome.Path != PathUnary || outcome.Result.Content != "recovered" {
		t.Errorf("outcome = %+v", outcome)
	}
	if c.Metrics().Fallbacks != 1 {
		t.Errorf("Fallbacks = %d, want 1", c.Metrics().Fallbacks)
	}
}

func TestDeliver_SilenceTimeoutFallsBack(t *testing.T) {
	t.Parallel()

	stream := &scriptedStream{
		events: []transport.Event{{Type: transport.EventFragment, Text: "then nothing"}},
		hang:   true,
	}
	unary := &scriptedUnary{responses: []func() (*transport.Result, error){unaryOK("from unary")}}
	c := New(stream, unary, fastConfig(), log.NewNop())

	var reason error
	outcome, err := c.Deliver(context.Background(), transport.Request{Query: "q"}, Callbacks{
		OnDegraded: func(err error) { reason = err },
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if outcome.Result.Content != "from unary" {
		t.Errorf("content = %q", outcome.Result.Content)
	}
	if !errors.Is(reason, transport.ErrTimeout) {
		t.Errorf("degrade reason = %v, want ErrTimeout", reason)
	}
}

func TestDeliver_UnaryRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	stream := &scriptedStream{dialErr: fmt.Errorf("%w: down", transport.ErrTransport)}
	unary := &scriptedUnary{responses: []func() (*transport.Result, error){
		unaryFail,
		unaryFail,
		unaryOK("third time lucky"),
	}}
	c := New(stream, unary, fastConfig(), log.NewNop())

	outcome, err := c.Deliver(context.Background(), transport.Request{Query: "q"}, Callbacks{})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if outcome.Result.Content != "third time lucky" {
		t.Errorf("content = %q", outcome.Result.Content)
	}
	if unary.callCount() != 3 {
		t.Errorf("unary attempts = %d, want 3", unary.callCount())
	}
}

func TestDeliver_DoubleFailureSurfaces(t *testing.T) {
	t.Parallel()

	stream := &scriptedStream{dialErr: fmt.Errorf("%w: down", transport.ErrTransport)}
	unary := &scriptedUnary{} // fails every call
	c := New(stream, unary, fastConfig(), log.NewNop())

	_, err := c.Deliver(context.Background(), transport.Request{Query: "q"}, Callbacks{})
	if err == nil {
		t.Fatal("Deliver succeeded with both paths down")
	}
	if !errors.Is(err, transport.ErrTransport) {
		t.Errorf("error = %v, want transport taxonomy", err)
	}
	if unary.callCount() != 3 {
		t.Errorf("unary attempts = %d, want bounded at 3", unary.callCount())
	}
	if c.Metrics().Failures != 1 {
		t.Errorf("Failures = %d, want 1", c.Metrics().Failures)
	}
}

func TestDeliver_ProtocolErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	stream := &scriptedStream{dialErr: fmt.Errorf("%w: down", transport.ErrTransport)}
	unary := &scriptedUnary{responses: []func() (*transport.Result, error){
		func() (*transport.Result, error) {
			return nil, fmt.Errorf("%w: garbage payload", transport.ErrProtocol)
		},
		unaryOK("never reached"),
	}}
	c := New(stream, unary, fastConfig(), log.NewNop())

	_, err := c.Deliver(context.Background(), transport.Request{Query: "q"}, Callbacks{})
	if !errors.Is(err, transport.ErrProtocol) {
		t.Fatalf("error = %v, want ErrProtocol", err)
	}
	if unary.callCount() != 1 {
		t.Errorf("unary attempts = %d, want 1 for a permanent failure", unary.callCount())
	}
}

func TestDeliver_NoIncrementalTransportGoesStraightToUnary(t *testing.T) {
	t.Parallel()

	unary := &scriptedUnary{responses: []func() (*transport.Result, error){unaryOK("direct")}}
	c := New(nil, unary, fastConfig(), log.NewNop())

	outcome, err := c.Deliver(context.Background(), transport.Request{Query: "q"}, Callbacks{
		OnDegraded: func(error) { t.Error("degraded without an incremental path configured") },
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if outcome.Path != PathUnary || outcome.Degraded {
		t.Errorf("outcome = %+v, want non-degraded unary", outcome)
	}
}

func TestDeliver_CancellationStopsEverything(t *testing.T) {
	t.Parallel()

	stream := &scriptedStream{hang: true}
	unary := &scriptedUnary{responses: []func() (*transport.Result, error){unaryOK("late")}}
	cfg := fastConfig()
	cfg.SilenceTimeout = time.Minute
	c := New(stream, unary, cfg, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Deliver(ctx, transport.Request{Query: "q"}, Callbacks{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if unary.callCount() != 0 {
		t.Error("unary path attempted after cancellation")
	}
}
