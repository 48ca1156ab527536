package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/log"
)

func TestHTTPClient_Request(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/process" {
			http.Error(w, "wrong endpoint", http.StatusNotFound)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(Result{
			Content:          "4",
			AgentID:          "agent-1",
			AgentName:        "math-agent",
			Protocol:         "acp",
			Confidence:       0.97,
			Reasoning:        "arithmetic query",
			ProcessingTimeMs: 12,
		})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	result, err := c.Request(context.Background(), Request{ConversationID: uuid.New(), Query: "2+2?"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if result.Content != "4" || result.AgentName != "math-agent" {
		t.Errorf("result = %+v", result)
	}
}

func TestHTTPClient_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "server error is a transport failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "agent pool exhausted", http.StatusBadGateway)
			},
			want: ErrTransport,
		},
		{
			name: "malformed body is a protocol violation",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
			want: ErrProtocol,
		},
		{
			name: "empty content is a protocol violation",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(Result{AgentName: "x"})
			},
			want: ErrProtocol,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c, err := NewHTTPClient(srv.URL, time.Second)
			if err != nil {
				t.Fatalf("NewHTTPClient: %v", err)
			}
			_, err = c.Request(context.Background(), Request{Query: "q"})
			if !errors.Is(err, tt.want) {
				t.Errorf("Request error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHTTPClient_ConnectionRefused(t *testing.T) {
	t.Parallel()

	c, err := NewHTTPClient("http://127.0.0.1:1", time.Second)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	_, err = c.Request(context.Background(), Request{Query: "q"})
	if !errors.Is(err, ErrTransport) {
		t.Errorf("Request error = %v, want ErrTransport", err)
	}
}

// streamServer is a scripted websocket backend for one connection.
func streamServer(t *testing.T, script func(ctx context.Context, conn *websocket.Conn) error) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		// Drain the submitted request first.
		if _, _, err := conn.Read(r.Context()); err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		if err := script(r.Context(), conn); err != nil {
			t.Errorf("script: %v", err)
		}
	}))
}

func sendEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, raw)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSClient_OrderedEventSequence(t *testing.T) {
	t.Parallel()

	final := &Result{Content: "streamed answer", AgentName: "research-agent", Protocol: "a2a"}
	srv := streamServer(t, func(ctx context.Context, conn *websocket.Conn) error {
		for _, ev := range []Event{
			{Type: EventRouting, Routing: &Routing{Agent: "research-agent", Reasoning: "needs sources"}},
			{Type: EventFragment, Text: "streamed "},
			{Type: EventFragment, Text: "answer"},
			{Type: EventComplete, Final: final},
		} {
			if err := sendEvent(ctx, conn, ev); err != nil {
				return err
			}
		}
		return nil
	})
	defer srv.Close()

	c, err := NewWSClient(wsURL(srv), log.NewNop())
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	events, err := c.Stream(context.Background(), Request{ConversationID: uuid.New(), Query: "q"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 4 {
		t.Fatalf("received %d events, want 4: %+v", len(got), got)
	}
	if got[0].Type != EventRouting || got[0].Routing.Agent != "research-agent" {
		t.Errorf("first event = %+v, want routing", got[0])
	}
	if got[1].Text+got[2].Text != "streamed answer" {
		t.Errorf("fragments = %q + %q", got[1].Text, got[2].Text)
	}
	last := got[len(got)-1]
	if last.Type != EventComplete || last.Final.Content != "streamed answer" {
		t.Errorf("terminal event = %+v, want complete", last)
	}
}

func TestWSClient_MalformedEventTerminatesWithError(t *testing.T) {
	t.Parallel()

	srv := streamServer(t, func(ctx context.Context, conn *websocket.Conn) error {
		return conn.Write(ctx, websocket.MessageText, []byte("{broken"))
	})
	defer srv.Close()

	c, err := NewWSClient(wsURL(srv), log.NewNop())
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	events, err := c.Stream(context.Background(), Request{Query: "q"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Type != EventError {
		t.Fatalf("events = %+v, want a single error", got)
	}
	if !strings.Contains(got[0].Message, ErrProtocol.Error()) {
		t.Errorf("error message %q does not carry the protocol taxonomy", got[0].Message)
	}
}

func TestWSClient_ConnectionDropTerminatesWithError(t *testing.T) {
	t.Parallel()

	srv := streamServer(t, func(ctx context.Context, conn *websocket.Conn) error {
		if err := sendEvent(ctx, conn, Event{Type: EventFragment, Text: "par"}); err != nil {
			return err
		}
		return conn.Close(websocket.StatusInternalError, "backend crashed")
	})
	defer srv.Close()

	c, err := NewWSClient(wsURL(srv), log.NewNop())
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	events, err := c.Stream(context.Background(), Request{Query: "q"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("events = %+v, want fragment then error", got)
	}
	if got[1].Type != EventError {
		t.Errorf("terminal event = %+v, want error", got[1])
	}
}

func TestWSClient_DialFailureIsTransportError(t *testing.T) {
	t.Parallel()

	c, err := NewWSClient("ws://127.0.0.1:1", log.NewNop())
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	_, err = c.Stream(context.Background(), Request{Query: "q"})
	if !errors.Is(err, ErrTransport) {
		t.Errorf("Stream error = %v, want ErrTransport", err)
	}
}

func TestWSClient_CancellationClosesStream(t *testing.T) {
	t.Parallel()

	srv := streamServer(t, func(ctx context.Context, conn *websocket.Conn) error {
		// Hold the connection open with no events until the client goes away.
		_, _, _ = conn.Read(ctx)
		return nil
	})
	defer srv.Close()

	c, err := NewWSClient(wsURL(srv), log.NewNop())
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	events, err := c.Stream(ctx, Request{Query: "q"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	cancel()
	select {
	case _, open := <-events:
		if open {
			t.Error("got an event after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("event channel never closed after cancel")
	}
}
