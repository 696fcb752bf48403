package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dotsetgreg/bolagent/pkg/session"
)

func drain(t *testing.T, stream Stream) string {
	t.Helper()
	var sb strings.Builder
	for {
		frag, err := stream.Recv(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		sb.WriteString(frag.Text)
		if frag.Done {
			break
		}
	}
	stream.Close()
	return sb.String()
}

func TestScriptedInvokerEchoes(t *testing.T) {
	inv := &ScriptedInvoker{}
	stream, err := inv.Invoke(context.Background(), Request{Input: "hello"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got := drain(t, stream); got != "hello" {
		t.Errorf("expected echo, got %q", got)
	}
	if len(inv.Calls()) != 1 {
		t.Errorf("expected 1 recorded call, got %d", len(inv.Calls()))
	}
}

func TestScriptedInvokerFragments(t *testing.T) {
	inv := &ScriptedInvoker{
		Script: func(req Request) []Fragment {
			return []Fragment{
				{Text: "part one "},
				{Text: "part two", Done: true, StateDelta: session.StateDelta{
					Conversation: map[string]any{"k": "v"},
				}},
			}
		},
	}
	stream, _ := inv.Invoke(context.Background(), Request{Input: "x"})
	if got := drain(t, stream); got != "part one part two" {
		t.Errorf("unexpected reply %q", got)
	}
}

func TestScriptedInvokerErr(t *testing.T) {
	inv := &ScriptedInvoker{Err: errors.New("boom")}
	if _, err := inv.Invoke(context.Background(), Request{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestScriptedStreamHonorsContext(t *testing.T) {
	inv := &ScriptedInvoker{}
	stream, _ := inv.Invoke(context.Background(), Request{Input: "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := stream.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHTTPInvokerStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, "test-key", "test-model")
	stream, err := inv.Invoke(context.Background(), Request{
		Input:   "hi",
		History: []Message{{Role: "agent", Text: "earlier"}},
		State:   map[string]any{"name": "pat"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got := drain(t, stream); got != "Hello world" {
		t.Errorf("expected streamed reply, got %q", got)
	}
}

func TestHTTPInvokerStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, "k", "m")
	if _, err := inv.Invoke(context.Background(), Request{Input: "hi"}); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestSystemPromptEmbedsState(t *testing.T) {
	prompt := systemPrompt(map[string]any{"name": "pat"})
	if !strings.Contains(prompt, `"name":"pat"`) {
		t.Errorf("state missing from prompt: %s", prompt)
	}
	if strings.Contains(systemPrompt(nil), "Session state") {
		t.Error("empty state should not add a state section")
	}
}
