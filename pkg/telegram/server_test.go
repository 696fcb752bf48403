package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotsetgreg/bolagent/pkg/agent"
	"github.com/dotsetgreg/bolagent/pkg/dispatch"
	"github.com/dotsetgreg/bolagent/pkg/docstore"
	"github.com/dotsetgreg/bolagent/pkg/session"
)

type nullSender struct{}

func (nullSender) SendMessage(ctx context.Context, chatID int64, text string) error { return nil }
func (nullSender) SendTyping(ctx context.Context, chatID int64) error               { return nil }

func newTestServer(t *testing.T, initFn func(context.Context) error) *Server {
	t.Helper()
	store, err := docstore.OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	d, err := dispatch.New(dispatch.Config{App: "demo"},
		session.NewService(store), &agent.ScriptedInvoker{}, nullSender{}, initFn)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return NewServer("127.0.0.1", 0, d, "test-model")
}

const validUpdate = `{
	"update_id": 1,
	"message": {
		"from": {"id": 7},
		"chat": {"id": 7, "type": "private"},
		"text": "hello"
	}
}`

func TestWebhookAccepted(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(validUpdate))
	rec := httptest.NewRecorder()

	s.handleWebhook(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestWebhookMalformedStillOK(t *testing.T) {
	s := newTestServer(t, nil)
	for _, body := range []string{`{broken`, `{"update_id": 2}`} {
		req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(body))
		rec := httptest.NewRecorder()
		s.handleWebhook(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("body %q: expected 200, got %d", body, rec.Code)
		}
	}
}

func TestWebhookUnavailableWhileUninitialized(t *testing.T) {
	s := newTestServer(t, func(ctx context.Context) error {
		return errors.New("not yet")
	})
	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(validUpdate))
	rec := httptest.NewRecorder()

	s.handleWebhook(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/telegram/webhook-status", nil))
	var status map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["state"] != "UNINITIALIZED" {
		t.Errorf("expected UNINITIALIZED before first delivery, got %q", status["state"])
	}
	if status["agent"] != "test-model" {
		t.Errorf("status should name the agent, got %q", status["agent"])
	}

	// A processed delivery flips the state to ready.
	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(validUpdate))
	s.handleWebhook(httptest.NewRecorder(), req)

	rec = httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/telegram/webhook-status", nil))
	json.NewDecoder(rec.Body).Decode(&status)
	if status["state"] != "READY" {
		t.Errorf("expected READY, got %q", status["state"])
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
