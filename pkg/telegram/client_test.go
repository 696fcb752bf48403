package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"ok": true, "result": {}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token")
	if err := c.SendMessage(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/botsecret-token/sendMessage" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotBody["chat_id"] != float64(42) || gotBody["text"] != "hello" {
		t.Errorf("unexpected payload %v", gotBody)
	}
}

func TestClientSendTyping(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	if err := c.SendTyping(context.Background(), 42); err != nil {
		t.Fatalf("typing: %v", err)
	}
	if gotBody["action"] != "typing" {
		t.Errorf("unexpected payload %v", gotBody)
	}
}

func TestClientGetMe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok": true, "result": {"id": 99, "is_bot": true, "username": "bol_bot"}}`)
	}))
	defer srv.Close()

	me, err := NewClient(srv.URL, "tok").GetMe(context.Background())
	if err != nil {
		t.Fatalf("getMe: %v", err)
	}
	if me.ID != 99 || me.Username != "bol_bot" {
		t.Errorf("unexpected user %+v", me)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok": false, "description": "Unauthorized"}`)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "bad").SendMessage(context.Background(), 1, "x")
	if err == nil {
		t.Fatal("expected api error")
	}
}
