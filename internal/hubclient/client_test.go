package hubclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
)

func TestListRequestedSessionsSendsBearerAndLimit(t *testing.T) {
	var gotAuth, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "s1"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-123")
	res := c.ListRequestedSessions(context.Background(), 50)

	if !res.Ok() {
		t.Fatalf("expected ok result, got status=%d err=%v", res.Status, res.Err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("Authorization header = %q", gotAuth)
	}
	if gotLimit != "50" {
		t.Fatalf("limit query = %q", gotLimit)
	}
	arr, ok := res.Data.AsArray()
	if !ok || len(arr) != 1 {
		t.Fatalf("expected one-element array, got %+v", res.Data)
	}
}

func TestCreateSignalPostsPayload(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	payload := dynjson.NewObject()
	payload.Set("request_id", dynjson.Text("req-1"))

	res := c.CreateSignal(context.Background(), "sess-1", "chat.agent.done", payload)
	if !res.Ok() {
		t.Fatalf("expected ok, got status=%d err=%v", res.Status, res.Err)
	}
	if gotBody["type"] != "chat.agent.done" {
		t.Fatalf("type = %v", gotBody["type"])
	}
	sentPayload, ok := gotBody["payload"].(map[string]any)
	if !ok || sentPayload["request_id"] != "req-1" {
		t.Fatalf("payload = %v", gotBody["payload"])
	}
}

func TestStatusClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	res := c.ListSignals(context.Background(), "sess-1", 0, "agent", 100)
	if !res.IsRateLimited() {
		t.Fatalf("expected rate-limited classification, got status=%d", res.Status)
	}
	if res.Ok() {
		t.Fatal("429 must not be Ok()")
	}
}

func TestSessionGoneClassification(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		c := New(srv.URL, "tok")
		res := c.CloseSession(context.Background(), "sess-1", "failed", "test")
		if !res.IsSessionGone() {
			t.Fatalf("status %d: expected IsSessionGone", status)
		}
		srv.Close()
	}
}
