package errsink

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestNilReporterIsNoOp(t *testing.T) {
	var r *Reporter
	r.Error(errors.New("boom"), "test", nil)
	r.Warn("warn", "test", nil)
	r.Info("info", "test", nil)
	r.Start()
	r.Shutdown()
}

func TestReporterFlushesBatch(t *testing.T) {
	var mu sync.Mutex
	var received []Entry

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Errors []Entry `json:"errors"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		mu.Lock()
		received = append(received, body.Errors...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(srv.URL, 42, "token", Config{MaxBatchSize: 2, FlushInterval: time.Hour})
	r.Error(errors.New("one"), "src", nil)
	r.Error(errors.New("two"), "src", nil) // triggers immediate flush at MaxBatchSize

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected 2 entries delivered, got %d", len(received))
	}
	if received[0].AgentID != 42 {
		t.Fatalf("expected agentId 42, got %d", received[0].AgentID)
	}
}

func TestGuardCatchesErrorAndPanic(t *testing.T) {
	reported := 0
	sink := &recordingSink{onError: func(err error, source string, ctx map[string]any) { reported++ }}

	Guard(sink, "test", func() error { return errors.New("fail") })
	Guard(sink, "test", func() error { panic("boom") })
	Guard(sink, "test", func() error { return nil })

	if reported != 2 {
		t.Fatalf("expected 2 reports, got %d", reported)
	}
}

type recordingSink struct {
	onError func(err error, source string, ctx map[string]any)
}

func (s *recordingSink) Error(err error, source string, ctx map[string]any) { s.onError(err, source, ctx) }
func (s *recordingSink) Warn(string, string, map[string]any)                {}
func (s *recordingSink) Info(string, string, map[string]any)                {}
