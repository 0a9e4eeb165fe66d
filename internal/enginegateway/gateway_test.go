package enginegateway

import (
	"context"
	"testing"
	"time"
)

func TestSubmitParsesRunID(t *testing.T) {
	g := New(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", `while IFS= read -r line; do echo "booting engine..."; echo '{"run_id":"run-42"}'; done`},
	})
	defer g.Stop()

	resp, err := g.Submit(context.Background(), SubmitRequest{
		IdempotencyKey: "idem-1",
		SessionKey:     "agent:tok:agentmc:1",
		Message:        "hello",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.RunID != "run-42" {
		t.Fatalf("RunID = %q, want run-42", resp.RunID)
	}
}

func TestSubmitFallsBackToIdempotencyKeyWhenRunIDMissing(t *testing.T) {
	g := New(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", `while IFS= read -r line; do echo '{}'; done`},
	})
	defer g.Stop()

	resp, err := g.Submit(context.Background(), SubmitRequest{IdempotencyKey: "idem-fallback", Message: "hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.RunID != "idem-fallback" {
		t.Fatalf("RunID = %q, want fallback idem-fallback", resp.RunID)
	}
}

func TestWaitExtractsContentField(t *testing.T) {
	g := New(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", `while IFS= read -r line; do echo '{"status":"ok","content":"hello world"}'; done`},
	})
	defer g.Stop()

	resp, err := g.Wait(context.Background(), "run-1", 5000, 10*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if resp.Status != StatusOK {
		t.Fatalf("Status = %q", resp.Status)
	}
	text, ok := resp.ExtractText()
	if !ok || text != "hello world" {
		t.Fatalf("ExtractText = %q, %v", text, ok)
	}
}

func TestWaitReportsErrorStatus(t *testing.T) {
	g := New(Config{
		Command: "/bin/sh",
		Args:    []string{"-c", `while IFS= read -r line; do echo '{"status":"error","error":"boom"}'; done`},
	})
	defer g.Stop()

	resp, err := g.Wait(context.Background(), "run-1", 1000, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if resp.Status != StatusError || resp.Error != "boom" {
		t.Fatalf("resp = %+v", resp)
	}
}
