package transport

import (
	"strings"
	"testing"
)

func TestBuildPublishFramesSingleEnvelopeWhenSmall(t *testing.T) {
	frames, err := BuildPublishFrames("chat.agent.done", map[string]any{"content": "hello"}, "agent", "req-1")
	if err != nil {
		t.Fatalf("BuildPublishFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected a single frame, got %d", len(frames))
	}
	if frames[0].Payload["content"] != "hello" {
		t.Fatalf("frame payload = %+v", frames[0].Payload)
	}
}

func TestBuildPublishFramesChunksLargePayload(t *testing.T) {
	big := strings.Repeat("x", 40000)
	frames, err := BuildPublishFrames("chat.agent.done", map[string]any{"content": big}, "agent", "req-2")
	if err != nil {
		t.Fatalf("BuildPublishFrames: %v", err)
	}
	if len(frames) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(frames))
	}
	total, _ := frames[0].Payload["chunk_total"].(int)
	if total != len(frames) {
		t.Fatalf("chunk_total = %d, want %d", total, len(frames))
	}
	for i, f := range frames {
		idx, _ := f.Payload["chunk_index"].(int)
		if idx != i+1 {
			t.Fatalf("frame %d has chunk_index %d, want %d (1-based)", i, idx, i+1)
		}
		size, err := estimateEnvelopeSize(f)
		if err != nil {
			t.Fatal(err)
		}
		if size > maxEnvelopeBytes {
			t.Fatalf("frame %d size %d exceeds budget", i, size)
		}
	}
}

func TestNonRetryableClassification(t *testing.T) {
	for _, status := range []int{401, 403, 404, 422} {
		if !NonRetryable(status) {
			t.Fatalf("status %d should be non-retryable", status)
		}
	}
	for _, status := range []int{500, 502, 429, 200} {
		if NonRetryable(status) {
			t.Fatalf("status %d should be retryable", status)
		}
	}
}
