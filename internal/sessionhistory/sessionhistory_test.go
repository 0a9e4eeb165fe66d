package sessionhistory

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLastAssistantTextFromObjectStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	content := `{
		"agent:tok:agentmc:123": {
			"messages": [
				{"role": "user", "text": "hi"},
				{"role": "assistant", "type": "thinking", "text": "scratch work"},
				{"role": "assistant", "text": "final answer"}
			]
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := New(path)
	text, ok := r.LastAssistantText("agent:tok:agentmc:123")
	if !ok {
		t.Fatal("expected a match")
	}
	if text != "final answer" {
		t.Fatalf("text = %q, want %q", text, "final answer")
	}
}

func TestLastAssistantTextMissingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	os.WriteFile(path, []byte(`{}`), 0o644)

	r := New(path)
	if _, ok := r.LastAssistantText("nope"); ok {
		t.Fatal("expected no match")
	}
}

func TestLastAssistantTextMissingStoreReturnsFalse(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if _, ok := r.LastAssistantText("anything"); ok {
		t.Fatal("expected false for missing store")
	}
}

func TestLastAssistantTextFromJSONLFile(t *testing.T) {
	jsonlPath := filepath.Join(t.TempDir(), "session-123.jsonl")
	jsonlContent := "{\"role\":\"user\",\"text\":\"hi\"}\n" +
		"{\"role\":\"assistant\",\"kind\":\"reasoning\",\"text\":\"internal\"}\n" +
		"{\"role\":\"assistant\",\"text\":\"done\"}\n"
	if err := os.WriteFile(jsonlPath, []byte(jsonlContent), 0o644); err != nil {
		t.Fatalf("write jsonl: %v", err)
	}

	storePath := filepath.Join(t.TempDir(), "sessions.json")
	content := `{"agent:tok:agentmc:456": {"sessionFile": "` + jsonlPath + `"}}`
	if err := os.WriteFile(storePath, []byte(content), 0o644); err != nil {
		t.Fatalf("write store: %v", err)
	}

	r := New(storePath)
	text, ok := r.LastAssistantText("agent:tok:agentmc:456")
	if !ok {
		t.Fatal("expected a match")
	}
	if text != "done" {
		t.Fatalf("text = %q, want %q", text, "done")
	}
}

func TestLastAssistantTextFromArrayStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	content := `[
		{"key": "agent:tok:agentmc:789", "history": [
			{"role": "assistant", "text": "array result"}
		]}
	]`
	os.WriteFile(path, []byte(content), 0o644)

	r := New(path)
	text, ok := r.LastAssistantText("agent:tok:agentmc:789")
	if !ok || text != "array result" {
		t.Fatalf("text = %q, ok = %v", text, ok)
	}
}
