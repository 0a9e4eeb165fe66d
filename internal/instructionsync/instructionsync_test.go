package instructionsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentmc/runtime-supervisor/internal/filematerializer"
	"github.com/agentmc/runtime-supervisor/internal/hubclient"
	"github.com/agentmc/runtime-supervisor/internal/state"
)

func TestSyncWritesFilesAndPersistsVersion(t *testing.T) {
	dir := t.TempDir()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"changed":                    true,
			"bundle_version":             "v2",
			"heartbeat_interval_seconds": 45,
			"agent_id":                   3,
			"files": []map[string]any{
				{"path": "SKILLS.md", "content": "do the thing"},
				{"path": "skills/nested.md", "content": "nested content"},
			},
		})
	}))
	defer server.Close()

	syncer := &Syncer{
		Hub:          hubclient.New(server.URL, "tok"),
		Materializer: filematerializer.New(dir),
		State:        state.New(filepath.Join(dir, "state.json")),
	}

	result, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !result.Changed || result.HeartbeatIntervalSeconds != 45 || result.AgentID != 3 {
		t.Fatalf("result = %+v", result)
	}

	data, err := os.ReadFile(filepath.Join(dir, "SKILLS.md"))
	if err != nil || string(data) != "do the thing" {
		t.Fatalf("SKILLS.md content = %q, err=%v", data, err)
	}
	nested, err := os.ReadFile(filepath.Join(dir, "skills", "nested.md"))
	if err != nil || string(nested) != "nested content" {
		t.Fatalf("nested content = %q, err=%v", nested, err)
	}

	st, err := state.New(filepath.Join(dir, "state.json")).Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.BundleVersion == nil || *st.BundleVersion != "v2" {
		t.Fatalf("state.BundleVersion = %v", st.BundleVersion)
	}
}

func TestSyncSkipsWriteWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	st := state.New(statePath)
	v := "v1"
	if _, err := st.Patch(func(rs *state.RuntimeState) { rs.BundleVersion = &v }); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"changed":        false,
			"bundle_version": "v1",
		})
	}))
	defer server.Close()

	syncer := &Syncer{Hub: hubclient.New(server.URL, "tok"), Materializer: filematerializer.New(dir), State: st}
	result, err := syncer.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Changed {
		t.Fatal("expected Changed=false when bundle version is unchanged")
	}
}
