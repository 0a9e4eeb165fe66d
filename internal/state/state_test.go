package state

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nested", "state.json"))
	rs, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rs.AgentID != nil || rs.BundleVersion != nil {
		t.Fatalf("expected empty state, got %+v", rs)
	}
}

func TestPatchThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "state.json")
	s := New(path)

	agentID := 42
	bundle := "bundle_abc"
	_, err := s.Patch(func(rs *RuntimeState) {
		rs.AgentID = &agentID
		rs.BundleVersion = &bundle
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	rs, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rs.AgentID == nil || *rs.AgentID != 42 {
		t.Fatalf("agent_id = %v", rs.AgentID)
	}
	if rs.BundleVersion == nil || *rs.BundleVersion != "bundle_abc" {
		t.Fatalf("bundle_version = %v", rs.BundleVersion)
	}
}

func TestPatchPreservesUntouchedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(path)

	agentID := 7
	_, _ = s.Patch(func(rs *RuntimeState) { rs.AgentID = &agentID })

	syncAt := "2026-07-30T00:00:00Z"
	rs, err := s.Patch(func(rs *RuntimeState) { rs.LastSkillSyncAt = &syncAt })
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if rs.AgentID == nil || *rs.AgentID != 7 {
		t.Fatalf("expected agent_id preserved, got %v", rs.AgentID)
	}
	if rs.LastSkillSyncAt == nil || *rs.LastSkillSyncAt != syncAt {
		t.Fatalf("last_skill_sync_at = %v", rs.LastSkillSyncAt)
	}
}
