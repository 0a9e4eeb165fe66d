package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresHubURL(t *testing.T) {
	_, err := LoadFromEnviron([]string{"API_KEY=secret"})
	if err == nil {
		t.Fatal("expected error when AGENTMC_HUB_URL is unset")
	}
}

func TestLoadRequiresCredentials(t *testing.T) {
	_, err := LoadFromEnviron([]string{"AGENTMC_HUB_URL=https://hub.example.com"})
	if err == nil {
		t.Fatal("expected error when no credentials are present")
	}
}

func TestLoadSingleAgentMode(t *testing.T) {
	cfg, err := LoadFromEnviron([]string{
		"AGENTMC_HUB_URL=https://hub.example.com",
		"API_KEY=secret-0",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Credentials) != 1 || cfg.Credentials[0] != "secret-0" {
		t.Fatalf("expected single credential under id 0, got %+v", cfg.Credentials)
	}
	if got := cfg.SortedAgentIDs(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("SortedAgentIDs = %v", got)
	}
}

func TestLoadMultiAgentMode(t *testing.T) {
	cfg, err := LoadFromEnviron([]string{
		"AGENTMC_HUB_URL=https://hub.example.com",
		"API_KEY_3=secret-3",
		"API_KEY_1=secret-1",
		"API_KEY_bogus=ignored", // does not match the numeric pattern
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Credentials) != 2 {
		t.Fatalf("expected 2 credentials, got %+v", cfg.Credentials)
	}
	if got := cfg.SortedAgentIDs(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("SortedAgentIDs = %v, want [1 3]", got)
	}
}

func TestWorkspaceAndStatePathsPerAgent(t *testing.T) {
	cfg, err := LoadFromEnviron([]string{
		"AGENTMC_HUB_URL=https://hub.example.com",
		"API_KEY=secret-0",
		"AGENTMC_WORKSPACE_ROOT=/workspace",
		"AGENTMC_STATE_DIR=/var/lib/agentmc-supervisor",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.WorkspaceDirFor(0); got != "/workspace" {
		t.Fatalf("WorkspaceDirFor(0) = %q", got)
	}
	if got := cfg.WorkspaceDirFor(3); got != filepath.Join("/workspace", "agent-3") {
		t.Fatalf("WorkspaceDirFor(3) = %q", got)
	}
	if got := cfg.StatePathFor(0); got != filepath.Join("/var/lib/agentmc-supervisor", "state.json") {
		t.Fatalf("StatePathFor(0) = %q", got)
	}
	if got := cfg.StatePathFor(3); got != filepath.Join("/var/lib/agentmc-supervisor", "agent-3", "state.json") {
		t.Fatalf("StatePathFor(3) = %q", got)
	}
}

func TestLoadDefaultTimings(t *testing.T) {
	cfg, err := LoadFromEnviron([]string{
		"AGENTMC_HUB_URL=https://hub.example.com",
		"API_KEY=secret-0",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultHeartbeatInterval != 60*time.Second {
		t.Fatalf("DefaultHeartbeatInterval = %v", cfg.DefaultHeartbeatInterval)
	}
	if cfg.RecurringPollInterval != 30*time.Second {
		t.Fatalf("RecurringPollInterval = %v", cfg.RecurringPollInterval)
	}
	if cfg.EngineProviderKind != "auto" {
		t.Fatalf("EngineProviderKind = %q, want auto", cfg.EngineProviderKind)
	}
}

func TestLoadEngineOverrides(t *testing.T) {
	cfg, err := LoadFromEnviron([]string{
		"AGENTMC_HUB_URL=https://hub.example.com",
		"API_KEY=secret-0",
		"AGENTMC_ENGINE_PROVIDER=external",
		"AGENTMC_ENGINE_COMMAND=my-engine",
		"AGENTMC_ENGINE_ARGS=--flag-a,--flag-b",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EngineProviderKind != "external" {
		t.Fatalf("EngineProviderKind = %q", cfg.EngineProviderKind)
	}
	if cfg.EngineCommand != "my-engine" {
		t.Fatalf("EngineCommand = %q", cfg.EngineCommand)
	}
	if len(cfg.EngineArgs) != 2 || cfg.EngineArgs[0] != "--flag-a" || cfg.EngineArgs[1] != "--flag-b" {
		t.Fatalf("EngineArgs = %v", cfg.EngineArgs)
	}
}
