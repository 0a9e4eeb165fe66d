package main

import (
	"testing"

	"github.com/agentmc/runtime-supervisor/internal/config"
)

func TestBuildRuntimeConfigTranslatesCredentialsAndOverrides(t *testing.T) {
	cfg := &config.Config{
		HubBaseURL:         "https://hub.example.test",
		WorkspaceRoot:      "/workspace",
		StateDir:           "/var/lib/agentmc-supervisor",
		EngineProviderKind: "embedded",
		IdentityName:       "Rex",
		Credentials:        map[int]string{7: "token-7"},
	}

	rc := buildRuntimeConfig(cfg, 7)

	if rc.AgentID != 7 {
		t.Fatalf("AgentID = %d, want 7", rc.AgentID)
	}
	if rc.Token != "token-7" {
		t.Fatalf("Token = %q, want token-7", rc.Token)
	}
	if rc.WorkspaceDir != "/workspace/agent-7" {
		t.Fatalf("WorkspaceDir = %q, want /workspace/agent-7", rc.WorkspaceDir)
	}
	if rc.EngineProviderCfg.ProviderKind != "embedded" {
		t.Fatalf("EngineProviderCfg.ProviderKind = %q, want embedded", rc.EngineProviderCfg.ProviderKind)
	}
	if rc.IdentityOverrides.Name != "Rex" {
		t.Fatalf("IdentityOverrides.Name = %q, want Rex", rc.IdentityOverrides.Name)
	}
	if rc.BridgeSource != "agent-7" {
		t.Fatalf("BridgeSource = %q, want agent-7", rc.BridgeSource)
	}
}

func TestBuildRuntimeConfigSingleAgentUsesWorkspaceRootDirectly(t *testing.T) {
	cfg := &config.Config{
		HubBaseURL:    "https://hub.example.test",
		WorkspaceRoot: "/workspace",
		StateDir:      "/var/lib/agentmc-supervisor",
		Credentials:   map[int]string{0: "solo-token"},
	}

	rc := buildRuntimeConfig(cfg, 0)

	if rc.WorkspaceDir != "/workspace" {
		t.Fatalf("WorkspaceDir = %q, want /workspace for single-agent mode", rc.WorkspaceDir)
	}
	if rc.StatePath != "/var/lib/agentmc-supervisor/state.json" {
		t.Fatalf("StatePath = %q, want /var/lib/agentmc-supervisor/state.json", rc.StatePath)
	}
}
