// AgentMC Runtime Supervisor - bridges a local Engine to the Hub control
// plane for one or more agent credentials (spec section 4.1, 6).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/agentmc/runtime-supervisor/internal/config"
	"github.com/agentmc/runtime-supervisor/internal/engineprovider"
	"github.com/agentmc/runtime-supervisor/internal/logging"
	"github.com/agentmc/runtime-supervisor/internal/profile"
	"github.com/agentmc/runtime-supervisor/internal/supervisor"
)

// runtimeVersion is overridden at build time via -ldflags.
var (
	runtimeVersion = "dev"
	runtimeBuild   = "unknown"
)

func main() {
	logging.Setup()
	log.Println("Starting AgentMC Runtime Supervisor...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	agentIDs := cfg.SortedAgentIDs()
	log.Printf("Configuration loaded: hub=%s agents=%d", cfg.HubBaseURL, len(agentIDs))

	ctx := context.Background()

	runtimes := make([]*supervisor.AgentRuntime, 0, len(agentIDs))
	results := make([]supervisor.RunResult, len(agentIDs))

	var wg sync.WaitGroup
	for i, agentID := range agentIDs {
		rt := supervisor.New(buildRuntimeConfig(cfg, agentID))
		runtimes = append(runtimes, rt)

		wg.Add(1)
		go func(i int, agentID int, rt *supervisor.AgentRuntime) {
			defer wg.Done()
			log.Printf("agent %d: starting supervisor loop", agentID)
			results[i] = rt.Run(ctx)
			log.Printf("agent %d: supervisor loop exited: state=%s err=%v", agentID, results[i].State, results[i].Err)
		}(i, agentID, rt)
	}

	// Handle shutdown signals: stop every Agent Runtime and let each one
	// drain its own Session Poller and in-flight workers before exiting.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, stopping all agent runtimes...", sig)
		for _, rt := range runtimes {
			rt.Stop()
		}
	}()

	wg.Wait()

	exitCode := 0
	for _, result := range results {
		if result.ExitCode() != 0 {
			exitCode = 1
		}
	}

	log.Println("AgentMC Runtime Supervisor stopped")
	os.Exit(exitCode)
}

// buildRuntimeConfig translates the process-wide config.Config plus one
// agent id into the supervisor.Config that AgentRuntime needs (spec §6's
// per-credential CLI surface).
func buildRuntimeConfig(cfg *config.Config, agentID int) supervisor.Config {
	return supervisor.Config{
		AgentID:      agentID,
		HubBaseURL:   cfg.HubBaseURL,
		Token:        cfg.Credentials[agentID],
		WorkspaceDir: cfg.WorkspaceDirFor(agentID),
		StatePath:    cfg.StatePathFor(agentID),

		RuntimeName:    "agentmc-runtime-supervisor",
		RuntimeVersion: runtimeVersion,
		RuntimeBuild:   runtimeBuild,

		BridgeApp:    "agentmc-runtime-supervisor",
		BridgeSource: fmt.Sprintf("agent-%d", agentID),
		IntentScope:  "agentmc",

		PublicIPOverride: cfg.PublicIPOverride,

		EngineProviderCfg: engineprovider.Config{
			ProviderKind: cfg.EngineProviderKind,
			Command:      cfg.EngineCommand,
			Args:         cfg.EngineArgs,
			Models:       cfg.EngineModels,
		},

		IdentityOverrides: profile.Overrides{
			Name:     cfg.IdentityName,
			Type:     cfg.IdentityType,
			Creature: cfg.IdentityCreature,
			Vibe:     cfg.IdentityVibe,
			Emoji:    cfg.IdentityEmoji,
		},

		RecurringPollInterval: cfg.RecurringPollInterval,
		SessionPollInterval:   cfg.SessionPollInterval,
		ErrorSinkFlush:        cfg.ErrorSinkFlushInterval,

		ForwardReadNotifications: false,
	}
}
