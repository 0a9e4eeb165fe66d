package supervisor

import (
	"context"
	"os/exec"
	"runtime"
	"time"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
	"github.com/agentmc/runtime-supervisor/internal/engineprovider"
	"github.com/agentmc/runtime-supervisor/internal/heartbeat"
	"github.com/agentmc/runtime-supervisor/internal/hostinfo"
	"github.com/agentmc/runtime-supervisor/internal/profile"
)

// telemetryCommands are probed in order for embedded providers (spec §4.5).
var telemetryCommands = [][]string{
	{"status", "--json", "--usage"},
	{"status", "--json"},
	{"health", "--json"},
}

func heartbeatBuild(ctx context.Context, rt *AgentRuntime, host hostinfo.Report) dynjson.Value {
	in := heartbeat.Input{
		Runtime: heartbeat.RuntimeInfo{
			Name:    rt.cfg.RuntimeName,
			Version: rt.cfg.RuntimeVersion,
			Build:   rt.cfg.RuntimeBuild,
		},
		Models:      rt.engine.Models,
		RuntimeMode: rt.engine.Mode,
		NodeVersion: runtime.Version(),
		Availability: heartbeat.ToolAvailability{
			ChatRealtime:          true,
			FilesRealtime:         true,
			NotificationsRealtime: true,
		},
		Telemetry: probeTelemetry(ctx, rt.engine),
		Agent: heartbeat.AgentIdentity{
			ID:       rt.cfg.AgentID,
			Name:     rt.ident.Name,
			Type:     rt.ident.Type,
			Identity: identityValue(rt.ident.Identity),
		},
		Host: host,
	}
	return heartbeat.Build(ctx, in)
}

func identityValue(id profile.Identity) dynjson.Value {
	obj := dynjson.NewObject()
	obj.Set("name", dynjson.Text(id.Name))
	if id.Creature != "" {
		obj.Set("creature", dynjson.Text(id.Creature))
	}
	if id.Vibe != "" {
		obj.Set("vibe", dynjson.Text(id.Vibe))
	}
	if id.Emoji != "" {
		obj.Set("emoji", dynjson.Text(id.Emoji))
	}
	return obj
}

// probeTelemetry runs the embedded CLI's telemetry commands in order,
// merging the first parseable result with a models status probe (spec
// §4.5). External providers and probe failures simply yield no telemetry.
func probeTelemetry(ctx context.Context, provider engineprovider.Provider) dynjson.Value {
	if provider.Kind != engineprovider.KindEmbedded || provider.CLIPath == "" {
		return dynjson.Null()
	}

	var telemetry dynjson.Value
	for _, args := range telemetryCommands {
		out, ok := runTelemetryCommand(ctx, provider.CLIPath, args)
		if !ok {
			continue
		}
		if parsed, ok := heartbeat.ParseLastJSONLine(out); ok {
			telemetry = parsed
			break
		}
		if free := heartbeat.ExtractFreeTextTelemetry(out); len(free.Keys()) > 0 {
			telemetry = free
			break
		}
	}

	if modelsOut, ok := runTelemetryCommand(ctx, provider.CLIPath, []string{"models", "status", "--json"}); ok {
		if modelsParsed, ok := heartbeat.ParseLastJSONLine(modelsOut); ok {
			if telemetry.IsNull() {
				telemetry = dynjson.NewObject()
			}
			telemetry.Set("models", modelsParsed.Get("models"))
		}
	}

	if telemetry.IsNull() {
		return dynjson.Null()
	}
	return telemetry
}

func runTelemetryCommand(ctx context.Context, cliPath string, args []string) (string, bool) {
	cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cmdCtx, cliPath, args...).Output()
	if err != nil {
		return "", false
	}
	return string(out), true
}
