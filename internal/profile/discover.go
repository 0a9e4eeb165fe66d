package profile

import (
	"context"
	"os/exec"
	"time"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
)

// execCommand is overridable in tests.
var execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// discoveryCommands is the probe order of spec §4.7: `agents list --json`,
// `gateway call agents.list --json` with and without `--params {}`, then
// `gateway call config.get --json`. Each is tried within a 10s timeout;
// the first to produce parseable JSON wins.
func discoveryCommands(cliPath string) [][]string {
	return [][]string{
		{cliPath, "agents", "list", "--json"},
		{cliPath, "gateway", "call", "agents.list", "--json", "--params", "{}"},
		{cliPath, "gateway", "call", "agents.list", "--json"},
		{cliPath, "gateway", "call", "config.get", "--json"},
	}
}

// NewCLIDiscoverer builds a DiscoverFunc that probes the Engine's CLI for an
// agent roster, per the command order in discoveryCommands.
func NewCLIDiscoverer(cliPath string) DiscoverFunc {
	return func(ctx context.Context) ([]DiscoveryRow, error) {
		for _, args := range discoveryCommands(cliPath) {
			cmdCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			out, err := execCommand(cmdCtx, args[0], args[1:]...).Output()
			cancel()
			if err != nil {
				continue
			}
			val, err := dynjson.Parse(out)
			if err != nil {
				continue
			}
			if rows := rowsFromValue(val); len(rows) > 0 {
				return rows, nil
			}
		}
		return nil, nil
	}
}

// rowsFromValue accepts either a bare array of agent objects or an object
// wrapping one under a conventional key ("agents", "rows", "result", "data").
func rowsFromValue(val dynjson.Value) []DiscoveryRow {
	if arr, ok := val.AsArray(); ok {
		return rowsFromArray(arr)
	}
	for _, key := range []string{"agents", "rows", "result", "data"} {
		if arr, ok := val.Get(key).AsArray(); ok {
			return rowsFromArray(arr)
		}
	}
	return nil
}

func rowsFromArray(arr []dynjson.Value) []DiscoveryRow {
	rows := make([]DiscoveryRow, 0, len(arr))
	for _, item := range arr {
		rows = append(rows, DiscoveryRow{
			WorkspacePath: firstText(item, "workspace", "workspace_path", "workspacePath", "cwd"),
			Token:         firstText(item, "token", "agent_token", "key"),
			Name:          firstText(item, "name"),
			Type:          firstText(item, "type"),
			Identity: Identity{
				Name:     item.Get("identity").Get("name").TextOr(""),
				Creature: item.Get("identity").Get("creature").TextOr(""),
				Vibe:     item.Get("identity").Get("vibe").TextOr(""),
			},
			Emoji: firstEmoji(item),
			Raw:   item,
		})
	}
	return rows
}

func firstText(val dynjson.Value, fields ...string) string {
	for _, field := range fields {
		if s, ok := val.Get(field).AsText(); ok && s != "" {
			return s
		}
	}
	return ""
}
