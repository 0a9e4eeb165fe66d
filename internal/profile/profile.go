// Package profile resolves the AgentProfile entity (spec section 4.7):
// the runtime's displayed identity, preferring the Engine's own agent
// discovery, then local config files, then configured overrides, then a
// generated fallback.
package profile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
)

// Identity is the nested {name, creature?, vibe?, emoji?} object.
type Identity struct {
	Name     string
	Creature string
	Vibe     string
	Emoji    string
}

// Profile is a resolved AgentProfile.
type Profile struct {
	ID       int
	Name     string
	Type     string
	Identity Identity
	Emoji    string
}

// Overrides are configured override values. They are used only for the
// fallback profile, when neither discovery nor a config file matched
// (spec §4.7).
type Overrides struct {
	Name     string
	Type     string
	Creature string
	Vibe     string
	Emoji    string
}

// DiscoveryRow is one row returned by the Engine's agent discovery surface
// or the Hub's listAgents, used for the row-matching heuristics.
type DiscoveryRow struct {
	WorkspacePath string
	Token         string
	Name          string
	Type          string
	Identity      Identity
	Emoji         string
	Raw           dynjson.Value
}

// DiscoverFunc probes the Engine's agent discovery CLI. Implementations try,
// in order, `agents list --json`, `gateway call agents.list --json` (with
// and without `--params {}`), `gateway call config.get --json`, each within
// a 10s timeout (spec §4.7); absence of any working command is not an
// error, just an empty result.
type DiscoverFunc func(ctx context.Context) ([]DiscoveryRow, error)

// Config bundles everything Resolve needs.
type Config struct {
	AgentID              int
	WorkspaceDir         string
	ProviderName         string // "external" default when unknown
	ConfiguredAgentToken string
	ConfiguredConfigPath string
	SessionsFileDir      string
	Overrides            Overrides
	Discover             DiscoverFunc // may be nil
}

// Resolve implements the preference order of spec §4.7.
func Resolve(ctx context.Context, cfg Config) Profile {
	rows := discoverRows(ctx, cfg)
	if row, ok := matchRow(rows, cfg); ok {
		return rowToProfile(cfg.AgentID, row, cfg.ProviderName)
	}

	if row, ok := loadFromConfigFiles(cfg); ok {
		return rowToProfile(cfg.AgentID, row, cfg.ProviderName)
	}

	return fallbackProfile(cfg)
}

func discoverRows(ctx context.Context, cfg Config) []DiscoveryRow {
	if cfg.Discover == nil {
		return nil
	}
	rows, err := cfg.Discover(ctx)
	if err != nil {
		return nil
	}
	return rows
}

// matchRow applies the row-matching heuristics: exact workspace path match >
// path containment > normalized key match against the configured agent
// token > normalized name match against the fallback name > single-row
// shortcut (spec §4.7).
func matchRow(rows []DiscoveryRow, cfg Config) (DiscoveryRow, bool) {
	if len(rows) == 0 {
		return DiscoveryRow{}, false
	}

	for _, row := range rows {
		if row.WorkspacePath != "" && row.WorkspacePath == cfg.WorkspaceDir {
			return row, true
		}
	}
	for _, row := range rows {
		if row.WorkspacePath == "" || cfg.WorkspaceDir == "" {
			continue
		}
		if strings.Contains(cfg.WorkspaceDir, row.WorkspacePath) || strings.Contains(row.WorkspacePath, cfg.WorkspaceDir) {
			return row, true
		}
	}
	if cfg.ConfiguredAgentToken != "" {
		normalizedToken := normalizeKey(cfg.ConfiguredAgentToken)
		for _, row := range rows {
			if normalizeKey(row.Token) == normalizedToken {
				return row, true
			}
		}
	}
	fallbackName := defaultFallbackName(cfg.AgentID)
	normalizedFallback := normalizeKey(fallbackName)
	for _, row := range rows {
		if normalizeKey(row.Name) == normalizedFallback {
			return row, true
		}
	}
	if len(rows) == 1 {
		return rows[0], true
	}
	return DiscoveryRow{}, false
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func rowToProfile(agentID int, row DiscoveryRow, providerName string) Profile {
	name := row.Name
	if name == "" {
		name = defaultFallbackName(agentID)
	}
	typ := row.Type
	if typ == "" {
		typ = providerNameOrExternal(providerName)
	}
	identity := row.Identity
	if identity.Name == "" {
		identity.Name = name
	}
	emoji := row.Emoji
	if emoji == "" {
		emoji = identity.Emoji
	}
	return Profile{ID: agentID, Name: name, Type: typ, Identity: identity, Emoji: emoji}
}

// configFileCandidates returns the local config file search order (spec
// §4.7): configured path, ~/.openclaw/openclaw.json,
// <workspace>/.openclaw/openclaw.json, and the sessions file's directory.
func configFileCandidates(cfg Config) []string {
	var candidates []string
	if cfg.ConfiguredConfigPath != "" {
		candidates = append(candidates, cfg.ConfiguredConfigPath)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".openclaw", "openclaw.json"))
	}
	if cfg.WorkspaceDir != "" {
		candidates = append(candidates, filepath.Join(cfg.WorkspaceDir, ".openclaw", "openclaw.json"))
	}
	if cfg.SessionsFileDir != "" {
		candidates = append(candidates, filepath.Join(cfg.SessionsFileDir, "openclaw.json"))
	}
	return candidates
}

func loadFromConfigFiles(cfg Config) (DiscoveryRow, bool) {
	for _, path := range configFileCandidates(cfg) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		val, err := dynjson.Parse(data)
		if err != nil {
			continue
		}
		row := DiscoveryRow{
			Name: val.Get("name").TextOr(""),
			Type: val.Get("type").TextOr(""),
			Identity: Identity{
				Name:     val.Get("identity").Get("name").TextOr(""),
				Creature: val.Get("identity").Get("creature").TextOr(""),
				Vibe:     val.Get("identity").Get("vibe").TextOr(""),
			},
			Emoji: firstEmoji(val),
			Raw:   val,
		}
		if row.Name != "" || row.Identity.Name != "" {
			return row, true
		}
	}
	return DiscoveryRow{}, false
}

// emojiFields is the field precedence spec §4.7 names: "own or nested".
var emojiFields = []string{"emoji", "avatar_emoji", "profile_emoji", "icon_emoji", "icon"}

func firstEmoji(val dynjson.Value) string {
	for _, field := range emojiFields {
		if s, ok := val.Get(field).AsText(); ok && s != "" {
			return s
		}
	}
	if identity := val.Get("identity"); !identity.IsNull() {
		return firstEmoji(identity)
	}
	return ""
}

func defaultFallbackName(agentID int) string {
	return "agent-" + strconv.Itoa(agentID)
}

func providerNameOrExternal(providerName string) string {
	if providerName == "" {
		return "external"
	}
	return providerName
}

var identityFieldPattern = map[string]*regexp.Regexp{
	"Name":     regexp.MustCompile(`(?im)^\s*(?:\*\*)?Name(?:\*\*)?\s*:\s*(.+)$`),
	"Creature": regexp.MustCompile(`(?im)^\s*(?:\*\*)?Creature(?:\*\*)?\s*:\s*(.+)$`),
	"Vibe":     regexp.MustCompile(`(?im)^\s*(?:\*\*)?Vibe(?:\*\*)?\s*:\s*(.+)$`),
}

// parseIdentityMarkdown extracts Name/Creature/Vibe fields from an
// IDENTITY.md file's simple "Field: value" lines (spec §4.7 fallback).
func parseIdentityMarkdown(content string) Identity {
	get := func(field string) string {
		m := identityFieldPattern[field].FindStringSubmatch(content)
		if m == nil {
			return ""
		}
		return strings.TrimSpace(m[1])
	}
	return Identity{Name: get("Name"), Creature: get("Creature"), Vibe: get("Vibe")}
}

func fallbackProfile(cfg Config) Profile {
	name := defaultFallbackName(cfg.AgentID)
	identity := Identity{Name: name}

	if cfg.WorkspaceDir != "" {
		if data, err := os.ReadFile(filepath.Join(cfg.WorkspaceDir, "IDENTITY.md")); err == nil {
			parsed := parseIdentityMarkdown(string(data))
			if parsed.Name != "" {
				identity = parsed
			} else {
				identity.Creature = parsed.Creature
				identity.Vibe = parsed.Vibe
			}
		}
	}

	if cfg.Overrides.Name != "" {
		name = cfg.Overrides.Name
		identity.Name = name
	}
	if cfg.Overrides.Creature != "" {
		identity.Creature = cfg.Overrides.Creature
	}
	if cfg.Overrides.Vibe != "" {
		identity.Vibe = cfg.Overrides.Vibe
	}
	emoji := cfg.Overrides.Emoji
	if identity.Name == "" {
		identity.Name = name
	}

	typ := cfg.Overrides.Type
	if typ == "" {
		typ = providerNameOrExternal(cfg.ProviderName)
	}

	return Profile{ID: cfg.AgentID, Name: name, Type: typ, Identity: identity, Emoji: emoji}
}

// marshalForDebug is a small helper kept for callers that want to log a
// resolved profile; not used for wire transmission (heartbeat builds its
// own agent object directly).
func marshalForDebug(p Profile) string {
	raw, _ := json.Marshal(p)
	return string(raw)
}

var _ = marshalForDebug
