// Package engineprovider resolves the EngineProvider entity described in
// spec section 4.6: which Engine (embedded subprocess CLI or an externally
// supplied run function) backs chat execution, and what models it reports.
package engineprovider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
)

// Kind distinguishes the two provider shapes.
type Kind string

const (
	KindEmbedded Kind = "embedded"
	KindExternal Kind = "external"
)

// RunFunc is the external.run contract: exec `command --agentmc-input <json>`
// and parse its output (spec §4.6 "external.run").
type RunFunc func(ctx context.Context, sessionID, requestID, message string) (content string, err error)

// Provider is a resolved EngineProvider.
type Provider struct {
	Kind    Kind
	Name    string
	Version string
	Build   string
	Mode    string
	Models  []string

	// CLIPath is set for embedded providers: the resolved executable path.
	CLIPath string

	// Run is set for external providers.
	Run RunFunc
}

// Config carries the configuration hints from spec §6's CLI surface.
type Config struct {
	ProviderKind string // "embedded", "external", "auto"
	Command      string
	Args         []string
	Models       []string

	// ConfiguredCLIPath is probed first for embedded discovery.
	ConfiguredCLIPath string
}

var versionNumberPattern = regexp.MustCompile(`\d+(\.\d+){1,2}(-[A-Za-z0-9.]+)?`)

// fallbackCLIPaths are probed last during embedded discovery.
var fallbackCLIPaths = []string{
	"/usr/local/bin/openclaw",
	"/usr/bin/openclaw",
	"/opt/openclaw/bin/openclaw",
}

// platformExtensions are appended to PATH lookups per spec §4.6 ("platform-
// specific extension variants").
func platformExtensions() []string {
	if runtime.GOOS == "windows" {
		return []string{".exe", ".cmd", ".bat", ""}
	}
	return []string{""}
}

// execLookPath is overridable in tests.
var execLookPath = exec.LookPath

// execCommand is overridable in tests.
var execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// Resolve implements the explicit external → explicit embedded → auto
// ordering of spec §4.6; auto tries embedded first, then external.
func Resolve(ctx context.Context, cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.ProviderKind)) {
	case string(KindExternal):
		return resolveExternal(ctx, cfg)
	case string(KindEmbedded):
		return resolveEmbedded(ctx, cfg)
	default: // "auto" or unset
		if provider, err := resolveEmbedded(ctx, cfg); err == nil {
			return provider, nil
		}
		return resolveExternal(ctx, cfg)
	}
}

func resolveEmbedded(ctx context.Context, cfg Config) (Provider, error) {
	cliPath, err := discoverCLI(cfg.ConfiguredCLIPath)
	if err != nil {
		return Provider{}, fmt.Errorf("engineprovider: embedded discovery: %w", err)
	}

	versionCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := execCommand(versionCtx, cliPath, "--version").Output()
	if err != nil {
		return Provider{}, fmt.Errorf("engineprovider: %s --version failed: %w", cliPath, err)
	}
	version := firstVersionNumber(string(out))
	if version == "" {
		return Provider{}, fmt.Errorf("engineprovider: could not parse version from %s --version", cliPath)
	}

	models := dedup(cfg.Models)
	if len(models) == 0 {
		return Provider{}, errors.New("engineprovider: embedded provider requires at least one model")
	}

	return Provider{
		Kind:    KindEmbedded,
		Name:    "openclaw",
		Version: version,
		Mode:    "embedded",
		Models:  models,
		CLIPath: cliPath,
	}, nil
}

func resolveExternal(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.Command == "" {
		return Provider{}, errors.New("engineprovider: external provider requires a configured command")
	}
	models := dedup(cfg.Models)
	if len(models) == 0 {
		return Provider{}, errors.New("engineprovider: external provider requires at least one model")
	}

	version := ""
	versionCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if out, err := execCommand(versionCtx, cfg.Command, "--version").Output(); err == nil {
		version = firstVersionNumber(string(out))
	}

	command := cfg.Command
	args := cfg.Args
	return Provider{
		Kind:    KindExternal,
		Name:    filepath.Base(cfg.Command),
		Version: version,
		Mode:    "external",
		Models:  models,
		Run: func(ctx context.Context, sessionID, requestID, message string) (string, error) {
			return runExternal(ctx, command, args, sessionID, requestID, message)
		},
	}, nil
}

// discoverCLI probes, in order: the configured path, a PATH lookup with
// platform extension variants, then a fixed fallback list (spec §4.6).
func discoverCLI(configuredPath string) (string, error) {
	if configuredPath != "" {
		if info, err := os.Stat(configuredPath); err == nil && !info.IsDir() {
			return configuredPath, nil
		}
	}

	for _, ext := range platformExtensions() {
		if path, err := execLookPath("openclaw" + ext); err == nil {
			return path, nil
		}
	}

	for _, path := range fallbackCLIPaths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}

	return "", errors.New("no embedded CLI found on configured path, PATH, or fallback locations")
}

func firstVersionNumber(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := versionNumberPattern.FindString(line); m != "" {
			return m
		}
	}
	return ""
}

func dedup(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// runExternal execs `command --agentmc-input <json>` and extracts text per
// spec §4.6's field-preference fallback ("content|output|text" or raw
// trimmed stdout).
func runExternal(ctx context.Context, command string, args []string, sessionID, requestID, message string) (string, error) {
	input := fmt.Sprintf(`{"session_id":%q,"request_id":%q,"message":%q}`, sessionID, requestID, message)
	fullArgs := append(append([]string{}, args...), "--agentmc-input", input)

	out, err := execCommand(ctx, command, fullArgs...).Output()
	if err != nil {
		return "", fmt.Errorf("engineprovider: external run failed: %w", err)
	}

	text := extractExternalText(string(out))
	return text, nil
}

func extractExternalText(output string) string {
	trimmed := strings.TrimSpace(output)
	if val, err := dynjson.Parse([]byte(trimmed)); err == nil {
		for _, field := range []string{"content", "output", "text"} {
			if s, ok := val.Get(field).AsText(); ok && s != "" {
				return s
			}
		}
	}
	return trimmed
}
