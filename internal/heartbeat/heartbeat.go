// Package heartbeat builds the three-object heartbeat report (meta, host,
// agent) described in spec section 4.5 and merges Engine telemetry into the
// meta object.
package heartbeat

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
	"github.com/agentmc/runtime-supervisor/internal/hostinfo"
)

// RuntimeInfo identifies the runtime build (meta.runtime).
type RuntimeInfo struct {
	Name    string
	Version string
	Build   string
}

// ToolAvailability reports which realtime surfaces are live.
type ToolAvailability struct {
	ChatRealtime          bool
	FilesRealtime         bool
	NotificationsRealtime bool
}

// AgentIdentity is the "agent" object: {id, name, type, identity}.
type AgentIdentity struct {
	ID       int
	Name     string
	Type     string
	Identity dynjson.Value
}

// Input bundles everything needed to build one heartbeat report.
type Input struct {
	Runtime      RuntimeInfo
	Models       []string
	RuntimeMode  string
	NodeVersion  string
	Availability ToolAvailability
	Telemetry    dynjson.Value // raw Engine telemetry probe output, merged into meta
	Agent        AgentIdentity
	Host         hostinfo.Report
}

// Build assembles the heartbeat report as a dynjson Value tree ready for
// hubclient.Heartbeat.
func Build(ctx context.Context, in Input) dynjson.Value {
	meta := dynjson.NewObject()
	meta.Set("type", dynjson.Text("heartbeat"))

	runtimeObj := dynjson.NewObject()
	runtimeObj.Set("name", dynjson.Text(in.Runtime.Name))
	runtimeObj.Set("version", dynjson.Text(in.Runtime.Version))
	if in.Runtime.Build != "" {
		runtimeObj.Set("build", dynjson.Text(in.Runtime.Build))
	}
	meta.Set("runtime", runtimeObj)

	models := make([]dynjson.Value, 0, len(in.Models))
	for _, m := range dedupStrings(in.Models) {
		models = append(models, dynjson.Text(m))
	}
	meta.Set("models", dynjson.Array(models))

	meta.Set("runtime_mode", dynjson.Text(in.RuntimeMode))
	meta.Set("node_version", dynjson.Text(in.NodeVersion))

	availability := dynjson.NewObject()
	availability.Set("chat_realtime", dynjson.Bool(in.Availability.ChatRealtime))
	availability.Set("files_realtime", dynjson.Bool(in.Availability.FilesRealtime))
	availability.Set("notifications_realtime", dynjson.Bool(in.Availability.NotificationsRealtime))
	meta.Set("tool_availability", availability)

	MergeTelemetry(meta, in.Telemetry)

	host := dynjson.NewObject()
	host.Set("fingerprint", dynjson.Text(in.Host.Fingerprint))
	host.Set("name", dynjson.Text(in.Host.Name))
	hostMeta := dynjson.NewObject()
	hostMeta.Set("hostname", dynjson.Text(in.Host.Meta.Hostname))
	hostMeta.Set("ip", dynjson.Text(in.Host.Meta.IP))
	network := dynjson.NewObject()
	network.Set("private_ip", dynjson.Text(in.Host.Meta.Network.PrivateIP))
	network.Set("public_ip", dynjson.Text(in.Host.Meta.Network.PublicIP))
	hostMeta.Set("network", network)
	hostMeta.Set("os", dynjson.Text(in.Host.Meta.OS))
	hostMeta.Set("os_version", dynjson.Text(in.Host.Meta.OSVersion))
	hostMeta.Set("arch", dynjson.Text(in.Host.Meta.Arch))
	hostMeta.Set("cpu", dynjson.Text(in.Host.Meta.CPU))
	hostMeta.Set("cpu_cores", dynjson.Number(float64(in.Host.Meta.CPUCores)))
	hostMeta.Set("ram_gb", dynjson.Number(in.Host.Meta.RAMGB))
	disk := dynjson.NewObject()
	disk.Set("total_bytes", dynjson.Number(float64(in.Host.Meta.Disk.TotalBytes)))
	disk.Set("free_bytes", dynjson.Number(float64(in.Host.Meta.Disk.FreeBytes)))
	hostMeta.Set("disk", disk)
	hostMeta.Set("uptime_seconds", dynjson.Number(in.Host.Meta.Uptime))
	hostRuntime := dynjson.NewObject()
	hostRuntime.Set("name", dynjson.Text(in.Host.Meta.Runtime.Name))
	hostRuntime.Set("version", dynjson.Text(in.Host.Meta.Runtime.Version))
	hostMeta.Set("runtime", hostRuntime)
	host.Set("meta", hostMeta)

	agent := dynjson.NewObject()
	agent.Set("id", dynjson.Number(float64(in.Agent.ID)))
	agent.Set("name", dynjson.Text(in.Agent.Name))
	agent.Set("type", dynjson.Text(in.Agent.Type))
	agent.Set("identity", in.Agent.Identity)

	report := dynjson.NewObject()
	report.Set("meta", meta)
	report.Set("host", host)
	report.Set("agent", agent)
	return report
}

// preserveKeys are the meta keys whose already-set value telemetry does not
// overwrite; telemetry replaces the value of every other key.
var preserveKeys = map[string]bool{
	"runtime": true,
}

// MergeTelemetry merges raw Engine telemetry (as decoded from a `status`/
// `health` probe) into meta, preserving explicit fields already set and
// normalizing the "models" field by deduping strings while keeping object
// entries intact (spec §4.5).
func MergeTelemetry(meta dynjson.Value, telemetry dynjson.Value) {
	obj, ok := telemetry.AsObject()
	if !ok {
		return
	}
	for key, val := range obj {
		if key == "models" {
			mergeModels(meta, val)
			continue
		}
		if preserveKeys[key] {
			existing := meta.Get(key)
			if !existing.IsNull() {
				continue
			}
		}
		meta.Set(key, val)
	}

	if _, hasPercent := meta.Get("context_percent_used").AsNumber(); !hasPercent {
		if used, ok1 := meta.Get("context_used").AsNumber(); ok1 {
			if max, ok2 := meta.Get("context_max").AsNumber(); ok2 && max > 0 {
				meta.Set("context_percent_used", dynjson.Number(used/max*100))
			}
		}
	}
}

func mergeModels(meta dynjson.Value, incoming dynjson.Value) {
	existing, _ := meta.Get("models").AsArray()
	incomingArr, _ := incoming.AsArray()

	seen := map[string]bool{}
	merged := make([]dynjson.Value, 0, len(existing)+len(incomingArr))
	for _, v := range existing {
		if s, ok := v.AsText(); ok {
			if seen[s] {
				continue
			}
			seen[s] = true
		}
		merged = append(merged, v)
	}
	for _, v := range incomingArr {
		if s, ok := v.AsText(); ok {
			if seen[s] {
				continue
			}
			seen[s] = true
			merged = append(merged, v)
			continue
		}
		merged = append(merged, v) // object entries kept intact, not deduped
	}
	meta.Set("models", dynjson.Array(merged))
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
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

var (
	tokenCounterPattern = regexp.MustCompile(`(\d+)\s+in\D+(\d+)\s+out`)
	cacheHitPattern      = regexp.MustCompile(`(\d+)%\s+hit\s+(\d+)\s+cached\s+(\d+)\s+new`)
	fractionPattern      = regexp.MustCompile(`(\d+)\s*/\s*(\d+)\s*\((\d+)%\)`)
	percentLeftPattern   = regexp.MustCompile(`(\d+)%\s+left`)
	clockPattern         = regexp.MustCompile(`@\s*(\d{1,2}):(\d{2})`)
)

// ExtractFreeTextTelemetry parses the regex-based fallback fields spec §4.5
// names for unstructured telemetry lines: token counters, cache hit/new
// ratios, usage fractions, percent remaining, and a reset clock time.
func ExtractFreeTextTelemetry(line string) dynjson.Value {
	out := dynjson.NewObject()

	if m := tokenCounterPattern.FindStringSubmatch(line); m != nil {
		out.Set("tokens_in", numberFromString(m[1]))
		out.Set("tokens_out", numberFromString(m[2]))
	}
	if m := cacheHitPattern.FindStringSubmatch(line); m != nil {
		out.Set("cache_hit_percent", numberFromString(m[1]))
		out.Set("cache_hits", numberFromString(m[2]))
		out.Set("cache_new", numberFromString(m[3]))
	}
	if m := fractionPattern.FindStringSubmatch(line); m != nil {
		out.Set("usage_used", numberFromString(m[1]))
		out.Set("usage_max", numberFromString(m[2]))
		out.Set("usage_percent", numberFromString(m[3]))
	}
	if m := percentLeftPattern.FindStringSubmatch(line); m != nil {
		out.Set("usage_percent_left", numberFromString(m[1]))
	}
	if m := clockPattern.FindStringSubmatch(line); m != nil {
		out.Set("reset_at_clock", dynjson.Text(m[1]+":"+m[2]))
	}

	return out
}

func numberFromString(s string) dynjson.Value {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return dynjson.Null()
	}
	return dynjson.Number(v)
}

// ParseLastJSONLine finds the last line in output that parses as JSON,
// implementing the "fall back to the last parseable JSON line" rule for
// telemetry probe stdout (spec §4.5).
func ParseLastJSONLine(output string) (dynjson.Value, bool) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if val, err := dynjson.Parse([]byte(line)); err == nil && !val.IsNull() {
			return val, true
		}
	}
	return dynjson.Null(), false
}

// sortedKeysForTest returns the keys of m in sorted order.
func sortedKeysForTest(m map[string]dynjson.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
