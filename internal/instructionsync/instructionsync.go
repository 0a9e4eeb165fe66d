// Package instructionsync implements the Instruction Syncer (spec section
// 4.8): fetch the instruction bundle, materialize its files into the
// workspace, and persist the cursor so the Supervisor Loop can restart
// Session Workers and update its cadence when the bundle changes.
package instructionsync

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmc/runtime-supervisor/internal/filematerializer"
	"github.com/agentmc/runtime-supervisor/internal/hubclient"
	"github.com/agentmc/runtime-supervisor/internal/state"
)

// Result is what the Supervisor Loop needs back from one sync (spec §4.8).
type Result struct {
	Changed                  bool
	HeartbeatIntervalSeconds int
	AgentID                  int
}

// Syncer fetches and materializes the instruction bundle.
type Syncer struct {
	Hub          *hubclient.Client
	Materializer *filematerializer.Materializer
	State        *state.Store
}

// Sync fetches the instruction bundle and, if it changed or its version
// differs from the persisted one, writes every file[] entry to the workspace
// before persisting the new cursor (spec §4.8). The Hub request carries no
// bundle version; the comparison with the stored version is made here. The
// heartbeat interval is read from defaults.heartbeat_interval_seconds, or
// from a top-level heartbeat_interval_seconds when defaults has none.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	current, err := s.State.Load()
	if err != nil {
		return Result{}, fmt.Errorf("instructionsync: load state: %w", err)
	}
	currentVersion := ""
	if current.BundleVersion != nil {
		currentVersion = *current.BundleVersion
	}

	result := s.Hub.GetInstructions(ctx)
	if !result.Ok() {
		return Result{}, fmt.Errorf("instructionsync: getInstructions failed: status=%d err=%v", result.Status, result.Err)
	}

	changed, _ := result.Data.Get("changed").AsBool()
	heartbeatSeconds, ok := result.Data.Get("defaults").Get("heartbeat_interval_seconds").AsInt()
	if !ok {
		heartbeatSeconds, _ = result.Data.Get("heartbeat_interval_seconds").AsInt()
	}
	agentID, _ := result.Data.Get("agent_id").AsInt()
	bundleVersion, _ := result.Data.Get("bundle_version").AsText()

	if !changed && bundleVersion == currentVersion {
		return Result{Changed: false, HeartbeatIntervalSeconds: heartbeatSeconds, AgentID: agentID}, nil
	}

	files, _ := result.Data.Get("files").AsArray()
	for _, file := range files {
		path, _ := file.Get("path").AsText()
		content, _ := file.Get("content").AsText()
		if path == "" {
			continue
		}
		if _, err := s.writeFile(path, content); err != nil {
			return Result{}, fmt.Errorf("instructionsync: write %s: %w", path, err)
		}
	}

	if _, err := s.State.Patch(func(rs *state.RuntimeState) {
		v := bundleVersion
		rs.BundleVersion = &v
		if agentID > 0 {
			id := agentID
			rs.AgentID = &id
		}
		now := state.NowISO8601(time.Now())
		rs.LastSkillSyncAt = &now
	}); err != nil {
		return Result{}, fmt.Errorf("instructionsync: persist state: %w", err)
	}

	return Result{Changed: true, HeartbeatIntervalSeconds: heartbeatSeconds, AgentID: agentID}, nil
}

// writeFile materializes one bundle file unconditionally (bundle files are
// not subject to the base-hash conflict protocol managed files use; passing
// the file's current hash as the base hash always passes the check, so every
// sync overwrites it).
func (s *Syncer) writeFile(path, content string) (string, error) {
	current, err := s.Materializer.CurrentHash(path)
	if err != nil {
		return "", err
	}
	return s.Materializer.Save(path, current, []byte(content))
}

