// Package sessionpoller implements the Session Poller (spec section 4.2):
// discover requested sessions for the agent and spawn one Session Worker
// per new session id. Grounded on internal/server/websocket.go's
// connection-accounting idiom, generalized from tracking live connections
// to tracking spawned session workers.
package sessionpoller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
	"github.com/agentmc/runtime-supervisor/internal/errsink"
	"github.com/agentmc/runtime-supervisor/internal/hubclient"
)

const (
	defaultPollInterval = 1200 * time.Millisecond
	rateLimitLogWindow  = 5 * time.Second
	listLimit           = 50
)

// SpawnFunc starts a Session Worker for sessionID; it must return promptly
// (launch the worker's Run loop in its own goroutine).
type SpawnFunc func(ctx context.Context, sessionID string)

// Config bundles everything the Poller needs.
type Config struct {
	Hub          *hubclient.Client
	Spawn        SpawnFunc
	PollInterval time.Duration
	ErrorSink    *errsink.Reporter
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return defaultPollInterval
}

// Poller tracks which session ids have already been spawned.
type Poller struct {
	cfg Config

	mu      sync.Mutex
	tracked map[string]bool

	rateLimitedSince   time.Time
	lastRateLimitLogAt time.Time
}

// New constructs a Poller.
func New(cfg Config) *Poller {
	return &Poller{cfg: cfg, tracked: make(map[string]bool)}
}

// Run polls until ctx is canceled, spawning one worker per newly discovered
// requested session (spec §4.2).
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.tick(ctx)
		ticker.Reset(p.currentInterval())
	}
}

func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	base := p.cfg.pollInterval()
	if p.rateLimitedSince.IsZero() {
		return base
	}
	backoff := 3 * base
	if backoff < 4*time.Second {
		backoff = 4 * time.Second
	}
	return backoff
}

func (p *Poller) tick(ctx context.Context) {
	result := p.cfg.Hub.ListRequestedSessions(ctx, listLimit)

	if result.IsRateLimited() {
		p.mu.Lock()
		if p.rateLimitedSince.IsZero() {
			p.rateLimitedSince = time.Now()
		}
		shouldLog := time.Since(p.lastRateLimitLogAt) >= rateLimitLogWindow
		if shouldLog {
			p.lastRateLimitLogAt = time.Now()
		}
		p.mu.Unlock()
		if shouldLog {
			slog.Warn("sessionpoller: rate limited listing requested sessions")
		}
		return
	}
	p.mu.Lock()
	p.rateLimitedSince = time.Time{}
	p.mu.Unlock()

	if !result.Ok() {
		if p.cfg.ErrorSink != nil {
			p.cfg.ErrorSink.Warn("list requested sessions failed", "sessionpoller", map[string]any{
				"status": result.Status,
				"error":  errString(result.Err),
			})
		}
		return
	}

	sessions := extractSessions(result.Data)
	sortSessionsByIDDescending(sessions)

	for _, session := range sessions {
		id, ok := session.Get("id").AsText()
		if !ok || id == "" {
			continue
		}
		p.mu.Lock()
		alreadyTracked := p.tracked[id]
		if !alreadyTracked {
			p.tracked[id] = true
		}
		p.mu.Unlock()
		if alreadyTracked {
			continue
		}
		p.cfg.Spawn(ctx, id)
	}
}

// Forget removes a session id from the tracked set so a future re-request
// of the same id would spawn a fresh worker (called by the owner once a
// worker closes).
func (p *Poller) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tracked, sessionID)
}

// extractSessions accepts either a bare array response or an object
// wrapping one under a conventional key.
func extractSessions(val dynjson.Value) []dynjson.Value {
	if arr, ok := val.AsArray(); ok {
		return arr
	}
	for _, key := range []string{"sessions", "data", "result"} {
		if arr, ok := val.Get(key).AsArray(); ok {
			return arr
		}
	}
	return nil
}

func sortSessionsByIDDescending(sessions []dynjson.Value) {
	sort.SliceStable(sessions, func(i, j int) bool {
		idI, _ := sessions[i].Get("id").AsText()
		idJ, _ := sessions[j].Get("id").AsText()
		return idI > idJ
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
