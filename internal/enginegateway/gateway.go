package enginegateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
)

// SubmitRequest is the {idempotencyKey, sessionKey, message} submit call
// (spec §4.3.8 step 2).
type SubmitRequest struct {
	IdempotencyKey string
	SessionKey     string
	Message        string
}

// SubmitResponse carries the resolved run_id (falling back to the
// idempotency key when the subprocess omits one).
type SubmitResponse struct {
	RunID string
}

// WaitStatus is the outcome of a wait call.
type WaitStatus string

const (
	StatusOK      WaitStatus = "ok"
	StatusTimeout WaitStatus = "timeout"
	StatusError   WaitStatus = "error"
)

// WaitResponse is the raw result of a wait call; ExtractText applies the
// field-preference search from spec §4.3.8 step 4 to Raw.
type WaitResponse struct {
	Status WaitStatus
	Raw    dynjson.Value
	Error  string
}

// textFieldPreference is the order spec §4.3.8 searches for chat text.
var textFieldPreference = []string{"content", "output_text", "text", "message", "response"}

// ExtractText returns the first non-empty field in textFieldPreference.
func (w WaitResponse) ExtractText() (string, bool) {
	for _, field := range textFieldPreference {
		if s, ok := w.Raw.Get(field).AsText(); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Config controls subprocess restart behavior.
type Config struct {
	Command            string
	Args               []string
	Env                []string
	Dir                string
	MaxRestartAttempts int           // default 3
	RestartWindow      time.Duration // window within which crashes count toward the cap; default 5m
	SubmitTimeout      time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = 3
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 5 * time.Minute
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	return c
}

// Gateway manages one Engine subprocess and its submit/wait contract.
type Gateway struct {
	cfg Config

	mu            sync.Mutex
	process       *EngineProcess
	restartCount  int
	windowStart   time.Time
	unavailable   bool
	pendingStderr []string
}

// New constructs a Gateway. The subprocess is started lazily on first Submit.
func New(cfg Config) *Gateway {
	return &Gateway{cfg: cfg.withDefaults()}
}

// Unavailable reports whether the subprocess exceeded its restart budget and
// the gateway has given up.
func (g *Gateway) Unavailable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unavailable
}

func (g *Gateway) ensureStarted(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unavailable {
		return fmt.Errorf("enginegateway: subprocess unavailable after %d restart attempts", g.cfg.MaxRestartAttempts)
	}
	if g.process != nil {
		return nil
	}
	proc, err := StartProcess(context.Background(), ProcessConfig{
		Command: g.cfg.Command, Args: g.cfg.Args, Env: g.cfg.Env, Dir: g.cfg.Dir,
	})
	if err != nil {
		return err
	}
	g.process = proc
	go g.monitorStderr(proc)
	go g.monitorExit(proc)
	return nil
}

func (g *Gateway) monitorStderr(p *EngineProcess) {
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		g.mu.Lock()
		g.pendingStderr = append(g.pendingStderr, line)
		if len(g.pendingStderr) > 50 {
			g.pendingStderr = g.pendingStderr[len(g.pendingStderr)-50:]
		}
		g.mu.Unlock()
		slog.Debug("enginegateway: subprocess stderr", "line", line)
	}
}

func (g *Gateway) monitorExit(p *EngineProcess) {
	err := p.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.process != p {
		return // already replaced by a fresh restart
	}
	g.process = nil

	if err == nil {
		return // clean exit, e.g. deliberate Stop()
	}

	if g.windowStart.IsZero() || time.Since(g.windowStart) > g.cfg.RestartWindow {
		g.windowStart = time.Now()
		g.restartCount = 0
	}
	g.restartCount++
	if g.restartCount > g.cfg.MaxRestartAttempts {
		g.unavailable = true
		slog.Error("enginegateway: subprocess exceeded max restart attempts", "attempts", g.restartCount, "error", err)
		return
	}
	slog.Warn("enginegateway: subprocess exited, will restart on next call", "attempt", g.restartCount, "error", err)
}

// Submit sends a submit request and parses its run_id, falling back to the
// idempotency key if the subprocess omits one (spec §4.3.8 step 2).
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if err := g.ensureStarted(ctx); err != nil {
		return SubmitResponse{}, err
	}

	submitCtx, cancel := context.WithTimeout(ctx, g.cfg.SubmitTimeout)
	defer cancel()

	resp, err := g.call(submitCtx, map[string]any{
		"op":             "submit",
		"idempotencyKey": req.IdempotencyKey,
		"sessionKey":     req.SessionKey,
		"message":        req.Message,
	})
	if err != nil {
		return SubmitResponse{}, err
	}

	runID, ok := resp.Get("run_id").AsText()
	if !ok || runID == "" {
		runID, ok = resp.Get("runId").AsText()
	}
	if !ok || runID == "" {
		runID = req.IdempotencyKey
	}
	return SubmitResponse{RunID: runID}, nil
}

// Wait sends a wait request with the given exec timeout (which must be
// ≥ the caller's requested waitTimeoutMs + 30s per spec §4.3.8 step 3).
func (g *Gateway) Wait(ctx context.Context, runID string, waitTimeoutMs int, execTimeout time.Duration) (WaitResponse, error) {
	if err := g.ensureStarted(ctx); err != nil {
		return WaitResponse{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	resp, err := g.call(waitCtx, map[string]any{
		"op":        "wait",
		"runId":     runID,
		"timeoutMs": waitTimeoutMs,
	})
	if err != nil {
		return WaitResponse{}, err
	}

	status, _ := resp.Get("status").AsText()
	errMsg, _ := resp.Get("error").AsText()
	return WaitResponse{Status: WaitStatus(status), Raw: resp, Error: errMsg}, nil
}

// call writes one NDJSON request line and reads the next parseable NDJSON
// response line, tolerating interleaved non-JSON banner output on stdout.
func (g *Gateway) call(ctx context.Context, req map[string]any) (dynjson.Value, error) {
	g.mu.Lock()
	proc := g.process
	g.mu.Unlock()
	if proc == nil {
		return dynjson.Null(), fmt.Errorf("enginegateway: subprocess not running")
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return dynjson.Null(), fmt.Errorf("enginegateway: marshal request: %w", err)
	}
	raw = append(raw, '\n')

	type result struct {
		val dynjson.Value
		err error
	}
	done := make(chan result, 1)

	go func() {
		if _, err := proc.stdin.Write(raw); err != nil {
			done <- result{err: fmt.Errorf("enginegateway: write request: %w", err)}
			return
		}
		for {
			line, err := proc.stdout.ReadString('\n')
			if err != nil {
				if err == io.EOF && line != "" {
					// fall through to try parsing the trailing partial line
				} else {
					done <- result{err: fmt.Errorf("enginegateway: read response: %w", err)}
					return
				}
			}
			if val, perr := dynjson.Parse([]byte(line)); perr == nil && !val.IsNull() {
				done <- result{val: val}
				return
			}
			// not a JSON line (banner/log noise) — keep scanning
		}
	}()

	select {
	case <-ctx.Done():
		return dynjson.Null(), ctx.Err()
	case r := <-done:
		return r.val, r.err
	}
}

// Stop terminates the subprocess if running.
func (g *Gateway) Stop() {
	g.mu.Lock()
	proc := g.process
	g.process = nil
	g.mu.Unlock()
	if proc != nil {
		proc.Stop()
	}
}
