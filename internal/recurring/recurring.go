// Package recurring implements the Recurring-Task Executor (spec section
// 4.9): claim due recurring task runs, execute them against the Engine with
// an extended wait timeout, and report completion back to the Hub.
// Grounded on the due-task claim/execute/complete loop skeleton in the
// cron-service example and the due-scheduling skeleton in the
// simpleruntime heartbeat runner (see DESIGN.md).
//
// The gateway exec timeout is always wait_timeout + 30s, even if a future
// caller supplies a smaller wait_timeout than the 600s default — this is
// the literal behavior spec.md specifies (Open Question (c) in DESIGN.md),
// not an oversight.
package recurring

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
	"github.com/agentmc/runtime-supervisor/internal/enginegateway"
	"github.com/agentmc/runtime-supervisor/internal/engineprovider"
	"github.com/agentmc/runtime-supervisor/internal/hubclient"
)

const (
	defaultWaitTimeout = 600 * time.Second
	defaultListLimit   = 5
	summaryMaxChars    = 4000
	metaMaxBytes       = 24000
)

// Config bundles everything the Executor needs.
type Config struct {
	Hub              *hubclient.Client
	Gateway          *enginegateway.Gateway
	ExternalRun      engineprovider.RunFunc
	AgentID          int
	EngineAgentToken string
	WaitTimeout      time.Duration // default 600s
	ListLimit        int           // default 5
}

func (c Config) waitTimeout() time.Duration {
	if c.WaitTimeout > 0 {
		return c.WaitTimeout
	}
	return defaultWaitTimeout
}

func (c Config) listLimit() int {
	if c.ListLimit > 0 {
		return c.ListLimit
	}
	return defaultListLimit
}

// Executor runs one claim-and-execute tick.
type Executor struct {
	cfg Config
}

// New constructs an Executor.
func New(cfg Config) *Executor {
	return &Executor{cfg: cfg}
}

// Tick lists due recurring task runs and executes each one in turn (spec
// §4.9's cooperative, one-at-a-time model matches the Session Poller's).
func (e *Executor) Tick(ctx context.Context) error {
	result := e.cfg.Hub.ListDueRecurringTaskRuns(ctx, e.cfg.listLimit())
	if !result.Ok() {
		return fmt.Errorf("recurring: listDueRecurringTaskRuns failed: status=%d err=%v", result.Status, result.Err)
	}

	runs := extractRuns(result.Data)
	for _, run := range runs {
		e.executeOne(ctx, run)
	}
	return nil
}

func (e *Executor) executeOne(ctx context.Context, run dynjson.Value) {
	runID, _ := run.Get("run_id").AsText()
	taskID, _ := run.Get("task_id").AsText()
	prompt, _ := run.Get("prompt").AsText()
	claimToken, _ := run.Get("claim_token").AsText()

	if agentID, ok := run.Get("agent_id").AsInt(); ok && agentID != e.cfg.AgentID {
		return // not ours to run
	}

	startedAt := time.Now().UTC()
	prompt = ensureContextBlock(prompt, taskID)

	result, execErr := e.runPrompt(ctx, taskID, runID, prompt)
	finishedAt := time.Now().UTC()

	status := "success"
	var summary, errorMessage string
	if execErr != nil {
		status = "error"
		errorMessage = execErr.Error()
	} else {
		summary = truncateUTF8(collapseWhitespace(result.Text), summaryMaxChars)
	}

	runtimeMeta := buildRuntimeMeta(result, taskID)

	body := map[string]any{
		"status":       status,
		"claim_token":  claimToken,
		"started_at":   startedAt.Format(time.RFC3339),
		"finished_at":  finishedAt.Format(time.RFC3339),
		"runtime_meta": runtimeMeta,
	}
	if summary != "" {
		body["summary"] = summary
	}
	if errorMessage != "" {
		body["error_message"] = errorMessage
	}

	e.cfg.Hub.CompleteRecurringTaskRun(ctx, runID, body)
}

// promptResult carries the fields scenario S6's runtime_meta requires
// alongside the response text: the provider-assigned request/run identifiers,
// which provider served the request, and the same runtime_status/text_source
// vocabulary ChatEngine.Run uses for the session-chat path.
type promptResult struct {
	Text       string
	RequestID  string
	RunID      string
	Status     string // ok | timeout | error
	TextSource string // wait | session_history | fallback | error
	Provider   string // embedded | external
}

func (e *Executor) runPrompt(ctx context.Context, taskID, runID, prompt string) (promptResult, error) {
	if e.cfg.ExternalRun != nil {
		// The external.run contract has no distinct engine-side run id, so
		// the Hub's own run id fills both roles here.
		text, err := e.cfg.ExternalRun(ctx, "recurring:"+taskID, runID, prompt)
		if err != nil {
			return promptResult{RequestID: runID, RunID: runID, Provider: "external", Status: "error", TextSource: "error"}, err
		}
		return promptResult{Text: text, RequestID: runID, RunID: runID, Provider: "external", Status: "ok", TextSource: "wait"}, nil
	}
	if e.cfg.Gateway == nil {
		return promptResult{Provider: "embedded", Status: "error", TextSource: "error"}, fmt.Errorf("no engine configured")
	}

	sessionKey := fmt.Sprintf("agent:%s:agentmc:recurring:%s", e.cfg.EngineAgentToken, taskID)
	idempotencyKey := fmt.Sprintf("agentmc-recurring-%s", runID)

	submitResp, err := e.cfg.Gateway.Submit(ctx, enginegateway.SubmitRequest{
		IdempotencyKey: idempotencyKey,
		SessionKey:     sessionKey,
		Message:        prompt,
	})
	if err != nil {
		return promptResult{RequestID: idempotencyKey, Provider: "embedded", Status: "error", TextSource: "error"}, err
	}

	waitTimeout := e.cfg.waitTimeout()
	waitTimeoutMs := int(waitTimeout / time.Millisecond)
	execTimeout := waitTimeout + 30*time.Second // always, per the literal spec behavior noted above

	waitResp, err := e.cfg.Gateway.Wait(ctx, submitResp.RunID, waitTimeoutMs, execTimeout)
	if err != nil {
		return promptResult{RequestID: idempotencyKey, RunID: submitResp.RunID, Provider: "embedded", Status: "error", TextSource: "error"}, err
	}

	result := promptResult{RequestID: idempotencyKey, RunID: submitResp.RunID, Provider: "embedded", Status: string(waitResp.Status)}
	if waitResp.Status != enginegateway.StatusOK {
		result.TextSource = "error"
		if waitResp.Error != "" {
			return result, fmt.Errorf("%s", waitResp.Error)
		}
		return result, fmt.Errorf("wait status %s", waitResp.Status)
	}
	text, ok := waitResp.ExtractText()
	if ok {
		result.TextSource = "wait"
	} else {
		result.TextSource = "fallback"
	}
	result.Text = text
	return result, nil
}

// ensureContextBlock prefixes prompt with an [AgentMC Context] block naming
// the recurring task scope, unless prompt already contains one (spec §4.9).
func ensureContextBlock(prompt, taskID string) string {
	if strings.Contains(prompt, "[AgentMC Context]") {
		return prompt
	}
	block := fmt.Sprintf("[AgentMC Context]\nscope: recurring_task\ntask_id: %s\nreferences: SKILLS.md, RULES.md\n[/AgentMC Context]\n\n", taskID)
	return block + prompt
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func truncateUTF8(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars])
}

func truncateUTF8Bytes(s string, maxBytes int) (string, bool) {
	if len(s) <= maxBytes {
		return s, false
	}
	b := []byte(s)[:maxBytes]
	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}
	return string(b), true
}

func buildRuntimeMeta(result promptResult, taskID string) map[string]any {
	truncated, wasTruncated := truncateUTF8Bytes(result.Text, metaMaxBytes)
	return map[string]any{
		"request_id":               result.RequestID,
		"run_id":                   result.RunID,
		"runtime_status":           result.Status,
		"text_source":              result.TextSource,
		"provider":                 result.Provider,
		"task_id":                  taskID,
		"agent_response":           truncated,
		"agent_response_bytes":     len(result.Text),
		"agent_response_truncated": wasTruncated,
	}
}

// extractRuns accepts either a bare array or an object wrapping one under a
// conventional key.
func extractRuns(val dynjson.Value) []dynjson.Value {
	if arr, ok := val.AsArray(); ok {
		return arr
	}
	for _, key := range []string{"runs", "data", "result"} {
		if arr, ok := val.Get(key).AsArray(); ok {
			return arr
		}
	}
	return nil
}
