package sessionworker

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agentmc/runtime-supervisor/internal/enginegateway"
	"github.com/agentmc/runtime-supervisor/internal/engineprovider"
	"github.com/agentmc/runtime-supervisor/internal/sessionhistory"
)

// ChatResult is the outcome of one chat execution (spec §4.3.8).
type ChatResult struct {
	RequestID  string
	RunID      string
	Status     string // ok | timeout | error
	TextSource string // wait | session_history | fallback | error
	Content    string
}

// ChatEngine executes one chat turn against either an externally supplied
// run function or the embedded Engine gateway, per spec §4.3.8.
type ChatEngine struct {
	ExternalRun      engineprovider.RunFunc
	Gateway          *enginegateway.Gateway
	History          *sessionhistory.Reader
	EngineAgentToken string
	WaitTimeout      time.Duration // default 90s, 12m for recurring callers
	SubmitTimeout    time.Duration // default 30s
}

func (e ChatEngine) waitTimeout() time.Duration {
	if e.WaitTimeout > 0 {
		return e.WaitTimeout
	}
	return 90 * time.Second
}

func (e ChatEngine) submitTimeout() time.Duration {
	if e.SubmitTimeout > 0 {
		return e.SubmitTimeout
	}
	return 30 * time.Second
}

// Run executes userText against the configured engine and returns a
// ChatResult per the status/text_source mapping of spec §4.3.8.
func (e ChatEngine) Run(ctx context.Context, sessionID, requestID, userText string) ChatResult {
	if e.ExternalRun != nil {
		content, err := e.ExternalRun(ctx, sessionID, requestID, userText)
		if err != nil {
			return ChatResult{RequestID: requestID, Status: "error", TextSource: "error",
				Content: fmt.Sprintf("OpenClaw run error: %v", err)}
		}
		return ChatResult{RequestID: requestID, Status: "ok", TextSource: "wait", Content: content}
	}

	if e.Gateway == nil {
		return ChatResult{RequestID: requestID, Status: "error", TextSource: "error",
			Content: "OpenClaw run error: no engine configured"}
	}

	sessionKey := fmt.Sprintf("agent:%s:agentmc:%s", e.EngineAgentToken, sessionID)
	idempotencyKey := fmt.Sprintf("agentmc-%s-%s", sessionID, requestID)

	submitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout())
	submitResp, err := e.Gateway.Submit(submitCtx, enginegateway.SubmitRequest{
		IdempotencyKey: idempotencyKey,
		SessionKey:     sessionKey,
		Message:        userText,
	})
	cancel()
	if err != nil {
		return ChatResult{RequestID: requestID, Status: "error", TextSource: "error",
			Content: fmt.Sprintf("OpenClaw run error: %v", err)}
	}

	waitTimeoutMs := int(e.waitTimeout() / time.Millisecond)
	execTimeout := e.waitTimeout() + 30*time.Second
	waitResp, err := e.Gateway.Wait(ctx, submitResp.RunID, waitTimeoutMs, execTimeout)
	if err != nil {
		return ChatResult{RequestID: requestID, RunID: submitResp.RunID, Status: "error", TextSource: "error",
			Content: fmt.Sprintf("OpenClaw run error: %v", err)}
	}

	switch waitResp.Status {
	case enginegateway.StatusTimeout:
		return ChatResult{RequestID: requestID, RunID: submitResp.RunID, Status: "timeout", TextSource: "wait",
			Content: "Still working…"}
	case enginegateway.StatusOK:
		if text, ok := waitResp.ExtractText(); ok {
			return ChatResult{RequestID: requestID, RunID: submitResp.RunID, Status: "ok", TextSource: "wait", Content: text}
		}
		if e.History != nil {
			if text, ok := e.History.LastAssistantText(sessionKey); ok && text != "" {
				return ChatResult{RequestID: requestID, RunID: submitResp.RunID, Status: "ok", TextSource: "session_history", Content: text}
			}
		}
		return ChatResult{RequestID: requestID, RunID: submitResp.RunID, Status: "ok", TextSource: "fallback",
			Content: "Finished with no text."}
	default:
		return ChatResult{RequestID: requestID, RunID: submitResp.RunID, Status: "error", TextSource: "error",
			Content: fmt.Sprintf("OpenClaw run error: %s", waitResp.Error)}
	}
}

var (
	replyToPrefixPattern  = regexp.MustCompile(`(?i)^\s*\[\[reply_to(_current|:[^\]]*)?\]\]\s*`)
	codeFencePattern      = regexp.MustCompile("(?s)^```[a-zA-Z0-9]*\n(.*)\n```\\s*$")
	assistantLabelPattern = regexp.MustCompile(`(?i)^\s*assistant\s*:\s*`)
)

// SanitizeChatText strips reply-routing prefixes, code-fence wrappers, and a
// leading "assistant:" label from engine output (spec §4.3.5 step 5).
func SanitizeChatText(text string) string {
	out := replyToPrefixPattern.ReplaceAllString(text, "")
	if m := codeFencePattern.FindStringSubmatch(out); m != nil {
		out = m[1]
	}
	out = assistantLabelPattern.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// BridgeContext are the fields rendered into the "[AgentMC Context]" block
// prepended to bridged user text (spec §4.3.5 step 4).
type BridgeContext struct {
	App                   string
	Source                string
	IntentScope           string
	Timezone              string
	ActorUserID           string
	DefaultAssigneeUserID string
	RoutingHint           string
}

// BuildBridgedText composes the bridged user text sent to the engine.
func BuildBridgedText(ctx BridgeContext, originalText string) string {
	var b strings.Builder
	b.WriteString("[AgentMC Context]\n")
	fmt.Fprintf(&b, "app: %s\n", ctx.App)
	fmt.Fprintf(&b, "source: %s\n", ctx.Source)
	fmt.Fprintf(&b, "intent_scope: %s\n", ctx.IntentScope)
	if ctx.Timezone != "" {
		fmt.Fprintf(&b, "timezone: %s\n", ctx.Timezone)
	}
	if ctx.ActorUserID != "" {
		fmt.Fprintf(&b, "actor_user_id: %s\n", ctx.ActorUserID)
	}
	if ctx.DefaultAssigneeUserID != "" {
		fmt.Fprintf(&b, "default_assignee_user_id: %s\n", ctx.DefaultAssigneeUserID)
	}
	if ctx.RoutingHint != "" {
		fmt.Fprintf(&b, "routing: %s\n", ctx.RoutingHint)
	}
	b.WriteString("[/AgentMC Context]\n\n")
	b.WriteString(originalText)
	return b.String()
}
