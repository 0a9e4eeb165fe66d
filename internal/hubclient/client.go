// Package hubclient implements the typed Hub REST operations consumed by
// the runtime, described in spec section 6: listRequestedSessions,
// claimSession, authenticateSocket, createSignal, listSignals, closeSession,
// getInstructions, heartbeat, listAgents, listDueRecurringTaskRuns,
// completeRecurringTaskRun, markNotificationRead. The client performs no
// retries of its own; callers decide what to do with a returned status code
// (transient-network caller loops retry on the next scheduled tick).
package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
)

// Client talks to the Hub over HTTP with Bearer auth.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New constructs a Client bound to one agent's credential.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetToken rebinds the credential, for tokens resolved after construction.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Result is the (data, error, status) triple every Hub operation returns.
// Status is the HTTP status code (0 if the request never reached the Hub).
type Result struct {
	Data   dynjson.Value
	Status int
	Err    error
}

// Ok reports whether the call reached the Hub and received a 2xx.
func (r Result) Ok() bool {
	return r.Err == nil && r.Status >= 200 && r.Status < 300
}

// IsNotFound, IsConflict, IsUnprocessable, IsAuthFailure, IsRateLimited
// classify the status codes spec section 7 gives specific meaning to.
func (r Result) IsNotFound() bool      { return r.Status == http.StatusNotFound }
func (r Result) IsConflict() bool      { return r.Status == http.StatusConflict }
func (r Result) IsUnprocessable() bool { return r.Status == http.StatusUnprocessableEntity }
func (r Result) IsAuthFailure() bool {
	return r.Status == http.StatusUnauthorized || r.Status == http.StatusForbidden
}
func (r Result) IsRateLimited() bool { return r.Status == http.StatusTooManyRequests }

// IsSessionGone reports the 404/409/422 group spec section 7 maps to
// "close the Session Worker locally".
func (r Result) IsSessionGone() bool {
	return r.IsNotFound() || r.IsConflict() || r.IsUnprocessable()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) Result {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Result{Err: fmt.Errorf("hubclient: marshal request: %w", err)}
		}
		reader = bytes.NewReader(raw)
	}

	full := c.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return Result{Err: fmt.Errorf("hubclient: build request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Err: fmt.Errorf("hubclient: %s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Status: resp.StatusCode, Err: fmt.Errorf("hubclient: read body: %w", err)}
	}

	data := dynjson.Null()
	if len(raw) > 0 {
		if parsed, perr := dynjson.Parse(raw); perr == nil {
			data = parsed
		}
	}

	return Result{Data: data, Status: resp.StatusCode}
}

// ListRequestedSessions polls for sessions awaiting a worker, limited to
// limit entries.
func (c *Client) ListRequestedSessions(ctx context.Context, limit int) Result {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	return c.do(ctx, http.MethodGet, "/api/sessions/requested", q, nil)
}

// ClaimSession claims a requested session for this agent.
func (c *Client) ClaimSession(ctx context.Context, sessionID string) Result {
	path := fmt.Sprintf("/api/sessions/%s/claim", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// AuthenticateSocket exchanges a socket_id/channel_name pair for realtime
// channel auth, per the private-channel subscribe handshake (spec §6).
func (c *Client) AuthenticateSocket(ctx context.Context, socketID, channelName string) Result {
	return c.do(ctx, http.MethodPost, "/api/broadcasting/auth", nil, map[string]string{
		"socket_id":    socketID,
		"channel_name": channelName,
	})
}

// CreateSignal publishes an outbound signal envelope for session.
func (c *Client) CreateSignal(ctx context.Context, sessionID, signalType string, payload dynjson.Value) Result {
	path := fmt.Sprintf("/api/sessions/%s/signals", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, nil, map[string]any{
		"type":    signalType,
		"payload": payload.ToAny(),
	})
}

// ListSignals polls for signals after afterID (exclusive), excluding those
// sent by excludeSender, capped at limit.
func (c *Client) ListSignals(ctx context.Context, sessionID string, afterID int64, excludeSender string, limit int) Result {
	path := fmt.Sprintf("/api/sessions/%s/signals", url.PathEscape(sessionID))
	q := url.Values{
		"after_id": {strconv.FormatInt(afterID, 10)},
		"limit":    {strconv.Itoa(limit)},
	}
	if excludeSender != "" {
		q.Set("exclude_sender", excludeSender)
	}
	return c.do(ctx, http.MethodGet, path, q, nil)
}

// CloseSession marks a session closed on the Hub with the given status and
// reason.
func (c *Client) CloseSession(ctx context.Context, sessionID, status, reason string) Result {
	path := fmt.Sprintf("/api/sessions/%s/close", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, nil, map[string]string{
		"status": status,
		"reason": reason,
	})
}

// GetInstructions fetches the instruction bundle (managed-file set plus
// bundle metadata) for this agent.
func (c *Client) GetInstructions(ctx context.Context) Result {
	return c.do(ctx, http.MethodGet, "/api/agents/instructions", nil, nil)
}

// Heartbeat submits a heartbeat report, see spec §4.5.
func (c *Client) Heartbeat(ctx context.Context, report dynjson.Value) Result {
	return c.do(ctx, http.MethodPost, "/api/agents/heartbeat", nil, report.ToAny())
}

// ListAgents lists the agents visible to this credential (used by Agent
// Profile resolution, spec §4.7).
func (c *Client) ListAgents(ctx context.Context) Result {
	return c.do(ctx, http.MethodGet, "/api/agents", nil, nil)
}

// ListDueRecurringTaskRuns polls for recurring-task runs ready to execute.
func (c *Client) ListDueRecurringTaskRuns(ctx context.Context, limit int) Result {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	return c.do(ctx, http.MethodGet, "/api/recurring-task-runs/due", q, nil)
}

// CompleteRecurringTaskRun reports a recurring-task run's outcome. body
// carries {status, claim_token, summary?, error_message?, started_at,
// finished_at, runtime_meta} per spec §4.9.
func (c *Client) CompleteRecurringTaskRun(ctx context.Context, runID string, body map[string]any) Result {
	path := fmt.Sprintf("/api/recurring-task-runs/%s/complete", url.PathEscape(runID))
	return c.do(ctx, http.MethodPost, path, nil, body)
}

// MarkNotificationRead marks a notification read at the Hub; idempotent.
func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) Result {
	path := fmt.Sprintf("/api/notifications/%s/read", url.PathEscape(notificationID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}
