// Package transport implements the Realtime Transport (spec section
// 4.3.10-4.3.12): a websocket client that subscribes to a session's signed
// private channel, republishes chunked envelopes, and reconnects with
// backoff on retryable failures. Grounded on internal/acp/gateway.go's
// ping/pong keepalive loop, adapted from a server-side Upgrade to a client
// Dial.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmc/runtime-supervisor/internal/retry"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
	readyTimeout = 45 * time.Second
)

// State mirrors the worker-visible connection states (spec §4.3.1); the
// transport only ever reports connecting/connected/unavailable/disconnected
// — "failed" and "closed" are owned by the session worker.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateUnavailable  State = "unavailable"
	StateDisconnected State = "disconnected"
)

// Frame is one decoded inbound message on the subscribed channel.
type Frame struct {
	Raw []byte
}

// Callbacks lets the owning session worker observe transport lifecycle
// without the transport depending on the worker package.
type Callbacks struct {
	OnStateChange func(State)
	OnFrame       func(Frame)
	// OnReconnected fires on every connected transition after the first.
	OnReconnected func()
}

// Config carries the dial target and channel identity.
type Config struct {
	URL      string // full websocket URL including signed channel token
	Header   http.Header
	DialFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

func (c Config) dial(ctx context.Context) (*websocket.Conn, *http.Response, error) {
	if c.DialFunc != nil {
		return c.DialFunc(ctx, c.URL, c.Header)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	return dialer.DialContext(ctx, c.URL, c.Header)
}

// Transport owns one websocket subscription and its reconnection loop.
type Transport struct {
	cfg       Config
	callbacks Callbacks

	mu            sync.Mutex
	conn          *websocket.Conn
	writeMu       sync.Mutex
	state         State
	connectedOnce bool
	closed        bool

	ready *readyBarrier
}

// New constructs a Transport; call Run to start the connect/reconnect loop.
func New(cfg Config, callbacks Callbacks) *Transport {
	return &Transport{cfg: cfg, callbacks: callbacks, state: StateConnecting, ready: newReadyBarrier()}
}

// Ready resolves when the first subscription is acknowledged, or returns an
// error after the ready timeout (spec §4.3.12).
func (t *Transport) Ready(ctx context.Context) error {
	return t.ready.wait(ctx)
}

// Run drives connect/read/reconnect until ctx is canceled or a
// non-retryable failure occurs. Startup failure never propagates as a fatal
// error to the caller beyond the Unavailable state transition (spec
// §4.3.12: "never kills the worker").
func (t *Transport) Run(ctx context.Context) {
	cfg := retry.TransportReconnectConfig()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := t.connectAndServe(ctx)
		if err == nil {
			return // closed deliberately
		}
		var nonRetryable *nonRetryableError
		if errors.As(err, &nonRetryable) {
			t.setState(StateDisconnected)
			slog.Error("transport: non-retryable failure, giving up", "error", err)
			return
		}

		t.setState(StateUnavailable)
		delay := backoffDelay(cfg, attempt)
		attempt++
		slog.Warn("transport: reconnecting after failure", "error", err, "delay", delay, "attempt", attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// nonRetryableError wraps HTTP 401/403/404/422-class subscription failures
// (spec §4.3.11).
type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable classifies an HTTP status per spec §4.3.11.
func NonRetryable(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}

func backoffDelay(cfg retry.Config, attempt int) time.Duration {
	delay := cfg.InitialDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	return delay
}

func (t *Transport) connectAndServe(ctx context.Context) error {
	t.setState(StateConnecting)

	conn, resp, err := t.cfg.dial(ctx)
	if err != nil {
		if resp != nil && NonRetryable(resp.StatusCode) {
			return &nonRetryableError{err: fmt.Errorf("transport: dial rejected: %w", err)}
		}
		return fmt.Errorf("transport: dial: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	wasConnectedBefore := t.connectedOnce
	t.connectedOnce = true
	t.mu.Unlock()

	t.setState(StateConnected)
	t.ready.fulfill(nil)
	if wasConnectedBefore && t.callbacks.OnReconnected != nil {
		t.callbacks.OnReconnected()
	}

	return t.serve(ctx, conn)
}

func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()
	stopPing := make(chan struct{})
	defer close(stopPing)

	go func() {
		for {
			select {
			case <-stopPing:
				return
			case <-pingTicker.C:
				t.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				t.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			t.closeConn()
			return nil
		default:
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("transport: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))

		if msgType != websocket.TextMessage {
			continue
		}
		if t.callbacks.OnFrame != nil {
			t.callbacks.OnFrame(Frame{Raw: data})
		}
	}
}

// Publish writes one or more chunked envelopes for payload, in order.
func (t *Transport) Publish(channelType string, payload map[string]any, sender, requestID string) error {
	frames, err := BuildPublishFrames(channelType, payload, sender, requestID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("transport: not connected")
	}
	for _, frame := range frames {
		t.writeMu.Lock()
		err := conn.WriteJSON(frame)
		t.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("transport: publish: %w", err)
		}
	}
	return nil
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	if t.callbacks.OnStateChange != nil {
		t.callbacks.OnStateChange(s)
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) closeConn() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "worker shutdown"),
			time.Now().Add(5*time.Second))
		conn.Close()
	}
}

// Close marks the transport closed and shuts down the connection.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.closeConn()
}

// readyBarrier resolves exactly once, either with an error or nil, within
// readyTimeout of construction (spec §4.3.12).
type readyBarrier struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newReadyBarrier() *readyBarrier {
	rb := &readyBarrier{done: make(chan struct{})}
	go func() {
		timer := time.NewTimer(readyTimeout)
		defer timer.Stop()
		select {
		case <-rb.done:
		case <-timer.C:
			rb.fulfill(fmt.Errorf("transport: ready timed out after %s", readyTimeout))
		}
	}()
	return rb
}

func (rb *readyBarrier) fulfill(err error) {
	rb.once.Do(func() {
		rb.err = err
		close(rb.done)
	})
}

func (rb *readyBarrier) wait(ctx context.Context) error {
	select {
	case <-rb.done:
		return rb.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
