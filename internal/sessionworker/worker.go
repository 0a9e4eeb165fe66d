// Package sessionworker implements the per-session actor of spec section
// 4.3: the hardest subcomponent, combining a websocket consumer, an
// HTTP-fallback poller, a state machine, a request router, and a self-heal
// timer. Grounded on internal/acp/session_host.go's SessionHost, collapsed
// from its multi-viewer broadcast model to a single-owner worker.
package sessionworker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
	"github.com/agentmc/runtime-supervisor/internal/hubclient"
	"github.com/agentmc/runtime-supervisor/internal/transport"
)

// Polling cadences (spec §4.3.2).
const (
	catchUpInterval     = 15 * time.Second
	fallbackInterval    = 1 * time.Second
	minRateLimitBackoff = 2500 * time.Millisecond
	rateLimitLogWindow  = 5 * time.Second
	signalPageLimit     = 100
	processedKeyTTL     = 45 * time.Second
)

// Observers lets the owning supervisor/poller watch worker lifecycle events
// without a reverse package dependency.
type Observers struct {
	OnSignal             func(signal dynjson.Value)
	OnUnhandledMessage   func(payload dynjson.Value)
	OnNotificationBridge func(result ChatResult)
	OnClosed             func(reason string)
}

// Config bundles everything one Worker instance needs.
type Config struct {
	SessionID    string
	Hub          *hubclient.Client
	Transport    *transport.Transport // nil if websocket is unavailable for this session
	Chat         ChatEngine
	FileOps      FileOpsConfig
	Notify       NotificationBridgeConfig
	BridgeApp    string
	BridgeSource string
	IntentScope  string
	Observers    Observers
}

// Worker runs one session's lifecycle until it self-closes or the caller
// cancels its context.
type Worker struct {
	cfg Config
	sm  *stateMachine
	dedupe *processedKeyCache

	mu                   sync.Mutex
	lastSignalID         int64
	lastNonAgentSignalID int64
	rateLimitedSince     time.Time
	lastRateLimitLogAt   time.Time
	lastPollAt           time.Time

	firstConnectOnce sync.Once
}

// New constructs a Worker in the connecting state.
func New(cfg Config) *Worker {
	return &Worker{
		cfg:    cfg,
		sm:     newStateMachine(time.Now().UnixMilli()),
		dedupe: newProcessedKeyCache(processedKeyTTL),
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	s, _ := w.sm.get()
	return s
}

// Run drives the HTTP poll loop (and, if configured, the websocket
// transport) until ctx is canceled or the worker self-closes.
func (w *Worker) Run(ctx context.Context) {
	if w.cfg.Transport != nil {
		go w.runTransport(ctx)
	} else {
		w.sm.transition(StateUnavailable, time.Now().UnixMilli())
	}

	ticker := time.NewTicker(fallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state, _ := w.sm.get()
		if state == StateClosed {
			return
		}

		w.tickSelfHeal()
		state, _ = w.sm.get()
		if state == StateClosed {
			return
		}

		if w.shouldPollNow(state) {
			w.poll(ctx)
		}
	}
}

func (w *Worker) shouldPollNow(state State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	interval := fallbackInterval
	if state == StateConnected {
		interval = catchUpInterval
	}
	if !w.rateLimitedSince.IsZero() {
		backoff := 2 * interval
		if backoff < minRateLimitBackoff {
			backoff = minRateLimitBackoff
		}
		interval = backoff
	}
	return time.Since(w.lastPollAt) >= interval
}

func (w *Worker) runTransport(ctx context.Context) {
	w.cfg.Transport.Run(ctx)
}

// HandleFrame decodes an inbound websocket frame as a SignalMessage and
// routes it through the same pipeline as a polled signal — the "primary:
// websocket frames" path of spec §4.3.2.
func (w *Worker) HandleFrame(frame transport.Frame) {
	signal, err := dynjson.Parse(frame.Raw)
	if err != nil {
		slog.Warn("sessionworker: malformed websocket frame", "session_id", w.cfg.SessionID, "error", err)
		return
	}
	w.processSignal(context.Background(), signal)
}

// HandleTransportState mirrors the transport's connect/disconnect/unavailable
// transitions onto the worker's own state machine. transport.State and
// State share the same four wire values for connecting/connected/
// unavailable/disconnected; failed and closed stay worker-owned.
func (w *Worker) HandleTransportState(s transport.State) {
	w.sm.transition(State(s), time.Now().UnixMilli())
}

// AnnounceReady emits the initial managed-file snapshot the first time this
// session's transport reaches state connected ("the first connected emits
// reason session_ready", spec §4.3.2's reconnection observer).
func (w *Worker) AnnounceReady() {
	w.firstConnectOnce.Do(func() {
		w.handleSnapshot("", "session_ready")
	})
}

// HandleReconnect emits a fresh snapshot on every connected transition after
// the first (spec §4.3.2, scenario S4).
func (w *Worker) HandleReconnect() {
	w.handleSnapshot("", "reconnected")
}

func (w *Worker) poll(ctx context.Context) {
	w.mu.Lock()
	w.lastPollAt = time.Now()
	w.mu.Unlock()

	w.mu.Lock()
	after := w.lastNonAgentSignalID
	w.mu.Unlock()

	result := w.cfg.Hub.ListSignals(ctx, w.cfg.SessionID, after, "agent", signalPageLimit)

	if result.Status == 429 {
		w.mu.Lock()
		if w.rateLimitedSince.IsZero() {
			w.rateLimitedSince = time.Now()
		}
		shouldLog := time.Since(w.lastRateLimitLogAt) >= rateLimitLogWindow
		if shouldLog {
			w.lastRateLimitLogAt = time.Now()
		}
		w.mu.Unlock()
		if shouldLog {
			slog.Warn("sessionworker: rate limited polling signals", "session_id", w.cfg.SessionID)
		}
		return
	}
	w.mu.Lock()
	w.rateLimitedSince = time.Time{}
	w.mu.Unlock()

	if result.IsSessionGone() {
		// The Hub already considers the session gone; closing it again via
		// Hub.CloseSession would be a pointless second write (spec §4.3.1
		// scenario S5).
		w.closeSessionLocal("session_poll_closed")
		return
	}
	if !result.Ok() {
		slog.Warn("sessionworker: list signals failed", "session_id", w.cfg.SessionID, "status", result.Status, "error", result.Err)
		return
	}

	signals, _ := result.Data.AsArray()
	for _, signal := range signals {
		w.processSignal(ctx, signal)
	}
}

// processSignal implements spec §4.3.3's inbound frame processing.
func (w *Worker) processSignal(ctx context.Context, signal dynjson.Value) {
	id, _ := signal.Get("id").AsInt()
	sender, _ := signal.Get("sender").AsText()
	sigType, _ := signal.Get("type").AsText()

	w.mu.Lock()
	if int64(id) > w.lastSignalID {
		w.lastSignalID = int64(id)
	}
	if sender != "agent" && int64(id) > w.lastNonAgentSignalID {
		w.lastNonAgentSignalID = int64(id)
	}
	w.mu.Unlock()
	w.sm.noteActivity(time.Now().UnixMilli())

	if w.cfg.Observers.OnSignal != nil {
		w.cfg.Observers.OnSignal(signal)
	}

	payload := signal.Get("payload")

	if notification, ok := detectNotification(payload); ok {
		w.bridgeNotification(ctx, notification, int64(id))
	}

	if sigType == "close" {
		w.closeSession("session_closed")
		return
	}

	if !reachesRouter(sender, sigType) {
		return
	}

	switch Route(payload) {
	case RouteChat:
		w.handleChat(ctx, payload, int64(id))
	case RouteSnapshot:
		requestID, _ := payload.Get("request_id").AsText()
		w.handleSnapshot(requestID, "requested")
	case RouteFileSave:
		w.dispatchFileOp(payload, "doc.save", w.cfg.FileOps.HandleFileSave)
	case RouteFileDelete:
		w.dispatchFileOp(payload, "doc.delete", w.cfg.FileOps.HandleFileDelete)
	default:
		if w.cfg.Observers.OnUnhandledMessage != nil {
			w.cfg.Observers.OnUnhandledMessage(payload)
		}
	}
}

// dispatchFileOp dedupes a file.save/file.delete request on
// "doc.save|delete:<request_id>:<doc_id>" (spec §4.3.3) before invoking
// handle and publishing its response.
func (w *Worker) dispatchFileOp(payload dynjson.Value, op string, handle func(dynjson.Value) map[string]any) {
	requestID, _ := payload.Get("request_id").AsText()
	docID, _ := payload.Get("doc_id").AsText()
	key := op + ":" + requestID + ":" + docID
	if w.dedupe.seen(key, time.Now()) {
		return
	}
	w.publishResult(handle(payload))
}

func (w *Worker) handleChat(ctx context.Context, payload dynjson.Value, signalID int64) {
	requestID, _ := payload.Get("request_id").AsText()
	if requestID == "" {
		requestID = uuid.NewString()
	}
	messageID, _ := payload.Get("message_id").AsText()

	dedupeKey := "chat:request:" + requestID
	if messageID != "" {
		dedupeKey = "chat:message:" + messageID
	}
	if w.dedupe.seen(dedupeKey, time.Now()) {
		return
	}

	text := firstNonEmpty(payload.Get("content").TextOr(""), payload.Get("message").TextOr(""))
	if text == "" {
		w.publishResult(map[string]any{
			"type":       "chat.agent.done",
			"request_id": requestID,
			"message_id": messageID,
			"content":    "I didn't receive any message text to respond to.",
			"meta": map[string]any{
				"status":      "error",
				"text_source": "error",
				"signal_id":   signalID,
			},
		})
		return
	}

	w.publishResult(map[string]any{
		"type":       "chat.agent.delta",
		"request_id": requestID,
		"content":    "Thinking…",
	})

	bridged := BuildBridgedText(BridgeContext{
		App:         w.cfg.BridgeApp,
		Source:      w.cfg.BridgeSource,
		IntentScope: w.cfg.IntentScope,
	}, text)

	result := w.cfg.Chat.Run(ctx, w.cfg.SessionID, requestID, bridged)
	content := SanitizeChatText(result.Content)
	if content == "" {
		content = statusFallbackText(result.Status)
	}

	done := map[string]any{
		"type":       "chat.agent.done",
		"request_id": requestID,
		"content":    content,
		"meta": map[string]any{
			"source":       "agentmc",
			"run_id":       result.RunID,
			"status":       result.Status,
			"text_source":  result.TextSource,
			"signal_id":    signalID,
			"generated_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if messageID != "" {
		done["message_id"] = messageID
	}
	w.publishResult(done)
}

func statusFallbackText(status string) string {
	switch status {
	case "timeout":
		return "Still working…"
	case "error":
		return "Something went wrong processing that request."
	default:
		return "Finished with no text."
	}
}

func (w *Worker) bridgeNotification(ctx context.Context, notification dynjson.Value, signalID int64) {
	if !w.cfg.Notify.ShouldBridge(notification) {
		return
	}
	id, _ := notification.Get("id").AsText()
	requestID, userText := BuildNotificationChatRequest(notification, w.cfg.SessionID, signalID)

	key := "notification:id:" + id
	if updatedAt, ok := notification.Get("updated_at").AsText(); ok {
		key += ":v:" + updatedAt
	} else if readAt, ok := notification.Get("read_at").AsText(); ok {
		key += ":v:" + readAt
	} else if createdAt, ok := notification.Get("created_at").AsText(); ok {
		key += ":v:" + createdAt
	} else {
		key = "signal:" + itoa(signalID)
	}
	if w.dedupe.seen(key, time.Now()) {
		return
	}

	result := w.cfg.Chat.Run(ctx, w.cfg.SessionID, requestID, userText)
	if result.Status == "ok" && id != "" {
		w.cfg.Hub.MarkNotificationRead(ctx, id)
	}
	if w.cfg.Observers.OnNotificationBridge != nil {
		w.cfg.Observers.OnNotificationBridge(result)
	}
}

func (w *Worker) handleSnapshot(requestID, reason string) {
	w.publishResult(map[string]any{
		"type":         "snapshot.response",
		"request_id":   requestID,
		"reason":       reason,
		"docs":         w.snapshotDocs(),
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// snapshotDocs enumerates the configured managed-file set (spec §4.3.4,
// §6's ManagedFile entity), sorted by doc_id for a stable frame. Docs
// outside the allow-list, or not yet written to disk, are omitted.
func (w *Worker) snapshotDocs() []map[string]any {
	docs := make([]map[string]any, 0, len(w.cfg.FileOps.AllowedDocs))
	if w.cfg.FileOps.Materializer == nil {
		return docs
	}

	ids := make([]string, 0, len(w.cfg.FileOps.AllowedDocs))
	for id, allowed := range w.cfg.FileOps.AllowedDocs {
		if allowed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		file, ok := w.cfg.FileOps.Materializer.Describe(id)
		if !ok {
			continue
		}
		docs = append(docs, map[string]any{
			"id":            file.ID,
			"title":         file.ID,
			"body_markdown": file.BodyMarkdown,
			"base_hash":     file.BaseHash,
		})
	}
	return docs
}

func (w *Worker) publishResult(payload map[string]any) {
	msgType, _ := payload["type"].(string)
	requestID, _ := payload["request_id"].(string)

	if w.cfg.Transport != nil && w.cfg.Transport.State() == transport.StateConnected {
		if err := w.cfg.Transport.Publish(msgType, payload, "agent", requestID); err == nil {
			return
		}
	}

	ctx := context.Background()
	val := dynjson.FromAny(payload)
	w.cfg.Hub.CreateSignal(ctx, w.cfg.SessionID, msgType, val)
}

func (w *Worker) tickSelfHeal() {
	state, lastChangeMs, lastActivityMs, createdAtMs := w.sm.snapshot()
	decision := evaluateSelfHeal(state, lastChangeMs, lastActivityMs, createdAtMs, time.Now().UnixMilli())
	if decision.shouldClose {
		w.closeSession(decision.reason)
	}
}

// closeSession closes locally and tells the Hub, for every close path except
// the one where the Hub already reported the session gone.
func (w *Worker) closeSession(reason string) {
	w.closeSessionImpl(reason, true)
}

// closeSessionLocal closes locally only, for the session-gone poll path
// where a second Hub.CloseSession call would be a redundant write (spec
// §4.3.1 scenario S5).
func (w *Worker) closeSessionLocal(reason string) {
	w.closeSessionImpl(reason, false)
}

func (w *Worker) closeSessionImpl(reason string, notifyHub bool) {
	state, _ := w.sm.get()
	if state == StateClosed {
		return
	}
	w.sm.close(reason, time.Now().UnixMilli())
	if w.cfg.Transport != nil {
		w.cfg.Transport.Close()
	}
	if notifyHub {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		w.cfg.Hub.CloseSession(ctx, w.cfg.SessionID, "failed", reason)
	}
	if w.cfg.Observers.OnClosed != nil {
		w.cfg.Observers.OnClosed(reason)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
