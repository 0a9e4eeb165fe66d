// Package supervisor implements the Supervisor Loop (spec section 4.1): the
// single-thread scheduler that bootstraps one Agent Runtime (instruction
// sync, EngineProvider/AgentProfile resolution, Session Poller liveness)
// and then multiplexes heartbeat and recurring-task scheduling over two
// wall-clock deadlines. Grounded on misty-step-bitterblossom's
// functional-options Supervisor (WithClock/WithSignalChannel, RunState exit
// mapping) and the due-scheduling "minimum next due" timer skeleton of the
// cron-style heartbeat runner in the same pack.
package supervisor

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentmc/runtime-supervisor/internal/dynjson"
	"github.com/agentmc/runtime-supervisor/internal/enginegateway"
	"github.com/agentmc/runtime-supervisor/internal/engineprovider"
	"github.com/agentmc/runtime-supervisor/internal/errsink"
	"github.com/agentmc/runtime-supervisor/internal/filematerializer"
	"github.com/agentmc/runtime-supervisor/internal/hostinfo"
	"github.com/agentmc/runtime-supervisor/internal/hubclient"
	"github.com/agentmc/runtime-supervisor/internal/instructionsync"
	"github.com/agentmc/runtime-supervisor/internal/profile"
	"github.com/agentmc/runtime-supervisor/internal/recurring"
	"github.com/agentmc/runtime-supervisor/internal/sessionhistory"
	"github.com/agentmc/runtime-supervisor/internal/sessionpoller"
	"github.com/agentmc/runtime-supervisor/internal/sessionworker"
	"github.com/agentmc/runtime-supervisor/internal/state"
	"github.com/agentmc/runtime-supervisor/internal/transport"
)

const minTickSleep = 250 * time.Millisecond

// RunState reports why an Agent Runtime's Run returned.
type RunState string

const (
	RunStateStopped RunState = "stopped"
	RunStateFatal   RunState = "fatal"
)

// RunResult is returned when Run exits.
type RunResult struct {
	State RunState
	Err   error
}

// ExitCode maps a RunResult to a process exit status, mirroring the
// teacher's RunResult.ExitCode convention.
func (r RunResult) ExitCode() int {
	if r.State == RunStateStopped {
		return 0
	}
	return 1
}

// Clock abstracts time for tests (spec-neutral; mirrors WithClock).
type Clock func() time.Time

// Config bundles everything one Agent Runtime needs to boot and run.
type Config struct {
	AgentID          int
	HubBaseURL       string
	Token            string
	WorkspaceDir     string
	StatePath        string
	RuntimeName      string
	RuntimeVersion   string
	RuntimeBuild     string
	BridgeApp        string
	BridgeSource     string
	IntentScope      string
	PublicIPOverride string

	EngineProviderCfg engineprovider.Config

	IdentityOverrides profile.Overrides
	ConfiguredToken   string
	ConfiguredConfig  string

	RecurringPollInterval time.Duration
	SessionPollInterval   time.Duration
	ErrorSinkFlush        time.Duration

	Clock Clock

	// ForwardReadNotifications and NotificationAllowList configure the
	// per-session notification bridge (spec §4.3.6).
	ForwardReadNotifications bool
	NotificationAllowList    []string

	// AllowedManagedDocs configures the file.save/file.delete allow-list
	// (spec §4.3.7); nil/empty means no doc_id is permitted.
	AllowedManagedDocs []string
}

func (c Config) clock() Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return time.Now
}

// AgentRuntime owns one credential's full Supervisor Loop: instruction
// sync, heartbeat, recurring-task polling, and Session Poller lifecycle.
type AgentRuntime struct {
	cfg Config

	hub          *hubclient.Client
	errSink      *errsink.Reporter
	store        *state.Store
	materializer *filematerializer.Materializer
	history      *sessionhistory.Reader

	engine  engineprovider.Provider
	gateway *enginegateway.Gateway
	ident   profile.Profile

	syncer    *instructionsync.Syncer
	recur     *recurring.Executor
	poller    *sessionpoller.Poller
	hostCol   *hostinfo.Collector
	workersMu sync.Mutex
	workers   map[string]context.CancelFunc

	pollerMu     sync.Mutex
	pollerCancel context.CancelFunc

	stopCh chan struct{}
}

// New constructs an AgentRuntime; call Run to bootstrap and drive it.
func New(cfg Config) *AgentRuntime {
	hub := hubclient.New(cfg.HubBaseURL, cfg.Token)
	return &AgentRuntime{
		cfg:     cfg,
		hub:     hub,
		errSink: errsink.New(cfg.HubBaseURL, cfg.AgentID, cfg.Token, errsink.Config{FlushInterval: cfg.ErrorSinkFlush}),
		store:   state.New(cfg.StatePath),
		hostCol: hostinfo.NewCollector(hostinfo.CollectorConfig{PublicIPOverride: cfg.PublicIPOverride}),
		workers: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Stop requests a graceful drain; Run returns after the current tick, once it
// has stopped the Session Poller and canceled every in-flight worker. It does
// not wait for the worker goroutines to exit.
func (rt *AgentRuntime) Stop() {
	select {
	case <-rt.stopCh:
	default:
		close(rt.stopCh)
	}
}

// Run implements spec §4.1's per-agent protocol end to end.
func (rt *AgentRuntime) Run(ctx context.Context) RunResult {
	rt.errSink.Start()
	defer rt.errSink.Shutdown()

	rt.materializer = filematerializer.New(rt.cfg.WorkspaceDir)
	rt.history = sessionhistory.New(rt.cfg.WorkspaceDir + "/.openclaw/sessions.json")

	rt.syncer = &instructionsync.Syncer{Hub: rt.hub, Materializer: rt.materializer, State: rt.store}

	result, err := rt.syncer.Sync(ctx)
	if err != nil {
		return RunResult{State: RunStateFatal, Err: fmt.Errorf("supervisor: initial instruction sync: %w", err)}
	}
	if result.HeartbeatIntervalSeconds <= 0 {
		return RunResult{State: RunStateFatal, Err: fmt.Errorf("supervisor: missing heartbeat_interval_seconds from instruction sync")}
	}
	if result.AgentID > 0 {
		rt.cfg.AgentID = result.AgentID
	}
	heartbeatInterval := time.Duration(result.HeartbeatIntervalSeconds) * time.Second

	provider, err := engineprovider.Resolve(ctx, rt.cfg.EngineProviderCfg)
	if err != nil {
		return RunResult{State: RunStateFatal, Err: fmt.Errorf("supervisor: resolve engine provider: %w", err)}
	}
	rt.engine = provider
	if provider.Kind == engineprovider.KindEmbedded {
		rt.gateway = enginegateway.New(enginegateway.Config{Command: provider.CLIPath, Args: []string{"gateway", "serve"}})
	}

	rt.ident = profile.Resolve(ctx, profile.Config{
		AgentID:              rt.cfg.AgentID,
		WorkspaceDir:         rt.cfg.WorkspaceDir,
		ProviderName:         provider.Name,
		ConfiguredAgentToken: rt.cfg.ConfiguredToken,
		ConfiguredConfigPath: rt.cfg.ConfiguredConfig,
		SessionsFileDir:      rt.cfg.WorkspaceDir,
		Overrides:            rt.cfg.IdentityOverrides,
		Discover:             profile.NewCLIDiscoverer(provider.CLIPath),
	})

	rt.recur = recurring.New(recurring.Config{
		Hub:              rt.hub,
		Gateway:          rt.gateway,
		ExternalRun:      provider.Run,
		AgentID:          rt.cfg.AgentID,
		EngineAgentToken: rt.ident.Name,
	})

	rt.poller = sessionpoller.New(sessionpoller.Config{
		Hub:          rt.hub,
		Spawn:        rt.spawnWorker,
		PollInterval: rt.cfg.SessionPollInterval,
		ErrorSink:    rt.errSink,
	})

	rt.startSessionPoller(ctx)

	if err := rt.sendHeartbeat(ctx); err != nil {
		rt.errSink.Error(err, "supervisor.startup_heartbeat", nil)
	}

	now := rt.cfg.clock()
	nextHeartbeatAt := now().Add(heartbeatInterval)
	nextRecurringAt := now().Add(rt.recurringPollInterval())

	for {
		select {
		case <-ctx.Done():
			rt.stopSessionPoller()
			rt.drainWorkers()
			return RunResult{State: RunStateStopped, Err: ctx.Err()}
		case <-rt.stopCh:
			rt.stopSessionPoller()
			rt.drainWorkers()
			return RunResult{State: RunStateStopped}
		default:
		}

		current := now()

		if !current.Before(nextRecurringAt) {
			rt.tickRecurring(ctx)
			nextRecurringAt = current.Add(rt.recurringPollInterval())
		}

		if !current.Before(nextHeartbeatAt) {
			rt.tickInstructionSyncAndHeartbeat(ctx, &heartbeatInterval)
			nextHeartbeatAt = current.Add(heartbeatInterval)
		}

		sleep := minDuration(nextHeartbeatAt.Sub(current), nextRecurringAt.Sub(current))
		if sleep < minTickSleep {
			sleep = minTickSleep
		}

		select {
		case <-ctx.Done():
			rt.stopSessionPoller()
			rt.drainWorkers()
			return RunResult{State: RunStateStopped, Err: ctx.Err()}
		case <-rt.stopCh:
			rt.stopSessionPoller()
			rt.drainWorkers()
			return RunResult{State: RunStateStopped}
		case <-time.After(sleep):
		}
	}
}

// startSessionPoller launches the Session Poller under a fresh cancelable
// context tracked on the runtime, so a later restart or final drain can
// stop exactly the running instance.
func (rt *AgentRuntime) startSessionPoller(parent context.Context) {
	pollerCtx, cancel := context.WithCancel(parent)
	rt.pollerMu.Lock()
	rt.pollerCancel = cancel
	rt.pollerMu.Unlock()
	go rt.poller.Run(pollerCtx)
}

func (rt *AgentRuntime) stopSessionPoller() {
	rt.pollerMu.Lock()
	cancel := rt.pollerCancel
	rt.pollerMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (rt *AgentRuntime) recurringPollInterval() time.Duration {
	if rt.cfg.RecurringPollInterval > 0 {
		return rt.cfg.RecurringPollInterval
	}
	return 30 * time.Second
}

// tickRecurring runs one recurring-task poll, wrapped in the error barrier
// every scheduled action gets (spec §4.1, "exceptions are reported via the
// error sink and never kill the loop").
func (rt *AgentRuntime) tickRecurring(ctx context.Context) {
	defer rt.recoverInto("supervisor.recurring_tick")
	if err := rt.recur.Tick(ctx); err != nil {
		rt.errSink.Warn(err.Error(), "supervisor.recurring_tick", nil)
	}
}

// tickInstructionSyncAndHeartbeat runs one instruction sync; if the bundle
// changed, it restarts the Session Poller (drain, stop, start) before
// building and sending the heartbeat, per spec §4.1 step 5.
func (rt *AgentRuntime) tickInstructionSyncAndHeartbeat(ctx context.Context, heartbeatInterval *time.Duration) {
	defer rt.recoverInto("supervisor.heartbeat_tick")

	result, err := rt.syncer.Sync(ctx)
	if err != nil {
		rt.errSink.Warn(err.Error(), "supervisor.instruction_sync", nil)
	} else if result.Changed {
		// Restart Session Poller (drain + stop + start) per spec §4.1 step 5.
		rt.stopSessionPoller()
		rt.startSessionPoller(ctx)
		if result.HeartbeatIntervalSeconds > 0 {
			*heartbeatInterval = time.Duration(result.HeartbeatIntervalSeconds) * time.Second
		}
	}

	if err := rt.sendHeartbeat(ctx); err != nil {
		rt.errSink.Error(err, "supervisor.heartbeat", nil)
	}
}

func (rt *AgentRuntime) recoverInto(source string) {
	if r := recover(); r != nil {
		rt.errSink.Error(fmt.Errorf("panic: %v", r), source, nil)
	}
}

func (rt *AgentRuntime) sendHeartbeat(ctx context.Context) error {
	host, err := rt.hostCol.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collect host info: %w", err)
	}

	report := heartbeatBuild(ctx, rt, host)
	result := rt.hub.Heartbeat(ctx, report)
	if !result.Ok() {
		return fmt.Errorf("heartbeat failed: status=%d err=%v", result.Status, result.Err)
	}
	_, err = rt.store.Patch(func(rs *state.RuntimeState) {
		now := state.NowISO8601(time.Now())
		rs.LastHeartbeatAt = &now
	})
	return err
}

// spawnWorker implements sessionpoller.SpawnFunc: claim the session, open
// its signed realtime channel (best-effort), and run a Session Worker until
// it closes or the context is canceled.
func (rt *AgentRuntime) spawnWorker(ctx context.Context, sessionID string) {
	workerCtx, cancel := context.WithCancel(ctx)
	rt.workersMu.Lock()
	rt.workers[sessionID] = cancel
	rt.workersMu.Unlock()

	go func() {
		defer func() {
			rt.workersMu.Lock()
			delete(rt.workers, sessionID)
			rt.workersMu.Unlock()
			cancel()
		}()
		defer rt.recoverInto("supervisor.session_worker")

		claim := rt.hub.ClaimSession(workerCtx, sessionID)
		if !claim.Ok() {
			rt.errSink.Warn(fmt.Sprintf("claim session %s failed: status=%d", sessionID, claim.Status), "supervisor.claim_session", nil)
			rt.poller.Forget(sessionID)
			return
		}

		var workerRef atomic.Pointer[sessionworker.Worker]

		var realtime *transport.Transport
		if tr, err := rt.buildTransport(workerCtx, sessionID, claim.Data, &workerRef); err == nil {
			realtime = tr
		} else {
			rt.errSink.Warn(fmt.Sprintf("session %s: realtime unavailable: %v", sessionID, err), "supervisor.transport", nil)
		}

		worker := sessionworker.New(sessionworker.Config{
			SessionID: sessionID,
			Hub:       rt.hub,
			Transport: realtime,
			Chat: sessionworker.ChatEngine{
				ExternalRun:      rt.engine.Run,
				Gateway:          rt.gateway,
				History:          rt.history,
				EngineAgentToken: rt.ident.Name,
			},
			FileOps: sessionworker.FileOpsConfig{
				Materializer: rt.materializer,
				AllowedDocs:  toSet(rt.cfg.AllowedManagedDocs),
			},
			Notify: sessionworker.NotificationBridgeConfig{
				ForwardReadNotifications: rt.cfg.ForwardReadNotifications,
				AllowedTypes:             toSet(rt.cfg.NotificationAllowList),
			},
			BridgeApp:    rt.cfg.BridgeApp,
			BridgeSource: rt.cfg.BridgeSource,
			IntentScope:  rt.cfg.IntentScope,
			Observers: sessionworker.Observers{
				OnClosed: func(reason string) {
					rt.poller.Forget(sessionID)
				},
			},
		})

		if realtime != nil {
			// The transport may already be dialing (Ready() blocked on the
			// first connect inside buildTransport, before this worker
			// existed); register it now and fire the initial snapshot
			// ourselves since that first connected transition never reached
			// a worker's callbacks.
			workerRef.Store(worker)
			worker.AnnounceReady()
		}

		worker.Run(workerCtx)
		rt.poller.Forget(sessionID)
	}()
}

// buildTransport turns a claimed session's socket descriptor into a dialed
// Transport. The exact Pusher-style subscribe handshake (socket_id exchange
// over an open connection) is collapsed into a single signed URL built from
// authenticateSocket's auth token plus the socket fields the Hub returns, so
// the transport layer only ever needs to dial and read frames (see
// DESIGN.md's resolution of this Open Question).
func (rt *AgentRuntime) buildTransport(ctx context.Context, sessionID string, session dynjson.Value, workerRef *atomic.Pointer[sessionworker.Worker]) (*transport.Transport, error) {
	socket := session.Get("socket")
	if socket.IsNull() {
		return nil, fmt.Errorf("session carries no socket descriptor")
	}
	channel, _ := socket.Get("channel").AsText()
	host, _ := socket.Get("host").AsText()
	scheme, _ := socket.Get("scheme").AsText()
	path, _ := socket.Get("path").AsText()
	key, _ := socket.Get("key").AsText()
	port, _ := socket.Get("port").AsInt()
	cluster, _ := socket.Get("cluster").AsText()
	if channel == "" || host == "" || key == "" {
		return nil, fmt.Errorf("session socket descriptor incomplete")
	}

	socketID := uuid.NewString()
	auth := rt.hub.AuthenticateSocket(ctx, socketID, channel)
	if !auth.Ok() {
		return nil, fmt.Errorf("authenticateSocket failed: status=%d", auth.Status)
	}
	authToken, _ := auth.Data.Get("auth").AsText()

	wsScheme := "ws"
	if scheme == "https" {
		wsScheme = "wss"
	}
	hostPort := host
	if port > 0 {
		hostPort = fmt.Sprintf("%s:%d", host, port)
	}

	q := url.Values{}
	q.Set("channel_name", channel)
	q.Set("socket_id", socketID)
	q.Set("auth", authToken)
	if cluster != "" {
		q.Set("cluster", cluster)
	}
	wsURL := fmt.Sprintf("%s://%s%s/app/%s?%s", wsScheme, hostPort, path, key, q.Encode())

	callbacks := transport.Callbacks{
		OnStateChange: func(s transport.State) {
			if w := workerRef.Load(); w != nil {
				w.HandleTransportState(s)
			}
		},
		OnFrame: func(frame transport.Frame) {
			if w := workerRef.Load(); w != nil {
				w.HandleFrame(frame)
			}
		},
		OnReconnected: func() {
			if w := workerRef.Load(); w != nil {
				w.HandleReconnect()
			}
		},
	}

	tr := transport.New(transport.Config{URL: wsURL}, callbacks)
	go tr.Run(ctx)
	if err := tr.Ready(ctx); err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return tr, nil
}

func (rt *AgentRuntime) drainWorkers() {
	rt.workersMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(rt.workers))
	for _, c := range rt.workers {
		cancels = append(cancels, c)
	}
	rt.workersMu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
