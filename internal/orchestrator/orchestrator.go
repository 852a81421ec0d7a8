// Package orchestrator owns the agent's lifecycle state machine: it
// composes the control channel, command queue, telemetry sampler,
// update engine, and error reporter, and drives every Initializing ->
// Connecting -> Connected <-> Disconnected -> Stopping -> Stopped
// transition (with Updating/Error branches reachable from any state).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fleetwarden/endpoint-agent/internal/clock"
	"github.com/fleetwarden/endpoint-agent/internal/commandqueue"
	"github.com/fleetwarden/endpoint-agent/internal/config"
	"github.com/fleetwarden/endpoint-agent/internal/controlchannel"
	"github.com/fleetwarden/endpoint-agent/internal/errorreporter"
	"github.com/fleetwarden/endpoint-agent/internal/httpclient"
	"github.com/fleetwarden/endpoint-agent/internal/logging"
	"github.com/fleetwarden/endpoint-agent/internal/model"
	"github.com/fleetwarden/endpoint-agent/internal/state"
	"github.com/fleetwarden/endpoint-agent/internal/telemetry"
	"github.com/fleetwarden/endpoint-agent/internal/update"
	"github.com/fleetwarden/endpoint-agent/internal/vault"
)

// ErrServerAuthFailed marks a session that ended because the server
// rejected the agent's credentials and a refresh could not recover;
// cmd/agent maps it onto the documented exit code. New and Run return
// state.ErrConfigMissing/ErrConfigCorrupt and vault.ErrUnsealFailed
// wrapped, so errors.Is reaches those for the remaining exit codes.
var ErrServerAuthFailed = errors.New("orchestrator: server authentication failed")

// Deps bundles every externally-constructed dependency the Orchestrator
// composes; too many same-typed arguments to risk a positional
// constructor.
type Deps struct {
	Cfg     *config.Config
	Store   *state.Store
	Sealer  vault.Sealer
	Clock   clock.Clock
	Log     *logging.Logger
	Version string
}

// Orchestrator is the sole owner of the agent's lifecycle state and the
// single writer of every composed subsystem's lifetime.
type Orchestrator struct {
	cfg     *config.Config
	store   *state.Store
	sealer  vault.Sealer
	log     *logging.Logger
	version string

	runtime *runtimeMirror
	tokens  *tokenManager

	http    *httpclient.Client
	cc      *controlchannel.Client
	queue   *commandqueue.Queue
	spool   *commandqueue.Spool
	sampler *telemetry.Sampler
	hwProbe telemetry.HardwareProbe
	updater *update.Engine
	errs    *errorreporter.Reporter

	state atomic.Value // model.AgentState

	mu           sync.Mutex
	telCancel    context.CancelFunc
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	shutdownWhy  string
	shutdownErr  error
}

// New loads the persisted RuntimeConfig and unseals its token, then wires
// every subsystem together. It returns state.ErrConfigMissing/
// ErrConfigCorrupt or vault.ErrUnsealFailed verbatim (wrapped) so callers
// can map them onto the documented exit codes without string matching.
func New(d Deps) (*Orchestrator, error) {
	runtimeCfg, err := d.Store.Load()
	if err != nil {
		return nil, err
	}

	plaintext, err := d.Sealer.Unseal(runtimeCfg.SealedToken, []byte(runtimeCfg.AgentID))
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:        d.Cfg,
		store:      d.Store,
		sealer:     d.Sealer,
		log:        d.Log,
		version:    d.Version,
		runtime:    newRuntimeMirror(runtimeCfg),
		shutdownCh: make(chan struct{}),
	}
	o.state.Store(model.StateInitializing)

	o.tokens = newTokenManager(plaintext, o.identify, d.Log.Component("tokens"))

	o.http = httpclient.New(d.Cfg.ServerURL, runtimeCfg.AgentID, o.tokens, d.Cfg.RequestTimeout, d.Clock, d.Log.Component("httpclient"))

	handlers := controlchannel.Handlers{
		OnCommand:     o.onCommand,
		OnNewVersion:  o.onNewVersion,
		OnAuthSuccess: o.onAuthSuccess,
		OnAuthFailed:  o.onAuthFailed,
	}
	o.cc = controlchannel.New(channelURL(d.Cfg.ServerURL), runtimeCfg.AgentID, o.tokens, handlers, d.Cfg.ReconnectDelayInitial, d.Cfg.ReconnectDelayMax, d.Clock, d.Log.Component("controlchannel"))

	spool, err := commandqueue.NewSpool(d.Cfg.DataDir, d.Log.Component("spool"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open spool: %w", err)
	}
	o.spool = spool

	o.queue = commandqueue.New(d.Cfg.MaxQueueSize, d.Cfg.MaxParallelCommands, d.Cfg.CommandTimeout, d.Cfg.ShutdownGrace, commandqueue.DefaultHandlers(), o, d.Log.Component("commandqueue"))

	o.hwProbe = telemetry.NewHardwareProbe(d.Cfg.InstallDir)
	o.sampler = telemetry.New(d.Cfg.StatusReportInterval, telemetry.NewResourceSampler(d.Cfg.InstallDir), o, d.Log.Component("telemetry"))

	o.errs = errorreporter.New(o.http, d.Clock, d.Log.Component("errorreporter"))

	versions := &versionStore{runtime: o.runtime, store: d.Store}
	updater, err := update.New(d.Cfg.DataDir, d.Version, update.DefaultUpdaterExeName(), d.Cfg.ServerURL, o.http, versions, o, o.errs, o, d.Cfg.ServiceWaitTimeout, d.Cfg.WatchdogPeriod, d.Log.Component("update"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build update engine: %w", err)
	}
	o.updater = updater

	return o, nil
}

// channelURL derives the control channel's websocket endpoint from the
// configured REST base URL, swapping http(s) for ws(s) the same way the
// controlchannel package's own tests do against httptest servers.
func channelURL(serverURL string) string {
	url := serverURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return strings.TrimSuffix(url, "/") + "/agents/channel"
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() model.AgentState {
	s, _ := o.state.Load().(model.AgentState)
	return s
}

func (o *Orchestrator) setState(s model.AgentState) {
	o.state.Store(s)
	o.log.Info("state transition", "state", s)
}

// Run is the start subcommand's main loop. It blocks until ctx is
// cancelled (external stop signal) or the update engine requests a
// shutdown to hand off to the external updater, then stops every
// subsystem and returns. A nil return always means a clean stop; fatal
// conditions are reported via the error return so cmd/agent can map them
// onto the documented non-zero exit codes.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.setState(model.StateConnecting)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); o.cc.Run(runCtx, o.onDisconnect) }()
	go func() { defer wg.Done(); o.queue.Run(runCtx) }()

	if o.cfg.AutoUpdateEnabled() {
		wg.Add(1)
		go func() { defer wg.Done(); o.updater.Run(runCtx, o.cfg.NextUpdateCheckInterval) }()
	}

	select {
	case <-ctx.Done():
		o.setState(model.StateStopping)
	case <-o.shutdownCh:
		o.setState(model.StateStopping)
		o.log.Info("shutdown requested", "reason", o.shutdownWhy)
	}

	cancel()
	wg.Wait()
	o.setState(model.StateStopped)
	return o.shutdownErr
}

// RequestShutdown implements update.ShutdownRequester: the update engine
// has launched the external updater and the process must exit so it can
// replace the installed binaries. This hand-off is a clean exit, so no
// error is recorded for Run to return.
func (o *Orchestrator) RequestShutdown(reason string) {
	o.setState(model.StateUpdating)
	o.requestStop(reason, nil)
}

// requestStop closes the shutdown broadcast exactly once, recording the
// reason and the error (if any) that Run should return so cmd/agent can
// map it onto the documented exit codes.
func (o *Orchestrator) requestStop(reason string, err error) {
	o.shutdownOnce.Do(func() {
		o.shutdownWhy = reason
		o.shutdownErr = err
		close(o.shutdownCh)
	})
}

// onCommand implements controlchannel.Handlers.OnCommand.
func (o *Orchestrator) onCommand(cmd model.Command) {
	if err := o.queue.TryEnqueue(cmd); err != nil {
		o.log.Warn("command rejected", "command_id", cmd.CommandID, "error", err)
	}
}

// onNewVersion implements controlchannel.Handlers.OnNewVersion.
func (o *Orchestrator) onNewVersion(desc model.UpdateDescriptor) {
	o.updater.Offer(context.Background(), desc)
}

// onAuthSuccess implements controlchannel.Handlers.OnAuthSuccess, firing
// the on-entry-to-Connected actions: publish hardware inventory once per
// session, start telemetry sampling, run one update check if auto-update
// is enabled, and drain the offline spool.
func (o *Orchestrator) onAuthSuccess() {
	o.setState(model.StateConnected)
	ctx := context.Background()

	go o.publishHardware(ctx)

	samplerCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if o.telCancel != nil {
		o.telCancel()
	}
	o.telCancel = cancel
	o.mu.Unlock()
	go o.sampler.Run(samplerCtx)

	if o.cfg.AutoUpdateEnabled() {
		go o.updater.CheckNow(ctx)
	}

	go o.drainSpool()
}

// onDisconnect implements the control channel's onDisconnect callback,
// invoked every time a session ends. Telemetry sampling stops while
// Disconnected; command execution and spooling continue unaffected.
func (o *Orchestrator) onDisconnect() {
	if o.State() == model.StateStopping || o.State() == model.StateUpdating {
		return
	}
	o.setState(model.StateDisconnected)
	o.mu.Lock()
	if o.telCancel != nil {
		o.telCancel()
		o.telCancel = nil
	}
	o.mu.Unlock()
}

// onAuthFailed implements controlchannel.Handlers.OnAuthFailed: attempt
// exactly one token refresh. If the refresh succeeds the control
// channel's own reconnect loop picks up the new token on its next
// attempt; if it fails, the agent cannot recover without a re-configure
// and shuts down with a reportable error.
func (o *Orchestrator) onAuthFailed(reason string) {
	o.setState(model.StateError)
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RequestTimeout)
	defer cancel()

	if _, err := o.tokens.Refresh(ctx); err != nil {
		o.log.Error("token refresh after auth failure did not recover", "reason", reason, "error", err)
		errType := model.ErrTypeServerAuthFailed
		if errors.Is(err, ErrTokenRefreshMFARequired) {
			errType = model.ErrTypeTokenRefreshMfaReq
		}
		o.errs.Report(ctx, errType, reason, "", "")
		o.requestStop(reason, fmt.Errorf("%w: %s", ErrServerAuthFailed, reason))
		return
	}
	o.setState(model.StateConnecting)
}

// publishHardware POSTs the one-shot hardware inventory, best-effort: a
// failure is logged, not retried within the session (the next
// reconnect's onAuthSuccess will try again).
func (o *Orchestrator) publishHardware(ctx context.Context) {
	inv, err := o.hwProbe.Probe(ctx)
	if err != nil {
		o.log.Warn("hardware probe failed", "error", err)
		return
	}
	if err := o.http.ReportHardware(ctx, inv); err != nil {
		o.log.Warn("report hardware failed", "error", err)
	}
}

// drainSpool flushes every offline command result accumulated while
// disconnected, in FIFO order. Delivery is at-least-once: an entry that
// fails to send stays spooled for the next reconnect.
func (o *Orchestrator) drainSpool() {
	err := o.spool.Drain(func(r model.CommandResult) error {
		return o.cc.Emit(controlchannel.EventCommandResult, r)
	})
	if err != nil {
		o.log.Warn("spool drain failed", "error", err)
	}
}

// Deliver implements commandqueue.Deliverer: send online if connected,
// otherwise append to the offline spool. If the spool append also fails,
// the failure is logged and the result is not kept.
func (o *Orchestrator) Deliver(result model.CommandResult) {
	if o.cc.IsConnected() {
		if err := o.cc.Emit(controlchannel.EventCommandResult, result); err == nil {
			return
		}
	}
	if err := o.spool.Append(result); err != nil {
		o.log.Error("failed to spool command result", "command_id", result.CommandID, "error", err)
	}
}

// EmitStatusUpdate implements telemetry.Emitter.
func (o *Orchestrator) EmitStatusUpdate(sample model.ResourceSample) error {
	return o.cc.Emit(controlchannel.EventStatusUpdate, sample)
}

// EmitUpdateStatus implements update.StatusEmitter.
func (o *Orchestrator) EmitUpdateStatus(status, targetVersion, message string) {
	_ = o.cc.Emit(controlchannel.EventUpdateStatus, controlchannel.UpdateStatusPayload{
		Status:        status,
		TargetVersion: targetVersion,
		Message:       message,
	})
}

// identify is the tokenManager's bound identifyFunc: one
// identify(force_renew=true) round trip, sealed and persisted atomically
// before the new plaintext token is returned for in-memory use.
func (o *Orchestrator) identify(ctx context.Context) (string, error) {
	return identifyAndSeal(ctx, o.http, o.sealer, o.store, o.runtime)
}
