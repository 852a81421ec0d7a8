package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fleetwarden/endpoint-agent/internal/httpclient"
	"github.com/fleetwarden/endpoint-agent/internal/logging"
	"github.com/fleetwarden/endpoint-agent/internal/metrics"
	"github.com/fleetwarden/endpoint-agent/internal/state"
	"github.com/fleetwarden/endpoint-agent/internal/vault"
)

// ErrTokenRefreshMFARequired is returned by the refresh procedure when
// identify(force_renew=true) answers mfa_required: the agent has no way
// to complete an MFA challenge unattended, so the condition is surfaced
// for human attention instead of retried.
var ErrTokenRefreshMFARequired = errors.New("orchestrator: token refresh requires MFA")

// identifyFunc performs one identify(force_renew=true) round trip and
// returns the new plaintext bearer token. Supplied by the orchestrator so
// tokenManager itself stays free of HTTP/vault/position concerns.
type identifyFunc func(ctx context.Context) (string, error)

// tokenManager implements both httpclient.TokenSource and
// controlchannel.TokenSource, and serializes the refresh procedure:
// however many callers race into Refresh while one is already in
// flight, exactly one identify(force_renew=true) call is made and every
// caller observes its result. Refresh is reactive only: there is no
// timer driving it, only the httpclient 401 hook and the controlchannel
// auth:failed handler.
type tokenManager struct {
	current  atomic.Value // string
	identify identifyFunc
	log      *logging.Logger

	mu         sync.Mutex
	refreshing bool
	waiters    []chan refreshResult
}

type refreshResult struct {
	token string
	err   error
}

func newTokenManager(initial string, identify identifyFunc, log *logging.Logger) *tokenManager {
	t := &tokenManager{identify: identify, log: log}
	t.current.Store(initial)
	return t
}

// Token returns the last known-good bearer token without blocking.
func (t *tokenManager) Token() string {
	v, _ := t.current.Load().(string)
	return v
}

// Refresh triggers or joins the single in-flight identify(force_renew=true)
// call. Every concurrent caller, whether from an httpclient 401 or a
// controlchannel auth:failed, receives the same (token, err) pair.
func (t *tokenManager) Refresh(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.refreshing {
		ch := make(chan refreshResult, 1)
		t.waiters = append(t.waiters, ch)
		t.mu.Unlock()
		select {
		case r := <-ch:
			return r.token, r.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	t.refreshing = true
	t.mu.Unlock()

	token, err := t.identify(ctx)

	t.mu.Lock()
	waiters := t.waiters
	t.waiters = nil
	t.refreshing = false
	t.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "failure"
		t.log.Warn("token refresh failed", "error", err)
	} else {
		t.current.Store(token)
	}
	metrics.TokenRefreshTotal.WithLabelValues(outcome).Inc()

	result := refreshResult{token: token, err: err}
	for _, ch := range waiters {
		ch <- result
	}
	return token, err
}

// identifyAndSeal is the concrete identifyFunc wired into tokenManager by
// the orchestrator: call identify with force_renew, seal the new token,
// persist it via the single RuntimeConfig writer (write-temp-then-rename),
// and return the plaintext for immediate in-memory use.
func identifyAndSeal(ctx context.Context, ident *httpclient.Client, sealer vault.Sealer, store *state.Store, runtime *runtimeMirror) (string, error) {
	cfg := runtime.get()

	resp, err := ident.Identify(ctx, httpclient.IdentifyRequest{
		AgentID:    cfg.AgentID,
		Position:   cfg.Position,
		ForceRenew: true,
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: identify(force_renew) request: %w", err)
	}
	if resp.Status == "mfa_required" {
		// The server wants human enrolment again; the agent cannot answer
		// an MFA challenge on its own, so this surfaces for operator
		// attention rather than being retried.
		return "", fmt.Errorf("%w: %s", ErrTokenRefreshMFARequired, resp.Message)
	}
	if resp.Status != "success" || resp.AgentToken == "" {
		return "", fmt.Errorf("orchestrator: identify(force_renew) returned status %q: %s", resp.Status, resp.Message)
	}

	sealed, err := sealer.Seal(resp.AgentToken, []byte(cfg.AgentID))
	if err != nil {
		return "", fmt.Errorf("orchestrator: seal refreshed token: %w", err)
	}

	updated := cfg
	updated.SealedToken = sealed
	if err := store.Save(updated); err != nil {
		return "", fmt.Errorf("orchestrator: persist refreshed token: %w", err)
	}
	runtime.set(updated)

	return resp.AgentToken, nil
}

// runtimeMirror is the orchestrator's single in-memory copy of
// RuntimeConfig, guarded so the refresh path, the ignored-versions path,
// and reads from other goroutines never race on the struct.
type runtimeMirror struct {
	mu  sync.RWMutex
	cfg state.RuntimeConfig
}

func newRuntimeMirror(cfg state.RuntimeConfig) *runtimeMirror {
	return &runtimeMirror{cfg: cfg}
}

func (r *runtimeMirror) get() state.RuntimeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *runtimeMirror) set(cfg state.RuntimeConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// versionStore adapts runtimeMirror + the state.Store to update.VersionStore.
type versionStore struct {
	runtime *runtimeMirror
	store   *state.Store
}

func (v *versionStore) IsIgnored(version string) bool {
	return v.runtime.get().HasIgnoredVersion(version)
}

func (v *versionStore) Ignore(version string) error {
	v.runtime.mu.Lock()
	defer v.runtime.mu.Unlock()
	updated := v.runtime.cfg.WithIgnoredVersion(version)
	if err := v.store.Save(updated); err != nil {
		return err
	}
	v.runtime.cfg = updated
	return nil
}
