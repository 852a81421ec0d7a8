package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fleetwarden/endpoint-agent/internal/clock"
	"github.com/fleetwarden/endpoint-agent/internal/config"
	"github.com/fleetwarden/endpoint-agent/internal/httpclient"
	"github.com/fleetwarden/endpoint-agent/internal/logging"
	"github.com/fleetwarden/endpoint-agent/internal/model"
	"github.com/fleetwarden/endpoint-agent/internal/state"
)

// cannedPrompt answers each prompt in order; the test fails if more
// answers are requested than provided.
func cannedPrompt(t *testing.T, answers ...string) PromptFunc {
	t.Helper()
	i := 0
	return func(label string) (string, error) {
		if i >= len(answers) {
			t.Fatalf("unexpected prompt %q, no answers left", label)
		}
		a := answers[i]
		i++
		return a, nil
	}
}

func testConfig(serverURL string) *config.Config {
	return &config.Config{ServerURL: serverURL, RequestTimeout: 5 * time.Second}
}

func TestConfigurePersistsSealedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/identify" {
			http.NotFound(w, r)
			return
		}
		var req httpclient.IdentifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode identify body: %v", err)
		}
		if req.AgentID == "" {
			t.Error("identify request missing agent_id")
		}
		if req.Position.RoomName != "server room" || req.Position.PosX != 1 || req.Position.PosY != 2 {
			t.Errorf("identify position = %+v", req.Position)
		}
		json.NewEncoder(w).Encode(httpclient.IdentifyResponse{Status: "success", AgentToken: "T0"})
	}))
	defer srv.Close()

	dir := t.TempDir()
	store := state.NewStore(dir)
	sealer := fakeSealer{}
	prompt := cannedPrompt(t, "server room", "1", "2")

	err := Configure(context.Background(), testConfig(srv.URL), store, sealer, clock.Real{}, logging.New(false), prompt)
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	cfg, err := store.Load()
	if err != nil {
		t.Fatalf("Load() after configure: %v", err)
	}
	if cfg.AgentID == "" {
		t.Error("persisted agent_id is empty")
	}
	plain, err := sealer.Unseal(cfg.SealedToken, []byte(cfg.AgentID))
	if err != nil {
		t.Fatalf("unseal persisted token: %v", err)
	}
	if plain != "T0" {
		t.Errorf("sealed token unseals to %q, want T0", plain)
	}
}

func TestConfigureHandlesMFAChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/agents/identify":
			json.NewEncoder(w).Encode(httpclient.IdentifyResponse{Status: "mfa_required"})
		case "/agents/verify_mfa":
			var req httpclient.VerifyMFARequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode verify_mfa body: %v", err)
			}
			if req.MFACode != "123456" {
				t.Errorf("mfa_code = %q, want 123456", req.MFACode)
			}
			json.NewEncoder(w).Encode(httpclient.IdentifyResponse{Status: "success", AgentToken: "T0"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := state.NewStore(t.TempDir())
	prompt := cannedPrompt(t, "lab", "0", "0", "123456")

	err := Configure(context.Background(), testConfig(srv.URL), store, fakeSealer{}, clock.Real{}, logging.New(false), prompt)
	if err != nil {
		t.Fatalf("Configure() with MFA error = %v", err)
	}
	if _, err := store.Load(); err != nil {
		t.Fatalf("Load() after MFA configure: %v", err)
	}
}

func TestConfigureRejectsNegativePosition(t *testing.T) {
	store := state.NewStore(t.TempDir())
	prompt := cannedPrompt(t, "lab", "-1", "0")

	err := Configure(context.Background(), testConfig("http://127.0.0.1:0"), store, fakeSealer{}, clock.Real{}, logging.New(false), prompt)
	if !errors.Is(err, ErrConfigurationFailed) {
		t.Errorf("Configure() error = %v, want ErrConfigurationFailed", err)
	}
	if _, loadErr := store.Load(); !errors.Is(loadErr, state.ErrConfigMissing) {
		t.Errorf("store should remain unconfigured, Load() = %v", loadErr)
	}
}

func TestConfigureRejectsServerRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(httpclient.IdentifyResponse{Status: "position_error", Message: "room unknown"})
	}))
	defer srv.Close()

	store := state.NewStore(t.TempDir())
	prompt := cannedPrompt(t, "nowhere", "3", "4")

	err := Configure(context.Background(), testConfig(srv.URL), store, fakeSealer{}, clock.Real{}, logging.New(false), prompt)
	if !errors.Is(err, ErrConfigurationFailed) {
		t.Errorf("Configure() error = %v, want ErrConfigurationFailed", err)
	}
}

func TestConfigureKeepsExistingAgentID(t *testing.T) {
	var seenAgentID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req httpclient.IdentifyRequest
		json.NewDecoder(r.Body).Decode(&req)
		seenAgentID = req.AgentID
		json.NewEncoder(w).Encode(httpclient.IdentifyResponse{Status: "success", AgentToken: "T1"})
	}))
	defer srv.Close()

	dir := t.TempDir()
	store := state.NewStore(dir)
	sealer := fakeSealer{}
	sealed, _ := sealer.Seal("T0", []byte("agent-keep"))
	if err := store.Save(state.RuntimeConfig{
		AgentID:     "agent-keep",
		SealedToken: sealed,
		Position:    model.Position{RoomName: "old room", PosX: 1, PosY: 1},
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	prompt := cannedPrompt(t, "lab", "5", "6")
	if err := Configure(context.Background(), testConfig(srv.URL), store, sealer, clock.Real{}, logging.New(false), prompt); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if seenAgentID != "agent-keep" {
		t.Errorf("re-configure sent agent_id %q, want the existing agent-keep", seenAgentID)
	}
}
