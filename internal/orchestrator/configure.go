package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/fleetwarden/endpoint-agent/internal/clock"
	"github.com/fleetwarden/endpoint-agent/internal/config"
	"github.com/fleetwarden/endpoint-agent/internal/httpclient"
	"github.com/fleetwarden/endpoint-agent/internal/logging"
	"github.com/fleetwarden/endpoint-agent/internal/model"
	"github.com/fleetwarden/endpoint-agent/internal/state"
	"github.com/fleetwarden/endpoint-agent/internal/vault"
)

// ErrConfigurationFailed wraps every non-recoverable failure of the
// configure flow (position rejected, server unreachable, vault sealing
// failed) so cmd/agent can surface one message and exit non-zero without
// inspecting the error's concrete type.
var ErrConfigurationFailed = errors.New("orchestrator: configuration failed")

// PromptFunc asks the operator a question and returns their answer. The
// default implementation (StdinPrompt, used by cmd/agent) reads stdin; tests substitute a
// canned sequence of answers.
type PromptFunc func(prompt string) (string, error)

// Configure implements the configure subcommand's flow: generate
// agent_id if this install has never been configured, collect the
// physical position, call identify, handle an MFA challenge if the
// server demands one, then seal and persist the resulting token. It
// never starts the control channel or command queue; those only run
// under the start subcommand.
func Configure(ctx context.Context, cfg *config.Config, store *state.Store, sealer vault.Sealer, clk clock.Clock, log *logging.Logger, prompt PromptFunc) error {
	existing, err := store.Load()
	agentID := ""
	switch {
	case err == nil:
		agentID = existing.AgentID
	case errors.Is(err, state.ErrConfigMissing):
		agentID = uuid.NewString()
	default:
		// Corrupt config: re-configuring overwrites it, but the operator
		// should still get a fresh agent_id rather than inherit garbage.
		agentID = uuid.NewString()
	}

	position, err := promptPosition(prompt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigurationFailed, err)
	}
	if !position.Valid() {
		return fmt.Errorf("%w: position must have pos_x >= 0 and pos_y >= 0", ErrConfigurationFailed)
	}

	httpc := httpclient.New(cfg.ServerURL, agentID, noopTokenSource{}, cfg.RequestTimeout, clk, log)

	resp, err := httpc.Identify(ctx, httpclient.IdentifyRequest{AgentID: agentID, Position: position})
	if err != nil {
		return fmt.Errorf("%w: server unreachable: %v", ErrConfigurationFailed, err)
	}

	switch resp.Status {
	case "success":
		// fall through to sealing below
	case "mfa_required":
		code, err := prompt("Enter the MFA code sent to your administrator: ")
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfigurationFailed, err)
		}
		resp, err = httpc.VerifyMFA(ctx, httpclient.VerifyMFARequest{AgentID: agentID, MFACode: strings.TrimSpace(code)})
		if err != nil {
			return fmt.Errorf("%w: verify_mfa request failed: %v", ErrConfigurationFailed, err)
		}
		if resp.Status != "success" {
			return fmt.Errorf("%w: mfa verification rejected: %s", ErrConfigurationFailed, resp.Message)
		}
	default:
		return fmt.Errorf("%w: server rejected identify: %s", ErrConfigurationFailed, resp.Message)
	}

	if resp.AgentToken == "" {
		return fmt.Errorf("%w: server returned no agent_token", ErrConfigurationFailed)
	}

	sealed, err := sealer.Seal(resp.AgentToken, []byte(agentID))
	if err != nil {
		return fmt.Errorf("%w: token protection failed: %v", ErrConfigurationFailed, err)
	}

	runtimeCfg := state.RuntimeConfig{
		AgentID:     agentID,
		SealedToken: sealed,
		Position:    position,
	}
	if err := store.Save(runtimeCfg); err != nil {
		return fmt.Errorf("%w: could not persist runtime config: %v", ErrConfigurationFailed, err)
	}

	log.Info("agent configured", "agent_id", agentID, "room", position.RoomName)
	return nil
}

// promptPosition collects a room name and X/Y coordinates interactively.
func promptPosition(prompt PromptFunc) (model.Position, error) {
	room, err := prompt("Room name: ")
	if err != nil {
		return model.Position{}, err
	}
	xStr, err := prompt("Position X: ")
	if err != nil {
		return model.Position{}, err
	}
	yStr, err := prompt("Position Y: ")
	if err != nil {
		return model.Position{}, err
	}

	x, err := strconv.Atoi(strings.TrimSpace(xStr))
	if err != nil {
		return model.Position{}, fmt.Errorf("position X must be an integer: %w", err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(yStr))
	if err != nil {
		return model.Position{}, fmt.Errorf("position Y must be an integer: %w", err)
	}

	return model.Position{RoomName: strings.TrimSpace(room), PosX: x, PosY: y}, nil
}

// StdinPrompt returns a PromptFunc that writes label to out and reads one
// line from in, used by cmd/agent's interactive configure mode.
func StdinPrompt(in io.Reader, out io.Writer) PromptFunc {
	reader := bufio.NewReader(in)
	return func(label string) (string, error) {
		if _, err := fmt.Fprint(out, label); err != nil {
			return "", err
		}
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}

// noopTokenSource satisfies httpclient.TokenSource for the configure
// flow's client, which never sends an Authorization header (identify and
// verify_mfa are both unauthenticated calls) and so never refreshes.
type noopTokenSource struct{}

func (noopTokenSource) Token() string { return "" }
func (noopTokenSource) Refresh(ctx context.Context) (string, error) {
	return "", fmt.Errorf("orchestrator: configure flow has no token to refresh")
}
