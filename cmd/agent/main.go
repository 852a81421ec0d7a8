// Command agent is the endpoint agent's process entry point, dispatching
// the start, configure, and stop subcommands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fleetwarden/endpoint-agent/internal/clock"
	"github.com/fleetwarden/endpoint-agent/internal/config"
	"github.com/fleetwarden/endpoint-agent/internal/logging"
	"github.com/fleetwarden/endpoint-agent/internal/metrics"
	"github.com/fleetwarden/endpoint-agent/internal/orchestrator"
	"github.com/fleetwarden/endpoint-agent/internal/singleinstance"
	"github.com/fleetwarden/endpoint-agent/internal/state"
	"github.com/fleetwarden/endpoint-agent/internal/vault"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

// Exit codes, stable and distinct; host service managers and install
// scripts key off them.
const (
	exitSuccess           = 0
	exitAlreadyRunning    = 10
	exitConfigIncomplete  = 20
	exitTokenUnsealFailed = 21
	exitServerAuthFailed  = 22
	exitFatalRuntimeError = 30
)

// lockName is the singleinstance lock's base filename. One agent process
// per data directory; distinct installs use distinct AGENT_DATA_DIR
// values and so never collide.
const lockName = "endpoint-agent"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	sub := "start"
	if len(os.Args) > 1 {
		sub = os.Args[1]
		os.Args = append(os.Args[:1], os.Args[2:]...)
	}

	cfg := config.Load()
	log := logging.New(cfg.LogJSON && sub != "configure")

	fmt.Println("endpoint-agent " + versionString())
	fmt.Println("=============================================")

	var err error
	switch sub {
	case "start":
		err = runStart(cfg, log)
	case "configure":
		err = runConfigure(cfg, log)
	case "stop":
		err = runStop(cfg, log)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (want start|configure|stop)\n", sub)
		os.Exit(exitFatalRuntimeError)
	}

	if err == nil {
		os.Exit(exitSuccess)
	}

	fmt.Fprintf(os.Stderr, "%v\n", err)
	os.Exit(exitCodeFor(err))
}

// exitCodeFor maps a failure to its documented exit code.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, singleinstance.ErrAlreadyHeld):
		return exitAlreadyRunning
	case errors.Is(err, state.ErrConfigMissing), errors.Is(err, state.ErrConfigCorrupt):
		return exitConfigIncomplete
	case errors.Is(err, vault.ErrUnsealFailed):
		return exitTokenUnsealFailed
	case errors.Is(err, orchestrator.ErrServerAuthFailed):
		return exitServerAuthFailed
	case errors.Is(err, orchestrator.ErrConfigurationFailed):
		return exitConfigIncomplete
	default:
		return exitFatalRuntimeError
	}
}

// runStart is the `start` subcommand: acquire the single-instance lock,
// load and unseal the runtime config, and run the orchestrator until a
// stop signal or a self-update hand-off.
func runStart(cfg *config.Config, log *logging.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	guard := singleinstance.New(cfg.DataDir, lockName)
	if err := guard.Acquire(); err != nil {
		if errors.Is(err, singleinstance.ErrAlreadyHeld) {
			return fmt.Errorf("%w: another agent process is already running", err)
		}
		return fmt.Errorf("failed to acquire single-instance lock: %w", err)
	}
	defer guard.Release()

	sealer := vault.New(vault.MachineID{})
	store := state.NewStore(cfg.DataDir)

	orch, err := orchestrator.New(orchestrator.Deps{
		Cfg:     cfg,
		Store:   store,
		Sealer:  sealer,
		Clock:   clock.Real{},
		Log:     log,
		Version: versionString(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.MetricsEnabled {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				log.Warn("metrics listener exited", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	log.Info("agent starting", "version", versionString(), "server", cfg.ServerURL)
	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("agent exited with error: %w", err)
	}
	log.Info("agent shutdown complete")
	return nil
}

// runConfigure is the `configure` subcommand: interactively collect
// identity + position, enrol with the server (including MFA if
// demanded), and persist the sealed token.
func runConfigure(cfg *config.Config, log *logging.Logger) error {
	store := state.NewStore(cfg.DataDir)
	sealer := vault.New(vault.MachineID{})
	prompt := orchestrator.StdinPrompt(os.Stdin, os.Stdout)

	ctx, cancel := signalContext()
	defer cancel()

	if err := orchestrator.Configure(ctx, cfg, store, sealer, clock.Real{}, log, prompt); err != nil {
		return err
	}
	fmt.Println("Configuration complete.")
	return nil
}

// runStop sends a graceful shutdown signal to a running instance by
// reading the pid recorded in the single-instance lock file (per
// singleinstance.Guard's world-readable-pid contract) and signalling it
// directly, since this agent has no separate host service manager client.
func runStop(cfg *config.Config, log *logging.Logger) error {
	lockPath := filepath.Join(cfg.DataDir, lockName+".lock")
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return fmt.Errorf("no running agent found: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("lock file does not contain a valid pid: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	log.Info("stop signal sent", "pid", pid)
	fmt.Printf("Sent graceful shutdown signal to pid %d.\n", pid)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}
