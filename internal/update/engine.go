// Package update implements the self-update engine: version discovery,
// download, checksum verification, staged extraction, manifest
// verification, and hand-off to the external updater executable that
// replaces the installed binaries after this process exits.
package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fleetwarden/endpoint-agent/internal/httpclient"
	"github.com/fleetwarden/endpoint-agent/internal/logging"
	"github.com/fleetwarden/endpoint-agent/internal/metrics"
	"github.com/fleetwarden/endpoint-agent/internal/model"
)

// DefaultUpdaterExeName returns the platform-appropriate executable name
// expected at <extracted>/Updater/.
func DefaultUpdaterExeName() string {
	if runtime.GOOS == "windows" {
		return "updater.exe"
	}
	return "updater"
}

// Checker polls for a candidate release and downloads its package.
// Inbound agent:new_version_available events reach the engine through
// Offer instead. Implemented by httpclient.Client.
type Checker interface {
	CheckForUpdates(ctx context.Context, currentVersion string) (httpclient.UpdateCheckResponse, error)
	Download(ctx context.Context, filename, destPath string) error
}

// VersionStore tracks the ignored-version set (backed by
// internal/state.Store's RuntimeConfig, mutated through the
// orchestrator's single-writer discipline).
type VersionStore interface {
	IsIgnored(version string) bool
	Ignore(version string) error
}

// StatusEmitter sends the best-effort agent:update_status event emitted
// just before the hand-off shutdown.
type StatusEmitter interface {
	EmitUpdateStatus(status, targetVersion, message string)
}

// ErrorReporter posts the structured error taxonomy entries for update
// failures.
type ErrorReporter interface {
	ReportUpdateError(ctx context.Context, errType, message, targetVersion string)
}

// ShutdownRequester is invoked once the updater has been launched and
// the agent must exit so the updater can replace its binaries. An
// explicit message keeps the engine from holding a reference back into
// the orchestrator.
type ShutdownRequester interface {
	RequestShutdown(reason string)
}

// Engine drives the discovery -> download -> verify -> extract -> verify
// manifest -> hand-off pipeline. At most one update
// attempt runs at a time, enforced by a non-blocking single-slot
// semaphore rather than a mutex, so a concurrent discovery (timer racing
// an inbound event) is dropped instead of queued.
type Engine struct {
	dataDir        string
	currentVersion string
	updaterExeName string

	checker  Checker
	versions VersionStore
	status   StatusEmitter
	errs     ErrorReporter
	shutdown ShutdownRequester
	log      *logging.Logger

	serviceWaitTimeout time.Duration
	watchdogPeriod     time.Duration

	slot chan struct{} // capacity 1: the single-update-at-a-time semaphore
}

// New returns an Engine. dataDir is the agent's data directory; updates
// are staged under <dataDir>/updates. updaterExeName is the
// platform executable name looked for at
// <extracted>/Updater/<updaterExeName> (e.g. "updater" or "updater.exe").
// serverURL is validated with ValidateServerURL before the engine is
// built, so a misconfigured update source is rejected at startup rather
// than on the first download attempt.
func New(dataDir, currentVersion, updaterExeName, serverURL string, checker Checker, versions VersionStore, status StatusEmitter, errs ErrorReporter, shutdown ShutdownRequester, serviceWaitTimeout, watchdogPeriod time.Duration, log *logging.Logger) (*Engine, error) {
	if err := ValidateServerURL(serverURL); err != nil {
		return nil, err
	}
	return &Engine{
		dataDir:            dataDir,
		currentVersion:     currentVersion,
		updaterExeName:     updaterExeName,
		checker:            checker,
		versions:           versions,
		status:             status,
		errs:               errs,
		shutdown:           shutdown,
		serviceWaitTimeout: serviceWaitTimeout,
		watchdogPeriod:     watchdogPeriod,
		log:                log,
		slot:               make(chan struct{}, 1),
	}, nil
}

// Run ticks every interval() and calls CheckNow, until ctx is cancelled.
// interval is read fresh on every tick, following telemetry.Sampler's
// same pattern, so a runtime change to AutoUpdateIntervalSec (or, via
// config.Config.NextUpdateCheckInterval, a change to the
// AGENT_UPDATE_SCHEDULE cron override) takes effect without restarting
// the loop. The orchestrator starts this only while AutoUpdateEnabled is
// true.
func (e *Engine) Run(ctx context.Context, interval func() time.Duration) {
	ticker := time.NewTicker(interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CheckNow(ctx)
			if next := interval(); next != 0 {
				ticker.Reset(next)
			}
		}
	}
}

// CheckNow polls for updates and, if one is available and eligible,
// attempts it. Called by the periodic timer and by the orchestrator once
// on entry to Connected. The check call itself is retried a few times
// across transient failures (see retry.go) before the cycle gives up;
// this never touches ignored_versions, which only attempt() mutates.
func (e *Engine) CheckNow(ctx context.Context) {
	var check httpclient.UpdateCheckResponse
	var err error
	for attempt := 1; attempt <= checkRetryMaxAttempts; attempt++ {
		check, err = e.checker.CheckForUpdates(ctx, e.currentVersion)
		if err == nil {
			break
		}
		if attempt == checkRetryMaxAttempts || ctx.Err() != nil {
			break
		}
		e.log.Debug("update check failed, retrying", "attempt", attempt, "error", err)
		if sleepErr := sleep(ctx, checkRetryDelay(attempt)); sleepErr != nil {
			err = sleepErr
			break
		}
	}
	if err != nil {
		if ctx.Err() == nil {
			e.log.Warn("update check failed", "error", err)
			// Best-effort: if the server is down this POST fails too, and
			// the reporter just logs it.
			e.errs.ReportUpdateError(ctx, model.ErrTypeServerUnreachable, err.Error(), "")
		}
		return
	}
	if !check.UpdateAvailable {
		return
	}
	e.Offer(ctx, model.UpdateDescriptor{
		Version:        check.Version,
		DownloadURL:    check.DownloadURL,
		ChecksumSHA256: check.ChecksumSHA256,
		ReleaseNotes:   check.ReleaseNotes,
	})
}

// Offer presents a candidate descriptor to the engine, whether from the
// periodic poll or an inbound agent:new_version_available event. It
// returns immediately; the attempt (if eligible) runs in its own
// goroutine so the control-channel receive loop is never blocked by a
// download.
func (e *Engine) Offer(ctx context.Context, desc model.UpdateDescriptor) {
	if e.versions.IsIgnored(desc.Version) {
		e.log.Debug("update version ignored, skipping", "version", desc.Version)
		return
	}

	select {
	case e.slot <- struct{}{}:
	default:
		e.log.Debug("update already in progress, dropping candidate", "version", desc.Version)
		return
	}

	go func() {
		defer func() { <-e.slot }()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("update attempt panicked", "version", desc.Version, "panic", r)
				e.errs.ReportUpdateError(context.Background(), model.ErrTypeUpdateGeneralFailure, fmt.Sprintf("panic: %v", r), desc.Version)
			}
		}()
		e.attempt(ctx, desc)
	}()
}

// attempt runs one full update pipeline for desc. Any failure from
// download onward adds the version to the ignored set unless the
// failure was caused by ctx cancellation.
func (e *Engine) attempt(ctx context.Context, desc model.UpdateDescriptor) {
	start := time.Now()
	outcome := "success"
	defer func() {
		metrics.UpdatesTotal.WithLabelValues(outcome).Inc()
		metrics.UpdateDuration.Observe(time.Since(start).Seconds())
	}()

	e.log.Info("update attempt starting", "version", desc.Version)

	archivePath, err := e.download(ctx, desc)
	if err != nil {
		outcome = e.fail(ctx, desc.Version, model.ErrTypeDownloadFailed, err)
		return
	}

	if err := e.verifyChecksum(archivePath, desc.ChecksumSHA256); err != nil {
		os.Remove(archivePath)
		outcome = e.fail(ctx, desc.Version, model.ErrTypeChecksumMismatch, err)
		return
	}

	extractedDir, err := e.extract(archivePath, desc.Version)
	if err != nil {
		os.Remove(archivePath)
		outcome = e.fail(ctx, desc.Version, model.ErrTypeExtractionFailed, err)
		return
	}

	manifest, err := e.verifyManifest(extractedDir, desc.Version)
	if err != nil {
		outcome = e.fail(ctx, desc.Version, model.ErrTypeInvalidPackage, err)
		return
	}

	updaterPath := filepath.Join(extractedDir, "Updater", e.updaterExeName)
	if err := verifyUpdaterExists(updaterPath); err != nil {
		outcome = e.fail(ctx, desc.Version, model.ErrTypeInvalidPackage, err)
		return
	}
	if err := verifyExecutableMagic(updaterPath); err != nil {
		outcome = e.fail(ctx, desc.Version, model.ErrTypeInvalidPackage, err)
		return
	}
	// Zip entries often carry no Unix permission bits, so the extracted
	// updater is made executable before it is launched.
	if runtime.GOOS != "windows" {
		if err := os.Chmod(updaterPath, 0o755); err != nil {
			outcome = e.fail(ctx, desc.Version, model.ErrTypeUpdateLaunchFailed, err)
			return
		}
	}

	if err := e.handoff(updaterPath, manifest.Version); err != nil {
		outcome = e.fail(ctx, desc.Version, model.ErrTypeUpdateLaunchFailed, err)
		return
	}

	e.status.EmitUpdateStatus("update_started", manifest.Version, "")
	e.log.Info("updater launched, requesting shutdown", "version", manifest.Version)
	e.shutdown.RequestShutdown("update to " + manifest.Version + " launched")
}

// fail reports the failure and adds the version to the ignored set
// unless ctx was cancelled (cancellation is not a poisoning condition).
// It returns the metrics outcome label to record.
func (e *Engine) fail(ctx context.Context, version, errType string, cause error) string {
	if ctx.Err() != nil {
		e.log.Info("update attempt cancelled", "version", version)
		return "cancelled"
	}

	e.log.Error("update attempt failed", "version", version, "error_type", errType, "error", cause)
	e.errs.ReportUpdateError(ctx, errType, cause.Error(), version)
	if err := e.versions.Ignore(version); err != nil {
		e.log.Warn("failed to persist ignored version", "version", version, "error", err)
	}
	return errType
}

func (e *Engine) downloadDir() string        { return filepath.Join(e.dataDir, "updates", "download") }
func (e *Engine) extractRoot() string        { return filepath.Join(e.dataDir, "updates", "extracted") }
func (e *Engine) extractDir(v string) string { return filepath.Join(e.extractRoot(), v) }

// download streams the package named by desc.DownloadURL's final path
// segment into <dataDir>/updates/download/.
func (e *Engine) download(ctx context.Context, desc model.UpdateDescriptor) (string, error) {
	filename := filepath.Base(desc.DownloadURL)
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		filename = desc.Version + ".zip"
	}
	dest := filepath.Join(e.downloadDir(), filename)
	if err := e.checker.Download(ctx, filename, dest); err != nil {
		return "", fmt.Errorf("update: download %s: %w", desc.Version, err)
	}
	return dest, nil
}

// verifyChecksum compares the package's SHA-256 against the descriptor's
// checksum_sha256, case-insensitively on the hex digits.
func (e *Engine) verifyChecksum(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("update: open for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("update: read for checksum: %w", err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("update: checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
