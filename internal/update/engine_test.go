package update

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fleetwarden/endpoint-agent/internal/httpclient"
	"github.com/fleetwarden/endpoint-agent/internal/logging"
	"github.com/fleetwarden/endpoint-agent/internal/model"
)

type fakeChecker struct {
	check       httpclient.UpdateCheckResponse
	checkErr    error
	archivePath string
	downloadErr error
	downloads   int
}

func (f *fakeChecker) CheckForUpdates(ctx context.Context, currentVersion string) (httpclient.UpdateCheckResponse, error) {
	return f.check, f.checkErr
}

func (f *fakeChecker) Download(ctx context.Context, filename, destPath string) error {
	f.downloads++
	if f.downloadErr != nil {
		return f.downloadErr
	}
	data, err := os.ReadFile(f.archivePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(destPath, data, 0o644)
}

type fakeVersionStore struct {
	mu      sync.Mutex
	ignored map[string]bool
}

func newFakeVersionStore() *fakeVersionStore {
	return &fakeVersionStore{ignored: map[string]bool{}}
}

func (f *fakeVersionStore) IsIgnored(version string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ignored[version]
}

func (f *fakeVersionStore) Ignore(version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignored[version] = true
	return nil
}

type fakeStatusEmitter struct {
	mu       sync.Mutex
	statuses []string
}

func (f *fakeStatusEmitter) EmitUpdateStatus(status, targetVersion, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func (f *fakeStatusEmitter) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

type fakeErrorReporter struct {
	mu      sync.Mutex
	reports []string
}

func (f *fakeErrorReporter) ReportUpdateError(ctx context.Context, errType, message, targetVersion string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, errType)
}

type fakeShutdown struct {
	mu       sync.Mutex
	requests int
	reason   string
	done     chan struct{}
}

func newFakeShutdown() *fakeShutdown {
	return &fakeShutdown{done: make(chan struct{}, 1)}
}

func (f *fakeShutdown) RequestShutdown(reason string) {
	f.mu.Lock()
	f.requests++
	f.reason = reason
	f.mu.Unlock()
	select {
	case f.done <- struct{}{}:
	default:
	}
}

func (f *fakeShutdown) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// buildPackage writes a zip at dir/pkg.zip containing manifest.json (for
// version, with one checksummed file) plus a copy of the running test
// binary as the Updater executable, so the hand-off can really launch it,
// and returns the zip path and its SHA-256 checksum.
func buildPackage(t *testing.T, dir, version string) (string, string) {
	t.Helper()

	payload := []byte("agent binary contents")
	payloadSum := sha256.Sum256(payload)

	manifest := model.UpdateManifest{
		Version:     version,
		ReleaseDate: "2026-01-01",
		Files: []model.ManifestFile{
			{Path: "files/agent.bin", Checksum: hex.EncodeToString(payloadSum[:])},
		},
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}
	updaterBin, err := os.ReadFile(exe)
	if err != nil {
		t.Fatalf("read test binary: %v", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	writeZipFile(t, zw, "manifest.json", manifestJSON)
	writeZipFile(t, zw, "files/agent.bin", payload)
	writeZipFile(t, zw, "Updater/updater", updaterBin)
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}

	zipPath := filepath.Join(dir, "pkg.zip")
	if err := os.WriteFile(zipPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write zip: %v", err)
	}

	zipSum := sha256.Sum256(buf.Bytes())
	return zipPath, hex.EncodeToString(zipSum[:])
}

func writeZipFile(t *testing.T, zw *zip.Writer, name string, content []byte) {
	t.Helper()
	w, err := zw.Create(name)
	if err != nil {
		t.Fatalf("create zip entry %q: %v", name, err)
	}
	if _, err := w.Write(content); err != nil {
		t.Fatalf("write zip entry %q: %v", name, err)
	}
}

func newTestEngine(t *testing.T, checker Checker, versions VersionStore, status StatusEmitter, errs ErrorReporter, shutdown ShutdownRequester) *Engine {
	t.Helper()
	e, err := New(t.TempDir(), "v1", "updater", "https://updates.example.com", checker, versions, status, errs, shutdown, 60*time.Second, 120*time.Second, logging.New(false))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func TestOfferSkipsIgnoredVersion(t *testing.T) {
	versions := newFakeVersionStore()
	versions.Ignore("v2")
	checker := &fakeChecker{}
	e := newTestEngine(t, checker, versions, &fakeStatusEmitter{}, &fakeErrorReporter{}, newFakeShutdown())

	e.Offer(context.Background(), model.UpdateDescriptor{Version: "v2"})

	time.Sleep(20 * time.Millisecond)
	if checker.downloads != 0 {
		t.Errorf("downloads = %d, want 0 for ignored version", checker.downloads)
	}
}

func TestOfferDropsWhenSlotBusy(t *testing.T) {
	checker := &fakeChecker{}
	versions := newFakeVersionStore()
	e := newTestEngine(t, checker, versions, &fakeStatusEmitter{}, &fakeErrorReporter{}, newFakeShutdown())

	e.slot <- struct{}{} // simulate an attempt already running
	defer func() { <-e.slot }()

	e.Offer(context.Background(), model.UpdateDescriptor{Version: "v2", DownloadURL: "pkg.zip"})

	time.Sleep(20 * time.Millisecond)
	if checker.downloads != 0 {
		t.Errorf("downloads = %d, want 0 when slot is busy", checker.downloads)
	}
}

func TestAttemptHappyPath(t *testing.T) {
	dir := t.TempDir()
	zipPath, checksum := buildPackage(t, dir, "v2")

	checker := &fakeChecker{archivePath: zipPath}
	versions := newFakeVersionStore()
	status := &fakeStatusEmitter{}
	errs := &fakeErrorReporter{}
	shutdown := newFakeShutdown()
	e := newTestEngine(t, checker, versions, status, errs, shutdown)

	e.Offer(context.Background(), model.UpdateDescriptor{
		Version:        "v2",
		DownloadURL:    "pkg.zip",
		ChecksumSHA256: checksum,
	})

	select {
	case <-shutdown.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shutdown request")
	}

	if shutdown.count() != 1 {
		t.Errorf("shutdown requests = %d, want 1", shutdown.count())
	}
	if status.last() != "update_started" {
		t.Errorf("last status = %q, want update_started", status.last())
	}
	if versions.IsIgnored("v2") {
		t.Error("successful version should not be ignored")
	}
	if _, err := os.Stat(filepath.Join(e.extractDir("v2"), "Updater", "updater")); err != nil {
		t.Errorf("extracted updater missing: %v", err)
	}
}

func TestAttemptChecksumMismatchIgnoresVersion(t *testing.T) {
	dir := t.TempDir()
	zipPath, _ := buildPackage(t, dir, "v2")

	checker := &fakeChecker{archivePath: zipPath}
	versions := newFakeVersionStore()
	errs := &fakeErrorReporter{}
	shutdown := newFakeShutdown()
	e := newTestEngine(t, checker, versions, &fakeStatusEmitter{}, errs, shutdown)

	e.Offer(context.Background(), model.UpdateDescriptor{
		Version:        "v2",
		DownloadURL:    "pkg.zip",
		ChecksumSHA256: "0000000000000000000000000000000000000000000000000000000000000",
	})

	waitForSlotFree(t, e)

	if !versions.IsIgnored("v2") {
		t.Error("version with bad checksum should be ignored")
	}
	if shutdown.count() != 0 {
		t.Errorf("shutdown requests = %d, want 0 on failure", shutdown.count())
	}
	if len(errs.reports) != 1 || errs.reports[0] != model.ErrTypeChecksumMismatch {
		t.Errorf("reports = %v, want one ChecksumMismatch", errs.reports)
	}
}

func TestAttemptCancelledDoesNotIgnoreVersion(t *testing.T) {
	checker := &fakeChecker{downloadErr: context.Canceled}
	versions := newFakeVersionStore()
	e := newTestEngine(t, checker, versions, &fakeStatusEmitter{}, &fakeErrorReporter{}, newFakeShutdown())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e.Offer(ctx, model.UpdateDescriptor{Version: "v2", DownloadURL: "pkg.zip"})

	waitForSlotFree(t, e)

	if versions.IsIgnored("v2") {
		t.Error("cancelled attempt must not poison ignored_versions")
	}
}

func waitForSlotFree(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case e.slot <- struct{}{}:
			<-e.slot
			return
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	t.Fatal("timed out waiting for update slot to free")
}
