package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetwarden/endpoint-agent/internal/clock"
	"github.com/fleetwarden/endpoint-agent/internal/logging"
)

type fakeTokens struct {
	current    atomic.Value
	refreshed  atomic.Int32
	refreshTo  string
	refreshErr error
}

func newFakeTokens(initial string) *fakeTokens {
	f := &fakeTokens{}
	f.current.Store(initial)
	return f
}

func (f *fakeTokens) Token() string { return f.current.Load().(string) }

func (f *fakeTokens) Refresh(ctx context.Context) (string, error) {
	f.refreshed.Add(1)
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.current.Store(f.refreshTo)
	return f.refreshTo, nil
}

func testClient(t *testing.T, srv *httptest.Server, tokens *fakeTokens) *Client {
	t.Helper()
	log := logging.New(false)
	return New(srv.URL, "agent-1", tokens, 5*time.Second, clock.Real{}, log)
}

func TestIdentifySendsHeaders(t *testing.T) {
	var gotClientType, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClientType = r.Header.Get("X-Client-Type")
		gotAccept = r.Header.Get("Accept")
		json.NewEncoder(w).Encode(IdentifyResponse{Status: "success", AgentToken: "T0"})
	}))
	defer srv.Close()

	c := testClient(t, srv, newFakeTokens(""))
	resp, err := c.Identify(context.Background(), IdentifyRequest{AgentID: "a"})
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if resp.AgentToken != "T0" {
		t.Errorf("AgentToken = %q, want T0", resp.AgentToken)
	}
	if gotClientType != "agent" {
		t.Errorf("X-Client-Type = %q, want agent", gotClientType)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q, want application/json", gotAccept)
	}
}

func TestAuthFailureTriggersRefreshAndRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") == "Bearer T0" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(statusResponse{Status: "ok"})
	}))
	defer srv.Close()

	tokens := newFakeTokens("T0")
	tokens.refreshTo = "T1"
	c := testClient(t, srv, tokens)

	err := c.ReportHardware(context.Background(), map[string]string{"cpu": "x"})
	if err != nil {
		t.Fatalf("ReportHardware() error = %v", err)
	}
	if tokens.refreshed.Load() != 1 {
		t.Errorf("refresh called %d times, want 1", tokens.refreshed.Load())
	}
	if calls != 2 {
		t.Errorf("server called %d times, want 2 (original + retry)", calls)
	}
}

func TestNoRetryOn4xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(t, srv, newFakeTokens("T0"))
	err := c.ReportHardware(context.Background(), map[string]string{})
	if err == nil {
		t.Fatal("ReportHardware() succeeded, want error")
	}
	if calls != 1 {
		t.Errorf("server called %d times, want 1 (no retry on 4xx)", calls)
	}
}

func TestRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(statusResponse{Status: "ok"})
	}))
	defer srv.Close()

	c := testClient(t, srv, newFakeTokens("T0"))
	// use a fake clock so the retry backoff doesn't actually sleep
	c.clock = fakeInstantClock{}

	err := c.ReportHardware(context.Background(), map[string]string{})
	if err != nil {
		t.Fatalf("ReportHardware() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("server called %d times, want 2", calls)
	}
}

func TestDownloadStreamsToDisk(t *testing.T) {
	const content = "binary-payload-bytes"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer srv.Close()

	c := testClient(t, srv, newFakeTokens("T0"))
	dest := t.TempDir() + "/artifact.zip"
	if err := c.Download(context.Background(), "artifact.zip", dest); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	got, err := readFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if got != content {
		t.Errorf("downloaded content = %q, want %q", got, content)
	}
}

func TestDownloadRefreshesOn401(t *testing.T) {
	const content = "fresh-binary"
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Authorization") == "Bearer T0" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(content))
	}))
	defer srv.Close()

	tokens := newFakeTokens("T0")
	tokens.refreshTo = "T1"
	c := testClient(t, srv, tokens)

	dest := t.TempDir() + "/artifact.zip"
	if err := c.Download(context.Background(), "artifact.zip", dest); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if tokens.refreshed.Load() != 1 {
		t.Errorf("refresh called %d times, want 1", tokens.refreshed.Load())
	}
	if calls != 2 {
		t.Errorf("server called %d times, want 2 (401 + retry with new token)", calls)
	}
	got, err := readFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if got != content {
		t.Errorf("downloaded content = %q, want %q", got, content)
	}
}

type fakeInstantClock struct{}

func (fakeInstantClock) Now() time.Time { return time.Time{} }
func (fakeInstantClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}
func (fakeInstantClock) Since(t time.Time) time.Duration { return 0 }

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}
