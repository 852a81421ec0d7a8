package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fleetwarden/endpoint-agent/internal/model"
)

// IdentifyRequest is the body of POST /agents/identify.
type IdentifyRequest struct {
	AgentID    string         `json:"agent_id"`
	Position   model.Position `json:"position"`
	ForceRenew bool           `json:"force_renew,omitempty"`
}

// IdentifyResponse is the response from /agents/identify and /agents/verify_mfa.
type IdentifyResponse struct {
	Status     string `json:"status"`
	AgentToken string `json:"agent_token,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Identify calls POST /agents/identify. It is one of the few calls made
// without a bearer token (there may not be one yet).
func (c *Client) Identify(ctx context.Context, req IdentifyRequest) (IdentifyResponse, error) {
	var resp IdentifyResponse
	err := c.doJSON(ctx, http.MethodPost, "/agents/identify", req, &resp, false)
	return resp, err
}

// VerifyMFARequest is the body of POST /agents/verify_mfa.
type VerifyMFARequest struct {
	AgentID string `json:"agent_id"`
	MFACode string `json:"mfa_code"`
}

// VerifyMFA calls POST /agents/verify_mfa.
func (c *Client) VerifyMFA(ctx context.Context, req VerifyMFARequest) (IdentifyResponse, error) {
	var resp IdentifyResponse
	err := c.doJSON(ctx, http.MethodPost, "/agents/verify_mfa", req, &resp, false)
	return resp, err
}

// statusResponse is the generic {status} envelope shared by hardware and
// error report endpoints.
type statusResponse struct {
	Status string `json:"status"`
}

// ReportHardware calls POST /agents/hardware with a caller-supplied
// inventory payload (shape owned by the telemetry package).
func (c *Client) ReportHardware(ctx context.Context, payload any) error {
	var resp statusResponse
	return c.doJSON(ctx, http.MethodPost, "/agents/hardware", payload, &resp, true)
}

// UpdateCheckResponse is the response from GET /agents/updates/check.
type UpdateCheckResponse struct {
	UpdateAvailable bool   `json:"update_available"`
	Version         string `json:"version,omitempty"`
	DownloadURL     string `json:"download_url,omitempty"`
	ChecksumSHA256  string `json:"checksum_sha256,omitempty"`
	ReleaseNotes    string `json:"release_notes,omitempty"`
}

// CheckForUpdates calls GET /agents/updates/check?current_version=….
func (c *Client) CheckForUpdates(ctx context.Context, currentVersion string) (UpdateCheckResponse, error) {
	var resp UpdateCheckResponse
	path := "/agents/updates/check?current_version=" + currentVersion
	err := c.doJSON(ctx, http.MethodGet, path, nil, &resp, true)
	return resp, err
}

// ReportError calls POST /agents/errors.
func (c *Client) ReportError(ctx context.Context, report model.ErrorReport) error {
	var resp statusResponse
	return c.doJSON(ctx, http.MethodPost, "/agents/errors", report, &resp, true)
}

// Download streams GET /agents/updates/download/{filename} to destPath,
// never holding the full body in memory. The file is written to a
// temporary sibling path and renamed into place on success, so a partial
// download never looks like a complete one to a later checksum step.
func (c *Client) Download(ctx context.Context, filename, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("httpclient: create download dir: %w", err)
	}

	resp, err := c.doAuthRetry(ctx, http.MethodGet, "/agents/updates/download/"+filename, nil, true)
	if err != nil {
		return fmt.Errorf("httpclient: download %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("httpclient: download %s returned %s", filename, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*.tmp")
	if err != nil {
		return fmt.Errorf("httpclient: create temp download file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("httpclient: stream download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("httpclient: close temp download file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("httpclient: rename download into place: %w", err)
	}
	return nil
}
