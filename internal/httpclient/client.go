// Package httpclient is the agent's authenticated REST client: identify,
// verify_mfa, check_for_updates, download_package, report_hardware,
// report_error. Transport errors and 5xx responses are retried with
// capped jittered backoff; a 401 triggers one token refresh and one
// retry of the original request.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/fleetwarden/endpoint-agent/internal/clock"
	"github.com/fleetwarden/endpoint-agent/internal/logging"
)

// ErrAuthFailed is returned when a request gets a 401 and the caller's
// refresh hook (if any) could not produce a usable token.
var ErrAuthFailed = errors.New("httpclient: auth failed")

const maxRetryAttempts = 3

// TokenSource supplies the current bearer token and a way to refresh it on
// 401. Refresh is expected to be externally serialized (the orchestrator
// owns that); the client just calls it and retries once.
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) (string, error)
}

// Client issues authenticated requests to the server's REST API.
type Client struct {
	baseURL string
	agentID string
	tokens  TokenSource
	http    *http.Client
	clock   clock.Clock
	log     *logging.Logger
}

// New returns a Client for baseURL. A non-empty agentID is sent as
// X-Agent-Id on every request, identify included.
func New(baseURL, agentID string, tokens TokenSource, timeout time.Duration, clk clock.Clock, log *logging.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		agentID: agentID,
		tokens:  tokens,
		http:    &http.Client{Timeout: timeout},
		clock:   clk,
		log:     log,
	}
}

// SetAgentID updates the agent id sent on subsequent requests, used once
// the configure flow has assigned one.
func (c *Client) SetAgentID(id string) { c.agentID = id }

// doJSON marshals body (if non-nil) as the request payload, unmarshals the
// response into out (if non-nil), and applies the documented headers,
// retry policy, and 401-refresh-and-retry-once behavior.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, auth bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpclient: marshal request: %w", err)
		}
	}

	resp, err := c.doAuthRetry(ctx, method, path, payload, auth)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("httpclient: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("httpclient: %s %s returned %s: %s", method, path, resp.Status, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("httpclient: unmarshal response: %w", err)
		}
	}
	return nil
}

// doAuthRetry performs the request via doWithRetry and, on a 401 to an
// authenticated call, runs the single refresh-and-retry every endpoint
// gets, JSON and download alike. The returned response's body is open;
// the caller owns closing it.
func (c *Client) doAuthRetry(ctx context.Context, method, path string, payload []byte, auth bool) (*http.Response, error) {
	resp, err := c.doWithRetry(ctx, method, path, payload, auth)
	if err != nil {
		return nil, err
	}
	if !auth || resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	if _, refreshErr := c.tokens.Refresh(ctx); refreshErr != nil {
		return nil, fmt.Errorf("%w: refresh failed: %v", ErrAuthFailed, refreshErr)
	}
	resp, err = c.doWithRetry(ctx, method, path, payload, auth)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: still unauthorized after refresh", ErrAuthFailed)
	}
	return resp, nil
}

// doWithRetry performs the request with exponential backoff: three
// attempts for transport errors and 5xx, none for 4xx (those are
// terminal client errors handled by the caller, including 401 above).
func (c *Client) doWithRetry(ctx context.Context, method, path string, payload []byte, auth bool) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clock.After(backoffDelay(attempt)):
			}
		}

		req, err := c.newRequest(ctx, method, path, payload, auth)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("httpclient: %s %s: %w", method, path, err)
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("httpclient: %s %s returned %s", method, path, resp.Status)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("httpclient: exhausted %d attempts: %w", maxRetryAttempts, lastErr)
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte, auth bool) (*http.Request, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("httpclient: create request: %w", err)
	}

	req.Header.Set("X-Client-Type", "agent")
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agentID != "" {
		req.Header.Set("X-Agent-Id", c.agentID)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.tokens.Token())
	}
	return req, nil
}

// backoffDelay returns the exponential delay before retry attempt n
// (1-indexed), capped and jittered: jitter smooths out synchronized
// retries from many agents hitting the same transient outage at once.
func backoffDelay(attempt int) time.Duration {
	base := time.Second * time.Duration(math.Pow(2, float64(attempt-1)))
	const cap = 10 * time.Second
	if base > cap {
		base = cap
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base/2 + jitter
}
