package update

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateServerURL checks rawURL before the update engine trusts it:
// require an explicit scheme and host, reject embedded credentials and
// a query/fragment, and only allow plain HTTP against a loopback host
// (the general case must be HTTPS). httpclient's own request
// construction does not judge whether a server URL is safe to trust
// with update artifacts, so that judgement lives here.
func ValidateServerURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return fmt.Errorf("update: server URL is empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("update: parse server URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("update: server URL must include scheme and host")
	}
	if parsed.User != nil {
		return fmt.Errorf("update: server URL must not include user credentials")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("update: server URL must not include query or fragment")
	}

	switch strings.ToLower(parsed.Scheme) {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return fmt.Errorf("update: HTTP server URL is only allowed for localhost/loopback")
	default:
		return fmt.Errorf("update: unsupported server URL scheme %q", parsed.Scheme)
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
