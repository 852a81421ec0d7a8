package update

import (
	"context"
	"time"
)

// Update-check retry tuning. This is deliberately a second, smaller
// retry loop layered on top of httpclient's own maxRetryAttempts: it
// covers the discovery call failing outright (DNS, connection refused)
// across a few attempts within one check cycle, not the lower-level
// per-request retry httpclient already does.
const (
	checkRetryBaseDelay   = 2 * time.Second
	checkRetryMaxDelay    = 30 * time.Second
	checkRetryMaxAttempts = 3
)

func checkRetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return checkRetryBaseDelay
	}
	delay := checkRetryBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > checkRetryMaxDelay {
		return checkRetryMaxDelay
	}
	return delay
}

// sleep blocks for d or until ctx is cancelled, returning ctx.Err() in
// the latter case so a cancelled sleep never looks like a successful one.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
