// Package clock abstracts time so the control channel's reconnect
// backoff, the HTTP client's retry backoff and the error reporter's
// timestamps can be driven deterministically in tests. The telemetry
// sampler and the update timer use time.Ticker directly.
package clock

import "time"

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real uses the standard library time functions.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
