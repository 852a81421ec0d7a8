// Package telemetry samples host resource usage on a configurable
// interval while the agent is connected, and produces the one-shot
// hardware inventory reported at the start of each connection session.
package telemetry

import (
	"context"
	"time"

	"github.com/fleetwarden/endpoint-agent/internal/logging"
	"github.com/fleetwarden/endpoint-agent/internal/metrics"
	"github.com/fleetwarden/endpoint-agent/internal/model"
)

// ResourceSampler produces one CPU/RAM/disk-usage snapshot. Implemented
// by gopsutilSampler; accepted as an interface so the orchestrator and
// its tests never depend on gopsutil directly.
type ResourceSampler interface {
	Sample(ctx context.Context) (model.ResourceSample, error)
}

// Emitter delivers one sample over the control channel. A failed Emit
// (e.g. ErrNotConnected) is not retried; telemetry is best-effort and
// never spooled.
type Emitter interface {
	EmitStatusUpdate(model.ResourceSample) error
}

// Sampler runs the periodic snapshot loop. Its lifecycle is owned by
// the orchestrator: started on entry to Connected, cancelled on exit
// (including transition to Disconnected).
type Sampler struct {
	interval func() time.Duration
	sample   ResourceSampler
	emit     Emitter
	log      *logging.Logger
}

// New returns a Sampler. interval is read fresh on every tick so a
// runtime config change to StatusReportIntervalSec takes effect on the
// following sample without restarting the loop.
func New(interval func() time.Duration, sample ResourceSampler, emit Emitter, log *logging.Logger) *Sampler {
	return &Sampler{interval: interval, sample: sample, emit: emit, log: log}
}

// Run samples and emits once per interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := s.sample.Sample(ctx)
			if err != nil {
				s.log.Warn("resource sample failed, dropping", "error", err)
				continue
			}
			metrics.TelemetrySamplesTotal.Inc()
			if err := s.emit.EmitStatusUpdate(sample); err != nil {
				metrics.TelemetrySamplesDropped.Inc()
				s.log.Debug("status update dropped, not connected", "error", err)
			}
			if next := s.interval(); next != 0 {
				ticker.Reset(next)
			}
		}
	}
}
