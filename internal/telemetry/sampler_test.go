package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetwarden/endpoint-agent/internal/logging"
	"github.com/fleetwarden/endpoint-agent/internal/model"
)

type fakeSampler struct {
	mu      sync.Mutex
	sample  model.ResourceSample
	err     error
	samples int
}

func (f *fakeSampler) Sample(ctx context.Context) (model.ResourceSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples++
	return f.sample, f.err
}

type fakeEmitter struct {
	mu      sync.Mutex
	emitted []model.ResourceSample
	emitErr error
}

func (f *fakeEmitter) EmitStatusUpdate(s model.ResourceSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emitted = append(f.emitted, s)
	return nil
}

func (f *fakeEmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emitted)
}

func TestSamplerEmitsOnInterval(t *testing.T) {
	sampler := &fakeSampler{sample: model.ResourceSample{CPUUsage: 12.5, RAMUsage: 40.0, DiskUsage: 60.0}}
	emitter := &fakeEmitter{}
	s := New(func() time.Duration { return 10 * time.Millisecond }, sampler, emitter, logging.New(false))

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for emitter.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if emitter.count() < 2 {
		t.Fatalf("emitted %d samples in 1s at 10ms interval, want >= 2", emitter.count())
	}
}

func TestSamplerDropsSampleErrorsWithoutPanicking(t *testing.T) {
	sampler := &fakeSampler{err: errors.New("boom")}
	emitter := &fakeEmitter{}
	s := New(func() time.Duration { return 10 * time.Millisecond }, sampler, emitter, logging.New(false))

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	if emitter.count() != 0 {
		t.Errorf("emitted %d samples despite Sample() always erroring, want 0", emitter.count())
	}
}

func TestSamplerStopsOnContextCancel(t *testing.T) {
	sampler := &fakeSampler{}
	emitter := &fakeEmitter{}
	s := New(func() time.Duration { return 10 * time.Millisecond }, sampler, emitter, logging.New(false))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
