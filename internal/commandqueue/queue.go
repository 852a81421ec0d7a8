// Package commandqueue accepts commands, runs them with bounded
// parallelism, and delivers their results: online via a Deliverer, or
// to an offline spool when the control channel is down.
package commandqueue

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fleetwarden/endpoint-agent/internal/logging"
	"github.com/fleetwarden/endpoint-agent/internal/metrics"
	"github.com/fleetwarden/endpoint-agent/internal/model"
)

// Deliverer hands a finished CommandResult off to the control channel (if
// connected) or the offline spool (if not). Implemented by the
// orchestrator so the queue never has to know about connection state.
type Deliverer interface {
	Deliver(model.CommandResult)
}

// Handler executes one command type and produces its result. Handlers
// must honour ctx cancellation for the per-command timeout.
type Handler func(ctx context.Context, cmd model.Command) model.CommandResult

// Queue is a bounded FIFO plus a bounded-parallelism worker pool:
// TryEnqueue never blocks, a single dispatcher drains the queue and
// spawns one worker per command up to the semaphore capacity.
type Queue struct {
	maxQueueSize int
	sem          chan struct{}
	pending      chan model.Command
	handlers     map[model.CommandType]Handler
	dedup        *dedup
	deliverer    Deliverer
	commandTO    time.Duration
	shutdownGrc  time.Duration
	log          *logging.Logger

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

// New returns a Queue. handlers must cover every CommandType the caller
// wants supported; an unregistered type produces UnsupportedCommandType.
func New(maxQueueSize, maxParallel int, commandTimeout, shutdownGrace time.Duration, handlers map[model.CommandType]Handler, deliverer Deliverer, log *logging.Logger) *Queue {
	return &Queue{
		maxQueueSize: maxQueueSize,
		sem:          make(chan struct{}, maxParallel),
		pending:      make(chan model.Command, maxQueueSize),
		handlers:     handlers,
		dedup:        newDedup(),
		deliverer:    deliverer,
		commandTO:    commandTimeout,
		shutdownGrc:  shutdownGrace,
		log:          log,
	}
}

// TryEnqueue attempts to accept cmd without blocking. On success it
// returns nil. On rejection (queue full, duplicate, already shutting
// down) it synthesizes and delivers a failure CommandResult immediately
// (a result is never silently dropped) and returns the rejection reason.
func (q *Queue) TryEnqueue(cmd model.Command) error {
	q.mu.Lock()
	draining := q.draining
	q.mu.Unlock()
	if draining {
		return q.reject(cmd, model.ErrTypeQueueFull, model.ErrQueueFull, "queue is shutting down")
	}

	if utf8.RuneCountInString(cmd.Payload) > model.MaxPayloadLen {
		return q.reject(cmd, "PayloadTooLarge", nil, fmt.Sprintf("payload exceeds %d characters", model.MaxPayloadLen))
	}

	if !q.dedup.markPending(cmd.CommandID) {
		return q.reject(cmd, model.ErrTypeDuplicateCommandID, model.ErrDuplicateCommandID, "duplicate command_id")
	}

	select {
	case q.pending <- cmd:
		metrics.QueueDepth.Set(float64(len(q.pending)))
		return nil
	default:
		q.dedup.clear(cmd.CommandID)
		return q.reject(cmd, model.ErrTypeQueueFull, model.ErrQueueFull, "command queue full")
	}
}

// reject synthesizes the failure result owed for cmd and returns an error
// for the caller's log line, wrapping sentinel (when one exists for the
// condition) so callers can match with errors.Is.
func (q *Queue) reject(cmd model.Command, errType string, sentinel error, msg string) error {
	q.deliverer.Deliver(model.CommandResult{
		CommandID:    cmd.CommandID,
		Type:         cmd.Type,
		Success:      false,
		ErrorMessage: msg,
		CompletedAt:  time.Now().UTC(),
	})
	metrics.CommandsTotal.WithLabelValues(string(cmd.Type), errType).Inc()
	if sentinel != nil {
		return fmt.Errorf("commandqueue: %w: %s", sentinel, msg)
	}
	return fmt.Errorf("commandqueue: %s: %s", errType, msg)
}

// Run is the single dispatcher: it waits on the worker semaphore, then
// takes the next command off the queue and spawns a worker for it. It
// blocks until ctx is cancelled, at which point it stops accepting new
// dispatches and waits up to shutdownGrace for in-flight workers before
// returning.
func (q *Queue) Run(ctx context.Context) {
	for {
		// Claim a worker slot before dequeuing, so a command waiting for
		// a free worker still occupies its place in the bounded queue.
		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			q.drain()
			return
		}
		select {
		case <-ctx.Done():
			<-q.sem
			q.drain()
			return
		case cmd := <-q.pending:
			metrics.QueueDepth.Set(float64(len(q.pending)))
			metrics.WorkersBusy.Set(float64(len(q.sem)))
			q.wg.Add(1)
			go q.runWorker(ctx, cmd)
		}
	}
}

func (q *Queue) runWorker(parent context.Context, cmd model.Command) {
	defer q.wg.Done()
	defer func() { <-q.sem; metrics.WorkersBusy.Set(float64(len(q.sem))) }()
	defer q.dedup.clear(cmd.CommandID)

	timeout := q.commandTO
	if cmd.TimeoutSec > 0 {
		timeout = time.Duration(cmd.TimeoutSec) * time.Second
	}
	// A worker must survive the orchestrator's shutdown signal for up to
	// shutdownGrace before its process tree is forcibly killed, so its
	// context is detached from parent's cancellation and only torn down
	// by its own timeout or the grace-period watchdog below.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	go func() {
		select {
		case <-parent.Done():
		case <-ctx.Done():
			return
		}
		select {
		case <-time.After(q.shutdownGrc):
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	result := q.dispatch(ctx, cmd)
	metrics.CommandDuration.WithLabelValues(string(cmd.Type)).Observe(time.Since(start).Seconds())

	outcome := "success"
	if !result.Success {
		outcome = result.ErrorMessage
		if outcome == "" {
			outcome = "failure"
		}
	}
	metrics.CommandsTotal.WithLabelValues(string(cmd.Type), outcome).Inc()

	q.deliverer.Deliver(result)
}

func (q *Queue) dispatch(ctx context.Context, cmd model.Command) model.CommandResult {
	handler, ok := q.handlers[cmd.Type]
	if !ok {
		return model.CommandResult{
			CommandID:    cmd.CommandID,
			Type:         cmd.Type,
			Success:      false,
			ErrorMessage: model.ErrTypeUnsupportedCommandType,
			CompletedAt:  time.Now().UTC(),
		}
	}

	resultCh := make(chan model.CommandResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- model.CommandResult{
					CommandID:    cmd.CommandID,
					Type:         cmd.Type,
					Success:      false,
					ErrorMessage: fmt.Sprintf("handler panic: %v", r),
					CompletedAt:  time.Now().UTC(),
				}
			}
		}()
		resultCh <- handler(ctx, cmd)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-ctx.Done():
		return model.CommandResult{
			CommandID:    cmd.CommandID,
			Type:         cmd.Type,
			Success:      false,
			ErrorMessage: model.ErrTypeCommandTimeout,
			CompletedAt:  time.Now().UTC(),
		}
	}
}

// drain stops accepting new commands and waits up to shutdownGrace for
// in-flight workers to finish before returning.
func (q *Queue) drain() {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(q.shutdownGrc):
		q.log.Warn("command workers did not finish within shutdown grace period")
	}
}
