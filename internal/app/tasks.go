package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

// Outcome is the terminal result of a reconciliation task.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS" // Reaction carried out and persisted
	OutcomeFailed  Outcome = "FAILED"  // Error recorded, bot marked ERROR where one applies
	OutcomeSkipped Outcome = "SKIPPED" // Nothing to do, e.g. the fill was already handled
)

// TaskResult reports how one task ended.
type TaskResult struct {
	Key      string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// TaskFunc is the body of a reconciliation task.
type TaskFunc func(ctx context.Context) (Outcome, error)

// ErrRunnerClosed is returned by Submit after Shutdown.
var ErrRunnerClosed = errors.New("task runner is shut down")

// TaskRunner runs at most one task per key at a time on a bounded number of
// workers. Tasks run on a context owned by the runner, so they outlive the
// event that triggered them.
type TaskRunner struct {
	logger   ports.Logger
	sem      chan struct{}
	onResult func(TaskResult)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewTaskRunner creates a runner with maxWorkers concurrent tasks. onResult,
// if set, is called after every task.
func NewTaskRunner(logger ports.Logger, maxWorkers int, onResult func(TaskResult)) *TaskRunner {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskRunner{
		logger:   logger,
		sem:      make(chan struct{}, maxWorkers),
		onResult: onResult,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// Submit schedules fn under key. A task already running or queued for the
// same key yields a *ports.ReconciliationConflict.
func (r *TaskRunner) Submit(key string, fn TaskFunc) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	if _, busy := r.inflight[key]; busy {
		r.mu.Unlock()
		return &ports.ReconciliationConflict{Key: key}
	}
	r.inflight[key] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(key, fn)
	return nil
}

func (r *TaskRunner) run(key string, fn TaskFunc) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
	}()

	start := time.Now()
	select {
	case r.sem <- struct{}{}:
	case <-r.ctx.Done():
		r.finish(TaskResult{Key: key, Outcome: OutcomeFailed, Err: r.ctx.Err(), Duration: time.Since(start)})
		return
	}
	defer func() { <-r.sem }()

	outcome, err := r.execute(key, fn)
	r.finish(TaskResult{Key: key, Outcome: outcome, Err: err, Duration: time.Since(start)})
}

func (r *TaskRunner) execute(key string, fn TaskFunc) (outcome Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome = OutcomeFailed
			err = fmt.Errorf("task %s panicked: %v", key, rec)
			r.logger.Error(r.ctx, err, "TaskRunner: task panicked", map[string]interface{}{"key": key})
		}
	}()
	return fn(r.ctx)
}

func (r *TaskRunner) finish(res TaskResult) {
	fields := map[string]interface{}{"key": res.Key, "outcome": res.Outcome, "duration": res.Duration.String()}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
	}
	r.logger.Debug(r.ctx, "TaskRunner: task finished", fields)
	if r.onResult != nil {
		r.onResult(res)
	}
}

// InFlight returns the number of tasks that have not finished.
func (r *TaskRunner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Wait blocks until every submitted task has finished.
func (r *TaskRunner) Wait() {
	r.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends
// first, the runner context is cancelled and ctx.Err() is returned.
func (r *TaskRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
