// ABOUTME: Detached background task executor with bounded concurrency and panic recovery
// ABOUTME: Webhook handlers submit pipeline work here after acknowledging the request

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrShuttingDown is returned by Submit after Shutdown has been called.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Task is a unit of background work.
type Task func(ctx context.Context)

// Dispatcher runs tasks in their own goroutines, at most maxConcurrent at a time.
type Dispatcher struct {
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	inFlight  atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// New creates a Dispatcher.
func New(maxConcurrent int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		logger: logger.With("component", "dispatch"),
	}
}

// Submit schedules task and returns immediately. The task's context carries
// ctx's values but not its cancellation, so it outlives the HTTP request.
func (d *Dispatcher) Submit(ctx context.Context, name string, task Task) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("task rejected during shutdown", "task", name)
		return ErrShuttingDown
	}
	d.wg.Add(1)
	d.mu.Unlock()

	d.inFlight.Add(1)
	taskCtx := context.WithoutCancel(ctx)

	go func() {
		defer d.wg.Done()
		defer d.inFlight.Add(-1)

		// Acquire never fails with a background context.
		_ = d.sem.Acquire(context.Background(), 1)
		defer d.sem.Release(1)

		d.run(taskCtx, name, task)
	}()
	return nil
}

func (d *Dispatcher) run(ctx context.Context, name string, task Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.panicked.Add(1)
			d.logger.Error("task panicked",
				"task", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			return
		}
		d.completed.Add(1)
		d.logger.Debug("task finished", "task", name, "duration", time.Since(start))
	}()
	task(ctx)
}

// InFlight returns the number of submitted tasks that have not finished.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// Stats returns counts of completed and panicked tasks.
func (d *Dispatcher) Stats() (completed, panicked int64) {
	return d.completed.Load(), d.panicked.Load()
}

// Shutdown stops accepting tasks and waits for in-flight ones until ctx ends.
// It returns ctx.Err() if tasks were still running when ctx ended.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("shutdown grace period expired", "in_flight", d.InFlight())
		return ctx.Err()
	}
}
