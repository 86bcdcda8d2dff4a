// Package worker defines the long-lived task interface and the supervisor
// that runs a set of tasks until the first one completes.
package worker

import (
	"context"
	"time"

	"github.com/fd1az/price-indexer/internal/apperror"
	"github.com/fd1az/price-indexer/internal/logger"
)

// Worker is a long-lived task. Run blocks until the task finishes on its
// own (returning its terminal error, nil for a clean exit) or the context
// is cancelled.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Func adapts a function to the Worker interface.
type Func struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFunc wraps fn as a named worker.
func NewFunc(name string, fn func(ctx context.Context) error) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Run(ctx context.Context) error { return f.fn(ctx) }

type result struct {
	name string
	err  error
}

// Group supervises a set of workers. All are spawned concurrently; the
// first one to complete, successfully or not, triggers a shutdown broadcast
// (context cancellation) to the rest, which are then drained under a
// timeout. Workers still running after the drain are abandoned.
type Group struct {
	log     logger.LoggerInterface
	drain   time.Duration
	workers []Worker
}

// NewGroup creates a supervisor with the given drain timeout.
func NewGroup(log logger.LoggerInterface, drain time.Duration) *Group {
	if drain <= 0 {
		drain = 5 * time.Second
	}
	return &Group{log: log, drain: drain}
}

// Add registers a worker. Must be called before Run.
func (g *Group) Add(w Worker) {
	g.workers = append(g.workers, w)
}

// Run executes the group and returns the error of the first-completing
// worker. When that worker exited cleanly, Run returns nil if the rest
// drain in time and a WORKER_DRAIN_TIMEOUT error if they do not; an error
// from the first worker takes precedence over the drain timeout.
func (g *Group) Run(ctx context.Context) error {
	if len(g.workers) == 0 {
		return apperror.New(apperror.CodeInvalidState,
			apperror.WithContext("no workers registered"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, len(g.workers))
	for _, w := range g.workers {
		w := w
		go func() {
			err := w.Run(ctx)
			results <- result{name: w.Name(), err: err}
		}()
	}

	g.log.Info(ctx, "workers started", "count", len(g.workers))

	first := <-results
	if first.err != nil {
		g.log.Error(ctx, "worker failed", "worker", first.name, "error", first.err)
	} else {
		g.log.Info(ctx, "worker exited", "worker", first.name)
	}

	// Broadcast shutdown and drain the rest.
	cancel()

	remaining := len(g.workers) - 1
	timer := time.NewTimer(g.drain)
	defer timer.Stop()

	for remaining > 0 {
		select {
		case res := <-results:
			remaining--
			if res.err != nil && ctx.Err() == nil {
				g.log.Error(ctx, "worker failed during drain", "worker", res.name, "error", res.err)
			} else {
				g.log.Info(ctx, "worker exited", "worker", res.name)
			}
		case <-timer.C:
			g.log.Error(ctx, "workers did not exit within drain timeout",
				"timeout", g.drain, "abandoned", remaining)
			if first.err != nil {
				return first.err
			}
			return apperror.New(apperror.CodeWorkerDrainTimeout,
				apperror.WithContext("partial drain"))
		}
	}

	g.log.Info(ctx, "all workers exited")
	return first.err
}
