// Package callback provides the deferred-work services of the runtime: a
// FIFO job queue drained by a fixed set of workers, and a one-shot timer
// service whose expiries are delivered through that queue.
package callback

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Job is a unit of deferred work.
type Job func()

// Submitter accepts jobs.
type Submitter interface {
	Submit(j Job) bool
}

// DefaultWorkers is the worker count used when Pool is given zero.
const DefaultWorkers = 2

// Pool is a FIFO job queue with N workers.
//
// Jobs submitted from a single goroutine start in submission order. With
// more than one worker they may finish out of order; callers needing strict
// ordering serialise through a record lock.
type Pool struct {
	queue   *Queue[Job]
	workers int
	logger  *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the number of workers started by Run.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

// NewPool creates a pool. Nothing runs until Run is called; tests may
// instead drain the queue deterministically with RunPending.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		queue:   NewQueue[Job](),
		workers: DefaultWorkers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit enqueues j. It returns false after Close.
func (p *Pool) Submit(j Job) bool {
	if j == nil {
		return false
	}
	return p.queue.Enqueue(j)
}

// Len returns the number of jobs waiting.
func (p *Pool) Len() int {
	return p.queue.Len()
}

// Run starts the workers and blocks until ctx is done or Close is called.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Debug("callback workers starting", "workers", p.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.work(ctx)
		})
	}
	err := g.Wait()
	p.logger.Debug("callback workers stopped")
	return err
}

func (p *Pool) work(ctx context.Context) error {
	for {
		if j, ok := p.queue.TryDequeue(); ok {
			j()
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.queue.Wait():
			if p.queue.Closed() && p.queue.Len() == 0 {
				return nil
			}
		}
	}
}

// RunPending runs queued jobs on the calling goroutine until the queue is
// empty, including jobs submitted by the jobs it runs. It returns the number
// of jobs executed.
func (p *Pool) RunPending() int {
	n := 0
	for {
		j, ok := p.queue.TryDequeue()
		if !ok {
			return n
		}
		j()
		n++
	}
}

// Close stops accepting jobs. Workers exit once the queue is drained.
func (p *Pool) Close() {
	p.queue.Close()
}
