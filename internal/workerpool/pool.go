// Package workerpool runs submitted tasks on a fixed set of goroutines
// behind a bounded backlog.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a unit of work.
type Task func()

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers   int
	Queued    int
	Running   int64
	Completed int64
	Panics    int64
}

// Pool dispatches tasks across worker goroutines.
type Pool struct {
	tasks   chan Task
	quit    chan struct{}
	wg      sync.WaitGroup
	workers int
	closed  atomic.Bool
	once    sync.Once

	logger  *slog.Logger
	onPanic func(recovered any)

	running   atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPanicHandler is called with the recovered value of a panicking task.
func WithPanicHandler(fn func(recovered any)) Option {
	return func(p *Pool) {
		p.onPanic = fn
	}
}

// New starts workers goroutines with room for queueSize pending tasks.
// Non-positive values default to runtime.NumCPU() workers and four queued
// tasks per worker.
func New(workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	p := &Pool{
		tasks:   make(chan Task, queueSize),
		quit:    make(chan struct{}),
		workers: workers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

// Submit queues task, waiting for backlog space until ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues task only if there is backlog space right now.
func (p *Pool) TrySubmit(task Task) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.execute(task)
		case <-p.quit:
			p.drain()
			return
		}
	}
}

func (p *Pool) drain() {
	for {
		select {
		case task := <-p.tasks:
			p.execute(task)
		default:
			return
		}
	}
}

func (p *Pool) execute(task Task) {
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("worker task panicked", "panic", r)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
	}()
	task()
}

// Close stops accepting tasks, lets queued tasks finish and waits for the
// workers until ctx is done.
func (p *Pool) Close(ctx context.Context) error {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.quit)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		// A Submit racing with Close may still have landed a task.
		p.drain()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    len(p.tasks),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}
