package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// State is the lifecycle position of an Engine.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateShutDown:
		return "shut down"
	default:
		return "uninitialized"
	}
}

// ShutdownHook runs during Shutdown while the engine lock is held. It must use
// rt directly and must not call Lock.
type ShutdownHook func(ctx context.Context, rt Runtime) error

// Stats is a point-in-time view of lock usage.
type Stats struct {
	State        State
	Acquisitions int64
	Waiting      int64
}

// Engine owns the process-wide interpreter runtime and the lock that must
// wrap every touch of it. Only one holder may be inside the runtime at any
// instant; everyone else queues on Lock.
type Engine struct {
	backend Backend
	logger  *slog.Logger

	mu    sync.Mutex // guards state transitions, cfg and hooks
	state atomic.Int32
	cfg   Config
	hooks []ShutdownHook

	rtMu sync.RWMutex
	rt   Runtime

	gate         chan struct{}
	acquisitions atomic.Int64
	waiting      atomic.Int64
}

// New creates an uninitialized Engine over backend.
func New(backend Backend, opts ...Option) *Engine {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		backend: backend,
		logger:  cfg.logger,
		gate:    make(chan struct{}, 1),
	}
}

// Initialize brings the runtime up. Calling it on a live engine is a no-op.
func (e *Engine) Initialize(ctx context.Context, cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.State() {
	case StateInitialized:
		return nil
	case StateShutDown:
		return ErrShutDown
	}

	if e.backend == nil {
		return &ConfigError{Field: "Backend", Reason: "no backend configured"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.WithDefaults()

	rt, err := e.backend.Open(ctx, cfg)
	if err != nil {
		if errors.Is(err, ErrConfiguration) {
			return err
		}
		return fmt.Errorf("open %s runtime: %w", e.backend.Name(), err)
	}

	e.setRuntime(rt)
	e.cfg = cfg
	e.state.Store(int32(StateInitialized))
	e.logger.Info("engine initialized", "backend", e.backend.Name(), "runtime", cfg.RuntimePath)
	return nil
}

// Config returns the configuration the engine was initialized with.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// OnShutdown registers a hook run by Shutdown before the runtime is closed.
func (e *Engine) OnShutdown(hook ShutdownHook) {
	e.mu.Lock()
	e.hooks = append(e.hooks, hook)
	e.mu.Unlock()
}

// Lock acquires the engine lock. The returned release func must be called
// exactly once, and only engine calls may happen between the two.
func (e *Engine) Lock(ctx context.Context) (Runtime, func(), error) {
	if err := e.checkLive(); err != nil {
		return nil, nil, err
	}

	e.waiting.Add(1)
	select {
	case e.gate <- struct{}{}:
		e.waiting.Add(-1)
	case <-ctx.Done():
		e.waiting.Add(-1)
		return nil, nil, ctx.Err()
	}

	// Shutdown may have completed while we queued.
	rt := e.runtime()
	if err := e.checkLive(); err != nil || rt == nil {
		<-e.gate
		if err == nil {
			err = ErrShutDown
		}
		return nil, nil, err
	}

	e.acquisitions.Add(1)
	var once sync.Once
	release := func() {
		once.Do(func() { <-e.gate })
	}
	return rt, release, nil
}

// WithLock runs fn while holding the engine lock.
func (e *Engine) WithLock(ctx context.Context, fn func(rt Runtime) error) error {
	rt, release, err := e.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(rt)
}

// Shutdown runs the shutdown hooks and releases the runtime. It is safe to
// call more than once. If ctx expires before the lock can be taken the
// runtime is torn down anyway and the returned error wraps ErrShutdown.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() != StateInitialized {
		e.state.Store(int32(StateShutDown))
		return nil
	}

	var errs []error
	locked := false
	select {
	case e.gate <- struct{}{}:
		locked = true
	case <-ctx.Done():
		e.logger.Warn("engine lock still held at shutdown, forcing close", "err", ctx.Err())
		errs = append(errs, fmt.Errorf("acquire engine lock: %w", ctx.Err()))
	}

	rt := e.runtime()
	for _, hook := range e.hooks {
		if err := hook(ctx, rt); err != nil {
			errs = append(errs, err)
		}
	}

	if err := rt.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close runtime: %w", err))
	}

	e.state.Store(int32(StateShutDown))
	e.setRuntime(nil)
	if locked {
		<-e.gate
	}
	e.logger.Info("engine shut down")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrShutdown, errors.Join(errs...))
	}
	return nil
}

// Stats returns lock counters. Reads may race benignly with writers.
func (e *Engine) Stats() Stats {
	return Stats{
		State:        e.State(),
		Acquisitions: e.acquisitions.Load(),
		Waiting:      e.waiting.Load(),
	}
}

func (e *Engine) checkLive() error {
	switch e.State() {
	case StateUninitialized:
		return ErrNotInitialized
	case StateShutDown:
		return ErrShutDown
	}
	return nil
}

func (e *Engine) runtime() Runtime {
	e.rtMu.RLock()
	defer e.rtMu.RUnlock()
	return e.rt
}

func (e *Engine) setRuntime(rt Runtime) {
	e.rtMu.Lock()
	e.rt = rt
	e.rtMu.Unlock()
}
