// Package coordinator runs code on behalf of sessions. Every call is bounded
// by a timeout the caller can rely on: the engine is touched only from pool
// workers, and a call that outlives its timeout is asked to stop and left to
// finish on its own while the caller gets its result.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/gorupool/engine"
	"github.com/caffeineduck/gorupool/environment"
	"github.com/caffeineduck/gorupool/internal/tracing"
	"github.com/caffeineduck/gorupool/internal/workerpool"
	"github.com/caffeineduck/gorupool/progress"
	"github.com/caffeineduck/gorupool/scope"
	"github.com/caffeineduck/gorupool/session"
)

var (
	ErrTimeout = errors.New("execution timed out")
	ErrClosed  = errors.New("coordinator closed")
	ErrPanic   = errors.New("execution panicked")
)

// Result is what a caller sees of one code submission. A guest error is
// reported through Failed and the output lines, not through Err.
type Result struct {
	SessionID string
	Output    string
	Lines     []string
	Duration  time.Duration
	TimedOut  bool
	Failed    bool
	Err       error
}

// Coordinator ties sessions, scopes and the engine together.
type Coordinator struct {
	eng      *engine.Engine
	sessions *session.Manager
	scopes   *scope.Store

	pool     *workerpool.Pool
	ownsPool bool
	sink     progress.Sink
	runner   CommandRunner
	tracer   *tracing.Provider
	logger   *slog.Logger

	execTimeout    time.Duration
	commandTimeout time.Duration

	stale  atomic.Int64
	closed atomic.Bool
}

// New creates a Coordinator. Without WithPool it starts its own pool and
// closes it in Close.
func New(eng *engine.Engine, sessions *session.Manager, scopes *scope.Store, opts ...Option) *Coordinator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &Coordinator{
		eng:            eng,
		sessions:       sessions,
		scopes:         scopes,
		pool:           o.pool,
		sink:           o.sink,
		runner:         o.runner,
		tracer:         o.tracer,
		logger:         o.logger,
		execTimeout:    o.execTimeout,
		commandTimeout: o.commandTimeout,
	}
	if c.pool == nil {
		c.pool = workerpool.New(o.workers, o.workers*4, workerpool.WithLogger(o.logger))
		c.ownsPool = true
	}
	if c.runner == nil {
		c.runner = NewShellRunner()
	}
	return c
}

// StaleWorkers counts executions that timed out but are still running.
func (c *Coordinator) StaleWorkers() int64 {
	return c.stale.Load()
}

const (
	stateRunning int32 = iota
	stateFinished
	stateAbandoned
)

type execution struct {
	c         *Coordinator
	sessionID string
	identity  scope.Identity
	env       *environment.VirtualEnvironment
	code      string
	release   func()

	stop      atomic.Bool
	state     atomic.Int32
	writer    *lineWriter
	collected collector
	drained   chan struct{}
	done      chan error

	execCtx    context.Context
	lockCtx    context.Context
	cancelLock context.CancelFunc
}

// ExecuteAsync runs code in the session's scope and returns within timeout
// (or the default when timeout is zero). Output is delivered line by line to
// the progress sink and the session buffer while the code runs. Lifecycle
// failures such as an unknown or terminated session are returned as errors.
func (c *Coordinator) ExecuteAsync(ctx context.Context, sessionID, code string, timeout time.Duration) (Result, error) {
	if c.closed.Load() {
		return Result{SessionID: sessionID}, ErrClosed
	}
	if timeout <= 0 {
		timeout = c.execTimeout
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.execute", "INTERNAL")
	span.WithAttributes(map[string]string{"session.id": sessionID})

	sess, release, err := c.sessions.BeginExecution(sessionID)
	if err != nil {
		span.End(err)
		return Result{SessionID: sessionID}, err
	}
	env, err := c.sessions.Environment(sessionID)
	if err != nil {
		release()
		span.End(err)
		return Result{SessionID: sessionID}, err
	}

	start := time.Now()
	x := &execution{
		c:         c,
		sessionID: sessionID,
		identity:  scope.Identity{SessionID: sessionID, Username: sess.Username},
		env:       env,
		code:      code,
		release:   release,
		drained:   make(chan struct{}),
		done:      make(chan error, 1),
		execCtx:   context.WithoutCancel(ctx),
	}
	x.writer = newLineWriter(&x.stop)
	x.lockCtx, x.cancelLock = context.WithCancel(ctx)
	defer x.cancelLock()

	c.emit(ctx, sessionID, progress.KindStart, progress.Ok, "execution started")
	go c.drain(ctx, sessionID, x.writer, &x.collected, x.drained)

	submitCtx, cancelSubmit := context.WithTimeout(ctx, timeout)
	err = c.pool.Submit(submitCtx, x.run)
	cancelSubmit()
	if err != nil {
		x.writer.halt()
		<-x.drained
		release()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return c.timedOut(ctx, span, x, start, timeout), nil
		}
		span.End(err)
		return Result{SessionID: sessionID, Err: err}, err
	}

	timer := time.NewTimer(timeout - time.Since(start))
	defer timer.Stop()

	select {
	case err := <-x.done:
		return c.finish(ctx, span, x, start, err)
	case <-timer.C:
		if !x.abandon() {
			return c.finish(ctx, span, x, start, <-x.done)
		}
		return c.timedOut(ctx, span, x, start, timeout), nil
	case <-ctx.Done():
		if !x.abandon() {
			return c.finish(ctx, span, x, start, <-x.done)
		}
		res := x.result(start)
		res.Err = ctx.Err()
		span.End(ctx.Err())
		return res, ctx.Err()
	}
}

func (c *Coordinator) finish(ctx context.Context, span *tracing.Span, x *execution, start time.Time, err error) (Result, error) {
	<-x.drained
	res := x.result(start)
	span.SetInt("lines", int64(len(res.Lines)))

	if ge, ok := engine.AsGuestError(err); ok {
		res.Failed = true
		c.emit(ctx, x.sessionID, progress.KindError, progress.Failed, ge.Error())
		span.End(ge)
		return res, nil
	}
	if err != nil {
		res.Err = err
		c.emit(ctx, x.sessionID, progress.KindError, progress.Failed, "execution failed: "+err.Error())
		span.End(err)
		return res, err
	}
	c.emit(ctx, x.sessionID, progress.KindComplete, progress.Ok,
		fmt.Sprintf("execution completed in %s", res.Duration.Round(time.Millisecond)))
	span.End(nil)
	return res, nil
}

func (c *Coordinator) timedOut(ctx context.Context, span *tracing.Span, x *execution, start time.Time, timeout time.Duration) Result {
	res := x.result(start)
	res.TimedOut = true
	res.Err = ErrTimeout
	c.emit(ctx, x.sessionID, progress.KindTimeout, progress.Warning,
		fmt.Sprintf("execution timed out after %s", timeout))
	c.logger.Warn("execution timed out", "session", x.sessionID, "timeout", timeout, "stale", c.stale.Load())
	span.End(ErrTimeout)
	return res
}

// abandon detaches the caller from a running execution. It reports false
// when the worker finished first.
func (x *execution) abandon() bool {
	x.c.stale.Add(1)
	if !x.state.CompareAndSwap(stateRunning, stateAbandoned) {
		x.c.stale.Add(-1)
		return false
	}
	x.cancelLock()
	x.writer.halt()
	<-x.drained
	return true
}

func (x *execution) result(start time.Time) Result {
	lines := x.collected.snapshot()
	return Result{
		SessionID: x.sessionID,
		Output:    strings.Join(lines, "\n"),
		Lines:     lines,
		Duration:  time.Since(start),
	}
}

// run is the worker side. The session stays busy until it returns.
func (x *execution) run() {
	defer x.release()

	err := x.guard(x.exec)
	if ge, ok := engine.AsGuestError(err); ok {
		x.writer.flush()
		x.writer.emit(true, ge.Lines()...)
	}
	x.writer.finish()

	if x.state.CompareAndSwap(stateRunning, stateFinished) {
		x.done <- err
	} else {
		x.c.stale.Add(-1)
		x.c.logger.Info("stale execution finished", "session", x.sessionID, "err", err)
	}
}

// guard turns a panic in fn into an ErrPanic error.
func (x *execution) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			x.c.logger.Error("execution panicked", "session", x.sessionID, "panic", r)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}

func (x *execution) exec() error {
	sc, unlock, err := x.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	if err := x.active(); err != nil {
		x.discard(sc)
		return err
	}
	err = x.guard(func() error {
		return sc.Namespace().Exec(x.execCtx, engine.ExecRequest{
			Code:        x.code,
			Stdout:      x.writer,
			Stderr:      x.writer,
			Interrupted: x.stop.Load,
		})
	})
	x.writer.flush()

	if resetsScope(err) {
		x.discard(sc)
	}
	return err
}

// discard drops sc while the engine lock is held.
func (x *execution) discard(sc *scope.Scope) {
	if _, err := x.c.scopes.DiscardLocked(x.execCtx, sc); err != nil {
		x.c.logger.Warn("discard scope", "session", x.sessionID, "err", err)
	}
}

// acquire returns the session's scope together with the engine lock. A
// scope replaced while waiting for the lock is looked up again.
func (x *execution) acquire() (*scope.Scope, func(), error) {
	for {
		sc, err := x.c.scopes.EnsureScope(x.lockCtx, x.identity, x.env)
		if errors.Is(err, scope.ErrScopeDiscarded) {
			if aerr := x.active(); aerr != nil {
				return nil, nil, aerr
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		_, unlock, err := x.c.eng.Lock(x.lockCtx)
		if err != nil {
			return nil, nil, err
		}
		if x.c.scopes.Current(sc) {
			return sc, unlock, nil
		}
		unlock()
		if err := x.active(); err != nil {
			return nil, nil, err
		}
	}
}

// active fails once the session has been terminated or unregistered.
func (x *execution) active() error {
	s, ok := x.c.sessions.GetSession(x.sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, x.sessionID)
	}
	if !s.Active() {
		return fmt.Errorf("%w: %s", session.ErrSessionTerminated, x.sessionID)
	}
	return nil
}

// resetsScope reports errors after which the namespace can no longer be
// trusted.
func resetsScope(err error) bool {
	return errors.Is(err, engine.ErrInterrupted) ||
		errors.Is(err, engine.ErrNamespaceClosed) ||
		errors.Is(err, ErrPanic)
}

// drain forwards lines in production order until the writer closes. With
// an empty sessionID lines only reach the collector and the sink.
func (c *Coordinator) drain(ctx context.Context, sessionID string, w *lineWriter, col *collector, drained chan<- struct{}) {
	defer close(drained)
	for line := range w.out {
		col.add(line.text)
		if sessionID != "" {
			c.sessions.AppendOutput(sessionID, line.text)
		}
		status := progress.Ok
		if line.failed {
			status = progress.Failed
		}
		c.emit(ctx, sessionID, progress.KindOutput, status, line.text)
	}
}

func (c *Coordinator) emit(ctx context.Context, sessionID string, kind progress.Kind, status progress.Status, msg string) {
	c.sink.Emit(ctx, progress.Event{
		SessionID: sessionID,
		Kind:      kind,
		Status:    status,
		Message:   msg,
		Time:      time.Now(),
	})
}

// Close stops accepting work and, when the pool is owned, waits for queued
// executions until ctx expires.
func (c *Coordinator) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.ownsPool {
		return c.pool.Close(ctx)
	}
	return nil
}
