package coordinator

import (
	"log/slog"
	"time"

	"github.com/caffeineduck/gorupool/internal/tracing"
	"github.com/caffeineduck/gorupool/internal/workerpool"
	"github.com/caffeineduck/gorupool/progress"
)

const (
	DefaultExecTimeout    = 30 * time.Second
	DefaultCommandTimeout = 5 * time.Minute
)

type options struct {
	pool           *workerpool.Pool
	workers        int
	sink           progress.Sink
	runner         CommandRunner
	tracer         *tracing.Provider
	logger         *slog.Logger
	execTimeout    time.Duration
	commandTimeout time.Duration
}

func defaultOptions() options {
	return options{
		workers:        4,
		sink:           progress.Discard,
		logger:         slog.Default(),
		execTimeout:    DefaultExecTimeout,
		commandTimeout: DefaultCommandTimeout,
	}
}

// Option configures a Coordinator.
type Option func(*options)

// WithPool runs executions on p. The caller keeps ownership and closes it.
func WithPool(p *workerpool.Pool) Option {
	return func(o *options) {
		o.pool = p
	}
}

// WithWorkers sizes the pool the coordinator creates when none is given.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithSink(s progress.Sink) Option {
	return func(o *options) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithCommandRunner replaces the shell used by ExecuteCommand.
func WithCommandRunner(r CommandRunner) Option {
	return func(o *options) {
		o.runner = r
	}
}

func WithTracer(p *tracing.Provider) Option {
	return func(o *options) {
		o.tracer = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithExecTimeout sets the timeout used when ExecuteAsync is given none.
func WithExecTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.execTimeout = d
		}
	}
}

func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.commandTimeout = d
		}
	}
}
