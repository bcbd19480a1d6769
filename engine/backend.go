package engine

import (
	"context"
	"io"
	"time"
)

// Backend opens the embedded interpreter runtime. Implementations decide what
// "runtime reference" means; the wasm backend treats it as a module file.
type Backend interface {
	// Name identifies the backend in logs and errors.
	Name() string

	// Open validates cfg and brings the runtime up. A bad runtime reference
	// must be reported as a *ConfigError.
	Open(ctx context.Context, cfg Config) (Runtime, error)
}

// Runtime is a live interpreter. Every method must be called while holding
// the engine lock.
type Runtime interface {
	NewNamespace(ctx context.Context, cfg NamespaceConfig) (Namespace, error)
	Close(ctx context.Context) error
}

// Namespace is one isolated set of globals inside the runtime. Values bound
// in one namespace are never visible from another.
type Namespace interface {
	Bind(name string, value Value) error
	Lookup(name string) (Value, bool)
	Exec(ctx context.Context, req ExecRequest) error
	Close(ctx context.Context) error
}

// NamespaceConfig describes the namespace being allocated.
type NamespaceConfig struct {
	ID          string
	LibraryPath string // environment install-set, may be empty
	RuntimePath string // overrides Config.RuntimePath when set
	Env         map[string]string
}

// ExecRequest carries one code submission into a namespace.
type ExecRequest struct {
	Code   string
	Stdout io.Writer
	Stderr io.Writer

	// Interrupted is the cooperative stop hook. Backends poll it between
	// units of work and abandon the call with ErrInterrupted once it reports
	// true. It may be nil.
	Interrupted func() bool
}

// Stopped reports whether the caller asked the call to stop.
func (r ExecRequest) Stopped() bool {
	return r.Interrupted != nil && r.Interrupted()
}

// Config configures the embedded runtime.
type Config struct {
	// RuntimePath is the runtime reference, e.g. an interpreter .wasm file.
	RuntimePath string
	// Dialect selects how the interpreter is booted (python, quickjs, plain).
	Dialect string
	// BootScript is guest code run once per namespace to enter session mode.
	BootScript string
	// StartTimeout bounds namespace boot.
	StartTimeout time.Duration
	// Env is added to every namespace.
	Env map[string]string
}

const defaultStartTimeout = 30 * time.Second

// Validate checks the fields every backend relies on.
func (c Config) Validate() error {
	if c.RuntimePath == "" {
		return &ConfigError{Field: "RuntimePath", Reason: "runtime reference is required"}
	}
	if c.StartTimeout < 0 {
		return &ConfigError{Field: "StartTimeout", Reason: "must not be negative"}
	}
	return nil
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.StartTimeout == 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.Dialect == "" {
		c.Dialect = "plain"
	}
	return c
}
