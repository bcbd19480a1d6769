// Package enginetest provides an in-memory engine backend for tests that
// exercise scope, session and execution logic without booting a WASM guest.
//
// Submitted code is a line-oriented script understood only by this fake:
//
//	print <text>      write text to stdout
//	eprint <text>     write text to stderr
//	set <name> <val>  bind a string in the namespace
//	get <name>        print a bound value or "undefined"
//	sleep <duration>  sleep, polling the stop hook
//	spin              loop until the stop hook fires
//	hang              block until Release or runtime Close, ignoring the hook
//	fail <message>    raise a guest error
//	panic <message>   panic inside Exec, as a broken backend would
package enginetest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/gorupool/engine"
)

const pollInterval = 5 * time.Millisecond

// Backend is an engine.Backend whose runtimes live entirely in memory.
type Backend struct {
	// FailBind makes Bind fail for the named variable.
	FailBind string
	// FailOpen makes Open return this error.
	FailOpen error

	mu      sync.Mutex
	runtime *Runtime
}

// New returns a Backend.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) Open(ctx context.Context, cfg engine.Config) (engine.Runtime, error) {
	if b.FailOpen != nil {
		return nil, b.FailOpen
	}
	rt := &Runtime{
		failBind:   b.FailBind,
		namespaces: make(map[string]*Namespace),
		release:    make(chan struct{}),
	}
	b.mu.Lock()
	b.runtime = rt
	b.mu.Unlock()
	return rt, nil
}

// Runtime returns the most recently opened runtime.
func (b *Backend) Runtime() *Runtime {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runtime
}

// Runtime is the in-memory engine.Runtime.
type Runtime struct {
	failBind string

	mu         sync.Mutex
	namespaces map[string]*Namespace
	closed     bool
	release    chan struct{}
	releaseOne sync.Once

	inside    atomic.Int32
	maxInside atomic.Int32
	execs     atomic.Int64
}

func (r *Runtime) NewNamespace(ctx context.Context, cfg engine.NamespaceConfig) (engine.Namespace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, engine.ErrNamespaceClosed
	}
	ns := &Namespace{
		rt:   r,
		cfg:  cfg,
		vars: make(map[string]engine.Value),
	}
	r.namespaces[cfg.ID] = ns
	return ns, nil
}

func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, ns := range r.namespaces {
		ns.markClosed()
	}
	r.Release()
	return nil
}

// Release unblocks every "hang" statement.
func (r *Runtime) Release() {
	r.releaseOne.Do(func() { close(r.release) })
}

// MaxConcurrent is the largest number of Exec calls observed running at once.
func (r *Runtime) MaxConcurrent() int {
	return int(r.maxInside.Load())
}

// Execs counts Exec calls.
func (r *Runtime) Execs() int64 {
	return r.execs.Load()
}

// Namespace returns a live or closed namespace by id.
func (r *Runtime) Namespace(id string) (*Namespace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns, ok := r.namespaces[id]
	return ns, ok
}

// OpenNamespaces counts namespaces that have not been closed.
func (r *Runtime) OpenNamespaces() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ns := range r.namespaces {
		if !ns.isClosed() {
			n++
		}
	}
	return n
}

// Namespace is the in-memory engine.Namespace.
type Namespace struct {
	rt  *Runtime
	cfg engine.NamespaceConfig

	mu     sync.Mutex
	vars   map[string]engine.Value
	closed bool
}

func (n *Namespace) Config() engine.NamespaceConfig { return n.cfg }

func (n *Namespace) Bind(name string, value engine.Value) error {
	if n.rt.failBind != "" && n.rt.failBind == name {
		return fmt.Errorf("bind %s: injected failure", name)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return engine.ErrNamespaceClosed
	}
	n.vars[name] = value
	return nil
}

func (n *Namespace) Lookup(name string) (engine.Value, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.vars[name]
	return v, ok
}

func (n *Namespace) Close(ctx context.Context) error {
	n.markClosed()
	return nil
}

func (n *Namespace) Closed() bool { return n.isClosed() }

func (n *Namespace) markClosed() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
}

func (n *Namespace) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *Namespace) Exec(ctx context.Context, req engine.ExecRequest) error {
	if n.isClosed() {
		return engine.ErrNamespaceClosed
	}

	inside := n.rt.inside.Add(1)
	defer n.rt.inside.Add(-1)
	for {
		peak := n.rt.maxInside.Load()
		if inside <= peak || n.rt.maxInside.CompareAndSwap(peak, inside) {
			break
		}
	}
	n.rt.execs.Add(1)

	stdout := req.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := req.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	scanner := bufio.NewScanner(strings.NewReader(req.Code))
	for scanner.Scan() {
		if req.Stopped() {
			return engine.ErrInterrupted
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		verb, rest, _ := strings.Cut(line, " ")
		if err := n.run(ctx, req, verb, rest, stdout, stderr); err != nil {
			return err
		}
	}
	return nil
}

func (n *Namespace) run(ctx context.Context, req engine.ExecRequest, verb, rest string, stdout, stderr io.Writer) error {
	switch verb {
	case "print":
		_, err := io.WriteString(stdout, rest+"\n")
		return err
	case "eprint":
		_, err := io.WriteString(stderr, rest+"\n")
		return err
	case "set":
		name, value, _ := strings.Cut(rest, " ")
		return n.Bind(name, engine.String(value))
	case "get":
		v, ok := n.Lookup(rest)
		out := "undefined"
		if ok {
			out = v.String()
		}
		_, err := io.WriteString(stdout, out+"\n")
		return err
	case "sleep":
		d, err := time.ParseDuration(rest)
		if err != nil {
			return &engine.GuestError{Type: "SyntaxError", Message: err.Error()}
		}
		return n.wait(ctx, req, time.After(d))
	case "spin":
		return n.wait(ctx, req, nil)
	case "hang":
		select {
		case <-n.rt.release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case "fail":
		return &engine.GuestError{Type: "RuntimeError", Message: rest, Trace: []string{"Traceback (most recent call last):"}}
	case "panic":
		panic(rest)
	default:
		return &engine.GuestError{Type: "NameError", Message: fmt.Sprintf("unknown statement %q", verb)}
	}
}

func (n *Namespace) wait(ctx context.Context, req engine.ExecRequest, done <-chan time.Time) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-n.rt.release:
			return errors.New("runtime closed")
		case <-ticker.C:
			if req.Stopped() {
				return engine.ErrInterrupted
			}
		}
	}
}
