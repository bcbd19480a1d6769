package wasm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/caffeineduck/gorupool/engine"
	"github.com/caffeineduck/gorupool/hostfunc"
	"github.com/tetratelabs/wazero"
)

const (
	libraryMount = "/packages"
	pollInterval = 10 * time.Millisecond
)

// Namespace is one guest instance. Bound values live host-side and are
// visible to the guest through the scope_ host functions.
type Namespace struct {
	rt  *Runtime
	cfg engine.NamespaceConfig

	vars     *hostfunc.KVStore
	stdout   *router
	protocol *protocolHandler
	stdin    *lineWriter

	stdinReader *io.PipeReader
	stdinWriter *io.PipeWriter
	cancel      context.CancelFunc
	exited      chan struct{}
	exitErr     error

	execMu    sync.Mutex
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (r *Runtime) boot(ctx context.Context, compiled wazero.CompiledModule, cfg engine.NamespaceConfig) (*Namespace, error) {
	nsCtx, cancel := context.WithCancel(context.Background())

	ns := &Namespace{
		rt:     r,
		cfg:    cfg,
		vars:   hostfunc.NewKVStore(),
		stdout: &router{},
		cancel: cancel,
		exited: make(chan struct{}),
	}
	ns.stdinReader, ns.stdinWriter = io.Pipe()
	ns.stdin = &lineWriter{w: ns.stdinWriter}

	registry := r.registry.Clone()
	registry.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	})
	ns.vars.Register(registry, "scope")

	env := map[string]string{"GORU_SESSION": "1"}
	for k, v := range r.cfg.Env {
		env[k] = v
	}
	for k, v := range cfg.Env {
		env[k] = v
	}

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(ns.stdout).
		WithStdin(ns.stdinReader).
		WithArgs(r.dialect.Args(r.cfg.BootScript)...).
		WithName("")

	if cfg.LibraryPath != "" {
		fs := hostfunc.NewFS([]hostfunc.Mount{{VirtualPath: libraryMount, HostPath: cfg.LibraryPath}}, r.fsOptions...)
		fs.Register(registry)
		moduleConfig = moduleConfig.WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(cfg.LibraryPath, libraryMount))
		for k, v := range r.dialect.Env(libraryMount) {
			env[k] = v
		}
	}
	for k, v := range env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	ns.protocol = newProtocolHandler(nsCtx, registry, ns.stdin)
	moduleConfig = moduleConfig.WithStderr(ns.protocol)

	go func() {
		mod, err := r.wrt.InstantiateModule(nsCtx, compiled, moduleConfig)
		if mod != nil {
			_ = mod.Close(context.Background())
		}
		ns.exitErr = err
		_ = ns.stdinReader.Close()
		close(ns.exited)
	}()

	timeout := r.cfg.StartTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ns.protocol.Ready():
		r.logger.Debug("namespace ready", "id", cfg.ID)
		return ns, nil
	case <-ns.exited:
		ns.terminate()
		return nil, fmt.Errorf("start namespace %s: guest exited before ready: %w", cfg.ID, exitError(ns.exitErr))
	case <-timer.C:
		ns.terminate()
		return nil, fmt.Errorf("start namespace %s: timeout after %v", cfg.ID, timeout)
	case <-ctx.Done():
		ns.terminate()
		return nil, ctx.Err()
	}
}

func exitError(err error) error {
	if err == nil {
		return io.EOF
	}
	return err
}

func (n *Namespace) Bind(name string, value engine.Value) error {
	if n.isClosed() {
		return engine.ErrNamespaceClosed
	}
	return n.vars.Store(name, value.Any())
}

func (n *Namespace) Lookup(name string) (engine.Value, bool) {
	v, ok := n.vars.Load(name)
	if !ok {
		return engine.None(), false
	}
	return engine.FromAny(v), true
}

// Exec sends code to the guest and waits for its DONE or ERROR frame.
// Once the stop hook fires the guest is aborted and the namespace closes.
func (n *Namespace) Exec(ctx context.Context, req engine.ExecRequest) error {
	n.execMu.Lock()
	defer n.execMu.Unlock()

	if n.isClosed() {
		return engine.ErrNamespaceClosed
	}

	n.stdout.set(req.Stdout)
	n.protocol.ResetExec(req.Stderr)
	defer func() {
		n.stdout.set(nil)
		n.protocol.ResetExec(nil)
	}()
	done := n.protocol.Done()

	if err := n.stdin.send(command{Type: "exec", Code: req.Code}); err != nil {
		n.terminate()
		return fmt.Errorf("%w: write command: %w", engine.ErrNamespaceClosed, err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-n.exited:
			n.terminate()
			return fmt.Errorf("%w: guest exited: %w", engine.ErrNamespaceClosed, exitError(n.exitErr))
		case <-ctx.Done():
			n.terminate()
			return ctx.Err()
		case <-ticker.C:
			if req.Stopped() {
				n.terminate()
				return engine.ErrInterrupted
			}
		}
	}
}

// Close stops the guest. It does not wait for the exec lock so a hung
// command can still be torn down.
func (n *Namespace) Close(ctx context.Context) error {
	n.terminate()
	select {
	case <-n.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	if n.exitErr != nil && !errors.Is(n.exitErr, context.Canceled) {
		n.rt.logger.Debug("namespace exit", "id", n.cfg.ID, "err", n.exitErr)
	}
	return nil
}

func (n *Namespace) terminate() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.mu.Unlock()
		_ = n.stdinWriter.Close()
		_ = n.stdinReader.Close()
		n.cancel()
		n.rt.forget(n)
	})
}

func (n *Namespace) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}
