// Package wasm is the engine backend that hosts a WebAssembly interpreter
// module with wazero. Each namespace is a long-lived guest instance running
// its session loop; commands go in over stdin and results come back as
// stderr frames.
package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/caffeineduck/gorupool/engine"
	"github.com/caffeineduck/gorupool/hostfunc"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Backend opens wazero runtimes.
type Backend struct {
	opts options
}

// New returns a Backend.
func New(opts ...Option) *Backend {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Backend{opts: o}
}

func (b *Backend) Name() string { return "wasm" }

// Open validates cfg, creates the wazero runtime and compiles the
// interpreter module.
func (b *Backend) Open(ctx context.Context, cfg engine.Config) (engine.Runtime, error) {
	dialect, ok := DialectByName(cfg.Dialect)
	if !ok {
		return nil, &engine.ConfigError{Field: "Dialect", Reason: fmt.Sprintf("unknown dialect %q", cfg.Dialect)}
	}
	if err := checkModule(cfg.RuntimePath); err != nil {
		return nil, err
	}

	var cache wazero.CompilationCache
	if b.opts.diskCache {
		dir := b.opts.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if b.opts.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(b.opts.memoryLimitPages)
	}

	wrt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, wrt); err != nil {
		_ = wrt.Close(ctx)
		if cache != nil {
			_ = cache.Close(ctx)
		}
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	registry := b.opts.registry
	if registry == nil {
		registry = hostfunc.NewRegistry()
	}

	rt := &Runtime{
		wrt:        wrt,
		cache:      cache,
		cfg:        cfg,
		dialect:    dialect,
		registry:   registry,
		fsOptions:  b.opts.fsOptions,
		logger:     b.opts.logger.With("backend", "wasm"),
		compiled:   make(map[string]wazero.CompiledModule),
		namespaces: make(map[*Namespace]struct{}),
	}
	if _, err := rt.getCompiled(ctx, cfg.RuntimePath); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func checkModule(path string) error {
	if path == "" {
		return &engine.ConfigError{Field: "RuntimePath", Reason: "runtime reference is required"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return &engine.ConfigError{Field: "RuntimePath", Reason: "runtime module not readable", Err: err}
	}
	if info.IsDir() {
		return &engine.ConfigError{Field: "RuntimePath", Reason: path + " is a directory"}
	}
	return nil
}

// Runtime is one wazero runtime plus its compiled interpreter modules.
type Runtime struct {
	wrt       wazero.Runtime
	cache     wazero.CompilationCache
	cfg       engine.Config
	dialect   Dialect
	registry  *hostfunc.Registry
	fsOptions []hostfunc.FSOption
	logger    *slog.Logger

	mu         sync.RWMutex
	compiled   map[string]wazero.CompiledModule
	namespaces map[*Namespace]struct{}
	closed     bool
}

// getCompiled returns a cached compiled module, compiling if necessary.
func (r *Runtime) getCompiled(ctx context.Context, path string) (wazero.CompiledModule, error) {
	r.mu.RLock()
	if compiled, ok := r.compiled[path]; ok {
		r.mu.RUnlock()
		return compiled, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if compiled, ok := r.compiled[path]; ok {
		return compiled, nil
	}

	if err := checkModule(path); err != nil {
		return nil, err
	}
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, &engine.ConfigError{Field: "RuntimePath", Reason: "read runtime module", Err: err}
	}
	start := time.Now()
	compiled, err := r.wrt.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}
	r.logger.Debug("compiled runtime module", "path", path, "took", time.Since(start))
	r.compiled[path] = compiled
	return compiled, nil
}

func (r *Runtime) NewNamespace(ctx context.Context, cfg engine.NamespaceConfig) (engine.Namespace, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, engine.ErrNamespaceClosed
	}

	path := cfg.RuntimePath
	if path == "" {
		path = r.cfg.RuntimePath
	}
	compiled, err := r.getCompiled(ctx, path)
	if err != nil {
		return nil, err
	}

	ns, err := r.boot(ctx, compiled, cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.namespaces[ns] = struct{}{}
	r.mu.Unlock()
	return ns, nil
}

func (r *Runtime) forget(ns *Namespace) {
	r.mu.Lock()
	delete(r.namespaces, ns)
	r.mu.Unlock()
}

// Close stops every namespace and releases the wazero runtime.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	live := make([]*Namespace, 0, len(r.namespaces))
	for ns := range r.namespaces {
		live = append(live, ns)
	}
	r.mu.Unlock()

	for _, ns := range live {
		_ = ns.Close(ctx)
	}

	var firstErr error
	if err := r.wrt.Close(ctx); err != nil {
		firstErr = err
	}
	if r.cache != nil {
		if err := r.cache.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
