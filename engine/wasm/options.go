package wasm

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caffeineduck/gorupool/hostfunc"
)

// Option configures a Backend.
type Option func(*options)

type options struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
	registry         *hostfunc.Registry
	logger           *slog.Logger
	fsOptions        []hostfunc.FSOption
}

func defaultOptions() options {
	return options{logger: slog.Default()}
}

// WithDiskCache enables a persistent compilation cache so repeated process
// starts skip recompiling the interpreter module. Without a directory it uses
// $XDG_CACHE_HOME/gorupool or ~/.cache/gorupool.
//
//	wasm.New(wasm.WithDiskCache())
//	wasm.New(wasm.WithDiskCache("/var/cache/gorupool"))
func WithDiskCache(dir ...string) Option {
	return func(o *options) {
		o.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			o.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps guest memory in 64KB pages. Zero means the wazero
// default of 4GB.
func WithMemoryLimit(pages uint32) Option {
	return func(o *options) {
		o.memoryLimitPages = pages
	}
}

// WithRegistry supplies host functions shared by every namespace.
func WithRegistry(r *hostfunc.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMaxFileSize caps guest reads and writes through the fs_ host functions.
func WithMaxFileSize(n int64) Option {
	return func(o *options) {
		o.fsOptions = append(o.fsOptions, hostfunc.WithMaxFileSize(n))
	}
}

// Memory limit presets.
const (
	MemoryLimit16MB  uint32 = 256
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
	MemoryLimit1GB   uint32 = 16384
)

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "gorupool")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "gorupool")
	}
	return filepath.Join(os.TempDir(), "gorupool-cache")
}
