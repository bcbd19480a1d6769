package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caffeineduck/gorupool/config"
	"github.com/caffeineduck/gorupool/coordinator"
	"github.com/caffeineduck/gorupool/engine"
	"github.com/caffeineduck/gorupool/engine/wasm"
	"github.com/caffeineduck/gorupool/environment"
	"github.com/caffeineduck/gorupool/internal/tracing"
	"github.com/caffeineduck/gorupool/persist"
	"github.com/caffeineduck/gorupool/progress"
	"github.com/caffeineduck/gorupool/scope"
	"github.com/caffeineduck/gorupool/session"
)

const (
	serviceName    = "gorupool"
	serviceVersion = "0.1.0"
	defaultEnvID   = "default"
)

// flagKeys binds CLI flags over config keys.
var flagKeys = map[string]string{
	"runtime":   "engine.runtime",
	"dialect":   "engine.dialect",
	"log-level": "log_level",
	"trace":     "tracing.output",
}

type app struct {
	cfg      config.Config
	logger   *slog.Logger
	tracer   *tracing.Provider
	store    *persist.Store
	envs     *environment.Registry
	eng      *engine.Engine
	scopes   *scope.Store
	sessions *session.Manager
	coord    *coordinator.Coordinator
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := viper.New()
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return config.Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	path, _ := cmd.Flags().GetString("config")
	return config.LoadWith(v, path)
}

// wireApp builds every component. The engine is left uninitialized; commands
// that run code call start.
func wireApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()}))
	a := &app{cfg: cfg, logger: logger, store: persist.New()}

	if cfg.Tracing.Enabled || cfg.Tracing.Output != "" {
		tp, err := tracing.NewStdout(serviceName, serviceVersion, cfg.Tracing.Output)
		if err != nil {
			return nil, fmt.Errorf("wire tracing: %w", err)
		}
		tp.Install()
		a.tracer = tp
	}

	a.envs = environment.NewRegistry(environment.WithStore(a.store), environment.WithLogger(logger))
	for _, d := range cfg.Environments {
		if _, err := a.envs.Add(d); err != nil {
			return nil, fmt.Errorf("wire environments: %w", err)
		}
	}
	if url := cfg.State.Environments; url != "" {
		if _, err := a.envs.LoadEnvironments(ctx, url); err != nil && !errors.Is(err, persist.ErrNotFound) {
			return nil, err
		}
	}

	a.eng = engine.New(wasm.New(a.backendOptions(cmd)...), engine.WithLogger(logger))
	a.scopes = scope.New(a.eng, scope.WithLogger(logger))
	a.sessions = session.NewManager(a.envs, a.scopes,
		session.WithConfig(cfg.SessionConfig()),
		session.WithStore(a.store),
		session.WithLogger(logger),
	)
	a.coord = coordinator.New(a.eng, a.sessions, a.scopes,
		coordinator.WithWorkers(cfg.Execution.Workers),
		coordinator.WithExecTimeout(cfg.Execution.Timeout),
		coordinator.WithCommandTimeout(cfg.Execution.CommandTimeout),
		coordinator.WithSink(progress.Multi(
			progress.NewLogSink(logger),
			outputSink(cmd.OutOrStdout(), cmd.ErrOrStderr()),
		)),
		coordinator.WithTracer(a.tracer),
		coordinator.WithLogger(logger),
	)
	return a, nil
}

func (a *app) backendOptions(cmd *cobra.Command) []wasm.Option {
	noCache, _ := cmd.Flags().GetBool("no-cache")
	memory, _ := cmd.Flags().GetString("memory")

	opts := []wasm.Option{wasm.WithLogger(a.logger)}
	if a.cfg.Engine.DiskCache && !noCache {
		opts = append(opts, wasm.WithDiskCache(a.cfg.Engine.CacheDir))
	}
	pages := a.cfg.MemoryLimitPages()
	if p := parseMemoryLimit(memory); p > 0 {
		pages = p
	}
	if pages > 0 {
		opts = append(opts, wasm.WithMemoryLimit(pages))
	}
	if a.cfg.Engine.MaxFileSize > 0 {
		opts = append(opts, wasm.WithMaxFileSize(a.cfg.Engine.MaxFileSize))
	}
	return opts
}

// start brings the engine up and makes sure there is somewhere to place
// sessions.
func (a *app) start(ctx context.Context) error {
	if a.envs.Len() == 0 {
		if _, err := a.envs.Add(environment.Descriptor{ID: defaultEnvID}); err != nil {
			return err
		}
	}
	if err := a.eng.Initialize(ctx, a.cfg.EngineConfig()); err != nil {
		return err
	}
	a.sessions.Start(ctx)
	return nil
}

func (a *app) openSession(ctx context.Context, envID string) (session.Session, error) {
	return a.sessions.CreateSession(ctx, currentUser(), envID)
}

// close terminates live sessions, records them when a sessions state URL is
// configured, and shuts everything down.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, s := range a.sessions.ListSessions() {
		if s.Active() {
			_ = a.sessions.TerminateSession(ctx, s.ID, "exit")
		}
	}
	if url := a.cfg.State.Sessions; url != "" {
		if _, err := a.sessions.LoadSessions(ctx, url); err != nil && !errors.Is(err, persist.ErrNotFound) {
			a.logger.Warn("load session history", "err", err)
		}
		if err := a.sessions.SaveSessions(ctx, url); err != nil {
			a.logger.Warn("save session history", "err", err)
		}
	}
	if err := a.coord.Close(ctx); err != nil {
		a.logger.Warn("close coordinator", "err", err)
	}
	if err := a.sessions.Close(ctx); err != nil {
		a.logger.Warn("close session manager", "err", err)
	}
	if err := a.eng.Shutdown(ctx); err != nil {
		a.logger.Warn("shut down engine", "err", err)
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn("shut down tracing", "err", err)
	}
}

// outputSink prints guest output as it is produced.
func outputSink(stdout, stderr io.Writer) progress.Sink {
	return progress.SinkFunc(func(_ context.Context, ev progress.Event) {
		switch {
		case ev.Kind == progress.KindOutput && ev.Status == progress.Failed:
			fmt.Fprintln(stderr, ev.Message)
		case ev.Kind == progress.KindOutput:
			fmt.Fprintln(stdout, ev.Message)
		case ev.Kind == progress.KindTimeout:
			fmt.Fprintln(stderr, "Error:", ev.Message)
		}
	})
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "anonymous"
}
