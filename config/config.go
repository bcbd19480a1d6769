// Package config loads gorupool settings from a file and GORUPOOL_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/caffeineduck/gorupool/coordinator"
	"github.com/caffeineduck/gorupool/engine"
	"github.com/caffeineduck/gorupool/environment"
	"github.com/caffeineduck/gorupool/session"
)

const (
	configName = "gorupool"
	envPrefix  = "GORUPOOL"
)

type Config struct {
	LogLevel     string                   `mapstructure:"log_level"`
	Engine       EngineConfig             `mapstructure:"engine"`
	Sessions     SessionConfig            `mapstructure:"sessions"`
	Execution    ExecutionConfig          `mapstructure:"execution"`
	State        StateConfig              `mapstructure:"state"`
	Tracing      TracingConfig            `mapstructure:"tracing"`
	Environments []environment.Descriptor `mapstructure:"environments"`
}

type EngineConfig struct {
	Runtime       string        `mapstructure:"runtime"`
	Dialect       string        `mapstructure:"dialect"`
	BootScript    string        `mapstructure:"boot_script"`
	StartTimeout  time.Duration `mapstructure:"start_timeout"`
	MemoryLimitMB uint32        `mapstructure:"memory_limit_mb"`
	CacheDir      string        `mapstructure:"cache_dir"`
	DiskCache     bool          `mapstructure:"disk_cache"`
	MaxFileSize   int64         `mapstructure:"max_file_size"`
}

type SessionConfig struct {
	MaxConcurrent         int           `mapstructure:"max_concurrent"`
	AdmissionTimeout      time.Duration `mapstructure:"admission_timeout"`
	InactivityTimeout     time.Duration `mapstructure:"inactivity_timeout"`
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
	Retention             time.Duration `mapstructure:"retention"`
	UnregisterOnTerminate bool          `mapstructure:"unregister_on_terminate"`
	OutputBufferLines     int           `mapstructure:"output_buffer_lines"`
}

type ExecutionConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	Workers        int           `mapstructure:"workers"`
}

// StateConfig names where registries are persisted. Any afs URL works,
// e.g. file:///var/lib/gorupool/sessions.yaml or mem://localhost/envs.json.
type StateConfig struct {
	Environments string `mapstructure:"environments"`
	Sessions     string `mapstructure:"sessions"`
}

type TracingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Output  string `mapstructure:"output"`
}

func setDefaults(v *viper.Viper) {
	sd := session.DefaultConfig()
	v.SetDefault("log_level", "info")
	v.SetDefault("engine.dialect", "python")
	v.SetDefault("engine.start_timeout", 30*time.Second)
	v.SetDefault("engine.disk_cache", true)
	v.SetDefault("sessions.max_concurrent", sd.MaxConcurrentSessions)
	v.SetDefault("sessions.admission_timeout", sd.AdmissionTimeout)
	v.SetDefault("sessions.inactivity_timeout", sd.InactivityTimeout)
	v.SetDefault("sessions.cleanup_interval", sd.CleanupInterval)
	v.SetDefault("sessions.retention", sd.Retention)
	v.SetDefault("sessions.unregister_on_terminate", false)
	v.SetDefault("sessions.output_buffer_lines", sd.OutputBufferLines)
	v.SetDefault("execution.timeout", coordinator.DefaultExecTimeout)
	v.SetDefault("execution.command_timeout", coordinator.DefaultCommandTimeout)
	v.SetDefault("execution.workers", 4)
	v.SetDefault("tracing.enabled", false)
}

// Load reads path, or gorupool.{yaml,toml,json} from the working directory
// and the user config directory when path is empty. A missing default file
// is not an error; a missing explicit file is.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied viper instance, so flags can be
// bound before reading.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, configName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	var errs []error
	if c.Sessions.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("sessions.max_concurrent must be positive"))
	}
	if c.Execution.Timeout <= 0 {
		errs = append(errs, errors.New("execution.timeout must be positive"))
	}
	if c.Execution.Workers <= 0 {
		errs = append(errs, errors.New("execution.workers must be positive"))
	}
	seen := make(map[string]bool, len(c.Environments))
	for i, d := range c.Environments {
		if strings.TrimSpace(d.ID) == "" {
			errs = append(errs, fmt.Errorf("environments[%d]: id is required", i))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("environments[%d]: duplicate id %q", i, d.ID))
		}
		seen[d.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// EngineConfig converts to the engine's own configuration.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		RuntimePath:  c.Engine.Runtime,
		Dialect:      c.Engine.Dialect,
		BootScript:   c.Engine.BootScript,
		StartTimeout: c.Engine.StartTimeout,
	}
}

func (c Config) SessionConfig() session.Config {
	return session.Config{
		MaxConcurrentSessions: c.Sessions.MaxConcurrent,
		AdmissionTimeout:      c.Sessions.AdmissionTimeout,
		InactivityTimeout:     c.Sessions.InactivityTimeout,
		CleanupInterval:       c.Sessions.CleanupInterval,
		Retention:             c.Sessions.Retention,
		UnregisterOnTerminate: c.Sessions.UnregisterOnTerminate,
		OutputBufferLines:     c.Sessions.OutputBufferLines,
	}
}

// MemoryLimitPages converts the megabyte limit to 64KB pages.
func (c Config) MemoryLimitPages() uint32 {
	return c.Engine.MemoryLimitMB * 16
}

// Level parses LogLevel, falling back to info.
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
