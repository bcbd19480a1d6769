package session

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/caffeineduck/gorupool/persist"
)

// Config bounds admission and drives cleanup.
type Config struct {
	// MaxConcurrentSessions is the number of admission slots.
	MaxConcurrentSessions int
	// AdmissionTimeout bounds how long CreateSession waits for a slot.
	AdmissionTimeout time.Duration
	// InactivityTimeout is the idle age after which the cleanup task
	// terminates an active session.
	InactivityTimeout time.Duration
	CleanupInterval   time.Duration
	// Retention is how long a terminated session stays registered. Use
	// UnregisterOnTerminate to drop sessions immediately.
	Retention time.Duration
	// UnregisterOnTerminate skips the retention window.
	UnregisterOnTerminate bool
	// OutputBufferLines caps each session's output buffer.
	OutputBufferLines int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentSessions: 2 * runtime.NumCPU(),
		AdmissionTimeout:      30 * time.Second,
		InactivityTimeout:     30 * time.Minute,
		CleanupInterval:       5 * time.Minute,
		Retention:             10 * time.Minute,
		OutputBufferLines:     1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = d.MaxConcurrentSessions
	}
	if c.AdmissionTimeout <= 0 {
		c.AdmissionTimeout = d.AdmissionTimeout
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = d.InactivityTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.OutputBufferLines == 0 {
		c.OutputBufferLines = d.OutputBufferLines
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig replaces the defaults; zero fields keep their default.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithClock injects the time source used for activity and cleanup.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithStore(s *persist.Store) Option {
	return func(m *Manager) {
		if s != nil {
			m.store = s
		}
	}
}
