// Package progress carries line-oriented execution events to observers.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status tags an event.
type Status int

const (
	Ok Status = iota
	Warning
	Failed
)

func (s Status) String() string {
	switch s {
	case Warning:
		return "warning"
	case Failed:
		return "failed"
	default:
		return "ok"
	}
}

// Kind is the lifecycle point an event reports.
type Kind string

const (
	KindStart    Kind = "start"
	KindOutput   Kind = "output"
	KindTimeout  Kind = "timeout"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

type Event struct {
	SessionID string
	Kind      Kind
	Status    Status
	Message   string
	Time      time.Time
}

// Sink receives events. Implementations must not block for long; they are
// called from the output drain loop.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

type multi []Sink

func (m multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// Multi fans events out to every non-nil sink, in order.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

// NewLogSink writes events through logger; output lines at debug level,
// lifecycle events at the level their status implies.
func NewLogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) {
		level := slog.LevelInfo
		switch {
		case ev.Status == Failed:
			level = slog.LevelError
		case ev.Status == Warning:
			level = slog.LevelWarn
		case ev.Kind == KindOutput:
			level = slog.LevelDebug
		}
		logger.Log(ctx, level, ev.Message,
			"session", ev.SessionID,
			"kind", string(ev.Kind),
			"status", ev.Status.String())
	})
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of what has been recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Messages returns the messages of events of kind k.
func (r *Recorder) Messages(k Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev.Message)
		}
	}
	return out
}
