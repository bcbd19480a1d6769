// Package session admits callers, places them on environments and tracks
// their lifecycle. Sessions go Active -> Terminated and are unregistered
// after a retention window, so the reason a session ended stays visible for
// a while.
package session

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

var (
	ErrCapacityExceeded  = errors.New("session capacity exceeded")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionTerminated = errors.New("session terminated")
)

// Status is a session lifecycle state.
type Status int

const (
	StatusActive Status = iota
	StatusTerminated
)

func (s Status) String() string {
	if s == StatusTerminated {
		return "terminated"
	}
	return "active"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "active":
		*s = StatusActive
	case "terminated":
		*s = StatusTerminated
	default:
		return fmt.Errorf("unknown session status %q", b)
	}
	return nil
}

// End reasons recorded by the manager itself.
const (
	ReasonInactive = "inactive"
	ReasonRestored = "restored"
)

// Session is a snapshot of a session record.
type Session struct {
	ID            string            `json:"id" yaml:"id" toml:"id"`
	Username      string            `json:"username" yaml:"username" toml:"username"`
	EnvironmentID string            `json:"environmentId" yaml:"environmentId" toml:"environment_id"`
	Status        Status            `json:"status" yaml:"status" toml:"status"`
	CreatedAt     time.Time         `json:"createdAt" yaml:"createdAt" toml:"created_at"`
	StartedAt     time.Time         `json:"startedAt,omitzero" yaml:"startedAt,omitempty" toml:"started_at"`
	LastActivity  time.Time         `json:"lastActivity" yaml:"lastActivity" toml:"last_activity"`
	EndedAt       time.Time         `json:"endedAt,omitzero" yaml:"endedAt,omitempty" toml:"ended_at"`
	EndReason     string            `json:"endReason,omitempty" yaml:"endReason,omitempty" toml:"end_reason,omitempty"`
	Notes         string            `json:"notes,omitempty" yaml:"notes,omitempty" toml:"notes,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty" toml:"metadata,omitempty"`
	InFlight      int               `json:"-" yaml:"-" toml:"-"`
}

func (s Session) Active() bool { return s.Status == StatusActive }

// Busy reports whether an execution is running in the session.
func (s Session) Busy() bool { return s.InFlight > 0 }

type record struct {
	Session
	holdsSlot bool
	output    *OutputBuffer
}

func (r *record) snapshot() Session {
	s := r.Session
	s.Metadata = maps.Clone(r.Metadata)
	return s
}
