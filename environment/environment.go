// Package environment keeps the registry of virtual environments: named
// library install sets, each with the runtime module that should load them.
// The session manager reads it for placement and binds sessions to entries.
package environment

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrEnvironmentNotFound  = errors.New("environment not found")
	ErrDuplicateEnvironment = errors.New("environment already registered")
	ErrEnvironmentInUse     = errors.New("environment has bound sessions")
	ErrNoEnvironments       = errors.New("no environments registered")
	ErrInvalidEnvironment   = errors.New("invalid environment")
)

// Descriptor is the persisted form of an environment.
type Descriptor struct {
	ID          string `json:"id" yaml:"id" toml:"id" mapstructure:"id"`
	Path        string `json:"path" yaml:"path" toml:"path" mapstructure:"path"`
	RuntimePath string `json:"runtimePath,omitempty" yaml:"runtimePath,omitempty" toml:"runtime_path,omitempty" mapstructure:"runtime_path"`
}

// VirtualEnvironment is a registered environment plus the sessions bound to
// it. Load equals the number of bound sessions.
type VirtualEnvironment struct {
	ID          string
	Path        string
	RuntimePath string

	mu       sync.Mutex
	sessions map[string]struct{}
	load     atomic.Int64
}

func newVirtualEnvironment(d Descriptor) *VirtualEnvironment {
	return &VirtualEnvironment{
		ID:          d.ID,
		Path:        d.Path,
		RuntimePath: d.RuntimePath,
		sessions:    make(map[string]struct{}),
	}
}

// Load returns the number of bound sessions.
func (e *VirtualEnvironment) Load() int64 {
	return e.load.Load()
}

// Bind attaches a session. Binding the same session twice is a no-op and
// returns false.
func (e *VirtualEnvironment) Bind(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[sessionID]; ok {
		return false
	}
	e.sessions[sessionID] = struct{}{}
	e.load.Add(1)
	return true
}

// Unbind detaches a session, returning false if it was not bound.
func (e *VirtualEnvironment) Unbind(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[sessionID]; !ok {
		return false
	}
	delete(e.sessions, sessionID)
	e.load.Add(-1)
	return true
}

// Sessions returns the bound session ids, sorted.
func (e *VirtualEnvironment) Sessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *VirtualEnvironment) Descriptor() Descriptor {
	return Descriptor{ID: e.ID, Path: e.Path, RuntimePath: e.RuntimePath}
}
