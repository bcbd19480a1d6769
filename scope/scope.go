// Package scope owns the per-session execution scopes. Each scope wraps one
// engine namespace, is created lazily on first use and is never shared.
package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/caffeineduck/gorupool/engine"
	"github.com/caffeineduck/gorupool/environment"
)

var (
	ErrScopeCreation = errors.New("scope creation failed")
	ErrScopeExists   = errors.New("scope already exists")
	ErrScopeNotFound = errors.New("scope not found")
	// ErrScopeDiscarded reports a scope cleared while it was being created.
	ErrScopeDiscarded = errors.New("scope discarded during creation")
)

// Identity values bound into every new scope.
const (
	VarSessionID       = "session_id"
	VarUsername        = "username"
	VarEnvironmentID   = "environment_id"
	VarEnvironmentPath = "environment_path"
)

// Identity names the session a scope belongs to.
type Identity struct {
	SessionID string
	Username  string
}

// Scope is one session's namespace. The namespace may only be touched while
// holding the engine lock.
type Scope struct {
	SessionID     string
	EnvironmentID string
	CreatedAt     time.Time

	ns engine.Namespace
}

func (s *Scope) Namespace() engine.Namespace { return s.ns }

// Store maps session ids to scopes.
type Store struct {
	eng    *engine.Engine
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	scopes  map[string]*Scope
	pending map[string]chan struct{}

	// discarded marks pending ids cleared before their creation finished.
	discarded map[string]struct{}
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Store bound to eng. Engine shutdown disposes every scope.
func New(eng *engine.Engine, opts ...Option) *Store {
	s := &Store{
		eng:       eng,
		logger:    slog.Default(),
		now:       time.Now,
		scopes:    make(map[string]*Scope),
		pending:   make(map[string]chan struct{}),
		discarded: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	eng.OnShutdown(s.disposeAll)
	return s
}

// CreateScope allocates a namespace for the session and binds its identity.
// It fails with ErrScopeExists if the session already has a scope or one is
// being created, and with ErrScopeDiscarded if ClearScope ran for the
// session before the namespace was ready.
func (s *Store) CreateScope(ctx context.Context, id Identity, env *environment.VirtualEnvironment) (*Scope, error) {
	if id.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrScopeCreation)
	}
	if env == nil {
		return nil, fmt.Errorf("%w: session %s has no environment", ErrScopeCreation, id.SessionID)
	}

	s.mu.Lock()
	_, exists := s.scopes[id.SessionID]
	_, creating := s.pending[id.SessionID]
	if exists || creating {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w: %s", ErrScopeCreation, ErrScopeExists, id.SessionID)
	}
	done := make(chan struct{})
	s.pending[id.SessionID] = done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id.SessionID)
		delete(s.discarded, id.SessionID)
		s.mu.Unlock()
		close(done)
	}()

	var sc *Scope
	err := s.eng.WithLock(ctx, func(rt engine.Runtime) error {
		ns, err := rt.NewNamespace(ctx, engine.NamespaceConfig{
			ID:          id.SessionID,
			LibraryPath: env.Path,
			RuntimePath: env.RuntimePath,
			Env:         map[string]string{"VIRTUAL_ENV": env.Path},
		})
		if err != nil {
			return err
		}
		if err := bindIdentity(ns, id, env); err != nil {
			s.closeUnregistered(ctx, ns, id.SessionID)
			return err
		}

		s.mu.Lock()
		_, discarded := s.discarded[id.SessionID]
		if !discarded {
			sc = &Scope{
				SessionID:     id.SessionID,
				EnvironmentID: env.ID,
				CreatedAt:     s.now(),
				ns:            ns,
			}
			s.scopes[id.SessionID] = sc
		}
		s.mu.Unlock()
		if discarded {
			s.closeUnregistered(ctx, ns, id.SessionID)
			return ErrScopeDiscarded
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrScopeCreation, id.SessionID, err)
	}
	s.logger.Debug("scope created", "session", id.SessionID, "environment", env.ID)
	return sc, nil
}

func (s *Store) closeUnregistered(ctx context.Context, ns engine.Namespace, sessionID string) {
	if err := ns.Close(ctx); err != nil {
		s.logger.Warn("dispose unregistered namespace", "session", sessionID, "err", err)
	}
}

func bindIdentity(ns engine.Namespace, id Identity, env *environment.VirtualEnvironment) error {
	vars := []struct {
		name  string
		value string
	}{
		{VarSessionID, id.SessionID},
		{VarUsername, id.Username},
		{VarEnvironmentID, env.ID},
		{VarEnvironmentPath, env.Path},
	}
	for _, v := range vars {
		if err := ns.Bind(v.name, engine.String(v.value)); err != nil {
			return fmt.Errorf("bind %s: %w", v.name, err)
		}
	}
	return nil
}

// EnsureScope returns the session's scope, creating it if needed. A
// concurrent creation for the same session is waited for, not duplicated.
func (s *Store) EnsureScope(ctx context.Context, id Identity, env *environment.VirtualEnvironment) (*Scope, error) {
	for {
		s.mu.Lock()
		if sc, ok := s.scopes[id.SessionID]; ok {
			s.mu.Unlock()
			return sc, nil
		}
		done, creating := s.pending[id.SessionID]
		s.mu.Unlock()

		if creating {
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		sc, err := s.CreateScope(ctx, id, env)
		if errors.Is(err, ErrScopeExists) {
			continue
		}
		return sc, err
	}
}

func (s *Store) GetScope(sessionID string) (*Scope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[sessionID]
	return sc, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scopes)
}

// Current reports whether sc is still the scope registered for its session.
func (s *Store) Current(sc *Scope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scopes[sc.SessionID] == sc
}

// ClearScope disposes and forgets the session's scope. A scope still being
// created is closed by its creator instead of registered. Unknown ids are a
// no-op. If the engine lock cannot be had before ctx expires the namespace
// is closed anyway.
func (s *Store) ClearScope(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sc, ok := s.scopes[sessionID]
	delete(s.scopes, sessionID)
	if _, creating := s.pending[sessionID]; creating && !ok {
		s.discarded[sessionID] = struct{}{}
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.dispose(ctx, []*Scope{sc})
}

// DiscardLocked forgets sc and closes its namespace if sc is still the
// session's scope. The caller must hold the engine lock.
func (s *Store) DiscardLocked(ctx context.Context, sc *Scope) (bool, error) {
	s.mu.Lock()
	current := s.scopes[sc.SessionID] == sc
	if current {
		delete(s.scopes, sc.SessionID)
	}
	s.mu.Unlock()
	if !current {
		return false, nil
	}
	return true, closeScopes(ctx, []*Scope{sc})
}

// ClearAll disposes every scope.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.dispose(ctx, s.takeAll())
}

func (s *Store) takeAll() []*Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*Scope, 0, len(s.scopes))
	for id, sc := range s.scopes {
		all = append(all, sc)
		delete(s.scopes, id)
	}
	return all
}

func (s *Store) dispose(ctx context.Context, scopes []*Scope) error {
	if len(scopes) == 0 {
		return nil
	}
	_, release, err := s.eng.Lock(ctx)
	switch {
	case errors.Is(err, engine.ErrShutDown), errors.Is(err, engine.ErrNotInitialized):
		// The runtime is gone and took its namespaces with it.
		return nil
	case err != nil:
		s.logger.Warn("engine lock unavailable, closing scopes without it", "count", len(scopes), "err", err)
	default:
		defer release()
	}
	return closeScopes(ctx, scopes)
}

// disposeAll is the engine shutdown hook; the engine lock is already held.
func (s *Store) disposeAll(ctx context.Context, _ engine.Runtime) error {
	return closeScopes(ctx, s.takeAll())
}

func closeScopes(ctx context.Context, scopes []*Scope) error {
	var errs []error
	for _, sc := range scopes {
		if err := sc.ns.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close scope %s: %w", sc.SessionID, err))
		}
	}
	return errors.Join(errs...)
}

// Bind sets a value in the session's namespace.
func (s *Store) Bind(ctx context.Context, sessionID, name string, value engine.Value) error {
	sc, ok := s.GetScope(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrScopeNotFound, sessionID)
	}
	return s.eng.WithLock(ctx, func(engine.Runtime) error {
		return sc.ns.Bind(name, value)
	})
}

// Lookup reads a value from the session's namespace.
func (s *Store) Lookup(ctx context.Context, sessionID, name string) (engine.Value, bool, error) {
	sc, ok := s.GetScope(sessionID)
	if !ok {
		return engine.None(), false, fmt.Errorf("%w: %s", ErrScopeNotFound, sessionID)
	}
	var (
		v     engine.Value
		found bool
	)
	err := s.eng.WithLock(ctx, func(engine.Runtime) error {
		v, found = sc.ns.Lookup(name)
		return nil
	})
	return v, found, err
}
