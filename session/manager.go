package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/gorupool/environment"
	"github.com/caffeineduck/gorupool/persist"
	"github.com/caffeineduck/gorupool/scope"
	"github.com/google/uuid"
)

// Stats is a point-in-time view of the manager. Counters may race benignly.
type Stats struct {
	Active       int
	Terminated   int
	Busy         int
	SlotsInUse   int
	Capacity     int
	Created      int64
	Unregistered int64
	Rejected     int64
}

// Manager owns every session record and the admission slots.
type Manager struct {
	cfg    Config
	envs   *environment.Registry
	scopes *scope.Store
	store  *persist.Store
	logger *slog.Logger
	now    func() time.Time

	slots chan struct{}

	mu       sync.Mutex
	sessions map[string]*record

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	created      atomic.Int64
	unregistered atomic.Int64
	rejected     atomic.Int64
}

// NewManager returns a Manager placing sessions on envs. scopes may be nil
// when sessions never execute code.
func NewManager(envs *environment.Registry, scopes *scope.Store, opts ...Option) *Manager {
	m := &Manager{
		cfg:      DefaultConfig(),
		envs:     envs,
		scopes:   scopes,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg = m.cfg.withDefaults()
	if m.store == nil {
		m.store = persist.New()
	}
	m.slots = make(chan struct{}, m.cfg.MaxConcurrentSessions)
	return m
}

func (m *Manager) Config() Config { return m.cfg }

// CreateSession admits a new session for username. With an empty
// environmentID the least-loaded environment is chosen.
func (m *Manager) CreateSession(ctx context.Context, username, environmentID string) (Session, error) {
	if err := m.acquireSlot(ctx); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	env, err := m.resolveEnvironment(environmentID)
	if err != nil {
		m.mu.Unlock()
		m.releaseSlot()
		return Session{}, err
	}

	now := m.now()
	rec := &record{
		Session: Session{
			ID:            uuid.NewString(),
			Username:      username,
			EnvironmentID: env.ID,
			Status:        StatusActive,
			CreatedAt:     now,
			LastActivity:  now,
			Metadata:      map[string]string{},
		},
		holdsSlot: true,
		output:    NewOutputBuffer(m.cfg.OutputBufferLines),
	}
	env.Bind(rec.ID)
	m.sessions[rec.ID] = rec
	snap := rec.snapshot()
	m.mu.Unlock()

	m.created.Add(1)
	m.logger.Info("session created", "session", snap.ID, "user", username, "environment", env.ID, "load", env.Load())
	return snap, nil
}

func (m *Manager) acquireSlot(ctx context.Context) error {
	select {
	case m.slots <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(m.cfg.AdmissionTimeout)
	defer timer.Stop()
	select {
	case m.slots <- struct{}{}:
		return nil
	case <-timer.C:
		m.rejected.Add(1)
		return fmt.Errorf("%w: %d slots busy after %v", ErrCapacityExceeded, cap(m.slots), m.cfg.AdmissionTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) releaseSlot() {
	select {
	case <-m.slots:
	default:
	}
}

// resolveEnvironment must be called with m.mu held so concurrent creations
// see each other's bindings.
func (m *Manager) resolveEnvironment(id string) (*environment.VirtualEnvironment, error) {
	if id != "" {
		return m.envs.Find(id)
	}
	env, err := m.envs.LeastLoaded()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", environment.ErrEnvironmentNotFound, err)
	}
	return env, nil
}

func (m *Manager) GetSession(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return rec.snapshot(), true
}

// ListSessions returns every registered session, oldest first.
func (m *Manager) ListSessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Environment returns the environment the session is bound to.
func (m *Manager) Environment(id string) (*environment.VirtualEnvironment, error) {
	s, ok := m.GetSession(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return m.envs.Find(s.EnvironmentID)
}

// Output returns the session's buffered output lines.
func (m *Manager) Output(id string) ([]string, bool) {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return rec.output.Lines(), true
}

// AppendOutput records lines in the session's buffer and refreshes its
// activity. Lines for unknown sessions are dropped.
func (m *Manager) AppendOutput(id string, lines ...string) bool {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if ok {
		rec.LastActivity = m.now()
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	rec.output.Append(lines...)
	return true
}

// UpdateSessionActivity refreshes the last-activity time.
func (m *Manager) UpdateSessionActivity(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	rec.LastActivity = m.now()
	return nil
}

func (m *Manager) SetNotes(id, notes string) error {
	return m.update(id, func(rec *record) { rec.Notes = notes })
}

func (m *Manager) SetMetadata(id, key, value string) error {
	return m.update(id, func(rec *record) {
		if rec.Metadata == nil {
			rec.Metadata = map[string]string{}
		}
		rec.Metadata[key] = value
	})
}

func (m *Manager) update(id string, fn func(*record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	fn(rec)
	return nil
}

// BeginExecution marks the session busy and refreshes its activity. The
// returned release must be called when the execution really ends; until then
// cleanup leaves the session alone.
func (m *Manager) BeginExecution(id string) (Session, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return Session{}, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if rec.Status != StatusActive {
		return Session{}, nil, fmt.Errorf("%w: %s", ErrSessionTerminated, id)
	}
	now := m.now()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	rec.LastActivity = now
	rec.InFlight++

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			rec.InFlight--
			rec.LastActivity = m.now()
			m.mu.Unlock()
		})
	}
	return rec.snapshot(), release, nil
}

// TerminateSession ends an active session and disposes its scope. It is
// idempotent; the first reason wins.
func (m *Manager) TerminateSession(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if rec.Status == StatusTerminated {
		m.mu.Unlock()
		return nil
	}
	rec.Status = StatusTerminated
	rec.EndedAt = m.now()
	rec.EndReason = reason
	m.mu.Unlock()

	m.logger.Info("session terminated", "session", id, "reason", reason)

	var errs []error
	if m.scopes != nil {
		if err := m.scopes.ClearScope(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("clear scope: %w", err))
		}
	}
	if m.cfg.UnregisterOnTerminate {
		if err := m.UnregisterSession(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UnregisterSession forgets a session, unbinds it from its environment and
// frees its admission slot. Unknown ids are a no-op.
func (m *Manager) UnregisterSession(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, id)
	if rec.holdsSlot {
		rec.holdsSlot = false
		m.releaseSlot()
	}
	if env, err := m.envs.Find(rec.EnvironmentID); err == nil {
		env.Unbind(id)
	}
	m.mu.Unlock()

	m.unregistered.Add(1)
	m.logger.Debug("session unregistered", "session", id)

	if m.scopes != nil {
		if err := m.scopes.ClearScope(ctx, id); err != nil {
			return fmt.Errorf("clear scope: %w", err)
		}
	}
	return nil
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		SlotsInUse:   len(m.slots),
		Capacity:     cap(m.slots),
		Created:      m.created.Load(),
		Unregistered: m.unregistered.Load(),
		Rejected:     m.rejected.Load(),
	}
	for _, rec := range m.sessions {
		if rec.Status == StatusActive {
			st.Active++
		} else {
			st.Terminated++
		}
		if rec.InFlight > 0 {
			st.Busy++
		}
	}
	return st
}
