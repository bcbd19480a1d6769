package environment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/caffeineduck/gorupool/persist"
)

// Registry holds environments in registration order.
type Registry struct {
	mu   sync.RWMutex
	envs []*VirtualEnvironment
	byID map[string]*VirtualEnvironment

	store  *persist.Store
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

func WithStore(s *persist.Store) Option {
	return func(r *Registry) {
		if s != nil {
			r.store = s
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byID:   make(map[string]*VirtualEnvironment),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = persist.New()
	}
	return r
}

// Add registers an environment.
func (r *Registry) Add(d Descriptor) (*VirtualEnvironment, error) {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidEnvironment)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[d.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEnvironment, d.ID)
	}
	env := newVirtualEnvironment(d)
	r.envs = append(r.envs, env)
	r.byID[d.ID] = env
	r.logger.Debug("environment added", "id", d.ID, "path", d.Path)
	return env, nil
}

// Remove drops an environment that has no bound sessions.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEnvironmentNotFound, id)
	}
	if env.Load() > 0 {
		return fmt.Errorf("%w: %s has %d", ErrEnvironmentInUse, id, env.Load())
	}
	delete(r.byID, id)
	for i, e := range r.envs {
		if e == env {
			r.envs = append(r.envs[:i], r.envs[i+1:]...)
			break
		}
	}
	r.logger.Debug("environment removed", "id", id)
	return nil
}

func (r *Registry) Find(id string) (*VirtualEnvironment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	env, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, id)
	}
	return env, nil
}

// List returns the environments in registration order.
func (r *Registry) List() []*VirtualEnvironment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*VirtualEnvironment(nil), r.envs...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.envs)
}

// LeastLoaded returns the environment with the fewest bound sessions.
// Ties go to the earliest registered.
func (r *Registry) LeastLoaded() (*VirtualEnvironment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *VirtualEnvironment
	for _, env := range r.envs {
		if best == nil || env.Load() < best.Load() {
			best = env
		}
	}
	if best == nil {
		return nil, ErrNoEnvironments
	}
	return best, nil
}

type document struct {
	Environments []Descriptor `json:"environments" yaml:"environments" toml:"environments"`
}

// SaveEnvironments writes every descriptor to url. The format follows the
// extension (.yaml, .toml, otherwise JSON).
func (r *Registry) SaveEnvironments(ctx context.Context, url string) error {
	r.mu.RLock()
	doc := document{Environments: make([]Descriptor, 0, len(r.envs))}
	for _, env := range r.envs {
		doc.Environments = append(doc.Environments, env.Descriptor())
	}
	r.mu.RUnlock()

	if err := r.store.Save(ctx, url, doc); err != nil {
		return fmt.Errorf("save environments: %w", err)
	}
	return nil
}

// LoadEnvironments registers every descriptor found at url whose id is not
// already present, returning how many were added.
func (r *Registry) LoadEnvironments(ctx context.Context, url string) (int, error) {
	var doc document
	if err := r.store.Load(ctx, url, &doc); err != nil {
		return 0, fmt.Errorf("load environments: %w", err)
	}

	added := 0
	for _, d := range doc.Environments {
		if _, err := r.Add(d); err != nil {
			r.logger.Warn("skipping environment", "id", d.ID, "err", err)
			continue
		}
		added++
	}
	return added, nil
}
