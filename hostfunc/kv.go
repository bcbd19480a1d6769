package hostfunc

import (
	"context"
	"errors"
	"sort"
	"sync"
)

const defaultMaxEntries = 1024

var ErrKVFull = errors.New("kv store full")

// KVStore holds the values bound into one execution scope. Values are kept
// in their JSON-compatible form so they can be handed to the guest as is.
type KVStore struct {
	data       map[string]any
	maxEntries int
	mu         sync.RWMutex
}

// KVOption configures a KVStore.
type KVOption func(*KVStore)

// WithMaxEntries caps the number of keys. Zero or less means the default.
func WithMaxEntries(n int) KVOption {
	return func(s *KVStore) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

func NewKVStore(opts ...KVOption) *KVStore {
	s := &KVStore{data: make(map[string]any), maxEntries: defaultMaxEntries}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store sets key from the host side.
func (s *KVStore) Store(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists && len(s.data) >= s.maxEntries {
		return ErrKVFull
	}
	s.data[key] = value
	return nil
}

// Load reads key from the host side.
func (s *KVStore) Load(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Len reports the number of keys.
func (s *KVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Register exposes the store to the guest as <prefix>_get, <prefix>_set,
// <prefix>_delete and <prefix>_keys.
func (s *KVStore) Register(r *Registry, prefix string) {
	r.Register(prefix+"_get", s.Get)
	r.Register(prefix+"_set", s.Set)
	r.Register(prefix+"_delete", s.Delete)
	r.Register(prefix+"_keys", s.Keys)
}

func (s *KVStore) Get(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, errors.New("key required")
	}
	if v, exists := s.Load(key); exists {
		return v, nil
	}
	return args["default"], nil
}

func (s *KVStore) Set(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, errors.New("key required")
	}
	val, ok := args["value"]
	if !ok {
		return nil, errors.New("value required")
	}
	if err := s.Store(key, val); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *KVStore) Delete(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, errors.New("key required")
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()

	return "ok", nil
}

func (s *KVStore) Keys(ctx context.Context, args map[string]any) (any, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}
