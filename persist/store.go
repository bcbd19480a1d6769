// Package persist saves and loads structured documents through viant/afs, so
// the same call works for local paths, file:// and any afs-supported scheme.
package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

var ErrNotFound = errors.New("document not found")

// Store reads and writes whole documents.
type Store struct {
	fs afs.Service
	mu sync.RWMutex
}

// Option configures a Store.
type Option func(*Store)

// WithFS replaces the afs service, e.g. with a memory-backed one in tests.
func WithFS(fs afs.Service) Option {
	return func(s *Store) {
		if fs != nil {
			s.fs = fs
		}
	}
}

// New returns a Store over afs.New().
func New(opts ...Option) *Store {
	s := &Store{fs: afs.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save encodes v with the codec for url and uploads it, replacing any
// existing document.
func (s *Store) Save(ctx context.Context, url string, v any) error {
	codec := CodecFor(url)
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s document: %w", codec.Name(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Upload(ctx, url, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("save %s: %w", url, err)
	}
	return nil
}

// Load downloads the document at url and decodes it into v.
func (s *Store) Load(ctx context.Context, url string, v any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exists, err := s.fs.Exists(ctx, url)
	if err != nil {
		return fmt.Errorf("check %s: %w", url, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	}

	data, err := s.fs.DownloadWithURL(ctx, url)
	if err != nil {
		return fmt.Errorf("load %s: %w", url, err)
	}
	codec := CodecFor(url)
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s document %s: %w", codec.Name(), url, err)
	}
	return nil
}

// Exists reports whether a document is present at url.
func (s *Store) Exists(ctx context.Context, url string) (bool, error) {
	return s.fs.Exists(ctx, url)
}

// Delete removes the document at url. Missing documents are not an error.
func (s *Store) Delete(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exists, err := s.fs.Exists(ctx, url)
	if err != nil || !exists {
		return err
	}
	return s.fs.Delete(ctx, url)
}
