package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID      string            `json:"id" yaml:"id" toml:"id"`
	Path    string            `json:"path" yaml:"path" toml:"path"`
	Created time.Time         `json:"created" yaml:"created" toml:"created"`
	Tags    map[string]string `json:"tags,omitempty" yaml:"tags,omitempty" toml:"tags,omitempty"`
}

type document struct {
	Records []record `json:"records" yaml:"records" toml:"records"`
}

func TestCodecFor(t *testing.T) {
	tests := map[string]string{
		"envs.yaml":              "yaml",
		"/tmp/envs.YML":          "yaml",
		"file:///tmp/envs.toml":  "toml",
		"envs.json":              "json",
		"envs":                   "json",
		"mem://localhost/a.toml": "toml",
		"envs.yaml?version=2":    "yaml",
	}
	for url, want := range tests {
		assert.Equal(t, want, CodecFor(url).Name(), url)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in := document{Records: []record{
		{ID: "e1", Path: "/envs/e1", Created: created, Tags: map[string]string{"team": "a"}},
		{ID: "e2", Path: "/envs/e2", Created: created},
	}}

	for _, ext := range []string{".json", ".yaml", ".toml"} {
		t.Run(ext, func(t *testing.T) {
			url := filepath.Join(t.TempDir(), "nested", "doc"+ext)
			store := New()
			ctx := context.Background()

			require.NoError(t, store.Save(ctx, url, in))
			exists, err := store.Exists(ctx, url)
			require.NoError(t, err)
			assert.True(t, exists)

			var out document
			require.NoError(t, store.Load(ctx, url, &out))
			require.Len(t, out.Records, 2)
			assert.Equal(t, "e1", out.Records[0].ID)
			assert.Equal(t, "/envs/e2", out.Records[1].Path)
			assert.True(t, created.Equal(out.Records[0].Created))
			assert.Equal(t, "a", out.Records[0].Tags["team"])
		})
	}
}

func TestLoadMissing(t *testing.T) {
	var out document
	err := New().Load(context.Background(), filepath.Join(t.TempDir(), "none.json"), &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadMalformed(t *testing.T) {
	url := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(url, []byte("records: [unterminated"), 0o644))

	var out document
	err := New().Load(context.Background(), url, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode yaml")
}

func TestDelete(t *testing.T) {
	url := filepath.Join(t.TempDir(), "doc.json")
	store := New()
	ctx := context.Background()

	require.NoError(t, store.Delete(ctx, url), "deleting a missing document is a no-op")
	require.NoError(t, store.Save(ctx, url, document{}))
	require.NoError(t, store.Delete(ctx, url))

	exists, err := store.Exists(ctx, url)
	require.NoError(t, err)
	assert.False(t, exists)
}
