package wasm

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caffeineduck/gorupool/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const guestModule = "testdata/guest.wasm"

func TestOpenMissingRuntime(t *testing.T) {
	_, err := New().Open(context.Background(), engine.Config{RuntimePath: filepath.Join(t.TempDir(), "nope.wasm")})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrConfiguration)

	var cfgErr *engine.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "RuntimePath", cfgErr.Field)
}

func TestOpenRejectsDirectory(t *testing.T) {
	_, err := New().Open(context.Background(), engine.Config{RuntimePath: t.TempDir()})
	assert.ErrorIs(t, err, engine.ErrConfiguration)
}

func TestOpenUnknownDialect(t *testing.T) {
	_, err := New().Open(context.Background(), engine.Config{RuntimePath: guestModule, Dialect: "cobol"})
	var cfgErr *engine.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "Dialect", cfgErr.Field)
}

func TestOpenInvalidModule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wasm")
	require.NoError(t, os.WriteFile(path, []byte("not wasm"), 0o644))

	_, err := New().Open(context.Background(), engine.Config{RuntimePath: path})
	require.Error(t, err)
	assert.NotErrorIs(t, err, engine.ErrConfiguration)
	assert.Contains(t, err.Error(), "compile")
}

func TestDialectByName(t *testing.T) {
	for name, want := range map[string]string{"": "plain", "Python": "python", "js": "quickjs", "plain": "plain"} {
		d, ok := DialectByName(name)
		require.True(t, ok, name)
		assert.Equal(t, want, d.Name())
	}
	_, ok := DialectByName("ruby")
	assert.False(t, ok)

	assert.Equal(t, []string{"python", "-c", "boot()"}, Python{}.Args("boot()"))
	assert.Equal(t, map[string]string{"PYTHONPATH": "/packages"}, Python{}.Env("/packages"))
	assert.Nil(t, QuickJS{}.Env(""))
}

// The guest tests need testdata/guest.wasm, built from testdata/guest.
func openGuest(t *testing.T) *Runtime {
	t.Helper()
	if _, err := os.Stat(guestModule); err != nil {
		t.Skip("guest module not built; run GOOS=wasip1 GOARCH=wasm go build -o testdata/guest.wasm ./testdata/guest")
	}
	rt, err := New().Open(context.Background(), engine.Config{
		RuntimePath:  guestModule,
		StartTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt.(*Runtime)
}

func newGuestNamespace(t *testing.T, rt *Runtime, cfg engine.NamespaceConfig) engine.Namespace {
	t.Helper()
	ns, err := rt.NewNamespace(context.Background(), cfg)
	require.NoError(t, err)
	return ns
}

func TestGuestExecStreamsOutput(t *testing.T) {
	rt := openGuest(t)
	ns := newGuestNamespace(t, rt, engine.NamespaceConfig{ID: "s1"})

	var stdout, stderr bytes.Buffer
	err := ns.Exec(context.Background(), engine.ExecRequest{
		Code:   "print one\neprint warn\nprint two",
		Stdout: &stdout,
		Stderr: &stderr,
	})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", stdout.String())
	assert.Equal(t, "warn\n", stderr.String())
}

func TestGuestBindVisibleToGuest(t *testing.T) {
	rt := openGuest(t)
	ns := newGuestNamespace(t, rt, engine.NamespaceConfig{ID: "s1"})
	require.NoError(t, ns.Bind("username", engine.String("alice")))

	var stdout bytes.Buffer
	require.NoError(t, ns.Exec(context.Background(), engine.ExecRequest{
		Code:   "get username\nset answer 42\nget missing",
		Stdout: &stdout,
	}))
	assert.Equal(t, "alice\nundefined\n", stdout.String())

	v, ok := ns.Lookup("answer")
	require.True(t, ok)
	assert.Equal(t, "42", v.String())
}

func TestGuestNamespacesAreIsolated(t *testing.T) {
	rt := openGuest(t)
	a := newGuestNamespace(t, rt, engine.NamespaceConfig{ID: "a"})
	b := newGuestNamespace(t, rt, engine.NamespaceConfig{ID: "b"})

	require.NoError(t, a.Exec(context.Background(), engine.ExecRequest{Code: "set x 1"}))

	var out bytes.Buffer
	require.NoError(t, b.Exec(context.Background(), engine.ExecRequest{Code: "get x", Stdout: &out}))
	assert.Equal(t, "undefined\n", out.String())
}

func TestGuestErrorIsTyped(t *testing.T) {
	rt := openGuest(t)
	ns := newGuestNamespace(t, rt, engine.NamespaceConfig{ID: "s1"})

	err := ns.Exec(context.Background(), engine.ExecRequest{Code: "fail boom"})
	ge, ok := engine.AsGuestError(err)
	require.True(t, ok, "expected guest error, got %v", err)
	assert.Equal(t, "RuntimeError", ge.Type)
	assert.Equal(t, "boom", ge.Message)

	// The namespace survives a guest error.
	var out bytes.Buffer
	require.NoError(t, ns.Exec(context.Background(), engine.ExecRequest{Code: "print ok", Stdout: &out}))
	assert.Equal(t, "ok\n", out.String())
}

func TestGuestStopAbortsSpin(t *testing.T) {
	rt := openGuest(t)
	ns := newGuestNamespace(t, rt, engine.NamespaceConfig{ID: "s1"})

	var stop atomic.Bool
	time.AfterFunc(50*time.Millisecond, func() { stop.Store(true) })

	start := time.Now()
	err := ns.Exec(context.Background(), engine.ExecRequest{Code: "spin", Interrupted: stop.Load})
	assert.ErrorIs(t, err, engine.ErrInterrupted)
	assert.Less(t, time.Since(start), 5*time.Second)

	err = ns.Exec(context.Background(), engine.ExecRequest{Code: "print again"})
	assert.ErrorIs(t, err, engine.ErrNamespaceClosed)
}

func TestGuestLibraryEnv(t *testing.T) {
	rt := openGuest(t)
	ns := newGuestNamespace(t, rt, engine.NamespaceConfig{
		ID:          "s1",
		LibraryPath: t.TempDir(),
		Env:         map[string]string{"VIRTUAL_ENV": "/envs/e1"},
	})

	var out bytes.Buffer
	require.NoError(t, ns.Exec(context.Background(), engine.ExecRequest{
		Code:   "env GORU_LIBRARY_PATH\nenv VIRTUAL_ENV\nenv GORU_SESSION",
		Stdout: &out,
	}))
	assert.Equal(t, []string{"/packages", "/envs/e1", "1"}, strings.Fields(out.String()))
}

func TestRuntimeCloseStopsNamespaces(t *testing.T) {
	rt := openGuest(t)
	ns := newGuestNamespace(t, rt, engine.NamespaceConfig{ID: "s1"})

	require.NoError(t, rt.Close(context.Background()))
	assert.ErrorIs(t, ns.Exec(context.Background(), engine.ExecRequest{Code: "print x"}), engine.ErrNamespaceClosed)

	_, err := rt.NewNamespace(context.Background(), engine.NamespaceConfig{ID: "s2"})
	assert.ErrorIs(t, err, engine.ErrNamespaceClosed)
}
