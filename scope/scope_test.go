package scope_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/gorupool/engine"
	"github.com/caffeineduck/gorupool/engine/enginetest"
	"github.com/caffeineduck/gorupool/environment"
	"github.com/caffeineduck/gorupool/scope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	eng     *engine.Engine
	backend *enginetest.Backend
	store   *scope.Store
	env     *environment.VirtualEnvironment
}

func newFixture(t *testing.T, backend *enginetest.Backend) *fixture {
	t.Helper()
	if backend == nil {
		backend = enginetest.New()
	}
	eng := engine.New(backend)
	require.NoError(t, eng.Initialize(context.Background(), engine.Config{RuntimePath: "memory"}))
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	envs := environment.NewRegistry()
	env, err := envs.Add(environment.Descriptor{ID: "e1", Path: "/envs/e1"})
	require.NoError(t, err)

	return &fixture{eng: eng, backend: backend, store: scope.New(eng), env: env}
}

func TestCreateScopeBindsIdentity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sc, err := f.store.CreateScope(ctx, scope.Identity{SessionID: "s1", Username: "alice"}, f.env)
	require.NoError(t, err)
	assert.Equal(t, "e1", sc.EnvironmentID)

	for name, want := range map[string]string{
		scope.VarSessionID:       "s1",
		scope.VarUsername:        "alice",
		scope.VarEnvironmentID:   "e1",
		scope.VarEnvironmentPath: "/envs/e1",
	} {
		v, ok, err := f.store.Lookup(ctx, "s1", name)
		require.NoError(t, err)
		require.True(t, ok, name)
		assert.Equal(t, want, v.String())
	}

	ns, ok := f.backend.Runtime().Namespace("s1")
	require.True(t, ok)
	assert.Equal(t, "/envs/e1", ns.Config().LibraryPath)
	assert.Equal(t, "/envs/e1", ns.Config().Env["VIRTUAL_ENV"])
}

func TestCreateScopeRejectsDuplicate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := scope.Identity{SessionID: "s1", Username: "alice"}

	first, err := f.store.CreateScope(ctx, id, f.env)
	require.NoError(t, err)

	_, err = f.store.CreateScope(ctx, id, f.env)
	assert.ErrorIs(t, err, scope.ErrScopeCreation)
	assert.ErrorIs(t, err, scope.ErrScopeExists)

	got, ok := f.store.GetScope("s1")
	require.True(t, ok)
	assert.Same(t, first, got, "existing scope must not be overwritten")
}

func TestConcurrentCreateHasOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	id := scope.Identity{SessionID: "s1", Username: "alice"}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.store.CreateScope(context.Background(), id, f.env); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, f.store.Len())
}

func TestEnsureScopeReturnsExisting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := scope.Identity{SessionID: "s1", Username: "alice"}

	var wg sync.WaitGroup
	results := make([]*scope.Scope, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc, err := f.store.EnsureScope(ctx, id, f.env)
			assert.NoError(t, err)
			results[i] = sc
		}(i)
	}
	wg.Wait()

	for _, sc := range results[1:] {
		assert.Same(t, results[0], sc)
	}
}

func TestScopesAreIsolated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.CreateScope(ctx, scope.Identity{SessionID: "a", Username: "alice"}, f.env)
	require.NoError(t, err)
	_, err = f.store.CreateScope(ctx, scope.Identity{SessionID: "b", Username: "bob"}, f.env)
	require.NoError(t, err)

	require.NoError(t, f.store.Bind(ctx, "a", "secret", engine.Number(42)))

	v, ok, err := f.store.Lookup(ctx, "a", "secret")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42.0, v.Num)

	_, ok, err = f.store.Lookup(ctx, "b", "secret")
	require.NoError(t, err)
	assert.False(t, ok, "a value bound in one scope must not be visible in another")

	user, _, _ := f.store.Lookup(ctx, "b", scope.VarUsername)
	assert.Equal(t, "bob", user.String())
}

func TestBindFailureRollsBack(t *testing.T) {
	backend := enginetest.New()
	backend.FailBind = scope.VarUsername
	f := newFixture(t, backend)

	_, err := f.store.CreateScope(context.Background(), scope.Identity{SessionID: "s1", Username: "alice"}, f.env)
	require.Error(t, err)
	assert.ErrorIs(t, err, scope.ErrScopeCreation)

	_, ok := f.store.GetScope("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, f.store.Len())

	ns, ok := backend.Runtime().Namespace("s1")
	require.True(t, ok)
	assert.True(t, ns.Closed(), "partially created namespace must be disposed")
}

func TestCreateScopeRequiresEnvironment(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.CreateScope(context.Background(), scope.Identity{SessionID: "s1"}, nil)
	assert.ErrorIs(t, err, scope.ErrScopeCreation)
}

func TestClearScope(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.ClearScope(ctx, "unknown"), "unknown id is a no-op")

	_, err := f.store.CreateScope(ctx, scope.Identity{SessionID: "s1"}, f.env)
	require.NoError(t, err)
	require.NoError(t, f.store.ClearScope(ctx, "s1"))

	_, ok := f.store.GetScope("s1")
	assert.False(t, ok)
	ns, _ := f.backend.Runtime().Namespace("s1")
	assert.True(t, ns.Closed())

	_, err = f.store.CreateScope(ctx, scope.Identity{SessionID: "s1"}, f.env)
	assert.NoError(t, err, "a cleared session can get a fresh scope")
}

func TestClearScopeWhileLockHeld(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.CreateScope(context.Background(), scope.Identity{SessionID: "s1"}, f.env)
	require.NoError(t, err)

	_, release, err := f.eng.Lock(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, f.store.ClearScope(ctx, "s1"))

	ns, _ := f.backend.Runtime().Namespace("s1")
	assert.True(t, ns.Closed())
}

func TestClearScopeDuringCreation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, release, err := f.eng.Lock(ctx)
	require.NoError(t, err)

	created := make(chan error, 1)
	go func() {
		_, err := f.store.CreateScope(ctx, scope.Identity{SessionID: "s1"}, f.env)
		created <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, f.store.ClearScope(ctx, "s1"))
	release()

	assert.ErrorIs(t, <-created, scope.ErrScopeDiscarded)
	_, ok := f.store.GetScope("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, f.backend.Runtime().OpenNamespaces())

	_, err = f.store.CreateScope(ctx, scope.Identity{SessionID: "s1"}, f.env)
	assert.NoError(t, err, "the mark does not outlive the creation it cancelled")
}

func TestDiscardLocked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	old, err := f.store.CreateScope(ctx, scope.Identity{SessionID: "s1"}, f.env)
	require.NoError(t, err)

	_, release, err := f.eng.Lock(ctx)
	require.NoError(t, err)
	dropped, err := f.store.DiscardLocked(ctx, old)
	require.NoError(t, err)
	assert.True(t, dropped)
	dropped, err = f.store.DiscardLocked(ctx, old)
	require.NoError(t, err)
	assert.False(t, dropped)
	release()

	assert.True(t, old.Namespace().(*enginetest.Namespace).Closed())

	fresh, err := f.store.CreateScope(ctx, scope.Identity{SessionID: "s1"}, f.env)
	require.NoError(t, err)
	assert.False(t, f.store.Current(old))
	assert.True(t, f.store.Current(fresh))

	_, release, err = f.eng.Lock(ctx)
	require.NoError(t, err)
	dropped, err = f.store.DiscardLocked(ctx, old)
	release()
	require.NoError(t, err)
	assert.False(t, dropped, "a replaced scope leaves the new one alone")
	_, ok := f.store.GetScope("s1")
	assert.True(t, ok)
}

func TestClearAllAndShutdown(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.store.CreateScope(ctx, scope.Identity{SessionID: id}, f.env)
		require.NoError(t, err)
	}

	require.NoError(t, f.store.ClearAll(ctx))
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.backend.Runtime().OpenNamespaces())

	_, err := f.store.CreateScope(ctx, scope.Identity{SessionID: "d"}, f.env)
	require.NoError(t, err)
	rt := f.backend.Runtime()
	require.NoError(t, f.eng.Shutdown(ctx))
	assert.Equal(t, 0, f.store.Len(), "engine shutdown disposes every scope")
	assert.Equal(t, 0, rt.OpenNamespaces())
}

func TestBindUnknownScope(t *testing.T) {
	f := newFixture(t, nil)
	err := f.store.Bind(context.Background(), "ghost", "x", engine.None())
	assert.ErrorIs(t, err, scope.ErrScopeNotFound)

	_, _, err = f.store.Lookup(context.Background(), "ghost", "x")
	assert.ErrorIs(t, err, scope.ErrScopeNotFound)
}
