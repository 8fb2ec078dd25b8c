package gc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/derivation"
	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
)

// graph is a small store:
//
//	app -> lib <- tool      (app is rooted)
//	orphan -> orphanDep
type graph struct {
	s                                 *store.LocalStore
	lib, app, tool, orphan, orphanDep storepath.StorePath
}

func newGraph(t *testing.T) *graph {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	s, err := store.OpenLocal(ctx, store.LocalOptions{
		Dir:      storepath.Dir(filepath.Join(root, "store")),
		StateDir: filepath.Join(root, "state"),
		Log:      testr.New(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	add := func(name string, refs ...storepath.StorePath) storepath.StorePath {
		src := filepath.Join(t.TempDir(), name)
		require.NoError(t, os.MkdirAll(src, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(src, "file"), []byte(name), 0o644))
		info, err := s.AddToStore(ctx, name, src, storepath.Recursive, storepath.SHA256, sets.New(refs...))
		require.NoError(t, err)
		return info.Path
	}
	g := &graph{s: s}
	g.lib = add("lib")
	g.app = add("app", g.lib)
	g.tool = add("tool", g.lib)
	g.orphanDep = add("orphan-dep")
	g.orphan = add("orphan", g.orphanDep)

	_, err = s.AddRoot(ctx, "app", g.app)
	require.NoError(t, err)
	return g
}

func (g *graph) valid(t *testing.T, p storepath.StorePath) bool {
	t.Helper()
	ok, err := g.s.IsValidPath(context.Background(), p)
	require.NoError(t, err)
	if ok {
		_, err := os.Stat(g.s.RealPath(p))
		assert.NoError(t, err, "valid path %s must exist on disk", p)
	}
	return ok
}

func options(t *testing.T, action Action) Options {
	return Options{Action: action, Log: testr.New(t)}
}

func TestCollect_ReturnLiveAndDeadDeleteNothing(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	live, err := Collect(ctx, g.s, options(t, ReturnLive))
	require.NoError(t, err)
	assert.Equal(t, sets.New(g.app, g.lib), live.Paths)

	dead, err := Collect(ctx, g.s, options(t, ReturnDead))
	require.NoError(t, err)
	assert.Equal(t, sets.New(g.tool, g.orphan, g.orphanDep), dead.Paths)
	assert.Zero(t, dead.BytesFreed)

	for _, p := range []storepath.StorePath{g.lib, g.app, g.tool, g.orphan, g.orphanDep} {
		assert.True(t, g.valid(t, p))
	}
}

func TestCollect_DeleteDeadKeepsRootedClosure(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	res, err := Collect(ctx, g.s, options(t, DeleteDead))
	require.NoError(t, err)
	assert.Equal(t, sets.New(g.tool, g.orphan, g.orphanDep), res.Paths)
	assert.NotZero(t, res.BytesFreed)

	assert.True(t, g.valid(t, g.app))
	assert.True(t, g.valid(t, g.lib))
	for _, p := range []storepath.StorePath{g.tool, g.orphan, g.orphanDep} {
		assert.False(t, g.valid(t, p))
		_, err := os.Stat(g.s.RealPath(p))
		assert.True(t, os.IsNotExist(err))
	}

	again, err := Collect(ctx, g.s, options(t, DeleteDead))
	require.NoError(t, err)
	assert.Zero(t, again.Paths.Len())
}

func TestCollect_DeleteSpecific(t *testing.T) {
	t.Run("live path is refused", func(t *testing.T) {
		g := newGraph(t)
		opts := options(t, DeleteSpecific)
		opts.PathsToDelete = []storepath.StorePath{g.lib}

		res, err := Collect(context.Background(), g.s, opts)
		require.ErrorIs(t, err, ErrAlive)
		assert.Contains(t, err.Error(), g.s.Dir().PrintPath(g.lib))
		assert.Zero(t, res.Paths.Len())
		assert.True(t, g.valid(t, g.lib))
		assert.True(t, g.valid(t, g.tool), "referrers of a live path are not touched")
	})

	t.Run("dead referrers go first", func(t *testing.T) {
		g := newGraph(t)
		opts := options(t, DeleteSpecific)
		opts.PathsToDelete = []storepath.StorePath{g.orphanDep}

		res, err := Collect(context.Background(), g.s, opts)
		require.NoError(t, err)
		assert.Equal(t, sets.New(g.orphan, g.orphanDep), res.Paths)
		assert.False(t, g.valid(t, g.orphan))
		assert.False(t, g.valid(t, g.orphanDep))
		assert.True(t, g.valid(t, g.tool))
	})

	t.Run("ignore liveness", func(t *testing.T) {
		g := newGraph(t)
		opts := options(t, DeleteSpecific)
		opts.PathsToDelete = []storepath.StorePath{g.lib}
		opts.IgnoreLiveness = true

		res, err := Collect(context.Background(), g.s, opts)
		require.NoError(t, err)
		assert.Equal(t, sets.New(g.lib, g.app, g.tool), res.Paths)
		assert.True(t, g.valid(t, g.orphan))
	})
}

func TestCollect_MaxFreedStopsEarly(t *testing.T) {
	g := newGraph(t)
	opts := options(t, DeleteDead)
	opts.MaxFreed = 1

	res, err := Collect(context.Background(), g.s, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Paths.Len())

	dead, err := Collect(context.Background(), g.s, options(t, ReturnDead))
	require.NoError(t, err)
	assert.Equal(t, 2, dead.Paths.Len())
}

func TestCollect_SkipsLockedPaths(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()
	lock, ok, err := g.s.LockPaths(ctx, []storepath.StorePath{g.orphan})
	require.NoError(t, err)
	require.True(t, ok)
	defer lock.Unlock()

	res, err := Collect(ctx, g.s, options(t, DeleteDead))
	require.NoError(t, err)
	assert.Equal(t, sets.New(g.tool), res.Paths)
	assert.True(t, g.valid(t, g.orphan))
	assert.True(t, g.valid(t, g.orphanDep), "still referenced by the locked path")
}

func TestCollect_OneCollectionAtATime(t *testing.T) {
	g := newGraph(t)
	held, ok, err := store.TryLockPaths([]string{filepath.Join(g.s.StateDir(), "gc")})
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock()

	_, err = Collect(context.Background(), g.s, options(t, ReturnDead))
	assert.ErrorContains(t, err, "another garbage collection is in progress")
}

func TestCollect_KeepDerivations(t *testing.T) {
	for name, keep := range map[string]bool{"kept": true, "collected": false} {
		t.Run(name, func(t *testing.T) {
			g := newGraph(t)
			ctx := context.Background()

			d := derivation.New("hello")
			d.Platform = "x86_64-linux"
			d.Builder = "/bin/sh"
			d.Outputs["out"] = derivation.Output{}
			require.NoError(t, g.s.Hasher().FillOutputPaths(ctx, d))
			drvPath, err := g.s.WriteDerivation(ctx, d)
			require.NoError(t, err)

			out := d.Outputs["out"].Path
			require.NoError(t, os.MkdirAll(g.s.RealPath(out), 0o755))
			require.NoError(t, g.s.RegisterValidPaths(ctx, []store.PathInfo{{
				Path:    out,
				NarHash: storepath.HashString(storepath.SHA256, "out"),
				Deriver: drvPath,
			}}))
			_, err = g.s.AddRoot(ctx, "result", out)
			require.NoError(t, err)

			opts := options(t, DeleteDead)
			opts.KeepDerivations = keep
			res, err := Collect(ctx, g.s, opts)
			require.NoError(t, err)
			assert.True(t, g.valid(t, out))
			assert.Equal(t, keep, g.valid(t, drvPath))
			assert.Equal(t, !keep, res.Paths.Has(drvPath))
		})
	}
}
