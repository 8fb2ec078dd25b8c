package missing

import (
	"context"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/derivation"
	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
	"storeweaver/internal/substituter"
)

type fixture struct {
	t      *testing.T
	local  *store.MemoryStore
	remote *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	remote := store.NewMemoryStore(storepath.DefaultDir, store.NoSubstituters())
	subs := store.NewSubstituterSet([]store.Substituter{
		substituter.FromStore(remote, "memory://remote", 10, true),
	}, false, testr.New(t))
	return &fixture{
		t:      t,
		local:  store.NewMemoryStore(storepath.DefaultDir, subs),
		remote: remote,
	}
}

func (f *fixture) addDrv(name string, out derivation.Output, inputs ...storepath.StorePath) (storepath.StorePath, storepath.StorePath) {
	f.t.Helper()
	ctx := context.Background()
	d := derivation.New(name)
	d.Platform = "x86_64-linux"
	d.Builder = "/bin/sh"
	d.Outputs["out"] = out
	for _, in := range inputs {
		d.InputDrvs[in] = sets.New("out")
	}
	require.NoError(f.t, derivation.NewHasher(f.local.Dir(), f.local).FillOutputPaths(ctx, d))
	drvPath, err := f.local.WriteDerivation(ctx, d)
	require.NoError(f.t, err)
	outPath, err := d.Outputs["out"].PathIn(f.local.Dir(), name, "out")
	require.NoError(f.t, err)
	return drvPath, outPath
}

func (f *fixture) query(opts Options, targets ...derivation.DerivedPath) *Result {
	f.t.Helper()
	opts.Log = testr.New(f.t)
	res, err := Query(context.Background(), f.local, targets, opts)
	require.NoError(f.t, err)
	return res
}

func built(drvPath storepath.StorePath) derivation.DerivedPath {
	return derivation.Built(drvPath, derivation.OutputNames("out"))
}

func TestQuery_SubstitutableFixedOutput(t *testing.T) {
	f := newFixture(t)
	h := storepath.HashString(storepath.SHA256, "source tarball")
	drvPath, out := f.addDrv("src", derivation.FixedOutput(storepath.Flat, h))
	ca := storepath.ContentAddress{Method: storepath.Flat, Hash: h}
	require.NoError(t, f.remote.PutDump(context.Background(),
		store.PathInfo{Path: out, CA: &ca, FileSize: 1000}, []byte("source tarball")))

	res := f.query(Options{UseSubstitutes: true}, built(drvPath))
	assert.Equal(t, sets.New(out), res.WillSubstitute)
	assert.Empty(t, res.WillBuild)
	assert.Empty(t, res.Unknown)
	assert.Equal(t, uint64(1000), res.DownloadSize)
	assert.Equal(t, uint64(len("source tarball")), res.NarSize)
}

func TestQuery_MissingOutputsMustBeBuilt(t *testing.T) {
	f := newFixture(t)
	depDrv, _ := f.addDrv("dep", derivation.Output{})
	topDrv, _ := f.addDrv("top", derivation.Output{}, depDrv)

	res := f.query(Options{UseSubstitutes: true}, built(topDrv))
	assert.Equal(t, sets.New(topDrv, depDrv), res.WillBuild)
	assert.Empty(t, res.WillSubstitute)
	assert.Empty(t, res.Unknown)
}

func TestQuery_SubstitutionDisabled(t *testing.T) {
	f := newFixture(t)
	drvPath, out := f.addDrv("cached", derivation.Output{})
	require.NoError(t, f.remote.PutDump(context.Background(), store.PathInfo{Path: out, Deriver: drvPath}, []byte("cached")))

	res := f.query(Options{UseSubstitutes: false}, built(drvPath))
	assert.Equal(t, sets.New(drvPath), res.WillBuild)
	assert.Empty(t, res.WillSubstitute)

	res = f.query(Options{UseSubstitutes: true}, built(drvPath))
	assert.Empty(t, res.WillBuild)
	assert.Equal(t, sets.New(out), res.WillSubstitute)
}

func TestQuery_SubstitutedOutputPullsReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lib := storepath.MustParse("10000000000000000000000000000000-lib")
	gone := storepath.MustParse("20000000000000000000000000000000-gone")
	drvPath, out := f.addDrv("app", derivation.Output{})
	require.NoError(t, f.remote.PutDump(ctx, store.PathInfo{Path: lib, FileSize: 10}, []byte("lib")))
	require.NoError(t, f.remote.PutDump(ctx, store.PathInfo{
		Path:       out,
		References: sets.New(lib, gone, out),
		FileSize:   20,
	}, []byte("app")))

	res := f.query(Options{UseSubstitutes: true}, built(drvPath))
	assert.Equal(t, sets.New(out, lib), res.WillSubstitute)
	assert.Equal(t, sets.New(gone), res.Unknown)
	assert.Equal(t, uint64(30), res.DownloadSize)
}

func TestQuery_ValidPathsAreSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	here := storepath.MustParse("30000000000000000000000000000000-here")
	require.NoError(t, f.local.PutDump(ctx, store.PathInfo{Path: here}, []byte("here")))
	drvPath, out := f.addDrv("done", derivation.Output{})
	require.NoError(t, f.local.PutDump(ctx, store.PathInfo{Path: out, Deriver: drvPath}, []byte("done")))

	res := f.query(Options{UseSubstitutes: true}, derivation.Opaque(here), built(drvPath))
	assert.Empty(t, res.WillBuild)
	assert.Empty(t, res.WillSubstitute)
	assert.Empty(t, res.Unknown)
}

func TestQuery_UnknownDerivation(t *testing.T) {
	f := newFixture(t)
	absent := storepath.MustParse("40000000000000000000000000000000-absent.drv")

	res := f.query(Options{UseSubstitutes: true}, built(absent), derivation.Opaque(absent))
	assert.Equal(t, sets.New(absent), res.Unknown)
}

func TestQuery_RejectsBuiltNonDerivation(t *testing.T) {
	f := newFixture(t)
	p := storepath.MustParse("50000000000000000000000000000000-plain")

	_, err := Query(context.Background(), f.local, []derivation.DerivedPath{built(p)}, Options{})
	assert.ErrorIs(t, err, store.ErrUnsupported)
}

func TestQuery_SharedInputsVisitedOnce(t *testing.T) {
	f := newFixture(t)
	base, _ := f.addDrv("base", derivation.Output{})
	left, _ := f.addDrv("left", derivation.Output{}, base)
	right, _ := f.addDrv("right", derivation.Output{}, base)
	top, _ := f.addDrv("top", derivation.Output{}, left, right)

	res := f.query(Options{Parallelism: 1}, built(top), built(left))
	assert.Equal(t, sets.New(top, left, right, base), res.WillBuild)
}
