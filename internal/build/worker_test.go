package build

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/derivation"
	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
	"storeweaver/internal/substituter"
	"storeweaver/internal/trace"
)

func TestWorker_BuildsSharedDependencyOnce(t *testing.T) {
	f := newFixture(t)
	libDrv, libOut := f.addDrv("lib")
	appDrv, appOut := f.addDrv("app", libDrv)
	toolDrv, toolOut := f.addDrv("tool", libDrv)

	res, err := f.worker().Run(context.Background(), []derivation.DerivedPath{built(appDrv), built(toolDrv), built(appDrv)}, ModeNormal)
	require.NoError(t, err)
	require.Len(t, res.Goals, 3)
	for _, g := range res.Goals {
		assert.Equal(t, ExitSuccess, g.ExitCode)
		assert.Equal(t, Built, g.Result.Status)
	}
	assert.Equal(t, appOut, res.Goals[0].Result.BuiltOutputs["out"].OutPath)
	assert.Equal(t, toolOut, res.Goals[1].Result.BuiltOutputs["out"].OutPath)

	assert.Equal(t, 1, f.builder.count("lib"))
	assert.Equal(t, 1, f.builder.count("app"))
	assert.Equal(t, 1, f.builder.count("tool"))
	for _, p := range []storepath.StorePath{libOut, appOut, toolOut} {
		assert.True(t, f.valid(p))
	}
}

func TestWorker_ValidOutputsAreNotRebuilt(t *testing.T) {
	f := newFixture(t)
	drvPath, out := f.addDrv("hello")
	require.NoError(t, f.store.PutDump(context.Background(), store.PathInfo{Path: out, Deriver: drvPath}, []byte("hello")))

	res, err := f.worker().Run(context.Background(), []derivation.DerivedPath{built(drvPath)}, ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, AlreadyValid, res.Goals[0].Result.Status)
	assert.Equal(t, out, res.Goals[0].Result.BuiltOutputs["out"].OutPath)
	assert.Zero(t, f.builder.count("hello"))

	events := f.rec.Snapshot()
	assert.Equal(t, []trace.EventKind{trace.EventGoalStarted, trace.EventOutputsValid},
		kinds(events, f.store.Dir().PrintPath(drvPath)))
}

func TestWorker_MakeDerivationGoalWidensLiveGoal(t *testing.T) {
	f := newFixture(t)
	drvPath, _ := f.addDrv("multi")
	w := f.worker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.reset(ctx, cancel)

	g1 := w.makeDerivationGoal(drvPath, derivation.OutputNames("out"), ModeNormal)
	g2 := w.makeDerivationGoal(drvPath, derivation.OutputNames("dev"), ModeNormal)
	assert.Same(t, g1, g2)
	assert.True(t, g1.wantedOutputs.Contains("out"))
	assert.True(t, g1.wantedOutputs.Contains("dev"))
	assert.Equal(t, outputsAddedDoNeed, g1.needRestart)

	g1.needRestart = buildInProgressWillNotNeed
	w.makeDerivationGoal(drvPath, derivation.AllOutputs(), ModeNormal)
	assert.Equal(t, buildInProgressWillNotNeed, g1.needRestart, "a running build covers every output")

	g1.completed = true
	g3 := w.makeDerivationGoal(drvPath, derivation.OutputNames("out"), ModeNormal)
	assert.NotSame(t, g1, g3)
}

func TestWorker_KeepGoingIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.settings.KeepGoing = true
	goodDrv, goodOut := f.addDrv("good")
	badDrv, badOut := f.addDrv("bad")
	userDrv, _ := f.addDrv("user", badDrv)
	f.builder.exit["bad"] = 1

	res, err := f.worker().Run(context.Background(), []derivation.DerivedPath{built(goodDrv), built(badDrv), built(userDrv)}, ModeNormal)
	require.NoError(t, err)

	assert.Equal(t, Built, res.Goals[0].Result.Status)
	assert.True(t, f.valid(goodOut))

	bad := res.Goals[1]
	assert.Equal(t, ExitFailed, bad.ExitCode)
	assert.Equal(t, PermanentFailure, bad.Result.Status)
	assert.Contains(t, bad.Result.ErrorMsg, "builder for '"+f.store.Dir().PrintPath(badDrv)+"' failed with exit code 1")
	assert.Contains(t, bad.Result.ErrorMsg, "> building bad")
	assert.ErrorIs(t, bad.Err, store.ErrBuild)
	assert.Equal(t, 1, bad.Result.TimesBuilt)
	assert.False(t, f.valid(badOut))

	user := res.Goals[2]
	assert.Equal(t, DependencyFailed, user.Result.Status)
	assert.Equal(t, "1 dependencies of derivation '"+f.store.Dir().PrintPath(userDrv)+"' failed to build", user.Result.ErrorMsg)
	assert.Zero(t, f.builder.count("user"))

	assert.True(t, res.PermanentFailure)
	assert.Equal(t, 100, res.FailingExitStatus())
}

func TestWorker_StopsAfterFailureWithoutKeepGoing(t *testing.T) {
	f := newFixture(t)
	f.settings.MaxBuildJobs = 1
	badDrv, _ := f.addDrv("bad")
	userDrv, _ := f.addDrv("user", badDrv)
	f.builder.exit["bad"] = 2

	res, err := f.worker().Run(context.Background(), []derivation.DerivedPath{built(badDrv), built(userDrv)}, ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, PermanentFailure, res.Goals[0].Result.Status)
	assert.Equal(t, ExitFailed, res.Goals[1].ExitCode)
	assert.Zero(t, f.builder.count("user"))
}

func TestWorker_MissingSourceWithoutSubstitution(t *testing.T) {
	f := newFixture(t)
	f.settings.UseSubstitutes = false
	src := storepath.MustParse("s0000000000000000000000000000000-source")

	d := derivation.New("needs-src")
	d.Platform = f.settings.System
	d.Builder = "/bin/sh"
	d.Outputs["out"] = derivation.Output{}
	d.InputSrcs.Insert(src)
	h := derivation.NewHasher(f.store.Dir(), f.store)
	require.NoError(t, h.FillOutputPaths(context.Background(), d))
	drvPath, err := f.store.WriteDerivation(context.Background(), d)
	require.NoError(t, err)

	res, err := f.worker().Run(context.Background(), []derivation.DerivedPath{built(drvPath)}, ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, MiscFailure, res.Goals[0].Result.Status)
	assert.Equal(t, "dependency '/nix/store/"+src.String()+"' of '"+f.store.Dir().PrintPath(drvPath)+
		"' does not exist, and substitution is disabled", res.Goals[0].Result.ErrorMsg)
}

func TestWorker_WrongPlatformCannotBuild(t *testing.T) {
	f := newFixture(t)
	d := derivation.New("foreign")
	d.Platform = "mips-plan9"
	d.Builder = "/bin/sh"
	d.Outputs["out"] = derivation.Output{}
	h := derivation.NewHasher(f.store.Dir(), f.store)
	require.NoError(t, h.FillOutputPaths(context.Background(), d))
	drvPath, err := f.store.WriteDerivation(context.Background(), d)
	require.NoError(t, err)

	res, err := f.worker().Run(context.Background(), []derivation.DerivedPath{built(drvPath)}, ModeNormal)
	require.NoError(t, err)
	assert.Contains(t, res.Goals[0].Result.ErrorMsg, "a 'mips-plan9' with features {} is required to build")
	assert.Zero(t, f.builder.count("foreign"))
}

func TestWorker_SubstitutesPathAndReferences(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemoryStore(storepath.DefaultDir, store.NoSubstituters())
	dep := storepath.MustParse("d0000000000000000000000000000000-dep")
	top := storepath.MustParse("f0000000000000000000000000000000-top")
	require.NoError(t, remote.PutDump(ctx, store.PathInfo{Path: dep}, []byte("dep")))
	require.NoError(t, remote.PutDump(ctx, store.PathInfo{Path: top, References: sets.New(dep)}, []byte("top")))

	f := newFixture(t, substituter.FromStore(remote, "memory://remote", 10, true))
	res, err := f.worker().Run(ctx, []derivation.DerivedPath{derivation.Opaque(top)}, ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.Goals[0].ExitCode)
	assert.Equal(t, Substituted, res.Goals[0].Result.Status)
	assert.True(t, f.valid(top))
	assert.True(t, f.valid(dep))

	info, err := f.store.QueryPathInfo(ctx, top)
	require.NoError(t, err)
	assert.True(t, info.References.Has(dep))
	assert.False(t, info.Ultimate)

	assert.Equal(t, []trace.EventKind{trace.EventGoalStarted, trace.EventPathSubstituted},
		kinds(f.rec.Snapshot(), f.store.Dir().PrintPath(top)))
}

func TestWorker_SubstitutesOutputsInsteadOfBuilding(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemoryStore(storepath.DefaultDir, store.NoSubstituters())
	f := newFixture(t, substituter.FromStore(remote, "memory://remote", 10, true))
	drvPath, out := f.addDrv("cached")
	require.NoError(t, remote.PutDump(ctx, store.PathInfo{Path: out, Deriver: drvPath}, []byte("cached")))

	res, err := f.worker().Run(ctx, []derivation.DerivedPath{built(drvPath)}, ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, Substituted, res.Goals[0].Result.Status)
	assert.Zero(t, f.builder.count("cached"))
	assert.True(t, f.valid(out))
}

func TestWorker_UnknownPathHasNoSubstituters(t *testing.T) {
	f := newFixture(t)
	missing := storepath.MustParse("m0000000000000000000000000000000-missing")

	res, err := f.worker().Run(context.Background(), []derivation.DerivedPath{derivation.Opaque(missing)}, ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, ExitNoSubstituters, res.Goals[0].ExitCode)
	assert.Equal(t, NoSubstituters, res.Goals[0].Result.Status)
	assert.Equal(t, 1, res.FailingExitStatus())
}

// The output of top is substitutable but refers to the output of dep,
// which only a build can produce. top must build dep, then retry the
// substitution once instead of building itself.
func TestWorker_IncompleteClosureRetriesSubstitutionOnce(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemoryStore(storepath.DefaultDir, store.NoSubstituters())
	f := newFixture(t, substituter.FromStore(remote, "memory://remote", 10, true))

	depDrv, depOut := f.addDrv("dep")
	topDrv, topOut := f.addDrv("top", depDrv)
	require.NoError(t, remote.PutDump(ctx, store.PathInfo{
		Path:       topOut,
		Deriver:    topDrv,
		References: sets.New(depOut),
	}, []byte("top refers to "+depOut.String())))

	res, err := f.worker().Run(ctx, []derivation.DerivedPath{built(topDrv)}, ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, Substituted, res.Goals[0].Result.Status)
	assert.Equal(t, 1, f.builder.count("dep"))
	assert.Zero(t, f.builder.count("top"))
	assert.True(t, f.valid(topOut))
	assert.True(t, f.valid(depOut))
}

// Here the substitute of top refers to a path no substituter has and no
// input produces. After building dep the retry fails the same way, so top
// is built from source.
func TestWorker_IncompleteClosureFallsBackToBuilding(t *testing.T) {
	ctx := context.Background()
	remote := store.NewMemoryStore(storepath.DefaultDir, store.NoSubstituters())
	f := newFixture(t, substituter.FromStore(remote, "memory://remote", 10, true))

	depDrv, depOut := f.addDrv("dep")
	topDrv, topOut := f.addDrv("top", depDrv)
	ghost := storepath.MustParse("g0000000000000000000000000000000-ghost")
	require.NoError(t, remote.PutDump(ctx, store.PathInfo{
		Path:       topOut,
		Deriver:    topDrv,
		References: sets.New(ghost),
	}, []byte("top refers to "+ghost.String())))

	res, err := f.worker().Run(ctx, []derivation.DerivedPath{built(topDrv)}, ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.Goals[0].ExitCode)
	assert.Equal(t, Built, res.Goals[0].Result.Status)
	assert.Equal(t, 1, f.builder.count("dep"))
	assert.Equal(t, 1, f.builder.count("top"))
	assert.True(t, f.valid(depOut))
	assert.True(t, f.valid(topOut))
	assert.False(t, f.valid(ghost))

	info, err := f.store.QueryPathInfo(ctx, topOut)
	require.NoError(t, err)
	assert.True(t, info.Ultimate, "the registered output is the local build, not the substitute")
}

func TestBuildDerivation_UsesGivenDerivation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	depDrv, depOut := f.addDrv("dep")

	// Never written to the store: only the in-memory copy is built.
	d := derivation.New("direct")
	d.Platform = f.settings.System
	d.Builder = "/bin/sh"
	d.Outputs["out"] = derivation.Output{}
	d.InputDrvs[depDrv] = sets.New("out")
	require.NoError(t, derivation.NewHasher(f.store.Dir(), f.store).FillOutputPaths(ctx, d))
	drvPath, err := derivation.Path(f.store.Dir(), d)
	require.NoError(t, err)

	res := f.worker().BuildDerivation(ctx, drvPath, d, ModeNormal)
	assert.Equal(t, Built, res.Status, res.ErrorMsg)
	assert.Equal(t, []storepath.StorePath{d.Outputs["out"].Path}, res.OutputPaths())
	assert.Equal(t, 1, f.builder.count("dep"))
	assert.Equal(t, 1, f.builder.count("direct"))
	assert.True(t, f.valid(depOut))
	assert.False(t, f.valid(drvPath))

	again := f.worker().BuildDerivation(ctx, drvPath, d, ModeNormal)
	assert.Equal(t, AlreadyValid, again.Status)
	assert.Equal(t, 1, f.builder.count("direct"))

	f.builder.exit["broken"] = 1
	broken := derivation.New("broken")
	broken.Platform = f.settings.System
	broken.Builder = "/bin/sh"
	broken.Outputs["out"] = derivation.Output{}
	require.NoError(t, derivation.NewHasher(f.store.Dir(), f.store).FillOutputPaths(ctx, broken))
	brokenPath, err := derivation.Path(f.store.Dir(), broken)
	require.NoError(t, err)
	failed := f.worker().BuildDerivation(ctx, brokenPath, broken, ModeNormal)
	assert.Equal(t, PermanentFailure, failed.Status)
	assert.Contains(t, failed.ErrorMsg, "failed with exit code 1")
}

func TestWorker_InterruptUnwindsGoals(t *testing.T) {
	f := newFixture(t)
	f.builder.block = true
	f.builder.started = make(chan string, 1)
	drvPath, out := f.addDrv("slow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-f.builder.started
		cancel()
	}()

	done := make(chan struct{})
	var res *Results
	var err error
	go func() {
		defer close(done)
		res, err = f.worker().Run(ctx, []derivation.DerivedPath{built(drvPath)}, ModeNormal)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after interruption")
	}

	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, ExitFailed, res.Goals[0].ExitCode)
	assert.ErrorIs(t, res.Goals[0].Err, ErrInterrupted)
	assert.False(t, f.valid(out))
}

type fakeHook struct {
	reply HookReply
	store *store.MemoryStore
	calls int
}

func (h *fakeHook) TryBuild(ctx context.Context, req *HookRequest) (HookReply, *BuildOutcome, error) {
	h.calls++
	if h.reply != HookAccept {
		return h.reply, nil, nil
	}
	for _, name := range sortedKeys(req.Outputs) {
		p := req.Outputs[name]
		if err := h.store.PutDump(ctx, store.PathInfo{Path: p, Deriver: req.DrvPath}, []byte("remote")); err != nil {
			return HookAccept, nil, err
		}
	}
	return HookAccept, &BuildOutcome{}, nil
}

func TestWorker_BuildHook(t *testing.T) {
	t.Run("accept", func(t *testing.T) {
		f := newFixture(t)
		hook := &fakeHook{reply: HookAccept, store: f.store}
		f.hook = hook
		drvPath, out := f.addDrv("remote")

		res, err := f.worker().Run(context.Background(), []derivation.DerivedPath{built(drvPath)}, ModeNormal)
		require.NoError(t, err)
		assert.Equal(t, Built, res.Goals[0].Result.Status)
		assert.Equal(t, 1, hook.calls)
		assert.Zero(t, f.builder.count("remote"))
		assert.True(t, f.valid(out))
	})

	t.Run("decline permanently", func(t *testing.T) {
		f := newFixture(t)
		hook := &fakeHook{reply: HookDeclinePermanently}
		f.hook = hook
		f.settings.MaxBuildJobs = 1
		aDrv, _ := f.addDrv("a")
		bDrv, _ := f.addDrv("b", aDrv)

		res, err := f.worker().Run(context.Background(), []derivation.DerivedPath{built(bDrv)}, ModeNormal)
		require.NoError(t, err)
		assert.Equal(t, Built, res.Goals[0].Result.Status)
		assert.Equal(t, 1, hook.calls, "the hook is not asked again")
		assert.Equal(t, 1, f.builder.count("a"))
		assert.Equal(t, 1, f.builder.count("b"))
	})
}

func TestBuildPaths_Errors(t *testing.T) {
	f := newFixture(t)
	f.settings.KeepGoing = true
	oneDrv, _ := f.addDrv("one")
	twoDrv, _ := f.addDrv("two")
	f.builder.exit["one"] = 1
	f.builder.exit["two"] = 1
	dir := f.store.Dir()

	err := f.worker().BuildPaths(context.Background(), []derivation.DerivedPath{built(oneDrv)}, ModeNormal)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 100, exitErr.Status)
	assert.Contains(t, err.Error(), "builder for '"+dir.PrintPath(oneDrv)+"' failed with exit code 1")

	err = f.worker().BuildPaths(context.Background(), []derivation.DerivedPath{built(oneDrv), built(twoDrv)}, ModeNormal)
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, "build of '"+dir.PrintPath(oneDrv)+"', '"+dir.PrintPath(twoDrv)+"' failed", err.Error())
}

func TestBuildPathsWithResults(t *testing.T) {
	f := newFixture(t)
	drvPath, out := f.addDrv("single")

	results, err := f.worker().BuildPathsWithResults(context.Background(), []derivation.DerivedPath{built(drvPath)}, ModeNormal)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, Built, results[0].Status)
	assert.Equal(t, out, results[0].BuiltOutputs["out"].OutPath)

	results, err = f.worker().BuildPathsWithResults(context.Background(), []derivation.DerivedPath{
		derivation.Built(drvPath, derivation.OutputNames("dev")),
	}, ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, MiscFailure, results[0].Status)
	assert.Equal(t, "derivation '"+f.store.Dir().PrintPath(drvPath)+"' does not have wanted outputs 'dev'", results[0].ErrorMsg)
}

func TestEnsurePath(t *testing.T) {
	f := newFixture(t)
	missing := storepath.MustParse("m0000000000000000000000000000000-missing")

	err := f.worker().EnsurePath(context.Background(), missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "there is no substituter that can build it")

	present := storepath.MustParse("p0000000000000000000000000000000-present")
	require.NoError(t, f.store.PutDump(context.Background(), store.PathInfo{Path: present}, []byte("x")))
	assert.NoError(t, f.worker().EnsurePath(context.Background(), present))
}

func TestRepairPath_RebuildsDeriver(t *testing.T) {
	f := newFixture(t)
	drvPath, out := f.addDrv("fragile")
	require.NoError(t, f.store.PutDump(context.Background(), store.PathInfo{Path: out, Deriver: drvPath}, []byte(out.String())))
	f.store.Corrupt(out)

	require.NoError(t, f.worker().RepairPath(context.Background(), out))
	assert.Equal(t, 1, f.builder.count("fragile"))
	good, err := f.store.VerifyPath(context.Background(), out)
	require.NoError(t, err)
	assert.True(t, good)
}

func TestFailingExitStatus(t *testing.T) {
	cases := []struct {
		name string
		res  Results
		want int
	}{
		{"nothing special", Results{}, 1},
		{"build failure", Results{PermanentFailure: true}, 100},
		{"timeout", Results{TimedOut: true}, 101},
		{"hash mismatch", Results{HashMismatch: true}, 102},
		{"check mismatch", Results{CheckMismatch: true}, 104},
		{"everything", Results{PermanentFailure: true, TimedOut: true, HashMismatch: true, CheckMismatch: true}, 111},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.res.FailingExitStatus())
		})
	}
}
