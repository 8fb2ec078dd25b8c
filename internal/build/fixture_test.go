package build

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/config"
	"storeweaver/internal/derivation"
	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
	"storeweaver/internal/trace"
)

// fakeBuilder "builds" by registering a dump naming each output.
type fakeBuilder struct {
	store *store.MemoryStore

	mu     sync.Mutex
	builds map[string]int
	exit   map[string]int

	// block makes Build wait for cancellation.
	block   bool
	started chan string
}

func newFakeBuilder(s *store.MemoryStore) *fakeBuilder {
	return &fakeBuilder{store: s, builds: make(map[string]int), exit: make(map[string]int)}
}

func (b *fakeBuilder) Build(ctx context.Context, req *BuildRequest) (*BuildOutcome, error) {
	b.mu.Lock()
	b.builds[req.Drv.Name]++
	code := b.exit[req.Drv.Name]
	b.mu.Unlock()

	line := "building " + req.Drv.Name
	if req.Log != nil {
		req.Log(line)
	}
	if b.started != nil {
		b.started <- req.Drv.Name
	}
	if b.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	now := time.Now()
	return &BuildOutcome{ExitCode: code, LogTail: []string{line}, StartTime: now, StopTime: now}, nil
}

func (b *fakeBuilder) RegisterOutputs(ctx context.Context, req *BuildRequest, _ *BuildOutcome) error {
	for _, name := range sortedKeys(req.Outputs) {
		p := req.Outputs[name]
		info := store.PathInfo{Path: p, Deriver: req.DrvPath, Ultimate: true}
		if err := b.store.PutDump(ctx, info, []byte(p.String())); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBuilder) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds[name]
}

type fixture struct {
	t        *testing.T
	store    *store.MemoryStore
	settings *config.Settings
	builder  *fakeBuilder
	hook     BuildHook
	rec      *trace.Recorder
}

func newFixture(t *testing.T, subs ...store.Substituter) *fixture {
	s := store.NewMemoryStore(storepath.DefaultDir, store.NewSubstituterSet(subs, false, logr.Discard()))
	settings := config.Default()
	settings.MaxBuildJobs = 4
	settings.KeepLog = false
	settings.PollInterval = 10 * time.Millisecond
	return &fixture{
		t:        t,
		store:    s,
		settings: settings,
		builder:  newFakeBuilder(s),
		rec:      trace.NewRecorder(),
	}
}

func (f *fixture) worker() *Worker {
	return NewWorker(f.store, Options{
		Settings: f.settings,
		Builder:  f.builder,
		Hook:     f.hook,
		Log:      testr.New(f.t),
		Sink:     f.rec,
	})
}

// addDrv writes a derivation with one "out" output that depends on the
// "out" outputs of inputs, returning its path and its output path.
func (f *fixture) addDrv(name string, inputs ...storepath.StorePath) (storepath.StorePath, storepath.StorePath) {
	f.t.Helper()
	ctx := context.Background()
	d := derivation.New(name)
	d.Platform = f.settings.System
	d.Builder = "/bin/sh"
	d.Outputs["out"] = derivation.Output{}
	for _, in := range inputs {
		d.InputDrvs[in] = sets.New("out")
	}
	h := derivation.NewHasher(f.store.Dir(), f.store)
	require.NoError(f.t, h.FillOutputPaths(ctx, d))
	drvPath, err := f.store.WriteDerivation(ctx, d)
	require.NoError(f.t, err)
	return drvPath, d.Outputs["out"].Path
}

func (f *fixture) valid(p storepath.StorePath) bool {
	ok, err := f.store.IsValidPath(context.Background(), p)
	require.NoError(f.t, err)
	return ok
}

func built(drvPath storepath.StorePath) derivation.DerivedPath {
	return derivation.Built(drvPath, derivation.OutputNames("out"))
}

func kinds(events []trace.Event, path string) []trace.EventKind {
	var out []trace.EventKind
	for _, e := range events {
		if e.Path == path {
			out = append(out, e.Kind)
		}
	}
	return out
}
