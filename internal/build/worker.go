package build

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/semaphore"

	"storeweaver/internal/config"
	"storeweaver/internal/derivation"
	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
	"storeweaver/internal/trace"
)

// ErrInterrupted is the error of every goal unwound by cancellation.
var ErrInterrupted = errors.New("interrupted by the user")

// Options configures a Worker.
type Options struct {
	Settings *config.Settings
	// Builder runs local builds; nil disables them.
	Builder Builder
	// Hook is offered builds before they run locally; nil means no hook.
	Hook    BuildHook
	Log     logr.Logger
	Sink    trace.Sink
	Metrics *Metrics
	// Hasher memoizes derivation hashes; one is created when nil.
	Hasher *derivation.Hasher
}

// Worker schedules goals. At most one goal exists per derivation path and
// per store path at any time; requesting a goal that is still running
// returns the running one.
//
// A Worker runs one set of targets at a time. Goals are driven by a single
// loop; only jobs (builds, transfers, hook calls) run on other goroutines.
type Worker struct {
	store    store.Store
	settings config.Settings
	builder  Builder
	hook     BuildHook
	log      logr.Logger
	sink     trace.Sink
	metrics  *Metrics
	hasher   *derivation.Hasher

	derivationGoals   map[storepath.StorePath]*derivationGoal
	substitutionGoals map[storepath.StorePath]*substitutionGoal

	ready   []goal
	events  chan goal
	pending int
	timers  map[goal]*time.Timer
	tokens  map[JobCategory]*semaphore.Weighted

	// ctx is cancelled on interruption and once the run is over; store
	// calls made from work use it.
	ctx        context.Context
	cancelJobs context.CancelFunc

	interrupted atomic.Bool
	stopping    bool

	hookUnavailable bool
	contentsGood    map[storepath.StorePath]bool

	permanentFailure bool
	timedOut         bool
	hashMismatch     bool
	checkMismatch    bool
}

// NewWorker returns a worker realising paths in s.
func NewWorker(s store.Store, opts Options) *Worker {
	settings := config.Default()
	if opts.Settings != nil {
		settings = opts.Settings
	}
	hasher := opts.Hasher
	if hasher == nil {
		hasher = derivation.NewHasher(s.Dir(), s)
	}
	sink := opts.Sink
	if sink == nil {
		sink = trace.NopSink{}
	}
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Worker{
		store:        s,
		settings:     *settings,
		builder:      opts.Builder,
		hook:         opts.Hook,
		log:          log.WithName("worker"),
		sink:         sink,
		metrics:      opts.Metrics,
		hasher:       hasher,
		contentsGood: make(map[storepath.StorePath]bool),
	}
}

// Results are the outcome of Run.
type Results struct {
	// Goals holds one result per target, in target order.
	Goals []WorkResult

	PermanentFailure bool
	TimedOut         bool
	HashMismatch     bool
	CheckMismatch    bool
}

// FailingExitStatus encodes the kinds of failure seen as a process exit
// status: 100 plus 1 for a timeout, 2 for a hash mismatch, 4 for a build
// failure and 8 for a failed check, or 1 when none of these applies.
func (r *Results) FailingExitStatus() int {
	mask := 0
	if r.PermanentFailure || r.TimedOut || r.HashMismatch {
		mask |= 0x04
	}
	if r.TimedOut {
		mask |= 0x01
	}
	if r.HashMismatch {
		mask |= 0x02
	}
	if r.CheckMismatch {
		mask |= 0x08
	}
	if mask == 0 {
		return 1
	}
	return 0x60 | mask
}

// Run realises targets: built targets through derivation goals, opaque ones
// through substitution goals. Every target gets a result; targets left
// unfinished because the run stopped early are reported failed.
//
// Cancelling ctx interrupts the run: running builders are killed, every
// goal unwinds to failure and Run returns ErrInterrupted with the results.
func (w *Worker) Run(ctx context.Context, targets []derivation.DerivedPath, mode BuildMode) (*Results, error) {
	return w.run(ctx, func() []goal {
		tops := make([]goal, len(targets))
		for i, t := range targets {
			if t.Built {
				tops[i] = w.makeDerivationGoal(t.Path, t.Outputs, mode)
			} else {
				tops[i] = w.makeSubstitutionGoal(t.Path, mode == ModeRepair, nil)
			}
		}
		return tops
	})
}

// run drives the goals made by seed until they are done.
func (w *Worker) run(ctx context.Context, seed func() []goal) (*Results, error) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.reset(jobCtx, cancel)

	tops := seed()
	for _, g := range tops {
		g.base().topLevel = true
	}

	w.loop(ctx, tops)

	// Goals cut short by a stop still hold their output locks.
	for _, g := range w.derivationGoals {
		g.releaseLocks()
	}

	res := &Results{
		Goals:            make([]WorkResult, len(tops)),
		PermanentFailure: w.permanentFailure,
		TimedOut:         w.timedOut,
		HashMismatch:     w.hashMismatch,
		CheckMismatch:    w.checkMismatch,
	}
	for i, g := range tops {
		b := g.base()
		if b.completed {
			res.Goals[i] = b.result
			continue
		}
		err := fmt.Errorf("%s was not finished", b.name)
		if w.interrupted.Load() {
			err = ErrInterrupted
		}
		res.Goals[i] = WorkResult{
			ExitCode: ExitFailed,
			Result:   BuildResult{Status: MiscFailure, ErrorMsg: err.Error()},
			Err:      err,
		}
	}
	if w.interrupted.Load() {
		return res, ErrInterrupted
	}
	return res, nil
}

func (w *Worker) reset(ctx context.Context, cancel context.CancelFunc) {
	w.ctx, w.cancelJobs = ctx, cancel
	w.derivationGoals = make(map[storepath.StorePath]*derivationGoal)
	w.substitutionGoals = make(map[storepath.StorePath]*substitutionGoal)
	w.ready = nil
	w.events = make(chan goal)
	w.pending = 0
	w.timers = make(map[goal]*time.Timer)
	w.interrupted.Store(false)
	w.stopping = false
	w.permanentFailure, w.timedOut, w.hashMismatch, w.checkMismatch = false, false, false, false

	substitutions := int64(w.settings.MaxSubstitutionJobs)
	if substitutions < 1 {
		substitutions = 1
	}
	w.tokens = map[JobCategory]*semaphore.Weighted{
		CategoryBuild:        semaphore.NewWeighted(int64(w.settings.MaxBuildJobs)),
		CategorySubstitution: semaphore.NewWeighted(substitutions),
	}
}

func (w *Worker) loop(ctx context.Context, tops []goal) {
	interrupt := ctx.Done()
	for {
		for len(w.ready) > 0 && !w.stopping {
			g := w.ready[0]
			w.ready = w.ready[1:]
			w.advance(g)
		}

		if w.stopping || allDone(tops) {
			w.stopping = true
			w.ready = nil
			if w.pending == 0 {
				return
			}
			w.cancelJobs()
			w.stopTimers()
		} else if w.pending == 0 {
			w.breakDeadlock(tops)
			continue
		}

		select {
		case g := <-w.events:
			w.pending--
			delete(w.timers, g)
			w.ready = append(w.ready, g)
		case <-interrupt:
			interrupt = nil
			w.interrupted.Store(true)
			w.log.Info("interrupted, killing running builds and substitutions")
			w.cancelJobs()
			w.stopTimers()
		}
	}
}

func allDone(tops []goal) bool {
	for _, g := range tops {
		if !g.base().completed {
			return false
		}
	}
	return true
}

// advance runs g until it suspends or finishes.
func (w *Worker) advance(g goal) {
	b := g.base()
	if b.completed {
		return
	}
	for {
		if w.interrupted.Load() {
			w.goalDone(g, WorkResult{
				ExitCode: ExitFailed,
				Result:   BuildResult{Status: MiscFailure, ErrorMsg: ErrInterrupted.Error()},
				Err:      ErrInterrupted,
			})
			return
		}
		s := g.work(w)
		switch s.kind {
		case stepContinue:
		case stepWait:
			if w.wait(g, s.deps) {
				continue
			}
			return
		case stepJob:
			w.startJob(g, s.cat, s.job)
			return
		case stepSleep:
			w.startTimer(g, s.delay)
			return
		case stepDone:
			w.goalDone(g, s.result)
			return
		}
	}
}

// wait registers g as a waiter of deps. It reports true when g can go on
// right away because nothing is left to wait for.
func (w *Worker) wait(g goal, deps []goal) bool {
	b := g.base()
	b.waitees = nil
	for _, d := range deps {
		db := d.base()
		if db.completed {
			w.deliver(g, d, db.result)
			if db.result.ExitCode == ExitFailed && !w.settings.KeepGoing {
				w.detach(g)
				return true
			}
			continue
		}
		if b.waitingOn(d) {
			continue
		}
		b.waitees = append(b.waitees, d)
		db.waiters = append(db.waiters, g)
	}
	return len(b.waitees) == 0
}

func (w *Worker) deliver(waiter, dep goal, res WorkResult) {
	b := waiter.base()
	if res.ExitCode != ExitSuccess {
		b.nrFailed++
	}
	switch res.ExitCode {
	case ExitNoSubstituters:
		b.nrNoSubstituters++
	case ExitIncompleteClosure:
		b.nrIncompleteClosure++
	}
	w.log.V(2).Info("waitee done", "goal", b.name, "waitee", dep.base().name, "left", len(b.waitees))
	waiter.waiteeDone(w, dep, res)
}

// detach stops g waiting on its remaining waitees.
func (w *Worker) detach(g goal) {
	b := g.base()
	for _, d := range b.waitees {
		db := d.base()
		db.waiters = removeGoal(db.waiters, g)
	}
	b.waitees = nil
}

func (w *Worker) goalDone(g goal, res WorkResult) {
	b := g.base()
	b.completed = true
	b.result = res
	w.unregister(g)

	w.permanentFailure = w.permanentFailure || res.PermanentFailure
	w.timedOut = w.timedOut || res.TimedOut
	w.hashMismatch = w.hashMismatch || res.HashMismatch
	w.checkMismatch = w.checkMismatch || res.CheckMismatch

	if b.topLevel && res.ExitCode == ExitFailed && !w.settings.KeepGoing {
		w.stopping = true
	}

	waiters := b.waiters
	b.waiters = nil
	for _, wt := range waiters {
		wb := wt.base()
		if wb.completed || !wb.waitingOn(g) {
			continue
		}
		wb.waitees = removeGoal(wb.waitees, g)
		w.deliver(wt, g, res)
		if len(wb.waitees) == 0 || (res.ExitCode == ExitFailed && !w.settings.KeepGoing) {
			w.detach(wt)
			w.ready = append(w.ready, wt)
		}
	}
}

func (w *Worker) unregister(g goal) {
	switch x := g.(type) {
	case *derivationGoal:
		if w.derivationGoals[x.drvPath] == x {
			delete(w.derivationGoals, x.drvPath)
		}
	case *substitutionGoal:
		if w.substitutionGoals[x.storePath] == x {
			delete(w.substitutionGoals, x.storePath)
		}
	}
}

func (w *Worker) startJob(g goal, cat JobCategory, fn func(ctx context.Context)) {
	w.pending++
	ctx := w.ctx
	tokens := w.tokens[cat]
	m := w.metrics
	go func() {
		defer func() { w.events <- g }()
		if tokens != nil {
			// A failed acquire means ctx is done; fn still runs so it can
			// record the cancellation.
			if err := tokens.Acquire(ctx, 1); err == nil {
				defer tokens.Release(1)
			}
		}
		m.running(cat, 1)
		defer m.running(cat, -1)
		fn(ctx)
	}()
}

func (w *Worker) startTimer(g goal, d time.Duration) {
	w.pending++
	w.timers[g] = time.AfterFunc(d, func() { w.events <- g })
}

// stopTimers wakes sleeping goals right away.
func (w *Worker) stopTimers() {
	woken := make([]goal, 0, len(w.timers))
	for g, t := range w.timers {
		if t.Stop() {
			w.pending--
			woken = append(woken, g)
		}
		delete(w.timers, g)
	}
	sort.Slice(woken, func(i, j int) bool { return woken[i].base().name < woken[j].base().name })
	w.ready = append(w.ready, woken...)
}

// breakDeadlock fails the unfinished targets when no goal can make
// progress, which only happens when goals wait on each other in a cycle.
func (w *Worker) breakDeadlock(tops []goal) {
	for _, g := range tops {
		b := g.base()
		if b.completed {
			continue
		}
		err := store.BuildErrorf("dependency cycle detected while realising '%s'", b.name)
		w.log.Error(err, "no goal can make progress")
		w.detach(g)
		w.goalDone(g, WorkResult{
			ExitCode: ExitFailed,
			Result:   BuildResult{Status: MiscFailure, ErrorMsg: err.Error()},
			Err:      err,
		})
	}
}

// makeDerivationGoal returns the live goal for drvPath, widening its wanted
// outputs, or a new one.
func (w *Worker) makeDerivationGoal(drvPath storepath.StorePath, wanted derivation.OutputsSpec, mode BuildMode) *derivationGoal {
	if g, ok := w.derivationGoals[drvPath]; ok {
		if g.addWantedOutputs(wanted) {
			return g
		}
		// g is past the point where it can take more outputs; replace it in
		// the registry.
	}
	g := newDerivationGoal(w, drvPath, wanted, mode)
	w.derivationGoals[drvPath] = g
	w.ready = append(w.ready, g)
	return g
}

func (w *Worker) makeSubstitutionGoal(p storepath.StorePath, repair bool, ca *storepath.ContentAddress) *substitutionGoal {
	if g, ok := w.substitutionGoals[p]; ok {
		return g
	}
	g := newSubstitutionGoal(w, p, repair, ca)
	w.substitutionGoals[p] = g
	w.ready = append(w.ready, g)
	return g
}

// pathContentsGood reports whether p is valid and its contents still match
// the registry. Answers are cached for the lifetime of the worker.
func (w *Worker) pathContentsGood(p storepath.StorePath) (bool, error) {
	if good, ok := w.contentsGood[p]; ok {
		return good, nil
	}
	w.log.V(1).Info("checking path", "path", w.store.Dir().PrintPath(p))
	valid, err := w.store.IsValidPath(w.ctx, p)
	if err != nil {
		return false, err
	}
	good := false
	if valid {
		if good, err = w.store.VerifyPath(w.ctx, p); err != nil {
			return false, err
		}
	}
	w.contentsGood[p] = good
	if !good {
		w.log.Info(fmt.Sprintf("path '%s' is corrupted or missing!", w.store.Dir().PrintPath(p)))
	}
	return good, nil
}

func (w *Worker) markContentsGood(p storepath.StorePath) {
	w.contentsGood[p] = true
}

func (w *Worker) record(e trace.Event) {
	trace.SafeRecord(w.sink, e)
}
