package build

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/closure"
	"storeweaver/internal/derivation"
	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
	"storeweaver/internal/trace"
)

type derivationState int

const (
	drvGetDerivation derivationState = iota
	drvLoadDerivation
	drvHaveDerivation
	drvOutputsSubstitutionTried
	drvGaveUpOnSubstitution
	drvClosureRepaired
	drvInputsRealised
	drvTryToBuild
	drvHookDone
	drvBuildDone
)

// needRestart records whether wanted outputs added while the goal runs
// require going back to the validity check.
type needRestart int

const (
	outputsUnmodifiedDontNeed needRestart = iota
	outputsAddedDoNeed
	buildInProgressWillNotNeed
)

// retrySubstitution tracks the one retry allowed after substituting the
// outputs failed because their closure was incomplete.
type retrySubstitution int

const (
	retryNoNeed retrySubstitution = iota
	retryYesNeed
	retryAlreadyRetried
)

// PathStatus is what checkPathValidity found at an output path.
type PathStatus int

const (
	PathAbsent PathStatus = iota
	PathCorrupt
	PathValid
)

type initialOutput struct {
	wanted     bool
	outputHash storepath.Hash
	path       storepath.StorePath
	status     PathStatus
}

type inputOutput struct {
	drvPath storepath.StorePath
	output  string
}

// derivationGoal realises the wanted outputs of one derivation:
// substituting them when possible, building them otherwise.
type derivationGoal struct {
	goalBase
	state derivationState
	log   logr.Logger

	drvPath       storepath.StorePath
	wantedOutputs derivation.OutputsSpec
	mode          BuildMode

	needRestart       needRestart
	retrySubstitution retrySubstitution

	drv            *derivation.Derivation
	initialOutputs map[string]*initialOutput
	// inputDrvOutputs holds the outputs input derivation goals reported.
	inputDrvOutputs map[inputOutput]storepath.StorePath
	inputPaths      storepath.Set

	outputLocks *store.PathLocks
	waitingLock bool

	usedHook  bool
	req       *BuildRequest
	outcome   *BuildOutcome
	hookReply HookReply
	jobErr    error

	result        BuildResult
	hashMismatch  bool
	checkMismatch bool
}

func newDerivationGoal(w *Worker, drvPath storepath.StorePath, wanted derivation.OutputsSpec, mode BuildMode) *derivationGoal {
	printed := w.store.Dir().PrintPath(drvPath)
	return &derivationGoal{
		goalBase:        goalBase{name: fmt.Sprintf("building of '%s'", derivation.Built(drvPath, wanted).Render(w.store.Dir()))},
		log:             w.log.WithName("goal").WithValues("drv", printed),
		drvPath:         drvPath,
		wantedOutputs:   wanted,
		mode:            mode,
		inputDrvOutputs: make(map[inputOutput]storepath.StorePath),
	}
}

func (g *derivationGoal) category() JobCategory { return CategoryBuild }

// addWantedOutputs widens the outputs the goal realises. It reports false
// once the goal is done, and a new goal must be made.
func (g *derivationGoal) addWantedOutputs(outputs derivation.OutputsSpec) bool {
	if g.completed {
		return false
	}
	wanted := g.wantedOutputs.Union(outputs)
	if g.needRestart == outputsUnmodifiedDontNeed && !wanted.IsSubsetOf(g.wantedOutputs) {
		g.needRestart = outputsAddedDoNeed
	}
	g.wantedOutputs = wanted
	return true
}

func (g *derivationGoal) work(w *Worker) step {
	switch g.state {
	case drvGetDerivation:
		return g.getDerivation(w)
	case drvLoadDerivation:
		return g.loadDerivation(w)
	case drvHaveDerivation:
		return g.haveDerivation(w)
	case drvOutputsSubstitutionTried:
		return g.outputsSubstitutionTried(w)
	case drvGaveUpOnSubstitution:
		return g.gaveUpOnSubstitution(w)
	case drvClosureRepaired:
		return g.closureRepaired(w)
	case drvInputsRealised:
		return g.inputsRealised(w)
	case drvTryToBuild:
		return g.tryToBuild(w)
	case drvHookDone:
		return g.hookDone(w)
	case drvBuildDone:
		return g.buildDone(w)
	}
	panic(fmt.Sprintf("derivation goal in unknown state %d", g.state))
}

func (g *derivationGoal) getDerivation(w *Worker) step {
	g.log.V(1).Info("init")
	w.record(trace.Event{Kind: trace.EventGoalStarted, Path: w.store.Dir().PrintPath(g.drvPath)})

	if g.mode == ModeNormal {
		valid, err := w.store.IsValidPath(w.ctx, g.drvPath)
		if err != nil {
			return g.fail(w, MiscFailure, err)
		}
		if valid {
			g.state = drvLoadDerivation
			return next()
		}
	}
	g.state = drvLoadDerivation
	return waitFor(w.makeSubstitutionGoal(g.drvPath, false, nil))
}

func (g *derivationGoal) loadDerivation(w *Worker) step {
	g.log.V(1).Info("loading derivation")
	if g.nrFailed != 0 {
		return g.fail(w, MiscFailure, fmt.Errorf("cannot build missing derivation '%s'", w.store.Dir().PrintPath(g.drvPath)))
	}
	drv, err := w.store.ReadDerivation(w.ctx, g.drvPath)
	if err != nil {
		return g.fail(w, MiscFailure, err)
	}
	g.drv = drv
	g.state = drvHaveDerivation
	return next()
}

func (g *derivationGoal) haveDerivation(w *Worker) step {
	g.log.V(1).Info("have derivation")

	hashes, err := w.hasher.StaticOutputHashes(w.ctx, g.drv)
	if err != nil {
		return g.fail(w, MiscFailure, err)
	}
	g.initialOutputs = make(map[string]*initialOutput, len(hashes))
	for name, h := range hashes {
		g.initialOutputs[name] = &initialOutput{wanted: true, outputHash: h}
	}

	allValid, validOutputs, err := g.checkPathValidity(w)
	if err != nil {
		return g.fail(w, MiscFailure, err)
	}
	if allValid && g.mode == ModeNormal {
		return g.done(w, AlreadyValid, validOutputs, nil)
	}

	// Try to substitute the missing outputs before building them.
	var deps []goal
	if w.settings.UseSubstitutes && g.drv.SubstitutesAllowed() {
		var ca *storepath.ContentAddress
		if fixed, ok := g.drv.FixedCA(); ok {
			ca = &fixed
		}
		for _, name := range sortedKeys(g.initialOutputs) {
			out := g.initialOutputs[name]
			if out.wanted {
				deps = append(deps, w.makeSubstitutionGoal(out.path, g.mode == ModeRepair, ca))
			}
		}
	}
	g.state = drvOutputsSubstitutionTried
	return waitFor(deps...)
}

func (g *derivationGoal) outputsSubstitutionTried(w *Worker) step {
	g.log.V(1).Info("all outputs substituted (maybe)")
	dir := w.store.Dir()

	if g.nrFailed > 0 && g.nrFailed > g.nrNoSubstituters+g.nrIncompleteClosure && !w.settings.TryFallback {
		return g.fail(w, TransientFailure, fmt.Errorf(
			"some substitutes for the outputs of derivation '%s' failed (usually happens due to networking issues); try '--fallback' to build derivation from source ",
			dir.PrintPath(g.drvPath)))
	}

	// An incomplete closure means some dependency has to be built; once it
	// is, substituting this derivation's outputs may work. When other
	// failures are mixed in, the hole may be one of our own outputs and a
	// retry would loop.
	substitutionFailed := g.nrIncompleteClosure > 0 && g.nrIncompleteClosure == g.nrFailed
	switch g.retrySubstitution {
	case retryNoNeed:
		if substitutionFailed {
			g.retrySubstitution = retryYesNeed
		}
	case retryYesNeed:
		return g.fail(w, MiscFailure, fmt.Errorf("substitution of '%s' retried out of order", dir.PrintPath(g.drvPath)))
	case retryAlreadyRetried:
		g.log.V(1).Info("substitution failed again, but we already retried once. Not retrying again.")
	}

	g.resetCounters()

	if g.needRestart == outputsAddedDoNeed {
		g.needRestart = outputsUnmodifiedDontNeed
		g.state = drvHaveDerivation
		return next()
	}

	allValid, validOutputs, err := g.checkPathValidity(w)
	if err != nil {
		return g.fail(w, MiscFailure, err)
	}
	switch {
	case g.mode == ModeNormal && allValid:
		return g.done(w, Substituted, validOutputs, nil)
	case g.mode == ModeRepair && allValid:
		return g.repairClosure(w)
	case g.mode == ModeCheck && !allValid:
		return g.fail(w, MiscFailure, fmt.Errorf("some outputs of '%s' are not valid, so checking is not possible",
			dir.PrintPath(g.drvPath)))
	}
	g.state = drvGaveUpOnSubstitution
	return next()
}

func (g *derivationGoal) gaveUpOnSubstitution(w *Worker) step {
	dir := w.store.Dir()
	// All outputs get built from here on, so later wanted outputs are
	// covered without a restart.
	g.needRestart = buildInProgressWillNotNeed
	clear(g.inputDrvOutputs)
	w.metrics.build("expected")

	inputMode := ModeNormal
	if g.mode == ModeRepair {
		inputMode = ModeRepair
	}
	var deps []goal
	for _, inputDrv := range sortedPaths(g.drv.InputDrvs) {
		outputs := sets.List(g.drv.InputDrvs[inputDrv])
		deps = append(deps, w.makeDerivationGoal(inputDrv, derivation.OutputNames(outputs...), inputMode))
	}

	for _, src := range storepath.SortedList(g.drv.InputSrcs) {
		valid, err := w.store.IsValidPath(w.ctx, src)
		if err != nil {
			return g.fail(w, MiscFailure, err)
		}
		if valid {
			continue
		}
		if !w.settings.UseSubstitutes {
			return g.fail(w, MiscFailure, fmt.Errorf("dependency '%s' of '%s' does not exist, and substitution is disabled",
				dir.PrintPath(src), dir.PrintPath(g.drvPath)))
		}
		deps = append(deps, w.makeSubstitutionGoal(src, false, nil))
	}

	g.state = drvInputsRealised
	return waitFor(deps...)
}

// repairClosure checks every path in the closure of the outputs and
// repairs the corrupt ones by rebuilding their deriver or, when the deriver
// is unknown, substituting them again.
func (g *derivationGoal) repairClosure(w *Worker) step {
	dir := w.store.Dir()
	outputs, err := g.drv.OutputsAndPaths(dir)
	if err != nil {
		return g.fail(w, MiscFailure, err)
	}

	var start []storepath.StorePath
	for name, p := range outputs {
		if g.wantedOutputs.Contains(name) {
			start = append(start, p)
		}
	}
	outputClosure, err := closure.ComputeFSClosure(w.ctx, w.store, start, closure.Options{})
	if err != nil {
		return g.fail(w, MiscFailure, err)
	}
	for _, p := range outputs {
		delete(outputClosure, p)
	}

	inputClosure, err := closure.ComputeFSClosure(w.ctx, w.store, []storepath.StorePath{g.drvPath}, closure.Options{})
	if err != nil {
		return g.fail(w, MiscFailure, err)
	}
	outputsToDrv := make(map[storepath.StorePath]storepath.StorePath)
	for _, p := range storepath.SortedList(inputClosure) {
		if !p.IsDerivation() {
			continue
		}
		depOutputs, err := w.store.QueryDerivationOutputMap(w.ctx, p)
		if err != nil {
			return g.fail(w, MiscFailure, err)
		}
		for _, o := range depOutputs {
			outputsToDrv[o] = p
		}
	}

	var deps []goal
	for _, p := range storepath.SortedList(outputClosure) {
		good, err := w.pathContentsGood(p)
		if err != nil {
			return g.fail(w, MiscFailure, err)
		}
		if good {
			continue
		}
		g.log.Error(nil, fmt.Sprintf("found corrupted or missing path '%s' in the output closure of '%s'",
			dir.PrintPath(p), dir.PrintPath(g.drvPath)))
		if deriver, ok := outputsToDrv[p]; ok {
			deps = append(deps, w.makeDerivationGoal(deriver, derivation.AllOutputs(), ModeRepair))
		} else {
			deps = append(deps, w.makeSubstitutionGoal(p, true, nil))
		}
	}

	if len(deps) == 0 {
		return g.doneAssertValid(w, AlreadyValid)
	}
	g.state = drvClosureRepaired
	return waitFor(deps...)
}

func (g *derivationGoal) closureRepaired(w *Worker) step {
	g.log.V(1).Info("closure repaired")
	if g.nrFailed > 0 {
		return g.fail(w, MiscFailure, fmt.Errorf("some paths in the output closure of derivation '%s' could not be repaired",
			w.store.Dir().PrintPath(g.drvPath)))
	}
	return g.doneAssertValid(w, AlreadyValid)
}

func (g *derivationGoal) inputsRealised(w *Worker) step {
	g.log.V(1).Info("all inputs realised")
	dir := w.store.Dir()

	if g.nrFailed != 0 {
		return g.fail(w, DependencyFailed, fmt.Errorf("%d dependencies of derivation '%s' failed to build",
			g.nrFailed, dir.PrintPath(g.drvPath)))
	}

	if g.retrySubstitution == retryYesNeed {
		g.retrySubstitution = retryAlreadyRetried
		g.state = drvHaveDerivation
		return next()
	}

	var start []storepath.StorePath
	for _, inputDrv := range sortedPaths(g.drv.InputDrvs) {
		var outMap map[string]storepath.StorePath
		for _, name := range sets.List(g.drv.InputDrvs[inputDrv]) {
			if p, ok := g.inputDrvOutputs[inputOutput{inputDrv, name}]; ok {
				start = append(start, p)
				continue
			}
			if outMap == nil {
				var err error
				if outMap, err = w.store.QueryDerivationOutputMap(w.ctx, inputDrv); err != nil {
					return g.fail(w, MiscFailure, err)
				}
			}
			p, ok := outMap[name]
			if !ok {
				return g.fail(w, MiscFailure, fmt.Errorf("derivation '%s' requires non-existent output '%s' from input derivation '%s'",
					dir.PrintPath(g.drvPath), name, dir.PrintPath(inputDrv)))
			}
			start = append(start, p)
		}
	}
	start = append(start, storepath.SortedList(g.drv.InputSrcs)...)

	inputPaths, err := closure.ComputeFSClosure(w.ctx, w.store, start, closure.Options{})
	if err != nil {
		return g.fail(w, MiscFailure, err)
	}
	g.inputPaths = inputPaths
	g.log.V(1).Info("added input paths", "count", len(inputPaths))

	g.state = drvTryToBuild
	return next()
}

func (g *derivationGoal) tryToBuild(w *Worker) step {
	g.log.V(1).Info("trying to build")
	dir := w.store.Dir()

	outputs, err := g.drv.OutputsAndPaths(dir)
	if err != nil {
		return g.fail(w, MiscFailure, err)
	}

	// Output locks keep other processes from building the same outputs.
	lfs, local := w.store.(store.LocalFSStore)
	if local {
		paths := make([]storepath.StorePath, 0, len(outputs))
		for _, p := range outputs {
			paths = append(paths, p)
		}
		locks, ok, err := lfs.LockPaths(w.ctx, paths)
		if err != nil {
			return g.fail(w, MiscFailure, err)
		}
		if !ok {
			if !g.waitingLock {
				g.waitingLock = true
				g.log.Info("waiting for locks on the outputs")
			}
			return sleepFor(w.settings.PollInterval)
		}
		g.waitingLock = false
		g.outputLocks = locks
	}

	// Another process may have built the outputs while we waited for the
	// locks.
	allValid, validOutputs, err := g.checkPathValidity(w)
	if err != nil {
		return g.fail(w, MiscFailure, err)
	}
	if g.mode != ModeCheck && allValid {
		g.log.V(1).Info(fmt.Sprintf("skipping build of derivation '%s', someone beat us to it", dir.PrintPath(g.drvPath)))
		g.outputLocks.SetDeletion(true)
		g.releaseLocks()
		return g.done(w, AlreadyValid, validOutputs, nil)
	}

	if local {
		for _, name := range sortedKeys(g.initialOutputs) {
			out := g.initialOutputs[name]
			if out.status == PathValid {
				continue
			}
			g.log.V(1).Info(fmt.Sprintf("removing invalid path '%s'", dir.PrintPath(out.path)))
			// A corrupt output stays registered until the rebuild
			// replaces its record.
			if out.status == PathCorrupt {
				err = store.RemoveTree(lfs.RealPath(out.path))
			} else {
				err = lfs.DeletePath(w.ctx, out.path)
			}
			if err != nil {
				return g.fail(w, MiscFailure, err)
			}
		}
	}

	g.req = &BuildRequest{
		DrvPath:    g.drvPath,
		Drv:        g.drv,
		Outputs:    outputs,
		InputPaths: g.inputPaths,
		Mode:       g.mode,
		Name:       g.name,
		Log:        g.logLine(w),
	}

	buildLocally := (g.mode != ModeNormal || g.drv.PreferLocalBuild()) && w.settings.MaxBuildJobs != 0
	if !buildLocally && w.hook != nil && !w.hookUnavailable {
		hook, req := w.hook, &HookRequest{
			DrvPath:    g.drvPath,
			Drv:        g.drv,
			Outputs:    outputs,
			Wanted:     g.wantedOutputs,
			InputPaths: g.inputPaths,
			AmWilling:  g.canBuildLocally(w) == nil,
		}
		g.result.StartTime = time.Now()
		g.state = drvHookDone
		return runJob(categoryRemote, func(ctx context.Context) {
			g.hookReply, g.outcome, g.jobErr = hook.TryBuild(ctx, req)
		})
	}
	return g.tryLocalBuild(w)
}

func (g *derivationGoal) hookDone(w *Worker) step {
	if err := g.jobErr; err != nil {
		g.jobErr = nil
		g.releaseLocks()
		return g.fail(w, MiscFailure, err)
	}
	switch g.hookReply {
	case HookAccept:
		g.usedHook = true
		g.state = drvBuildDone
		return next()
	case HookPostpone:
		g.log.Info(fmt.Sprintf("waiting for a machine to build '%s'", w.store.Dir().PrintPath(g.drvPath)))
		g.releaseLocks()
		g.state = drvTryToBuild
		return sleepFor(w.settings.PollInterval)
	case HookDeclinePermanently:
		w.hookUnavailable = true
	}
	return g.tryLocalBuild(w)
}

func (g *derivationGoal) canBuildLocally(w *Worker) error {
	dir := w.store.Dir()
	if w.builder == nil {
		return errors.New("unable to build with a primary store that isn't a local store; either pass a different '--store' or enable remote builds")
	}
	if w.settings.MaxBuildJobs == 0 {
		return errors.New("unable to start any build; either increase '--max-jobs' or enable remote builds")
	}
	features := g.drv.RequiredSystemFeatures()
	if (g.drv.Platform != w.settings.System && !g.drv.IsBuiltin()) || len(features) > 0 {
		return fmt.Errorf("a '%s' with features {%s} is required to build '%s', but I am a '%s' with features {}",
			g.drv.Platform, strings.Join(features, ", "), dir.PrintPath(g.drvPath), w.settings.System)
	}
	return nil
}

func (g *derivationGoal) tryLocalBuild(w *Worker) step {
	if err := g.canBuildLocally(w); err != nil {
		g.releaseLocks()
		return g.fail(w, MiscFailure, err)
	}

	w.record(trace.Event{Kind: trace.EventBuildStarted, Path: w.store.Dir().PrintPath(g.drvPath)})
	g.result.StartTime = time.Now()
	builder, req := w.builder, g.req
	g.state = drvBuildDone
	return runJob(CategoryBuild, func(ctx context.Context) {
		g.outcome, g.jobErr = builder.Build(ctx, req)
	})
}

func (g *derivationGoal) buildDone(w *Worker) step {
	g.log.V(1).Info("build done")
	dir := w.store.Dir()

	g.result.TimesBuilt++
	g.result.StopTime = time.Now()
	w.metrics.buildTook(g.result.StopTime.Sub(g.result.StartTime).Seconds())

	if err := g.jobErr; err != nil {
		g.jobErr = nil
		return g.fail(w, MiscFailure, err)
	}
	o := g.outcome
	if o == nil {
		o = &BuildOutcome{}
	}
	if o.Killed != "" {
		return g.fail(w, o.Killed, o.Err)
	}

	if o.ExitCode != 0 || o.Signal != 0 {
		exitMsg := fmt.Sprintf("failed with exit code %d", o.ExitCode)
		if o.Signal != 0 {
			exitMsg = fmt.Sprintf("failed due to signal %d (%s)", int(o.Signal), o.Signal)
		}
		msg := buildErrorContents(dir.PrintPath(g.drvPath), exitMsg, o.LogTail)
		status := PermanentFailure
		switch {
		case g.usedHook && o.ExitCode == 101:
			status = TimedOut
		case g.usedHook && o.ExitCode != 100:
			status = MiscFailure
		case g.drv.IsFixedOutput():
			// Fixed-output builders reach the network; their failures may
			// go away on a retry.
			status = TransientFailure
		}
		return g.fail(w, status, store.BuildErrorf("%s", msg))
	}

	if !g.usedHook {
		if err := w.builder.RegisterOutputs(w.ctx, g.req, o); err != nil {
			status := OutputRejected
			switch {
			case errors.Is(err, ErrNotDeterministic):
				status = NotDeterministic
				g.checkMismatch = true
			case errors.Is(err, ErrHashMismatch):
				g.hashMismatch = true
			}
			return g.fail(w, status, err)
		}
		for _, p := range g.req.Outputs {
			w.markContentsGood(p)
		}
	}

	allValid, validOutputs, err := g.checkPathValidity(w)
	if err != nil {
		return g.fail(w, MiscFailure, err)
	}
	if !allValid {
		return g.fail(w, OutputRejected, errors.New("some outputs are unexpectedly invalid"))
	}
	if w.settings.PostBuildHook != "" {
		paths := make([]string, 0, len(g.req.Outputs))
		for _, name := range sortedKeys(g.req.Outputs) {
			paths = append(paths, dir.PrintPath(g.req.Outputs[name]))
		}
		if err := runPostBuildHook(w.ctx, w.settings.PostBuildHook, dir.PrintPath(g.drvPath), paths, g.log); err != nil {
			return g.fail(w, MiscFailure, err)
		}
	}

	// Future lockers see the outputs valid, so the lock files can go.
	g.outputLocks.SetDeletion(true)
	return g.done(w, Built, validOutputs, nil)
}

// buildErrorContents formats a builder failure with the tail of its log.
func buildErrorContents(drvPath, exitMsg string, logTail []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "builder for '%s' %s", drvPath, exitMsg)
	if len(logTail) > 0 {
		fmt.Fprintf(&b, ";\nlast %d log lines:\n", len(logTail))
		for _, line := range logTail {
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (g *derivationGoal) logLine(w *Worker) func(string) {
	printed := w.store.Dir().PrintPath(g.drvPath)
	log := g.log
	sink := w.sink
	return func(line string) {
		log.V(1).Info(line)
		trace.SafeRecord(sink, trace.Event{Kind: trace.EventLogLine, Path: printed, Line: line})
	}
}

// checkPathValidity refreshes the status of every output and reports
// whether all wanted outputs are valid, along with the valid ones. In
// repair mode the contents of valid outputs are verified too.
func (g *derivationGoal) checkPathValidity(w *Worker) (bool, map[string]derivation.Realisation, error) {
	dir := w.store.Dir()
	checkHash := g.mode == ModeRepair

	left := sets.New[string]()
	if !g.wantedOutputs.All {
		left = g.wantedOutputs.Names.Clone()
	}

	outputs, err := g.drv.OutputsAndPaths(dir)
	if err != nil {
		return false, nil, err
	}
	valid := make(map[string]derivation.Realisation)
	for _, name := range sortedKeys(outputs) {
		out, ok := g.initialOutputs[name]
		if !ok {
			continue
		}
		out.wanted = g.wantedOutputs.Contains(name)
		if out.wanted {
			left.Delete(name)
		}
		out.path = outputs[name]

		isValid, err := w.store.IsValidPath(w.ctx, out.path)
		if err != nil {
			return false, nil, err
		}
		switch {
		case !isValid:
			out.status = PathAbsent
		case !checkHash:
			out.status = PathValid
		default:
			good, err := w.pathContentsGood(out.path)
			if err != nil {
				return false, nil, err
			}
			out.status = PathCorrupt
			if good {
				out.status = PathValid
			}
		}
		if out.status == PathValid {
			valid[name] = derivation.Realisation{
				ID:      derivation.DrvOutput{DrvHash: out.outputHash, OutputName: name},
				OutPath: out.path,
			}
		}
	}

	if left.Len() > 0 {
		quoted := make([]string, 0, left.Len())
		for _, name := range sets.List(left) {
			quoted = append(quoted, "'"+name+"'")
		}
		return false, nil, fmt.Errorf("derivation '%s' does not have wanted outputs %s",
			dir.PrintPath(g.drvPath), strings.Join(quoted, ", "))
	}

	allValid := g.needRestart != outputsAddedDoNeed
	for _, out := range g.initialOutputs {
		if out.wanted && out.status != PathValid {
			allValid = false
		}
	}
	return allValid, valid, nil
}

func (g *derivationGoal) doneAssertValid(w *Worker, status Status) step {
	allValid, validOutputs, err := g.checkPathValidity(w)
	if err != nil {
		return g.fail(w, MiscFailure, err)
	}
	if !allValid {
		return g.fail(w, MiscFailure, errors.New("some outputs are unexpectedly invalid"))
	}
	return g.done(w, status, validOutputs, nil)
}

func (g *derivationGoal) waiteeDone(w *Worker, dep goal, res WorkResult) {
	dg, ok := dep.(*derivationGoal)
	if !ok || g.drv == nil {
		return
	}
	outputs, ok := g.drv.InputDrvs[dg.drvPath]
	if !ok || !res.Result.Success() {
		return
	}
	for name := range outputs {
		if rl, ok := res.Result.BuiltOutputs[name]; ok {
			g.inputDrvOutputs[inputOutput{dg.drvPath, name}] = rl.OutPath
		}
	}
}

func (g *derivationGoal) releaseLocks() {
	g.outputLocks.Unlock()
	g.outputLocks = nil
}

func (g *derivationGoal) fail(w *Worker, status Status, err error) step {
	return g.done(w, status, nil, err)
}

func (g *derivationGoal) done(w *Worker, status Status, builtOutputs map[string]derivation.Realisation, err error) step {
	g.releaseLocks()
	dir := w.store.Dir()
	printed := dir.PrintPath(g.drvPath)

	r := g.result
	r.Status = status
	if err != nil {
		r.ErrorMsg = err.Error()
	}

	code := ExitFailed
	if r.Success() {
		code = ExitSuccess
		r.BuiltOutputs = make(map[string]derivation.Realisation)
		for name, rl := range builtOutputs {
			if g.wantedOutputs.Contains(name) {
				r.BuiltOutputs[name] = rl
			}
		}
		kind := trace.EventOutputsValid
		if status == Built {
			kind = trace.EventOutputsBuilt
			w.metrics.build("done")
		}
		w.record(trace.Event{Kind: kind, Path: printed, Reason: string(status), Outputs: dir.PrintPaths(sets.New(r.OutputPaths()...))})
	} else {
		kind := trace.EventBuildFailed
		if status == DependencyFailed {
			kind = trace.EventDependencyFailed
		} else {
			w.metrics.build("failed")
		}
		w.record(trace.Event{Kind: kind, Path: printed, Reason: string(status)})
		if !g.topLevel {
			g.log.Error(err, "build failed", "status", status)
		}
	}

	return finish(WorkResult{
		ExitCode:         code,
		Result:           r,
		Err:              err,
		PermanentFailure: status == PermanentFailure,
		TimedOut:         status == TimedOut,
		HashMismatch:     g.hashMismatch,
		CheckMismatch:    g.checkMismatch,
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPaths[V any](m map[storepath.StorePath]V) []storepath.StorePath {
	paths := make([]storepath.StorePath, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	storepath.Sort(paths)
	return paths
}
