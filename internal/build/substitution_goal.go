package build

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
	"storeweaver/internal/trace"
)

type substitutionState int

const (
	subInit substitutionState = iota
	subTryNext
	subReferencesValid
	subTryToRun
	subFinished
)

// substitutionGoal makes one store path valid by copying it from the first
// substituter that has it.
type substitutionGoal struct {
	goalBase
	state substitutionState
	log   logr.Logger

	storePath storepath.StorePath
	repair    bool
	// ca, when known, lets substituters with another store directory
	// serve the path.
	ca *storepath.ContentAddress

	subs []store.Substituter
	sub  store.Substituter
	// subPath is storePath in the current substituter's directory.
	subPath storepath.StorePath
	info    *store.PathInfo

	substituterFailed bool
	downloadSize      uint64
	narSize           uint64

	// copyErr is written by the transfer job.
	copyErr error
}

func newSubstitutionGoal(w *Worker, p storepath.StorePath, repair bool, ca *storepath.ContentAddress) *substitutionGoal {
	name := fmt.Sprintf("substitution of '%s'", w.store.Dir().PrintPath(p))
	return &substitutionGoal{
		goalBase:  goalBase{name: name},
		log:       w.log.WithName("substitution").WithValues("path", w.store.Dir().PrintPath(p)),
		storePath: p,
		repair:    repair,
		ca:        ca,
	}
}

func (g *substitutionGoal) category() JobCategory { return CategorySubstitution }

func (g *substitutionGoal) waiteeDone(*Worker, goal, WorkResult) {}

func (g *substitutionGoal) work(w *Worker) step {
	switch g.state {
	case subInit:
		return g.init(w)
	case subTryNext:
		return g.tryNext(w)
	case subReferencesValid:
		return g.referencesValid(w)
	case subTryToRun:
		return g.tryToRun(w)
	case subFinished:
		return g.finished(w)
	}
	panic(fmt.Sprintf("substitution goal in unknown state %d", g.state))
}

func (g *substitutionGoal) init(w *Worker) step {
	g.log.V(1).Info("init")
	w.record(trace.Event{Kind: trace.EventGoalStarted, Path: w.store.Dir().PrintPath(g.storePath)})

	valid, err := w.store.IsValidPath(w.ctx, g.storePath)
	if err != nil {
		return g.fail(w, ExitFailed, MiscFailure, err)
	}
	if !g.repair && valid {
		return g.done(w, ExitSuccess, AlreadyValid, nil)
	}
	if w.settings.ReadOnlyMode {
		return g.fail(w, ExitFailed, MiscFailure, fmt.Errorf("cannot substitute path '%s' - no write access to the Nix store",
			w.store.Dir().PrintPath(g.storePath)))
	}

	if w.settings.UseSubstitutes {
		g.subs = append([]store.Substituter(nil), w.store.Substituters()...)
	}
	g.state = subTryNext
	return next()
}

func (g *substitutionGoal) tryNext(w *Worker) step {
	dir := w.store.Dir()
	if len(g.subs) == 0 {
		err := fmt.Errorf("path '%s' is required, but there is no substituter that can build it", dir.PrintPath(g.storePath))
		g.log.V(1).Info(err.Error())
		code := ExitNoSubstituters
		if g.substituterFailed {
			code = ExitFailed
			w.metrics.substitution("failed")
		}
		return g.fail(w, code, NoSubstituters, err)
	}

	g.sub, g.subs = g.subs[0], g.subs[1:]

	subPath, ok := store.PathIn(dir, g.sub, g.storePath, g.ca)
	if !ok {
		return next()
	}
	g.subPath = subPath

	info, err := g.sub.QueryPathInfo(w.ctx, subPath)
	switch {
	case err == nil:
	case store.IsInvalidPath(err):
		return next()
	case errors.Is(err, store.ErrSubstituterDisabled):
		if !w.settings.TryFallback {
			return g.fail(w, ExitFailed, MiscFailure, err)
		}
		return next()
	default:
		if !w.settings.TryFallback {
			return g.fail(w, ExitFailed, MiscFailure, err)
		}
		g.log.Error(err, "querying substituter", "substituter", g.sub.URI())
		return next()
	}

	if info.Path != g.storePath {
		if g.ca != nil && info.CA != nil && len(info.References) == 0 {
			moved := *info
			moved.Path = g.storePath
			info = &moved
		} else {
			g.log.Error(nil, fmt.Sprintf("asked '%s' for '%s' but got '%s'",
				g.sub.URI(), dir.PrintPath(g.storePath), g.sub.Dir().PrintPath(info.Path)))
			return next()
		}
	}
	g.info = info

	g.narSize = info.NarSize
	g.downloadSize = info.FileSize

	if w.settings.RequireSigs && !g.sub.Trusted() {
		g.log.Info(fmt.Sprintf("ignoring substitute for '%s' from '%s', as the substituter is not trusted",
			dir.PrintPath(g.storePath), g.sub.URI()))
		return next()
	}

	w.metrics.substitution("expected")
	w.metrics.transfer("expected", g.downloadSize, g.narSize)

	// References must be valid before the path itself can be registered.
	var deps []goal
	for _, r := range storepath.SortedList(info.References) {
		if r != g.storePath {
			deps = append(deps, w.makeSubstitutionGoal(r, false, nil))
		}
	}
	g.state = subReferencesValid
	return waitFor(deps...)
}

func (g *substitutionGoal) referencesValid(w *Worker) step {
	if g.nrFailed > 0 {
		code := ExitFailed
		if g.nrNoSubstituters > 0 || g.nrIncompleteClosure > 0 {
			code = ExitIncompleteClosure
		}
		return g.fail(w, code, DependencyFailed, fmt.Errorf("some references of path '%s' could not be realised",
			w.store.Dir().PrintPath(g.storePath)))
	}
	g.state = subTryToRun
	return next()
}

func (g *substitutionGoal) tryToRun(w *Worker) step {
	g.log.V(1).Info("trying to run")
	g.state = subFinished
	sub, subPath, info, s := g.sub, g.subPath, *g.info, w.store
	info.Ultimate = false
	return runJob(CategorySubstitution, func(ctx context.Context) {
		g.copyErr = copyPath(ctx, sub, subPath, s, info)
	})
}

// copyPath streams the dump of subPath from sub into s under info.Path.
func copyPath(ctx context.Context, sub store.Substituter, subPath storepath.StorePath, s store.Store, info store.PathInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(sub.NarFromPath(ctx, subPath, pw))
	}()
	err := s.AddToStoreFromDump(ctx, info, pr)
	pr.CloseWithError(err)
	return err
}

func (g *substitutionGoal) finished(w *Worker) step {
	dir := w.store.Dir()
	if err := g.copyErr; err != nil {
		g.copyErr = nil
		g.log.Error(err, "substitution failed", "substituter", g.sub.URI())
		if !errors.Is(err, store.ErrSubstituteGone) {
			g.substituterFailed = true
		}
		g.state = subTryNext
		return next()
	}

	w.markContentsGood(g.storePath)
	g.log.Info(fmt.Sprintf("substitution of path '%s' succeeded", dir.PrintPath(g.storePath)))
	w.metrics.substitution("done")
	w.metrics.transfer("done", g.downloadSize, g.narSize)
	w.record(trace.Event{Kind: trace.EventPathSubstituted, Path: dir.PrintPath(g.storePath), Reason: g.sub.URI()})
	return g.done(w, ExitSuccess, Substituted, nil)
}

func (g *substitutionGoal) fail(w *Worker, code ExitCode, status Status, err error) step {
	w.record(trace.Event{
		Kind:   trace.EventSubstitutionFailed,
		Path:   w.store.Dir().PrintPath(g.storePath),
		Reason: string(status),
	})
	if !g.topLevel && code == ExitFailed {
		g.log.Error(err, "substitution failed")
	}
	return g.done(w, code, status, err)
}

func (g *substitutionGoal) done(_ *Worker, code ExitCode, status Status, err error) step {
	res := WorkResult{
		ExitCode:  code,
		Result:    BuildResult{Status: status},
		Err:       err,
		StorePath: g.storePath,
	}
	if err != nil {
		res.Result.ErrorMsg = err.Error()
	}
	return finish(res)
}
