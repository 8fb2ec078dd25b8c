package build

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"storeweaver/internal/derivation"
	"storeweaver/internal/storepath"
)

// ExitError carries the process exit status a failed run should end with.
type ExitError struct {
	Status int
	Err    error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// KeyedBuildResult is the result of one requested path.
type KeyedBuildResult struct {
	Path derivation.DerivedPath
	BuildResult
}

// BuildPaths realises targets. When exactly one target failed its error is
// returned; otherwise the first error is logged and a summary naming every
// failed target is returned. Errors are *ExitError values.
func (w *Worker) BuildPaths(ctx context.Context, targets []derivation.DerivedPath, mode BuildMode) error {
	res, err := w.Run(ctx, targets, mode)
	if err != nil && res == nil {
		return err
	}

	dir := w.store.Dir()
	var first error
	var failed []string
	for i, r := range res.Goals {
		if r.Err != nil {
			if first == nil {
				first = r.Err
			} else {
				w.log.Error(r.Err, "build failed")
			}
		}
		if r.ExitCode != ExitSuccess {
			failed = append(failed, "'"+dir.PrintPath(targets[i].Path)+"'")
		}
	}

	status := res.FailingExitStatus()
	switch {
	case errors.Is(err, ErrInterrupted):
		return &ExitError{Status: status, Err: err}
	case len(failed) == 1 && first != nil:
		return &ExitError{Status: status, Err: first}
	case len(failed) > 0:
		if first != nil {
			w.log.Error(first, "build failed")
		}
		return &ExitError{Status: status, Err: fmt.Errorf("build of %s failed", strings.Join(failed, ", "))}
	}
	return nil
}

// BuildPathsWithResults realises targets and returns each target's result
// restricted to the outputs it asked for. Only interruption is returned as
// an error; build failures are in the results.
func (w *Worker) BuildPathsWithResults(ctx context.Context, targets []derivation.DerivedPath, mode BuildMode) ([]KeyedBuildResult, error) {
	res, err := w.Run(ctx, targets, mode)
	if res == nil {
		return nil, err
	}
	out := make([]KeyedBuildResult, len(targets))
	for i, t := range targets {
		out[i] = KeyedBuildResult{Path: t, BuildResult: res.Goals[i].Result.RestrictTo(t)}
	}
	return out, err
}

// BuildDerivation builds drv, already loaded, as if it were stored at
// drvPath. Failures of any kind are reported in the result.
func (w *Worker) BuildDerivation(ctx context.Context, drvPath storepath.StorePath, drv *derivation.Derivation, mode BuildMode) BuildResult {
	res, err := w.run(ctx, func() []goal {
		g := newDerivationGoal(w, drvPath, derivation.AllOutputs(), mode)
		g.drv = drv
		g.state = drvHaveDerivation
		w.derivationGoals[drvPath] = g
		w.ready = append(w.ready, g)
		return []goal{g}
	})
	if res == nil {
		return BuildResult{Status: MiscFailure, ErrorMsg: err.Error()}
	}
	return res.Goals[0].Result.RestrictTo(derivation.Built(drvPath, derivation.AllOutputs()))
}

// EnsurePath makes p valid, substituting it if needed.
func (w *Worker) EnsurePath(ctx context.Context, p storepath.StorePath) error {
	valid, err := w.store.IsValidPath(ctx, p)
	if err != nil || valid {
		return err
	}
	res, err := w.Run(ctx, []derivation.DerivedPath{derivation.Opaque(p)}, ModeNormal)
	if res == nil {
		return err
	}
	if r := res.Goals[0]; r.ExitCode != ExitSuccess {
		if r.Err != nil {
			return &ExitError{Status: res.FailingExitStatus(), Err: r.Err}
		}
		return &ExitError{Status: res.FailingExitStatus(),
			Err: fmt.Errorf("path '%s' does not exist and cannot be created", w.store.Dir().PrintPath(p))}
	}
	return nil
}

// RepairPath re-substitutes p, or rebuilds its deriver when no substitute
// works.
func (w *Worker) RepairPath(ctx context.Context, p storepath.StorePath) error {
	dir := w.store.Dir()
	res, err := w.Run(ctx, []derivation.DerivedPath{derivation.Opaque(p)}, ModeRepair)
	if res == nil || errors.Is(err, ErrInterrupted) {
		return err
	}
	if res.Goals[0].ExitCode == ExitSuccess {
		return nil
	}

	cannot := func(res *Results) error {
		return &ExitError{Status: res.FailingExitStatus(), Err: fmt.Errorf("cannot repair path '%s'", dir.PrintPath(p))}
	}
	info, err := w.store.QueryPathInfo(ctx, p)
	if err != nil || info.Deriver.IsZero() {
		return cannot(res)
	}
	valid, err := w.store.IsValidPath(ctx, info.Deriver)
	if err != nil || !valid {
		return cannot(res)
	}

	res, err = w.Run(ctx, []derivation.DerivedPath{derivation.Built(info.Deriver, derivation.AllOutputs())}, ModeRepair)
	if res == nil || errors.Is(err, ErrInterrupted) {
		return err
	}
	if res.Goals[0].ExitCode != ExitSuccess {
		return cannot(res)
	}
	return nil
}
