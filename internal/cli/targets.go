package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"storeweaver/internal/derivation"
	"storeweaver/internal/missing"
	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
)

// parseTargets parses `path` and `drvpath^outputs` arguments. A bare
// derivation path stands for all of its outputs.
func parseTargets(dir storepath.Dir, args []string) ([]derivation.DerivedPath, error) {
	targets := make([]derivation.DerivedPath, 0, len(args))
	for _, arg := range args {
		t, err := derivation.ParseDerivedPath(dir, arg)
		if err != nil {
			return nil, invalidInvocationf("%v", err)
		}
		if !t.Built && t.Path.IsDerivation() {
			t = derivation.Built(t.Path, derivation.AllOutputs())
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func parsePaths(dir storepath.Dir, args []string) ([]storepath.StorePath, error) {
	paths := make([]storepath.StorePath, 0, len(args))
	for _, arg := range args {
		p, err := dir.ParsePath(arg)
		if err != nil {
			return nil, invalidInvocationf("%v", err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func printPaths(w io.Writer, dir storepath.Dir, paths []storepath.StorePath) error {
	for _, p := range paths {
		if _, err := fmt.Fprintln(w, dir.PrintPath(p)); err != nil {
			return err
		}
	}
	return nil
}

// printMissing describes a plan the way a build announces it.
func printMissing(w io.Writer, dir storepath.Dir, res *missing.Result, readOnly bool) {
	const mib = 1024 * 1024
	if n := len(res.WillBuild); n > 0 {
		if n == 1 {
			fmt.Fprintln(w, "this derivation will be built:")
		} else {
			fmt.Fprintf(w, "these %d derivations will be built:\n", n)
		}
		for _, p := range storepath.SortedList(res.WillBuild) {
			fmt.Fprintf(w, "  %s\n", dir.PrintPath(p))
		}
	}
	if n := len(res.WillSubstitute); n > 0 {
		download := float64(res.DownloadSize) / mib
		unpacked := float64(res.NarSize) / mib
		if n == 1 {
			fmt.Fprintf(w, "this path will be fetched (%.2f MiB download, %.2f MiB unpacked):\n", download, unpacked)
		} else {
			fmt.Fprintf(w, "these %d paths will be fetched (%.2f MiB download, %.2f MiB unpacked):\n", n, download, unpacked)
		}
		for _, p := range storepath.SortedList(res.WillSubstitute) {
			fmt.Fprintf(w, "  %s\n", dir.PrintPath(p))
		}
	}
	if len(res.Unknown) > 0 {
		suffix := ""
		if readOnly {
			suffix = " (may be caused by read-only store access)"
		}
		fmt.Fprintf(w, "don't know how to build these paths%s:\n", suffix)
		for _, p := range storepath.SortedList(res.Unknown) {
			fmt.Fprintf(w, "  %s\n", dir.PrintPath(p))
		}
	}
}

// outputPaths returns what realised targets resolve to: the path of an
// opaque target, the selected outputs of a built one.
func outputPaths(ctx context.Context, s store.Store, targets []derivation.DerivedPath) ([]storepath.StorePath, error) {
	var out []storepath.StorePath
	for _, t := range targets {
		if !t.Built {
			out = append(out, t.Path)
			continue
		}
		outputs, err := s.QueryDerivationOutputMap(ctx, t.Path)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(outputs))
		for name := range outputs {
			if t.Outputs.Contains(name) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, outputs[name])
		}
	}
	return out, nil
}
