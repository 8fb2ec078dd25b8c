package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"storeweaver/internal/build"
	"storeweaver/internal/derivation"
	"storeweaver/internal/missing"
	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
)

type realiseOptions struct {
	check     bool
	repair    bool
	keepGoing bool
	fallback  bool
	dryRun    bool
	maxJobs   int
	json      bool
	addRoot   string
}

// realiseJSON is one element of `realise --json`.
type realiseJSON struct {
	Path       string            `json:"path"`
	Status     build.Status      `json:"status"`
	ErrorMsg   string            `json:"errorMsg,omitempty"`
	TimesBuilt int               `json:"timesBuilt"`
	Outputs    map[string]string `json:"outputs,omitempty"`
}

func newRealiseCommand(app *App) *cobra.Command {
	var opts realiseOptions
	cmd := &cobra.Command{
		Use:     "realise TARGET...",
		Aliases: []string{"realize"},
		Short:   "Build or substitute store paths and derivation outputs",
		Long: highlight("storeweaver realise") + "\n\n" +
			"Makes every TARGET valid and prints the resulting output paths.\n" +
			"A TARGET is a store path, a derivation path (all outputs) or\n" +
			"DRV^OUT1,OUT2 for selected outputs.\n",
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.check && opts.repair {
				return invalidInvocationf("--check and --repair cannot be combined")
			}
			s := app.settings
			flags := cmd.Flags()
			if flags.Changed("keep-going") {
				s.KeepGoing = opts.keepGoing
			}
			if flags.Changed("fallback") {
				s.TryFallback = opts.fallback
			}
			if flags.Changed("max-jobs") {
				if opts.maxJobs < 0 {
					return invalidInvocationf("--max-jobs must not be negative")
				}
				s.MaxBuildJobs = opts.maxJobs
			}

			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			targets, err := parseTargets(st.Dir(), args)
			if err != nil {
				return err
			}

			plan, err := missing.Query(ctx, st, targets, missing.Options{
				UseSubstitutes: s.UseSubstitutes,
				Parallelism:    s.MaxSubstitutionJobs,
				Log:            app.log.WithName("missing"),
			})
			if err != nil {
				return err
			}
			if opts.dryRun {
				printMissing(app.Stdout, st.Dir(), plan, s.ReadOnlyMode)
				return nil
			}
			printMissing(app.Stderr, st.Dir(), plan, s.ReadOnlyMode)

			mode := build.ModeNormal
			switch {
			case opts.check:
				mode = build.ModeCheck
			case opts.repair:
				mode = build.ModeRepair
			}
			w := app.newWorker(st)
			if opts.json {
				return realiseWithResults(ctx, app, st, w, targets, mode, opts.addRoot)
			}
			if err := w.BuildPaths(ctx, targets, mode); err != nil {
				return err
			}
			outs, err := outputPaths(ctx, st, targets)
			if err != nil {
				return err
			}
			if opts.addRoot == "" {
				return printPaths(app.Stdout, st.Dir(), outs)
			}
			links, err := addPermRoots(ctx, st, outs, opts.addRoot)
			if err != nil {
				return err
			}
			for _, l := range links {
				if _, err := fmt.Fprintln(app.Stdout, l); err != nil {
					return err
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.check, "check", false, "Rebuild valid outputs and compare them with the registered ones")
	flags.BoolVar(&opts.repair, "repair", false, "Substitute or rebuild corrupt paths")
	flags.BoolVarP(&opts.keepGoing, "keep-going", "k", false, "Keep building independent targets after a failure")
	flags.BoolVar(&opts.fallback, "fallback", false, "Build from source when substitution fails")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "Print what would be built and fetched, then stop")
	flags.IntVarP(&opts.maxJobs, "max-jobs", "j", 1, "Maximum number of concurrent local builds")
	flags.BoolVar(&opts.json, "json", false, "Print the result of every target as JSON")
	flags.StringVar(&opts.addRoot, "add-root", "", "Keep the outputs alive through this symlink, numbered -2, -3... after the first")
	return cmd
}

// realiseWithResults builds every target and reports each one, failed or
// not. Only the roots of successful targets are added.
func realiseWithResults(ctx context.Context, app *App, st *store.LocalStore, w *build.Worker,
	targets []derivation.DerivedPath, mode build.BuildMode, addRoot string) error {
	results, err := w.BuildPathsWithResults(ctx, targets, mode)
	if results == nil {
		return err
	}
	dir := st.Dir()
	out := make([]realiseJSON, 0, len(results))
	var outs []storepath.StorePath
	failed := 0
	for _, r := range results {
		j := realiseJSON{
			Path:       r.Path.Render(dir),
			Status:     r.Status,
			ErrorMsg:   r.ErrorMsg,
			TimesBuilt: r.TimesBuilt,
		}
		names := make([]string, 0, len(r.BuiltOutputs))
		for name, rl := range r.BuiltOutputs {
			if j.Outputs == nil {
				j.Outputs = make(map[string]string, len(r.BuiltOutputs))
			}
			j.Outputs[name] = dir.PrintPath(rl.OutPath)
			names = append(names, name)
		}
		if !r.Success() {
			failed++
		} else if !r.Path.Built {
			outs = append(outs, r.Path.Path)
		} else {
			sort.Strings(names)
			for _, name := range names {
				outs = append(outs, r.BuiltOutputs[name].OutPath)
			}
		}
		out = append(out, j)
	}
	enc := json.NewEncoder(app.Stdout)
	enc.SetIndent("", "  ")
	if eerr := enc.Encode(out); eerr != nil {
		return eerr
	}
	if err != nil {
		return err
	}
	if addRoot != "" {
		if _, rerr := addPermRoots(ctx, st, outs, addRoot); rerr != nil {
			return rerr
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(results))
	}
	return nil
}

// addPermRoots points link (and link-2, link-3... for further paths) at
// paths and returns the links made.
func addPermRoots(ctx context.Context, st *store.LocalStore, paths []storepath.StorePath, link string) ([]string, error) {
	links := make([]string, 0, len(paths))
	for i, p := range paths {
		name := link
		if i > 0 {
			name = fmt.Sprintf("%s-%d", link, i+1)
		}
		root, err := st.AddPermRoot(ctx, p, name)
		if err != nil {
			return links, err
		}
		links = append(links, root)
	}
	return links, nil
}
