package cli

import (
	"github.com/spf13/cobra"

	"storeweaver/internal/closure"
	"storeweaver/internal/missing"
)

func newQueryCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Inspect closures and plans without changing the store",
	}
	cmd.AddCommand(newQueryClosureCommand(app), newQueryMissingCommand(app))
	return cmd
}

func newQueryClosureCommand(app *App) *cobra.Command {
	var opts closure.Options
	cmd := &cobra.Command{
		Use:   "closure PATH...",
		Short: "Print the closure of store paths, references first",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			paths, err := parsePaths(st.Dir(), args)
			if err != nil {
				return err
			}
			opts.Parallelism = app.settings.MaxSubstitutionJobs
			set, err := closure.ComputeFSClosure(ctx, st, paths, opts)
			if err != nil {
				return err
			}
			sorted, err := closure.TopoSortPaths(ctx, st, set)
			if err != nil {
				return err
			}
			return printPaths(app.Stdout, st.Dir(), sorted)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.Flip, "referrers", false, "Follow referrers instead of references")
	flags.BoolVar(&opts.IncludeOutputs, "include-outputs", false, "Include the valid outputs of derivations")
	flags.BoolVar(&opts.IncludeDerivers, "include-derivers", false, "Include the derivers of paths")
	return cmd
}

func newQueryMissingCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "missing TARGET...",
		Short: "Print what realising the targets would build and fetch",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			targets, err := parseTargets(st.Dir(), args)
			if err != nil {
				return err
			}
			res, err := missing.Query(ctx, st, targets, missing.Options{
				UseSubstitutes: app.settings.UseSubstitutes,
				Parallelism:    app.settings.MaxSubstitutionJobs,
				Log:            app.log.WithName("missing"),
			})
			if err != nil {
				return err
			}
			printMissing(app.Stdout, st.Dir(), res, app.settings.ReadOnlyMode)
			return nil
		},
	}
}
