package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"storeweaver/internal/gc"
	"storeweaver/internal/storepath"
)

func newStoreCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage garbage collector roots and delete store paths",
	}
	cmd.AddCommand(
		newStoreGCCommand(app),
		newStoreDeleteCommand(app),
		newStoreRootsCommand(app),
		newStoreAddRootCommand(app),
	)
	return cmd
}

type gcFlags struct {
	keepOutputs     bool
	keepDerivations bool
}

func (f *gcFlags) add(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.keepOutputs, "keep-outputs", false, "Keep the outputs of live derivations")
	cmd.Flags().BoolVar(&f.keepDerivations, "keep-derivations", false, "Keep the derivers of live paths")
}

// apply overrides the settings with the flags that were given.
func (f *gcFlags) apply(cmd *cobra.Command, app *App, opts *gc.Options) {
	opts.KeepOutputs = app.settings.KeepOutputs
	opts.KeepDerivations = app.settings.KeepDerivations
	if cmd.Flags().Changed("keep-outputs") {
		opts.KeepOutputs = f.keepOutputs
	}
	if cmd.Flags().Changed("keep-derivations") {
		opts.KeepDerivations = f.keepDerivations
	}
	opts.Log = app.log.WithName("gc")
}

func newStoreGCCommand(app *App) *cobra.Command {
	var (
		flags     gcFlags
		printLive bool
		printDead bool
		maxFreed  uint64
	)
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete every path no garbage collector root keeps alive",
		Long: highlight("storeweaver store gc") + "\n\n" +
			"Roots are the symlinks under <state-dir>/gcroots, including the\n" +
			"links made by 'realise --add-root'. With --print-live or\n" +
			"--print-dead nothing is deleted.\n",
		Args: maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if printLive && printDead {
				return invalidInvocationf("--print-live and --print-dead cannot be combined")
			}
			opts := gc.Options{Action: gc.DeleteDead, MaxFreed: maxFreed}
			switch {
			case printLive:
				opts.Action = gc.ReturnLive
			case printDead:
				opts.Action = gc.ReturnDead
			}
			flags.apply(cmd, app, &opts)

			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			res, err := gc.Collect(ctx, st, opts)
			if err != nil {
				return err
			}
			if opts.Action != gc.DeleteDead {
				return printPaths(app.Stdout, st.Dir(), storepath.SortedList(res.Paths))
			}
			return printFreed(app, res)
		},
	}
	flags.add(cmd)
	cmd.Flags().BoolVar(&printLive, "print-live", false, "Print the live paths instead of deleting")
	cmd.Flags().BoolVar(&printDead, "print-dead", false, "Print the dead paths instead of deleting")
	cmd.Flags().Uint64Var(&maxFreed, "max-freed", 0, "Stop after freeing this many bytes (0 for no limit)")
	return cmd
}

func newStoreDeleteCommand(app *App) *cobra.Command {
	var (
		flags          gcFlags
		ignoreLiveness bool
	)
	cmd := &cobra.Command{
		Use:   "delete PATH...",
		Short: "Delete store paths together with their dead referrers",
		Long: highlight("storeweaver store delete") + "\n\n" +
			"Fails without deleting a PATH that a garbage collector root still\n" +
			"reaches, unless --ignore-liveness is given.\n",
		Args: minArgs(1),
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
			opts := gc.Options{
				Action:         gc.DeleteSpecific,
				PathsToDelete:  paths,
				IgnoreLiveness: ignoreLiveness,
			}
			flags.apply(cmd, app, &opts)
			res, err := gc.Collect(ctx, st, opts)
			if res != nil {
				if perr := printFreed(app, res); perr != nil && err == nil {
					err = perr
				}
			}
			if errors.Is(err, gc.ErrAlive) {
				app.log.V(1).Info("to find out why, use 'store roots' and 'query closure --referrers'")
			}
			return err
		},
	}
	flags.add(cmd)
	cmd.Flags().BoolVar(&ignoreLiveness, "ignore-liveness", false, "Delete paths even when roots reach them")
	return cmd
}

func newStoreRootsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "roots",
		Short: "Print the garbage collector roots as 'link -> path'",
		Args:  maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			roots, err := st.FindRoots(ctx)
			if err != nil {
				return err
			}
			for _, line := range roots.SortedLinks(st.Dir()) {
				if _, err := fmt.Fprintln(app.Stdout, line); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newStoreAddRootCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "add-root NAME PATH",
		Short: "Make PATH valid, substituting it if needed, and root it as gcroots/NAME",
		Args:  cobra.MatchAll(minArgs(2), maxArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			paths, err := parsePaths(st.Dir(), args[1:])
			if err != nil {
				return err
			}
			if err := app.newWorker(st).EnsurePath(ctx, paths[0]); err != nil {
				return err
			}
			link, err := st.AddRoot(ctx, args[0], paths[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(app.Stdout, link)
			return err
		},
	}
}

func printFreed(app *App, res *gc.Results) error {
	_, err := fmt.Fprintf(app.Stdout, "%d store paths deleted, %.2f MiB freed\n",
		res.Paths.Len(), float64(res.BytesFreed)/(1024*1024))
	return err
}
