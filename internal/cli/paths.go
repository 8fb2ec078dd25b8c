package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"storeweaver/internal/closure"
	"storeweaver/internal/storepath"
	"storeweaver/internal/substituter"
)

func newAddCommand(app *App) *cobra.Command {
	var flat bool
	cmd := &cobra.Command{
		Use:   "add PATH...",
		Short: "Import files or directories as content-addressed store objects",
		Args:  minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			method := storepath.Recursive
			if flat {
				method = storepath.Flat
			}
			for _, src := range args {
				abs, err := filepath.Abs(src)
				if err != nil {
					return err
				}
				info, err := st.AddToStore(ctx, filepath.Base(abs), abs, method, storepath.SHA256, nil)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintln(app.Stdout, st.Dir().PrintPath(info.Path)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flat, "flat", false, "Hash a single regular file's contents instead of its archive")
	return cmd
}

func newVerifyCommand(app *App) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "verify PATH...",
		Short: "Check store objects against their registered hashes",
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
			bad := 0
			for _, p := range paths {
				printed := st.Dir().PrintPath(p)
				good, err := st.VerifyPath(ctx, p)
				if err != nil {
					return err
				}
				if good {
					continue
				}
				if !repair {
					app.log.Error(nil, fmt.Sprintf("path '%s' was modified", printed))
					bad++
					continue
				}
				app.log.Info(fmt.Sprintf("repairing path '%s'", printed))
				if err := app.newWorker(st).RepairPath(ctx, p); err != nil {
					app.log.Error(err, "repair failed", "path", printed)
					bad++
				}
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d paths are corrupt", bad, len(paths))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Substitute or rebuild corrupt paths")
	return cmd
}

func newCopyCommand(app *App) *cobra.Command {
	var to, compression string
	cmd := &cobra.Command{
		Use:   "copy --to DIR PATH...",
		Short: "Publish the closure of paths as a file binary cache",
		Long: highlight("storeweaver copy") + "\n\n" +
			"Writes the closure of every PATH to DIR in binary cache layout, so\n" +
			"that file://DIR can be used as a substituter.\n",
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return invalidInvocationf("--to is required")
			}
			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			paths, err := parsePaths(st.Dir(), args)
			if err != nil {
				return err
			}
			set, err := closure.ComputeFSClosure(ctx, st, paths, closure.Options{})
			if err != nil {
				return err
			}
			sorted, err := closure.TopoSortPaths(ctx, st, set)
			if err != nil {
				return err
			}
			root, err := filepath.Abs(to)
			if err != nil {
				return err
			}
			if err := substituter.WriteFileCache(ctx, st, root, sorted, compression); err != nil {
				return fmt.Errorf("copying to '%s': %w", root, err)
			}
			app.log.Info("copied paths", "count", len(sorted), "to", root)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&to, "to", "", "Directory of the file binary cache")
	flags.StringVar(&compression, "compression", substituter.CompressionGzip, "Archive compression. One of: (none | gzip)")
	return cmd
}
