package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"storeweaver/internal/build"
	"storeweaver/internal/derivation"
)

func newDerivationCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "derivation",
		Short: "Show and add derivations",
	}
	cmd.AddCommand(newDerivationShowCommand(app), newDerivationAddCommand(app))
	return cmd
}

func newDerivationShowCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show DRV...",
		Short: "Print derivations as JSON, keyed by path",
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
			out := make(map[string]derivation.JSON, len(paths))
			for _, p := range paths {
				d, err := st.ReadDerivation(ctx, p)
				if err != nil {
					return err
				}
				j, err := derivation.ToJSON(st.Dir(), d)
				if err != nil {
					return err
				}
				out[st.Dir().PrintPath(p)] = j
			}
			enc := json.NewEncoder(app.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newDerivationAddCommand(app *App) *cobra.Command {
	var buildIt bool
	cmd := &cobra.Command{
		Use:   "add [FILE]",
		Short: "Add a derivation given as JSON and print its path",
		Long: highlight("storeweaver derivation add") + "\n\n" +
			"Reads one derivation in the JSON form printed by 'derivation show'\n" +
			"from FILE, or from standard input. Missing output paths of an\n" +
			"input-addressed derivation are computed. With --build its outputs\n" +
			"are built too and printed after the derivation path.\n",
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if len(args) == 0 || args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			var j derivation.JSON
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&j); err != nil {
				return invalidInvocationf("parsing derivation: %v", err)
			}

			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			d, err := derivation.FromJSON(st.Dir(), j)
			if err != nil {
				return err
			}
			if needsOutputPaths(d) {
				if err := st.Hasher().FillOutputPaths(ctx, d); err != nil {
					return err
				}
			}
			drvPath, err := derivation.Path(st.Dir(), d)
			if err != nil {
				return err
			}
			if err := st.Hasher().CheckInvariants(ctx, drvPath, d); err != nil {
				return err
			}
			if _, err := st.WriteDerivation(ctx, d); err != nil {
				return err
			}
			if _, err := fmt.Fprintln(app.Stdout, st.Dir().PrintPath(drvPath)); err != nil {
				return err
			}
			if !buildIt {
				return nil
			}
			res := app.newWorker(st).BuildDerivation(ctx, drvPath, d, build.ModeNormal)
			if !res.Success() {
				return fmt.Errorf("building '%s': %s: %s", st.Dir().PrintPath(drvPath), res.Status, res.ErrorMsg)
			}
			return printPaths(app.Stdout, st.Dir(), res.OutputPaths())
		},
	}
	cmd.Flags().BoolVar(&buildIt, "build", false, "Build the derivation after adding it")
	return cmd
}

func needsOutputPaths(d *derivation.Derivation) bool {
	for _, o := range d.Outputs {
		if o.Kind == derivation.InputAddressed && o.Path.IsZero() {
			return true
		}
	}
	return false
}
