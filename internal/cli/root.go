package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"sigs.k8s.io/release-utils/version"
)

func highlight(format string, a ...any) string {
	return color.RGB(50, 108, 229).Sprintf(format, a...)
}

// NewRootCommand returns the storeweaver command tree bound to app.
func NewRootCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storeweaver",
		Short: "Build and substitute derivations in a content-addressed store",
		Long: highlight("Usage: storeweaver [global options] <subcommand> [args]") + "\n\n" +
			"storeweaver realises derivations into a content-addressed store: it\n" +
			"substitutes what binary caches can provide, builds the rest, and\n" +
			"registers the results together with their references.\n",
		Version:       version.GetVersionInfo().GitVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup()
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &InvocationError{Message: err.Error()}
	})
	app.addFlags(cmd)
	setUsageTemplate(cmd)

	cmd.AddCommand(
		newRealiseCommand(app),
		newQueryCommand(app),
		newDerivationCommand(app),
		newAddCommand(app),
		newVerifyCommand(app),
		newCopyCommand(app),
		newStoreCommand(app),
		newServeCommand(app),
		newVersionCommand(app),
	)
	return cmd
}

func setUsageTemplate(cmd *cobra.Command) {
	cobra.AddTemplateFunc("StyleHeading", color.RGB(50, 108, 229).SprintFunc())
	cmd.SetUsageTemplate(strings.NewReplacer(
		`Usage:`, `{{StyleHeading "Usage:"}}`,
		`Available Commands:`, `{{StyleHeading "Available Commands:"}}`,
		`Flags:`, `{{StyleHeading "Options:"}}`,
		`Global Flags:`, `{{StyleHeading "Global Options:"}}`,
	).Replace(cmd.UsageTemplate()))
}

// minArgs rejects fewer than n positional arguments as an invalid
// invocation.
func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) >= n {
			return nil
		}
		return invalidInvocationf("%s requires at least %d argument(s), got %d", cmd.CommandPath(), n, len(args))
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) <= n {
			return nil
		}
		return invalidInvocationf("%s accepts at most %d argument(s), got %d", cmd.CommandPath(), n, len(args))
	}
}

func newVersionCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  maxArgs(0),
		// Printing the version needs no settings.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.GetVersionInfo()
			_, err := fmt.Fprintf(app.Stdout, "storeweaver %s (%s, %s)\n", info.GitVersion, info.GoVersion, info.Platform)
			return err
		},
	}
}
