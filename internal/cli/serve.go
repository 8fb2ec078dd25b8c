package cli

import (
	"github.com/spf13/cobra"

	"storeweaver/internal/substituter"
)

func newServeCommand(app *App) *cobra.Command {
	var cfg substituter.ServerConfig
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the store as an http binary cache",
		Long: highlight("storeweaver serve") + "\n\n" +
			"Publishes every valid path over http in binary cache layout until\n" +
			"interrupted. Prometheus metrics are served on /metrics.\n",
		Args: maxArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			cfg.Gatherer = app.registry
			cfg.Registerer = app.registry
			cfg.Log = app.log.WithName("serve")
			return substituter.NewServer(cfg, st).Run(ctx)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfg.Addr, "listen", ":8080", "Address to listen on")
	flags.IntVar(&cfg.Priority, "priority", 30, "Priority advertised in nix-cache-info")
	return cmd
}
