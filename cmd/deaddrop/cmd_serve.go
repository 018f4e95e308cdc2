package main

import (
	"github.com/spf13/cobra"
)

// newServeCmd creates the "deaddrop serve" subcommand.
func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task workers",
		Long:  "Runs scheduled dispatch and receive units until interrupted.\nUnits left running by an earlier crash are requeued on start,\nand agent package metadata is reloaded when the package changes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				ctx := cmd.Context()
				if err := a.catalog.Watch(ctx); err != nil {
					return err
				}
				a.log.Info("serving", "db", a.cfg.DBPath, "workers", a.cfg.Workers, "protocols", a.router.Protocols())
				if err := a.queue.Run(ctx); err != nil {
					return err
				}
				a.log.Info("stopped")
				return nil
			})
		},
	}
}
