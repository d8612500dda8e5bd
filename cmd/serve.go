package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves lookups over the persisted index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithApp(cmd, func(a App) error {
				return a.Serve(cmd.Context())
			})
		},
	}
}
