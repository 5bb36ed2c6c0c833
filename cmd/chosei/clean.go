package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func getCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Drops every index chosei created",
		Long: `Drops every live index the tuner built on the configured targets,
including active ones. Indexes created by anyone else are never touched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.Background()) }()

			dropped, err := app.Clean(cmd.Context())
			for _, name := range dropped {
				fmt.Fprintln(cmd.OutOrStdout(), "dropped", name)
			}
			if len(dropped) == 0 && err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to drop")
			}
			return err
		},
	}
}
