package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/chosei"
)

func getTailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Follows records as tuner processes append them",
		Long: `Prints one line per action record appended to the shared postgres
registry by any chosei process, until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.Background()) }()

			out := cmd.OutOrStdout()
			return app.Tail(cmd.Context(), func(ev chosei.Event) { printEvent(out, ev) })
		},
	}
}

func printEvent(w io.Writer, ev chosei.Event) {
	status := "ok"
	if !ev.Success {
		status = "failed"
	}
	line := fmt.Sprintf("%s %s %s", formatTime(ev.Timestamp), ev.TargetID, ev.Kind)
	if ev.IndexType != "" {
		line += " " + ev.IndexType
	}
	line += " " + status
	if ev.Outcome != "" {
		line += fmt.Sprintf(" %s %+.1f%%", ev.Outcome, ev.ImprovementRatio*100)
	}
	fmt.Fprintln(w, line)
}
