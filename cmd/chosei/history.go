package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/chosei"
)

func getHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <target>",
		Short: "Prints a target's action records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.Background()) }()

			recs, err := app.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "most recent records to show (0 for all)")
	return cmd
}

func printHistory(w io.Writer, recs []chosei.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "no records")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APPLIED\tACTION\tINDEX\tBEFORE\tAFTER\tIMPROVEMENT\tOUTCOME")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s (%s)\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(r.AppliedAt), humanize.Time(r.AppliedAt), actionLabel(r.Action), dash(r.Action.IndexName),
			sampleMs(r.Before), sampleMs(r.After), improvement(r), outcomeLabel(r))
	}
	_ = tw.Flush()
}
