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

func getSummaryCmd() *cobra.Command {
	var recent int

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarizes everything the tuner has done",
		Long: `Prints per-kind action counts with success rates and average
improvement, probe timing statistics, index counts and the latest records.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.Background()) }()

			sum, err := app.Summary(cmd.Context(), recent)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 5, "number of latest records to show")
	return cmd
}

func printSummary(w io.Writer, s chosei.Summary) {
	fmt.Fprintf(w, "Actions: %s records\n", humanize.Comma(int64(s.Records)))
	if len(s.Kinds) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  KIND\tTOTAL\tSUCCESS\tIMPROVED\tREGRESSED\tAVG IMPROVEMENT")
		for _, k := range s.Kinds {
			fmt.Fprintf(tw, "  %s\t%s\t%.1f%%\t%d\t%d\t%+.1f%%\n",
				k.Kind, humanize.Comma(int64(k.Total)), k.SuccessRate*100, k.Improved, k.Regressed, k.MeanImprovement*100)
		}
		_ = tw.Flush()
	}

	fmt.Fprintf(w, "Samples: %s\n", humanize.Comma(int64(s.Samples)))
	if s.Samples > 0 {
		fmt.Fprintf(w, "  execution time avg %s ms, min %s ms, max %s ms\n",
			humanize.FormatFloat("#,###.##", s.MeanTimeMs),
			humanize.FormatFloat("#,###.##", s.MinTimeMs),
			humanize.FormatFloat("#,###.##", s.MaxTimeMs))
	}
	fmt.Fprintf(w, "Indexes: %d live, %d built by chosei\n", s.LiveIndexes, s.AgentLive)

	if len(s.Recent) > 0 {
		fmt.Fprintln(w, "Recent:")
		for _, r := range s.Recent {
			fmt.Fprintf(w, "  %s  %-8s %-24s %s\n", humanize.Time(r.AppliedAt), r.TargetID, actionLabel(r.Action), outcomeLabel(r))
		}
	}
}
