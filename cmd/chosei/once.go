package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/chosei"
)

func getOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Runs one tuning cycle per target and prints the results",
		Long: `Runs exactly one cycle for every configured target and prints a
before/after comparison of the probe query.

Examples:
  chosei once
  chosei once --registry memory`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.Background()) }()

			recs, err := app.RunOnce(cmd.Context())
			printCycleTable(cmd.OutOrStdout(), recs)
			return err
		},
	}
}

func printCycleTable(w io.Writer, recs []chosei.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tACTION\tINDEX\tBEFORE\tAFTER\tIMPROVEMENT\tOUTCOME")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.TargetID, actionLabel(r.Action), dash(r.Action.IndexName),
			sampleMs(r.Before), sampleMs(r.After), improvement(r), outcomeLabel(r))
	}
	_ = tw.Flush()
	for _, r := range recs {
		if r.Action.Rationale != "" {
			fmt.Fprintf(w, "%s: %s\n", r.TargetID, r.Action.Rationale)
		}
	}
}

func actionLabel(a chosei.Action) string {
	if a.IndexType == "" {
		return a.Kind
	}
	return a.Kind + " " + a.IndexType
}

func sampleMs(s *chosei.Sample) string {
	if s == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f ms (%s)", s.ExecutionTimeMs, s.ScanKind)
}

func improvement(r chosei.Record) string {
	if r.Outcome == "" {
		return "-"
	}
	return fmt.Sprintf("%+.1f%%", r.ImprovementRatio*100)
}

func outcomeLabel(r chosei.Record) string {
	switch {
	case !r.Success:
		return "FAILED: " + r.FailureReason
	case r.RolledBack:
		return r.Outcome + " (rolled back)"
	case r.Outcome == "":
		return "-"
	}
	return r.Outcome
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
