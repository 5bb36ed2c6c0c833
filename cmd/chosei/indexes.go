package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/chosei"
)

func getIndexesCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "indexes [target]",
		Short: "Lists the vector indexes the registry knows about",
		Long: `Lists registry entries for one target, or for every target when none is
given. Dropped indexes are hidden unless --all is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.Background()) }()

			var target string
			if len(args) == 1 {
				target = args[0]
			}
			entries, err := app.Indexes(cmd.Context(), target)
			if err != nil {
				return err
			}
			printIndexes(cmd.OutOrStdout(), entries, all)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include dropped indexes")
	return cmd
}

func printIndexes(w io.Writer, entries []chosei.IndexEntry, all bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tINDEX\tTYPE\tPARAMETERS\tBY\tSTATE\tCREATED")
	shown := 0
	for _, e := range entries {
		if e.DroppedAt != nil && !all {
			continue
		}
		shown++
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.TargetID, e.Name, e.IndexType, formatParams(e.Parameters), e.CreatedBy, indexState(e), humanize.Time(e.CreatedAt))
	}
	_ = tw.Flush()
	if shown == 0 {
		fmt.Fprintln(w, "no indexes")
	}
}

func indexState(e chosei.IndexEntry) string {
	switch {
	case e.DroppedAt != nil:
		return "dropped " + humanize.Time(*e.DroppedAt)
	case e.Active:
		return "active"
	case e.SupersededBy != "":
		return "superseded by " + e.SupersededBy
	}
	return "inactive"
}

func formatParams(p map[string]int) string {
	if len(p) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(p))
	for _, k := range slices.Sorted(maps.Keys(p)) {
		parts = append(parts, fmt.Sprintf("%s=%d", k, p[k]))
	}
	return strings.Join(parts, ",")
}
