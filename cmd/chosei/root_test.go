package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/chosei"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmd := getRootCmd()
	require.NotNil(t, cmd)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "once", "history", "indexes", "summary", "clean", "tail"} {
		assert.Contains(t, names, want)
	}
}

func TestRootCommand_Flags(t *testing.T) {
	cmd := getRootCmd()
	require.NotNil(t, cmd.PersistentFlags().Lookup("database-url"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("registry"))

	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	assert.NotNil(t, run.Flags().Lookup("metrics-addr"))
}

func TestRootCommand_Help(t *testing.T) {
	cmd := getRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())

	help := buf.String()
	assert.Contains(t, help, "chosei")
	assert.Contains(t, help, "Available Commands")
}

func TestHistoryRequiresTarget(t *testing.T) {
	cmd := getRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"history"})
	require.Error(t, cmd.Execute())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "warn", "text")
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")

	buf.Reset()
	newLogger(&buf, "bogus", "").Info("json")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
	assert.True(t, newLogger(&buf, "", "").Enabled(t.Context(), slog.LevelInfo))
}

func TestPrintCycleTable(t *testing.T) {
	recs := []chosei.Record{
		{
			TargetID:         "docs",
			Action:           chosei.Action{Kind: "CREATE_INDEX", IndexType: "IVFFLAT", IndexName: "chosei_documents_1a2b3c4d_ivfflat_1", Rationale: "slow scan"},
			Before:           &chosei.Sample{ExecutionTimeMs: 10.99, ScanKind: "SEQUENTIAL"},
			After:            &chosei.Sample{ExecutionTimeMs: 2.07, ScanKind: "INDEX"},
			Success:          true,
			Outcome:          "IMPROVED",
			ImprovementRatio: 0.8117,
		},
		{
			TargetID:      "faqs",
			Action:        chosei.Action{Kind: "NO_OP"},
			FailureReason: `malformed_plan: "Execution Time" missing`,
		},
	}
	var buf bytes.Buffer
	printCycleTable(&buf, recs)
	out := buf.String()

	assert.Contains(t, out, "CREATE_INDEX IVFFLAT")
	assert.Contains(t, out, "10.99 ms (SEQUENTIAL)")
	assert.Contains(t, out, "2.07 ms (INDEX)")
	assert.Contains(t, out, "+81.2%")
	assert.Contains(t, out, `FAILED: malformed_plan: "Execution Time" missing`)
	assert.Contains(t, out, "docs: slow scan")
}

func TestPrintIndexes(t *testing.T) {
	dropped := time.Now().Add(-time.Hour)
	entries := []chosei.IndexEntry{
		{
			TargetID:   "docs",
			Name:       "live_idx",
			IndexType:  "HNSW",
			Parameters: map[string]int{"m": 16, "ef_construction": 64},
			CreatedBy:  "AGENT",
			Active:     true,
			CreatedAt:  time.Now(),
		},
		{TargetID: "docs", Name: "old_idx", IndexType: "IVFFLAT", CreatedBy: "AGENT", DroppedAt: &dropped, CreatedAt: time.Now()},
	}

	var buf bytes.Buffer
	printIndexes(&buf, entries, false)
	assert.Contains(t, buf.String(), "ef_construction=64,m=16")
	assert.Contains(t, buf.String(), "active")
	assert.NotContains(t, buf.String(), "old_idx")

	buf.Reset()
	printIndexes(&buf, entries, true)
	assert.Contains(t, buf.String(), "old_idx")
	assert.Contains(t, buf.String(), "dropped 1 hour ago")
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, chosei.Summary{
		Records: 1200,
		Kinds: []chosei.KindSummary{
			{Kind: "CREATE_INDEX", Total: 4, Succeeded: 3, Improved: 3, SuccessRate: 0.75, MeanImprovement: 0.6},
		},
		Samples:     10,
		MeanTimeMs:  5.5,
		MinTimeMs:   2.07,
		MaxTimeMs:   10.99,
		LiveIndexes: 2,
		AgentLive:   1,
	})
	out := buf.String()
	assert.Contains(t, out, "Actions: 1,200 records")
	assert.Contains(t, out, "75.0%")
	assert.Contains(t, out, "+60.0%")
	assert.Contains(t, out, "min 2.07 ms")
	assert.Contains(t, out, "Indexes: 2 live, 1 built by chosei")
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	printEvent(&buf, chosei.Event{
		TargetID:         "docs",
		Kind:             "CREATE_INDEX",
		IndexType:        "HNSW",
		Success:          true,
		Outcome:          "IMPROVED",
		ImprovementRatio: 0.5,
		Timestamp:        time.Now(),
	})
	assert.Contains(t, buf.String(), "docs CREATE_INDEX HNSW ok IMPROVED +50.0%")

	buf.Reset()
	printEvent(&buf, chosei.Event{TargetID: "docs", Kind: "NO_OP", Timestamp: time.Now()})
	assert.Contains(t, buf.String(), "docs NO_OP failed")
}
