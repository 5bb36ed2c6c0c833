package planparse

import "github.com/ashita-ai/chosei/internal/model"

// Issue is a performance problem detected in a sample.
type Issue string

const (
	IssueHighLatency         Issue = "high_latency"
	IssueMissingIndex        Issue = "missing_index"
	IssueSequentialScanLarge Issue = "sequential_scan_large_dataset"
	IssueLowSelectivity      Issue = "low_selectivity"
)

// Thresholds tune Diagnose.
type Thresholds struct {
	HighLatencyMs  float64
	LargeScanRows  int64
	NoIndexRows    int64
	LowSelectivity float64
}

// DefaultThresholds are the values the tuner ships with.
var DefaultThresholds = Thresholds{
	HighLatencyMs:  20,
	LargeScanRows:  1000,
	NoIndexRows:    500,
	LowSelectivity: 0.1,
}

// Diagnose lists the issues visible in s. The result feeds prompts and logs
// only; decisions are made by the decide package.
func Diagnose(s model.PerformanceSample, th Thresholds) []Issue {
	var issues []Issue
	if s.ExecutionTimeMs > th.HighLatencyMs {
		issues = append(issues, IssueHighLatency)
	}
	if !s.UsesIndex() && s.RowsExamined > th.NoIndexRows {
		issues = append(issues, IssueMissingIndex)
	}
	if s.ScanKind == model.ScanSequential && s.RowsExamined > th.LargeScanRows {
		issues = append(issues, IssueSequentialScanLarge)
	}
	if s.RowsExamined > th.LargeScanRows &&
		float64(s.RowsReturned)/float64(s.RowsExamined) < th.LowSelectivity {
		issues = append(issues, IssueLowSelectivity)
	}
	return issues
}
