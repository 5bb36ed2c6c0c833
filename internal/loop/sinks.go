package loop

import (
	"context"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/telemetry"
)

// Sink observes every committed record. Implementations must not block.
type Sink interface {
	OnRecord(ctx context.Context, t model.Target, rec model.ActionRecord)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, t model.Target, rec model.ActionRecord)

func (f SinkFunc) OnRecord(ctx context.Context, t model.Target, rec model.ActionRecord) {
	f(ctx, t, rec)
}

// LogSink writes one structured line per record.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) OnRecord(ctx context.Context, _ model.Target, rec model.ActionRecord) {
	attrs := []slog.Attr{
		slog.String("target_id", rec.TargetID),
		slog.String("record_id", rec.ID.String()),
		slog.String("kind", string(rec.Action.Kind)),
		slog.Bool("success", rec.Success),
		slog.String("rationale", rec.Action.Rationale),
	}
	if rec.Action.IndexType != "" {
		attrs = append(attrs, slog.String("index_type", string(rec.Action.IndexType)))
	}
	if rec.Action.IndexName != "" {
		attrs = append(attrs, slog.String("index", rec.Action.IndexName))
	}
	if rec.Before != nil {
		attrs = append(attrs, slog.Float64("before_ms", rec.Before.ExecutionTimeMs), slog.String("scan", string(rec.Before.ScanKind)))
	}
	if rec.After != nil {
		attrs = append(attrs, slog.Float64("after_ms", rec.After.ExecutionTimeMs))
	}
	if rec.Outcome != "" {
		attrs = append(attrs, slog.String("outcome", string(rec.Outcome)), slog.Float64("improvement_ratio", rec.ImprovementRatio))
	}
	if rec.FailureReason != nil {
		attrs = append(attrs, slog.String("failure_reason", *rec.FailureReason))
	}
	if rec.RolledBack {
		attrs = append(attrs, slog.Bool("rolled_back", true))
	}

	level := slog.LevelInfo
	if !rec.Success || rec.Regressed() {
		level = slog.LevelWarn
	}
	s.Logger.LogAttrs(ctx, level, "loop: cycle recorded", attrs...)
}

// OTelSink counts cycles and records improvement ratios.
type OTelSink struct {
	cycles metric.Int64Counter
	ratio  metric.Float64Histogram
}

// NewOTelSink creates the instruments on the global meter provider.
func NewOTelSink() (*OTelSink, error) {
	meter := telemetry.Meter()
	cycles, err := meter.Int64Counter("chosei.cycles", metric.WithDescription("Tuning cycles by outcome"))
	if err != nil {
		return nil, err
	}
	ratio, err := meter.Float64Histogram("chosei.improvement_ratio",
		metric.WithDescription("Verified improvement ratio of applied actions"))
	if err != nil {
		return nil, err
	}
	return &OTelSink{cycles: cycles, ratio: ratio}, nil
}

func (s *OTelSink) OnRecord(ctx context.Context, t model.Target, rec model.ActionRecord) {
	attrs := metric.WithAttributes(
		attribute.String("target_id", t.ID),
		attribute.String("kind", string(rec.Action.Kind)),
		attribute.String("success", strconv.FormatBool(rec.Success)),
		attribute.String("outcome", string(rec.Outcome)),
	)
	s.cycles.Add(ctx, 1, attrs)
	if rec.Outcome != "" {
		s.ratio.Record(ctx, rec.ImprovementRatio, metric.WithAttributes(
			attribute.String("target_id", t.ID),
			attribute.String("index_type", string(rec.Action.IndexType)),
		))
	}
}
