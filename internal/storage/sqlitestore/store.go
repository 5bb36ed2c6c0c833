// Package sqlitestore is a single-file action registry backed by SQLite, for
// running the tuner without writing registry tables into the tuned database.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGo)

	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/registry"
)

//go:embed schema.sql
var schema string

var _ registry.Registry = (*Store)(nil)

// Store is a registry.Registry on a SQLite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the registry at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	// One connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func micros(t time.Time) int64 { return t.UTC().Truncate(time.Microsecond).UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSample(ctx context.Context, q execer, smp model.PerformanceSample) error {
	raw, err := json.Marshal(smp.RawPlan)
	if err != nil {
		return fmt.Errorf("encode raw plan: %w", err)
	}
	if smp.RawPlan == nil {
		raw = []byte("{}")
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO samples (id, target_id, measured_at, execution_time_ms, planning_time_ms,
		 scan_kind, index_used, rows_examined, rows_returned, raw_plan)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		smp.ID.String(), smp.TargetID, micros(smp.MeasuredAt), smp.ExecutionTimeMs, smp.PlanningTimeMs,
		string(smp.ScanKind), smp.IndexUsed, smp.RowsExamined, smp.RowsReturned, string(raw),
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

func (s *Store) AppendSample(ctx context.Context, smp model.PerformanceSample) error {
	if err := insertSample(ctx, s.db, registry.NormalizeSample(smp)); err != nil {
		return fmt.Errorf("sqlitestore: append sample: %w", err)
	}
	return nil
}

func (s *Store) AppendRecord(ctx context.Context, rec model.ActionRecord) (model.ActionRecord, error) {
	rec = registry.Normalize(rec, s.now())
	params, err := encodeParams(rec.Action.Parameters)
	if err != nil {
		return model.ActionRecord{}, fmt.Errorf("sqlitestore: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ActionRecord{}, fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var beforeID, afterID *string
	for _, p := range []struct {
		smp *model.PerformanceSample
		id  **string
	}{{rec.Before, &beforeID}, {rec.After, &afterID}} {
		if p.smp == nil {
			continue
		}
		if err := insertSample(ctx, tx, *p.smp); err != nil {
			return model.ActionRecord{}, fmt.Errorf("sqlitestore: %w", err)
		}
		id := p.smp.ID.String()
		*p.id = &id
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO action_records (id, target_id, action_kind, index_type, index_name, operator,
		 parameters, rationale, before_sample_id, after_sample_id, success, outcome,
		 improvement_ratio, failure_reason, rolled_back, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.TargetID, string(rec.Action.Kind), string(rec.Action.IndexType),
		rec.Action.IndexName, string(rec.Action.Operator), params, rec.Action.Rationale,
		beforeID, afterID, rec.Success, string(rec.Outcome), rec.ImprovementRatio,
		rec.FailureReason, rec.RolledBack, micros(rec.AppliedAt),
	); err != nil {
		return model.ActionRecord{}, fmt.Errorf("sqlitestore: insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.ActionRecord{}, fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return rec, nil
}

const sampleColumns = `%[1]s.id, %[1]s.target_id, %[1]s.measured_at, %[1]s.execution_time_ms,
	%[1]s.planning_time_ms, %[1]s.scan_kind, %[1]s.index_used, %[1]s.rows_examined,
	%[1]s.rows_returned, %[1]s.raw_plan`

type nullableSample struct {
	id           sql.NullString
	targetID     sql.NullString
	measuredAt   sql.NullInt64
	execMs       sql.NullFloat64
	planningMs   sql.NullFloat64
	scanKind     sql.NullString
	indexUsed    sql.NullString
	rowsExamined sql.NullInt64
	rowsReturned sql.NullInt64
	rawPlan      sql.NullString
}

func (n *nullableSample) dest() []any {
	return []any{&n.id, &n.targetID, &n.measuredAt, &n.execMs, &n.planningMs,
		&n.scanKind, &n.indexUsed, &n.rowsExamined, &n.rowsReturned, &n.rawPlan}
}

func (n *nullableSample) sample() (*model.PerformanceSample, error) {
	if !n.id.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(n.id.String)
	if err != nil {
		return nil, fmt.Errorf("parse sample id: %w", err)
	}
	smp := &model.PerformanceSample{
		ID:              id,
		TargetID:        n.targetID.String,
		MeasuredAt:      fromMicros(n.measuredAt.Int64),
		ExecutionTimeMs: n.execMs.Float64,
		PlanningTimeMs:  n.planningMs.Float64,
		ScanKind:        model.ScanKind(n.scanKind.String),
		RowsExamined:    n.rowsExamined.Int64,
		RowsReturned:    n.rowsReturned.Int64,
	}
	if n.indexUsed.Valid {
		v := n.indexUsed.String
		smp.IndexUsed = &v
	}
	if n.rawPlan.Valid && n.rawPlan.String != "" {
		if err := json.Unmarshal([]byte(n.rawPlan.String), &smp.RawPlan); err != nil {
			return nil, fmt.Errorf("decode raw plan: %w", err)
		}
	}
	return smp, nil
}

// limitArg maps "no limit" onto SQLite's LIMIT -1.
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *Store) History(ctx context.Context, targetID string, since time.Time, limit int) ([]model.ActionRecord, error) {
	query := fmt.Sprintf(`
		SELECT r.id, r.target_id, r.action_kind, r.index_type, r.index_name, r.operator,
		       r.parameters, r.rationale, r.success, r.outcome, r.improvement_ratio,
		       r.failure_reason, r.rolled_back, r.applied_at,
		       %s,
		       %s
		FROM (
			SELECT * FROM action_records
			WHERE target_id = ? AND applied_at >= ?
			ORDER BY applied_at DESC, seq DESC
			LIMIT ?
		) r
		LEFT JOIN samples b ON b.id = r.before_sample_id
		LEFT JOIN samples a ON a.id = r.after_sample_id
		ORDER BY r.applied_at ASC, r.seq ASC`,
		fmt.Sprintf(sampleColumns, "b"), fmt.Sprintf(sampleColumns, "a"))

	rows, err := s.db.QueryContext(ctx, query, targetID, sinceMicros(since), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ActionRecord
	for rows.Next() {
		var (
			rec                        model.ActionRecord
			id, kind, typ, op, outcome string
			params                     string
			failure                    sql.NullString
			appliedAt                  int64
			before, after              nullableSample
		)
		dest := []any{&id, &rec.TargetID, &kind, &typ, &rec.Action.IndexName, &op,
			&params, &rec.Action.Rationale, &rec.Success, &outcome, &rec.ImprovementRatio,
			&failure, &rec.RolledBack, &appliedAt}
		dest = append(dest, before.dest()...)
		dest = append(dest, after.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan history: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlitestore: parse record id: %w", err)
		}
		rec.AppliedAt = fromMicros(appliedAt)
		rec.Outcome = model.Outcome(outcome)
		rec.Action.Kind = model.ActionKind(kind)
		rec.Action.IndexType = model.IndexType(typ)
		rec.Action.Operator = model.Operator(op)
		rec.Action.TargetID = rec.TargetID
		if failure.Valid {
			reason := failure.String
			rec.FailureReason = &reason
		}
		if rec.Action.Parameters, err = decodeParams(params); err != nil {
			return nil, fmt.Errorf("sqlitestore: %w", err)
		}
		if rec.Before, err = before.sample(); err != nil {
			return nil, fmt.Errorf("sqlitestore: before sample: %w", err)
		}
		if rec.After, err = after.sample(); err != nil {
			return nil, fmt.Errorf("sqlitestore: after sample: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Samples(ctx context.Context, targetID string, since time.Time, limit int) ([]model.PerformanceSample, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM (
			SELECT * FROM samples
			WHERE (? = '' OR target_id = ?) AND measured_at >= ?
			ORDER BY measured_at DESC
			LIMIT ?
		) s
		ORDER BY s.measured_at ASC`, fmt.Sprintf(sampleColumns, "s"))

	rows, err := s.db.QueryContext(ctx, query, targetID, targetID, sinceMicros(since), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.PerformanceSample
	for rows.Next() {
		var n nullableSample
		if err := rows.Scan(n.dest()...); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan sample: %w", err)
		}
		smp, err := n.sample()
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: %w", err)
		}
		out = append(out, *smp)
	}
	return out, rows.Err()
}

// sinceMicros maps the zero time onto the smallest stored value.
func sinceMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return micros(t)
}

func (s *Store) NextAttempt(ctx context.Context, targetID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO attempts (target_id, counter) VALUES (?, 1)
		 ON CONFLICT (target_id) DO UPDATE SET counter = counter + 1
		 RETURNING counter`, targetID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: next attempt: %w", err)
	}
	return n, nil
}

func (s *Store) RegisterIndex(ctx context.Context, e model.IndexRegistryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	params, err := encodeParams(e.Parameters)
	if err != nil {
		return fmt.Errorf("sqlitestore: %w", err)
	}
	var dropped *int64
	if e.DroppedAt != nil {
		d := micros(*e.DroppedAt)
		dropped = &d
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO indexes (index_name, target_id, operator, index_type, parameters,
		 created_at, created_by, active, superseded_by, dropped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.IndexName, e.TargetID, string(e.Operator), string(e.IndexType), params,
		micros(e.CreatedAt), string(e.CreatedBy), e.Active, e.SupersededBy, dropped,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: indexes.index_name") {
		return fmt.Errorf("%w: %s", registry.ErrDuplicate, e.IndexName)
	}
	if err != nil {
		return fmt.Errorf("sqlitestore: register index: %w", err)
	}
	return nil
}

const indexColumns = `index_name, target_id, operator, index_type, parameters, created_at,
	created_by, active, superseded_by, dropped_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanIndex(row scanner) (model.IndexRegistryEntry, error) {
	var (
		e                  model.IndexRegistryEntry
		op, typ, createdBy string
		params             string
		createdAt          int64
		superseded         sql.NullString
		dropped            sql.NullInt64
	)
	if err := row.Scan(&e.IndexName, &e.TargetID, &op, &typ, &params, &createdAt,
		&createdBy, &e.Active, &superseded, &dropped); err != nil {
		return model.IndexRegistryEntry{}, err
	}
	e.Operator = model.Operator(op)
	e.IndexType = model.IndexType(typ)
	e.CreatedBy = model.CreatedBy(createdBy)
	e.CreatedAt = fromMicros(createdAt)
	if superseded.Valid {
		v := superseded.String
		e.SupersededBy = &v
	}
	if dropped.Valid {
		d := fromMicros(dropped.Int64)
		e.DroppedAt = &d
	}
	var err error
	if e.Parameters, err = decodeParams(params); err != nil {
		return model.IndexRegistryEntry{}, err
	}
	return e, nil
}

func (s *Store) GetIndex(ctx context.Context, name string) (model.IndexRegistryEntry, error) {
	e, err := scanIndex(s.db.QueryRowContext(ctx,
		`SELECT `+indexColumns+` FROM indexes WHERE index_name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return model.IndexRegistryEntry{}, fmt.Errorf("%w: index %s", registry.ErrNotFound, name)
	}
	if err != nil {
		return model.IndexRegistryEntry{}, fmt.Errorf("sqlitestore: get index: %w", err)
	}
	return e, nil
}

func (s *Store) ListIndexes(ctx context.Context, targetID string) ([]model.IndexRegistryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+indexColumns+` FROM indexes
		 WHERE ? = '' OR target_id = ?
		 ORDER BY created_at, index_name`, targetID, targetID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list indexes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.IndexRegistryEntry
	for rows.Next() {
		e, err := scanIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan index: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ActiveIndex(ctx context.Context, targetID string, op model.Operator) (model.IndexRegistryEntry, error) {
	e, err := scanIndex(s.db.QueryRowContext(ctx,
		`SELECT `+indexColumns+` FROM indexes
		 WHERE target_id = ? AND operator = ? AND active = 1
		   AND created_by = 'AGENT' AND dropped_at IS NULL`, targetID, string(op)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.IndexRegistryEntry{}, fmt.Errorf("%w: no active index for %s", registry.ErrNotFound, targetID)
	}
	if err != nil {
		return model.IndexRegistryEntry{}, fmt.Errorf("sqlitestore: active index: %w", err)
	}
	return e, nil
}

func (s *Store) ActivateIndex(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		targetID, op, createdBy string
		dropped                 sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT target_id, operator, created_by, dropped_at FROM indexes WHERE index_name = ?`, name,
	).Scan(&targetID, &op, &createdBy, &dropped)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && dropped.Valid) {
		return fmt.Errorf("%w: index %s", registry.ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("sqlitestore: lookup index: %w", err)
	}
	if model.CreatedBy(createdBy) != model.CreatedByAgent {
		return fmt.Errorf("%w: %s", registry.ErrNotAgentIndex, name)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE indexes SET active = 0, superseded_by = ?
		 WHERE target_id = ? AND operator = ? AND active = 1 AND index_name <> ?`,
		name, targetID, op, name,
	); err != nil {
		return fmt.Errorf("sqlitestore: supersede: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE indexes SET active = 1 WHERE index_name = ?`, name); err != nil {
		return fmt.Errorf("sqlitestore: activate: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return nil
}

func (s *Store) MarkDropped(ctx context.Context, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE indexes SET dropped_at = ?, active = 0 WHERE index_name = ?`, micros(at), name)
	if err != nil {
		return fmt.Errorf("sqlitestore: mark dropped: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitestore: mark dropped: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: index %s", registry.ErrNotFound, name)
	}
	return nil
}

func encodeParams(p map[string]int) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	return string(b), nil
}

func decodeParams(raw string) (map[string]int, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var p map[string]int
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return p, nil
}
