package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/chosei/internal/model"
	"github.com/ashita-ai/chosei/internal/registry"
)

var _ registry.Registry = (*DB)(nil)

const activeIndexConstraint = "uq_chosei_indexes_active"

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AppendSample retains s. Re-appending an existing sample is a no-op.
func (db *DB) AppendSample(ctx context.Context, s model.PerformanceSample) error {
	s = registry.NormalizeSample(s)
	if err := insertSample(ctx, db.pool, s); err != nil {
		return fmt.Errorf("storage: append sample: %w", err)
	}
	return nil
}

// AppendRecord writes rec and its samples in one transaction, retrying
// transient conflicts, then publishes it on ChannelActions.
func (db *DB) AppendRecord(ctx context.Context, rec model.ActionRecord) (model.ActionRecord, error) {
	rec = registry.Normalize(rec, db.now())

	params, err := json.Marshal(nonNilParams(rec.Action.Parameters))
	if err != nil {
		return model.ActionRecord{}, fmt.Errorf("storage: encode parameters: %w", err)
	}
	var beforeID, afterID *uuid.UUID
	if rec.Before != nil {
		beforeID = &rec.Before.ID
	}
	if rec.After != nil {
		afterID = &rec.After.ID
	}

	err = WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		for _, s := range []*model.PerformanceSample{rec.Before, rec.After} {
			if s == nil {
				continue
			}
			if err := insertSample(ctx, tx, *s); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO chosei_action_records
			 (id, target_id, action_kind, index_type, index_name, operator, parameters, rationale,
			  before_sample_id, after_sample_id, success, outcome, improvement_ratio,
			  failure_reason, rolled_back, applied_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			rec.ID, rec.TargetID, string(rec.Action.Kind), string(rec.Action.IndexType),
			rec.Action.IndexName, string(rec.Action.Operator), params, rec.Action.Rationale,
			beforeID, afterID, rec.Success, string(rec.Outcome), rec.ImprovementRatio,
			rec.FailureReason, rec.RolledBack, rec.AppliedAt,
		); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.ActionRecord{}, fmt.Errorf("storage: append record: %w", err)
	}

	db.publish(ctx, rec)
	return rec, nil
}

func insertSample(ctx context.Context, q execer, s model.PerformanceSample) error {
	raw, err := json.Marshal(nonNilPlan(s.RawPlan))
	if err != nil {
		return fmt.Errorf("encode raw plan: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO chosei_samples
		 (id, target_id, measured_at, execution_time_ms, planning_time_ms, scan_kind,
		  index_used, rows_examined, rows_returned, raw_plan)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, s.TargetID, s.MeasuredAt, s.ExecutionTimeMs, s.PlanningTimeMs, string(s.ScanKind),
		s.IndexUsed, s.RowsExamined, s.RowsReturned, raw,
	)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

const sampleColumns = `%[1]s.id, %[1]s.target_id, %[1]s.measured_at, %[1]s.execution_time_ms,
	%[1]s.planning_time_ms, %[1]s.scan_kind, %[1]s.index_used, %[1]s.rows_examined,
	%[1]s.rows_returned, %[1]s.raw_plan`

// nullableSample receives a LEFT JOINed sample whose columns may all be NULL.
type nullableSample struct {
	id           *uuid.UUID
	targetID     *string
	measuredAt   *time.Time
	execMs       *float64
	planningMs   *float64
	scanKind     *string
	indexUsed    *string
	rowsExamined *int64
	rowsReturned *int64
	rawPlan      []byte
}

func (n *nullableSample) dest() []any {
	return []any{&n.id, &n.targetID, &n.measuredAt, &n.execMs, &n.planningMs,
		&n.scanKind, &n.indexUsed, &n.rowsExamined, &n.rowsReturned, &n.rawPlan}
}

func (n *nullableSample) sample() (*model.PerformanceSample, error) {
	if n.id == nil {
		return nil, nil
	}
	s := &model.PerformanceSample{
		ID:              *n.id,
		TargetID:        deref(n.targetID),
		MeasuredAt:      deref(n.measuredAt).UTC(),
		ExecutionTimeMs: deref(n.execMs),
		PlanningTimeMs:  deref(n.planningMs),
		ScanKind:        model.ScanKind(deref(n.scanKind)),
		IndexUsed:       n.indexUsed,
		RowsExamined:    deref(n.rowsExamined),
		RowsReturned:    deref(n.rowsReturned),
	}
	if len(n.rawPlan) > 0 {
		if err := json.Unmarshal(n.rawPlan, &s.RawPlan); err != nil {
			return nil, fmt.Errorf("decode raw plan: %w", err)
		}
	}
	return s, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// History returns the newest limit records since the given time, ascending.
func (db *DB) History(ctx context.Context, targetID string, since time.Time, limit int) ([]model.ActionRecord, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	query := fmt.Sprintf(`
		SELECT r.id, r.target_id, r.action_kind, r.index_type, r.index_name, r.operator,
		       r.parameters, r.rationale, r.success, r.outcome, r.improvement_ratio,
		       r.failure_reason, r.rolled_back, r.applied_at,
		       %s,
		       %s
		FROM (
			SELECT * FROM chosei_action_records
			WHERE target_id = $1 AND applied_at >= $2
			ORDER BY applied_at DESC, seq DESC
			LIMIT $3
		) r
		LEFT JOIN chosei_samples b ON b.id = r.before_sample_id
		LEFT JOIN chosei_samples a ON a.id = r.after_sample_id
		ORDER BY r.applied_at ASC, r.seq ASC`,
		fmt.Sprintf(sampleColumns, "b"), fmt.Sprintf(sampleColumns, "a"))

	rows, err := db.pool.Query(ctx, query, targetID, since, lim)
	if err != nil {
		return nil, fmt.Errorf("storage: query history: %w", err)
	}
	defer rows.Close()

	var out []model.ActionRecord
	for rows.Next() {
		var (
			rec                    model.ActionRecord
			kind, typ, op, outcome string
			params                 []byte
			before, after          nullableSample
		)
		dest := []any{&rec.ID, &rec.TargetID, &kind, &typ, &rec.Action.IndexName, &op,
			&params, &rec.Action.Rationale, &rec.Success, &outcome, &rec.ImprovementRatio,
			&rec.FailureReason, &rec.RolledBack, &rec.AppliedAt}
		dest = append(dest, before.dest()...)
		dest = append(dest, after.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("storage: scan history: %w", err)
		}

		rec.AppliedAt = rec.AppliedAt.UTC()
		rec.Outcome = model.Outcome(outcome)
		rec.Action.Kind = model.ActionKind(kind)
		rec.Action.IndexType = model.IndexType(typ)
		rec.Action.Operator = model.Operator(op)
		rec.Action.TargetID = rec.TargetID
		if rec.Action.Parameters, err = decodeParams(params); err != nil {
			return nil, fmt.Errorf("storage: decode parameters: %w", err)
		}
		if rec.Before, err = before.sample(); err != nil {
			return nil, fmt.Errorf("storage: before sample: %w", err)
		}
		if rec.After, err = after.sample(); err != nil {
			return nil, fmt.Errorf("storage: after sample: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Samples returns samples since the given time, ascending.
func (db *DB) Samples(ctx context.Context, targetID string, since time.Time, limit int) ([]model.PerformanceSample, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	query := fmt.Sprintf(`
		SELECT %s FROM (
			SELECT * FROM chosei_samples
			WHERE ($1 = '' OR target_id = $1) AND measured_at >= $2
			ORDER BY measured_at DESC
			LIMIT $3
		) s
		ORDER BY s.measured_at ASC`, fmt.Sprintf(sampleColumns, "s"))

	rows, err := db.pool.Query(ctx, query, targetID, since, lim)
	if err != nil {
		return nil, fmt.Errorf("storage: query samples: %w", err)
	}
	defer rows.Close()

	var out []model.PerformanceSample
	for rows.Next() {
		var n nullableSample
		if err := rows.Scan(n.dest()...); err != nil {
			return nil, fmt.Errorf("storage: scan sample: %w", err)
		}
		s, err := n.sample()
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// NextAttempt increments and returns the per-target attempt counter.
func (db *DB) NextAttempt(ctx context.Context, targetID string) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO chosei_attempts (target_id, counter) VALUES ($1, 1)
		 ON CONFLICT (target_id) DO UPDATE SET counter = chosei_attempts.counter + 1
		 RETURNING counter`, targetID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: next attempt: %w", err)
	}
	return n, nil
}

// RegisterIndex inserts a new index entry.
func (db *DB) RegisterIndex(ctx context.Context, e model.IndexRegistryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = db.now()
	}
	params, err := json.Marshal(nonNilParams(e.Parameters))
	if err != nil {
		return fmt.Errorf("storage: encode parameters: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO chosei_indexes
		 (index_name, target_id, operator, index_type, parameters, created_at, created_by,
		  active, superseded_by, dropped_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.IndexName, e.TargetID, string(e.Operator), string(e.IndexType), params,
		e.CreatedAt.UTC().Truncate(time.Microsecond), string(e.CreatedBy),
		e.Active, e.SupersededBy, e.DroppedAt,
	)
	if isUniqueViolation(err, "chosei_indexes_pkey") {
		return fmt.Errorf("%w: %s", registry.ErrDuplicate, e.IndexName)
	}
	if err != nil {
		return fmt.Errorf("storage: register index: %w", err)
	}
	return nil
}

const indexColumns = `index_name, target_id, operator, index_type, parameters, created_at,
	created_by, active, superseded_by, dropped_at`

func scanIndex(row pgx.Row) (model.IndexRegistryEntry, error) {
	var (
		e                  model.IndexRegistryEntry
		op, typ, createdBy string
		params             []byte
	)
	if err := row.Scan(&e.IndexName, &e.TargetID, &op, &typ, &params, &e.CreatedAt,
		&createdBy, &e.Active, &e.SupersededBy, &e.DroppedAt); err != nil {
		return model.IndexRegistryEntry{}, err
	}
	e.Operator = model.Operator(op)
	e.IndexType = model.IndexType(typ)
	e.CreatedBy = model.CreatedBy(createdBy)
	e.CreatedAt = e.CreatedAt.UTC()
	if e.DroppedAt != nil {
		d := e.DroppedAt.UTC()
		e.DroppedAt = &d
	}
	var err error
	if e.Parameters, err = decodeParams(params); err != nil {
		return model.IndexRegistryEntry{}, fmt.Errorf("decode parameters: %w", err)
	}
	return e, nil
}

// GetIndex returns the entry for name or registry.ErrNotFound.
func (db *DB) GetIndex(ctx context.Context, name string) (model.IndexRegistryEntry, error) {
	e, err := scanIndex(db.pool.QueryRow(ctx,
		`SELECT `+indexColumns+` FROM chosei_indexes WHERE index_name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.IndexRegistryEntry{}, fmt.Errorf("%w: index %s", registry.ErrNotFound, name)
	}
	if err != nil {
		return model.IndexRegistryEntry{}, fmt.Errorf("storage: get index: %w", err)
	}
	return e, nil
}

// ListIndexes returns entries for targetID (all when empty) by creation time.
func (db *DB) ListIndexes(ctx context.Context, targetID string) ([]model.IndexRegistryEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+indexColumns+` FROM chosei_indexes
		 WHERE $1 = '' OR target_id = $1
		 ORDER BY created_at, index_name`, targetID)
	if err != nil {
		return nil, fmt.Errorf("storage: list indexes: %w", err)
	}
	defer rows.Close()

	var out []model.IndexRegistryEntry
	for rows.Next() {
		e, err := scanIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan index: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActiveIndex returns the authoritative agent index for (targetID, op).
func (db *DB) ActiveIndex(ctx context.Context, targetID string, op model.Operator) (model.IndexRegistryEntry, error) {
	e, err := scanIndex(db.pool.QueryRow(ctx,
		`SELECT `+indexColumns+` FROM chosei_indexes
		 WHERE target_id = $1 AND operator = $2 AND active
		   AND created_by = 'AGENT' AND dropped_at IS NULL`, targetID, string(op)))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.IndexRegistryEntry{}, fmt.Errorf("%w: no active index for %s", registry.ErrNotFound, targetID)
	}
	if err != nil {
		return model.IndexRegistryEntry{}, fmt.Errorf("storage: active index: %w", err)
	}
	return e, nil
}

// ActivateIndex supersedes the current active index of name's target and
// operator and marks name active, atomically.
func (db *DB) ActivateIndex(ctx context.Context, name string) error {
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var (
			targetID, op, createdBy string
			droppedAt               *time.Time
		)
		err = tx.QueryRow(ctx,
			`SELECT target_id, operator, created_by, dropped_at
			 FROM chosei_indexes WHERE index_name = $1 FOR UPDATE`, name,
		).Scan(&targetID, &op, &createdBy, &droppedAt)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && droppedAt != nil) {
			return fmt.Errorf("%w: index %s", registry.ErrNotFound, name)
		}
		if err != nil {
			return fmt.Errorf("lock index: %w", err)
		}
		if model.CreatedBy(createdBy) != model.CreatedByAgent {
			return fmt.Errorf("%w: %s", registry.ErrNotAgentIndex, name)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE chosei_indexes SET active = false, superseded_by = $1
			 WHERE target_id = $2 AND operator = $3 AND active AND index_name <> $1`,
			name, targetID, op,
		); err != nil {
			return fmt.Errorf("supersede: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE chosei_indexes SET active = true WHERE index_name = $1`, name,
		); err != nil {
			if isUniqueViolation(err, activeIndexConstraint) {
				return fmt.Errorf("concurrent activation for %s: %w", targetID, err)
			}
			return fmt.Errorf("activate: %w", err)
		}
		return tx.Commit(ctx)
	})
	if errors.Is(err, registry.ErrNotFound) || errors.Is(err, registry.ErrNotAgentIndex) {
		return err
	}
	if err != nil {
		return fmt.Errorf("storage: activate index: %w", err)
	}
	return nil
}

// MarkDropped records that name no longer exists physically.
func (db *DB) MarkDropped(ctx context.Context, name string, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE chosei_indexes SET dropped_at = $2, active = false WHERE index_name = $1`,
		name, at.UTC().Truncate(time.Microsecond))
	if err != nil {
		return fmt.Errorf("storage: mark dropped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: index %s", registry.ErrNotFound, name)
	}
	return nil
}

func nonNilParams(p map[string]int) map[string]int {
	if p == nil {
		return map[string]int{}
	}
	return p
}

func nonNilPlan(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}

func decodeParams(raw []byte) (map[string]int, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p map[string]int
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}
