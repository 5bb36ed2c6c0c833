// Package vectorstore is the PostgreSQL + pgvector side of the tuner: it runs
// the probe EXPLAIN, builds and drops indexes, and reads dataset statistics.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/ashita-ai/chosei/internal/actuate"
	"github.com/ashita-ai/chosei/internal/model"
)

// Store talks to the database that holds the tuned tables.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to dsn.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: parse DSN: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "chosei"

	// Registration is best-effort: the extension may not exist yet on a
	// fresh database, and vectors still bind through their text form.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("vectorstore: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectorstore: ping: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close closes the pool.
func (s *Store) Close() { s.pool.Close() }

// Explain runs the target's probe under EXPLAIN ANALYZE and returns the raw
// JSON plan document.
func (s *Store) Explain(ctx context.Context, t model.Target, probe pgvector.Vector) ([]byte, error) {
	args := []any{probe}
	if t.TenantColumn != "" {
		args = append(args, t.Tenant)
	}
	var raw []byte
	if err := s.pool.QueryRow(ctx, explainSQL(t), args...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("vectorstore: explain %s: %w", t.ID, err)
	}
	return raw, nil
}

// CreateIndex builds an index concurrently. Cancelling ctx cancels the
// build server-side; the caller is responsible for dropping the invalid
// remains.
func (s *Store) CreateIndex(ctx context.Context, spec actuate.IndexSpec) error {
	if _, err := s.pool.Exec(ctx, createIndexSQL(spec)); err != nil {
		return fmt.Errorf("vectorstore: create index %s: %w", spec.Name, err)
	}
	return nil
}

// DropIndex drops an index concurrently if it exists.
func (s *Store) DropIndex(ctx context.Context, t model.Target, name string) error {
	if _, err := s.pool.Exec(ctx, dropIndexSQL(t, name)); err != nil {
		return fmt.Errorf("vectorstore: drop index %s: %w", name, err)
	}
	return nil
}

// IndexValid reports whether the index exists and is valid and ready.
func (s *Store) IndexValid(ctx context.Context, t model.Target, name string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT i.indisvalid AND i.indisready
		 FROM pg_index i
		 JOIN pg_class c ON c.oid = i.indexrelid
		 JOIN pg_namespace n ON n.oid = c.relnamespace
		 WHERE n.nspname = $1 AND c.relname = $2`,
		t.Schema, name,
	).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vectorstore: index valid %s: %w", name, err)
	}
	return ok, nil
}

// Profile computes the dataset profile for t from catalog statistics, with
// an exact count when the table has never been analyzed.
func (s *Store) Profile(ctx context.Context, t model.Target) (model.DatasetProfile, error) {
	p := model.DatasetProfile{TargetID: t.ID, ComputedAt: time.Now().UTC()}

	var reltuples float64
	err := s.pool.QueryRow(ctx,
		`SELECT c.reltuples
		 FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace
		 WHERE n.nspname = $1 AND c.relname = $2`,
		t.Schema, t.Table,
	).Scan(&reltuples)
	if err != nil {
		return p, fmt.Errorf("vectorstore: profile %s: reltuples: %w", t.ID, err)
	}
	p.RowCount = int64(reltuples)
	if reltuples <= 0 {
		if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+quote(t.Schema, t.Table)).Scan(&p.RowCount); err != nil {
			return p, fmt.Errorf("vectorstore: profile %s: count: %w", t.ID, err)
		}
	}

	err = s.pool.QueryRow(ctx, fmt.Sprintf("SELECT vector_dims(%[1]s) FROM %[2]s WHERE %[1]s IS NOT NULL LIMIT 1",
		quote(t.Column), quote(t.Schema, t.Table))).Scan(&p.Dimensions)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return p, fmt.Errorf("vectorstore: profile %s: dimensions: %w", t.ID, err)
	}

	if t.TenantColumn != "" {
		var (
			nDistinct float64
			freqs     []float64
		)
		err = s.pool.QueryRow(ctx,
			`SELECT n_distinct, coalesce(most_common_freqs::text::float8[], '{}')
			 FROM pg_stats WHERE schemaname = $1 AND tablename = $2 AND attname = $3`,
			t.Schema, t.Table, t.TenantColumn,
		).Scan(&nDistinct, &freqs)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return p, fmt.Errorf("vectorstore: profile %s: tenant stats: %w", t.ID, err)
		default:
			p.DistinctTenants, p.Skew = tenantStats(nDistinct, freqs, p.RowCount)
		}
	}
	return p, nil
}

// tenantStats converts pg_stats into a distinct count and a skew factor:
// the most common tenant's share times the tenant count, 1.0 when uniform.
// A negative n_distinct is a fraction of the row count.
func tenantStats(nDistinct float64, freqs []float64, rows int64) (int64, float64) {
	distinct := nDistinct
	if distinct < 0 {
		distinct = -distinct * float64(rows)
	}
	if distinct <= 0 {
		return 0, 0
	}
	top := 0.0
	for _, f := range freqs {
		top = max(top, f)
	}
	if top == 0 {
		return int64(distinct), 1
	}
	return int64(distinct), top * distinct
}

// ListVectorIndexes returns the hnsw and ivfflat indexes on t's column as
// MANUAL registry entries. Callers skip names the registry already knows.
func (s *Store) ListVectorIndexes(ctx context.Context, t model.Target) ([]model.IndexRegistryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ic.relname, am.amname, oc.opcname, coalesce(ic.reloptions, '{}'), i.indisvalid
		 FROM pg_index i
		 JOIN pg_class ic ON ic.oid = i.indexrelid
		 JOIN pg_class tc ON tc.oid = i.indrelid
		 JOIN pg_namespace n ON n.oid = tc.relnamespace
		 JOIN pg_am am ON am.oid = ic.relam
		 JOIN pg_opclass oc ON oc.oid = i.indclass[0]
		 JOIN pg_attribute a ON a.attrelid = tc.oid AND a.attnum = i.indkey[0]
		 WHERE n.nspname = $1 AND tc.relname = $2 AND a.attname = $3
		   AND am.amname IN ('hnsw', 'ivfflat')
		 ORDER BY ic.relname`,
		t.Schema, t.Table, t.Column,
	)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: list indexes %s: %w", t.ID, err)
	}
	defer rows.Close()

	var out []model.IndexRegistryEntry
	for rows.Next() {
		var (
			name, am, opclass string
			opts              []string
			valid             bool
		)
		if err := rows.Scan(&name, &am, &opclass, &opts, &valid); err != nil {
			return nil, fmt.Errorf("vectorstore: scan index: %w", err)
		}
		typ, _ := model.IndexTypeFromAccessMethod(am)
		op, ok := operatorFromOpClass(opclass)
		if !ok {
			s.logger.Debug("vectorstore: skipping index with unknown opclass", "index", name, "opclass", opclass)
			continue
		}
		out = append(out, model.IndexRegistryEntry{
			IndexName:  name,
			TargetID:   t.ID,
			Operator:   op,
			IndexType:  typ,
			Parameters: parseReloptions(opts),
			CreatedBy:  model.CreatedByManual,
			Active:     valid,
		})
	}
	return out, rows.Err()
}
