package tracking

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openjuris/docket-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresRepoConfig controls the connection pool behind the tracking
// tables.
type PostgresRepoConfig struct {
	DSN             string
	Table           string
	AuditTable      string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresRepo persists tracking rows in Postgres. Rows are keyed by
// case id; writes are last-write-wins, which is acceptable because the
// single-stream harvester derives every write from its own most recent
// attempt.
type PostgresRepo struct {
	pool       pgxPool
	table      string
	auditTable string
}

// NewPostgresRepo connects a pool using the provided config.
func NewPostgresRepo(ctx context.Context, cfg PostgresRepoConfig) (*PostgresRepo, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("tracking.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse tracking dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect tracking db: %w", err)
	}
	return NewPostgresRepoWithPool(pool, cfg.Table, cfg.AuditTable)
}

// NewPostgresRepoWithPool constructs a repo from an existing pool
// (primarily for testing).
func NewPostgresRepoWithPool(pool pgxPool, table, auditTable string) (*PostgresRepo, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "case_tracking"
	}
	if auditTable == "" {
		auditTable = "case_audit"
	}
	for _, name := range []string{table, auditTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &PostgresRepo{pool: pool, table: table, auditTable: auditTable}, nil
}

// Close releases the underlying pool resources.
func (r *PostgresRepo) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// GetCase loads one tracking row or returns ErrNotFound.
func (r *PostgresRepo) GetCase(ctx context.Context, id harvest.CaseID) (harvest.CaseRecord, error) {
	query := fmt.Sprintf(`
SELECT status, last_attempt_at, retry_count, error_message
FROM %s
WHERE case_id = $1`, r.table)

	var (
		status        string
		lastAttemptAt *time.Time
		retryCount    int
		errorMessage  *string
	)
	err := r.pool.QueryRow(ctx, query, id.String()).
		Scan(&status, &lastAttemptAt, &retryCount, &errorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.CaseRecord{}, ErrNotFound
	}
	if err != nil {
		return harvest.CaseRecord{}, fmt.Errorf("select case %s: %w", id, err)
	}

	rec := harvest.CaseRecord{
		ID:         id,
		Status:     harvest.CaseStatus(status),
		RetryCount: retryCount,
	}
	if lastAttemptAt != nil {
		rec.LastAttemptAt = *lastAttemptAt
	}
	if errorMessage != nil {
		rec.ErrorMessage = *errorMessage
	}
	return rec, nil
}

// UpsertCase writes the row, inserting on first attempt.
func (r *PostgresRepo) UpsertCase(ctx context.Context, rec harvest.CaseRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (case_id, status, last_attempt_at, retry_count, error_message)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (case_id) DO UPDATE SET
	status = EXCLUDED.status,
	last_attempt_at = EXCLUDED.last_attempt_at,
	retry_count = EXCLUDED.retry_count,
	error_message = EXCLUDED.error_message`, r.table)

	var lastAttempt *time.Time
	if !rec.LastAttemptAt.IsZero() {
		lastAttempt = &rec.LastAttemptAt
	}
	if _, err := r.pool.Exec(ctx, query,
		rec.ID.String(), string(rec.Status), lastAttempt, rec.RetryCount, rec.ErrorMessage,
	); err != nil {
		return fmt.Errorf("upsert case %s: %w", rec.ID, err)
	}
	return nil
}

// AppendAudit inserts one immutable processing-log line.
func (r *PostgresRepo) AppendAudit(ctx context.Context, entry AuditEntry) error {
	query := fmt.Sprintf(`
INSERT INTO %s (case_id, outcome, reason, error_message, duration_ms, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)`, r.auditTable)

	if _, err := r.pool.Exec(ctx, query,
		entry.CaseID.String(), string(entry.Outcome), entry.Reason,
		entry.Error, entry.DurationMs, entry.RecordedAt,
	); err != nil {
		return fmt.Errorf("append audit for %s: %w", entry.CaseID, err)
	}
	return nil
}

// PurgeYear deletes all rows in one prefix/year scope and reports how
// many were removed.
func (r *PostgresRepo) PurgeYear(ctx context.Context, prefix string, year int) (int64, error) {
	pattern := fmt.Sprintf("%s-%%-%02d", prefix, year%100)
	query := fmt.Sprintf(`DELETE FROM %s WHERE case_id LIKE $1`, r.table)
	tag, err := r.pool.Exec(ctx, query, pattern)
	if err != nil {
		return 0, fmt.Errorf("purge year %d: %w", year, err)
	}
	return tag.RowsAffected(), nil
}
