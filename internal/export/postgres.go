// Package export persists collected docket records and run summaries.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openjuris/docket-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool backing the exporter.
type PostgresConfig struct {
	DSN             string
	RecordsTable    string
	SummariesTable  string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresExporter writes docket records and run summaries to Postgres.
type PostgresExporter struct {
	pool           pgxPool
	recordsTable   string
	summariesTable string
}

// NewPostgresExporter connects a pool from cfg.
func NewPostgresExporter(ctx context.Context, cfg PostgresConfig) (*PostgresExporter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresExporterWithPool(pool, cfg.RecordsTable, cfg.SummariesTable)
}

// NewPostgresExporterWithPool constructs an exporter from an existing
// pool (primarily for testing).
func NewPostgresExporterWithPool(pool pgxPool, recordsTable, summariesTable string) (*PostgresExporter, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if recordsTable == "" {
		recordsTable = "docket_records"
	}
	if summariesTable == "" {
		summariesTable = "run_summaries"
	}
	for _, table := range []string{recordsTable, summariesTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &PostgresExporter{
		pool:           pool,
		recordsTable:   recordsTable,
		summariesTable: summariesTable,
	}, nil
}

// Close releases the underlying pool resources.
func (e *PostgresExporter) Close() {
	if e == nil || e.pool == nil {
		return
	}
	e.pool.Close()
}

// SaveRecord upserts one docket record, reporting whether the row was
// inserted or replaced an earlier collection.
func (e *PostgresExporter) SaveRecord(ctx context.Context, rec harvest.Record) (harvest.SaveStatus, string, error) {
	if rec.ID.Prefix == "" || rec.ID.Seq < 1 {
		return harvest.SaveFailed, "malformed record id", fmt.Errorf("malformed record id %q", rec.ID)
	}
	fieldsJSON, err := json.Marshal(normalizeFields(rec.Fields))
	if err != nil {
		return harvest.SaveFailed, "marshal fields", fmt.Errorf("marshal fields for %s: %w", rec.ID, err)
	}

	// xmax = 0 only holds for a freshly inserted row version, which is
	// how the upsert distinguishes new from updated.
	query := fmt.Sprintf(`
INSERT INTO %s (case_id, prefix, seq, year, fetched_at, fields, raw)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (case_id) DO UPDATE
SET fetched_at = EXCLUDED.fetched_at, fields = EXCLUDED.fields, raw = EXCLUDED.raw
RETURNING (xmax = 0) AS inserted`, e.recordsTable)

	var inserted bool
	err = e.pool.QueryRow(ctx, query,
		rec.ID.String(),
		rec.ID.Prefix,
		rec.ID.Seq,
		rec.ID.Year%100,
		rec.FetchedAt,
		fieldsJSON,
		rec.Raw,
	).Scan(&inserted)
	if err != nil {
		return harvest.SaveFailed, "insert failed", fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	if inserted {
		return harvest.SaveNew, "record saved", nil
	}
	return harvest.SaveUpdated, "record updated", nil
}

// RecordExists reports whether a record row is already persisted.
func (e *PostgresExporter) RecordExists(ctx context.Context, id harvest.CaseID) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE case_id = $1)`, e.recordsTable)
	var exists bool
	if err := e.pool.QueryRow(ctx, query, id.String()).Scan(&exists); err != nil {
		return false, fmt.Errorf("record exists %s: %w", id, err)
	}
	return exists, nil
}

// WriteRunSummary appends one run summary row.
func (e *PostgresExporter) WriteRunSummary(ctx context.Context, summary harvest.RunSummary) error {
	if summary.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id, year, started_at, finished_at, upper_bound,
	probes_used, collected_count, skipped_count, failed_count, halted_early
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, e.summariesTable)

	_, err := e.pool.Exec(ctx, query,
		summary.RunID,
		summary.Year,
		summary.StartTime,
		summary.EndTime,
		summary.UpperBound,
		summary.ProbesUsed,
		summary.CollectedCount,
		summary.SkippedCount,
		summary.FailedCount,
		summary.HaltedEarly,
	)
	if err != nil {
		return fmt.Errorf("insert run summary %s: %w", summary.RunID, err)
	}
	return nil
}

func normalizeFields(fields map[string]string) map[string]string {
	if fields == nil {
		return map[string]string{}
	}
	return fields
}
