// Package store is the relational record store. It persists the
// high-volume, append-mostly records the Log Collector and Usage
// Accountant produce — data the ordered job queue isn't shaped for.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cuemby/sandboxd/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the relational record store contract.
type Store interface {
	InsertLogEntries(ctx context.Context, entries []types.LogEntry) error
	QueryLogs(ctx context.Context, containerID string, since time.Time, limit int) ([]types.LogEntry, error)
	DeleteLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	InsertUsageRecord(ctx context.Context, rec types.UsageRecord) error
	BucketUsage(ctx context.Context, containerID, bucketID string) (types.UsageSummary, error)
	SumUsageSince(ctx context.Context, containerID string, since time.Time) (types.UsageSummary, error)
	DeleteUsageOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	RecordHealth(ctx context.Context, state types.HealthState) error
	RecentHealth(ctx context.Context, containerID string, limit int) ([]types.HealthState, error)

	Close() error
}

// SQLiteStore implements Store over SQLite via sqlx, with schema managed
// by golang-migrate embedded migration files.
type SQLiteStore struct {
	db *sqlx.DB
}

// Open creates (migrating if needed) a SQLite-backed Store at dsn, e.g.
// "/var/lib/sandboxd/records.db".
func Open(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", dsn+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrateUp(db *sqlx.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	dbDriver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to init migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Vacuum reclaims space and refreshes the query planner's statistics,
// worth running periodically once the Log Collector's and Usage
// Accountant's janitors have deleted a meaningful fraction of old rows. It
// holds an exclusive lock for its duration, so callers should schedule it
// off the hot path (e.g. a weekly cron tick) rather than call it inline.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	return vacuum(ctx, s.db.DB)
}

func vacuum(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("analyze failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertLogEntries(ctx context.Context, entries []types.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO log_entries (container_id, stream, classification, content, recorded_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ContainerID, e.Stream, e.Classification, e.Content, e.RecordedAt); err != nil {
			return fmt.Errorf("failed to insert log entry: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) QueryLogs(ctx context.Context, containerID string, since time.Time, limit int) ([]types.LogEntry, error) {
	var rows []logEntryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT container_id, stream, classification, content, recorded_at
		FROM log_entries
		WHERE container_id = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC
		LIMIT ?`, containerID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}

	entries := make([]types.LogEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toEntry())
	}
	return entries, nil
}

func (s *SQLiteStore) DeleteLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM log_entries WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune logs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) InsertUsageRecord(ctx context.Context, rec types.UsageRecord) error {
	// An empty JobID must land as SQL NULL, not "", so the
	// idx_usage_records_job_bucket unique index only rejects a genuine
	// re-parse of the same job's stdout, not distinct job-less records
	// sharing a bucket.
	var jobID any
	if rec.JobID != "" {
		jobID = rec.JobID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (container_id, job_id, bucket_id, input_tokens, output_tokens, cost_micros, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ContainerID, jobID, rec.BucketID, rec.InputTokens, rec.OutputTokens, rec.CostMicros, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) BucketUsage(ctx context.Context, containerID, bucketID string) (types.UsageSummary, error) {
	var row usageSummaryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT COALESCE(SUM(input_tokens), 0) AS input_tokens,
		       COALESCE(SUM(output_tokens), 0) AS output_tokens,
		       COALESCE(SUM(cost_micros), 0) AS cost_micros
		FROM usage_records
		WHERE container_id = ? AND bucket_id = ?`, containerID, bucketID)
	if err != nil {
		return types.UsageSummary{}, fmt.Errorf("failed to sum bucket usage: %w", err)
	}
	return row.toSummary(), nil
}

func (s *SQLiteStore) SumUsageSince(ctx context.Context, containerID string, since time.Time) (types.UsageSummary, error) {
	var row usageSummaryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT COALESCE(SUM(input_tokens), 0) AS input_tokens,
		       COALESCE(SUM(output_tokens), 0) AS output_tokens,
		       COALESCE(SUM(cost_micros), 0) AS cost_micros
		FROM usage_records
		WHERE container_id = ? AND created_at >= ?`, containerID, since)
	if err != nil {
		return types.UsageSummary{}, fmt.Errorf("failed to sum usage: %w", err)
	}
	return row.toSummary(), nil
}

func (s *SQLiteStore) DeleteUsageOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage records: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) RecordHealth(ctx context.Context, state types.HealthState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_audit (container_id, healthy, consecutive_failures, recovering, last_error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		state.ContainerID, state.Healthy, state.ConsecutiveFailures, state.Recovering, state.LastError, state.LastCheck)
	if err != nil {
		return fmt.Errorf("failed to record health audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentHealth(ctx context.Context, containerID string, limit int) ([]types.HealthState, error) {
	var rows []healthRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT container_id, healthy, consecutive_failures, recovering, last_error, recorded_at
		FROM health_audit
		WHERE container_id = ?
		ORDER BY recorded_at DESC
		LIMIT ?`, containerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query health audit: %w", err)
	}

	states := make([]types.HealthState, 0, len(rows))
	for _, r := range rows {
		states = append(states, r.toState())
	}
	return states, nil
}

// logEntryRow mirrors log_entries' columns for sqlx scanning.
type logEntryRow struct {
	ContainerID    string    `db:"container_id"`
	Stream         string    `db:"stream"`
	Classification string    `db:"classification"`
	Content        string    `db:"content"`
	RecordedAt     time.Time `db:"recorded_at"`
}

func (r logEntryRow) toEntry() types.LogEntry {
	return types.LogEntry{
		ContainerID:    r.ContainerID,
		Stream:         types.LogStream(r.Stream),
		Classification: types.LogClassification(r.Classification),
		Content:        r.Content,
		RecordedAt:     r.RecordedAt,
	}
}

// usageSummaryRow mirrors the aggregate columns BucketUsage/SumUsageSince
// select for sqlx scanning.
type usageSummaryRow struct {
	InputTokens  int   `db:"input_tokens"`
	OutputTokens int   `db:"output_tokens"`
	CostMicros   int64 `db:"cost_micros"`
}

func (r usageSummaryRow) toSummary() types.UsageSummary {
	return types.UsageSummary{
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		CostMicros:   r.CostMicros,
	}
}

// healthRow mirrors health_audit's columns for sqlx scanning.
type healthRow struct {
	ContainerID         string    `db:"container_id"`
	Healthy             bool      `db:"healthy"`
	ConsecutiveFailures int       `db:"consecutive_failures"`
	Recovering          bool      `db:"recovering"`
	LastError           *string   `db:"last_error"`
	RecordedAt          time.Time `db:"recorded_at"`
}

func (r healthRow) toState() types.HealthState {
	state := types.HealthState{
		ContainerID:         r.ContainerID,
		Healthy:             r.Healthy,
		ConsecutiveFailures: r.ConsecutiveFailures,
		Recovering:          r.Recovering,
		LastCheck:           r.RecordedAt,
	}
	if r.LastError != nil {
		state.LastError = *r.LastError
	}
	return state
}
