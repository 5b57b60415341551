package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS job_execution_history (
	id BIGSERIAL PRIMARY KEY,
	job_name TEXT NOT NULL,
	job_group TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_history_job ON job_execution_history (job_name, job_group, started_at);
CREATE INDEX IF NOT EXISTS idx_history_status ON job_execution_history (status);
`

// PostgresStore is the shared ledger backend for multi-node deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a Postgres-backed ledger and ensures the schema
// exists.
func NewPostgresStore(url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres ledger: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing connection. The schema is
// assumed to exist; used by tests.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

// RecordStart implements Store.
func (s *PostgresStore) RecordStart(jobName, jobGroup string, startedAt time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		`INSERT INTO job_execution_history (job_name, job_group, started_at, status) VALUES ($1, $2, $3, $4) RETURNING id`,
		jobName, jobGroup, startedAt.UTC(), StatusRunning,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record job start: %w", err)
	}
	return id, nil
}

// RecordCompletion implements Store.
func (s *PostgresStore) RecordCompletion(id int64, completedAt time.Time, durationMs int64, status Status, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("completion status must be terminal, got %s", status)
	}

	res, err := s.db.Exec(
		`UPDATE job_execution_history
		 SET completed_at = $1, execution_time_ms = $2, status = $3, error_message = $4
		 WHERE id = $5 AND status = $6`,
		completedAt.UTC(), durationMs, status, errorMessage, id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to record job completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownHistoryID, id)
	}
	return nil
}

// List implements Store.
func (s *PostgresStore) List(filter Filter, page, size int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	clause, args := filterClause(filter, dollar)

	var total int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM job_execution_history`+clause, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("failed to count history entries: %w", err)
	}

	query := fmt.Sprintf(`SELECT id, job_name, job_group, started_at, completed_at, execution_time_ms, status, error_message
		FROM job_execution_history%s ORDER BY started_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		clause, len(args)+1, len(args)+2)
	rows, err := s.db.Query(query, append(args, size, (page-1)*size)...)
	if err != nil {
		return Page{}, fmt.Errorf("failed to query history entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return Page{}, err
	}

	return Page{Entries: entries, Total: total, Page: page, Size: size}, nil
}

// Statistics implements Store.
func (s *PostgresStore) Statistics(filter Filter) (Statistics, error) {
	clause, args := filterClause(filter, dollar)
	rows, err := s.db.Query(`SELECT id, job_name, job_group, started_at, completed_at, execution_time_ms, status, error_message
		FROM job_execution_history`+clause, args...)
	if err != nil {
		return Statistics{}, fmt.Errorf("failed to query history entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return Statistics{}, err
	}
	return aggregate(entries), nil
}

// ListRecentFailures implements Store.
func (s *PostgresStore) ListRecentFailures(limit int) ([]Entry, error) {
	rows, err := s.db.Query(`SELECT id, job_name, job_group, started_at, completed_at, execution_time_ms, status, error_message
		FROM job_execution_history WHERE status = $1 ORDER BY started_at DESC, id DESC LIMIT $2`,
		StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent failures: %w", err)
	}
	return scanEntries(rows)
}

// DeleteOlderThan implements Store.
func (s *PostgresStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM job_execution_history WHERE status != $1 AND completed_at IS NOT NULL AND completed_at < $2`,
		StatusRunning, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge history entries: %w", err)
	}
	return res.RowsAffected()
}

// FinalizeStale implements Store.
func (s *PostgresStore) FinalizeStale(before time.Time, message string) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE job_execution_history SET status = $1, completed_at = $2, error_message = $3 WHERE status = $4 AND started_at < $5`,
		StatusFailed, time.Now().UTC(), message, StatusRunning, before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to finalize stale entries: %w", err)
	}
	return res.RowsAffected()
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
