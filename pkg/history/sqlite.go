package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS job_execution_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_name TEXT NOT NULL,
	job_group TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_history_job ON job_execution_history (job_name, job_group, started_at);
CREATE INDEX IF NOT EXISTS idx_history_status ON job_execution_history (status);
`

// SQLiteStore is a file-backed ledger using SQLite. Suitable for single
// node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if necessary initializes) a SQLite ledger at
// the given path. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
	}
	// The ledger serializes writes through a single connection; SQLite
	// does not support concurrent writers on one file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// RecordStart implements Store.
func (s *SQLiteStore) RecordStart(jobName, jobGroup string, startedAt time.Time) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO job_execution_history (job_name, job_group, started_at, status) VALUES (?, ?, ?, ?)`,
		jobName, jobGroup, startedAt.UTC(), StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record job start: %w", err)
	}
	return res.LastInsertId()
}

// RecordCompletion implements Store.
func (s *SQLiteStore) RecordCompletion(id int64, completedAt time.Time, durationMs int64, status Status, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("completion status must be terminal, got %s", status)
	}

	res, err := s.db.Exec(
		`UPDATE job_execution_history
		 SET completed_at = ?, execution_time_ms = ?, status = ?, error_message = ?
		 WHERE id = ? AND status = ?`,
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

func filterClause(filter Filter, placeholder func(int) string) (string, []interface{}) {
	clause := " WHERE 1=1"
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		clause += " AND " + fmt.Sprintf(cond, placeholder(len(args)))
	}
	if filter.JobName != "" {
		add("job_name = %s", filter.JobName)
	}
	if filter.JobGroup != "" {
		add("job_group = %s", filter.JobGroup)
	}
	if !filter.From.IsZero() {
		add("started_at >= %s", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("started_at <= %s", filter.To.UTC())
	}
	return clause, args
}

func questionMark(int) string { return "?" }

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var completed sql.NullTime
		if err := rows.Scan(&e.ID, &e.JobName, &e.JobGroup, &e.StartedAt,
			&completed, &e.ExecutionTimeMs, &e.Status, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// List implements Store.
func (s *SQLiteStore) List(filter Filter, page, size int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	clause, args := filterClause(filter, questionMark)

	var total int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM job_execution_history`+clause, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("failed to count history entries: %w", err)
	}

	query := `SELECT id, job_name, job_group, started_at, completed_at, execution_time_ms, status, error_message
		FROM job_execution_history` + clause + ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
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
func (s *SQLiteStore) Statistics(filter Filter) (Statistics, error) {
	clause, args := filterClause(filter, questionMark)
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
func (s *SQLiteStore) ListRecentFailures(limit int) ([]Entry, error) {
	rows, err := s.db.Query(`SELECT id, job_name, job_group, started_at, completed_at, execution_time_ms, status, error_message
		FROM job_execution_history WHERE status = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent failures: %w", err)
	}
	return scanEntries(rows)
}

// DeleteOlderThan implements Store.
func (s *SQLiteStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM job_execution_history WHERE status != ? AND completed_at IS NOT NULL AND completed_at < ?`,
		StatusRunning, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge history entries: %w", err)
	}
	return res.RowsAffected()
}

// FinalizeStale implements Store.
func (s *SQLiteStore) FinalizeStale(before time.Time, message string) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE job_execution_history SET status = ?, completed_at = ?, error_message = ? WHERE status = ? AND started_at < ?`,
		StatusFailed, time.Now().UTC(), message, StatusRunning, before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to finalize stale entries: %w", err)
	}
	return res.RowsAffected()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
