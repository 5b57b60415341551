package history

import (
	"errors"
	"time"
)

// ErrUnknownHistoryID is returned when a completion targets an id that
// does not exist or is already terminal. Double completion is rejected,
// not silently ignored.
var ErrUnknownHistoryID = errors.New("unknown or already finalized history id")

// Status is the execution status of a ledger entry.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusVetoed    Status = "VETOED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusVetoed
}

// Entry is one recorded execution.
type Entry struct {
	ID              int64      `json:"id"`
	JobName         string     `json:"job_name"`
	JobGroup        string     `json:"job_group"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
	Status          Status     `json:"status"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// Filter narrows queries. Zero-valued fields match everything.
type Filter struct {
	JobName  string
	JobGroup string
	From     time.Time
	To       time.Time
}

func (f Filter) matches(e Entry) bool {
	if f.JobName != "" && e.JobName != f.JobName {
		return false
	}
	if f.JobGroup != "" && e.JobGroup != f.JobGroup {
		return false
	}
	if !f.From.IsZero() && e.StartedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.StartedAt.After(f.To) {
		return false
	}
	return true
}

// Statistics aggregates a set of entries. Duration figures cover
// COMPLETED entries only.
type Statistics struct {
	Total         int64   `json:"total"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	Vetoed        int64   `json:"vetoed"`
	Running       int64   `json:"running"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MinDurationMs int64   `json:"min_duration_ms"`
	MaxDurationMs int64   `json:"max_duration_ms"`
}

// Page is one page of a history listing.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int64   `json:"total"`
	Page    int     `json:"page"`
	Size    int     `json:"size"`
}

// Store is the ledger contract. Implementations must allocate ids
// monotonically and keep writes append-only.
type Store interface {
	// RecordStart creates a RUNNING entry and returns its id.
	RecordStart(jobName, jobGroup string, startedAt time.Time) (int64, error)

	// RecordCompletion transitions a RUNNING entry to a terminal status.
	// Fails with ErrUnknownHistoryID if the id is missing or terminal.
	RecordCompletion(id int64, completedAt time.Time, durationMs int64, status Status, errorMessage string) error

	// List returns entries matching the filter, newest first, paged.
	// Page numbering starts at 1.
	List(filter Filter, page, size int) (Page, error)

	// Statistics aggregates entries matching the filter.
	Statistics(filter Filter) (Statistics, error)

	// ListRecentFailures returns the most recent FAILED entries.
	ListRecentFailures(limit int) ([]Entry, error)

	// DeleteOlderThan purges terminal entries completed before the cutoff
	// and returns how many were removed. RUNNING entries are never purged
	// regardless of age.
	DeleteOlderThan(cutoff time.Time) (int64, error)

	// FinalizeStale marks RUNNING entries started before the given instant
	// as FAILED with the supplied message. Used at startup to heal entries
	// orphaned by a previous process.
	FinalizeStale(before time.Time, message string) (int64, error)

	// Close releases backing resources.
	Close() error
}

func aggregate(entries []Entry) Statistics {
	var s Statistics
	for _, e := range entries {
		s.Total++
		switch e.Status {
		case StatusCompleted:
			s.Completed++
			d := e.ExecutionTimeMs
			if s.Completed == 1 || d < s.MinDurationMs {
				s.MinDurationMs = d
			}
			if d > s.MaxDurationMs {
				s.MaxDurationMs = d
			}
			s.AvgDurationMs += float64(d)
		case StatusFailed:
			s.Failed++
		case StatusVetoed:
			s.Vetoed++
		case StatusRunning:
			s.Running++
		}
	}
	if s.Completed > 0 {
		s.AvgDurationMs /= float64(s.Completed)
	}
	return s
}
