package history

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the default in-process ledger backend.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries map[int64]*Entry
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[int64]*Entry)}
}

// RecordStart implements Store.
func (m *MemoryStore) RecordStart(jobName, jobGroup string, startedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.entries[id] = &Entry{
		ID:        id,
		JobName:   jobName,
		JobGroup:  jobGroup,
		StartedAt: startedAt,
		Status:    StatusRunning,
	}
	return id, nil
}

// RecordCompletion implements Store.
func (m *MemoryStore) RecordCompletion(id int64, completedAt time.Time, durationMs int64, status Status, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("completion status must be terminal, got %s", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || e.Status != StatusRunning {
		return fmt.Errorf("%w: %d", ErrUnknownHistoryID, id)
	}

	done := completedAt
	e.CompletedAt = &done
	e.ExecutionTimeMs = durationMs
	e.Status = status
	e.ErrorMessage = errorMessage
	return nil
}

func (m *MemoryStore) snapshot(filter Filter) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if filter.matches(*e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// List implements Store.
func (m *MemoryStore) List(filter Filter, page, size int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	all := m.snapshot(filter)
	start := (page - 1) * size
	if start > len(all) {
		start = len(all)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}

	return Page{
		Entries: all[start:end],
		Total:   int64(len(all)),
		Page:    page,
		Size:    size,
	}, nil
}

// Statistics implements Store.
func (m *MemoryStore) Statistics(filter Filter) (Statistics, error) {
	return aggregate(m.snapshot(filter)), nil
}

// ListRecentFailures implements Store.
func (m *MemoryStore) ListRecentFailures(limit int) ([]Entry, error) {
	all := m.snapshot(Filter{})
	out := make([]Entry, 0, limit)
	for _, e := range all {
		if e.Status == StatusFailed {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// DeleteOlderThan implements Store.
func (m *MemoryStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, e := range m.entries {
		if e.Status == StatusRunning {
			continue
		}
		if e.CompletedAt != nil && e.CompletedAt.Before(cutoff) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed, nil
}

// FinalizeStale implements Store.
func (m *MemoryStore) FinalizeStale(before time.Time, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var healed int64
	now := time.Now()
	for _, e := range m.entries {
		if e.Status == StatusRunning && e.StartedAt.Before(before) {
			done := now
			e.CompletedAt = &done
			e.Status = StatusFailed
			e.ErrorMessage = message
			healed++
		}
	}
	return healed, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
