package dlq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coregx/eventbus/model"
)

// ErrNotFound is returned by MemoryStore for unknown ids.
var ErrNotFound = errors.New("dead letter not found")

// MemoryStore keeps rows in process. Used by tests and single-process setups.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[int64]model.DeadLetter
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[int64]model.DeadLetter)}
}

// Insert stores a new row.
func (m *MemoryStore) Insert(_ context.Context, entry *model.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[entry.ID]; exists {
		return fmt.Errorf("dead letter %d already exists", entry.ID)
	}
	m.rows[entry.ID] = *entry
	return nil
}

// Update replaces an existing row.
func (m *MemoryStore) Update(_ context.Context, entry *model.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[entry.ID]; !exists {
		return fmt.Errorf("%w: %d", ErrNotFound, entry.ID)
	}
	m.rows[entry.ID] = *entry
	return nil
}

// Load returns one row.
func (m *MemoryStore) Load(_ context.Context, id int64) (model.DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return model.DeadLetter{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return row, nil
}

// FindDueForRetry returns pending rows due at now, oldest first.
func (m *MemoryStore) FindDueForRetry(_ context.Context, now time.Time, limit int) ([]model.DeadLetter, error) {
	rows := m.filter(func(d *model.DeadLetter) bool { return d.IsDue(now) })
	sort.Slice(rows, func(i, j int) bool { return rows[i].NextAutoRetryAt.Time.Before(rows[j].NextAutoRetryAt.Time) })
	return truncate(rows, limit), nil
}

// FindByStatus returns rows with the status, newest first.
func (m *MemoryStore) FindByStatus(_ context.Context, status model.DeadLetterStatus, limit int) ([]model.DeadLetter, error) {
	rows := m.filter(func(d *model.DeadLetter) bool { return d.Status == status })
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	return truncate(rows, limit), nil
}

// GetStats counts rows per status.
func (m *MemoryStore) GetStats(_ context.Context) (model.DeadLetterStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := model.DeadLetterStats{Total: len(m.rows), Updated: time.Now()}
	for _, row := range m.rows {
		switch row.Status {
		case model.DeadLetterPending:
			stats.Pending++
			if row.NextAutoRetryAt.Valid {
				stats.Scheduled++
			}
		case model.DeadLetterRetrying:
			stats.Retrying++
		case model.DeadLetterResolved:
			stats.Resolved++
		case model.DeadLetterAbandoned:
			stats.Abandoned++
		}
	}
	return stats, nil
}

func (m *MemoryStore) filter(keep func(*model.DeadLetter) bool) []model.DeadLetter {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rows []model.DeadLetter
	for _, row := range m.rows {
		if keep(&row) {
			rows = append(rows, row)
		}
	}
	return rows
}

func truncate(rows []model.DeadLetter, limit int) []model.DeadLetter {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
