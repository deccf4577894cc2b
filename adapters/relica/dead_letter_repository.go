package relica

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coregx/eventbus"
	"github.com/coregx/eventbus/model"
	"github.com/coregx/relica"
)

// DeadLetterRepository implements eventbus.DeadLetterRepository using Relica.
type DeadLetterRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewDeadLetterRepository creates a new DeadLetterRepository with the default table prefix.
func NewDeadLetterRepository(sqlDB *sql.DB, driverName string) *DeadLetterRepository {
	return &DeadLetterRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: DefaultTablePrefix}
}

// NewDeadLetterRepositoryWithPrefix creates a new DeadLetterRepository with a custom table prefix.
func NewDeadLetterRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *DeadLetterRepository {
	return &DeadLetterRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *DeadLetterRepository) tableName() string {
	return r.tablePrefix + "dead_letters"
}

// Insert stores a new entry. The id is assigned by the caller.
func (r *DeadLetterRepository) Insert(ctx context.Context, entry *model.DeadLetter) error {
	err := r.db.WithContext(ctx).Model(entry).Table(r.tableName()).Insert()
	if err != nil {
		return eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to insert dead letter", err)
	}
	return nil
}

// Update writes every column of an existing entry.
func (r *DeadLetterRepository) Update(ctx context.Context, entry *model.DeadLetter) error {
	err := r.db.WithContext(ctx).Model(entry).Table(r.tableName()).Update()
	if err != nil {
		return eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to update dead letter", err)
	}
	return nil
}

// Load retrieves an entry by id. Returns eventbus.ErrNoData if not found.
func (r *DeadLetterRepository) Load(ctx context.Context, id int64) (model.DeadLetter, error) {
	var entry model.DeadLetter
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("id = ?", id).One(&entry)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, eventbus.ErrNoData
	}
	if err != nil {
		return entry, eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to load dead letter", err)
	}
	return entry, nil
}

// FindDueForRetry retrieves pending entries whose next automatic retry is due, oldest first.
func (r *DeadLetterRepository) FindDueForRetry(ctx context.Context, now time.Time, limit int) ([]model.DeadLetter, error) {
	var entries []model.DeadLetter
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("status = ? AND next_auto_retry_at IS NOT NULL AND next_auto_retry_at <= ?", model.DeadLetterPending, now).
		OrderBy("next_auto_retry_at ASC").
		Limit(int64(limit)).
		All(&entries)
	if err != nil {
		return nil, eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to find due dead letters", err)
	}
	return entries, nil
}

// FindByStatus retrieves entries with the given status, newest first.
// An empty status matches every entry.
func (r *DeadLetterRepository) FindByStatus(ctx context.Context, status model.DeadLetterStatus, limit int) ([]model.DeadLetter, error) {
	var entries []model.DeadLetter
	q := r.db.WithContext(ctx).Select("*").From(r.tableName())
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.OrderBy("created_at DESC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&entries)
	if err != nil {
		return nil, eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to list dead letters", err)
	}
	return entries, nil
}

// GetStats counts entries per status.
func (r *DeadLetterRepository) GetStats(ctx context.Context) (model.DeadLetterStats, error) {
	stats := model.DeadLetterStats{Updated: time.Now()}

	counts := []struct {
		status model.DeadLetterStatus
		dst    *int
	}{
		{model.DeadLetterPending, &stats.Pending},
		{model.DeadLetterRetrying, &stats.Retrying},
		{model.DeadLetterResolved, &stats.Resolved},
		{model.DeadLetterAbandoned, &stats.Abandoned},
	}
	for _, c := range counts {
		var n int64
		err := r.db.WithContext(ctx).Select("COUNT(*)").From(r.tableName()).Where("status = ?", c.status).One(&n)
		if err != nil {
			return stats, eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to count "+string(c.status)+" dead letters", err)
		}
		*c.dst = int(n)
		stats.Total += int(n)
	}

	var scheduled int64
	err := r.db.WithContext(ctx).Select("COUNT(*)").
		From(r.tableName()).
		Where("status = ? AND next_auto_retry_at IS NOT NULL", model.DeadLetterPending).
		One(&scheduled)
	if err != nil {
		return stats, eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to count scheduled dead letters", err)
	}
	stats.Scheduled = int(scheduled)

	return stats, nil
}
