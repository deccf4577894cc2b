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

// PayloadRepository implements eventbus.PayloadRepository using Relica.
type PayloadRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewPayloadRepository creates a new PayloadRepository with the default table prefix.
func NewPayloadRepository(sqlDB *sql.DB, driverName string) *PayloadRepository {
	return &PayloadRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: DefaultTablePrefix}
}

// NewPayloadRepositoryWithPrefix creates a new PayloadRepository with a custom table prefix.
func NewPayloadRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *PayloadRepository {
	return &PayloadRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *PayloadRepository) tableName() string {
	return r.tablePrefix + "payloads"
}

// Insert stores a new snapshot.
func (r *PayloadRepository) Insert(ctx context.Context, entry *model.PayloadEntry) error {
	if err := r.db.WithContext(ctx).Model(entry).Table(r.tableName()).Insert(); err != nil {
		return eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to insert payload", err)
	}
	return nil
}

// Update writes an existing snapshot, used for soft deletion.
func (r *PayloadRepository) Update(ctx context.Context, entry *model.PayloadEntry) error {
	if err := r.db.WithContext(ctx).Model(entry).Table(r.tableName()).Update(); err != nil {
		return eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to update payload", err)
	}
	return nil
}

// Load retrieves a snapshot by id, deleted or not. Returns eventbus.ErrNoData if not found.
func (r *PayloadRepository) Load(ctx context.Context, id int64) (model.PayloadEntry, error) {
	var entry model.PayloadEntry
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("id = ?", id).One(&entry)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, eventbus.ErrNoData
	}
	if err != nil {
		return entry, eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to load payload", err)
	}
	return entry, nil
}

// FindByEvent retrieves the live snapshots of one event in capture order.
func (r *PayloadRepository) FindByEvent(ctx context.Context, eventID string) ([]model.PayloadEntry, error) {
	var entries []model.PayloadEntry
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("event_id = ? AND deleted_at IS NULL", eventID).
		OrderBy("id ASC").
		All(&entries)
	if err != nil {
		return nil, eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to find payloads", err)
	}
	return entries, nil
}

// FindExpired retrieves live snapshots past their retention, oldest expiry first.
func (r *PayloadRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]model.PayloadEntry, error) {
	var entries []model.PayloadEntry
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("deleted_at IS NULL AND expires_at <= ?", now).
		OrderBy("expires_at ASC").
		Limit(int64(limit)).
		All(&entries)
	if err != nil {
		return nil, eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to find expired payloads", err)
	}
	return entries, nil
}
