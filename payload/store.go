package payload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coregx/eventbus/model"
)

// ReasonRetentionExpired is the delete reason written by PurgeExpired.
const ReasonRetentionExpired = "retention_expired"

const day = 24 * time.Hour

// StageConfig controls capture of one stage.
type StageConfig struct {
	Enabled   bool
	Retention time.Duration
}

// Config controls which stages are captured and for how long.
type Config struct {
	Stages map[model.PayloadStage]StageConfig
}

// DefaultConfig captures every stage for 7 days, errors for 30.
func DefaultConfig() Config {
	cfg := Config{Stages: make(map[model.PayloadStage]StageConfig)}
	for _, s := range model.PayloadStages() {
		cfg.Stages[s] = StageConfig{Enabled: true, Retention: 7 * day}
	}
	cfg.Stages[model.StageError] = StageConfig{Enabled: true, Retention: 30 * day}
	return cfg
}

// ShouldStore reports whether a stage is captured under cfg.
func ShouldStore(stage model.PayloadStage, cfg Config) bool {
	sc, ok := cfg.Stages[stage]
	return ok && sc.Enabled
}

// Repository persists payload rows.
type Repository interface {
	// Insert stores a new row. entry.ID is assigned by the caller.
	Insert(ctx context.Context, entry *model.PayloadEntry) error
	Update(ctx context.Context, entry *model.PayloadEntry) error
	Load(ctx context.Context, id int64) (model.PayloadEntry, error)
	// FindByEvent returns every live snapshot of an event in stage order of capture.
	FindByEvent(ctx context.Context, eventID string) ([]model.PayloadEntry, error)
	// FindExpired returns live rows with expires_at <= now, oldest first.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]model.PayloadEntry, error)
}

// IDGenerator assigns row ids.
type IDGenerator interface {
	Next() int64
}

// ErrStageDisabled is returned by Capture for stages switched off in the config.
var ErrStageDisabled = errors.New("payload stage disabled")

// Store captures and serves payload snapshots.
type Store struct {
	repo Repository
	ids  IDGenerator
	cfg  Config
	now  func() time.Time
}

// NewStore creates a Store.
func NewStore(repo Repository, ids IDGenerator, cfg Config) (*Store, error) {
	if repo == nil {
		return nil, errors.New("payload: repository is required")
	}
	if ids == nil {
		return nil, errors.New("payload: id generator is required")
	}
	return &Store{repo: repo, ids: ids, cfg: cfg, now: time.Now}, nil
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Capture compresses v and stores it for the event at the given stage.
// Returns ErrStageDisabled without writing when the stage is off.
func (s *Store) Capture(ctx context.Context, eventID, eventType string, stage model.PayloadStage, v any) (*model.PayloadEntry, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("payload: unknown stage %q", stage)
	}
	if !ShouldStore(stage, s.cfg) {
		return nil, ErrStageDisabled
	}

	c, err := Compress(v)
	if err != nil {
		return nil, err
	}
	flags := DetectContentFlags(v)

	now := s.now()
	entry := &model.PayloadEntry{
		ID:                    s.ids.Next(),
		EventID:               eventID,
		EventType:             eventType,
		Stage:                 stage,
		PayloadCompressed:     c.Data,
		PayloadSizeOriginal:   c.OriginalSize,
		PayloadSizeCompressed: c.CompressedSize,
		ContainsMedia:         flags.ContainsMedia,
		ContainsBase64:        flags.ContainsBase64,
		Timestamp:             now,
		ExpiresAt:             now.Add(s.cfg.Stages[stage].Retention),
		CreatedAt:             now,
	}
	if err := s.repo.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("payload: storing %s snapshot of %s: %w", stage, eventID, err)
	}
	return entry, nil
}

// Snapshot is a stored entry with its payload decompressed.
type Snapshot struct {
	model.PayloadEntry
	Payload any `json:"payload"`
}

// Load returns one snapshot decompressed. Soft-deleted rows come back without payload.
func (s *Store) Load(ctx context.Context, id int64) (*Snapshot, error) {
	entry, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{PayloadEntry: entry}
	if entry.IsDeleted() {
		return snap, nil
	}
	if snap.Payload, err = Decompress(entry.PayloadCompressed); err != nil {
		return nil, err
	}
	return snap, nil
}

// ForEvent returns every live snapshot of an event, decompressed.
func (s *Store) ForEvent(ctx context.Context, eventID string) ([]Snapshot, error) {
	entries, err := s.repo.FindByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	snaps := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		v, err := Decompress(e.PayloadCompressed)
		if err != nil {
			return nil, fmt.Errorf("payload: entry %d: %w", e.ID, err)
		}
		snaps = append(snaps, Snapshot{PayloadEntry: e, Payload: v})
	}
	return snaps, nil
}

// SoftDelete marks a snapshot deleted.
func (s *Store) SoftDelete(ctx context.Context, id int64, by, reason string) error {
	entry, err := s.repo.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := entry.SoftDelete(s.now(), by, reason); err != nil {
		return err
	}
	return s.repo.Update(ctx, &entry)
}

// PurgeExpired soft-deletes up to limit rows whose retention ended at now.
// Returns the number of rows purged.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	expired, err := s.repo.FindExpired(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("payload: finding expired rows: %w", err)
	}

	purged := 0
	for i := range expired {
		entry := &expired[i]
		if entry.IsDeleted() || !entry.IsExpired(now) {
			continue
		}
		if err := entry.SoftDelete(now, "system", ReasonRetentionExpired); err != nil {
			continue
		}
		if err := s.repo.Update(ctx, entry); err != nil {
			return purged, fmt.Errorf("payload: purging entry %d: %w", entry.ID, err)
		}
		purged++
	}
	return purged, nil
}
