package relica

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/eventbus"
	"github.com/coregx/eventbus/dlq"
	"github.com/coregx/eventbus/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = Migrate(context.Background(), db, "sqlite3")
	require.NoError(t, err)
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	ctx := context.Background()
	applied, err := Migrate(ctx, db, "sqlite3")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_create_dead_letters.sql", "002_create_payloads.sql"}, applied)

	applied, err = Migrate(ctx, db, "sqlite3")
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("CREATE TABLE a (x INT);\n\n  CREATE INDEX i ON a (x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a (x)"}, got)
}

func newDeadLetter(t *testing.T, id int64, eventID string) *model.DeadLetter {
	t.Helper()
	evt := &model.Event{
		ID:        eventID,
		Type:      string(model.EventMessageReceived),
		Payload:   []byte(`{"text":"hi"}`),
		Timestamp: time.Now().UTC(),
		Metadata:  model.Metadata{CorrelationID: eventID},
	}
	entry, err := dlq.PrepareInsert(evt, "message.received", errors.New("boom"), 3)
	require.NoError(t, err)
	entry.ID = id
	return &entry
}

func TestDeadLetterRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewDeadLetterRepository(openTestDB(t), "sqlite3")

	entry := newDeadLetter(t, 101, "evt-1")
	require.NoError(t, repo.Insert(ctx, entry))

	got, err := repo.Load(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", got.EventID)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, model.DeadLetterPending, got.Status)
	assert.True(t, got.NextAutoRetryAt.Valid)

	require.NoError(t, got.Resolve("ops", "fixed upstream"))
	require.NoError(t, repo.Update(ctx, &got))

	got, err = repo.Load(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, model.DeadLetterResolved, got.Status)
	assert.Equal(t, "ops", got.ResolvedBy)

	_, err = repo.Load(ctx, 999)
	assert.True(t, eventbus.IsNoData(err))
}

func TestDeadLetterRepository_Queries(t *testing.T) {
	ctx := context.Background()
	repo := NewDeadLetterRepository(openTestDB(t), "sqlite3")

	due := newDeadLetter(t, 1, "evt-due")
	due.NextAutoRetryAt = sql.NullTime{Time: time.Now().Add(-time.Minute), Valid: true}
	require.NoError(t, repo.Insert(ctx, due))

	later := newDeadLetter(t, 2, "evt-later")
	require.NoError(t, repo.Insert(ctx, later))

	manual := newDeadLetter(t, 3, "evt-manual")
	manual.NextAutoRetryAt = sql.NullTime{}
	require.NoError(t, repo.Insert(ctx, manual))

	abandoned := newDeadLetter(t, 4, "evt-abandoned")
	require.NoError(t, abandoned.Abandon("ops", "obsolete"))
	require.NoError(t, repo.Insert(ctx, abandoned))

	rows, err := repo.FindDueForRetry(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].ID)

	pending, err := repo.FindByStatus(ctx, model.DeadLetterPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	all, err := repo.FindByStatus(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stats, err := repo.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 1, stats.Abandoned)
	assert.Equal(t, 2, stats.Scheduled)
}

func TestPayloadRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPayloadRepository(openTestDB(t), "sqlite3")
	now := time.Now().UTC()

	entries := []model.PayloadEntry{
		{ID: 1, EventID: "evt-1", EventType: "message.received", Stage: model.StageWebhookRaw,
			PayloadCompressed: "x", Timestamp: now, ExpiresAt: now.Add(-time.Hour), CreatedAt: now},
		{ID: 2, EventID: "evt-1", EventType: "message.received", Stage: model.StageError,
			PayloadCompressed: "y", Timestamp: now, ExpiresAt: now.Add(time.Hour), CreatedAt: now},
		{ID: 3, EventID: "evt-2", EventType: "agent.request", Stage: model.StageAgentRequest,
			PayloadCompressed: "z", Timestamp: now, ExpiresAt: now.Add(-2 * time.Hour), CreatedAt: now},
	}
	for i := range entries {
		require.NoError(t, repo.Insert(ctx, &entries[i]))
	}

	byEvent, err := repo.FindByEvent(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, byEvent, 2)
	assert.Equal(t, model.StageWebhookRaw, byEvent[0].Stage)

	expired, err := repo.FindExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, int64(3), expired[0].ID)

	first := expired[0]
	require.NoError(t, first.SoftDelete(now, "retention", "expired"))
	require.NoError(t, repo.Update(ctx, &first))

	expired, err = repo.FindExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(1), expired[0].ID)

	loaded, err := repo.Load(ctx, 3)
	require.NoError(t, err)
	assert.True(t, loaded.IsDeleted())
}
