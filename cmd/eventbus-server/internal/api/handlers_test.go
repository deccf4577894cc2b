package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/eventbus"
	"github.com/coregx/eventbus/adapters/relica"
	"github.com/coregx/eventbus/internal/id"
	"github.com/coregx/eventbus/model"
	"github.com/coregx/eventbus/payload"
	"github.com/coregx/eventbus/replay"
	"github.com/coregx/eventbus/schema"
	"github.com/coregx/eventbus/substrate/memory"
	"github.com/coregx/eventbus/telemetry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace/noop"
)

type testServer struct {
	bus      *eventbus.Bus
	router   http.Handler
	repos    *relica.Repositories
	payloads *payload.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = relica.Migrate(ctx, db, "sqlite3")
	require.NoError(t, err)

	repos := relica.NewRepositories(db, "sqlite3")
	ids, err := id.NewGenerator(3)
	require.NoError(t, err)
	store, err := payload.NewStore(repos.Payloads, ids, payload.DefaultConfig())
	require.NoError(t, err)

	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(schema.Definition{
		EventType: "custom.invoice_paid",
		Schema:    `{"type":"object","required":["amount"]}`,
	}))

	reader := sdkmetric.NewManualReader()
	recorder, err := telemetry.New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), noop.NewTracerProvider())
	require.NoError(t, err)

	bus, err := eventbus.New(
		eventbus.WithConnector(memory.New()),
		eventbus.WithTelemetry(recorder),
		eventbus.WithSchemaRegistry(registry),
		eventbus.WithDeadLetterRepository(repos.DeadLetters),
		eventbus.WithPayloadStore(store),
		eventbus.WithIDGenerator(ids),
	)
	require.NoError(t, err)
	require.NoError(t, bus.Connect(ctx))

	svc, err := bus.NewDeadLetterService()
	require.NoError(t, err)
	engine, err := bus.NewReplayEngine("")
	require.NoError(t, err)
	t.Cleanup(func() {
		engine.Close()
		_ = bus.Close()
	})

	logger := &eventbus.NoopLogger{}
	h := NewHandler(bus, svc, engine, store, reader, logger)
	return &testServer{bus: bus, router: NewRouter(h, logger), repos: repos, payloads: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

// deadLetter makes one event fail its only delivery and returns the stored row.
func (s *testServer) deadLetter(t *testing.T) model.DeadLetter {
	t.Helper()
	ctx := context.Background()
	sub, err := s.bus.Subscribe(ctx, model.EventMediaFailed, func(context.Context, *model.Event) error {
		return errors.New("codec missing")
	}, eventbus.WithMaxRetries(0))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = s.bus.Publish(ctx, model.EventMediaFailed, map[string]any{"url": "x"}, model.Metadata{})
	require.NoError(t, err)

	var rows []model.DeadLetter
	require.Eventually(t, func() bool {
		rows, err = s.repos.DeadLetters.FindByStatus(ctx, model.DeadLetterPending, 10)
		return err == nil && len(rows) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return rows[0]
}

func TestHandler_Health(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, true, data["connected"])

	require.NoError(t, s.bus.Close())
	rec, _ = s.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_Publish(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name     string
		body     any
		wantCode int
	}{
		{"core event", map[string]any{"type": "message.sent", "payload": map[string]any{"text": "hi"}}, http.StatusCreated},
		{"custom valid", map[string]any{"type": "custom.invoice_paid", "payload": map[string]any{"amount": 5}}, http.StatusCreated},
		{"custom invalid", map[string]any{"type": "custom.invoice_paid", "payload": map[string]any{}}, http.StatusUnprocessableEntity},
		{"unknown namespace", map[string]any{"type": "billing.paid", "payload": map[string]any{}}, http.StatusUnprocessableEntity},
		{"missing type", map[string]any{"payload": map[string]any{}}, http.StatusBadRequest},
		{"missing payload", map[string]any{"type": "message.sent"}, http.StatusUnprocessableEntity},
		{"bad stage", map[string]any{"type": "message.sent", "payload": map[string]any{}, "capture": "nope"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := s.do(t, http.MethodPost, "/api/v1/events", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestHandler_PublishWithCapture(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"type":     "message.received",
		"payload":  map[string]any{"text": "hello", "chatId": "c-1"},
		"metadata": map[string]any{"channelType": "whatsapp", "instanceId": "wa-1"},
		"capture":  "webhook_raw",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	eventID := body["data"].(map[string]any)["id"].(string)

	rec, body = s.do(t, http.MethodGet, "/api/v1/events/"+eventID+"/payloads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snaps := body["data"].([]any)
	require.Len(t, snaps, 1)
	snap := snaps[0].(map[string]any)
	assert.Equal(t, "webhook_raw", snap["stage"])
	assert.Equal(t, "hello", snap["payload"].(map[string]any)["text"])

	// Snowflake ids exceed float64 precision, so take the id from the store.
	entries, err := s.payloads.ForEvent(context.Background(), eventID)
	require.NoError(t, err)
	snapID := strconv.FormatInt(entries[0].ID, 10)

	rec, _ = s.do(t, http.MethodGet, "/api/v1/payloads/"+snapID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/v1/payloads/12345", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/v1/payloads/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_DeadLetterLifecycle(t *testing.T) {
	s := newTestServer(t)
	entry := s.deadLetter(t)
	path := "/api/v1/dead-letters/" + strconv.FormatInt(entry.ID, 10)

	rec, body := s.do(t, http.MethodGet, "/api/v1/dead-letters?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["data"].([]any), 1)

	rec, body = s.do(t, http.MethodGet, "/api/v1/dead-letters/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["data"].(map[string]any)["pending"])

	rec, body = s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entry.EventID, body["data"].(map[string]any)["eventId"])

	// The failed envelope was captured as an error-stage snapshot.
	snaps, err := s.payloads.ForEvent(context.Background(), entry.EventID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, model.StageError, snaps[0].Stage)

	rec, body = s.do(t, http.MethodPost, path+"/retry", OperatorRequest{By: "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, body["data"].(map[string]any)["manualRetryCount"])

	rec, body = s.do(t, http.MethodPost, path+"/resolve", OperatorRequest{By: "alice", Note: "codec installed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "resolved", body["data"].(map[string]any)["status"])

	rec, body = s.do(t, http.MethodPost, path+"/abandon", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, model.ErrTerminalStatus.Code, body["code"])

	rec, _ = s.do(t, http.MethodGet, "/api/v1/dead-letters/424242", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = s.do(t, http.MethodPost, "/api/v1/dead-letters/424242/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Replays(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	since := time.Now().Add(-time.Minute)

	for i := 0; i < 3; i++ {
		_, err := s.bus.Publish(ctx, model.EventMessageSent, map[string]any{"i": i}, model.Metadata{})
		require.NoError(t, err)
	}

	rec, body := s.do(t, http.MethodPost, "/api/v1/replays", replay.Options{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, eventbus.ErrCodeValidation, body["code"])

	rec, body = s.do(t, http.MethodPost, "/api/v1/replays", replay.Options{Since: since, DryRun: true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	sessionID := body["data"].(map[string]any)["id"].(string)

	require.Eventually(t, func() bool {
		_, body := s.do(t, http.MethodGet, "/api/v1/replays/"+sessionID, nil)
		return body["data"].(map[string]any)["status"] == string(replay.StatusCompleted)
	}, 2*time.Second, 5*time.Millisecond)

	_, body = s.do(t, http.MethodGet, "/api/v1/replays/"+sessionID, nil)
	result := body["data"].(map[string]any)["result"].(map[string]any)
	assert.EqualValues(t, 3, result["eventsProcessed"])

	rec, _ = s.do(t, http.MethodPost, "/api/v1/replays/"+sessionID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec, _ = s.do(t, http.MethodPost, "/api/v1/replays/"+sessionID+"/rewind", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/v1/replays/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = s.do(t, http.MethodGet, "/api/v1/replays", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["data"].([]any), 1)
}

func TestHandler_Metrics(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 2; i++ {
		rec, _ := s.do(t, http.MethodPost, "/api/v1/events", map[string]any{"type": "message.sent", "payload": map[string]any{"i": i}})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, body := s.do(t, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var published map[string]any
	for _, m := range body["data"].([]any) {
		if view := m.(map[string]any); view["name"] == "eventbus.events.published" {
			published = view
		}
	}
	require.NotNil(t, published)
	point := published["points"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 2, point["value"])
	assert.Equal(t, "MESSAGE", point["attributes"].(map[string]any)["stream"])
}

func TestHandler_Subscriptions(t *testing.T) {
	s := newTestServer(t)
	sub, err := s.bus.Subscribe(context.Background(), model.EventMessageSent, func(context.Context, *model.Event) error {
		return nil
	}, eventbus.WithDurableName("outbox"))
	require.NoError(t, err)

	rec, body := s.do(t, http.MethodGet, "/api/v1/subscriptions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	subs := body["data"].([]any)
	require.Len(t, subs, 1)
	assert.Equal(t, sub.ID(), subs[0].(map[string]any)["id"])
	assert.Equal(t, "outbox", subs[0].(map[string]any)["durable"])

	rec, _ = s.do(t, http.MethodDelete, "/api/v1/subscriptions/"+sub.ID(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodDelete, "/api/v1/subscriptions/"+sub.ID(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, body = s.do(t, http.MethodGet, "/api/v1/subscriptions", nil)
	assert.Empty(t, body["data"])
}
