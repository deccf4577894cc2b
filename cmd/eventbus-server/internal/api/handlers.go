// Package api provides HTTP handlers for the event bus admin REST API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coregx/eventbus"
	"github.com/coregx/eventbus/dlq"
	"github.com/coregx/eventbus/model"
	"github.com/coregx/eventbus/payload"
	"github.com/coregx/eventbus/replay"
)

// Version is reported by the health endpoint.
const Version = "0.2.0"

const defaultListLimit = 50

// Handler holds dependencies for API handlers.
type Handler struct {
	bus         *eventbus.Bus
	deadLetters *dlq.Service
	replays     *replay.Engine
	payloads    *payload.Store
	metrics     MetricsCollector
	logger      eventbus.Logger
}

// NewHandler creates a new API handler. payloads and metrics may be nil; the
// matching endpoints then answer 404.
func NewHandler(
	bus *eventbus.Bus,
	deadLetters *dlq.Service,
	replays *replay.Engine,
	payloads *payload.Store,
	metrics MetricsCollector,
	logger eventbus.Logger,
) *Handler {
	return &Handler{
		bus:         bus,
		deadLetters: deadLetters,
		replays:     replays,
		payloads:    payloads,
		metrics:     metrics,
		logger:      logger,
	}
}

// PublishRequest represents a publish event request.
type PublishRequest struct {
	Type     string              `json:"type"`
	Payload  json.RawMessage     `json:"payload"`
	Metadata model.Metadata      `json:"metadata"`
	Capture  *model.PayloadStage `json:"capture,omitempty"` // also store a snapshot at this stage
}

// OperatorRequest carries who performs a dead-letter action and why.
type OperatorRequest struct {
	By   string `json:"by"`
	Note string `json:"note"`
}

// SessionView is the API shape of a replay session.
type SessionView struct {
	ID       string          `json:"id"`
	Status   replay.Status   `json:"status"`
	Options  replay.Options  `json:"options"`
	Progress replay.Progress `json:"progress"`
	Result   *replay.Result  `json:"result,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HandlePublish handles POST /api/v1/events
func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}
	if req.Type == "" {
		h.respondError(w, http.StatusBadRequest, "type is required", eventbus.ErrCodeValidation)
		return
	}
	if req.Capture != nil && !req.Capture.Valid() {
		h.respondError(w, http.StatusBadRequest, "unknown capture stage", eventbus.ErrCodeValidation)
		return
	}

	result, err := h.bus.PublishGeneric(r.Context(), req.Type, req.Payload, req.Metadata)
	if err != nil {
		h.respondBusError(w, "Failed to publish event", err)
		return
	}

	if req.Capture != nil && h.payloads != nil {
		if _, err := h.payloads.Capture(r.Context(), result.ID, req.Type, *req.Capture, req.Payload); err != nil &&
			!errors.Is(err, payload.ErrStageDisabled) {
			h.logger.Warnf("Failed to capture payload of %s: %v", result.ID, err)
		}
	}

	h.respondSuccess(w, http.StatusCreated, result, "Event published successfully")
}

// HandleListDeadLetters handles GET /api/v1/dead-letters?status=&limit=
func (h *Handler) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	status := model.DeadLetterStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", defaultListLimit)

	entries, err := h.deadLetters.List(r.Context(), status, limit)
	if err != nil {
		if eventbus.IsNoData(err) {
			h.respondSuccess(w, http.StatusOK, []model.DeadLetter{}, "No dead letters found")
			return
		}
		h.logger.Errorf("Failed to list dead letters: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to list dead letters", "LIST_ERROR")
		return
	}
	if entries == nil {
		entries = []model.DeadLetter{}
	}
	h.respondSuccess(w, http.StatusOK, entries, "")
}

// HandleDeadLetterStats handles GET /api/v1/dead-letters/stats
func (h *Handler) HandleDeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deadLetters.Stats(r.Context())
	if err != nil {
		h.logger.Errorf("Failed to load dead-letter stats: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to load stats", "STATS_ERROR")
		return
	}
	h.respondSuccess(w, http.StatusOK, stats, "")
}

// HandleGetDeadLetter handles GET /api/v1/dead-letters/{id}
func (h *Handler) HandleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	entry, err := h.deadLetters.Get(r.Context(), id)
	if err != nil {
		h.respondDeadLetterError(w, "Failed to load dead letter", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, entry, "")
}

// HandleRetryDeadLetter handles POST /api/v1/dead-letters/{id}/retry
func (h *Handler) HandleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	req, ok := h.operator(w, r)
	if !ok {
		return
	}
	entry, err := h.deadLetters.Retry(r.Context(), id, req.By)
	if err != nil {
		h.respondDeadLetterError(w, "Failed to retry dead letter", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, entry, "Dead letter republished")
}

// HandleResolveDeadLetter handles POST /api/v1/dead-letters/{id}/resolve
func (h *Handler) HandleResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	req, ok := h.operator(w, r)
	if !ok {
		return
	}
	entry, err := h.deadLetters.Resolve(r.Context(), id, req.By, req.Note)
	if err != nil {
		h.respondDeadLetterError(w, "Failed to resolve dead letter", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, entry, "Dead letter resolved")
}

// HandleAbandonDeadLetter handles POST /api/v1/dead-letters/{id}/abandon
func (h *Handler) HandleAbandonDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	req, ok := h.operator(w, r)
	if !ok {
		return
	}
	entry, err := h.deadLetters.Abandon(r.Context(), id, req.By, req.Note)
	if err != nil {
		h.respondDeadLetterError(w, "Failed to abandon dead letter", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, entry, "Dead letter abandoned")
}

// HandleStartReplay handles POST /api/v1/replays
func (h *Handler) HandleStartReplay(w http.ResponseWriter, r *http.Request) {
	var opts replay.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	s, err := h.replays.Start(r.Context(), opts)
	if err != nil {
		var verr *replay.ValidationError
		if errors.As(err, &verr) {
			h.respondError(w, http.StatusBadRequest, verr.Result.Error, eventbus.ErrCodeValidation)
			return
		}
		h.logger.Errorf("Failed to start replay: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to start replay", "REPLAY_ERROR")
		return
	}
	h.respondSuccess(w, http.StatusAccepted, h.sessionView(s), "Replay started")
}

// HandleListReplays handles GET /api/v1/replays
func (h *Handler) HandleListReplays(w http.ResponseWriter, _ *http.Request) {
	sessions := h.replays.Sessions()
	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, h.sessionView(s))
	}
	h.respondSuccess(w, http.StatusOK, views, "")
}

// HandleGetReplay handles GET /api/v1/replays/{id}
func (h *Handler) HandleGetReplay(w http.ResponseWriter, r *http.Request) {
	s, err := h.replays.Session(chi.URLParam(r, "id"))
	if err != nil {
		h.respondReplayError(w, err)
		return
	}
	h.respondSuccess(w, http.StatusOK, h.sessionView(s), "")
}

// HandleReplayControl handles POST /api/v1/replays/{id}/{action} for pause, resume and cancel.
func (h *Handler) HandleReplayControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "pause":
		err = h.replays.Pause(id)
	case "resume":
		err = h.replays.Resume(id)
	case "cancel":
		err = h.replays.Cancel(id)
	default:
		h.respondError(w, http.StatusNotFound, "Unknown replay action "+action, "NOT_FOUND")
		return
	}
	if err != nil {
		h.respondReplayError(w, err)
		return
	}

	s, err := h.replays.Session(id)
	if err != nil {
		h.respondReplayError(w, err)
		return
	}
	h.respondSuccess(w, http.StatusOK, h.sessionView(s), "")
}

// HandleGetPayload handles GET /api/v1/payloads/{id}
func (h *Handler) HandleGetPayload(w http.ResponseWriter, r *http.Request) {
	if h.payloads == nil {
		h.respondError(w, http.StatusNotFound, "Payload capture is disabled", "NOT_FOUND")
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	snap, err := h.payloads.Load(r.Context(), id)
	if err != nil {
		if eventbus.IsNoData(err) {
			h.respondError(w, http.StatusNotFound, "Payload not found", "NOT_FOUND")
			return
		}
		h.logger.Errorf("Failed to load payload %d: %v", id, err)
		h.respondError(w, http.StatusInternalServerError, "Failed to load payload", "PAYLOAD_ERROR")
		return
	}
	h.respondSuccess(w, http.StatusOK, snap, "")
}

// HandleEventPayloads handles GET /api/v1/events/{eventID}/payloads
func (h *Handler) HandleEventPayloads(w http.ResponseWriter, r *http.Request) {
	if h.payloads == nil {
		h.respondError(w, http.StatusNotFound, "Payload capture is disabled", "NOT_FOUND")
		return
	}
	snaps, err := h.payloads.ForEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		h.logger.Errorf("Failed to load payloads: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to load payloads", "PAYLOAD_ERROR")
		return
	}
	h.respondSuccess(w, http.StatusOK, snaps, "")
}

// HandleListSubscriptions handles GET /api/v1/subscriptions
func (h *Handler) HandleListSubscriptions(w http.ResponseWriter, _ *http.Request) {
	h.respondSuccess(w, http.StatusOK, h.bus.Subscriptions(), "")
}

// HandleUnsubscribe handles DELETE /api/v1/subscriptions/{id}
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.bus.Unsubscribe(id); err != nil {
		if eventbus.IsNoData(err) {
			h.respondError(w, http.StatusNotFound, "Subscription not found", "NOT_FOUND")
			return
		}
		h.logger.Errorf("Failed to unsubscribe %s: %v", id, err)
		h.respondError(w, http.StatusInternalServerError, "Failed to unsubscribe", "UNSUBSCRIBE_ERROR")
		return
	}
	h.respondSuccess(w, http.StatusOK, nil, "Unsubscribed successfully")
}

// HandleHealth handles GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "healthy", http.StatusOK
	if !h.bus.IsConnected() {
		status, code = "unavailable", http.StatusServiceUnavailable
	}

	health := map[string]interface{}{
		"status":    status,
		"connected": h.bus.IsConnected(),
		"streams":   h.bus.Router().Names(),
		"timestamp": time.Now().UTC(),
		"version":   Version,
	}
	h.respondSuccess(w, code, health, "")
}

func (h *Handler) sessionView(s *replay.Session) SessionView {
	return SessionView{
		ID:       s.ID,
		Status:   s.Status(),
		Options:  s.Options,
		Progress: s.Progress(time.Now()),
		Result:   s.Result(),
	}
}

// pathID parses the {id} URL parameter, answering 400 when it is not a number.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid id", "INVALID_ID")
		return 0, false
	}
	return id, true
}

// operator decodes an optional OperatorRequest body; by defaults to "api".
func (h *Handler) operator(w http.ResponseWriter, r *http.Request) (OperatorRequest, bool) {
	var req OperatorRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
			return req, false
		}
	}
	if req.By == "" {
		req.By = "api"
	}
	return req, true
}

func (h *Handler) respondBusError(w http.ResponseWriter, message string, err error) {
	switch {
	case eventbus.IsCode(err, eventbus.ErrCodeValidation):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), eventbus.ErrCodeValidation)
	case eventbus.IsCode(err, eventbus.ErrCodeNotConnected), eventbus.IsCode(err, eventbus.ErrCodeClosed):
		h.respondError(w, http.StatusServiceUnavailable, message, eventbus.ErrCodeNotConnected)
	default:
		h.logger.Errorf("%s: %v", message, err)
		h.respondError(w, http.StatusInternalServerError, message, "PUBLISH_ERROR")
	}
}

func (h *Handler) respondDeadLetterError(w http.ResponseWriter, message string, err error) {
	var domainErr model.DomainError
	switch {
	case eventbus.IsNoData(err), errors.Is(err, dlq.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "Dead letter not found", "NOT_FOUND")
	case errors.As(err, &domainErr):
		h.respondError(w, http.StatusConflict, domainErr.Message, domainErr.Code)
	default:
		h.logger.Errorf("%s: %v", message, err)
		h.respondError(w, http.StatusInternalServerError, message, "DLQ_ERROR")
	}
}

func (h *Handler) respondReplayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, replay.ErrSessionNotFound):
		h.respondError(w, http.StatusNotFound, "Replay session not found", "NOT_FOUND")
	case errors.Is(err, replay.ErrInvalidTransition):
		h.respondError(w, http.StatusConflict, err.Error(), "INVALID_TRANSITION")
	default:
		h.logger.Errorf("Replay control failed: %v", err)
		h.respondError(w, http.StatusInternalServerError, "Replay control failed", "REPLAY_ERROR")
	}
}

// respondError sends an error response.
func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   message,
		Code:    code,
		Message: message,
	})
}

// respondSuccess sends a success response.
func (h *Handler) respondSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(SuccessResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}
