package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/coregx/eventbus"
)

// NewRouter mounts every admin endpoint under /api/v1.
func NewRouter(h *Handler, logger eventbus.Logger) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(loggingMiddleware(logger))

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.HandleHealth)
		r.Get("/metrics", h.HandleMetrics)

		r.Post("/events", h.HandlePublish)
		r.Get("/events/{eventID}/payloads", h.HandleEventPayloads)

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", h.HandleListDeadLetters)
			r.Get("/stats", h.HandleDeadLetterStats)
			r.Get("/{id}", h.HandleGetDeadLetter)
			r.Post("/{id}/retry", h.HandleRetryDeadLetter)
			r.Post("/{id}/resolve", h.HandleResolveDeadLetter)
			r.Post("/{id}/abandon", h.HandleAbandonDeadLetter)
		})

		r.Route("/replays", func(r chi.Router) {
			r.Get("/", h.HandleListReplays)
			r.Post("/", h.HandleStartReplay)
			r.Get("/{id}", h.HandleGetReplay)
			r.Post("/{id}/{action}", h.HandleReplayControl)
		})

		r.Get("/payloads/{id}", h.HandleGetPayload)

		r.Get("/subscriptions", h.HandleListSubscriptions)
		r.Delete("/subscriptions/{id}", h.HandleUnsubscribe)
	})

	return router
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(logger eventbus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debugf("%s %s - %d (%v, request_id=%s)",
				r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
		})
	}
}
