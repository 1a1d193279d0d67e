package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	ChiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(ChiMiddleware.Logger)
	r.Use(ChiMiddleware.Recoverer)
	r.Use(ChiMiddleware.RequestID)

	r.Get("/health/live", h.Live)
	r.Get("/health/ready", h.Ready)

	// SSE streams. The longer routes narrow the stream to one payload
	// field and/or one desired state; those close after the first match.
	r.Get("/sse/{wallet_id}", h.StreamEvents)
	r.Get("/sse/{wallet_id}/{topic}", h.StreamEvents)
	r.Get("/sse/{wallet_id}/{topic}/{field}/{field_id}", h.StreamEvents)
	r.Get("/sse/{wallet_id}/{topic}/{field}/{field_id}/{desired_state}", h.StreamEvents)

	r.Post("/internal/events", h.PublishEvent)

	r.Handle("/metrics", promhttp.Handler())

	return r
}
