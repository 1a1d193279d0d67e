package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/didx-xyz/waypoint/internal/cache"
	"github.com/didx-xyz/waypoint/internal/domain/event"
)

// LivenessCheck is anything whose background work must still be running for
// the service to count as live.
type LivenessCheck interface {
	Healthy() bool
}

// Publisher pushes an event onto the durable bus. Used by the internal
// ingest endpoint; the normal path is the bus itself.
type Publisher interface {
	Publish(ctx context.Context, key string, ev event.Event) error
}

type Defaults struct {
	Lookback time.Duration
	Timeout  time.Duration
}

type Handlers struct {
	manager   *cache.Manager
	publisher Publisher
	defaults  Defaults
	checks    []LivenessCheck
}

func NewHandlers(manager *cache.Manager, publisher Publisher, defaults Defaults, checks ...LivenessCheck) *Handlers {
	return &Handlers{
		manager:   manager,
		publisher: publisher,
		defaults:  defaults,
		checks:    checks,
	}
}

// PublishEvent accepts a domain event and forwards it to the durable bus,
// from where it flows back through the store and cache like any upstream
// event. Meant for internal producers that cannot talk to the bus directly.
func (h *Handlers) PublishEvent(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		http.Error(w, "publishing disabled", http.StatusNotImplemented)
		return
	}

	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := ev.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.publisher.Publish(r.Context(), ev.WalletID, ev); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// StreamEvents serves one SSE stream. The subscription yields raw
// matching-topic events; the field/state filter is applied here, which
// keeps the cache manager reusable for "all events" and "one specific
// event" alike. With a specific filter the stream closes after the first
// match; a timeout with no match is a clean empty stream, not an error.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "wallet_id")
	if walletID == "" {
		http.Error(w, "missing wallet_id", http.StatusBadRequest)
		return
	}
	topic := chi.URLParam(r, "topic")
	if topic == "" {
		topic = event.TopicAll
	}
	field := chi.URLParam(r, "field")
	fieldID := chi.URLParam(r, "field_id")
	desiredState := chi.URLParam(r, "desired_state")

	lookback := h.durationParam(r, "lookback_seconds", h.defaults.Lookback)
	timeout := h.durationParam(r, "timeout_seconds", h.defaults.Timeout)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := h.manager.Subscribe(r.Context(), cache.Params{
		Recipient: walletID,
		GroupID:   r.URL.Query().Get("group_id"),
		Topic:     topic,
		Lookback:  lookback,
		Timeout:   timeout,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	match := matchPredicate(field, fieldID, desiredState)
	oneShot := desiredState != "" || (field != "" && fieldID != "")

	for ev := range sub.Events() {
		if !match(ev) {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		if oneShot {
			return
		}
	}
}

// matchPredicate builds the caller-side filter: exact match on an arbitrary
// payload field and/or the event state. Unset parts match everything.
func matchPredicate(field, fieldID, desiredState string) func(event.Event) bool {
	return func(ev event.Event) bool {
		if field != "" && fieldID != "" && ev.PayloadString(field) != fieldID {
			return false
		}
		if desiredState != "" && ev.State() != desiredState {
			return false
		}
		return true
	}
}

func (h *Handlers) durationParam(r *http.Request, name string, def time.Duration) time.Duration {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

// Live is the liveness probe: process-up is not enough, every background
// task has to be running or events are silently lost.
func (h *Handlers) Live(w http.ResponseWriter, r *http.Request) {
	for _, c := range h.checks {
		if !c.Healthy() {
			http.Error(w, "background task dead", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
