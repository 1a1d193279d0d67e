package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/didx-xyz/waypoint/internal/cache"
	"github.com/didx-xyz/waypoint/internal/domain/event"
	"github.com/didx-xyz/waypoint/internal/eventstore"
)

type fakeStore struct {
	mu     sync.Mutex
	events map[string][]event.Timestamped
	notif  chan eventstore.Notification
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events: make(map[string][]event.Timestamped),
		notif:  make(chan eventstore.Notification, 16),
	}
}

func (f *fakeStore) push(key string, ev event.Event, ts time.Time) {
	f.mu.Lock()
	f.events[key] = append(f.events[key], event.Timestamped{Time: ts, Event: ev})
	f.mu.Unlock()
	f.notif <- eventstore.Notification{RecipientKey: key, Time: ts}
}

func (f *fakeStore) QueryRange(_ context.Context, key string, start, end time.Time) ([]event.Timestamped, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []event.Timestamped
	for _, tev := range f.events[key] {
		if !tev.Time.Before(start) && !tev.Time.After(end) {
			out = append(out, tev)
		}
	}
	return out, nil
}

func (f *fakeStore) QueryAt(ctx context.Context, key string, ts time.Time) ([]event.Timestamped, error) {
	return f.QueryRange(ctx, key, ts, ts)
}

func (f *fakeStore) ListRecipients(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.events))
	for k := range f.events {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeStore) Notifications(context.Context, int) <-chan eventstore.Notification {
	return f.notif
}

type fakePublisher struct {
	mu        sync.Mutex
	published []event.Event
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, _ string, ev event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, ev)
	return nil
}

type staticCheck bool

func (s staticCheck) Healthy() bool { return bool(s) }

func newTestRouter(t *testing.T, store *fakeStore, pub Publisher, checks ...LivenessCheck) http.Handler {
	t.Helper()
	m := cache.New(cache.Config{
		MaxQueueSize:          10,
		MaxEventAge:           time.Minute,
		QueueCleanupPeriod:    time.Second,
		ClientQueuePollPeriod: 10 * time.Millisecond,
	}, store, slog.Default())
	m.Start()
	t.Cleanup(m.Stop)

	h := NewHandlers(m, pub, Defaults{Lookback: time.Minute, Timeout: 5 * time.Second}, checks...)
	return NewRouter(h)
}

func credEvent(state, threadID string) event.Event {
	return event.Event{
		WalletID: "w1",
		Topic:    event.TopicCredentials,
		Origin:   "agent",
		Payload:  map[string]any{"state": state, "thread_id": threadID},
	}
}

// sseEvents parses the data: lines out of an SSE body.
func sseEvents(t *testing.T, body string) []event.Event {
	t.Helper()
	var out []event.Event
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev event.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		out = append(out, ev)
	}
	return out
}

func TestStreamClosesAfterDesiredStateMatch(t *testing.T) {
	store := newFakeStore()
	router := newTestRouter(t, store, nil)

	now := time.Now()
	store.push("w1", credEvent("offer-received", "t1"), now.Add(-2*time.Second))
	store.push("w1", credEvent("done", "t1"), now.Add(-time.Second))

	req := httptest.NewRequest(http.MethodGet,
		"/sse/w1/credentials/thread_id/t1/done?timeout_seconds=3", nil)
	rec := httptest.NewRecorder()

	start := time.Now()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 1, "intermediate state must be filtered out")
	assert.Equal(t, "done", events[0].State())
	assert.Less(t, time.Since(start), 3*time.Second, "stream must close on first match, not run out the timeout")
}

func TestStreamYieldsCachedEventWithinLookback(t *testing.T) {
	store := newFakeStore()
	router := newTestRouter(t, store, nil)

	store.push("w1", credEvent("offer-received", "t1"), time.Now())

	req := httptest.NewRequest(http.MethodGet,
		"/sse/w1/credentials/state/offer-received?timeout_seconds=3", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "offer-received", events[0].State())
}

func TestStreamTimeoutProducesEmptyStream(t *testing.T) {
	router := newTestRouter(t, newFakeStore(), nil)

	req := httptest.NewRequest(http.MethodGet, "/sse/w1/credentials?timeout_seconds=0.3", nil)
	rec := httptest.NewRecorder()

	start := time.Now()
	router.ServeHTTP(rec, req)
	elapsed := time.Since(start)

	// no match within the window is a normal outcome, not an error
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, sseEvents(t, rec.Body.String()))
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestStreamIsolatesWallets(t *testing.T) {
	store := newFakeStore()
	router := newTestRouter(t, store, nil)

	other := credEvent("done", "t9")
	other.WalletID = "w2"
	store.push("w2", other, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/sse/w1?timeout_seconds=0.3", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Empty(t, sseEvents(t, rec.Body.String()))
}

func TestPublishEvent(t *testing.T) {
	pub := &fakePublisher{}
	router := newTestRouter(t, newFakeStore(), pub)

	body := `{"wallet_id":"w1","topic":"credentials","payload":{"state":"offer-received"}}`
	req := httptest.NewRequest(http.MethodPost, "/internal/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.published, 1)
	assert.Equal(t, "w1", pub.published[0].WalletID)
}

func TestPublishEventRejectsInvalidBody(t *testing.T) {
	pub := &fakePublisher{}
	router := newTestRouter(t, newFakeStore(), pub)

	for _, body := range []string{`not json`, `{"topic":"credentials"}`} {
		req := httptest.NewRequest(http.MethodPost, "/internal/events", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	assert.Empty(t, pub.published)
}

func TestLivenessProbeReflectsBackgroundTasks(t *testing.T) {
	router := newTestRouter(t, newFakeStore(), nil, staticCheck(true))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	router = newTestRouter(t, newFakeStore(), nil, staticCheck(true), staticCheck(false))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
