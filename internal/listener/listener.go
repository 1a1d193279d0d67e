package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/didx-xyz/waypoint/internal/domain/event"
	"github.com/didx-xyz/waypoint/internal/eventstore"
	kafkainfra "github.com/didx-xyz/waypoint/internal/infrastructure/kafka"
)

var (
	eventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypoint_listener_events_ingested_total",
		Help: "The total number of events appended to the recent-event store",
	})
	parseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypoint_listener_parse_failures_total",
		Help: "The total number of unparseable bus messages dropped",
	})
	appendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waypoint_listener_append_failures_total",
		Help: "The total number of failed store appends",
	})
)

// Bus is the pull side of the durable bus.
type Bus interface {
	Subscribe(ctx context.Context, start time.Time) error
	Fetch(ctx context.Context) (kafka.Message, error)
	Ack(msg kafka.Message)
}

// Store is the append side of the recent-event store.
type Store interface {
	Append(ctx context.Context, recipientKey string, ev event.Event, ts time.Time) error
}

// Listener bridges raw bus messages into the recent-event store, which in
// turn notifies the cache. Messages are acked only after a successful
// append: a crash in between causes redelivery and a harmless duplicate.
type Listener struct {
	bus        Bus
	store      Store
	replay     time.Duration
	retryDelay time.Duration
	log        *slog.Logger

	beat atomic.Int64
}

func New(bus Bus, store Store, replay time.Duration, log *slog.Logger) *Listener {
	return &Listener{
		bus:        bus,
		store:      store,
		replay:     replay,
		retryDelay: time.Second,
		log:        log.With("component", "ingestion-listener"),
	}
}

// Run subscribes with a replay window covering the service's tolerable
// downtime and processes messages until the context ends or a fatal bus
// error surfaces. It returns nil on clean shutdown.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.bus.Subscribe(ctx, time.Now().Add(-l.replay)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	l.log.Info("ingestion listener started", "replay_window", l.replay)

	for {
		if ctx.Err() != nil {
			return nil
		}
		l.beat.Store(time.Now().UnixNano())

		msg, err := l.bus.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, kafkainfra.ErrFetchTimeout) {
				// Quiet topic; nothing to do.
				continue
			}
			if errors.Is(err, kafkainfra.ErrFatal) {
				return err
			}
			l.log.Error("failed to fetch message", "error", err)
			select {
			case <-time.After(l.retryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		l.process(ctx, msg)
	}
}

func (l *Listener) process(ctx context.Context, msg kafka.Message) {
	var ev event.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		// Poison message: never block the stream on one bad payload.
		l.log.Warn("dropping unparseable message", "offset", msg.Offset, "error", err)
		parseFailures.Inc()
		l.bus.Ack(msg)
		return
	}
	if err := ev.Validate(); err != nil {
		l.log.Warn("dropping invalid event", "offset", msg.Offset, "error", err)
		parseFailures.Inc()
		l.bus.Ack(msg)
		return
	}

	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	key := eventstore.RecipientKey(ev.GroupID, ev.WalletID)

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(l.retryDelay):
			case <-ctx.Done():
				return
			}
		}
		if err = l.store.Append(ctx, key, ev, ts); err == nil {
			l.bus.Ack(msg)
			eventsIngested.Inc()
			return
		}
	}

	// Not acked: the replay window redelivers it after a resubscribe or
	// restart, and the store tolerates the duplicate append.
	l.log.Error("append failed, leaving message unacked", "recipient", key, "error", err)
	appendFailures.Inc()
}

// Healthy reports whether the fetch loop ran recently.
func (l *Listener) Healthy() bool {
	return time.Since(time.Unix(0, l.beat.Load())) < 10*time.Second
}
