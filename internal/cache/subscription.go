package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/didx-xyz/waypoint/internal/domain/event"
)

// Params describe one client subscription. Topic may be event.TopicAll to
// stream every topic of the recipient. Timeout zero means no deadline;
// cancellation then comes from the caller's context or Close.
type Params struct {
	Recipient string
	GroupID   string
	Topic     string
	Lookback  time.Duration
	Timeout   time.Duration
}

var ErrMissingRecipient = errors.New("cache: subscription needs a recipient")

// Subscription is one client's view of the cache: a populate goroutine
// polls the matching buffers and a delivery goroutine hands events to
// Events(). The stop channel is the single source of truth unwinding both.
type Subscription struct {
	id  string
	log *slog.Logger

	out    chan event.Event
	notify chan struct{}

	mu      sync.Mutex
	pending []event.Event
	seen    *seenRing

	stop     chan struct{}
	stopOnce sync.Once
}

// Subscribe registers a new subscription. The returned subscription is live
// immediately; already-cached events within the lookback window arrive on
// the first poll. A timeout with no matching event ends the stream cleanly:
// Events() closes without ever producing, which is an expected outcome, not
// an error.
func (m *Manager) Subscribe(ctx context.Context, p Params) (*Subscription, error) {
	if p.Recipient == "" {
		return nil, ErrMissingRecipient
	}
	if p.Topic == "" {
		p.Topic = event.TopicAll
	}

	s := &Subscription{
		id:     uuid.NewString(),
		out:    make(chan event.Event),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		seen:   newSeenRing(m.cfg.seenCapacity),
	}
	s.log = m.log.With("subscription", s.id, "recipient", p.Recipient, "topic", p.Topic)

	since := time.Now().Add(-p.Lookback)
	activeSubscriptions.Inc()

	go s.populate(m, p, since)
	go s.deliver(ctx, p.Timeout)

	s.log.Debug("subscription opened", "lookback", p.Lookback, "timeout", p.Timeout)
	return s, nil
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string {
	return s.id
}

// Events is the stream of matching events. It closes when the subscription
// times out, the caller's context ends, or Close is called.
func (s *Subscription) Events() <-chan event.Event {
	return s.out
}

// Close stops both subscription goroutines. Idempotent.
func (s *Subscription) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// populate polls the matching buffers every poll period and appends events
// newer than since that this subscription has not delivered yet. The
// private pending list is unbounded so a slow consumer never blocks the
// poll.
func (s *Subscription) populate(m *Manager, p Params, since time.Time) {
	ticker := time.NewTicker(m.cfg.ClientQueuePollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-m.ctx.Done():
			s.Close()
			return
		case <-ticker.C:
		}

		snap := m.snapshot(p.Recipient, p.Topic)
		s.seen.ensure(len(snap))

		added := false
		for _, tev := range snap {
			if tev.Time.Before(since) {
				continue
			}
			if p.GroupID != "" && tev.Event.GroupID != p.GroupID {
				continue
			}
			key := fmt.Sprintf("%s:%d", tev.Event.Hash(), tev.Time.UnixNano())
			if s.seen.contains(key) {
				continue
			}
			s.seen.add(key)

			s.mu.Lock()
			s.pending = append(s.pending, tev.Event)
			s.mu.Unlock()
			added = true
		}

		if added {
			select {
			case s.notify <- struct{}{}:
			default:
			}
		}
	}
}

// deliver moves pending events to the out channel until the deadline, the
// caller's context, or the stop flag ends the subscription.
func (s *Subscription) deliver(ctx context.Context, timeout time.Duration) {
	defer func() {
		s.Close()
		close(s.out)
		activeSubscriptions.Dec()
		s.log.Debug("subscription closed")
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		ev, ok := s.pop()
		if !ok {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			case <-deadline:
				return
			case <-s.notify:
				continue
			}
		}

		select {
		case s.out <- ev:
			eventsDelivered.Inc()
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-deadline:
			return
		}
	}
}

func (s *Subscription) pop() (event.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return event.Event{}, false
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, true
}
