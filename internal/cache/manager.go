package cache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/didx-xyz/waypoint/internal/domain/event"
	"github.com/didx-xyz/waypoint/internal/eventstore"
)

// Store is the slice of the recent-event store the manager needs: a replay
// source for backfill plus the notification stream that wakes it.
type Store interface {
	QueryRange(ctx context.Context, recipientKey string, start, end time.Time) ([]event.Timestamped, error)
	QueryAt(ctx context.Context, recipientKey string, ts time.Time) ([]event.Timestamped, error)
	ListRecipients(ctx context.Context) ([]string, error)
	Notifications(ctx context.Context, maxRetries int) <-chan eventstore.Notification
}

type Config struct {
	MaxQueueSize          int
	MaxEventAge           time.Duration
	QueueCleanupPeriod    time.Duration
	ClientQueuePollPeriod time.Duration
	NotifyMaxRetries      int
}

// Key identifies one cached buffer. Keeping recipient and topic in a single
// composite key gives the sweep one cohesive entry to lock and delete.
type Key struct {
	Recipient string
	Topic     string
}

type entry struct {
	mu           sync.Mutex
	events       *ring
	lastAccessed time.Time

	// dead is set by the sweep while holding mu, after which the entry is
	// detached from the map. Writers that raced the sweep re-fetch.
	dead bool
}

// Manager owns the process-local event cache: bounded per-(recipient, topic)
// buffers fed by backfill and live notifications, served to per-client
// subscriptions, and swept when idle. It never shares these buffers across
// instances; the "don't miss events from before I subscribed" guarantee
// comes from backfill plus the lookback window.
type Manager struct {
	cfg   settings
	store Store
	log   *slog.Logger

	// fatal runs when the notification listener dies for good. Continuing
	// without it would silently stop event delivery, which is worse than a
	// visible crash.
	fatal func(error)

	mu    sync.RWMutex
	pairs map[Key]*entry

	incoming chan event.Timestamped

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started       atomic.Bool
	consumerBeat  atomic.Int64
	sweepBeat     atomic.Int64
	listenerAlive atomic.Bool
}

// settings is Config with defaults applied.
type settings struct {
	Config
	seenCapacity int
}

func New(c Config, store Store, log *slog.Logger) *Manager {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 50
	}
	if c.MaxEventAge <= 0 {
		c.MaxEventAge = time.Minute
	}
	if c.QueueCleanupPeriod <= 0 {
		c.QueueCleanupPeriod = 30 * time.Second
	}
	if c.ClientQueuePollPeriod <= 0 {
		c.ClientQueuePollPeriod = 200 * time.Millisecond
	}
	if c.NotifyMaxRetries <= 0 {
		c.NotifyMaxRetries = 10
	}

	seenCap := 2 * c.MaxQueueSize
	if seenCap < 256 {
		seenCap = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      settings{Config: c, seenCapacity: seenCap},
		store:    store,
		log:      log.With("component", "cache-manager"),
		pairs:    make(map[Key]*entry),
		incoming: make(chan event.Timestamped, 512),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.fatal = func(err error) {
		m.log.Error("liveness-critical task died", "error", err)
		os.Exit(1)
	}
	return m
}

// Start launches the backfill, notification-listener, incoming-consumer and
// cleanup-sweep tasks. Each is an independent failure domain.
func (m *Manager) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	now := time.Now().UnixNano()
	m.consumerBeat.Store(now)
	m.sweepBeat.Store(now)
	m.listenerAlive.Store(true)

	m.wg.Add(3)
	go m.notifyLoop()
	go m.consumeLoop()
	go m.sweepLoop()

	// Backfill runs once and is not liveness-tracked.
	m.wg.Add(1)
	go m.backfill()

	m.log.Info("cache manager started",
		"max_queue_size", m.cfg.MaxQueueSize,
		"max_event_age", m.cfg.MaxEventAge)
}

// Stop cancels the background tasks and waits for them.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.log.Info("cache manager stopped")
}

// Healthy reports whether the liveness-critical tasks are still running.
// A silently dead task means missed events, so the probe has to look at
// heartbeats rather than process-up.
func (m *Manager) Healthy() bool {
	if !m.started.Load() {
		return false
	}
	now := time.Now()
	consumerOK := now.Sub(time.Unix(0, m.consumerBeat.Load())) < 5*time.Second
	sweepOK := now.Sub(time.Unix(0, m.sweepBeat.Load())) < 2*m.cfg.QueueCleanupPeriod+5*time.Second
	return consumerOK && sweepOK && m.listenerAlive.Load()
}

// backfill replays the store's recent window for every known recipient into
// the incoming channel. Errors are logged, never fatal: a partial backfill
// is still better than none, and live ingestion is already running.
func (m *Manager) backfill() {
	defer m.wg.Done()

	recipients, err := m.store.ListRecipients(m.ctx)
	if err != nil {
		m.log.Warn("recipient scan incomplete, backfilling what we have", "error", err, "found", len(recipients))
	}

	now := time.Now()
	since := now.Add(-m.cfg.MaxEventAge)
	total := 0
	for _, r := range recipients {
		evs, err := m.store.QueryRange(m.ctx, r, since, now)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.log.Warn("backfill query failed", "recipient", r, "error", err)
			continue
		}
		for _, ev := range evs {
			select {
			case m.incoming <- ev:
				total++
			case <-m.ctx.Done():
				return
			}
		}
	}
	m.log.Info("backfill complete", "recipients", len(recipients), "events", total)
}

// notifyLoop turns store notifications into incoming events by re-reading
// the store at the notified timestamp. The notification stream closing while
// the manager is still running is fatal: the cache would silently go stale.
func (m *Manager) notifyLoop() {
	defer m.wg.Done()

	ch := m.store.Notifications(m.ctx, m.cfg.NotifyMaxRetries)
	for {
		select {
		case <-m.ctx.Done():
			m.listenerAlive.Store(false)
			return
		case n, ok := <-ch:
			if !ok {
				m.listenerAlive.Store(false)
				if m.ctx.Err() == nil {
					m.fatal(errors.New("notification stream terminated"))
				}
				return
			}
			evs, err := m.store.QueryAt(m.ctx, n.RecipientKey, n.Time)
			if err != nil {
				if m.ctx.Err() != nil {
					continue
				}
				m.log.Warn("notification re-read failed", "recipient", n.RecipientKey, "error", err)
				continue
			}
			for _, ev := range evs {
				if err := ev.Event.Validate(); err != nil {
					m.log.Warn("dropping invalid event", "recipient", n.RecipientKey, "error", err)
					continue
				}
				select {
				case m.incoming <- ev:
				case <-m.ctx.Done():
					m.listenerAlive.Store(false)
					return
				}
			}
		}
	}
}

// consumeLoop moves incoming events into the buffers one at a time, which
// preserves enqueue order exactly.
func (m *Manager) consumeLoop() {
	defer m.wg.Done()

	beat := time.NewTicker(time.Second)
	defer beat.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-beat.C:
			m.consumerBeat.Store(time.Now().UnixNano())
		case ev := <-m.incoming:
			m.consumerBeat.Store(time.Now().UnixNano())
			m.insert(ev)
		}
	}
}

func (m *Manager) insert(ev event.Timestamped) {
	k := Key{Recipient: ev.Event.WalletID, Topic: ev.Event.Topic}

	for {
		m.mu.RLock()
		e, ok := m.pairs[k]
		m.mu.RUnlock()

		if !ok {
			m.mu.Lock()
			if e, ok = m.pairs[k]; !ok {
				e = &entry{events: newRing(m.cfg.MaxQueueSize)}
				m.pairs[k] = e
			}
			m.mu.Unlock()
		}

		e.mu.Lock()
		if e.dead {
			// Lost a race with the sweep; the entry is detached. Try again.
			e.mu.Unlock()
			continue
		}
		evicted := e.events.push(ev)
		e.lastAccessed = time.Now()
		e.mu.Unlock()

		eventsCached.Inc()
		if evicted {
			eventsEvicted.Inc()
		}
		return
	}
}

// sweepLoop removes (recipient, topic) pairs nobody has touched within
// MaxEventAge.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.QueueCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepBeat.Store(time.Now().UnixNano())
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	removed := 0
	m.mu.Lock()
	for k, e := range m.pairs {
		e.mu.Lock()
		if now.Sub(e.lastAccessed) > m.cfg.MaxEventAge {
			e.dead = true
			delete(m.pairs, k)
			removed++
		}
		e.mu.Unlock()
	}
	m.mu.Unlock()

	if removed > 0 {
		pairsSwept.Add(float64(removed))
		m.log.Debug("swept idle pairs", "removed", removed)
	}
}

// snapshot returns the cached events matching the recipient and topic,
// newest first, and refreshes the last-accessed time of every buffer it
// read. TopicAll collects every topic of the recipient; ordering across
// topics carries no guarantee beyond the timestamp sort applied here.
func (m *Manager) snapshot(recipient, topic string) []event.Timestamped {
	m.mu.RLock()
	var entries []*entry
	if topic == event.TopicAll {
		for k, e := range m.pairs {
			if k.Recipient == recipient {
				entries = append(entries, e)
			}
		}
	} else if e, ok := m.pairs[Key{Recipient: recipient, Topic: topic}]; ok {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	now := time.Now()
	var out []event.Timestamped
	for _, e := range entries {
		e.mu.Lock()
		if !e.dead {
			out = append(out, e.events.snapshotNewestFirst()...)
			e.lastAccessed = now
		}
		e.mu.Unlock()
	}

	if len(entries) > 1 {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	}
	return out
}
