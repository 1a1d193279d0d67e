package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/didx-xyz/waypoint/internal/domain/event"
)

const (
	keyPrefix     = "waypoint:events:"
	notifyChannel = "waypoint:notifications"
)

// RecipientKey builds the store key for a wallet, group-scoped when a group
// id is present.
func RecipientKey(groupID, walletID string) string {
	if groupID != "" {
		return groupID + ":" + walletID
	}
	return walletID
}

// Notification is the minimal wake-up message published alongside every
// append. It carries no payload; receivers re-read the events at the exact
// timestamp, so the authoritative data is fetched once per listener instead
// of duplicated on the notification path.
type Notification struct {
	RecipientKey string
	Time         time.Time
}

func (n Notification) payload() string {
	return fmt.Sprintf("%s:%d", n.RecipientKey, n.Time.UnixNano())
}

func parseNotification(payload string) (Notification, bool) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 || i == len(payload)-1 {
		return Notification{}, false
	}
	ns, err := strconv.ParseInt(payload[i+1:], 10, 64)
	if err != nil {
		return Notification{}, false
	}
	return Notification{RecipientKey: payload[:i], Time: time.Unix(0, ns)}, true
}

// Store keeps a bounded time window of recent events per recipient in a
// Redis sorted set scored by timestamp, and publishes change notifications
// on a pub/sub channel. It is shared state: several cache-manager instances
// may read it, so it is a replay source, never the primary cache.
type Store struct {
	client *redis.Client
	maxAge time.Duration
	log    *slog.Logger
}

func New(client *redis.Client, maxAge time.Duration, log *slog.Logger) *Store {
	return &Store{
		client: client,
		maxAge: maxAge,
		log:    log.With("component", "eventstore"),
	}
}

// Append writes the event scored by its timestamp, trims entries that have
// aged out, and publishes the notification. Re-appending an identical event
// at the same timestamp is a no-op in the sorted set, which is what makes
// at-least-once redelivery harmless here.
func (s *Store) Append(ctx context.Context, recipientKey string, ev event.Event, ts time.Time) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := keyPrefix + recipientKey
	if err := s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(ts.UnixNano()),
		Member: raw,
	}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", recipientKey, err)
	}

	// Best effort; readers exclude stale entries by score anyway.
	cutoff := ts.Add(-s.maxAge).UnixNano()
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff)).Err(); err != nil {
		s.log.Debug("trim failed", "recipient", recipientKey, "error", err)
	}

	n := Notification{RecipientKey: recipientKey, Time: ts}
	if err := s.client.Publish(ctx, notifyChannel, n.payload()).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// QueryRange returns events with timestamps in [start, end], ascending.
// Members that fail to parse are skipped with a warning.
func (s *Store) QueryRange(ctx context.Context, recipientKey string, start, end time.Time) ([]event.Timestamped, error) {
	res, err := s.client.ZRangeByScoreWithScores(ctx, keyPrefix+recipientKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixNano(), 10),
		Max: strconv.FormatInt(end.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", recipientKey, err)
	}

	out := make([]event.Timestamped, 0, len(res))
	for _, z := range res {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(member), &ev); err != nil {
			s.log.Warn("skipping unparseable stored event", "recipient", recipientKey, "error", err)
			continue
		}
		out = append(out, event.Timestamped{Time: time.Unix(0, int64(z.Score)), Event: ev})
	}
	return out, nil
}

// QueryAt returns the events stored at exactly ts, the re-read half of the
// notification contract.
func (s *Store) QueryAt(ctx context.Context, recipientKey string, ts time.Time) ([]event.Timestamped, error) {
	return s.QueryRange(ctx, recipientKey, ts, ts)
}

// ListRecipients enumerates every recipient key that has events stored.
// Used only for startup backfill; a scan error returns the keys collected
// so far along with the error so the caller can still backfill partially.
func (s *Store) ListRecipients(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return keys, fmt.Errorf("scan recipients: %w", err)
	}
	return keys, nil
}

// Notifications subscribes to the notification channel and pumps parsed
// notifications into the returned channel. Subscription failures are
// retried up to maxRetries with a fixed delay; the channel closes when the
// context ends or the retry budget is exhausted. A close without context
// cancellation is the fatal signal: the store can no longer wake the cache.
func (s *Store) Notifications(ctx context.Context, maxRetries int) <-chan Notification {
	out := make(chan Notification, 64)

	go func() {
		defer close(out)

		retries := 0
		for {
			if ctx.Err() != nil {
				return
			}

			sub := s.client.Subscribe(ctx, notifyChannel)
			for {
				msg, err := sub.ReceiveMessage(ctx)
				if err != nil {
					break
				}
				retries = 0
				n, ok := parseNotification(msg.Payload)
				if !ok {
					s.log.Warn("dropping malformed notification", "payload", msg.Payload)
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					sub.Close()
					return
				}
			}
			sub.Close()

			if ctx.Err() != nil {
				return
			}
			retries++
			if retries > maxRetries {
				s.log.Error("notification subscription failed permanently", "retries", retries-1)
				return
			}
			s.log.Warn("notification subscription lost, reconnecting", "attempt", retries, "max", maxRetries)

			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
