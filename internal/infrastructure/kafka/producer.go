package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/didx-xyz/waypoint/internal/domain/event"
)

// ErrConnection marks a publish that failed after exhausting its retries.
var ErrConnection = errors.New("kafka: connection failed")

type ProducerConfig struct {
	Brokers    []string
	Topic      string
	MaxRetries int
	RetryDelay time.Duration
}

// Deduper is the optional duplicate-suppression check applied before a
// publish. A nil Deduper disables it.
type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	cfg    ProducerConfig
	writer messageWriter
	dedup  Deduper
	log    *slog.Logger
}

func NewProducer(cfg ProducerConfig, dedup Deduper, log *slog.Logger) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            1, // retries are handled in Publish
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		cfg:    cfg,
		writer: w,
		dedup:  dedup,
		log:    log.With("component", "kafka-producer"),
	}
}

// Publish serializes the event and writes it keyed by the recipient so all
// events of one recipient land on one partition. The content hash travels as
// a dedup-id header; when a Deduper is configured, an already-seen hash is
// logged and skipped rather than treated as an error.
func (p *Producer) Publish(ctx context.Context, key string, ev event.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	dedupID := ev.Hash()
	if p.dedup != nil {
		first, err := p.dedup.FirstSeen(ctx, dedupID)
		if err != nil {
			p.log.Warn("dedup check failed, publishing anyway", "error", err)
		} else if !first {
			p.log.Info("duplicate event, skipping publish", "dedup_id", dedupID, "topic", ev.Topic)
			return nil
		}
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "dedup-id", Value: []byte(dedupID)},
			{Key: "event-topic", Value: []byte(ev.Topic)},
			{Key: "event-state", Value: []byte(ev.State())},
			{Key: "event-origin", Value: []byte(ev.Origin)},
			{Key: "event-ts", Value: []byte(strconv.FormatInt(time.Now().UnixNano(), 10))},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			p.log.Warn("publish failed, retrying", "attempt", attempt, "max", p.cfg.MaxRetries, "error", lastErr)
			select {
			case <-time.After(p.cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if lastErr = p.writer.WriteMessages(ctx, msg); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w: publish after %d attempts: %v", ErrConnection, p.cfg.MaxRetries+1, lastErr)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
