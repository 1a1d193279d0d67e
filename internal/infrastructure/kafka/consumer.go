package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

var (
	// ErrFetchTimeout is the expected steady-state result of a fetch during
	// a quiescent period. Callers loop past it.
	ErrFetchTimeout = errors.New("kafka: fetch timed out")

	// ErrFatal marks errors the consumer cannot recover from (authorization
	// failure, no brokers). The caller owns the decision to terminate.
	ErrFatal = errors.New("kafka: fatal consumer error")

	// ErrNoSubscription is returned by Fetch before Subscribe.
	ErrNoSubscription = errors.New("kafka: not subscribed")
)

type ConsumerConfig struct {
	Brokers []string
	Topic   string

	// FetchTimeout is the per-fetch deadline, expected to be sub-second.
	FetchTimeout time.Duration

	// MaxTimeoutErrors is how many consecutive fetch timeouts are tolerated
	// before the reader is torn down and recreated. A stalled server-side
	// consumer looks exactly like a quiet topic, so the threshold is the
	// only way to tell them apart.
	MaxTimeoutErrors int
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	SetOffsetAt(ctx context.Context, t time.Time) error
	Close() error
}

// Consumer is a pull consumer positioned by time rather than by committed
// group offset: a restart replays the look-back window, which is the
// recovery mechanism for this service. Ack only advances the in-memory
// watermark used when resubscribing mid-flight. One goroutine fetches;
// Ack and Close may be called from others.
type Consumer struct {
	cfg ConsumerConfig
	log *slog.Logger

	// newReader is swapped out in tests.
	newReader func() messageReader

	mu        sync.Mutex
	reader    messageReader
	watermark time.Time
	timeouts  int
}

func NewConsumer(cfg ConsumerConfig, log *slog.Logger) *Consumer {
	c := &Consumer{
		cfg: cfg,
		log: log.With("component", "kafka-consumer"),
	}
	c.newReader = func() messageReader {
		dialer := &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: false, // Force IPv4
		}
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			MinBytes: 1,    // Process immediately
			MaxBytes: 10e6, // 10MB
			MaxWait:  cfg.FetchTimeout,
			Dialer:   dialer,
		})
	}
	return c
}

// Subscribe creates a reader delivering messages from start onward.
func (c *Consumer) Subscribe(ctx context.Context, start time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribe(ctx, start)
}

// subscribe expects c.mu held.
func (c *Consumer) subscribe(ctx context.Context, start time.Time) error {
	r := c.newReader()
	if err := r.SetOffsetAt(ctx, start); err != nil {
		r.Close()
		return fmt.Errorf("position reader at %s: %w", start, err)
	}
	c.reader = r
	c.watermark = start
	c.timeouts = 0
	return nil
}

// Fetch returns the next message. Timeouts come back as ErrFetchTimeout;
// once more than MaxTimeoutErrors arrive consecutively, the reader is
// unsubscribed and resubscribed at the last acked watermark before the next
// call. Fatal broker errors come back wrapped in ErrFatal.
func (c *Consumer) Fetch(ctx context.Context) (kafka.Message, error) {
	c.mu.Lock()
	r := c.reader
	c.mu.Unlock()
	if r == nil {
		return kafka.Message{}, ErrNoSubscription
	}

	// The lock is not held across the blocking fetch: a concurrent Close
	// closes the reader underneath it, which unblocks FetchMessage.
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	msg, err := r.FetchMessage(fetchCtx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.timeouts = 0
		return msg, nil
	}
	if ctx.Err() != nil {
		return kafka.Message{}, ctx.Err()
	}
	if c.reader == nil {
		return kafka.Message{}, ErrNoSubscription
	}

	if errors.Is(err, context.DeadlineExceeded) {
		c.timeouts++
		c.log.Debug("fetch timeout", "consecutive", c.timeouts)
		if c.timeouts > c.cfg.MaxTimeoutErrors {
			c.log.Warn("too many consecutive fetch timeouts, resubscribing",
				"count", c.timeouts, "max", c.cfg.MaxTimeoutErrors)
			if rerr := c.resubscribe(ctx); rerr != nil {
				return kafka.Message{}, rerr
			}
		}
		return kafka.Message{}, ErrFetchTimeout
	}

	if isFatal(err) {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return kafka.Message{}, fmt.Errorf("fetch message: %w", err)
}

// Ack records the message as processed so a resubscribe resumes after it.
func (c *Consumer) Ack(msg kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msg.Time.After(c.watermark) {
		c.watermark = msg.Time
	}
}

// resubscribe expects c.mu held.
func (c *Consumer) resubscribe(ctx context.Context) error {
	if err := c.reader.Close(); err != nil {
		// A bad subscription at teardown is not a reason to stay stuck on
		// the old reader; log and move on to the new one.
		c.log.Warn("unsubscribe failed", "error", err)
	}
	c.reader = nil

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = c.subscribe(ctx, c.watermark); lastErr == nil {
			c.log.Info("resubscribed", "from", c.watermark)
			return nil
		}
		c.log.Warn("resubscribe failed", "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("%w: resubscribe: %v", ErrFatal, lastErr)
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil
	}
	err := c.reader.Close()
	c.reader = nil
	return err
}

func isFatal(err error) bool {
	if errors.Is(err, kafka.SASLAuthenticationFailed) ||
		errors.Is(err, kafka.TopicAuthorizationFailed) ||
		errors.Is(err, kafka.GroupAuthorizationFailed) ||
		errors.Is(err, kafka.ClusterAuthorizationFailed) {
		return true
	}
	// kafka-go surfaces an empty broker list as a plain error.
	return strings.Contains(err.Error(), "no servers available")
}
