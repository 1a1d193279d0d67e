package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	go_redis "github.com/redis/go-redis/v9"

	"github.com/didx-xyz/waypoint/internal/config"
	"github.com/didx-xyz/waypoint/internal/infrastructure/kafka"
	"github.com/didx-xyz/waypoint/internal/infrastructure/redis"
)

// Factory builds the infrastructure clients lazily and hands out singletons.
// Construction is explicit and passed down; nothing here is package-level
// state.
type Factory struct {
	cfg *config.Config
	log *slog.Logger

	redisCli *go_redis.Client
	producer *kafka.Producer
	consumer *kafka.Consumer
}

func NewFactory(cfg *config.Config, log *slog.Logger) *Factory {
	return &Factory{
		cfg: cfg,
		log: log,
	}
}

func (f *Factory) Redis(ctx context.Context) (*go_redis.Client, error) {
	if f.redisCli != nil {
		return f.redisCli, nil
	}

	var client *go_redis.Client
	var err error

	// Retry connection up to 5 times
	for i := 0; i < 5; i++ {
		client, err = redis.NewClient(ctx, redis.Config{
			Addr:     f.cfg.Redis.Addr,
			Password: f.cfg.Redis.Password,
			DB:       f.cfg.Redis.DB,
		})
		if err == nil {
			break
		}
		f.log.Warn("failed to connect to redis, retrying in 2s", "attempt", i+1, "max", 5, "error", err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to init redis after retries: %w", err)
	}

	f.redisCli = client
	return client, nil
}

func (f *Factory) KafkaProducer(ctx context.Context) (*kafka.Producer, error) {
	if f.producer != nil {
		return f.producer, nil
	}

	redisCli, err := f.Redis(ctx)
	if err != nil {
		return nil, err
	}

	f.producer = kafka.NewProducer(kafka.ProducerConfig{
		Brokers:    f.cfg.Kafka.Brokers,
		Topic:      f.cfg.Kafka.Topic,
		MaxRetries: f.cfg.Kafka.PublishRetries,
		RetryDelay: f.cfg.Kafka.PublishDelay,
	}, redis.NewDeduper(redisCli, f.cfg.Kafka.DedupTTL), f.log)

	return f.producer, nil
}

func (f *Factory) KafkaConsumer() *kafka.Consumer {
	if f.consumer != nil {
		return f.consumer
	}

	f.consumer = kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:          f.cfg.Kafka.Brokers,
		Topic:            f.cfg.Kafka.Topic,
		FetchTimeout:     f.cfg.Kafka.FetchTimeout,
		MaxTimeoutErrors: f.cfg.Kafka.MaxTimeoutErrors,
	}, f.log)

	return f.consumer
}

func (f *Factory) Close() {
	if f.producer != nil {
		f.producer.Close()
	}
	if f.consumer != nil {
		f.consumer.Close()
	}
	if f.redisCli != nil {
		f.redisCli.Close()
	}
}
