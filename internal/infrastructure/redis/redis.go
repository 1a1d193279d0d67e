package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string // optional
	DB       int    // optional
}

func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

// Deduper suppresses duplicate publishes by claiming a content hash with
// SETNX and a TTL. The first caller to claim a hash wins; everyone else is
// a duplicate until the TTL expires.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewDeduper(client *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{client: client, ttl: ttl}
}

// FirstSeen returns true if this is the first time id was claimed within
// the TTL window.
func (d *Deduper) FirstSeen(ctx context.Context, id string) (bool, error) {
	acquired, err := d.client.SetNX(ctx, "waypoint:dedup:"+id, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return acquired, nil
}
