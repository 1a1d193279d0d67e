package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App   App   `yaml:"app"`
	HTTP  HTTP  `yaml:"http"`
	Log   Log   `yaml:"log"`
	Redis Redis `yaml:"redis"`
	Kafka Kafka `yaml:"kafka"`
	Cache Cache `yaml:"cache"`
	SSE   SSE   `yaml:"sse"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"waypoint"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"agent-events"`

	// ReplayWindow is how far back the ingestion listener positions its
	// consumer on startup; it bounds the tolerable downtime of the service.
	ReplayWindow time.Duration `yaml:"replay_window" env:"KAFKA_REPLAY_WINDOW" env-default:"60s"`

	// FetchTimeout is the per-call fetch deadline. Fetch timeouts are
	// steady-state noise; MaxTimeoutErrors consecutive ones trigger a
	// resubscribe cycle.
	FetchTimeout     time.Duration `yaml:"fetch_timeout" env:"KAFKA_FETCH_TIMEOUT" env-default:"500ms"`
	MaxTimeoutErrors int           `yaml:"max_timeout_errors" env:"KAFKA_MAX_TIMEOUT_ERRORS" env-default:"10"`

	PublishRetries int           `yaml:"publish_retries" env:"KAFKA_PUBLISH_RETRIES" env-default:"3"`
	PublishDelay   time.Duration `yaml:"publish_delay" env:"KAFKA_PUBLISH_DELAY" env-default:"1s"`

	// DedupTTL is how long a published event's content hash blocks
	// re-publication of an identical event.
	DedupTTL time.Duration `yaml:"dedup_ttl" env:"KAFKA_DEDUP_TTL" env-default:"60s"`
}

type Cache struct {
	// MaxQueueSize caps each (recipient, topic) buffer.
	MaxQueueSize int `yaml:"max_queue_size" env:"CACHE_MAX_QUEUE_SIZE" env-default:"50"`

	// MaxEventAge is both the backfill window and the idle-eviction
	// threshold for queue pairs.
	MaxEventAge time.Duration `yaml:"max_event_age" env:"CACHE_MAX_EVENT_AGE" env-default:"60s"`

	QueueCleanupPeriod    time.Duration `yaml:"queue_cleanup_period" env:"CACHE_QUEUE_CLEANUP_PERIOD" env-default:"30s"`
	ClientQueuePollPeriod time.Duration `yaml:"client_queue_poll_period" env:"CACHE_CLIENT_QUEUE_POLL_PERIOD" env-default:"200ms"`

	// NotifyMaxRetries bounds reconnect attempts of the notification
	// listener before the service gives up and exits.
	NotifyMaxRetries int `yaml:"notify_max_retries" env:"CACHE_NOTIFY_MAX_RETRIES" env-default:"10"`
}

type SSE struct {
	DefaultLookback time.Duration `yaml:"default_lookback" env:"SSE_DEFAULT_LOOKBACK" env-default:"60s"`
	DefaultTimeout  time.Duration `yaml:"default_timeout" env:"SSE_DEFAULT_TIMEOUT" env-default:"30s"`
}

func New() (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else {
		// Allow env vars to override config file
		cleanenv.ReadEnv(cfg)
	}

	return cfg, nil
}
