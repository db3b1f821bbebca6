package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository"`
	Cache      CacheConfig      `koanf:"cache"`
	EventBus   EventBusConfig   `koanf:"eventbus"`

	// Scoring pipeline
	History  HistoryConfig  `koanf:"history"`
	Rules    RuleThresholds `koanf:"rules"`
	Encoding EncodingConfig `koanf:"encoding"`
	Model    ModelConfig    `koanf:"model"`
	Worker   WorkerConfig   `koanf:"worker"`

	// Observability
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout  int    `koanf:"read_timeout" validate:"gte=0"`  // seconds
	WriteTimeout int    `koanf:"write_timeout" validate:"gte=0"` // seconds
}

// HistoryConfig tunes the history lookup service.
type HistoryConfig struct {
	LookupTimeout time.Duration `koanf:"lookup_timeout" validate:"gt=0"`
	CacheTTL      time.Duration `koanf:"cache_ttl"`

	// Known-customer bloom filter. The filter is rebuilt from the store
	// every BloomRefreshInterval. Customers imported by another process in
	// between are rejected as unknown until then, unless the importer can
	// announce them over a NATS event bus (kestrel.history.imported).
	BloomEnabled         bool          `koanf:"bloom_enabled"`
	BloomExpectedItems   uint          `koanf:"bloom_expected_items" validate:"required_if=BloomEnabled true"`
	BloomFalsePositive   float64       `koanf:"bloom_false_positive" validate:"gt=0,lt=1"`
	BloomRefreshInterval time.Duration `koanf:"bloom_refresh_interval" validate:"gte=0"`

	// Circuit breaker around the history store
	BreakerMaxRequests  uint32        `koanf:"breaker_max_requests"`
	BreakerInterval     time.Duration `koanf:"breaker_interval"`
	BreakerTimeout      time.Duration `koanf:"breaker_timeout"`
	BreakerFailureRatio float64       `koanf:"breaker_failure_ratio" validate:"gt=0,lte=1"`
	BreakerMinRequests  uint32        `koanf:"breaker_min_requests"`
}

// UnseenPolicy decides how the encoder treats category values it never saw.
type UnseenPolicy string

const (
	// UnseenMap encodes unseen values to the reserved UnseenCode.
	UnseenMap UnseenPolicy = "map"

	// UnseenReject fails with UnknownCategoryError.
	UnseenReject UnseenPolicy = "reject"
)

// EncodingConfig locates the fitted encoder artifact.
type EncodingConfig struct {
	Path         string       `koanf:"path" validate:"required"`
	UnseenPolicy UnseenPolicy `koanf:"unseen_policy" validate:"oneof=map reject"`
	UnseenCode   int          `koanf:"unseen_code"`
}

// ModelConfig locates the classifier artifact.
type ModelConfig struct {
	Path string `koanf:"path" validate:"required"`

	// MaxConcurrency bounds parallel Predict calls; 0 means GOMAXPROCS.
	MaxConcurrency int `koanf:"max_concurrency" validate:"gte=0"`
}

// WorkerConfig enables asynchronous scoring from the event bus.
type WorkerConfig struct {
	Enabled     bool `koanf:"enabled"`
	Concurrency int  `koanf:"concurrency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	ServiceName string  `koanf:"service_name"`
	Endpoint    string  `koanf:"endpoint"` // OTLP gRPC host:port
	Insecure    bool    `koanf:"insecure"`
	SampleRatio float64 `koanf:"sample_ratio" validate:"gte=0,lte=1"`
}

// DefaultConfig returns a single-node configuration backed by SQLite,
// an in-memory cache and in-process channels.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:       "sqlite",
			SQLitePath:   "./kestrel.db",
			SaveVerdicts: true,
		},
		Cache: CacheConfig{
			Type:           "memory",
			LocalMaxSize:   10000,
			LocalTTL:       30 * time.Second,
			RedisKeyPrefix: "kestrel:",
			RedisTimeout:   100 * time.Millisecond,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			RequestTimeout:    30 * time.Second,
			ChannelBufferSize: 1000,
			NATSQueueGroup:    "kestrel-scorers",
		},
		History: HistoryConfig{
			LookupTimeout:        2 * time.Second,
			CacheTTL:             30 * time.Second,
			BloomEnabled:         false,
			BloomExpectedItems:   1_000_000,
			BloomFalsePositive:   0.01,
			BloomRefreshInterval: 5 * time.Minute,
			BreakerMaxRequests:   3,
			BreakerInterval:      30 * time.Second,
			BreakerTimeout:       10 * time.Second,
			BreakerFailureRatio:  0.6,
			BreakerMinRequests:   5,
		},
		Rules: DefaultRuleThresholds(),
		Encoding: EncodingConfig{
			Path:         "./artifacts/encoders.json",
			UnseenPolicy: UnseenMap,
			UnseenCode:   -1,
		},
		Model: ModelConfig{
			Path: "./artifacts/model.json",
		},
		Worker: WorkerConfig{
			Enabled:     false,
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			Endpoint:    "localhost:4317",
			Insecure:    true,
			SampleRatio: 1.0,
		},
	}
}
