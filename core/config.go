package core

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the scheduling core recognizes, plus the
// operational knobs this implementation adds on top.
//
// Configuration uses a three-layer priority: defaults (lowest),
// environment variables (medium), functional options (highest, applied
// last by NewConfig).
type Config struct {
	// MaxRetries is the retry cap before a Transforming view becomes
	// Failed.
	MaxRetries int `json:"max_retries" env:"VIEWSCHED_MAX_RETRIES" default:"5"`

	// RetryBackoffCap bounds the 2^retry backoff curve.
	RetryBackoffCap time.Duration `json:"retry_backoff_cap" env:"VIEWSCHED_RETRY_BACKOFF_CAP" default:"300s"`

	// MetadataFetchTimeout bounds external-view metadata lookups.
	MetadataFetchTimeout time.Duration `json:"metadata_fetch_timeout" env:"VIEWSCHED_METADATA_FETCH_TIMEOUT" default:"10s"`

	// TransformWorkerCount bounds how many Transform actions the
	// executor's worker pool runs concurrently. It is unrelated to
	// supervisor/inbox concurrency, which is unbounded (one goroutine per
	// view, all draining independently); BootstrapParallelism below only
	// bounds startup priming.
	TransformWorkerCount int `json:"transform_worker_count" env:"VIEWSCHED_TRANSFORM_WORKERS" default:"32"`

	// BootstrapParallelism bounds the concurrent metadata fetches the
	// router performs while priming supervisors at startup.
	BootstrapParallelism int `json:"bootstrap_parallelism" env:"VIEWSCHED_BOOTSTRAP_PARALLELISM" default:"16"`

	// CircuitBreakerVolumeThreshold is the minimum number of Transform
	// submissions before a table's breaker considers tripping.
	CircuitBreakerVolumeThreshold int `json:"circuit_breaker_volume_threshold" env:"VIEWSCHED_CB_VOLUME_THRESHOLD" default:"3"`

	// InboxBufferSize bounds how many unconsumed messages a supervisor's
	// channel inbox holds before Forward blocks the caller.
	InboxBufferSize int `json:"inbox_buffer_size" env:"VIEWSCHED_INBOX_BUFFER" default:"64"`

	// RedisURL, when set, selects the Redis-backed metadata store;
	// otherwise the in-memory store is used.
	RedisURL string `json:"redis_url" env:"VIEWSCHED_REDIS_URL"`

	// LogLevel and LogFormat configure telemetry.Logger.
	LogLevel  string `json:"log_level" env:"VIEWSCHED_LOG_LEVEL" default:"INFO"`
	LogFormat string `json:"log_format" env:"VIEWSCHED_LOG_FORMAT" default:"text"`
}

// Option mutates a Config during construction; applied after defaults and
// environment variables, so options always win.
type Option func(*Config)

// WithMaxRetries overrides the retry cap.
func WithMaxRetries(n int) Option { return func(c *Config) { c.MaxRetries = n } }

// WithRetryBackoffCap overrides the backoff ceiling.
func WithRetryBackoffCap(d time.Duration) Option { return func(c *Config) { c.RetryBackoffCap = d } }

// WithRedisURL selects the Redis-backed metadata store.
func WithRedisURL(url string) Option { return func(c *Config) { c.RedisURL = url } }

// WithTransformWorkerCount overrides the executor worker pool size.
func WithTransformWorkerCount(n int) Option {
	return func(c *Config) { c.TransformWorkerCount = n }
}

// NewConfig builds a Config from defaults, then environment variables,
// then the supplied options, in that priority order.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{
		MaxRetries:                    5,
		RetryBackoffCap:               300 * time.Second,
		MetadataFetchTimeout:          10 * time.Second,
		TransformWorkerCount:          32,
		BootstrapParallelism:          16,
		CircuitBreakerVolumeThreshold: 3,
		InboxBufferSize:               64,
		LogLevel:                      "INFO",
		LogFormat:                     "text",
	}

	applyEnv(c)

	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("VIEWSCHED_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("VIEWSCHED_RETRY_BACKOFF_CAP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RetryBackoffCap = d
		}
	}
	if v := os.Getenv("VIEWSCHED_METADATA_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.MetadataFetchTimeout = d
		}
	}
	if v := os.Getenv("VIEWSCHED_TRANSFORM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TransformWorkerCount = n
		}
	}
	if v := os.Getenv("VIEWSCHED_BOOTSTRAP_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BootstrapParallelism = n
		}
	}
	if v := os.Getenv("VIEWSCHED_CB_VOLUME_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CircuitBreakerVolumeThreshold = n
		}
	}
	if v := os.Getenv("VIEWSCHED_INBOX_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.InboxBufferSize = n
		}
	}
	if v := os.Getenv("VIEWSCHED_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("VIEWSCHED_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("VIEWSCHED_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
}

// Validate rejects configurations the scheduling core cannot run under.
func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0, got %d", ErrInvalidConfig, c.MaxRetries)
	}
	if c.RetryBackoffCap <= 0 {
		return fmt.Errorf("%w: retry backoff cap must be positive", ErrInvalidConfig)
	}
	if c.TransformWorkerCount <= 0 {
		return fmt.Errorf("%w: transform worker count must be positive", ErrInvalidConfig)
	}
	if c.InboxBufferSize <= 0 {
		return fmt.Errorf("%w: inbox buffer size must be positive", ErrInvalidConfig)
	}
	return nil
}
