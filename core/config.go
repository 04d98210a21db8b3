package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration options for the spine runtime.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithDatabaseURL("postgres://localhost/spine"),
//	    core.WithAPIPort(8000),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Tier selects the deployment profile (dev, standard, enterprise).
	// When empty it is inferred from the configured backends.
	Tier string `json:"tier" env:"SPINE_TIER"`

	// Database configuration
	Database DatabaseConfig `json:"database"`

	// HTTP API configuration
	API APIConfig `json:"api"`

	// Scheduler configuration
	Scheduler SchedulerConfig `json:"scheduler"`

	// Cache / event-bus backend configuration
	Cache CacheConfig `json:"cache"`

	// Worker (executor) configuration
	Worker WorkerConfig `json:"worker"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics"`

	// Tracing configuration
	Tracing TracingConfig `json:"tracing"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Retry policy applied by the dispatcher
	Retry RetryPolicyConfig `json:"retry"`

	// Shared connection URLs
	RedisURL string `json:"redis_url" env:"SPINE_REDIS_URL"`
	NATSURL  string `json:"nats_url" env:"SPINE_NATS_URL"`

	// WorkflowsDir is scanned for YAML workflow definitions. Empty
	// disables file loading.
	WorkflowsDir string `json:"workflows_dir" env:"SPINE_WORKFLOWS_DIR"`

	// ProfilesDir holds TOML profiles. Default: .spine/profiles
	ProfilesDir string `json:"profiles_dir" env:"SPINE_PROFILES_DIR"`
}

// DatabaseConfig selects the relational backend. Backend is one of
// sqlite, postgres. Default: sqlite with a local file.
type DatabaseConfig struct {
	URL     string `json:"url" env:"SPINE_DATABASE_URL"`
	Backend string `json:"backend" env:"SPINE_DATABASE_BACKEND"`
}

// APIConfig contains HTTP server settings. Default port: 8000.
type APIConfig struct {
	Port            int           `json:"port" env:"SPINE_API_PORT"`
	CORSOrigins     []string      `json:"cors_origins" env:"SPINE_CORS_ORIGINS"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	DevMode         bool          `json:"dev_mode"`
}

// SchedulerConfig controls the background tick loop. Backend is one of
// database, none. Default tick: 2s.
type SchedulerConfig struct {
	Backend      string        `json:"backend" env:"SPINE_SCHEDULER_BACKEND"`
	TickInterval time.Duration `json:"tick_interval"`
	BatchSize    int           `json:"batch_size"`
	LeaderTTL    time.Duration `json:"leader_ttl"`
}

// CacheConfig selects the cache/bus backend. Backend is one of memory,
// redis. Default: memory (in-process event bus).
type CacheConfig struct {
	Backend string `json:"backend" env:"SPINE_CACHE_BACKEND"`
}

// WorkerConfig selects the executor backend and its bounds. Backend is
// one of memory, local, asynclocal, redis, nats. Default: asynclocal.
type WorkerConfig struct {
	Backend        string        `json:"backend" env:"SPINE_WORKER_BACKEND"`
	MaxWorkers     int           `json:"max_workers"`
	MaxConcurrency int           `json:"max_concurrency"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	ResultCapacity int           `json:"result_capacity"`
}

// MetricsConfig selects the metrics backend. Backend is one of
// prometheus, none. Default: prometheus.
type MetricsConfig struct {
	Backend string `json:"backend" env:"SPINE_METRICS_BACKEND"`
}

// TracingConfig selects the tracing backend. Backend is one of none,
// stdout, otlp. Default: none.
type TracingConfig struct {
	Backend     string `json:"backend" env:"SPINE_TRACING_BACKEND"`
	Endpoint    string `json:"endpoint" env:"SPINE_TRACING_ENDPOINT"`
	ServiceName string `json:"service_name"`
}

// LoggingConfig controls the process logger. Level is one of debug,
// info, warn, error; Format is json or text. Default: info/json.
type LoggingConfig struct {
	Level  string `json:"level" env:"SPINE_LOG_LEVEL"`
	Format string `json:"format" env:"SPINE_LOG_FORMAT"`
}

// RetryPolicyConfig is the dispatcher's default retry policy.
// Formula: delay = min(InitialDelay * Factor^attempt, MaxDelay).
type RetryPolicyConfig struct {
	MaxRetries   int           `json:"max_retries"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Factor       float64       `json:"factor"`
	Jitter       bool          `json:"jitter"`
}

// Tier names
const (
	TierDev        = "dev"
	TierStandard   = "standard"
	TierEnterprise = "enterprise"
)

// DefaultConfig returns the baseline configuration before environment
// and options are applied.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:     "sqlite://spine.db",
			Backend: "sqlite",
		},
		API: APIConfig{
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Backend:      "database",
			TickInterval: 2 * time.Second,
			BatchSize:    50,
			LeaderTTL:    10 * time.Second,
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
		Worker: WorkerConfig{
			Backend:        "asynclocal",
			MaxWorkers:     5,
			MaxConcurrency: 10,
			DefaultTimeout: 30 * time.Minute,
			ResultCapacity: 1000,
		},
		Metrics: MetricsConfig{
			Backend: "prometheus",
		},
		Tracing: TracingConfig{
			Backend:     "none",
			ServiceName: "spine",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Retry: RetryPolicyConfig{
			MaxRetries:   3,
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Factor:       2.0,
			Jitter:       true,
		},
		RedisURL:    "redis://localhost:6379",
		NATSURL:     "nats://localhost:4222",
		ProfilesDir: ".spine/profiles",
	}
}

// LoadFromEnv applies SPINE_* environment variables on top of the
// current values. Unset variables leave fields untouched.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SPINE_TIER"); v != "" {
		c.Tier = v
	}

	// Database settings
	if v := os.Getenv("SPINE_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("SPINE_DATABASE_BACKEND"); v != "" {
		c.Database.Backend = v
	} else if strings.HasPrefix(c.Database.URL, "postgres") {
		c.Database.Backend = "postgres"
	}

	// API settings
	if v := os.Getenv("SPINE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.API.Port = port
		}
	}
	if v := os.Getenv("SPINE_CORS_ORIGINS"); v != "" {
		c.API.CORSOrigins = parseStringList(v)
	}
	if v := os.Getenv("SPINE_DEV_MODE"); v != "" {
		c.API.DevMode = parseBool(v)
	}

	// Backend selection
	if v := os.Getenv("SPINE_SCHEDULER_BACKEND"); v != "" {
		c.Scheduler.Backend = v
	}
	if v := os.Getenv("SPINE_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("SPINE_WORKER_BACKEND"); v != "" {
		c.Worker.Backend = v
	}
	if v := os.Getenv("SPINE_METRICS_BACKEND"); v != "" {
		c.Metrics.Backend = v
	}
	if v := os.Getenv("SPINE_TRACING_BACKEND"); v != "" {
		c.Tracing.Backend = v
	}
	if v := os.Getenv("SPINE_TRACING_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
		if c.Tracing.Backend == "" || c.Tracing.Backend == "none" {
			c.Tracing.Backend = "otlp" // Auto-enable when an endpoint is provided
		}
	}

	// Logging settings
	if v := os.Getenv("SPINE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SPINE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	// Connection URLs
	if v := os.Getenv("SPINE_REDIS_URL"); v != "" {
		c.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("SPINE_NATS_URL"); v != "" {
		c.NATSURL = v
	}

	// Paths
	if v := os.Getenv("SPINE_WORKFLOWS_DIR"); v != "" {
		c.WorkflowsDir = v
	}
	if v := os.Getenv("SPINE_PROFILES_DIR"); v != "" {
		c.ProfilesDir = v
	}

	return nil
}

// InferTier derives the tier from the backend set when none was given:
// everything in-memory/sqlite is dev; redis or postgres makes standard;
// postgres plus redis plus an external worker is enterprise.
func (c *Config) InferTier() string {
	if c.Tier != "" {
		return c.Tier
	}
	postgres := c.Database.Backend == "postgres"
	redis := c.Cache.Backend == "redis"
	external := c.Worker.Backend == "redis" || c.Worker.Backend == "nats"
	switch {
	case postgres && redis && external:
		return TierEnterprise
	case postgres || redis || external:
		return TierStandard
	default:
		return TierDev
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}
	switch c.Database.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database backend: %q", c.Database.Backend)
	}
	switch c.Scheduler.Backend {
	case "database", "none":
	default:
		return fmt.Errorf("unknown scheduler backend: %q", c.Scheduler.Backend)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend: %q", c.Cache.Backend)
	}
	switch c.Worker.Backend {
	case "memory", "local", "asynclocal", "redis", "nats":
	default:
		return fmt.Errorf("unknown worker backend: %q", c.Worker.Backend)
	}
	switch c.Metrics.Backend {
	case "prometheus", "none":
	default:
		return fmt.Errorf("unknown metrics backend: %q", c.Metrics.Backend)
	}
	switch c.Tracing.Backend {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown tracing backend: %q", c.Tracing.Backend)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Logging.Level)
	}
	if c.Worker.MaxWorkers < 1 {
		return fmt.Errorf("worker max_workers must be >= 1")
	}
	if c.Worker.MaxConcurrency < 1 {
		return fmt.Errorf("worker max_concurrency must be >= 1")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries must be >= 0")
	}
	if c.Retry.Factor < 1.0 {
		return fmt.Errorf("retry factor must be >= 1.0")
	}
	return nil
}

// Option is a functional configuration option
type Option func(*Config)

// WithTier sets the deployment tier explicitly.
func WithTier(tier string) Option {
	return func(c *Config) {
		c.Tier = tier
	}
}

// WithDatabaseURL sets the database URL and infers the backend from
// its scheme.
func WithDatabaseURL(url string) Option {
	return func(c *Config) {
		c.Database.URL = url
		if strings.HasPrefix(url, "postgres") {
			c.Database.Backend = "postgres"
		} else {
			c.Database.Backend = "sqlite"
		}
	}
}

// WithAPIPort sets the HTTP API port. Default: 8000.
func WithAPIPort(port int) Option {
	return func(c *Config) {
		c.API.Port = port
	}
}

// WithCORSOrigins enables CORS for the listed origins.
func WithCORSOrigins(origins []string) Option {
	return func(c *Config) {
		c.API.CORSOrigins = origins
	}
}

// WithDevMode enables development-friendly behavior (verbose request
// logging, text log format).
func WithDevMode(enabled bool) Option {
	return func(c *Config) {
		c.API.DevMode = enabled
		if enabled {
			c.Logging.Format = "text"
		}
	}
}

// WithSchedulerBackend selects the scheduler backend (database, none).
func WithSchedulerBackend(backend string) Option {
	return func(c *Config) {
		c.Scheduler.Backend = backend
	}
}

// WithCacheBackend selects the cache/bus backend (memory, redis).
func WithCacheBackend(backend string) Option {
	return func(c *Config) {
		c.Cache.Backend = backend
	}
}

// WithWorkerBackend selects the executor backend (memory, local,
// asynclocal, redis, nats).
func WithWorkerBackend(backend string) Option {
	return func(c *Config) {
		c.Worker.Backend = backend
	}
}

// WithWorkerConcurrency bounds the executor (pool size for local,
// semaphore width for asynclocal).
func WithWorkerConcurrency(maxWorkers, maxConcurrency int) Option {
	return func(c *Config) {
		c.Worker.MaxWorkers = maxWorkers
		c.Worker.MaxConcurrency = maxConcurrency
	}
}

// WithRedisURL sets the shared Redis URL.
func WithRedisURL(url string) Option {
	return func(c *Config) {
		c.RedisURL = url
	}
}

// WithNATSURL sets the NATS URL for the nats worker backend.
func WithNATSURL(url string) Option {
	return func(c *Config) {
		c.NATSURL = url
	}
}

// WithLogLevel sets the log level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Config) {
		c.Logging.Level = level
	}
}

// WithTracing enables tracing with the given backend and endpoint.
func WithTracing(backend, endpoint string) Option {
	return func(c *Config) {
		c.Tracing.Backend = backend
		c.Tracing.Endpoint = endpoint
	}
}

// WithMetricsBackend selects the metrics backend (prometheus, none).
func WithMetricsBackend(backend string) Option {
	return func(c *Config) {
		c.Metrics.Backend = backend
	}
}

// WithRetryPolicy sets the dispatcher retry policy.
func WithRetryPolicy(maxRetries int, initialDelay time.Duration, factor float64) Option {
	return func(c *Config) {
		c.Retry.MaxRetries = maxRetries
		c.Retry.InitialDelay = initialDelay
		c.Retry.Factor = factor
	}
}

// WithWorkflowsDir sets the YAML workflow definitions directory.
func WithWorkflowsDir(dir string) Option {
	return func(c *Config) {
		c.WorkflowsDir = dir
	}
}

// NewConfig builds a Config from defaults, environment, and options,
// then validates it.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for _, opt := range opts {
		opt(cfg)
	}

	cfg.Tier = cfg.InferTier()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// parseStringList splits a comma-separated environment value.
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseBool accepts the usual truthy spellings.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
