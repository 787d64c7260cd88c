package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Observability configuration
	Observability ObservabilityConfig

	// Payment gateway configuration
	Gateway GatewayConfig

	// Notification configuration
	Notify NotifyConfig

	// BillingFile is an optional YAML file with prices, dunning policy and
	// job schedules
	BillingFile string

	// ArchivePrefix is the object key prefix of the event archive
	ArchivePrefix string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// AdminToken guards the admin API; empty disables it
	AdminToken string

	// WebhookReplayTTL is how long delivered webhook event ids are remembered
	WebhookReplayTTL time.Duration
	// WebhookReplaySize bounds the number of remembered event ids
	WebhookReplaySize int

	// WebhookRateLimit is the number of webhook requests allowed per client
	// IP and minute; zero disables limiting
	WebhookRateLimit int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// GatewayConfig holds Stripe credentials
type GatewayConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
}

// NotifyConfig holds Postmark settings. Without a token notices are only
// logged.
type NotifyConfig struct {
	PostmarkToken  string
	PostmarkURL    string
	FromEmail      string
	RequestTimeout time.Duration
	MaxAttempts    int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Observability: loadObservabilityConfig(),
		Gateway: GatewayConfig{
			StripeAPIKey:        getEnv("RECUR_STRIPE_API_KEY", ""),
			StripeWebhookSecret: getEnv("RECUR_STRIPE_WEBHOOK_SECRET", ""),
		},
		Notify: NotifyConfig{
			PostmarkToken:  getEnv("RECUR_POSTMARK_TOKEN", ""),
			PostmarkURL:    getEnv("RECUR_POSTMARK_URL", "https://api.postmarkapp.com"),
			FromEmail:      getEnv("RECUR_NOTIFY_FROM", "billing@example.com"),
			RequestTimeout: getEnvDuration("RECUR_NOTIFY_TIMEOUT", 10*time.Second),
			MaxAttempts:    getEnvInt("RECUR_NOTIFY_MAX_ATTEMPTS", 3),
		},
		BillingFile:   getEnv("RECUR_BILLING_FILE", ""),
		ArchivePrefix: getEnv("RECUR_ARCHIVE_PREFIX", "events"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:              getEnv("RECUR_HOST", "0.0.0.0"),
		Port:              getEnv("RECUR_PORT", "8080"),
		ReadTimeout:       getEnvDuration("RECUR_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      getEnvDuration("RECUR_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:       getEnvDuration("RECUR_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   getEnvDuration("RECUR_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:        getEnv("RECUR_HEALTH_PORT", "9090"),
		AdminToken:        getEnv("RECUR_ADMIN_TOKEN", ""),
		WebhookReplayTTL:  getEnvDuration("RECUR_WEBHOOK_REPLAY_TTL", 24*time.Hour),
		WebhookReplaySize: getEnvInt("RECUR_WEBHOOK_REPLAY_SIZE", 10000),
		WebhookRateLimit:  getEnvInt("RECUR_WEBHOOK_RATE_LIMIT", 600),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("RECUR_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	// PostgreSQL config
	if pgURL := getEnv("RECUR_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("RECUR_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = splitList(replicaURLs)
	}
	if maxConns := getEnvInt("RECUR_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("RECUR_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("RECUR_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// S3 config
	if s3Endpoint := getEnv("RECUR_S3_ENDPOINT", ""); s3Endpoint != "" {
		cfg.S3Endpoint = s3Endpoint
	}
	if s3Region := getEnv("RECUR_S3_REGION", ""); s3Region != "" {
		cfg.S3Region = s3Region
	}
	if s3Bucket := getEnv("RECUR_S3_BUCKET", ""); s3Bucket != "" {
		cfg.S3Bucket = s3Bucket
	}
	if s3AccessKey := getEnv("RECUR_S3_ACCESS_KEY", ""); s3AccessKey != "" {
		cfg.S3AccessKey = s3AccessKey
	}
	if s3SecretKey := getEnv("RECUR_S3_SECRET_KEY", ""); s3SecretKey != "" {
		cfg.S3SecretKey = s3SecretKey
	}
	cfg.S3UsePathStyle = getEnvBool("RECUR_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	// Redis config
	if redisURL := getEnv("RECUR_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("RECUR_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("RECUR_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("RECUR_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("RECUR_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           strings.ToLower(getEnv("RECUR_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("RECUR_LOG_FORMAT", "text")),
		MetricsEnabled:     getEnvBool("RECUR_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("RECUR_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("RECUR_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("RECUR_OTEL_SERVICE_NAME", "recur"),
		OTelServiceVersion: getEnv("RECUR_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("RECUR_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("RECUR_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	if c.Gateway.StripeAPIKey == "" {
		return fmt.Errorf("stripe API key is required")
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}
	switch c.Observability.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// WebhooksEnabled reports whether the gateway webhook endpoint can verify
// signatures
func (c *Config) WebhooksEnabled() bool {
	return c.Gateway.StripeWebhookSecret != ""
}

// splitList splits a comma separated list, dropping blanks
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
