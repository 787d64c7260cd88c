package storage

import (
	"fmt"
	"time"
)

// Config holds the connection settings of the storage backends
type Config struct {
	Type string // "memory" or "postgres"

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// S3 config (event archive)
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Redis config (locks)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:                "memory",
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: time.Hour,
		PostgresMaxIdleTime: 10 * time.Minute,
		S3Region:            "us-east-1",
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
	}
}

// Validate checks that the selected backend is configured
func (c Config) Validate() error {
	switch c.Type {
	case "memory":
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
		if c.PostgresMaxConns < c.PostgresMinConns {
			return fmt.Errorf("postgres max conns (%d) must be >= min conns (%d)", c.PostgresMaxConns, c.PostgresMinConns)
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Type)
	}
	return nil
}

// ArchiveEnabled reports whether an event archive bucket is configured
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}
