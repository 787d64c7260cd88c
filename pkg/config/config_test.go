package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "RECUR_TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "RECUR_TEST_VAR_NOT_SET",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			assert.Equal(t, tt.want, getEnv(tt.key, tt.defaultValue))
		})
	}
}

func TestGetEnvTyped(t *testing.T) {
	t.Setenv("RECUR_TEST_BOOL", "1")
	t.Setenv("RECUR_TEST_INT", "42")
	t.Setenv("RECUR_TEST_BAD_INT", "forty-two")
	t.Setenv("RECUR_TEST_FLOAT", "0.25")
	t.Setenv("RECUR_TEST_DURATION", "90s")
	t.Setenv("RECUR_TEST_BAD_DURATION", "soon")

	assert.True(t, getEnvBool("RECUR_TEST_BOOL", false))
	assert.False(t, getEnvBool("RECUR_TEST_BOOL_UNSET", false))
	assert.Equal(t, 42, getEnvInt("RECUR_TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("RECUR_TEST_BAD_INT", 7))
	assert.Equal(t, 0.25, getEnvFloat("RECUR_TEST_FLOAT", 1))
	assert.Equal(t, 90*time.Second, getEnvDuration("RECUR_TEST_DURATION", 0))
	assert.Equal(t, time.Minute, getEnvDuration("RECUR_TEST_BAD_DURATION", time.Minute))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"postgres://a", "postgres://b"}, splitList(" postgres://a, ,postgres://b "))
	assert.Nil(t, splitList(""))
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("RECUR_STRIPE_API_KEY", "sk_test_123")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "8080", cfg.Server.Port)
		assert.Equal(t, "9090", cfg.Server.HealthPort)
		assert.Equal(t, 24*time.Hour, cfg.Server.WebhookReplayTTL)
		assert.Equal(t, "memory", cfg.Storage.Type)
		assert.Equal(t, "info", cfg.Observability.LogLevel)
		assert.Equal(t, "text", cfg.Observability.LogFormat)
		assert.Equal(t, "events", cfg.ArchivePrefix)
		assert.False(t, cfg.WebhooksEnabled())
	})

	t.Run("from environment", func(t *testing.T) {
		env := map[string]string{
			"RECUR_STRIPE_API_KEY":        "sk_test_123",
			"RECUR_STRIPE_WEBHOOK_SECRET": "whsec_123",
			"RECUR_STORAGE_TYPE":          "postgres",
			"RECUR_POSTGRES_URL":          "postgres://localhost/recur",
			"RECUR_POSTGRES_REPLICA_URLS": "postgres://r1/recur,postgres://r2/recur",
			"RECUR_POSTGRES_MAX_CONNS":    "50",
			"RECUR_S3_BUCKET":             "recur-archive",
			"RECUR_S3_USE_PATH_STYLE":     "true",
			"RECUR_REDIS_URL":             "redis://localhost:6379/1",
			"RECUR_LOG_LEVEL":             "DEBUG",
			"RECUR_LOG_FORMAT":            "json",
			"RECUR_POSTMARK_TOKEN":        "pm-token",
			"RECUR_BILLING_FILE":          "/etc/recur/billing.yaml",
		}
		for k, v := range env {
			t.Setenv(k, v)
		}

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "postgres", cfg.Storage.Type)
		assert.Equal(t, []string{"postgres://r1/recur", "postgres://r2/recur"}, cfg.Storage.PostgresReplicaURLs)
		assert.Equal(t, 50, cfg.Storage.PostgresMaxConns)
		assert.True(t, cfg.Storage.ArchiveEnabled())
		assert.True(t, cfg.Storage.S3UsePathStyle)
		assert.Equal(t, "debug", cfg.Observability.LogLevel)
		assert.Equal(t, "json", cfg.Observability.LogFormat)
		assert.Equal(t, "pm-token", cfg.Notify.PostmarkToken)
		assert.Equal(t, "/etc/recur/billing.yaml", cfg.BillingFile)
		assert.True(t, cfg.WebhooksEnabled())
	})

	t.Run("missing stripe key", func(t *testing.T) {
		t.Setenv("RECUR_STRIPE_API_KEY", "")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "stripe API key is required")
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:        loadServerConfig(),
			Storage:       loadStorageConfig(),
			Observability: loadObservabilityConfig(),
			Gateway:       GatewayConfig{StripeAPIKey: "sk_test"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "same ports", mutate: func(c *Config) { c.Server.HealthPort = c.Server.Port }, wantErr: "must be different"},
		{name: "no port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: "server port is required"},
		{name: "postgres without url", mutate: func(c *Config) { c.Storage.Type = "postgres" }, wantErr: "invalid storage config"},
		{name: "bad log level", mutate: func(c *Config) { c.Observability.LogLevel = "loud" }, wantErr: "invalid log level"},
		{name: "bad log format", mutate: func(c *Config) { c.Observability.LogFormat = "xml" }, wantErr: "invalid log format"},
		{name: "otel without endpoint", mutate: func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}, wantErr: "endpoint is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
