package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENVIRONMENT", "BASE_URL", "LOG_FORMAT", "CHAT_BACKEND", "PAGE_SIZE", "FLUSH_INTERVAL", "USE_S3", "LOCAL_UPLOAD_DIR", "RUNTIME_IDLE_TTL", "MAX_IMAGE_SIZE", "IMAGE_MAX_DIMENSION"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "http://localhost:8080", cfg.BaseURL)
	require.Equal(t, "console", cfg.LogFormat)
	require.Equal(t, BackendMemory, cfg.ChatBackend)
	require.Equal(t, 30, cfg.PageSize)
	require.Equal(t, 100*time.Millisecond, cfg.FlushInterval)
	require.Equal(t, 2*time.Minute, cfg.RuntimeIdleTTL)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("PAGE_SIZE", "50")
	t.Setenv("FLUSH_INTERVAL", "not-a-duration")
	t.Setenv("USE_S3", "true")

	cfg := Load()
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, "json", cfg.LogFormat)
	require.Equal(t, 50, cfg.PageSize)
	require.Equal(t, 100*time.Millisecond, cfg.FlushInterval)
	require.True(t, cfg.UseS3)
	require.True(t, cfg.IsProduction())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment:       "development",
			ChatBackend:       BackendMemory,
			JWTSecret:         "s3cret",
			FeedTransport:     TransportGoChannel,
			LocalUploadDir:    "./uploads",
			PageSize:          30,
			FlushInterval:     100 * time.Millisecond,
			MaxImageSize:      1 << 20,
			ImageMaxDimension: 1600,
			LogFormat:         "console",
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"memory in production", func(c *Config) { c.Environment = "production" }},
		{"default secret in production", func(c *Config) {
			c.Environment = "production"
			c.ChatBackend = BackendFirestore
			c.FirebaseProjectID = "p"
			c.JWTSecret = defaultJWTSecret
		}},
		{"firestore without project", func(c *Config) { c.ChatBackend = BackendFirestore }},
		{"postgres without url", func(c *Config) { c.ChatBackend = BackendPostgres }},
		{"unknown transport", func(c *Config) {
			c.ChatBackend = BackendPostgres
			c.DatabaseURL = "postgres://localhost/chat"
			c.FeedTransport = "kafka"
		}},
		{"unknown backend", func(c *Config) { c.ChatBackend = "sqlite" }},
		{"s3 without bucket", func(c *Config) { c.UseS3 = true }},
		{"page size too large", func(c *Config) { c.PageSize = 500 }},
		{"zero flush interval", func(c *Config) { c.FlushInterval = 0 }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	pg := valid()
	pg.ChatBackend = BackendPostgres
	pg.DatabaseURL = "postgres://localhost/chat"
	pg.FeedTransport = TransportRedisStream
	pg.FeedRedisAddr = "localhost:6379"
	require.NoError(t, pg.Validate())
}
