// internal/config/config.go
// Centralized configuration management
// Loads from environment variables with sensible defaults

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
	BackendPostgres  = "postgres"

	TransportGoChannel   = "gochannel"
	TransportRedisStream = "redisstream"

	defaultJWTSecret = "your-super-secret-key-change-this-in-production"
)

// Config holds all application configuration
type Config struct {
	// Server
	Port        string
	Environment string
	BaseURL     string

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"

	// Backend selection
	ChatBackend string

	// Database
	DatabaseURL string
	RedisURL    string

	// Live feed for the postgres backend
	FeedTransport string
	FeedRedisAddr string

	// Firestore
	FirebaseCredentials string
	FirebaseProjectID   string

	// Security
	JWTSecret string

	// Storage
	UseS3          bool
	AWSRegion      string
	S3BucketName   string
	CDNURL         string
	LocalUploadDir string

	// Chat tuning
	PageSize          int
	FlushInterval     time.Duration
	ProfileCacheTTL   time.Duration
	RuntimeIdleTTL    time.Duration
	MaxImageSize      int
	ImageMaxDimension int
}

// Load reads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		// Server
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		BaseURL:     getEnv("BASE_URL", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", ""),

		ChatBackend: getEnv("CHAT_BACKEND", BackendMemory),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		FeedTransport: getEnv("FEED_TRANSPORT", TransportGoChannel),
		FeedRedisAddr: getEnv("FEED_REDIS_ADDR", "localhost:6379"),

		FirebaseCredentials: getEnv("FIREBASE_CREDENTIALS", ""),
		FirebaseProjectID:   getEnv("FIREBASE_PROJECT_ID", ""),

		JWTSecret: getEnv("JWT_SECRET", defaultJWTSecret),

		UseS3:          getEnvBool("USE_S3", false),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		S3BucketName:   getEnv("S3_BUCKET_NAME", ""),
		CDNURL:         getEnv("CDN_URL", ""),
		LocalUploadDir: getEnv("LOCAL_UPLOAD_DIR", "./uploads"),

		PageSize:          getEnvInt("PAGE_SIZE", 30),
		FlushInterval:     getEnvDuration("FLUSH_INTERVAL", "100ms"),
		ProfileCacheTTL:   getEnvDuration("PROFILE_CACHE_TTL", "10m"),
		RuntimeIdleTTL:    getEnvDuration("RUNTIME_IDLE_TTL", "2m"),
		MaxImageSize:      getEnvInt("MAX_IMAGE_SIZE", 10<<20),
		ImageMaxDimension: getEnvInt("IMAGE_MAX_DIMENSION", 1600),
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%s", cfg.Port)
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}
	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.JWTSecret == defaultJWTSecret && c.IsProduction() {
		return fmt.Errorf("JWT secret must be changed for production")
	}

	switch c.ChatBackend {
	case BackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("memory backend cannot be used in production")
		}
	case BackendFirestore:
		if c.FirebaseProjectID == "" {
			return fmt.Errorf("FIREBASE_PROJECT_ID is required for the firestore backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database URL is required for the postgres backend")
		}
		switch c.FeedTransport {
		case TransportGoChannel:
		case TransportRedisStream:
			if c.FeedRedisAddr == "" {
				return fmt.Errorf("FEED_REDIS_ADDR is required for the redisstream transport")
			}
		default:
			return fmt.Errorf("invalid feed transport: %s", c.FeedTransport)
		}
	default:
		return fmt.Errorf("invalid chat backend: %s", c.ChatBackend)
	}

	if c.UseS3 {
		if c.S3BucketName == "" {
			return fmt.Errorf("S3 configuration incomplete")
		}
	} else if c.LocalUploadDir == "" {
		return fmt.Errorf("local upload directory not specified")
	}

	if c.PageSize < 1 || c.PageSize > 200 {
		return fmt.Errorf("page size must be between 1 and 200")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive")
	}
	if c.MaxImageSize < 1 || c.ImageMaxDimension < 1 {
		return fmt.Errorf("image limits must be positive")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}
	return nil
}

// IsProduction returns true if running in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if running in development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Helper functions

// getEnv gets a string value from environment with a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment with a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration value from environment with a default
func getEnvDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}
	return duration
}

// getEnvBool gets a boolean value from environment with a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
