// Package config provides configuration management for the OAuth2 client
// authorization manager. It handles loading configuration from environment
// variables with sensible defaults and validates the configuration to ensure
// the application starts safely.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - BASE_URL: Externally reachable base URL of this application, used to
//     build the OAuth2 callback URL (default: http://localhost:<PORT>)
//
// Provider Settings:
//   - OAUTH_SERVICE_NAME: Logical name of the configured integration (required)
//   - OAUTH_CLIENT_ID: Client id registered with the OAuth2 server
//   - OAUTH_CLIENT_SECRET: Client secret registered with the OAuth2 server
//   - OAUTH_AUTHORIZE_URI: Authorization endpoint of the OAuth2 server (required)
//   - OAUTH_TOKEN_URI: Token endpoint of the OAuth2 server (required)
//   - OAUTH_RESOURCE_OWNER_URI: Base URI of the protected API (required)
//   - OAUTH_SCOPES: Space-separated default scopes
//   - OAUTH_SEND_SECRET_ON_REFRESH: Send the client secret on refresh-token
//     exchanges; most servers do not require it (default: false)
//
// State Cache:
//   - STATE_TTL: Time-to-live for pending authorizations (default: 10m)
//
// Refresh Sweeper:
//   - REFRESH_SWEEP_SCHEDULE: Cron schedule of the proactive refresh sweep,
//     empty disables it (default: @every 1m)
//   - REFRESH_LOOKAHEAD: Refresh tokens expiring within this window (default: 10m)
//
// Database Configuration:
//   - DATABASE_TYPE: "sqlite", "postgres" or "memory" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./oauth2_client.db)
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER,
//     POSTGRES_PASSWORD, POSTGRES_SSL_MODE: PostgreSQL connection settings
//
// Redis Configuration (optional; enables the distributed state cache and
// distributed refresh locks):
//   - REDIS_ADDRESS: Redis server address, empty disables Redis
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the application. All string
// fields correspond to environment variables that can be set to override the
// default values.
type Config struct {
	// Application settings
	Port     string
	LogLevel string
	BaseURL  string

	// Provider settings
	ServiceName         string
	ClientID            string
	ClientSecret        string
	AuthorizeURI        string
	TokenURI            string
	ResourceOwnerURI    string
	Scopes              string
	SendSecretOnRefresh bool

	// State cache
	StateTTL time.Duration

	// Refresh sweeper
	RefreshSweepSchedule string
	RefreshLookahead     time.Duration

	// Database configuration
	DatabaseType     string
	DatabasePath     string
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis configuration
	RedisAddress  string
	RedisPassword string
	RedisDB       string
	RedisPoolSize string
}

// Load creates a new Config instance with values loaded from environment
// variables. It does not validate the configuration - call Validate() on the
// returned Config before use.
func Load() *Config {
	port := getEnv("PORT", "8080")

	return &Config{
		Port:     port,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		BaseURL:  getEnv("BASE_URL", "http://localhost:"+port),

		ServiceName:         getEnv("OAUTH_SERVICE_NAME", ""),
		ClientID:            getEnv("OAUTH_CLIENT_ID", ""),
		ClientSecret:        getEnv("OAUTH_CLIENT_SECRET", ""),
		AuthorizeURI:        getEnv("OAUTH_AUTHORIZE_URI", ""),
		TokenURI:            getEnv("OAUTH_TOKEN_URI", ""),
		ResourceOwnerURI:    getEnv("OAUTH_RESOURCE_OWNER_URI", ""),
		Scopes:              getEnv("OAUTH_SCOPES", ""),
		SendSecretOnRefresh: getBoolEnv("OAUTH_SEND_SECRET_ON_REFRESH", false),

		StateTTL: getDurationEnv("STATE_TTL", 10*time.Minute),

		RefreshSweepSchedule: getEnv("REFRESH_SWEEP_SCHEDULE", "@every 1m"),
		RefreshLookahead:     getDurationEnv("REFRESH_LOOKAHEAD", 10*time.Minute),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./oauth2_client.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "oauth2_client"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  getEnv("REDIS_ADDRESS", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),
	}
}

// Validate checks that required values are present and consistent.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("OAUTH_SERVICE_NAME is required")
	}
	if c.AuthorizeURI == "" {
		return fmt.Errorf("OAUTH_AUTHORIZE_URI is required")
	}
	if c.TokenURI == "" {
		return fmt.Errorf("OAUTH_TOKEN_URI is required")
	}
	if c.ResourceOwnerURI == "" {
		return fmt.Errorf("OAUTH_RESOURCE_OWNER_URI is required")
	}

	switch c.DatabaseType {
	case "sqlite":
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required for sqlite")
		}
	case "postgres", "postgresql":
		if c.PostgresHost == "" || c.PostgresDB == "" || c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_HOST, POSTGRES_DB and POSTGRES_USER are required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DATABASE_TYPE %q", c.DatabaseType)
	}

	if c.StateTTL <= 0 {
		return fmt.Errorf("STATE_TTL must be positive")
	}

	if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
		return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
	}

	return nil
}

// PostgresConnString builds a pgx connection string from the postgres settings.
func (c *Config) PostgresConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.PostgresUser,
		c.PostgresPassword,
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDB,
		c.PostgresSSLMode)
}

// RedisEnabled reports whether a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddress != ""
}

// getEnv retrieves an environment variable value or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv retrieves a boolean environment variable value or returns a default value.
func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// getDurationEnv retrieves a duration environment variable value or returns a default value.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
