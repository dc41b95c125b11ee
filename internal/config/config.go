// Package config provides configuration management for the chainwatch
// job runner. It loads configuration from environment variables and
// .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/preyanshu/chainwatch/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Explorer ExplorerConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Analysis AnalysisConfig
	Logging  LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration for the job store
type PostgresConfig struct {
	// URL takes precedence over the discrete fields when set
	URL            string
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// DSN returns the connection string for pgx.
func (c *PostgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration for the snapshot store
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration for the delay queue broker
type RedisConfig struct {
	// URL takes precedence over the discrete fields when set
	URL            string
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// QueueConfig holds delay queue configuration
type QueueConfig struct {
	Name         string
	PollInterval time.Duration
	Concurrency  int
}

// WorkerConfig holds job worker configuration
type WorkerConfig struct {
	// OrphanAge is how stale a pending retry job's lastRunAt must be
	// before the startup scan re-submits it
	OrphanAge time.Duration
	// EarlyFireTolerance guards scheduled jobs against broker misdelivery
	EarlyFireTolerance time.Duration
}

// ExplorerConfig holds the block-explorer feed configuration
type ExplorerConfig struct {
	// Endpoints maps each network to its explorer base URL
	Endpoints      map[types.Network]string
	RequestTimeout time.Duration
	DefaultLimit   int
	// RequestsPerSecond bounds the client-side request rate
	RequestsPerSecond float64
}

// AnalysisConfig holds analyzer configuration
type AnalysisConfig struct {
	// Prices is the static symbol to USD price table. Changing it
	// requires a restart; there is no runtime price discovery.
	Prices map[string]float64
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				URL:            getEnv("DATABASE_URL", ""),
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "chainwatch"),
				User:           getEnv("POSTGRES_USER", "chainwatch"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "chainwatch"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				URL:            getEnv("REDIS_URL", ""),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Explorer: ExplorerConfig{
			Endpoints: map[types.Network]string{
				types.NetworkMainnet: getEnv("EXPLORER_MAINNET_URL", "https://api.explorer.example.com/mainnet"),
				types.NetworkTestnet: getEnv("EXPLORER_TESTNET_URL", "https://api.explorer.example.com/testnet"),
				types.NetworkDevnet:  getEnv("EXPLORER_DEVNET_URL", "https://api.explorer.example.com/devnet"),
			},
			RequestTimeout:    getEnvAsDuration("EXPLORER_REQUEST_TIMEOUT", 30*time.Second),
			DefaultLimit:      getEnvAsInt("EXPLORER_DEFAULT_LIMIT", 25),
			RequestsPerSecond: getEnvAsFloat("EXPLORER_REQUESTS_PER_SECOND", 5),
		},
		Queue: QueueConfig{
			Name:         getEnv("QUEUE_NAME", "analysis-jobs"),
			PollInterval: getEnvAsDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
			Concurrency:  getEnvAsInt("QUEUE_CONCURRENCY", 5),
		},
		Worker: WorkerConfig{
			OrphanAge:          getEnvAsDuration("WORKER_ORPHAN_AGE", 24*time.Hour),
			EarlyFireTolerance: getEnvAsDuration("WORKER_EARLY_FIRE_TOLERANCE", 5*time.Second),
		},
		Analysis: AnalysisConfig{
			Prices: defaultPrices(),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// defaultPrices returns the static symbol to USD price table used for
// portfolio valuation.
func defaultPrices() map[string]float64 {
	return map[string]float64{
		"ETH":  3200,
		"WETH": 3200,
		"BTC":  64000,
		"WBTC": 64000,
		"USDC": 1,
		"USDT": 1,
		"DAI":  1,
		"LINK": 14,
		"UNI":  8,
		"AAVE": 95,
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
