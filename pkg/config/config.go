package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all engine configuration
type Config struct {
	Ops       OpsConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Logger    LoggerConfig
	App       AppConfig
	Scheduler SchedulerConfig
	Dispatch  DispatchConfig
}

// OpsConfig holds the operational HTTP server configuration
type OpsConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level  string
	Format string // json or text
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment    string
	Version        string
	Name           string
	AutoMigrate    bool
	MigrationsPath string
}

// SchedulerConfig holds scheduler worker configuration
type SchedulerConfig struct {
	TickInterval time.Duration
	ClaimTTL     time.Duration
}

// DispatchConfig holds action dispatch configuration
type DispatchConfig struct {
	ActionTimeout time.Duration
	RatePerSecond float64
	RateBurst     int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Ops: OpsConfig{
			Host:            getEnv("OPS_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("OPS_PORT", 9090),
			ReadTimeout:     getEnvAsDuration("OPS_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("OPS_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("OPS_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Database:        getEnv("DB_NAME", "automation"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Environment:    getEnv("APP_ENV", "development"),
			Version:        getEnv("APP_VERSION", "0.1.0"),
			Name:           getEnv("APP_NAME", "automation-engine"),
			AutoMigrate:    getEnvAsBool("APP_AUTO_MIGRATE", false),
			MigrationsPath: getEnv("APP_MIGRATIONS_PATH", "migrations"),
		},
		Scheduler: SchedulerConfig{
			TickInterval: getEnvAsDuration("SCHEDULER_TICK_INTERVAL", 1*time.Minute),
			ClaimTTL:     getEnvAsDuration("SCHEDULER_CLAIM_TTL", 5*time.Minute),
		},
		Dispatch: DispatchConfig{
			ActionTimeout: getEnvAsDuration("DISPATCH_ACTION_TIMEOUT", 30*time.Second),
			RatePerSecond: getEnvAsFloat("DISPATCH_RATE_PER_SECOND", 10),
			RateBurst:     getEnvAsInt("DISPATCH_RATE_BURST", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Ops.Port <= 0 || c.Ops.Port > 65535 {
		return fmt.Errorf("invalid ops port: %d", c.Ops.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler tick interval must be positive")
	}

	return nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
