// Package config provides configuration management for the event bus server.
// Settings come from environment variables (optionally seeded from a .env
// file) with sensible defaults; the stream table can be overridden by a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/coregx/eventbus/stream"
)

// Config holds all configuration for the event bus server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Bus      BusConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string // mysql, postgres, sqlite3
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Prefix   string // Table prefix (default: "eventbus_")
	Migrate  bool   // Apply embedded migrations at startup
}

// NATSConfig holds the JetStream connection settings.
type NATSConfig struct {
	URL   string
	Token string
}

// BusConfig holds event bus specific configuration.
type BusConfig struct {
	ServiceName         string
	NodeID              int64 // snowflake node for row ids
	StreamsFile         string
	ConnectAttempts     int
	SweepInterval       time.Duration
	SweepBatchSize      int
	PurgeInterval       time.Duration
	PurgeBatchSize      int
	EnableNotifications bool
	RedisURL            string // processed-event store; empty keeps it in memory
	ProcessedTTL        time.Duration
	LogLevel            string
}

// Load loads configuration from environment variables.
// A .env file in the working directory is read first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "mysql"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 3306),
			User:     getEnv("DB_USER", "eventbus"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "eventbus"),
			Prefix:   getEnv("DB_PREFIX", "eventbus_"),
			Migrate:  getEnvBool("DB_MIGRATE", true),
		},
		NATS: NATSConfig{
			URL:   getEnv("NATS_URL", "nats://localhost:4222"),
			Token: getEnv("NATS_TOKEN", ""),
		},
		Bus: BusConfig{
			ServiceName:         getEnv("EVENTBUS_SERVICE_NAME", "eventbus-server"),
			NodeID:              int64(getEnvInt("EVENTBUS_NODE_ID", 1)),
			StreamsFile:         getEnv("EVENTBUS_STREAMS_FILE", ""),
			ConnectAttempts:     getEnvInt("EVENTBUS_CONNECT_ATTEMPTS", 5),
			SweepInterval:       getEnvDuration("EVENTBUS_DLQ_SWEEP_INTERVAL", time.Minute),
			SweepBatchSize:      getEnvInt("EVENTBUS_DLQ_BATCH_SIZE", 100),
			PurgeInterval:       getEnvDuration("EVENTBUS_PAYLOAD_PURGE_INTERVAL", time.Hour),
			PurgeBatchSize:      getEnvInt("EVENTBUS_PAYLOAD_PURGE_BATCH_SIZE", 500),
			EnableNotifications: getEnvBool("EVENTBUS_ENABLE_NOTIFICATIONS", true),
			RedisURL:            getEnv("REDIS_URL", ""),
			ProcessedTTL:        getEnvDuration("EVENTBUS_PROCESSED_TTL", 7*24*time.Hour),
			LogLevel:            getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	db := &c.Database
	if err := validation.ValidateStruct(db,
		validation.Field(&db.Driver, validation.Required, validation.In("mysql", "postgres", "sqlite3")),
		validation.Field(&db.Database, validation.Required),
		validation.Field(&db.Password, validation.When(db.Driver != "sqlite3", validation.Required.Error("DB_PASSWORD is required"))),
	); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := validation.ValidateStruct(&c.NATS,
		validation.Field(&c.NATS.URL, validation.Required),
	); err != nil {
		return fmt.Errorf("nats: %w", err)
	}

	bus := &c.Bus
	if err := validation.ValidateStruct(bus,
		validation.Field(&bus.ServiceName, validation.Required),
		validation.Field(&bus.NodeID, validation.Min(int64(0)), validation.Max(int64(1023))),
		validation.Field(&bus.ConnectAttempts, validation.Min(1)),
		validation.Field(&bus.SweepInterval, validation.Required),
		validation.Field(&bus.SweepBatchSize, validation.Required, validation.Min(1)),
		validation.Field(&bus.PurgeInterval, validation.Required),
		validation.Field(&bus.PurgeBatchSize, validation.Required, validation.Min(1)),
		validation.Field(&bus.LogLevel, validation.In("debug", "info", "warn", "error")),
	); err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	return nil
}

// GetDSN returns the database connection string based on driver.
func (c *DatabaseConfig) GetDSN() string {
	switch strings.ToLower(c.Driver) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Database)
	case "sqlite3":
		return c.Database // SQLite uses file path as DSN
	default:
		return ""
	}
}

// StreamsFile is the YAML layout of a stream table override.
//
//	fallback: CUSTOM
//	streams:
//	  - name: MESSAGE
//	    prefixes: [message, reaction]
//	    maxAge: 168h
type StreamsFile struct {
	Fallback string              `yaml:"fallback"`
	Streams  []stream.Definition `yaml:"streams"`
}

// LoadStreams reads a stream table override. The fallback defaults to CUSTOM.
func LoadStreams(path string) ([]stream.Definition, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read streams file: %w", err)
	}

	var file StreamsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, "", fmt.Errorf("parse streams file %s: %w", path, err)
	}
	if len(file.Streams) == 0 {
		return nil, "", fmt.Errorf("streams file %s defines no streams", path)
	}
	if file.Fallback == "" {
		file.Fallback = stream.Custom
	}
	return file.Streams, file.Fallback, nil
}

// getEnv retrieves environment variable or returns default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves environment variable as integer or returns default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves environment variable as boolean or returns default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
