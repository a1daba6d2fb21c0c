package common

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Storage StorageConfig
	Poll    PollConfig
	Queue   QueueConfig
	Events  EventsConfig
	Log     LogConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr    string
	MetricsAddr string
}

// StoreConfig selects and tunes the result store backend.
type StoreConfig struct {
	Driver          string // file | sqlite | postgres
	Dir             string
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// StorageConfig locates uploaded documents and target definitions.
type StorageConfig struct {
	UploadDir   string
	TargetsFile string
	// WatchTargets, when set, run every new upload against these targets.
	WatchTargets  []string
	WatchDebounce time.Duration
}

// PollConfig is the default back-off policy applied to every target.
type PollConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	RampAfter   int
	Step        time.Duration
	MaxDelay    time.Duration
}

// QueueConfig sizes the asynchronous worker pool.
type QueueConfig struct {
	Workers    int
	Size       int
	JobTimeout time.Duration
}

// EventsConfig holds NATS publishing configuration
type EventsConfig struct {
	NATSURL string
	Subject string
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr:    getEnv("GRPC_ADDR", ":8080"),
			MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		},
		Store: StoreConfig{
			Driver:          getEnv("STORE_DRIVER", "file"),
			Dir:             getEnv("STORE_DIR", "./data/results"),
			DSN:             getEnv("DB_URL", ""),
			MaxConns:        getEnvAsInt32("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt32("DB_MIN_CONNS", 1),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Storage: StorageConfig{
			UploadDir:     getEnv("UPLOAD_DIR", "./data/uploads"),
			TargetsFile:   getEnv("TARGETS_FILE", "./targets.yaml"),
			WatchTargets:  getEnvAsList("WATCH_TARGETS"),
			WatchDebounce: getEnvAsDuration("WATCH_DEBOUNCE", 500*time.Millisecond),
		},
		Poll: PollConfig{
			MaxAttempts: getEnvAsInt("POLL_MAX_ATTEMPTS", 60),
			BaseDelay:   getEnvAsDuration("POLL_BASE_DELAY", 3*time.Second),
			RampAfter:   getEnvAsInt("POLL_RAMP_AFTER", 4),
			Step:        getEnvAsDuration("POLL_STEP", time.Second),
			MaxDelay:    getEnvAsDuration("POLL_MAX_DELAY", 10*time.Second),
		},
		Queue: QueueConfig{
			Workers:    getEnvAsInt("QUEUE_WORKERS", 4),
			Size:       getEnvAsInt("QUEUE_SIZE", 256),
			JobTimeout: getEnvAsDuration("JOB_TIMEOUT", 15*time.Minute),
		},
		Events: EventsConfig{
			NATSURL: getEnv("NATS_URL", ""),
			Subject: getEnv("NATS_SUBJECT", "extraction.jobs"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// Helper functions for environment variable parsing
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

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "file":
		if c.Store.Dir == "" {
			return NewAppError("CONFIG_ERROR", "STORE_DIR is required for the file store", ErrInvalidInput)
		}
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return NewAppError("CONFIG_ERROR", "DB_URL is required for the "+c.Store.Driver+" store", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown STORE_DRIVER %q", c.Store.Driver), ErrInvalidInput)
	}
	if c.Server.GRPCAddr == "" {
		return NewAppError("CONFIG_ERROR", "GRPC_ADDR is required", ErrInvalidInput)
	}
	if c.Storage.UploadDir == "" {
		return NewAppError("CONFIG_ERROR", "UPLOAD_DIR is required", ErrInvalidInput)
	}
	if c.Poll.MaxAttempts <= 0 {
		return NewAppError("CONFIG_ERROR", "POLL_MAX_ATTEMPTS must be greater than zero", ErrInvalidInput)
	}
	if c.Poll.MaxDelay < c.Poll.BaseDelay {
		return NewAppError("CONFIG_ERROR", "POLL_MAX_DELAY must not be below POLL_BASE_DELAY", ErrInvalidInput)
	}
	return nil
}

// NewLogger builds the process logger from LogConfig.
func (c LogConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
