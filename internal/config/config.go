// Package config provides typed configuration for the kline ingestion
// service. Values come from built-in defaults, an optional .env file, and
// process environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/johnayoung/go-kline-ingest/internal/models"
)

// Config is the complete service configuration.
type Config struct {
	Exchange ExchangeConfig `json:"exchange"`
	Backfill BackfillConfig `json:"backfill"`
	Stream   StreamConfig   `json:"stream"`
	Storage  StorageConfig  `json:"storage"`
	Redis    RedisConfig    `json:"redis"`
	Logging  LoggingConfig  `json:"logging"`
}

// ExchangeConfig configures the REST adapter.
type ExchangeConfig struct {
	BaseURL            string        `json:"base_url" env:"EXCHANGE_BASE_URL"`
	RequestsPerSecond  int           `json:"requests_per_second" env:"EXCHANGE_REQUESTS_PER_SECOND"`
	ThrottleBackoff    time.Duration `json:"throttle_backoff" env:"EXCHANGE_THROTTLE_BACKOFF"`
	MaxThrottleRetries int           `json:"max_throttle_retries" env:"EXCHANGE_MAX_THROTTLE_RETRIES"`
}

// BackfillConfig configures the historical catch-up phase.
type BackfillConfig struct {
	Symbols []string `json:"symbols" env:"BACKFILL_SYMBOLS"`
	// Interval is the candle interval in exchange notation, e.g. "1m".
	Interval string `json:"interval" env:"BACKFILL_INTERVAL"`
	// WindowStart is where backfill begins for a symbol with no stored
	// candles. Empty means the start of the current UTC year.
	WindowStart string `json:"window_start" env:"BACKFILL_WINDOW_START"`
	// StoreRetries bounds retries of a failed batch write.
	StoreRetries int `json:"store_retries" env:"BACKFILL_STORE_RETRIES"`
}

// StreamConfig configures the long-lived streaming phase.
type StreamConfig struct {
	Enabled              bool          `json:"enabled" env:"STREAM_ENABLED"`
	URL                  string        `json:"url" env:"STREAM_URL"`
	ReadTimeout          time.Duration `json:"read_timeout" env:"STREAM_READ_TIMEOUT"`
	ReconnectBase        time.Duration `json:"reconnect_base" env:"STREAM_RECONNECT_BASE"`
	ReconnectCap         time.Duration `json:"reconnect_cap" env:"STREAM_RECONNECT_CAP"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" env:"STREAM_MAX_RECONNECT_ATTEMPTS"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Type is "memory", "duckdb", or "postgres".
	Type string `json:"type" env:"STORAGE_TYPE"`
	// Path is the DuckDB database file; empty means in-memory DuckDB.
	Path string `json:"path" env:"STORAGE_PATH"`

	PostgresHost     string `json:"postgres_host" env:"POSTGRES_HOST"`
	PostgresPort     int    `json:"postgres_port" env:"POSTGRES_PORT"`
	PostgresUser     string `json:"postgres_user" env:"POSTGRES_USER"`
	PostgresPassword string `json:"postgres_password" env:"POSTGRES_PASSWORD"`
	PostgresDB       string `json:"postgres_db" env:"POSTGRES_DB"`
	PostgresSSLMode  string `json:"postgres_ssl_mode" env:"POSTGRES_SSL_MODE"`
	PostgresMaxConns int    `json:"postgres_max_conns" env:"POSTGRES_MAX_CONNS"`
}

// RedisConfig configures the optional latest-candle cache.
type RedisConfig struct {
	Enabled  bool          `json:"enabled" env:"REDIS_ENABLED"`
	Addr     string        `json:"addr" env:"REDIS_ADDR"`
	Password string        `json:"password" env:"REDIS_PASSWORD"`
	DB       int           `json:"db" env:"REDIS_DB"`
	TTL      time.Duration `json:"ttl" env:"REDIS_TTL"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"` // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"` // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSizeMB  int    `json:"max_size_mb" env:"LOG_MAX_SIZE"`
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAgeDays int    `json:"max_age_days" env:"LOG_MAX_AGE"`
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// Default returns the configuration used when no overrides are present.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			BaseURL:            "https://api.binance.com",
			RequestsPerSecond:  10,
			ThrottleBackoff:    2 * time.Second,
			MaxThrottleRetries: 30,
		},
		Backfill: BackfillConfig{
			Symbols:      []string{"BTCUSDT"},
			Interval:     "1m",
			StoreRetries: 3,
		},
		Stream: StreamConfig{
			Enabled:              true,
			URL:                  "wss://stream.binance.com:9443/ws",
			ReadTimeout:          60 * time.Second,
			ReconnectBase:        time.Second,
			ReconnectCap:         60 * time.Second,
			MaxReconnectAttempts: 10,
		},
		Storage: StorageConfig{
			Type:             "duckdb",
			Path:             "klines.db",
			PostgresHost:     "localhost",
			PostgresPort:     5432,
			PostgresUser:     "postgres",
			PostgresDB:       "klines",
			PostgresSSLMode:  "disable",
			PostgresMaxConns: 10,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration from defaults, an optional .env file, and
// environment variables. A missing .env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else {
		// Best effort on the conventional path.
		_ = godotenv.Load()
	}

	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error

	setString(&c.Exchange.BaseURL, "EXCHANGE_BASE_URL")
	err = firstErr(err, setInt(&c.Exchange.RequestsPerSecond, "EXCHANGE_REQUESTS_PER_SECOND"))
	err = firstErr(err, setDuration(&c.Exchange.ThrottleBackoff, "EXCHANGE_THROTTLE_BACKOFF"))
	err = firstErr(err, setInt(&c.Exchange.MaxThrottleRetries, "EXCHANGE_MAX_THROTTLE_RETRIES"))

	setStringSlice(&c.Backfill.Symbols, "BACKFILL_SYMBOLS")
	setString(&c.Backfill.Interval, "BACKFILL_INTERVAL")
	setString(&c.Backfill.WindowStart, "BACKFILL_WINDOW_START")
	err = firstErr(err, setInt(&c.Backfill.StoreRetries, "BACKFILL_STORE_RETRIES"))

	err = firstErr(err, setBool(&c.Stream.Enabled, "STREAM_ENABLED"))
	setString(&c.Stream.URL, "STREAM_URL")
	err = firstErr(err, setDuration(&c.Stream.ReadTimeout, "STREAM_READ_TIMEOUT"))
	err = firstErr(err, setDuration(&c.Stream.ReconnectBase, "STREAM_RECONNECT_BASE"))
	err = firstErr(err, setDuration(&c.Stream.ReconnectCap, "STREAM_RECONNECT_CAP"))
	err = firstErr(err, setInt(&c.Stream.MaxReconnectAttempts, "STREAM_MAX_RECONNECT_ATTEMPTS"))

	setString(&c.Storage.Type, "STORAGE_TYPE")
	setString(&c.Storage.Path, "STORAGE_PATH")
	setString(&c.Storage.PostgresHost, "POSTGRES_HOST")
	err = firstErr(err, setInt(&c.Storage.PostgresPort, "POSTGRES_PORT"))
	setString(&c.Storage.PostgresUser, "POSTGRES_USER")
	setString(&c.Storage.PostgresPassword, "POSTGRES_PASSWORD")
	setString(&c.Storage.PostgresDB, "POSTGRES_DB")
	setString(&c.Storage.PostgresSSLMode, "POSTGRES_SSL_MODE")
	err = firstErr(err, setInt(&c.Storage.PostgresMaxConns, "POSTGRES_MAX_CONNS"))

	err = firstErr(err, setBool(&c.Redis.Enabled, "REDIS_ENABLED"))
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	err = firstErr(err, setInt(&c.Redis.DB, "REDIS_DB"))
	err = firstErr(err, setDuration(&c.Redis.TTL, "REDIS_TTL"))

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setString(&c.Logging.Output, "LOG_OUTPUT")
	setString(&c.Logging.FilePath, "LOG_FILE_PATH")
	err = firstErr(err, setInt(&c.Logging.MaxSizeMB, "LOG_MAX_SIZE"))
	err = firstErr(err, setInt(&c.Logging.MaxBackups, "LOG_MAX_BACKUPS"))
	err = firstErr(err, setInt(&c.Logging.MaxAgeDays, "LOG_MAX_AGE"))
	err = firstErr(err, setBool(&c.Logging.Compress, "LOG_COMPRESS"))

	return err
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange base URL cannot be empty")
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		return fmt.Errorf("exchange requests per second must be positive, got %v", c.Exchange.RequestsPerSecond)
	}
	if c.Exchange.MaxThrottleRetries < 0 {
		return fmt.Errorf("exchange max throttle retries cannot be negative")
	}

	if len(c.Backfill.Symbols) == 0 {
		return fmt.Errorf("backfill symbol list cannot be empty")
	}
	for _, symbol := range c.Backfill.Symbols {
		if strings.TrimSpace(symbol) == "" {
			return fmt.Errorf("backfill symbols contain an empty entry")
		}
	}
	if _, err := models.ParseInterval(c.Backfill.Interval); err != nil {
		return fmt.Errorf("backfill interval: %w", err)
	}
	// The count converts to uint64 at the wiring boundary; a negative value
	// must never wrap into an unbounded budget.
	if c.Backfill.StoreRetries < 0 {
		return fmt.Errorf("backfill store retries cannot be negative, got %d", c.Backfill.StoreRetries)
	}
	if _, err := c.WindowStart(); err != nil {
		return err
	}

	if c.Stream.Enabled {
		if c.Stream.URL == "" {
			return fmt.Errorf("stream URL cannot be empty when streaming is enabled")
		}
		if c.Stream.ReconnectBase <= 0 || c.Stream.ReconnectCap < c.Stream.ReconnectBase {
			return fmt.Errorf("invalid reconnect backoff: base=%v cap=%v", c.Stream.ReconnectBase, c.Stream.ReconnectCap)
		}
		if c.Stream.MaxReconnectAttempts <= 0 {
			return fmt.Errorf("stream max reconnect attempts must be positive")
		}
	}

	switch c.Storage.Type {
	case "memory", "duckdb":
	case "postgres":
		if c.Storage.PostgresHost == "" || c.Storage.PostgresDB == "" {
			return fmt.Errorf("postgres storage requires host and database name")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address cannot be empty when redis is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", c.Logging.Level)
	}

	return nil
}

// WindowStart parses the backfill window start, or returns the zero time
// when unset.
func (c *Config) WindowStart() (time.Time, error) {
	if c.Backfill.WindowStart == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, c.Backfill.WindowStart)
	if err != nil {
		return time.Time{}, fmt.Errorf("backfill window start must be RFC3339: %w", err)
	}
	return t.UTC(), nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid integer for %s: %q", key, v)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid boolean for %s: %q", key, v)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %q", key, v)
	}
	*dst = d
	return nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
