// Package config loads the gridfetch service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/Sternrassler/gridfetch/pkg/grid"
	"github.com/Sternrassler/gridfetch/pkg/logging"
)

// Config holds all application configuration settings.
type Config struct {
	Port string `envconfig:"PORT" default:"8080"`

	// RedisAddr enables the image cache and rate limit tracking when set.
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// UserAgent is sent with every upstream request.
	UserAgent string `envconfig:"USER_AGENT" default:"gridfetch/0.1.0"`

	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty     bool   `envconfig:"LOG_PRETTY" default:"false"`
	LogFile       string `envconfig:"LOG_FILE"`
	LogMaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"100"`
	LogMaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"3"`
	LogMaxAgeDays int    `envconfig:"LOG_MAX_AGE_DAYS" default:"28"`

	// BatchMaxConcurrency bounds parallel fetches per batch (0 = unbounded).
	BatchMaxConcurrency int           `envconfig:"BATCH_MAX_CONCURRENCY" default:"16"`
	BatchTimeout        time.Duration `envconfig:"BATCH_TIMEOUT" default:"30s"`
	MaxBatchSize        int           `envconfig:"MAX_BATCH_SIZE" default:"500"`

	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"2"`
	InitialBackoff time.Duration `envconfig:"INITIAL_BACKOFF" default:"500ms"`
	MaxImageBytes  int64         `envconfig:"MAX_IMAGE_BYTES" default:"20971520"`
	CacheEnabled   bool          `envconfig:"CACHE_ENABLED" default:"true"`

	FailurePolicy string `envconfig:"FAILURE_POLICY" default:"silent"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// Validate checks the configuration for invalid or missing values.
// Returns an error describing the first invalid setting found.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}

	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	if c.BatchMaxConcurrency < 0 {
		return fmt.Errorf("batch max concurrency must not be negative: %d", c.BatchMaxConcurrency)
	}

	if c.BatchTimeout < 0 {
		return fmt.Errorf("batch timeout must not be negative: %s", c.BatchTimeout)
	}

	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be positive: %d", c.MaxBatchSize)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive: %s", c.RequestTimeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative: %d", c.MaxRetries)
	}

	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("max image bytes must be positive: %d", c.MaxImageBytes)
	}

	if _, err := grid.ParseFailurePolicy(c.FailurePolicy); err != nil {
		return err
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive: %s", c.ShutdownTimeout)
	}

	return nil
}

// RetryAttempts returns the number of upstream attempts per request: the
// first try plus MaxRetries retries.
func (c *Config) RetryAttempts() int {
	return c.MaxRetries + 1
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	cfg.File = logging.FileConfig{
		Path:       c.LogFile,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		MaxAgeDays: c.LogMaxAgeDays,
	}
	return cfg
}
