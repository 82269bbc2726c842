package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds every runtime setting of the gateway. Values come from the
// environment, optionally seeded from a .env file.
type Config struct {
	Port                 string        `mapstructure:"PORT"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	RedisAddr            string        `mapstructure:"REDIS_ADDR"`
	RedisPassword        string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB              int           `mapstructure:"REDIS_DB"`
	JWTSecret            string        `mapstructure:"JWT_SECRET"`
	JWTAccessTTL         time.Duration `mapstructure:"JWT_ACCESS_TTL"`
	JWTRefreshTTL        time.Duration `mapstructure:"JWT_REFRESH_TTL"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	LogFormat            string        `mapstructure:"LOG_FORMAT"`
	UsageQueueSize       int           `mapstructure:"USAGE_QUEUE_SIZE"`
	UsageWorkers         int           `mapstructure:"USAGE_WORKERS"`
	UsageWriteTimeout    time.Duration `mapstructure:"USAGE_WRITE_TIMEOUT"`
	UsageRetentionDays   int           `mapstructure:"USAGE_RETENTION_DAYS"`
	UsageCleanupSchedule string        `mapstructure:"USAGE_CLEANUP_SCHEDULE"`
	RateLimitFailOpen    bool          `mapstructure:"RATELIMIT_FAIL_OPEN"`
	UpstreamURL          string        `mapstructure:"UPSTREAM_URL"`
	ShutdownTimeout      time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var defaults = map[string]interface{}{
	"PORT":                   "8080",
	"DATABASE_URL":           "",
	"REDIS_ADDR":             "",
	"REDIS_PASSWORD":         "",
	"REDIS_DB":               0,
	"JWT_SECRET":             "",
	"JWT_ACCESS_TTL":         "1h",
	"JWT_REFRESH_TTL":        "168h",
	"LOG_LEVEL":              "info",
	"LOG_FORMAT":             "json",
	"USAGE_QUEUE_SIZE":       1024,
	"USAGE_WORKERS":          4,
	"USAGE_WRITE_TIMEOUT":    "5s",
	"USAGE_RETENTION_DAYS":   90,
	"USAGE_CLEANUP_SCHEDULE": "0 3 * * *",
	"RATELIMIT_FAIL_OPEN":    false,
	"UPSTREAM_URL":           "",
	"SHUTDOWN_TIMEOUT":       "15s",
}

// Load reads the configuration. A missing envFile is not an error; existing
// environment variables always win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
			}
			slog.Debug("env file not found, using environment only", "path", envFile)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if c.JWTAccessTTL <= 0 || c.JWTRefreshTTL <= 0 {
		errs = append(errs, errors.New("JWT_ACCESS_TTL and JWT_REFRESH_TTL must be positive"))
	}
	if c.UsageQueueSize <= 0 || c.UsageWorkers <= 0 {
		errs = append(errs, errors.New("USAGE_QUEUE_SIZE and USAGE_WORKERS must be positive"))
	}
	if c.UsageWriteTimeout <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("USAGE_WRITE_TIMEOUT and SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.UsageRetentionDays <= 0 {
		errs = append(errs, errors.New("USAGE_RETENTION_DAYS must be positive"))
	}
	if c.UsageCleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.UsageCleanupSchedule); err != nil {
			errs = append(errs, fmt.Errorf("USAGE_CLEANUP_SCHEDULE is invalid: %w", err))
		}
	}
	if c.UpstreamURL != "" {
		if u, err := url.Parse(c.UpstreamURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("UPSTREAM_URL %q is not an absolute URL", c.UpstreamURL))
		}
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}
