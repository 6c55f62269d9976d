package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envLogLevel         = "LG_LOG_LEVEL"
	envResourcesFile    = "LG_RESOURCES_FILE"
	envStartTimeout     = "LG_START_TIMEOUT"
	envShutdownTimeout  = "LG_SHUTDOWN_TIMEOUT"
	envHealthInterval   = "LG_HEALTH_INTERVAL"
	envHealthJitter     = "LG_HEALTH_JITTER"
	envProbeTimeout     = "LG_PROBE_TIMEOUT"
	envFailureThreshold = "LG_FAILURE_THRESHOLD"
	envBackoffBase      = "LG_BACKOFF_BASE"
	envBackoffCap       = "LG_BACKOFF_CAP"
	envMaxRetries       = "LG_MAX_RETRIES"
	envProbeOnQuery     = "LG_HEALTH_PROBE_ON_QUERY"
	envHTTPPort         = "LG_HTTP_PORT"
	envWebhookURL       = "LG_WEBHOOK_URL"
	envSlackWebhookURL  = "LG_SLACK_WEBHOOK_URL"
)

const (
	defaultStartTimeout     = 30 * time.Second
	defaultShutdownTimeout  = 30 * time.Second
	defaultHealthInterval   = 30 * time.Second
	defaultHealthJitter     = 2 * time.Second
	defaultProbeTimeout     = 5 * time.Second
	defaultFailureThreshold = 3
	defaultBackoffBase      = 1 * time.Second
	defaultBackoffCap       = 30 * time.Second
	defaultMaxRetries       = 5
	defaultHTTPPort         = 8080
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	LogLevel         string
	ResourcesFile    string
	StartTimeout     time.Duration
	ShutdownTimeout  time.Duration
	HealthInterval   time.Duration
	HealthJitter     time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	MaxRetries       int
	ProbeOnQuery     bool
	HTTPPort         int
	WebhookURL       string
	SlackWebhookURL  string
}

// Load reads configuration from environment variables and a local .env
// file if present. Existing environment variables take precedence over
// values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		LogLevel:         "info",
		StartTimeout:     defaultStartTimeout,
		ShutdownTimeout:  defaultShutdownTimeout,
		HealthInterval:   defaultHealthInterval,
		HealthJitter:     defaultHealthJitter,
		ProbeTimeout:     defaultProbeTimeout,
		FailureThreshold: defaultFailureThreshold,
		BackoffBase:      defaultBackoffBase,
		BackoffCap:       defaultBackoffCap,
		MaxRetries:       defaultMaxRetries,
		HTTPPort:         defaultHTTPPort,
	}

	if value, ok := lookupTrimmed(envLogLevel); ok {
		cfg.LogLevel = value
	}
	if value, ok := lookupTrimmed(envResourcesFile); ok {
		cfg.ResourcesFile = value
	}

	durations := []struct {
		env    string
		target *time.Duration
	}{
		{envStartTimeout, &cfg.StartTimeout},
		{envShutdownTimeout, &cfg.ShutdownTimeout},
		{envHealthInterval, &cfg.HealthInterval},
		{envHealthJitter, &cfg.HealthJitter},
		{envProbeTimeout, &cfg.ProbeTimeout},
		{envBackoffBase, &cfg.BackoffBase},
		{envBackoffCap, &cfg.BackoffCap},
	}
	for _, d := range durations {
		value, ok := lookupTrimmed(d.env)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.env, err)
		}
		if parsed <= 0 && d.env != envHealthJitter {
			return Config{}, fmt.Errorf("%s must be greater than zero", d.env)
		}
		if parsed < 0 {
			return Config{}, fmt.Errorf("%s cannot be negative", d.env)
		}
		*d.target = parsed
	}

	integers := []struct {
		env    string
		target *int
	}{
		{envFailureThreshold, &cfg.FailureThreshold},
		{envMaxRetries, &cfg.MaxRetries},
	}
	for _, n := range integers {
		value, ok := lookupTrimmed(n.env)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", n.env, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than zero", n.env)
		}
		*n.target = parsed
	}

	if value, ok := lookupTrimmed(envHTTPPort); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envHTTPPort, err)
		}
		if parsed < 0 || parsed > 65535 {
			return Config{}, fmt.Errorf("%s must be between 0 and 65535", envHTTPPort)
		}
		cfg.HTTPPort = parsed
	}

	if value, ok := lookupTrimmed(envProbeOnQuery); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envProbeOnQuery, err)
		}
		cfg.ProbeOnQuery = parsed
	}

	if value, ok := lookupTrimmed(envWebhookURL); ok {
		cfg.WebhookURL = value
	}
	if value, ok := lookupTrimmed(envSlackWebhookURL); ok {
		cfg.SlackWebhookURL = value
	}

	if cfg.ResourcesFile == "" {
		return Config{}, errors.New("LG_RESOURCES_FILE is required")
	}
	if cfg.WebhookURL != "" {
		if err := validateURL(cfg.WebhookURL, envWebhookURL); err != nil {
			return Config{}, err
		}
	}
	if cfg.SlackWebhookURL != "" {
		if err := validateURL(cfg.SlackWebhookURL, envSlackWebhookURL); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
