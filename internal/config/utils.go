package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mixaill76/auto_ai_gateway/internal/security"
)

// resolveEnvString resolves environment variable if value is in format "os.environ/VAR_NAME"
func resolveEnvString(value string) string {
	const prefix = "os.environ/"
	if strings.HasPrefix(value, prefix) {
		envVar := strings.TrimPrefix(value, prefix)
		if envValue := os.Getenv(envVar); envValue != "" {
			return envValue
		}
		slog.Warn("environment variable not set, returning empty string",
			"env_var", envVar,
			"pattern", value,
		)
		return ""
	}
	return value
}

// parseFunc is a function type that parses a string value into the desired type
type parseFunc[T any] func(string) (T, error)

// parseField resolves env variable and parses value with proper error context
func parseField[T any](tempValue string, defaultValue T, parser parseFunc[T], fieldPath string) (T, error) {
	if tempValue == "" {
		return defaultValue, nil
	}

	resolved := resolveEnvString(tempValue)
	parsed, err := parser(resolved)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", fieldPath, err)
	}
	return parsed, nil
}

// parseExpiry accepts RFC 3339 timestamps and unix seconds or milliseconds.
func parseExpiry(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or unix time, got %q", s)
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}

// validateBaseURL validates that a URL is properly formed with http/https scheme
func validateBaseURL(credentialName, baseURL string) error {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("credential %s: invalid base_url: %w", credentialName, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("credential %s: base_url must use http or https scheme, got: %s", credentialName, parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("credential %s: base_url must have a host", credentialName)
	}
	return nil
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// PrintConfig outputs the configuration in a structured, readable format to the logger
func PrintConfig(logger *slog.Logger, cfg *Config) {
	logger.Info("=== Configuration Loaded ===")

	logger.Info("server",
		"port", cfg.Server.Port,
		"max_body_size_mb", cfg.Server.MaxBodySizeMB,
		"request_timeout", cfg.Server.RequestTimeout.String(),
		"read_timeout", cfg.Server.ReadTimeout.String(),
		"write_timeout", cfg.Server.WriteTimeout.String(),
		"idle_timeout", cfg.Server.IdleTimeout.String(),
		"logging_level", cfg.Server.LoggingLevel,
		"logging_format", cfg.Server.LoggingFormat,
		"master_key", masterKeyState(cfg.Server.MasterKey),
		"default_provider", cfg.Server.DefaultProvider,
	)

	logger.Info("balancer",
		"strategy", cfg.Balancer.Strategy,
		"failure_threshold", cfg.Balancer.FailureThreshold,
		"max_attempts", attemptsToString(cfg.Balancer.MaxAttempts),
		"global_proxy", maskedURL(cfg.Balancer.GlobalProxy),
	)

	rc := cfg.RiskConfig()
	logger.Info("cooldown",
		"base", rc.BaseCooldown.String(),
		"max", rc.MaxCooldown.String(),
		"backoff_factor", rc.BackoffFactor,
		"window", rc.WindowDuration.String(),
	)

	logger.Info("credentials",
		"total_count", len(cfg.Credentials),
	)
	for i, cred := range cfg.Credentials {
		logger.Info(fmt.Sprintf("  [%d] credential", i),
			"name", cred.Name,
			"provider", cred.Provider,
			"type", cred.Type,
			"proxy", maskedURL(cred.ProxyURL),
		)
	}

	logger.Info("model_aliases", "total_count", len(cfg.ModelAliases))

	logger.Info("monitoring",
		"prometheus_enabled", cfg.Monitoring.PrometheusEnabled,
		"health_check_path", cfg.Monitoring.HealthCheckPath,
		"errors_log_path", cfg.Monitoring.ErrorsLogPath,
	)

	if cfg.Telemetry.Enabled {
		logger.Info("telemetry (ENABLED)",
			"database", security.MaskDatabaseURL(cfg.Telemetry.DatabaseURL),
			"log_records", cfg.Telemetry.LogRecords,
			"queue_size", cfg.Telemetry.QueueSize,
			"batch_size", cfg.Telemetry.BatchSize,
			"flush_interval", cfg.Telemetry.FlushInterval.String(),
		)
	} else {
		logger.Info("telemetry", "status", "DISABLED")
	}

	if cfg.Amp.UpstreamURL != "" {
		logger.Info("amp", "upstream_url", cfg.Amp.UpstreamURL, "api_key", security.MaskAPIKey(cfg.Amp.APIKey))
	}

	logger.Info("=== Configuration Ready ===")
}

func masterKeyState(key string) string {
	if key == "" {
		return "disabled"
	}
	return "***REDACTED***"
}

// attemptsToString shows "all available" for 0
func attemptsToString(n int) string {
	if n == 0 {
		return "all available"
	}
	return fmt.Sprintf("%d", n)
}

func maskedURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
