package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mixaill76/auto_ai_gateway/internal/balancer"
	"github.com/mixaill76/auto_ai_gateway/internal/credential"
	"github.com/mixaill76/auto_ai_gateway/internal/httputil"
)

// Credential types.
const (
	CredentialTypeAPIKey = "api_key"
	CredentialTypeOAuth  = "oauth"
	CredentialTypeVertex = "vertex"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Balancer     BalancerConfig     `yaml:"balancer"`
	Cooldown     CooldownConfig     `yaml:"cooldown"`
	Credentials  []CredentialConfig `yaml:"credentials"`
	ModelAliases []AliasConfig      `yaml:"model_aliases"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Amp          AmpConfig          `yaml:"amp"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	MaxBodySizeMB   int           `yaml:"max_body_size_mb"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LoggingLevel    string        `yaml:"logging_level"`
	LoggingFormat   string        `yaml:"logging_format"`
	// MasterKey is optional; empty disables inbound auth.
	MasterKey       string `yaml:"master_key"`
	DefaultProvider string `yaml:"default_provider"`

	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

type BalancerConfig struct {
	Strategy         string `yaml:"strategy"`
	FailureThreshold int    `yaml:"failure_threshold"`
	// MaxAttempts bounds failover per request; 0 tries every available
	// credential once.
	MaxAttempts     int    `yaml:"max_attempts"`
	GlobalProxy     string `yaml:"global_proxy"`
	ClientCacheSize int    `yaml:"client_cache_size"`
}

type CooldownConfig struct {
	BaseCooldown      time.Duration `yaml:"base_cooldown"`
	MaxCooldown       time.Duration `yaml:"max_cooldown"`
	BackoffFactor     float64       `yaml:"backoff_factor"`
	WindowSize        int           `yaml:"window_size"`
	WindowDuration    time.Duration `yaml:"window_duration"`
	MediumThreshold   int           `yaml:"medium_threshold"`
	HighThreshold     int           `yaml:"high_threshold"`
	CriticalThreshold int           `yaml:"critical_threshold"`
}

// CredentialConfig is one credentials entry. Which fields apply depends on
// Type.
type CredentialConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	Type     string `yaml:"type"`
	ProxyURL string `yaml:"proxy_url"`

	// api_key
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// oauth
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	ExpiresAt    string `yaml:"expires_at"`
	AuthMethod   string `yaml:"auth_method"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	Region       string `yaml:"region"`
	ProfileARN   string `yaml:"profile_arn"`
	// TokenFile is a Kiro token cache JSON file; its fields fill the empty
	// oauth fields above.
	TokenFile string `yaml:"token_file"`

	// vertex
	ProjectID       string `yaml:"project_id"`
	Location        string `yaml:"location"`
	CredentialsFile string `yaml:"credentials_file"`
	CredentialsJSON string `yaml:"credentials_json"`
}

// AliasConfig maps a public model name onto an upstream one. A trailing "*"
// in From matches any suffix.
type AliasConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// LogRecords also writes every record to the application log.
	LogRecords    bool          `yaml:"log_records"`
	DatabaseURL   string        `yaml:"database_url"`
	MaxConns      int32         `yaml:"max_conns"`
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
	MetricsPath       string `yaml:"metrics_path"`
	ErrorsLogPath     string `yaml:"errors_log_path"`
}

// AmpConfig is the upstream of the /api/auth and /api/user routes.
type AmpConfig struct {
	UpstreamURL string `yaml:"upstream_url"`
	APIKey      string `yaml:"api_key"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, normalizes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Normalize resolves os.environ/ references and fills defaults.
func (c *Config) Normalize() {
	s := &c.Server
	s.MasterKey = resolveEnvString(s.MasterKey)
	setDefault(&s.Port, 8080)
	setDefault(&s.MaxBodySizeMB, 10)
	setDefault(&s.RequestTimeout, 5*time.Minute)
	setDefault(&s.ReadTimeout, 30*time.Second)
	setDefault(&s.WriteTimeout, 10*time.Minute)
	setDefault(&s.IdleTimeout, 2*time.Minute)
	setDefault(&s.ShutdownTimeout, 30*time.Second)
	setDefault(&s.LoggingLevel, "info")
	setDefault(&s.LoggingFormat, "text")
	setDefault(&s.DefaultProvider, string(credential.ProviderKiro))
	s.LoggingLevel = strings.ToLower(s.LoggingLevel)
	s.LoggingFormat = strings.ToLower(s.LoggingFormat)

	c.Balancer.GlobalProxy = resolveEnvString(c.Balancer.GlobalProxy)
	setDefault(&c.Balancer.Strategy, string(balancer.StrategyRoundRobin))

	for i := range c.Credentials {
		c.Credentials[i].normalize()
	}
	for i := range c.ModelAliases {
		c.ModelAliases[i].From = strings.TrimSpace(c.ModelAliases[i].From)
		c.ModelAliases[i].To = strings.TrimSpace(c.ModelAliases[i].To)
	}

	c.Telemetry.DatabaseURL = resolveEnvString(c.Telemetry.DatabaseURL)
	setDefault(&c.Monitoring.HealthCheckPath, "/health")
	setDefault(&c.Monitoring.MetricsPath, "/metrics")
	c.Amp.UpstreamURL = resolveEnvString(c.Amp.UpstreamURL)
	c.Amp.APIKey = resolveEnvString(c.Amp.APIKey)
}

func (cc *CredentialConfig) normalize() {
	for _, f := range []*string{
		&cc.APIKey, &cc.BaseURL, &cc.AccessToken, &cc.RefreshToken,
		&cc.ClientID, &cc.ClientSecret, &cc.ProfileARN, &cc.TokenFile,
		&cc.CredentialsFile, &cc.CredentialsJSON, &cc.ProjectID, &cc.ProxyURL,
	} {
		*f = resolveEnvString(*f)
	}
	cc.Provider = strings.ToLower(strings.TrimSpace(cc.Provider))
	if p, ok := credential.ParseProviderType(cc.Provider); ok {
		cc.Provider = string(p)
	}
	// A trailing /v1 is added back per request.
	cc.BaseURL = strings.TrimSuffix(strings.TrimRight(cc.BaseURL, "/"), "/v1")
	if cc.Type == "" {
		cc.Type = defaultCredentialType(credential.ProviderType(cc.Provider))
	}
}

func defaultCredentialType(p credential.ProviderType) string {
	switch p {
	case credential.ProviderKiro:
		return CredentialTypeOAuth
	case credential.ProviderVertex:
		return CredentialTypeVertex
	default:
		return CredentialTypeAPIKey
	}
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("invalid max_body_size_mb: %d", c.Server.MaxBodySizeMB)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request_timeout: %v", c.Server.RequestTimeout)
	}
	if !validLevels[c.Server.LoggingLevel] {
		return fmt.Errorf("invalid logging_level: %s (must be debug, info, warn or error)", c.Server.LoggingLevel)
	}
	if c.Server.LoggingFormat != "text" && c.Server.LoggingFormat != "json" {
		return fmt.Errorf("invalid logging_format: %s (must be text or json)", c.Server.LoggingFormat)
	}
	if _, ok := credential.ParseProviderType(c.Server.DefaultProvider); !ok {
		return fmt.Errorf("invalid default_provider: %s", c.Server.DefaultProvider)
	}

	if _, err := balancer.ParseStrategy(c.Balancer.Strategy); err != nil {
		return err
	}
	if c.Balancer.FailureThreshold < 0 {
		return fmt.Errorf("invalid failure_threshold: %d", c.Balancer.FailureThreshold)
	}
	if c.Balancer.MaxAttempts < 0 {
		return fmt.Errorf("invalid max_attempts: %d", c.Balancer.MaxAttempts)
	}
	if c.Balancer.GlobalProxy != "" {
		if _, err := httputil.ParseProxyURL(c.Balancer.GlobalProxy); err != nil {
			return fmt.Errorf("global_proxy: %w", err)
		}
	}

	if err := c.Cooldown.validate(); err != nil {
		return err
	}

	names := make(map[string]bool, len(c.Credentials))
	for i, cred := range c.Credentials {
		if err := cred.validate(i); err != nil {
			return err
		}
		key := cred.Provider + "/" + cred.Name
		if cred.Name != "" && names[key] {
			return fmt.Errorf("credential %s: duplicate name", cred.Name)
		}
		names[key] = true
	}

	for i, a := range c.ModelAliases {
		if a.From == "" || a.To == "" {
			return fmt.Errorf("model_aliases[%d]: from and to are required", i)
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.DatabaseURL == "" && !c.Telemetry.LogRecords {
		return fmt.Errorf("telemetry: database_url or log_records is required when enabled")
	}
	if c.Amp.UpstreamURL != "" {
		if err := validateBaseURL("amp", c.Amp.UpstreamURL); err != nil {
			return err
		}
	}
	return nil
}

func (c CooldownConfig) validate() error {
	if c.BaseCooldown < 0 || c.MaxCooldown < 0 || c.WindowDuration < 0 {
		return fmt.Errorf("cooldown: durations must not be negative")
	}
	if c.BaseCooldown > 0 && c.MaxCooldown > 0 && c.BaseCooldown > c.MaxCooldown {
		return fmt.Errorf("cooldown: base_cooldown %v exceeds max_cooldown %v", c.BaseCooldown, c.MaxCooldown)
	}
	if c.BackoffFactor != 0 && c.BackoffFactor < 1 {
		return fmt.Errorf("cooldown: backoff_factor must be >= 1, got %v", c.BackoffFactor)
	}
	return nil
}

func (cc CredentialConfig) validate(i int) error {
	label := cc.Name
	if label == "" {
		label = fmt.Sprintf("#%d", i)
	}
	provider, ok := credential.ParseProviderType(cc.Provider)
	if !ok {
		return fmt.Errorf("credential %s: unknown provider %q", label, cc.Provider)
	}
	if cc.ProxyURL != "" {
		if _, err := httputil.ParseProxyURL(cc.ProxyURL); err != nil {
			return fmt.Errorf("credential %s: %w", label, err)
		}
	}
	if cc.BaseURL != "" {
		if err := validateBaseURL(label, cc.BaseURL); err != nil {
			return err
		}
	}
	if _, err := parseField(cc.ExpiresAt, time.Time{}, parseExpiry, "credential "+label+": expires_at"); err != nil {
		return err
	}

	switch cc.Type {
	case CredentialTypeAPIKey:
		if cc.APIKey == "" {
			return fmt.Errorf("credential %s: api_key is required", label)
		}
	case CredentialTypeOAuth:
		if cc.AccessToken == "" && cc.RefreshToken == "" && cc.TokenFile == "" {
			return fmt.Errorf("credential %s: access_token, refresh_token or token_file is required", label)
		}
	case CredentialTypeVertex:
		if provider != credential.ProviderVertex {
			return fmt.Errorf("credential %s: type vertex requires provider vertex", label)
		}
		if cc.ProjectID == "" {
			return fmt.Errorf("credential %s: project_id is required", label)
		}
		if cc.CredentialsFile == "" && cc.CredentialsJSON == "" {
			return fmt.Errorf("credential %s: credentials_file or credentials_json is required", label)
		}
	default:
		return fmt.Errorf("credential %s: unknown type %q", label, cc.Type)
	}
	return nil
}
