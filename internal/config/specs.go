package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/mixaill76/auto_ai_gateway/internal/balancer"
	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/credential"
	"github.com/mixaill76/auto_ai_gateway/internal/httputil"
	"github.com/mixaill76/auto_ai_gateway/internal/risk"
	"github.com/mixaill76/auto_ai_gateway/internal/telemetry"
)

// credentialNamespace seeds the derived ids of credentials configured
// without one.
var credentialNamespace = uuid.MustParse("3b1f0e52-6a57-4c2e-9d8e-5f4a7c1b2d90")

// CredentialID returns the configured id or one derived from provider and
// name, so the same entry keeps its id across reloads.
func (cc CredentialConfig) CredentialID() string {
	if cc.ID != "" {
		return cc.ID
	}
	return uuid.NewSHA1(credentialNamespace, []byte(cc.Provider+"/"+cc.Name)).String()
}

// ToSpecs groups the credentials by provider.
func (c *Config) ToSpecs() (map[credential.ProviderType][]credential.Spec, error) {
	out := make(map[credential.ProviderType][]credential.Spec)
	for i, cc := range c.Credentials {
		spec, err := cc.Spec(i)
		if err != nil {
			return nil, err
		}
		out[spec.Provider] = append(out[spec.Provider], spec)
	}
	return out, nil
}

// Spec converts one entry. i names unnamed entries.
func (cc CredentialConfig) Spec(i int) (credential.Spec, error) {
	provider, ok := credential.ParseProviderType(cc.Provider)
	if !ok {
		return credential.Spec{}, fmt.Errorf("credential %s: unknown provider %q", cc.Name, cc.Provider)
	}
	if cc.Name == "" {
		cc.Name = fmt.Sprintf("%s-%d", provider, i)
	}

	secret, err := cc.secret()
	if err != nil {
		return credential.Spec{}, fmt.Errorf("credential %s: %w", cc.Name, err)
	}
	return credential.Spec{
		ID:       cc.CredentialID(),
		Name:     cc.Name,
		Provider: provider,
		Secret:   secret,
		ProxyURL: cc.ProxyURL,
	}, nil
}

func (cc CredentialConfig) secret() (credential.Secret, error) {
	switch cc.Type {
	case CredentialTypeAPIKey:
		return credential.APIKeySecret{APIKey: cc.APIKey, BaseURL: cc.BaseURL}, nil
	case CredentialTypeVertex:
		return credential.VertexSecret{
			ProjectID:       cc.ProjectID,
			Location:        cc.Location,
			CredentialsJSON: cc.CredentialsJSON,
			CredentialsFile: cc.CredentialsFile,
		}, nil
	case CredentialTypeOAuth:
		if cc.TokenFile != "" {
			if err := cc.mergeTokenFile(); err != nil {
				return nil, err
			}
		}
		expiresAt, err := parseField(cc.ExpiresAt, time.Time{}, parseExpiry, "expires_at")
		if err != nil {
			return nil, err
		}
		return credential.OAuthSecret{
			AccessToken:  cc.AccessToken,
			RefreshToken: cc.RefreshToken,
			ExpiresAt:    expiresAt,
			AuthMethod:   cc.AuthMethod,
			ClientID:     cc.ClientID,
			ClientSecret: cc.ClientSecret,
			TokenURL:     cc.TokenURL,
			Region:       cc.Region,
			ProfileARN:   cc.ProfileARN,
		}, nil
	default:
		return nil, fmt.Errorf("unknown type %q", cc.Type)
	}
}

// mergeTokenFile fills empty oauth fields from a Kiro token cache file.
// Fields set in the config win.
func (cc *CredentialConfig) mergeTokenFile() error {
	data, err := os.ReadFile(cc.TokenFile)
	if err != nil {
		return fmt.Errorf("failed to read token_file: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("token_file %s is not JSON", cc.TokenFile)
	}
	doc := gjson.ParseBytes(data)
	for field, key := range map[*string]string{
		&cc.AccessToken:  "accessToken",
		&cc.RefreshToken: "refreshToken",
		&cc.ExpiresAt:    "expiresAt",
		&cc.AuthMethod:   "authMethod",
		&cc.ProfileARN:   "profileArn",
		&cc.Region:       "region",
		&cc.ClientID:     "clientId",
		&cc.ClientSecret: "clientSecret",
	} {
		if *field == "" {
			*field = doc.Get(key).String()
		}
	}
	if cc.AccessToken == "" && cc.RefreshToken == "" {
		return fmt.Errorf("token_file %s holds no token", cc.TokenFile)
	}
	return nil
}

// Aliases returns the alias table in config order.
func (c *Config) Aliases() []converter.Alias {
	out := make([]converter.Alias, 0, len(c.ModelAliases))
	for _, a := range c.ModelAliases {
		out = append(out, converter.Alias{From: a.From, To: a.To})
	}
	return out
}

// RiskConfig overlays the configured cooldown settings on the defaults.
func (c *Config) RiskConfig() risk.CooldownConfig {
	out := risk.DefaultCooldownConfig()
	cc := c.Cooldown
	setNonZero(&out.BaseCooldown, cc.BaseCooldown)
	setNonZero(&out.MaxCooldown, cc.MaxCooldown)
	setNonZero(&out.BackoffFactor, cc.BackoffFactor)
	setNonZero(&out.WindowSize, cc.WindowSize)
	setNonZero(&out.WindowDuration, cc.WindowDuration)
	setNonZero(&out.MediumThreshold, cc.MediumThreshold)
	setNonZero(&out.HighThreshold, cc.HighThreshold)
	setNonZero(&out.CriticalThreshold, cc.CriticalThreshold)
	return out
}

func setNonZero[T comparable](field *T, value T) {
	var zero T
	if value != zero {
		*field = value
	}
}

func (c *Config) HTTPClientConfig() *httputil.HTTPClientConfig {
	return &httputil.HTTPClientConfig{
		Timeout:             c.Server.RequestTimeout,
		MaxIdleConns:        c.Server.MaxIdleConns,
		MaxIdleConnsPerHost: c.Server.MaxIdleConnsPerHost,
		IdleConnTimeout:     c.Server.IdleConnTimeout,
	}
}

// BalancerOptions returns the load balancer settings. The config is
// validated, so the strategy always parses.
func (c *Config) BalancerOptions() balancer.Options {
	strategy, _ := balancer.ParseStrategy(c.Balancer.Strategy)
	return balancer.Options{
		Strategy:         strategy,
		FailureThreshold: c.Balancer.FailureThreshold,
		GlobalProxy:      c.Balancer.GlobalProxy,
		ClientConfig:     c.HTTPClientConfig(),
		ClientCacheSize:  c.Balancer.ClientCacheSize,
	}
}

func (c *Config) RecorderConfig() telemetry.Config {
	return telemetry.Config{
		QueueSize:     c.Telemetry.QueueSize,
		BatchSize:     c.Telemetry.BatchSize,
		FlushInterval: c.Telemetry.FlushInterval,
	}
}
