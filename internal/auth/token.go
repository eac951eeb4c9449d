// Package auth resolves the bearer token to send upstream for a credential,
// refreshing OAuth sessions and Google service-account tokens as they expire.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"

	"github.com/mixaill76/auto_ai_gateway/internal/credential"
	"github.com/mixaill76/auto_ai_gateway/internal/httputil"
	"github.com/mixaill76/auto_ai_gateway/internal/logger"
	"github.com/mixaill76/auto_ai_gateway/internal/utils"
)

var (
	// ErrNoToken is returned when a credential has neither a usable access
	// token nor a way to refresh one.
	ErrNoToken = errors.New("no usable token")
	// ErrRefreshFailed wraps refresh endpoint failures.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Kiro refresh endpoints; %s is the region.
const (
	KiroSocialRefreshURL = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	KiroOIDCTokenURL     = "https://oidc.%s.amazonaws.com/token"

	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
	defaultRegion      = "us-east-1"
	refreshTimeout     = 30 * time.Second
)

// Kiro auth methods.
const (
	AuthMethodSocial    = "social"
	AuthMethodBuilderID = "builder-id"
)

type cachedToken struct {
	accessToken  string
	refreshToken string
	profileARN   string
	expiresAt    time.Time
	source       oauth2.TokenSource
}

// TokenManager caches upstream tokens per credential id. Concurrent
// refreshes of one credential share a single upstream call.
type TokenManager struct {
	mu      sync.Mutex
	tokens  map[string]*cachedToken
	refresh singleflight.Group

	logger      *slog.Logger
	client      *http.Client
	clock       utils.Clock
	refreshSkew time.Duration

	socialURL string
	oidcURL   string
}

// NewTokenManager creates a token manager. Tokens are refreshed five minutes
// before they expire.
func NewTokenManager(log *slog.Logger) *TokenManager {
	if log == nil {
		log = logger.Discard()
	}
	return &TokenManager{
		tokens:      make(map[string]*cachedToken),
		logger:      log,
		client:      &http.Client{Timeout: refreshTimeout},
		refreshSkew: 5 * time.Minute,
		socialURL:   KiroSocialRefreshURL,
		oidcURL:     KiroOIDCTokenURL,
	}
}

// SetHTTPClient replaces the client used for refresh calls of credentials
// that have no bound client.
func (tm *TokenManager) SetHTTPClient(c *http.Client) {
	if c != nil {
		tm.client = c
	}
}

// SetClock replaces the time source.
func (tm *TokenManager) SetClock(c utils.Clock) {
	tm.clock = c
}

// SetKiroEndpoints overrides the Kiro refresh URL templates.
func (tm *TokenManager) SetKiroEndpoints(socialURL, oidcURL string) {
	if socialURL != "" {
		tm.socialURL = socialURL
	}
	if oidcURL != "" {
		tm.oidcURL = oidcURL
	}
}

func (tm *TokenManager) now() time.Time {
	return tm.clock.OrDefault()()
}

func (tm *TokenManager) fresh(expiresAt time.Time) bool {
	return expiresAt.IsZero() || tm.now().Before(expiresAt.Add(-tm.refreshSkew))
}

// Token returns the bearer token for cred, refreshing it if needed. Refresh
// calls go through client, the one bound to the credential's proxy; nil
// uses the manager's client. API key credentials return their key unchanged.
func (tm *TokenManager) Token(ctx context.Context, cred credential.Credential, client *http.Client) (string, error) {
	if client == nil {
		client = tm.client
	}
	switch s := cred.Secret.(type) {
	case credential.APIKeySecret:
		if s.APIKey == "" {
			return "", fmt.Errorf("%w: credential %s has an empty api key", ErrNoToken, cred.ID)
		}
		return s.APIKey, nil
	case credential.OAuthSecret:
		return tm.oauthToken(ctx, cred.ID, s, client)
	case credential.VertexSecret:
		return tm.vertexToken(ctx, cred.ID, s, client)
	default:
		return "", fmt.Errorf("%w: credential %s has no secret", ErrNoToken, cred.ID)
	}
}

// ProfileARN returns the profile ARN of a Kiro session, preferring one
// returned by the last refresh.
func (tm *TokenManager) ProfileARN(cred credential.Credential) string {
	tm.mu.Lock()
	c, ok := tm.tokens[cred.ID]
	tm.mu.Unlock()
	if ok && c.profileARN != "" {
		return c.profileARN
	}
	if s, ok := cred.Secret.(credential.OAuthSecret); ok {
		return s.ProfileARN
	}
	return ""
}

// Invalidate drops the cached token of a credential so the next call
// refreshes it.
func (tm *TokenManager) Invalidate(id string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if c, ok := tm.tokens[id]; ok {
		// Keep the rotated refresh token.
		c.accessToken = ""
		c.expiresAt = time.Time{}
		c.source = nil
	}
	tm.logger.Debug("Cleared cached token", "credential_id", id)
}

// Forget removes every cached value of a credential.
func (tm *TokenManager) Forget(id string) {
	tm.mu.Lock()
	delete(tm.tokens, id)
	tm.mu.Unlock()
}

// Expiry returns the expiry of a cached token.
func (tm *TokenManager) Expiry(id string) (time.Time, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if c, ok := tm.tokens[id]; ok && c.accessToken != "" {
		return c.expiresAt, true
	}
	return time.Time{}, false
}

func (tm *TokenManager) cached(id string) (cachedToken, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	c, ok := tm.tokens[id]
	if !ok {
		return cachedToken{}, false
	}
	return *c, true
}

func (tm *TokenManager) store(id string, c cachedToken) {
	tm.mu.Lock()
	tm.tokens[id] = &c
	tm.mu.Unlock()
}

func (tm *TokenManager) oauthToken(ctx context.Context, id string, s credential.OAuthSecret, client *http.Client) (string, error) {
	if tok, ok := tm.freshOAuth(id, s); ok {
		return tok, nil
	}
	v, err, _ := tm.refresh.Do(id, func() (any, error) {
		// A refresh that finished while this caller waited already stored
		// the new token.
		if tok, ok := tm.freshOAuth(id, s); ok {
			return tok, nil
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return tm.refreshOAuthToken(ctx, id, s, client)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// freshOAuth returns a cached or configured access token that does not need
// a refresh yet.
func (tm *TokenManager) freshOAuth(id string, s credential.OAuthSecret) (string, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	c, ok := tm.tokens[id]
	if ok {
		return c.accessToken, c.accessToken != "" && tm.fresh(c.expiresAt)
	}
	if s.AccessToken != "" && tm.fresh(s.ExpiresAt) {
		tm.tokens[id] = &cachedToken{accessToken: s.AccessToken, refreshToken: s.RefreshToken, expiresAt: s.ExpiresAt, profileARN: s.ProfileARN}
		return s.AccessToken, true
	}
	return "", false
}

func (tm *TokenManager) refreshOAuthToken(ctx context.Context, id string, s credential.OAuthSecret, client *http.Client) (string, error) {
	c, ok := tm.cached(id)
	if !ok {
		c = cachedToken{refreshToken: s.RefreshToken, profileARN: s.ProfileARN}
	}
	refreshToken := c.refreshToken
	if refreshToken == "" {
		refreshToken = s.RefreshToken
	}
	if refreshToken == "" {
		return "", fmt.Errorf("%w: credential %s has expired and no refresh token", ErrNoToken, id)
	}

	tm.logger.Debug("Refreshing OAuth token", "credential_id", id, "auth_method", s.AuthMethod)

	var (
		next cachedToken
		err  error
	)
	switch {
	case s.AuthMethod == AuthMethodSocial:
		next, err = tm.refreshKiroSocial(ctx, client, s, refreshToken)
	case s.AuthMethod == AuthMethodBuilderID:
		next, err = tm.refreshKiroOIDC(ctx, client, s, refreshToken)
	case s.TokenURL != "":
		next, err = tm.refreshOAuth2(ctx, client, s, refreshToken)
	default:
		err = fmt.Errorf("%w: credential %s has no refresh method", ErrNoToken, id)
	}
	if err != nil {
		tm.logger.Error("Failed to refresh OAuth token", "credential_id", id, "error", err)
		return "", err
	}

	if next.refreshToken == "" {
		next.refreshToken = refreshToken
	}
	if next.profileARN == "" {
		next.profileARN = c.profileARN
	}
	tm.store(id, next)
	tm.logger.Info("OAuth token refreshed", "credential_id", id, "expires_at", next.expiresAt)
	return next.accessToken, nil
}

type kiroRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	ProfileARN   string `json:"profileArn"`
}

func region(s credential.OAuthSecret) string {
	if s.Region == "" {
		return defaultRegion
	}
	return s.Region
}

func (tm *TokenManager) refreshKiroSocial(ctx context.Context, client *http.Client, s credential.OAuthSecret, refreshToken string) (cachedToken, error) {
	body := map[string]string{"refreshToken": refreshToken}
	return tm.postRefresh(ctx, client, fmt.Sprintf(tm.socialURL, region(s)), body)
}

func (tm *TokenManager) refreshKiroOIDC(ctx context.Context, client *http.Client, s credential.OAuthSecret, refreshToken string) (cachedToken, error) {
	body := map[string]string{
		"refreshToken": refreshToken,
		"clientId":     s.ClientID,
		"clientSecret": s.ClientSecret,
		"grantType":    "refresh_token",
	}
	return tm.postRefresh(ctx, client, fmt.Sprintf(tm.oidcURL, region(s)), body)
}

func (tm *TokenManager) postRefresh(ctx context.Context, client *http.Client, url string, payload any) (cachedToken, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return cachedToken{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return cachedToken{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return cachedToken{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return cachedToken{}, fmt.Errorf("%w: read body: %w", ErrRefreshFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return cachedToken{}, fmt.Errorf("%w: status %d: %s", ErrRefreshFailed, resp.StatusCode, httputil.SafeStringPreview(raw, 200))
	}

	var out kiroRefreshResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return cachedToken{}, fmt.Errorf("%w: decode: %w", ErrRefreshFailed, err)
	}
	if out.AccessToken == "" {
		return cachedToken{}, fmt.Errorf("%w: response has no accessToken", ErrRefreshFailed)
	}

	c := cachedToken{accessToken: out.AccessToken, refreshToken: out.RefreshToken, profileARN: out.ProfileARN}
	if out.ExpiresIn > 0 {
		c.expiresAt = tm.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return c, nil
}

func (tm *TokenManager) refreshOAuth2(ctx context.Context, client *http.Client, s credential.OAuthSecret, refreshToken string) (cachedToken, error) {
	cfg := &oauth2.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: s.TokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	// An already expired token forces the source to refresh.
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}).Token()
	if err != nil {
		return cachedToken{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	return cachedToken{accessToken: tok.AccessToken, refreshToken: tok.RefreshToken, expiresAt: tok.Expiry}, nil
}

func (tm *TokenManager) vertexToken(ctx context.Context, id string, s credential.VertexSecret, client *http.Client) (string, error) {
	if c, ok := tm.cached(id); ok && c.accessToken != "" && tm.fresh(c.expiresAt) {
		return c.accessToken, nil
	}
	v, err, _ := tm.refresh.Do(id, func() (any, error) {
		c, ok := tm.cached(id)
		if ok && c.accessToken != "" && tm.fresh(c.expiresAt) {
			return c.accessToken, nil
		}

		source := c.source
		if source == nil {
			var err error
			source, err = vertexTokenSource(ctx, s, client)
			if err != nil {
				return "", err
			}
			tm.logger.Debug("Created Vertex AI token source", "credential_id", id)
		}

		tok, err := source.Token()
		if err != nil {
			tm.logger.Error("Failed to get Vertex AI token", "credential_id", id, "error", err)
			tm.Forget(id)
			return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}
		tm.store(id, cachedToken{accessToken: tok.AccessToken, expiresAt: tok.Expiry, source: source})
		tm.logger.Info("Vertex AI token refreshed", "credential_id", id, "expires_at", tok.Expiry)
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func vertexTokenSource(ctx context.Context, s credential.VertexSecret, client *http.Client) (oauth2.TokenSource, error) {
	var raw []byte
	switch {
	case s.CredentialsFile != "":
		data, err := os.ReadFile(s.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file %s: %w", s.CredentialsFile, err)
		}
		raw = data
	case s.CredentialsJSON != "":
		raw = []byte(s.CredentialsJSON)
	default:
		return nil, fmt.Errorf("%w: no service account credentials", ErrNoToken)
	}

	var account struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, fmt.Errorf("invalid service account JSON: %w", err)
	}
	if account.Type != "service_account" {
		return nil, fmt.Errorf("credentials must be for a service account, got type: %q", account.Type)
	}

	// The token source outlives the request that created it.
	ctx = context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, client)
	creds, err := google.CredentialsFromJSON(ctx, raw, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials: %w", err)
	}
	return creds.TokenSource, nil
}
