package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mixaill76/auto_ai_gateway/internal/credential"
	"github.com/mixaill76/auto_ai_gateway/internal/utils"
)

type fakeSource struct {
	token *oauth2.Token
	err   error
	calls int
}

func (f *fakeSource) Token() (*oauth2.Token, error) {
	f.calls++
	return f.token, f.err
}

func newManager(t *testing.T) (*TokenManager, *utils.ManualClock) {
	t.Helper()
	clock := utils.NewManualClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	tm := NewTokenManager(nil)
	tm.SetClock(clock.Now)
	return tm, clock
}

func TestToken_APIKey(t *testing.T) {
	tm, _ := newManager(t)
	tok, err := tm.Token(context.Background(), credential.Credential{ID: "a", Secret: credential.APIKeySecret{APIKey: "sk-1"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sk-1", tok)

	_, err = tm.Token(context.Background(), credential.Credential{ID: "b", Secret: credential.APIKeySecret{}}, nil)
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = tm.Token(context.Background(), credential.Credential{ID: "c"}, nil)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestToken_OAuthStillValid(t *testing.T) {
	tm, clock := newManager(t)
	cred := credential.Credential{ID: "k", Secret: credential.OAuthSecret{
		AccessToken: "live",
		ExpiresAt:   clock.Now().Add(time.Hour),
	}}
	tok, err := tm.Token(context.Background(), cred, nil)
	require.NoError(t, err)
	assert.Equal(t, "live", tok)

	exp, ok := tm.Expiry("k")
	assert.True(t, ok)
	assert.Equal(t, clock.Now().Add(time.Hour), exp)
}

func TestToken_KiroSocialRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/social/eu-central-1", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if n == 1 {
			assert.Equal(t, "rt-1", body["refreshToken"])
			_ = json.NewEncoder(w).Encode(map[string]any{
				"accessToken":  "at-2",
				"refreshToken": "rt-2",
				"expiresIn":    3600,
				"profileArn":   "arn:new",
			})
			return
		}
		assert.Equal(t, "rt-2", body["refreshToken"])
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "at-3", "expiresIn": 3600})
	}))
	defer srv.Close()

	tm, clock := newManager(t)
	tm.SetKiroEndpoints(srv.URL+"/social/%s", "")
	cred := credential.Credential{ID: "k", Secret: credential.OAuthSecret{
		AccessToken:  "old",
		RefreshToken: "rt-1",
		ExpiresAt:    clock.Now().Add(2 * time.Minute),
		AuthMethod:   AuthMethodSocial,
		Region:       "eu-central-1",
		ProfileARN:   "arn:old",
	}}

	tok, err := tm.Token(context.Background(), cred, nil)
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok)
	assert.Equal(t, "arn:new", tm.ProfileARN(cred))

	tok, err = tm.Token(context.Background(), cred, nil)
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok)
	assert.Equal(t, int32(1), calls.Load(), "cached until close to expiry")

	clock.Advance(56 * time.Minute)
	tok, err = tm.Token(context.Background(), cred, nil)
	require.NoError(t, err)
	assert.Equal(t, "at-3", tok)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "arn:new", tm.ProfileARN(cred), "profile arn survives a refresh without one")
}

func TestToken_KiroBuilderIDRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body["grantType"])
		assert.Equal(t, "cid", body["clientId"])
		assert.Equal(t, "csecret", body["clientSecret"])
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "oidc-at", "expiresIn": 60})
	}))
	defer srv.Close()

	tm, _ := newManager(t)
	tm.SetKiroEndpoints("", srv.URL+"/%s/token")
	cred := credential.Credential{ID: "b", Secret: credential.OAuthSecret{
		RefreshToken: "rt",
		AuthMethod:   AuthMethodBuilderID,
		ClientID:     "cid",
		ClientSecret: "csecret",
	}}
	tok, err := tm.Token(context.Background(), cred, nil)
	require.NoError(t, err)
	assert.Equal(t, "oidc-at", tok)

	tm.Invalidate("b")
	_, ok := tm.Expiry("b")
	assert.False(t, ok)
}

func TestToken_RefreshErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	tm, _ := newManager(t)
	tm.SetKiroEndpoints(srv.URL+"/%s", "")

	_, err := tm.Token(context.Background(), credential.Credential{ID: "x", Secret: credential.OAuthSecret{
		RefreshToken: "rt", AuthMethod: AuthMethodSocial,
	}}, nil)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Contains(t, err.Error(), "invalid_grant")

	_, err = tm.Token(context.Background(), credential.Credential{ID: "y", Secret: credential.OAuthSecret{}}, nil)
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = tm.Token(context.Background(), credential.Credential{ID: "z", Secret: credential.OAuthSecret{RefreshToken: "rt"}}, nil)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestToken_OAuth2TokenURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "std-at",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	tm, _ := newManager(t)
	cred := credential.Credential{ID: "o", Secret: credential.OAuthSecret{
		RefreshToken: "rt",
		ClientID:     "cid",
		TokenURL:     srv.URL + "/token",
	}}
	tok, err := tm.Token(context.Background(), cred, nil)
	require.NoError(t, err)
	assert.Equal(t, "std-at", tok)
}

func TestToken_VertexCachedSource(t *testing.T) {
	tm, clock := newManager(t)
	src := &fakeSource{token: &oauth2.Token{AccessToken: "g-1", Expiry: clock.Now().Add(time.Hour)}}
	tm.store("v", cachedToken{source: src})

	cred := credential.Credential{ID: "v", Secret: credential.VertexSecret{ProjectID: "p"}}
	tok, err := tm.Token(context.Background(), cred, nil)
	require.NoError(t, err)
	assert.Equal(t, "g-1", tok)

	_, err = tm.Token(context.Background(), cred, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	clock.Advance(58 * time.Minute)
	src.err = errors.New("boom")
	_, err = tm.Token(context.Background(), cred, nil)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	_, ok := tm.cached("v")
	assert.False(t, ok, "failed source is dropped")
}

func TestToken_VertexInvalidCredentials(t *testing.T) {
	tm, _ := newManager(t)

	_, err := tm.Token(context.Background(), credential.Credential{ID: "v1", Secret: credential.VertexSecret{}}, nil)
	assert.ErrorIs(t, err, ErrNoToken)

	_, err = tm.Token(context.Background(), credential.Credential{ID: "v2", Secret: credential.VertexSecret{
		CredentialsJSON: `{"type":"authorized_user"}`,
	}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service account")

	_, err = tm.Token(context.Background(), credential.Credential{ID: "v3", Secret: credential.VertexSecret{
		CredentialsFile: "/does/not/exist.json",
	}}, nil)
	assert.Error(t, err)
}

func TestToken_UsesInjectedClient(t *testing.T) {
	var proxied atomic.Bool
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Store(true)
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "via-proxy", "expiresIn": 3600})
	}))
	defer proxy.Close()

	proxyURL, err := url.Parse(proxy.URL)
	require.NoError(t, err)

	tm, _ := newManager(t)
	tm.SetHTTPClient(&http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}})
	tm.SetKiroEndpoints("http://kiro.invalid/%s", "")

	tok, err := tm.Token(context.Background(), credential.Credential{ID: "p", Secret: credential.OAuthSecret{
		RefreshToken: "rt", AuthMethod: AuthMethodSocial,
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "via-proxy", tok)
	assert.True(t, proxied.Load())
}

func TestToken_ConcurrentRefreshRunsOnce(t *testing.T) {
	var (
		mu      sync.Mutex
		current = "rt-0"
		calls   int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		defer mu.Unlock()
		calls++
		if body["refreshToken"] != current {
			http.Error(w, `{"error":"refresh token already used"}`, http.StatusUnauthorized)
			return
		}
		current = fmt.Sprintf("rt-%d", calls)
		time.Sleep(20 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  fmt.Sprintf("at-%d", calls),
			"refreshToken": current,
			"expiresIn":    3600,
		})
	}))
	defer srv.Close()

	tm, clock := newManager(t)
	tm.SetKiroEndpoints(srv.URL+"/%s", "")
	cred := credential.Credential{ID: "shared", Secret: credential.OAuthSecret{
		AccessToken:  "stale",
		RefreshToken: "rt-0",
		ExpiresAt:    clock.Now().Add(-time.Minute),
		AuthMethod:   AuthMethodSocial,
	}}

	const callers = 8
	var (
		wg     sync.WaitGroup
		start  = make(chan struct{})
		tokens = make([]string, callers)
		errs   = make([]error, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			tokens[i], errs[i] = tm.Token(context.Background(), cred, nil)
		}()
	}
	close(start)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-1", tokens[i])
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestToken_RefreshUsesCredentialClient(t *testing.T) {
	var proxied atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Add(1)
		switch {
		case r.URL.Path == "/token":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "std-via-proxy", "token_type": "Bearer", "expires_in": 3600})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "kiro-via-proxy", "expiresIn": 3600})
		}
	}))
	defer proxy.Close()

	proxyURL, err := url.Parse(proxy.URL)
	require.NoError(t, err)
	bound := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	tm, _ := newManager(t)
	tm.SetHTTPClient(&http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("manager client must not be used")
	})})
	tm.SetKiroEndpoints("http://kiro.invalid/%s", "")

	tok, err := tm.Token(context.Background(), credential.Credential{ID: "kiro", Secret: credential.OAuthSecret{
		RefreshToken: "rt", AuthMethod: AuthMethodSocial,
	}}, bound)
	require.NoError(t, err)
	assert.Equal(t, "kiro-via-proxy", tok)

	tok, err = tm.Token(context.Background(), credential.Credential{ID: "std", Secret: credential.OAuthSecret{
		RefreshToken: "rt", ClientID: "cid", TokenURL: "http://idp.invalid/token",
	}}, bound)
	require.NoError(t, err)
	assert.Equal(t, "std-via-proxy", tok)
	assert.Equal(t, int32(2), proxied.Load())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
