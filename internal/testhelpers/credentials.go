package testhelpers

import (
	"github.com/mixaill76/auto_ai_gateway/internal/credential"
)

// NewAPIKeySpec returns an API key credential spec pointing at baseURL.
func NewAPIKeySpec(id string, provider credential.ProviderType, baseURL, apiKey string) credential.Spec {
	return credential.Spec{
		ID:       id,
		Name:     id,
		Provider: provider,
		Secret:   credential.APIKeySecret{APIKey: apiKey, BaseURL: baseURL},
	}
}

// NewKiroSpec returns a Kiro credential spec holding a ready access token.
func NewKiroSpec(id, accessToken string) credential.Spec {
	return credential.Spec{
		ID:       id,
		Name:     id,
		Provider: credential.ProviderKiro,
		Secret: credential.OAuthSecret{
			AccessToken: accessToken,
			AuthMethod:  "social",
			Region:      "us-east-1",
		},
	}
}
