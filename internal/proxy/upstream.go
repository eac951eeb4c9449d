package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/mixaill76/auto_ai_gateway/internal/balancer"
	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/anthropic"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/gemini"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/kiro"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/openai"
	"github.com/mixaill76/auto_ai_gateway/internal/credential"
)

const (
	DefaultOpenAIBaseURL    = "https://api.openai.com"
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
)

// CallConfig is everything one upstream call needs. It is derived from the
// selected credential for every attempt.
type CallConfig struct {
	BaseURL string
	Token   string
	Headers http.Header
	Client  *http.Client
}

// callConfig resolves the token, origin and auth headers for sel.
func (d *Dispatcher) callConfig(ctx context.Context, sel balancer.Selection, in http.Header, opts Options) (CallConfig, error) {
	cred := sel.Credential
	client := sel.Client
	if client == nil {
		client = http.DefaultClient
	}
	token, err := d.tokens.Token(ctx, cred, client)
	if err != nil {
		return CallConfig{}, err
	}

	cfg := CallConfig{
		Token:   token,
		Headers: make(http.Header),
		Client:  client,
	}

	base, err := baseURL(cred, opts)
	if err != nil {
		return CallConfig{}, err
	}
	cfg.BaseURL = base

	switch cred.Provider {
	case credential.ProviderAnthropic:
		cfg.Headers.Set("X-Api-Key", token)
		cfg.Headers.Set("Anthropic-Version", opts.AnthropicVersion)
	case credential.ProviderGemini:
		cfg.Headers.Set("X-Goog-Api-Key", token)
	case credential.ProviderKiro:
		cfg.Headers.Set("Authorization", "Bearer "+token)
		cfg.Headers.Set("Amz-Sdk-Invocation-Id", uuid.NewString())
		cfg.Headers.Set("Amz-Sdk-Request", "attempt=1; max=1")
	default:
		cfg.Headers.Set("Authorization", "Bearer "+token)
	}

	for _, h := range forwardedRequestHeaders {
		if v := in.Get(h); v != "" {
			cfg.Headers.Set(h, v)
		}
	}
	return cfg, nil
}

// baseURL returns the upstream origin for cred.
func baseURL(cred credential.Credential, opts Options) (string, error) {
	if s, ok := cred.Secret.(credential.APIKeySecret); ok && s.BaseURL != "" {
		return strings.TrimSuffix(s.BaseURL, "/"), nil
	}
	switch cred.Provider {
	case credential.ProviderOpenAI:
		return DefaultOpenAIBaseURL, nil
	case credential.ProviderAnthropic:
		return DefaultAnthropicBaseURL, nil
	case credential.ProviderGemini:
		return gemini.DefaultGeminiBaseURL, nil
	case credential.ProviderKiro:
		return originOf(kiroURL(cred, opts))
	case credential.ProviderVertex:
		if opts.VertexBaseURL != "" {
			return strings.TrimSuffix(opts.VertexBaseURL, "/"), nil
		}
		s, _ := cred.Secret.(credential.VertexSecret)
		return originOf(gemini.VertexURL(s.ProjectID, s.Location, "model", false))
	default:
		return "", fmt.Errorf("unsupported provider %q", cred.Provider)
	}
}

func kiroURL(cred credential.Credential, opts Options) string {
	region := kiro.DefaultRegion
	if s, ok := cred.Secret.(credential.OAuthSecret); ok && s.Region != "" {
		region = s.Region
	}
	if !strings.Contains(opts.KiroEndpoint, "%s") {
		return opts.KiroEndpoint
	}
	return fmt.Sprintf(opts.KiroEndpoint, region)
}

func originOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

// withOrigin replaces the scheme and host of raw with origin.
func withOrigin(raw, origin string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return raw
	}
	u.Scheme, u.Host = o.Scheme, o.Host
	return u.String()
}

// openAIChatURL accepts bases with or without a trailing /v1.
func openAIChatURL(base string) string {
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

func anthropicMessagesURL(base string) string {
	if strings.HasSuffix(base, "/v1") {
		return base + "/messages"
	}
	return base + "/v1/messages"
}

// replyMode selects how an upstream reply reaches the caller.
type replyMode int

const (
	// replyPassthrough relays the upstream body, which already speaks the
	// caller's protocol.
	replyPassthrough replyMode = iota
	// replyAnthropicStream converts Anthropic SSE into OpenAI chunks.
	replyAnthropicStream
	// replyTranslate decodes the whole body and re-encodes it.
	replyTranslate
)

// chatCall is one built upstream chat request.
type chatCall struct {
	url    string
	body   []byte
	mode   replyMode
	stream bool
	decode func([]byte) (*converter.Response, error)
}

// buildChatCall builds the upstream request of chat (already mapped to the
// upstream model) for cred.
func (d *Dispatcher) buildChatCall(req *Request, chat *converter.ChatRequest, cred credential.Credential, cfg CallConfig, opts Options) (chatCall, error) {
	upstream := *chat
	upstream.Stream = false

	switch cred.Provider {
	case credential.ProviderOpenAI:
		if req.Format == converter.FormatOpenAI {
			return chatCall{
				url:    openAIChatURL(cfg.BaseURL),
				body:   openai.AdaptParams(chat.Model, req.Body),
				mode:   replyPassthrough,
				stream: chat.Stream,
			}, nil
		}
		body, err := json.Marshal(openai.BuildRequest(&upstream, chat.Model))
		return chatCall{url: openAIChatURL(cfg.BaseURL), body: body, mode: replyTranslate, decode: openai.ParseResponse}, err

	case credential.ProviderAnthropic:
		target := anthropicMessagesURL(cfg.BaseURL)
		if req.Format == converter.FormatAnthropic {
			return chatCall{url: target, body: req.Body, mode: replyPassthrough, stream: chat.Stream}, nil
		}
		if chat.Stream && req.Format == converter.FormatOpenAI {
			body, err := json.Marshal(anthropic.BuildRequest(chat, chat.Model))
			return chatCall{url: target, body: body, mode: replyAnthropicStream, stream: true}, err
		}
		body, err := json.Marshal(anthropic.BuildRequest(&upstream, chat.Model))
		return chatCall{url: target, body: body, mode: replyTranslate, decode: anthropic.ParseResponse}, err

	case credential.ProviderGemini:
		body, err := json.Marshal(gemini.BuildRequest(&upstream))
		return chatCall{
			url:    gemini.GeminiURL(cfg.BaseURL, chat.Model, false),
			body:   body,
			mode:   replyTranslate,
			decode: gemini.ParseResponse,
		}, err

	case credential.ProviderVertex:
		s, ok := cred.Secret.(credential.VertexSecret)
		if !ok {
			return chatCall{}, fmt.Errorf("credential %s has no vertex secret", cred.Name)
		}
		body, err := json.Marshal(gemini.BuildRequest(&upstream))
		return chatCall{
			url:    withOrigin(gemini.VertexURL(s.ProjectID, s.Location, chat.Model, false), cfg.BaseURL),
			body:   body,
			mode:   replyTranslate,
			decode: gemini.ParseResponse,
		}, err

	case credential.ProviderKiro:
		kreq, err := kiro.BuildRequest(&upstream, d.tokens.ProfileARN(cred))
		if err != nil {
			return chatCall{}, err
		}
		body, err := json.Marshal(kreq)
		prompt := chat.PromptText()
		return chatCall{
			url:  kiroURL(cred, opts),
			body: body,
			mode: replyTranslate,
			decode: func(b []byte) (*converter.Response, error) {
				resp := kiro.ParseResponse(b)
				if resp.Usage.InputTokens == 0 {
					resp.Usage.InputTokens = converter.EstimateTokens(prompt)
				}
				return resp, nil
			},
		}, err

	default:
		return chatCall{}, fmt.Errorf("unsupported provider %q", cred.Provider)
	}
}

func newUpstreamRequest(ctx context.Context, method, target string, body []byte, cfg CallConfig) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range cfg.Headers {
		req.Header[k] = v
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
