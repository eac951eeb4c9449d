package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mixaill76/auto_ai_gateway/internal/auth"
	"github.com/mixaill76/auto_ai_gateway/internal/balancer"
	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/anthropic"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/openai"
	"github.com/mixaill76/auto_ai_gateway/internal/credential"
	"github.com/mixaill76/auto_ai_gateway/internal/risk"
	"github.com/mixaill76/auto_ai_gateway/internal/telemetry"
	"github.com/mixaill76/auto_ai_gateway/internal/testhelpers"
)

type recordingEmitter struct {
	mu       sync.Mutex
	requests []telemetry.RequestRecord
	usage    []telemetry.UsageRecord
}

func (r *recordingEmitter) RecordRequest(rec telemetry.RequestRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, rec)
}

func (r *recordingEmitter) RecordUsage(rec telemetry.UsageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = append(r.usage, rec)
}

func (r *recordingEmitter) lastRequest(t *testing.T) telemetry.RequestRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.requests)
	return r.requests[len(r.requests)-1]
}

type fixture struct {
	lb  *balancer.LoadBalancer
	d   *Dispatcher
	rec *recordingEmitter
}

func newFixture(t *testing.T, opts Options, specs ...credential.Spec) *fixture {
	t.Helper()
	lb, err := balancer.New(balancer.Options{}, risk.NewController(risk.DefaultCooldownConfig(), nil))
	require.NoError(t, err)

	byProvider := map[credential.ProviderType][]credential.Spec{}
	for _, s := range specs {
		byProvider[s.Provider] = append(byProvider[s.Provider], s)
	}
	for p, ss := range byProvider {
		pool, err := credential.NewPool(p, ss...)
		require.NoError(t, err)
		lb.RegisterPool(pool)
	}

	rec := &recordingEmitter{}
	d := New(lb, auth.NewTokenManager(nil), opts)
	d.SetLogger(testhelpers.NewTestLogger())
	d.SetTelemetry(rec)
	return &fixture{lb: lb, d: d, rec: rec}
}

func (f *fixture) credential(t *testing.T, provider credential.ProviderType, id string) credential.Credential {
	t.Helper()
	for _, c := range f.lb.Snapshot(provider) {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("credential %s not found", id)
	return credential.Credential{}
}

func openAIRequest(t *testing.T, body string) *Request {
	t.Helper()
	chat, err := openai.ParseRequest([]byte(body))
	require.NoError(t, err)
	return &Request{
		Provider: credential.ProviderOpenAI,
		Format:   converter.FormatOpenAI,
		Endpoint: "/v1/chat/completions",
		Body:     []byte(body),
		Chat:     chat,
		Header:   http.Header{},
	}
}

func anthropicRequest(t *testing.T, provider credential.ProviderType, body string) *Request {
	t.Helper()
	chat, err := anthropic.ParseRequest([]byte(body))
	require.NoError(t, err)
	return &Request{
		Provider: provider,
		Format:   converter.FormatAnthropic,
		Endpoint: "/v1/messages",
		Body:     []byte(body),
		Chat:     chat,
		Header:   http.Header{},
	}
}

func serve(f *fixture, req *Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, req.Endpoint, strings.NewReader(string(req.Body)))
	f.d.Serve(w, r, req)
	return w
}

const openAIReply = `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`

func TestServe_OpenAIPassthroughWithAlias(t *testing.T) {
	var gotModel, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		gotModel = gjson.GetBytes(body, "model").String()
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(openAIReply))
	}))
	defer upstream.Close()

	f := newFixture(t, Options{}, testhelpers.NewAPIKeySpec("a", credential.ProviderOpenAI, upstream.URL, "sk-a"))
	f.d.SetMapper(converter.NewModelMapper([]converter.Alias{{From: "gpt-4", To: "gpt-4o-mini"}}))

	w := serve(f, openAIRequest(t, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gpt-4o-mini", gotModel)
	assert.Equal(t, "Bearer sk-a", gotAuth)
	assert.JSONEq(t, openAIReply, w.Body.String())

	rec := f.rec.lastRequest(t)
	assert.Equal(t, telemetry.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, "a", rec.CredentialID)
	assert.Equal(t, 0, rec.Retries)
	require.Len(t, f.rec.usage, 1)
	assert.Equal(t, 7, f.rec.usage[0].InputTokens)
	assert.Equal(t, 3, f.rec.usage[0].OutputTokens)
	assert.False(t, f.rec.usage[0].Estimated)

	c := f.credential(t, credential.ProviderOpenAI, "a")
	assert.Equal(t, uint64(1), c.Stats.SuccessRequests)
}

func TestServe_RateLimitFailsOverAndCoolsDown(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Authorization"))
		first := len(keys) == 1
		mu.Unlock()
		if first {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
			return
		}
		_, _ = w.Write([]byte(openAIReply))
	}))
	defer upstream.Close()

	f := newFixture(t, Options{},
		testhelpers.NewAPIKeySpec("a", credential.ProviderOpenAI, upstream.URL, "sk-a"),
		testhelpers.NewAPIKeySpec("b", credential.ProviderOpenAI, upstream.URL, "sk-b"),
	)

	before := time.Now()
	w := serve(f, openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, keys, 2)
	assert.NotEqual(t, keys[0], keys[1])

	limited := strings.TrimPrefix(keys[0], "Bearer sk-")
	c := f.credential(t, credential.ProviderOpenAI, limited)
	cd, ok := c.Status.(credential.Cooldown)
	require.True(t, ok, "rate limited credential must be cooling down, got %s", c.Status)
	assert.WithinDuration(t, before.Add(120*time.Second), cd.Until, 5*time.Second)

	rec := f.rec.lastRequest(t)
	assert.Equal(t, 1, rec.Retries)
	assert.Equal(t, telemetry.OutcomeSuccess, rec.Outcome)
}

func TestServe_AllServerErrorsPassThroughLastStatus(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer upstream.Close()

	f := newFixture(t, Options{},
		testhelpers.NewAPIKeySpec("a", credential.ProviderOpenAI, upstream.URL, "sk-a"),
		testhelpers.NewAPIKeySpec("b", credential.ProviderOpenAI, upstream.URL, "sk-b"),
	)

	w := serve(f, openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"boom"}`, w.Body.String())
	assert.Equal(t, int32(2), hits.Load())

	for _, id := range []string{"a", "b"} {
		assert.Equal(t, uint64(1), f.credential(t, credential.ProviderOpenAI, id).Stats.ConsecutiveFailures)
	}
	rec := f.rec.lastRequest(t)
	assert.Equal(t, telemetry.OutcomeFailed, rec.Outcome)
	assert.Equal(t, 1, rec.Retries)
	assert.Empty(t, f.rec.usage)
}

func TestServe_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad temperature"}}`))
	}))
	defer upstream.Close()

	f := newFixture(t, Options{},
		testhelpers.NewAPIKeySpec("a", credential.ProviderOpenAI, upstream.URL, "sk-a"),
		testhelpers.NewAPIKeySpec("b", credential.ProviderOpenAI, upstream.URL, "sk-b"),
	)

	w := serve(f, openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "bad temperature")
	assert.Equal(t, int32(1), hits.Load())
	for _, c := range f.lb.Snapshot(credential.ProviderOpenAI) {
		assert.Zero(t, c.Stats.ConsecutiveFailures)
		assert.Equal(t, "active", credential.StatusName(c.Status))
	}
}

func TestServe_SelectionErrors(t *testing.T) {
	t.Run("empty pool", func(t *testing.T) {
		f := newFixture(t, Options{})
		w := serve(f, openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, ErrTypeNoCredentials, gjson.Get(w.Body.String(), "error.type").String())
		assert.Equal(t, http.StatusServiceUnavailable, f.rec.lastRequest(t).StatusCode)
	})

	t.Run("all cooling down", func(t *testing.T) {
		f := newFixture(t, Options{}, testhelpers.NewAPIKeySpec("a", credential.ProviderOpenAI, "http://127.0.0.1:1", "sk-a"))
		require.NoError(t, f.lb.MarkCooldown(credential.ProviderOpenAI, "a", time.Now().Add(time.Hour)))
		w := serve(f, openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, ErrTypeProviderUnavailable, gjson.Get(w.Body.String(), "error.type").String())
	})
}

func TestServe_SkipsCredentialWithBrokenProxy(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c","object":"chat.completion","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer upstream.Close()

	broken := testhelpers.NewAPIKeySpec("broken", credential.ProviderOpenAI, upstream.URL, "sk-broken")
	broken.ProxyURL = "gopher://nowhere"
	f := newFixture(t, Options{}, broken, testhelpers.NewAPIKeySpec("good", credential.ProviderOpenAI, upstream.URL, "sk-good"))

	for range 2 {
		w := serve(f, openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "good", f.rec.lastRequest(t).CredentialID)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestServe_PinnedCredentialDoesNotFailOver(t *testing.T) {
	var (
		hits atomic.Int32
		seen atomic.Value
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		seen.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	f := newFixture(t, Options{},
		testhelpers.NewAPIKeySpec("a", credential.ProviderOpenAI, upstream.URL, "sk-a"),
		testhelpers.NewAPIKeySpec("b", credential.ProviderOpenAI, upstream.URL, "sk-b"),
	)
	req := openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	req.CredentialID = "b"

	w := serve(f, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "Bearer sk-b", seen.Load())
}

func TestServe_CancelledBeforeStatusIsNotReported(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer upstream.Close()
	defer close(release)

	f := newFixture(t, Options{}, testhelpers.NewAPIKeySpec("a", credential.ProviderOpenAI, upstream.URL, "sk-a"))
	req := openAIRequest(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, req.Endpoint, nil).WithContext(ctx)
	f.d.Serve(w, r, req)

	c := f.credential(t, credential.ProviderOpenAI, "a")
	assert.Zero(t, c.Stats.TotalRequests)
	assert.Zero(t, c.Stats.ConsecutiveFailures)
	assert.Equal(t, telemetry.OutcomeCancelled, f.rec.lastRequest(t).Outcome)
}

func kiroFixture(t *testing.T, reply string) (*fixture, *string) {
	t.Helper()
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generateAssistantResponse", r.URL.Path)
		assert.Equal(t, "Bearer kiro-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("Amz-Sdk-Invocation-Id"))
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/vnd.amazon.eventstream")
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(upstream.Close)

	f := newFixture(t, Options{KiroEndpoint: upstream.URL + "/generateAssistantResponse"}, testhelpers.NewKiroSpec("k1", "kiro-token"))
	return f, &gotBody
}

func TestServe_KiroToAnthropicJSON(t *testing.T) {
	f, gotBody := kiroFixture(t, `{"content":"Hello"}{"content":" world"}{"contextUsagePercentage":1}`)

	w := serve(f, anthropicRequest(t, credential.ProviderKiro,
		`{"model":"claude-sonnet-4","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := gjson.Parse(w.Body.String())
	assert.Equal(t, "message", out.Get("type").String())
	assert.Equal(t, "claude-sonnet-4", out.Get("model").String())
	assert.Equal(t, "Hello world", out.Get("content.0.text").String())
	assert.Equal(t, converter.StopEndTurn, out.Get("stop_reason").String())
	assert.Contains(t, *gotBody, "conversationState")

	require.Len(t, f.rec.usage, 1)
	assert.True(t, f.rec.usage[0].Estimated)
	assert.Equal(t, 2000, f.rec.usage[0].InputTokens)
	assert.Equal(t, 2000, f.rec.usage[0].ContextInputTokens)
}

func TestServe_KiroPromptEstimateKeepsContextTokens(t *testing.T) {
	f, _ := kiroFixture(t, `{"content":"ok"}`)

	w := serve(f, anthropicRequest(t, credential.ProviderKiro,
		`{"model":"claude-sonnet-4","max_tokens":100,"messages":[{"role":"user","content":"abcdefghijklmnop"}]}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Len(t, f.rec.usage, 1)
	u := f.rec.usage[0]
	assert.True(t, u.Estimated)
	assert.Positive(t, u.InputTokens)
	assert.Zero(t, u.ContextUsagePercentage)
	assert.Zero(t, u.ContextInputTokens)
}

func TestServe_KiroToAnthropicStream(t *testing.T) {
	f, _ := kiroFixture(t, `{"content":"Hello"}{"content":" world"}`)

	w := serve(f, anthropicRequest(t, credential.ProviderKiro,
		`{"model":"claude-sonnet-4","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event: message_start")
	assert.Contains(t, body, "Hello world")
	assert.Contains(t, body, "event: message_stop")
}

func TestServe_AnthropicStreamToOpenAI(t *testing.T) {
	sse := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":12,"output_tokens":1}}}`,
		``,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		`data: {"type":"content_block_stop","index":0}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("X-Api-Key"))
		assert.Equal(t, DefaultAnthropicVersion, r.Header.Get("Anthropic-Version"))
		body, _ := io.ReadAll(r.Body)
		assert.True(t, gjson.GetBytes(body, "stream").Bool())
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sse))
	}))
	defer upstream.Close()

	f := newFixture(t, Options{}, testhelpers.NewAPIKeySpec("c", credential.ProviderAnthropic, upstream.URL, "sk-ant"))
	req := openAIRequest(t, `{"model":"claude-3-5-sonnet","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	req.Provider = credential.ProviderAnthropic

	w := serve(f, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"content":"Hi"`)
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n"))

	require.Len(t, f.rec.usage, 1)
	assert.Equal(t, 12, f.rec.usage[0].InputTokens)
	assert.Equal(t, 9, f.rec.usage[0].OutputTokens)
}

func TestServe_OpenAIUpstreamForAnthropicCaller(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.False(t, gjson.GetBytes(body, "stream").Bool())
		assert.Equal(t, "hi", gjson.GetBytes(body, "messages.#(role==\"user\").content").String())
		_, _ = w.Write([]byte(openAIReply))
	}))
	defer upstream.Close()

	f := newFixture(t, Options{}, testhelpers.NewAPIKeySpec("a", credential.ProviderOpenAI, upstream.URL, "sk-a"))
	w := serve(f, anthropicRequest(t, credential.ProviderOpenAI,
		`{"model":"gpt-4o","max_tokens":50,"messages":[{"role":"user","content":"hi"}]}`))

	require.Equal(t, http.StatusOK, w.Code)
	out := gjson.Parse(w.Body.String())
	assert.Equal(t, "hello", out.Get("content.0.text").String())
	assert.Equal(t, "gpt-4o", out.Get("model").String())
	assert.Equal(t, converter.StopEndTurn, out.Get("stop_reason").String())
	assert.Equal(t, int64(7), out.Get("usage.input_tokens").Int())
}

func TestServe_GeminiForOpenAICaller(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("X-Goog-Api-Key"))
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hi"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}`))
	}))
	defer upstream.Close()

	f := newFixture(t, Options{}, testhelpers.NewAPIKeySpec("g", credential.ProviderGemini, upstream.URL, "g-key"))
	req := openAIRequest(t, `{"model":"gemini-2.0-flash","messages":[{"role":"user","content":"hi"}]}`)
	req.Provider = credential.ProviderGemini

	w := serve(f, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := gjson.Parse(w.Body.String())
	assert.Equal(t, "chat.completion", out.Get("object").String())
	assert.Equal(t, "Hi", out.Get("choices.0.message.content").String())
	assert.Equal(t, int64(4), out.Get("usage.prompt_tokens").Int())
}

func TestForward_ReplacesCallerAuth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		assert.Equal(t, "limit=5", r.URL.RawQuery)
		assert.Equal(t, "Bearer sk-a", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-Api-Key"))
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer upstream.Close()

	f := newFixture(t, Options{}, testhelpers.NewAPIKeySpec("a", credential.ProviderOpenAI, upstream.URL+"/v1", "sk-a"))

	r := httptest.NewRequest(http.MethodGet, "/api/provider/openai/v1/models?limit=5", nil)
	r.Header.Set("Authorization", "Bearer gateway-master-key")
	r.Header.Set("X-Api-Key", "gateway-master-key")
	r.Header.Set("X-Custom", "yes")
	w := httptest.NewRecorder()
	f.d.Forward(w, r, credential.ProviderOpenAI, "", "/v1/models", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[]}`, w.Body.String())
}

func TestForward_AppliesModelAlias(t *testing.T) {
	var gotModel, gotInput string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotModel = gjson.GetBytes(body, "model").String()
		gotInput = gjson.GetBytes(body, "input").String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer upstream.Close()

	f := newFixture(t, Options{}, testhelpers.NewAPIKeySpec("a", credential.ProviderOpenAI, upstream.URL, "sk-a"))
	f.d.SetMapper(converter.NewModelMapper([]converter.Alias{{From: "gpt-4", To: "gpt-4o-mini"}}))

	body := []byte(`{"model":"gpt-4","input":"hello"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/provider/openai/v1/embeddings", bytes.NewReader(body))
	w := httptest.NewRecorder()
	f.d.Forward(w, r, credential.ProviderOpenAI, "", "/v1/embeddings", body)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "gpt-4o-mini", gotModel)
	assert.Equal(t, "hello", gotInput)
	assert.Equal(t, "gpt-4o-mini", f.rec.lastRequest(t).Model)
}

func TestForward_NonJSONBodyUnchanged(t *testing.T) {
	var got string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	f := newFixture(t, Options{}, testhelpers.NewAPIKeySpec("a", credential.ProviderOpenAI, upstream.URL, "sk-a"))
	f.d.SetMapper(converter.NewModelMapper([]converter.Alias{{From: "*", To: "gpt-4o-mini"}}))

	r := httptest.NewRequest(http.MethodPost, "/api/provider/openai/v1/files", strings.NewReader("model=gpt-4"))
	w := httptest.NewRecorder()
	f.d.Forward(w, r, credential.ProviderOpenAI, "", "/v1/files", []byte("model=gpt-4"))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "model=gpt-4", got)
}

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "https://x/v1/models", joinPath("https://x/v1", "/v1/models"))
	assert.Equal(t, "https://x/v1/models", joinPath("https://x/", "/v1/models"))
	assert.Equal(t, "https://x/v1beta/models", joinPath("https://x", "/v1beta/models"))
}

func TestUsageScanner(t *testing.T) {
	var s usageScanner
	s.feed([]byte("data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":5}}}\n\ndata: {\"usage\":{\"output"))
	s.feed([]byte("_tokens\":8}}\n\ndata: [DONE]\n"))
	assert.Equal(t, converter.Usage{InputTokens: 5, OutputTokens: 8}, s.usage)

	var o usageScanner
	o.feed([]byte("data: {\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":4}}\n"))
	assert.Equal(t, converter.Usage{InputTokens: 3, OutputTokens: 4}, o.usage)
}
