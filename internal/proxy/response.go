package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/anthropic"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/openai"
	"github.com/mixaill76/auto_ai_gateway/internal/credential"
)

// streamChunkWriteTimeout is the per-chunk write deadline for streaming
// responses. A caller that stops reading for this long is dropped.
const streamChunkWriteTimeout = 60 * time.Second

var streamBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 8192)
		return &buf
	},
}

// errDecode marks 2xx upstream bodies that could not be decoded.
var errDecode = errors.New("cannot decode upstream response")

// Serve dispatches a parsed chat request and writes the reply in the
// caller's format. Upstream failures fail over to the next credential of
// the same provider.
func (d *Dispatcher) Serve(w http.ResponseWriter, r *http.Request, req *Request) {
	dp := d.deps()
	callerModel := req.Chat.Model

	chat := *req.Chat
	if dp.mapper.RewriteValue(&chat) {
		dp.logger.Debug("Model alias applied", "from", callerModel, "to", chat.Model)
		req.Body = dp.mapper.RewriteBody(req.Body)
	}

	j := &job{
		id:           newRequestID(req.ID),
		provider:     req.Provider,
		credentialID: req.CredentialID,
		endpoint:     req.Endpoint,
		model:        chat.Model,
		format:       req.Format,
		stream:       chat.Stream,
		header:       req.Header,
	}

	var call chatCall
	j.build = func(ctx context.Context, cred credential.Credential, cfg CallConfig) (*http.Request, error) {
		c, err := d.buildChatCall(req, &chat, cred, cfg, dp.opts)
		if err != nil {
			return nil, err
		}
		call = c
		return newUpstreamRequest(ctx, http.MethodPost, c.url, c.body, cfg)
	}
	j.respond = func(_ context.Context, w http.ResponseWriter, resp *http.Response) (usageInfo, error) {
		switch call.mode {
		case replyPassthrough:
			return d.relay(w, resp, call.stream, dp)
		case replyAnthropicStream:
			return relayAnthropicAsOpenAI(w, resp, callerModel)
		default:
			return translate(w, resp, call.decode, req.Format, chat.Stream, callerModel, dp)
		}
	}

	d.run(w, r, j)
}

// Forward relays a raw provider request to targetPath on the selected
// credential's upstream. Only an aliased "model" field of a JSON body is
// rewritten; caller auth headers are replaced by the credential's.
func (d *Dispatcher) Forward(w http.ResponseWriter, r *http.Request, provider credential.ProviderType, credentialID, targetPath string, body []byte) {
	dp := d.deps()
	if model := gjson.GetBytes(body, "model").String(); model != "" {
		if mapped, ok := dp.mapper.Map(model); ok && mapped != model {
			dp.logger.Debug("Model alias applied", "from", model, "to", mapped, "path", targetPath)
			body = dp.mapper.RewriteBody(body)
		}
	}

	j := &job{
		id:           newRequestID(r.Header.Get("X-Request-Id")),
		provider:     provider,
		credentialID: credentialID,
		endpoint:     targetPath,
		model:        gjson.GetBytes(body, "model").String(),
		format:       converter.Format(provider),
		stream:       gjson.GetBytes(body, "stream").Bool(),
		header:       r.Header,
	}
	j.build = func(ctx context.Context, _ credential.Credential, cfg CallConfig) (*http.Request, error) {
		target := joinPath(cfg.BaseURL, targetPath)
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		var reader io.Reader = http.NoBody
		if len(body) > 0 {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, r.Method, target, reader)
		if err != nil {
			return nil, err
		}
		copyForwardHeaders(req.Header, r.Header)
		for k, v := range cfg.Headers {
			req.Header[k] = v
		}
		return req, nil
	}
	j.respond = func(_ context.Context, w http.ResponseWriter, resp *http.Response) (usageInfo, error) {
		return d.relay(w, resp, false, dp)
	}

	d.run(w, r, j)
}

// joinPath appends path to base without doubling a /v1 segment.
func joinPath(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1/") {
		path = strings.TrimPrefix(path, "/v1")
	}
	return base + path
}

func IsStreamingResponse(resp *http.Response) bool {
	contentType := resp.Header.Get("Content-Type")
	return strings.Contains(contentType, "text/event-stream") ||
		strings.Contains(contentType, "application/stream+json")
}

// relay copies an upstream reply that already speaks the caller's protocol.
func (d *Dispatcher) relay(w http.ResponseWriter, resp *http.Response, stream bool, dp deps) (usageInfo, error) {
	if stream || IsStreamingResponse(resp) {
		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		var scanner usageScanner
		err := streamToClient(w, resp.Body, scanner.feed)
		if err != nil && !isClientDisconnectError(err) {
			dp.logger.Error("Streaming relay failed", "error", err)
		}
		return usageInfo{Usage: scanner.usage}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit(dp.opts)))
	if err != nil {
		return usageInfo{}, err
	}
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, err = w.Write(body)
	return usageInfo{Usage: usageFromJSON(gjson.GetBytes(body, "usage"))}, err
}

// relayAnthropicAsOpenAI converts an Anthropic event stream into OpenAI
// chat.completion.chunk events as they arrive.
func relayAnthropicAsOpenAI(w http.ResponseWriter, resp *http.Response, model string) (usageInfo, error) {
	setSSEHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	usage, err := anthropic.StreamToOpenAI(resp.Body, newFlushWriter(w), model)
	return usageInfo{Usage: usage}, err
}

// translate decodes a whole upstream reply and writes it in format.
func translate(w http.ResponseWriter, resp *http.Response, decode func([]byte) (*converter.Response, error), format converter.Format, stream bool, model string, dp deps) (usageInfo, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit(dp.opts)))
	if err != nil {
		return usageInfo{}, err
	}
	out, err := decode(body)
	if err != nil {
		return usageInfo{}, fmt.Errorf("%w: %w", errDecode, err)
	}
	usage := usageInfo{
		Usage:                  out.Usage,
		Estimated:              out.Estimated,
		CreditUsage:            out.CreditUsage,
		ContextUsagePercentage: out.ContextUsagePercentage,
		ContextInputTokens:     out.ContextInputTokens(),
	}
	return usage, writeReply(w, out, format, stream, model)
}

func writeReply(w http.ResponseWriter, resp *converter.Response, format converter.Format, stream bool, model string) error {
	if stream {
		setSSEHeaders(w.Header())
		w.WriteHeader(http.StatusOK)
		fw := newFlushWriter(w)
		if format == converter.FormatAnthropic {
			return anthropic.WriteStreamResponse(fw, resp, model)
		}
		return openai.WriteStreamResponse(fw, resp, model)
	}

	var payload any
	if format == converter.FormatAnthropic {
		payload = anthropic.BuildResponse(resp, model)
	} else {
		payload = openai.BuildResponse(resp, model)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(payload)
}

func setSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
}

func responseLimit(opts Options) int64 {
	return int64(opts.MaxBodySizeMB) * ResponseBodyMultiplier * 1024 * 1024
}

// flushWriter flushes after every write so SSE events reach the caller
// immediately.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	return &flushWriter{w: w, rc: http.NewResponseController(w)}
}

func (f *flushWriter) Write(p []byte) (int, error) {
	_ = f.rc.SetWriteDeadline(time.Now().Add(streamChunkWriteTimeout))
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

// streamToClient copies reader to w chunk by chunk, flushing each one.
func streamToClient(w http.ResponseWriter, reader io.Reader, onChunk func([]byte)) error {
	fw := newFlushWriter(w)
	buf := streamBufPool.Get().(*[]byte)
	defer streamBufPool.Put(buf)
	for {
		n, err := reader.Read(*buf)
		if n > 0 {
			if onChunk != nil {
				onChunk((*buf)[:n])
			}
			if _, writeErr := fw.Write((*buf)[:n]); writeErr != nil {
				return writeErr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
