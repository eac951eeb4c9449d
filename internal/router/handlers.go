package router

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/mixaill76/auto_ai_gateway/internal/converter"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/anthropic"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/kiro"
	"github.com/mixaill76/auto_ai_gateway/internal/converter/openai"
	"github.com/mixaill76/auto_ai_gateway/internal/credential"
	"github.com/mixaill76/auto_ai_gateway/internal/logger"
	"github.com/mixaill76/auto_ai_gateway/internal/proxy"
)

// maxLoggedField bounds string fields of request bodies in debug logs.
const maxLoggedField = 200

func formatForEndpoint(endpoint string) converter.Format {
	if strings.HasSuffix(endpoint, "/chat/completions") {
		return converter.FormatOpenAI
	}
	return converter.FormatAnthropic
}

func parseChat(format converter.Format, body []byte) (*converter.ChatRequest, error) {
	if format == converter.FormatOpenAI {
		return openai.ParseRequest(body)
	}
	return anthropic.ParseRequest(body)
}

func (r *Router) handleChat(w http.ResponseWriter, req *http.Request, s snapshot, target Target, endpoint string) {
	if req.Method != http.MethodPost {
		proxy.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed", proxy.ErrTypeInvalidRequest)
		return
	}
	body, ok := readBody(w, req, s)
	if !ok {
		return
	}

	format := formatForEndpoint(endpoint)
	chat, err := parseChat(format, body)
	if err != nil {
		proxy.WriteErrorBadRequest(w, err.Error())
		return
	}
	if chat.Model == "" {
		proxy.WriteErrorBadRequest(w, "model field is required")
		return
	}

	if s.logger.Enabled(req.Context(), slog.LevelDebug) {
		s.logger.Debug("Chat request",
			"provider", target.Provider,
			"credential_id", target.CredentialID,
			"format", format,
			"body", logger.TruncateLongFields(string(body), maxLoggedField),
		)
	}

	withErrorLog(w, req, s, body, func(w http.ResponseWriter) {
		r.dispatcher.Serve(w, req, &proxy.Request{
			ID:           req.Header.Get("X-Request-Id"),
			Provider:     target.Provider,
			CredentialID: target.CredentialID,
			Format:       format,
			Endpoint:     endpoint,
			Body:         body,
			Chat:         chat,
			Header:       req.Header,
		})
	})
}

// handleProviderRoute serves /api/provider/{provider}/v{n}/... . Chat
// endpoints are translated for the resolved provider; anything else is
// relayed to the provider unchanged.
func (r *Router) handleProviderRoute(w http.ResponseWriter, req *http.Request, s snapshot, route ProviderRoute) {
	target, err := r.resolver.Resolve(route.Provider)
	if err != nil {
		s.logger.Warn("Provider route unavailable", "provider", route.Provider, "path", req.URL.Path)
		writeSelectorError(w, err)
		return
	}
	if route.IsChat() {
		r.handleChat(w, req, s, target, route.TargetPath)
		return
	}

	body, ok := readBody(w, req, s)
	if !ok {
		return
	}
	withErrorLog(w, req, s, body, func(w http.ResponseWriter) {
		r.dispatcher.Forward(w, req, target.Provider, target.CredentialID, route.TargetPath, body)
	})
}

type countTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// handleCountTokens counts prompt tokens of an Anthropic messages body
// locally. No upstream is called.
func (r *Router) handleCountTokens(w http.ResponseWriter, req *http.Request, s snapshot) {
	if req.Method != http.MethodPost {
		proxy.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed", proxy.ErrTypeInvalidRequest)
		return
	}
	body, ok := readBody(w, req, s)
	if !ok {
		return
	}
	chat, err := anthropic.ParseRequest(body)
	if err != nil {
		proxy.WriteErrorBadRequest(w, err.Error())
		return
	}
	n, exact := s.counter.Count(chat.PromptText())
	if !exact {
		s.logger.Debug("Token count estimated", "model", chat.Model, "tokens", n)
	}
	writeJSON(w, http.StatusOK, countTokensResponse{InputTokens: n}, s)
}

type modelsResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleModels lists the Kiro model names when a Kiro pool exists plus
// every non-wildcard alias.
func (r *Router) handleModels(w http.ResponseWriter, req *http.Request, s snapshot) {
	if req.Method != http.MethodGet {
		proxy.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed", proxy.ErrTypeInvalidRequest)
		return
	}

	owners := make(map[string]string)
	if _, ok := r.balancer.GetPool(credential.ProviderKiro); ok {
		for _, id := range kiro.Models() {
			owners[id] = string(credential.ProviderKiro)
		}
	}
	for _, a := range s.mapper.Aliases() {
		if strings.HasSuffix(a.From, "*") {
			continue
		}
		if _, exists := owners[a.From]; !exists {
			owners[a.From] = "alias"
		}
	}

	ids := make([]string, 0, len(owners))
	for id := range owners {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	resp := modelsResponse{Object: "list", Data: make([]modelEntry, 0, len(ids))}
	for _, id := range ids {
		resp.Data = append(resp.Data, modelEntry{
			ID:      id,
			Object:  "model",
			Created: r.started.Unix(),
			OwnedBy: owners[id],
		})
	}
	writeJSON(w, http.StatusOK, resp, s)
}

type routesResponse struct {
	DefaultProvider string      `json:"default_provider"`
	Routes          []routeInfo `json:"routes"`
}

type routeInfo struct {
	Selector     string   `json:"selector"`
	Type         string   `json:"type"`
	Provider     string   `json:"provider"`
	CredentialID string   `json:"credential_id,omitempty"`
	Status       string   `json:"status,omitempty"`
	Paths        []string `json:"paths"`
}

// handleRoutes lists every selector accepted under /{selector}/v1/...:
// one per registered provider and one per credential name.
func (r *Router) handleRoutes(w http.ResponseWriter, req *http.Request, s snapshot) {
	if req.Method != http.MethodGet {
		proxy.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed", proxy.ErrTypeInvalidRequest)
		return
	}

	resp := routesResponse{DefaultProvider: string(s.cfg.DefaultProvider), Routes: []routeInfo{}}
	for _, p := range r.balancer.Providers() {
		resp.Routes = append(resp.Routes, routeInfo{
			Selector: string(p),
			Type:     "provider",
			Provider: string(p),
			Paths:    selectorPaths(string(p)),
		})
		for _, c := range r.balancer.Snapshot(p) {
			selector := c.Name
			if selector == "" {
				selector = c.ID
			}
			resp.Routes = append(resp.Routes, routeInfo{
				Selector:     selector,
				Type:         "credential",
				Provider:     string(p),
				CredentialID: c.ID,
				Status:       credential.StatusName(c.Status),
				Paths:        selectorPaths(selector),
			})
		}
	}
	writeJSON(w, http.StatusOK, resp, s)
}

func selectorPaths(selector string) []string {
	paths := make([]string, 0, len(selectorEndpoints))
	for endpoint := range selectorEndpoints {
		paths = append(paths, "/"+selector+"/"+endpoint)
	}
	slices.Sort(paths)
	return paths
}

func writeJSON(w http.ResponseWriter, status int, v any, s snapshot) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers already sent.
		s.logger.Error("Failed to encode response", "error", err)
	}
}
