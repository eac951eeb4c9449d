package router

import (
	"fmt"
	"net/http"
	stdhttputil "net/http/httputil"
	"net/url"

	"github.com/mixaill76/auto_ai_gateway/internal/proxy"
)

// newAmpProxy builds the reverse proxy for /api/auth/* and /api/user/*.
// Caller credentials are replaced by the configured Amp key.
func (r *Router) newAmpProxy(upstream, apiKey string) (*stdhttputil.ReverseProxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid amp upstream url: %w", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("invalid amp upstream url %q: want http(s)://host", target.Redacted())
	}
	return &stdhttputil.ReverseProxy{
		Rewrite: func(pr *stdhttputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del("X-Api-Key")
			pr.Out.Header.Del("Authorization")
			if apiKey != "" {
				pr.Out.Header.Set("Authorization", "Bearer "+apiKey)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			r.snapshot().logger.Error("Management upstream failed",
				"path", req.URL.Path,
				"upstream", target.Redacted(),
				"error", err,
			)
			proxy.WriteJSONError(w, http.StatusBadGateway, "management upstream unavailable", proxy.ErrTypeUpstream)
		},
	}, nil
}

func (r *Router) handleManagement(w http.ResponseWriter, req *http.Request, s snapshot) {
	if s.amp == nil {
		proxy.WriteErrorNotFound(w, "management routes are not configured")
		return
	}
	if s.errorLog == nil {
		s.amp.ServeHTTP(w, req)
		return
	}
	body, ok := readBody(w, req, s)
	if !ok {
		return
	}
	withErrorLog(w, req, s, body, func(w http.ResponseWriter) {
		s.amp.ServeHTTP(w, req)
	})
}
