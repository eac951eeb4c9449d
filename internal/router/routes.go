package router

import (
	"strings"
)

// ProviderRoute is a parsed /api/provider/{provider}/v{n}/{endpoint...} path.
type ProviderRoute struct {
	Provider string
	Version  string
	// Endpoint is the first segment after the version.
	Endpoint string
	// Rest is everything after the version, without a leading slash.
	Rest string
	// TargetPath is the path to forward upstream: /v{n}/{rest}.
	TargetPath string
}

// ParseProviderRoute matches api/provider/{provider}/v{n}/{endpoint...}.
// A non-matching path returns false so callers can try other routes.
func ParseProviderRoute(path string) (ProviderRoute, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 5 || parts[0] != "api" || parts[1] != "provider" {
		return ProviderRoute{}, false
	}
	provider, version := parts[2], parts[3]
	if provider == "" || len(version) < 2 || version[0] != 'v' || parts[4] == "" {
		return ProviderRoute{}, false
	}
	rest := strings.Join(parts[4:], "/")
	return ProviderRoute{
		Provider:   provider,
		Version:    version,
		Endpoint:   parts[4],
		Rest:       rest,
		TargetPath: "/" + version + "/" + rest,
	}, true
}

// IsChat reports whether the route targets a chat endpoint the gateway can
// translate.
func (r ProviderRoute) IsChat() bool {
	return r.Rest == "messages" || r.Rest == "chat/completions"
}

// IsManagementRoute reports whether path belongs to the Amp auth/user API.
func IsManagementRoute(path string) bool {
	p := strings.TrimPrefix(path, "/")
	return strings.HasPrefix(p, "api/auth/") || strings.HasPrefix(p, "api/user/")
}

// selectorEndpoints are the endpoints reachable under /{selector}/.
var selectorEndpoints = map[string]bool{
	"v1/messages":              true,
	"v1/chat/completions":      true,
	"v1/messages/count_tokens": true,
}

// parseSelectorPath splits /{selector}/v1/... into the selector and the
// endpoint path.
func parseSelectorPath(path string) (selector, endpoint string, ok bool) {
	selector, rest, found := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if !found || selector == "" || selector == "v1" || selector == "api" {
		return "", "", false
	}
	if !selectorEndpoints[rest] {
		return "", "", false
	}
	return selector, "/" + rest, true
}
