package proxy

import "net/http"

// hopByHopHeaders must not be forwarded (RFC 7230 section 6.1).
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopByHopHeader(key string) bool {
	return hopByHopHeaders[http.CanonicalHeaderKey(key)]
}

// callerAuthHeaders carry the gateway's own key and are never forwarded.
var callerAuthHeaders = map[string]bool{
	"Authorization":  true,
	"X-Api-Key":      true,
	"X-Goog-Api-Key": true,
}

// forwardedRequestHeaders are caller headers passed to translated upstream
// calls.
var forwardedRequestHeaders = []string{
	"Anthropic-Beta",
	"User-Agent",
}

// copyForwardHeaders copies every caller header except hop-by-hop and
// caller auth headers. Used for raw provider routes.
func copyForwardHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) || callerAuthHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		if key == "Content-Length" || key == "Accept-Encoding" {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// copyResponseHeaders copies upstream headers to the caller. Length and
// encoding are dropped since the body is re-framed by net/http.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		if key == "Content-Length" || key == "Content-Encoding" {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
