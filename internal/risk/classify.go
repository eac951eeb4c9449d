package risk

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

var rateLimitPhrases = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"quota exceeded",
	"resource_exhausted",
}

// IsRateLimitError reports whether an upstream response is a rate limit.
// 429 always is; other statuses are checked against known body phrases.
func IsRateLimitError(status int, body string) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	if body == "" {
		return false
	}
	lower := strings.ToLower(body)
	for _, p := range rateLimitPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ParseRetryAfter reads a Retry-After header value: integer seconds first,
// then an HTTP date in the future relative to now.
func ParseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(header, 10, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	for _, layout := range []string{http.TimeFormat, time.RFC1123Z, time.RFC1123, time.RFC850, time.ANSIC} {
		t, err := time.Parse(layout, header)
		if err != nil {
			continue
		}
		if d := t.Sub(now); d > 0 {
			return d.Round(time.Second), true
		}
		return 0, false
	}
	return 0, false
}

// EventFromResponse builds a RateLimitEvent from an upstream response.
func EventFromResponse(credentialID string, status int, header http.Header, body string, now time.Time) RateLimitEvent {
	ev := RateLimitEvent{
		CredentialID: credentialID,
		Timestamp:    now,
		Message:      truncate(body, 512),
	}
	if status > 0 {
		s := status
		ev.StatusCode = &s
	}
	if header != nil {
		if d, ok := ParseRetryAfter(header.Get("Retry-After"), now); ok {
			ev.RetryAfter = &d
		}
	}
	return ev
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
