package proxy

import (
	"bytes"
	"net/http"

	"github.com/mixaill76/auto_ai_gateway/internal/risk"
)

// RetryReason describes why a request moves on to another credential.
type RetryReason string

const (
	RetryReasonRateLimit RetryReason = "rate_limit"
	RetryReasonServerErr RetryReason = "server_error"
	RetryReasonAuthErr   RetryReason = "auth_error"
	RetryReasonNetErr    RetryReason = "network_error"
)

// ShouldRetryWithFallback decides whether an upstream error response should
// be retried on another credential.
func ShouldRetryWithFallback(statusCode int, respBody []byte) (bool, RetryReason) {
	if statusCode < 400 {
		return false, ""
	}

	var reason RetryReason
	switch {
	case risk.IsRateLimitError(statusCode, string(scanWindow(respBody))):
		reason = RetryReasonRateLimit
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		reason = RetryReasonAuthErr
	case statusCode >= 500:
		reason = RetryReasonServerErr
	default:
		return false, ""
	}

	if !isRetryableContent(respBody) {
		return false, ""
	}
	return true, reason
}

const maxRetryBodyScan = 8 * 1024

func scanWindow(body []byte) []byte {
	if len(body) > maxRetryBodyScan {
		return body[:maxRetryBodyScan]
	}
	return body
}

// isRetryableContent rejects errors that another credential cannot fix.
func isRetryableContent(respBody []byte) bool {
	bodyLower := bytes.ToLower(scanWindow(respBody))

	if bytes.Contains(bodyLower, []byte("content policy")) ||
		bytes.Contains(bodyLower, []byte("content management policy")) ||
		bytes.Contains(bodyLower, []byte("policy violation")) {
		return false
	}

	if bytes.Contains(bodyLower, []byte("model not found")) ||
		bytes.Contains(bodyLower, []byte("model does not exist")) ||
		bytes.Contains(bodyLower, []byte("unsupported model")) {
		return false
	}
	return true
}
