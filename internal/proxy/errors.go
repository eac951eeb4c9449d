package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/mixaill76/auto_ai_gateway/internal/auth"
	"github.com/mixaill76/auto_ai_gateway/internal/balancer"
)

// Error discriminators reported in the "type" field of error bodies.
const (
	ErrTypeNoCredentials       = "no_credentials"
	ErrTypeProviderUnavailable = "provider_unavailable"
	ErrTypeCredentialError     = "credential_error"
	ErrTypeInvalidRequest      = "invalid_request_error"
	ErrTypeAuthentication      = "authentication_error"
	ErrTypeNotFound            = "not_found_error"
	ErrTypeRateLimit           = "rate_limit_error"
	ErrTypeTimeout             = "timeout_error"
	ErrTypeUpstream            = "api_error"
	ErrTypeServer              = "server_error"
)

// APIErrorResponse is the JSON error body written to callers.
type APIErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// errorTypeForStatus maps HTTP status codes to a discriminator.
func errorTypeForStatus(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusMethodNotAllowed:
		return ErrTypeInvalidRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrTypeAuthentication
	case http.StatusNotFound:
		return ErrTypeNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrTypeTimeout
	case http.StatusTooManyRequests:
		return ErrTypeRateLimit
	case http.StatusBadGateway:
		return ErrTypeUpstream
	default:
		if statusCode >= 500 {
			return ErrTypeServer
		}
		return ErrTypeInvalidRequest
	}
}

// WriteJSONError writes {"error":{"message","type","code"}}.
func WriteJSONError(w http.ResponseWriter, statusCode int, message, errorType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(APIErrorResponse{
		Error: APIError{
			Message: message,
			Type:    errorType,
			Code:    http.StatusText(statusCode),
		},
	})
}

// WriteError writes a JSON error whose discriminator follows the status.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSONError(w, statusCode, message, errorTypeForStatus(statusCode))
}

func WriteErrorBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message)
}

func WriteErrorUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, message)
}

func WriteErrorNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message)
}

func WriteErrorTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, message)
}

// StatusForError maps a selection or dispatch error to the HTTP status and
// discriminator reported to the caller.
func StatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, balancer.ErrEmptyPool):
		return http.StatusServiceUnavailable, ErrTypeNoCredentials
	case errors.Is(err, balancer.ErrNoAvailableCredential):
		return http.StatusServiceUnavailable, ErrTypeProviderUnavailable
	case errors.Is(err, balancer.ErrCredentialNotFound):
		return http.StatusInternalServerError, ErrTypeCredentialError
	case errors.Is(err, auth.ErrNoToken), errors.Is(err, auth.ErrRefreshFailed):
		return http.StatusBadGateway, ErrTypeCredentialError
	case isTimeoutError(err):
		return http.StatusGatewayTimeout, ErrTypeTimeout
	default:
		return http.StatusBadGateway, ErrTypeUpstream
	}
}

// WriteDispatchError writes the JSON error for err.
func WriteDispatchError(w http.ResponseWriter, err error) {
	status, errType := StatusForError(err)
	WriteJSONError(w, status, err.Error(), errType)
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isClientDisconnectError reports broken pipes, resets and cancellations,
// which are expected when callers go away mid-response.
func isClientDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "write: broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}
