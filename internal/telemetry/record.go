// Package telemetry carries request outcome and token usage records from the
// dispatcher to external sinks without blocking the request path.
package telemetry

import (
	"context"
	"errors"
	"net"
	"time"
)

// Outcome is the final state of one logical request.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// OutcomeFor classifies a dispatch result. A nil error with a 2xx status is
// a success.
func OutcomeFor(status int, err error) Outcome {
	switch {
	case err == nil && status >= 200 && status < 300:
		return OutcomeSuccess
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeFailed
}

// RequestRecord describes one logical request after failover finished.
type RequestRecord struct {
	RequestID      string
	Timestamp      time.Time
	Provider       string
	CredentialID   string
	CredentialName string
	Model          string
	Endpoint       string
	CallerFormat   string
	Stream         bool
	Outcome        Outcome
	StatusCode     int
	Duration       time.Duration
	// Retries is the number of attempts after the first one.
	Retries int
	Error   string
}

// UsageRecord is the token accounting of a successful request.
type UsageRecord struct {
	RequestID              string
	Timestamp              time.Time
	Provider               string
	CredentialID           string
	Model                  string
	InputTokens            int
	OutputTokens           int
	CreditUsage            float64
	ContextUsagePercentage float64
	// ContextInputTokens is ContextUsagePercentage applied to the context
	// window, kept even when InputTokens holds a prompt estimate.
	ContextInputTokens int
	// Estimated is set when tokens were derived from text length.
	Estimated bool
}

// Record is either a request or a usage record.
type Record struct {
	Request *RequestRecord
	Usage   *UsageRecord
}

// Emitter accepts records from the request path.
type Emitter interface {
	RecordRequest(RequestRecord)
	RecordUsage(UsageRecord)
}

// Nop discards every record.
type Nop struct{}

func (Nop) RecordRequest(RequestRecord) {}
func (Nop) RecordUsage(UsageRecord)     {}
