package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mixaill76/auto_ai_gateway/internal/logger"
)

// Sink persists batches of records.
type Sink interface {
	WriteBatch(ctx context.Context, batch []Record) error
}

// LogSink writes every record as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = logger.Discard()
	}
	return &LogSink{logger: log}
}

func (s *LogSink) WriteBatch(ctx context.Context, batch []Record) error {
	for _, rec := range batch {
		if r := rec.Request; r != nil {
			s.logger.LogAttrs(ctx, slog.LevelInfo, "Request completed",
				slog.String("request_id", r.RequestID),
				slog.String("provider", r.Provider),
				slog.String("credential", r.CredentialName),
				slog.String("model", r.Model),
				slog.String("endpoint", r.Endpoint),
				slog.String("outcome", string(r.Outcome)),
				slog.Int("status", r.StatusCode),
				slog.Duration("duration", r.Duration),
				slog.Int("retries", r.Retries),
				slog.Bool("stream", r.Stream),
			)
		}
		if u := rec.Usage; u != nil {
			s.logger.LogAttrs(ctx, slog.LevelInfo, "Token usage",
				slog.String("request_id", u.RequestID),
				slog.String("provider", u.Provider),
				slog.String("model", u.Model),
				slog.Int("input_tokens", u.InputTokens),
				slog.Int("output_tokens", u.OutputTokens),
				slog.Float64("credit_usage", u.CreditUsage),
				slog.Float64("context_usage_percentage", u.ContextUsagePercentage),
				slog.Int("context_input_tokens", u.ContextInputTokens),
				slog.Bool("estimated", u.Estimated),
			)
		}
	}
	return nil
}

// MultiSink writes a batch to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) WriteBatch(ctx context.Context, batch []Record) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteBatch(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
