package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mixaill76/auto_ai_gateway/internal/logger"
	"github.com/mixaill76/auto_ai_gateway/internal/security"
)

const (
	requestColumns = 13
	usageColumns   = 12
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS gateway_requests (
	request_id      TEXT NOT NULL,
	ts              TIMESTAMPTZ NOT NULL,
	provider        TEXT NOT NULL,
	credential_id   TEXT NOT NULL,
	credential_name TEXT NOT NULL,
	model           TEXT NOT NULL,
	endpoint        TEXT NOT NULL,
	caller_format   TEXT NOT NULL,
	stream          BOOLEAN NOT NULL,
	outcome         TEXT NOT NULL,
	status_code     INTEGER NOT NULL,
	duration_ms     BIGINT NOT NULL,
	retries         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS gateway_token_usage (
	request_id               TEXT NOT NULL,
	ts                       TIMESTAMPTZ NOT NULL,
	provider                 TEXT NOT NULL,
	credential_id            TEXT NOT NULL,
	model                    TEXT NOT NULL,
	input_tokens             INTEGER NOT NULL,
	output_tokens            INTEGER NOT NULL,
	total_tokens             INTEGER NOT NULL,
	credit_usage             DOUBLE PRECISION NOT NULL,
	context_usage_percentage DOUBLE PRECISION NOT NULL,
	estimated                BOOLEAN NOT NULL
);
ALTER TABLE gateway_token_usage ADD COLUMN IF NOT EXISTS context_input_tokens INTEGER NOT NULL DEFAULT 0;`

// execer is the subset of pgxpool.Pool used by PostgresWriter.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresWriter is a Sink inserting records into PostgreSQL.
type PostgresWriter struct {
	db     execer
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresWriter connects to dsn, verifies the connection and creates the
// tables if they are missing.
func NewPostgresWriter(ctx context.Context, dsn string, maxConns int32, log *slog.Logger) (*PostgresWriter, error) {
	if log == nil {
		log = logger.Discard()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("telemetry: invalid database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("telemetry: ping failed: %w", err)
	}

	w := &PostgresWriter{db: pool, pool: pool, logger: log}
	if err := w.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("Telemetry database connected", "database", security.MaskDatabaseURL(dsn))
	return w, nil
}

// EnsureSchema creates the telemetry tables.
func (w *PostgresWriter) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("telemetry: create schema: %w", err)
	}
	return nil
}

// WriteBatch inserts the request and usage records of batch.
func (w *PostgresWriter) WriteBatch(ctx context.Context, batch []Record) error {
	var requests []*RequestRecord
	var usage []*UsageRecord
	for _, rec := range batch {
		if rec.Request != nil {
			requests = append(requests, rec.Request)
		}
		if rec.Usage != nil {
			usage = append(usage, rec.Usage)
		}
	}

	if len(requests) > 0 {
		if _, err := w.db.Exec(ctx, buildInsertQuery("gateway_requests", requestColumnNames, len(requests)), requestParams(requests)...); err != nil {
			return fmt.Errorf("insert requests: %w", err)
		}
	}
	if len(usage) > 0 {
		if _, err := w.db.Exec(ctx, buildInsertQuery("gateway_token_usage", usageColumnNames, len(usage)), usageParams(usage)...); err != nil {
			return fmt.Errorf("insert token usage: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (w *PostgresWriter) Close() {
	if w.pool != nil {
		w.pool.Close()
	}
}

var requestColumnNames = []string{
	"request_id", "ts", "provider", "credential_id", "credential_name", "model",
	"endpoint", "caller_format", "stream", "outcome", "status_code", "duration_ms", "retries",
}

var usageColumnNames = []string{
	"request_id", "ts", "provider", "credential_id", "model", "input_tokens",
	"output_tokens", "total_tokens", "credit_usage", "context_usage_percentage", "estimated",
	"context_input_tokens",
}

// buildInsertQuery returns a multi-row INSERT with numbered placeholders.
func buildInsertQuery(table string, columns []string, rows int) string {
	if rows <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(64 + rows*len(columns)*5)
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	idx := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", idx)
			idx++
		}
		b.WriteByte(')')
	}
	return b.String()
}

func requestParams(records []*RequestRecord) []any {
	params := make([]any, 0, len(records)*requestColumns)
	for _, r := range records {
		params = append(params,
			r.RequestID, r.Timestamp, r.Provider, r.CredentialID, r.CredentialName, r.Model,
			r.Endpoint, r.CallerFormat, r.Stream, string(r.Outcome), r.StatusCode,
			r.Duration.Milliseconds(), r.Retries,
		)
	}
	return params
}

func usageParams(records []*UsageRecord) []any {
	params := make([]any, 0, len(records)*usageColumns)
	for _, u := range records {
		params = append(params,
			u.RequestID, u.Timestamp, u.Provider, u.CredentialID, u.Model, u.InputTokens,
			u.OutputTokens, u.InputTokens+u.OutputTokens, u.CreditUsage, u.ContextUsagePercentage, u.Estimated,
			u.ContextInputTokens,
		)
	}
	return params
}
