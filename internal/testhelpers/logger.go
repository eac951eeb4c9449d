package testhelpers

import (
	"io"
	"log/slog"
)

// NewTestLogger returns a logger that drops everything below error and
// writes the rest nowhere.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}
