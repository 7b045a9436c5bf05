package nanoqlora

import (
	"io"
	"log/slog"
)

// NewLogger builds the JSON-lines structured logger the engine and sampler
// log through.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
