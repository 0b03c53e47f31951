// Package logging builds the service's JSON slog logger and a few helpers
// for the event names used across packages.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

type ctxKey struct{}

func NewStructuredLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps debug, info, warn and error to slog levels. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// LogError writes msg at error level with err under the "error" key.
// A nil logger is a no-op.
func LogError(logger *slog.Logger, msg string, err error, attrs ...slog.Attr) {
	if logger == nil {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.String("error", err.Error())}, attrs...)
	}
	logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

// LogOperation records a completed lifecycle or infrastructure step at info.
func LogOperation(logger *slog.Logger, op string, attrs ...slog.Attr) {
	if logger == nil {
		return
	}
	logger.LogAttrs(context.Background(), slog.LevelInfo, op, attrs...)
}

func LogHTTPRequest(logger *slog.Logger, method, path string, status int, d time.Duration, attrs ...slog.Attr) {
	if logger == nil {
		return
	}
	base := []slog.Attr{
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(d.Microseconds())/1000),
	}
	logger.LogAttrs(context.Background(), slog.LevelInfo, "http_request", append(base, attrs...)...)
}

// SafeClose closes c and logs a failure; used in defers.
func SafeClose(c io.Closer, logger *slog.Logger, what string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		LogError(logger, "close_failed", err, slog.String("resource", what))
	}
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the request logger, or slog.Default outside a request.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
