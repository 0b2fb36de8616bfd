// Package logger sets up structured JSON logging on log/slog and carries a
// per-bucket trace id through context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"eldorado/internal/model"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Init creates the process logger for service and installs it as default.
// format is "json" (default) or "text".
func Init(service string, level slog.Level, format string) *slog.Logger {
	return New(os.Stdout, service, level, format)
}

// New is Init writing to w, without touching the default logger.
func New(w io.Writer, service string, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	l := slog.New(h).With(slog.String("service", service))
	if w == os.Stdout {
		slog.SetDefault(l)
	}
	return l
}

// ParseLevel maps debug, info, warn and error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// ForMarket scopes a logger to one market.
func ForMarket(l *slog.Logger, m model.MarketDetail) *slog.Logger {
	return l.With(
		slog.String("exchange", string(m.Exchange)),
		slog.String("market", m.Name),
		slog.String("market_id", m.ID.String()),
	)
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// BucketTraceID names one bucket of one market: "{market}-{tf}-{unix}".
func BucketTraceID(market string, tf model.TimeFrame, bucket time.Time) string {
	return fmt.Sprintf("%s-%s-%d", market, tf, bucket.Unix())
}

// LogWithTrace returns slog attributes including the trace ID from context.
// Usage: log.Info("msg", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	tid := TraceID(ctx)
	if tid == "" {
		return nil
	}
	return []any{slog.String("trace_id", tid)}
}
