package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// New returns a JSON logger writing to stdout.
func New(appEnv string) *slog.Logger {
	return NewWithWriter(appEnv, os.Stdout)
}

// NewWithWriter returns a JSON logger writing to w; debug level for local and dev.
func NewWithWriter(appEnv string, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", "callpipeline")
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// Enrich returns a context whose logger carries the extra attributes.
func Enrich(ctx context.Context, args ...any) context.Context {
	return With(ctx, From(ctx).With(args...))
}

// ShutdownFlush is a hook for buffered handlers; the JSON handler writes synchronously.
func ShutdownFlush(_ context.Context, _ time.Duration) error { return nil }
