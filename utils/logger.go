// Package utils carries the ambient pieces the rest of the module
// shares, chiefly the Logger the index subsystem and the writer queue
// write to.
package utils

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the logging surface of thicket components. The Ctx
// variants pick up attributes attached to the context with WithIndex
// or WithAttrs, so deep call sites (an update pass three transactions
// down) don't thread labels through every signature.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

type attrKey struct{}

// WithAttrs attaches structured attributes to the context; every Ctx
// logging call downstream includes them.
func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	prev, _ := ctx.Value(attrKey{}).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(prev)+len(attrs))
	merged = append(merged, prev...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, attrKey{}, merged)
}

// WithIndex labels the context with the index an operation works on.
func WithIndex(ctx context.Context, name string) context.Context {
	return WithAttrs(ctx, slog.String("index", name))
}

// WithDocument labels the context with the document being processed.
func WithDocument(ctx context.Context, docID string) context.Context {
	return WithAttrs(ctx, slog.String("doc", docID))
}

func ctxAttrs(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(attrKey{}).([]slog.Attr)
	return attrs
}

// DefaultLogger writes slog text lines to stderr, tagged with the
// component name.
type DefaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level slog.Level) *DefaultLogger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &DefaultLogger{
		logger: slog.New(handler).With(slog.String("component", "thicket")),
	}
}

func (d *DefaultLogger) Debug(msg string, args ...any) { d.logger.Debug(msg, args...) }
func (d *DefaultLogger) Info(msg string, args ...any)  { d.logger.Info(msg, args...) }
func (d *DefaultLogger) Warn(msg string, args ...any)  { d.logger.Warn(msg, args...) }
func (d *DefaultLogger) Error(msg string, args ...any) { d.logger.Error(msg, args...) }

func (d *DefaultLogger) logCtx(ctx context.Context, level slog.Level, msg string, args ...any) {
	logger := d.logger
	if attrs := ctxAttrs(ctx); len(attrs) > 0 {
		with := make([]any, 0, len(attrs))
		for _, attr := range attrs {
			with = append(with, attr)
		}
		logger = logger.With(with...)
	}
	logger.Log(ctx, level, msg, args...)
}

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.logCtx(ctx, slog.LevelDebug, msg, args...)
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	d.logCtx(ctx, slog.LevelInfo, msg, args...)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.logCtx(ctx, slog.LevelWarn, msg, args...)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.logCtx(ctx, slog.LevelError, msg, args...)
}
