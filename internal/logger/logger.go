// Package logger carries structured log attributes through a context so that
// code further down a call chain logs with the fields its caller attached.
package logger

import (
	"context"
	"log/slog"
)

type attrsKey struct{}

// WithAttrs returns a copy of ctx carrying args in addition to any attributes
// already attached. args follow the slog key/value convention.
func WithAttrs(ctx context.Context, args ...any) context.Context {
	if len(args) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(attrsKey{}).([]any)
	attrs := make([]any, 0, len(prev)+len(args))
	attrs = append(attrs, prev...)
	attrs = append(attrs, args...)
	return context.WithValue(ctx, attrsKey{}, attrs)
}

// FromContext returns base extended with the attributes attached to ctx.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	attrs, _ := ctx.Value(attrsKey{}).([]any)
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}
