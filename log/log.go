package log

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

var defaultLevel = log.InfoLevel

// SetLevel changes the level used by loggers created after the call.
// Unknown names leave the level untouched.
func SetLevel(name string) {
	if lvl, err := log.ParseLevel(strings.ToLower(name)); err == nil {
		defaultLevel = lvl
	}
}

func NewHandler(name string) slog.Handler {
	return newHandler(name, defaultLevel)
}

func newHandler(name string, level log.Level) slog.Handler {
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           level,
	})
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

func NewContext(ctx context.Context, name string) context.Context {
	return IntoContext(ctx, New(name))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns a logger from a context.Context;
// if the passed context is nil, we return the default slog
// logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		v := ctx.Value(ctxKey{})
		if v == nil {
			return slog.Default()
		}
		return v.(*slog.Logger)
	}

	return slog.Default()
}

// SubLogger derives a new logger from an existing one by appending a
// suffix to its prefix, e.g. "spindle" becomes "spindle/scheduler".
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if cl, ok := base.Handler().(*log.Logger); ok {
		prefix := cl.GetPrefix()
		if prefix != "" {
			prefix = prefix + "/" + suffix
		} else {
			prefix = suffix
		}
		return slog.New(newHandler(prefix, cl.GetLevel()))
	}

	// not a charm handler, keep whatever the base does
	return base.With("component", suffix)
}
