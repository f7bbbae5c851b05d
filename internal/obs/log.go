// Package obs centralizes the ambient logging, metrics, and tracing context
// every component threads through a [context.Context], following
// quay-claircore's convention of slog.{Debug,Info,Warn,Error}Context calls
// taking a logger bound earlier via context rather than a package-level
// global. It replaces the design note's "global mutable flags (isQuiet,
// isJson)" with a single process-wide logger attached once at command entry.
package obs

import (
	"context"
	"io"
	"log/slog"
)

type loggerKey struct{}

// WithLogger returns a context carrying l, retrievable with [Logger].
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// Logger returns the logger attached to ctx, or a discard logger if none was
// attached. Every component calls this instead of holding its own *slog.Logger
// field, so a single command invocation's verbosity/json settings propagate
// without being threaded through every constructor.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return discardLogger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// NewLogger builds the process-wide logger for a command invocation. quiet
// raises the level to Warn; verbose lowers it to Debug; json selects a JSON
// handler for --json mode so structured output and log lines share one
// encoding convention.
func NewLogger(w io.Writer, quiet, verbose, json bool) *slog.Logger {
	lvl := slog.LevelInfo
	switch {
	case quiet:
		lvl = slog.LevelWarn
	case verbose:
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}
