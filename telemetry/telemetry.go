// Package telemetry provides the structured logging helpers shared across
// taior's packages: a package-level default logger and a fan-out handler
// for writing to more than one sink at once. Library packages take a
// *slog.Logger at construction time rather than configuring one in main().
package telemetry

import (
	"context"
	"log/slog"
	"os"
)

// Default returns a text-handler logger at Info level writing to stderr.
// Constructors such as router.New that receive a nil logger fall back to
// slog.Default(), not to this function.
func Default() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// NewMulti fans records out to every handler in handlers, matching
// cmd/tor-client/main.go's multiHandler so a deployment can log
// human-readable text to stdout and structured JSON to a file
// simultaneously.
func NewMulti(handlers ...slog.Handler) *slog.Logger {
	return slog.New(&multiHandler{handlers: handlers})
}

type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
