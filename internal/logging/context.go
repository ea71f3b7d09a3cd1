package logging

import (
	"context"
	"log/slog"
)

type ContextKey string

const (
	// DatabaseKey holds the name of the database being converged.
	DatabaseKey ContextKey = "database"
	// CommandKey holds the CLI command or MCP tool being run.
	CommandKey ContextKey = "command"
)

type ContextKeyProvider func() []ContextKey

// ContextKeys is the provider New installs.
func ContextKeys() []ContextKey {
	return []ContextKey{DatabaseKey, CommandKey}
}

// With stores value under key for ContextHandler to pick up.
func With(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

// ContextHandler adds the values of well-known context keys to each record.
type ContextHandler struct {
	slog.Handler
	keyProvider ContextKeyProvider
}

func NewContextHandler(base slog.Handler, keyProvider ContextKeyProvider) *ContextHandler {
	if keyProvider == nil {
		keyProvider = func() []ContextKey { return nil }
	}
	return &ContextHandler{Handler: base, keyProvider: keyProvider}
}

//nolint:gocritic //need to implement interface
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range h.keyProvider() {
		value := ctx.Value(key)
		if value == nil {
			continue
		}
		r.AddAttrs(slog.Any(string(key), value))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs), keyProvider: h.keyProvider}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name), keyProvider: h.keyProvider}
}
