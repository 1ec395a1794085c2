package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field keys shared across packages.
const (
	KeyComponent   = "component"
	KeyDevice      = "device"
	KeyOperationID = "operationId"
	KeyPackage     = "package"
	KeyMethod      = "method"
	KeyPath        = "path"
	KeyStatus      = "status"
	KeyDurationMs  = "durationMs"
	KeyError       = "error"
)

type contextKey struct{}

// rootHandler forwards to whatever handler Init installed last, so loggers
// created at package init time follow later configuration. WithAttrs and
// WithGroup calls are replayed in order on the current handler.
type rootHandler struct {
	current *atomic.Pointer[slog.Handler]
	chain   []chainStep
}

type chainStep struct {
	attrs []slog.Attr
	group string
}

func (h *rootHandler) resolve() slog.Handler {
	handler := *h.current.Load()
	for _, step := range h.chain {
		if step.group != "" {
			handler = handler.WithGroup(step.group)
		} else {
			handler = handler.WithAttrs(step.attrs)
		}
	}
	return handler
}

func (h *rootHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *rootHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *rootHandler) with(step chainStep) *rootHandler {
	chain := make([]chainStep, 0, len(h.chain)+1)
	chain = append(chain, h.chain...)
	chain = append(chain, step)
	return &rootHandler{current: h.current, chain: chain}
}

func (h *rootHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(chainStep{attrs: attrs})
}

func (h *rootHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(chainStep{group: name})
}

var (
	current       atomic.Pointer[slog.Handler]
	defaultLogger *slog.Logger
)

func init() {
	var h slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	current.Store(&h)
	defaultLogger = slog.New(&rootHandler{current: &current})
	slog.SetDefault(defaultLogger)
}

// Init configures the process-wide log handler. Call once after config is
// loaded; loggers obtained from L before Init pick up the new handler.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: nil means os.Stderr
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	current.Store(&h)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithOperation returns a child logger carrying an operation id and the
// package it acts on.
func WithOperation(logger *slog.Logger, operationID, packageName string) *slog.Logger {
	return logger.With(
		slog.String(KeyOperationID, operationID),
		slog.String(KeyPackage, packageName),
	)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from ctx, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
