// Package obslog builds the process logger: JSON lines with stable keys
// (ts, level, service, message, logger, correlation_id), PII masking on
// sensitive keys, and correlation ids pulled from the request context.
package obslog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
)

// sensitiveKeys are always masked, wherever they appear in a record.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"token":         {},
	"secret":        {},
	"mobile":        {},
	"national_id":   {},
	"mentor_id":     {},
}

// Mask reduces a sensitive value to its first and last two characters.
// Values of four characters or fewer are fully masked.
func Mask(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return "***"
	}
	return string(r[:2]) + "***" + string(r[len(r)-2:])
}

// Options configure New.
type Options struct {
	Service string
	Level   slog.Leveler
	// Clock, when set, stamps ts from the injected clock so tests see
	// deterministic timestamps.
	Clock clock.Clock
}

// New builds the service logger writing JSON lines to w.
func New(w io.Writer, opts Options) *slog.Logger {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			a.Key = "ts"
			if opts.Clock != nil {
				a.Value = slog.TimeValue(opts.Clock.Now())
			}
			return a
		case slog.MessageKey:
			a.Key = "message"
			return a
		}

		a.Value = a.Value.Resolve()
		if _, ok := sensitiveKeys[a.Key]; ok {
			return slog.String(a.Key, Mask(valueString(a.Value)))
		}
		if a.Value.Kind() == slog.KindAny {
			// Non-primitive extras are stringified, errors included.
			return slog.String(a.Key, valueString(a.Value))
		}
		return a
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       opts.Level,
		ReplaceAttr: replace,
	})
	logger := slog.New(&correlationHandler{inner: h})
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	return logger
}

// Named tags a logger with the emitting component.
func Named(l *slog.Logger, name string) *slog.Logger {
	return l.With("logger", name)
}

// ParseLevel maps a configured level name onto a slog level. Unknown
// names are a configuration error, not a silent default.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("obslog: unknown log level %q", s)
	}
}

func valueString(v slog.Value) string {
	if v.Kind() == slog.KindAny {
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprintf("%v", v.Any())
	}
	return v.String()
}

type correlationKey struct{}

// WithCorrelation stores the request correlation id on the context.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationFrom returns the stored correlation id, or "".
func CorrelationFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// correlationHandler appends correlation_id from the context to every
// record logged through a *Context method.
type correlationHandler struct {
	inner slog.Handler
}

func (h *correlationHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.inner.Enabled(ctx, lvl)
}

func (h *correlationHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := CorrelationFrom(ctx); id != "" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	return h.inner.Handle(ctx, r)
}

func (h *correlationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &correlationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *correlationHandler) WithGroup(name string) slog.Handler {
	return &correlationHandler{inner: h.inner.WithGroup(name)}
}
