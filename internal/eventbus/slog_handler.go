package eventbus

import (
	"context"
	"log/slog"
)

// LogRecord is the data of a LogEntry event.
type LogRecord struct {
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// SlogHandler forwards records to an inner handler and publishes those at or
// above minLevel to the bus as LogEntry events.
type SlogHandler struct {
	inner    slog.Handler
	bus      *Bus
	minLevel slog.Level
	attrs    []slog.Attr
}

// NewSlogHandler wraps inner. Records below minLevel only reach inner.
func NewSlogHandler(inner slog.Handler, bus *Bus, minLevel slog.Level) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus, minLevel: minLevel}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.minLevel {
		rec := LogRecord{
			Level:   r.Level.String(),
			Message: r.Message,
			Attrs:   make(map[string]any),
		}
		collect := func(a slog.Attr) bool {
			if a.Key == "component" {
				rec.Component = a.Value.String()
				return true
			}
			rec.Attrs[a.Key] = a.Value.Resolve().Any()
			return true
		}
		for _, a := range h.attrs {
			collect(a)
		}
		r.Attrs(collect)
		h.bus.PublishType(LogEntry, rec)
	}
	return h.inner.Handle(ctx, r)
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &SlogHandler{
		inner:    h.inner.WithAttrs(attrs),
		bus:      h.bus,
		minLevel: h.minLevel,
		attrs:    merged,
	}
}

// WithGroup groups only the inner output; published attrs stay flat.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	return &SlogHandler{
		inner:    h.inner.WithGroup(name),
		bus:      h.bus,
		minLevel: h.minLevel,
		attrs:    h.attrs,
	}
}
