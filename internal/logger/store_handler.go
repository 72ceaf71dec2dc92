package logger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// LineSink receives formatted log lines for one key. The status store implements it.
type LineSink interface {
	AppendLog(id, line string) bool
}

// StoreHandler formats records as "[2006-01-02 15:04:05] [LEVEL] msg k=v" and appends
// them to a LineSink under a fixed id, so the query interface can show recent
// per-service activity.
type StoreHandler struct {
	sink  LineSink
	id    string
	level slog.Leveler
	attrs []slog.Attr
	group string
}

// NewStoreHandler returns a handler appending to sink under id.
func NewStoreHandler(sink LineSink, id string, level slog.Leveler) *StoreHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &StoreHandler{sink: sink, id: id, level: level}
}

func (h *StoreHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *StoreHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", r.Time.Format("2006-01-02 15:04:05"), r.Level.String(), r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, h.group, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	h.sink.AppendLog(h.id, b.String())
	return nil
}

func (h *StoreHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &c
}

func (h *StoreHandler) WithGroup(name string) slog.Handler {
	c := *h
	if c.group != "" {
		c.group += "." + name
	} else {
		c.group = name
	}
	return &c
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value.Any())
}

// Fanout delivers every record to all handlers that accept its level.
type Fanout []slog.Handler

func (f Fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f Fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(Fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f Fanout) WithGroup(name string) slog.Handler {
	out := make(Fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// ServiceLogger returns a logger that writes to base (with a service attribute)
// and to sink's buffer for id.
func ServiceLogger(base *slog.Logger, sink LineSink, id, name string, level slog.Leveler) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return slog.New(Fanout{
		base.Handler().WithAttrs([]slog.Attr{slog.String("service", name)}),
		NewStoreHandler(sink, id, level),
	})
}
