package logger

import (
	"context"
	"log/slog"
	"strings"
)

// NewSlog adapts a Sink into a [*slog.Logger] so that code outside the
// reactor (lifecycle, upstream pool) can log through the standard facade
// while still producing sink-formatted lines.
func NewSlog(sink *Sink) *slog.Logger {
	return slog.New(&sinkHandler{sink: sink})
}

type sinkHandler struct {
	sink  *Sink
	attrs []slog.Attr
	group string
}

func (h *sinkHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (h *sinkHandler) Handle(_ context.Context, rec slog.Record) error {
	var b strings.Builder
	b.WriteString(rec.Message)
	for _, a := range h.attrs {
		appendAttr(&b, h.group, a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.group, a)
		return true
	})
	h.sink.Logf("%s", b.String())
	return nil
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *sinkHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		next.group += "."
	}
	next.group += name
	return &next
}

func appendAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	b.WriteByte(' ')
	if group != "" {
		b.WriteString(group)
		b.WriteByte('.')
	}
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}
