package logger

import (
	"context"
	"log"
	"log/slog"
	"strconv"
	"strings"
)

// NewSlogHandler returns a slog.Handler that forwards records to l.
// If l is nil, it returns nil.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogHandler{log: l}
}

// NewStdLogger returns a *log.Logger writing through l at the given level.
// It is meant for APIs such as http.Server.ErrorLog that only accept the
// standard library logger.
func NewStdLogger(l *Logger, level slog.Level) *log.Logger {
	return slog.NewLogLogger(NewSlogHandler(l), level)
}

type slogHandler struct {
	log   *Logger
	group string
	attrs []slog.Attr
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return fromSlogLevel(level) >= h.log.GetLevel()
}

func (h *slogHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	b.WriteString(record.Message)

	for _, attr := range h.attrs {
		appendAttr(&b, "", attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(&b, h.group, attr)
		return true
	})

	msg := b.String()
	switch fromSlogLevel(record.Level) {
	case LevelError:
		h.log.Error("%s", msg)
	case LevelWarn:
		h.log.Warn("%s", msg)
	case LevelInfo:
		h.log.Info("%s", msg)
	default:
		h.log.Debug("%s", msg)
	}
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	qualified := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	qualified = append(qualified, h.attrs...)
	for _, attr := range attrs {
		if h.group != "" {
			attr.Key = h.group + "." + attr.Key
		}
		qualified = append(qualified, attr)
	}
	return &slogHandler{log: h.log, group: h.group, attrs: qualified}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &slogHandler{log: h.log, group: group, attrs: h.attrs}
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func appendAttr(b *strings.Builder, group string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	key := attr.Key
	if group != "" && key != "" {
		key = group + "." + key
	}

	if attr.Value.Kind() == slog.KindGroup {
		for _, nested := range attr.Value.Group() {
			appendAttr(b, key, nested)
		}
		return
	}

	if key == "" {
		key = "attr"
	}
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(key)
	b.WriteByte('=')

	value := attr.Value.String()
	if strings.ContainsAny(value, " \t\n\"") {
		value = strconv.Quote(value)
	}
	b.WriteString(value)
}
