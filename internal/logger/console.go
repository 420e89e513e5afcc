package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// palette holds the escape sequences of a console handler. The zero value
// prints without color.
type palette struct {
	reset, dim, bold, attrs string
	levels                  [4]string // debug, info, warn, error
}

var ansi = palette{
	reset:  "\033[0m",
	dim:    "\033[90m",
	bold:   "\033[1m",
	attrs:  "\033[36m",
	levels: [4]string{"\033[90m", "\033[34m", "\033[33m", "\033[31m"},
}

func (p palette) level(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return p.levels[3]
	case l >= slog.LevelWarn:
		return p.levels[2]
	case l >= slog.LevelInfo:
		return p.levels[1]
	}
	return p.levels[0]
}

// ConsoleHandler writes one human readable line per record:
//
//	[2006-01-02 15:04:05] INFO  message key=value group.key="two words"
type ConsoleHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	colors palette
	prefix string
	attrs  []slog.Attr
}

// NewConsoleHandler returns a handler writing to w. A nil level means info.
func NewConsoleHandler(w io.Writer, level slog.Leveler, color bool) *ConsoleHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	h := &ConsoleHandler{w: w, mu: &sync.Mutex{}, level: level}
	if color {
		h.colors = ansi
	}
	return h
}

func (h *ConsoleHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	c := h.colors
	fmt.Fprintf(&b, "%s[%s]%s %s%s%-5s%s %s",
		c.dim, r.Time.Format(time.DateTime), c.reset,
		c.level(r.Level), c.bold, r.Level.String(), c.reset,
		r.Message)

	n := 0
	field := func(prefix string, a slog.Attr) {
		if n == 0 {
			b.WriteString(" " + c.attrs)
		} else {
			b.WriteByte(' ')
		}
		writeAttr(&b, prefix, a)
		n++
	}
	for _, a := range h.attrs {
		field("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		field(h.prefix, a)
		return true
	})
	if n > 0 {
		b.WriteString(c.reset)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *ConsoleHandler) clone() *ConsoleHandler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	return &c
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		c.attrs = append(c.attrs, a)
	}
	return c
}

// WithGroup qualifies the keys of later attributes with name.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.prefix = h.prefix + name + "."
	return c
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	b.WriteString(prefix + a.Key + "=")
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		b.WriteString(quoteIfNeeded(v.String()))
	case slog.KindTime:
		b.WriteString(v.Time().Format(time.RFC3339))
	case slog.KindGroup:
		b.WriteByte('{')
		for i, ga := range v.Group() {
			if i > 0 {
				b.WriteByte(' ')
			}
			writeAttr(b, "", ga)
		}
		b.WriteByte('}')
	default:
		b.WriteString(quoteIfNeeded(v.String()))
	}
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
