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

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorBold   = "\033[1m"
)

// StageKey is the attribute the pretty handler lifts out of the attribute
// list and prints in brackets before the message.
const StageKey = "stage"

const defaultMaxListItems = 8

// PrettyOptions configures a PrettyHandler.
type PrettyOptions struct {
	slog.HandlerOptions
	// NoColor disables ANSI escapes.
	NoColor bool
	// MaxListItems caps how many elements of a []string attribute are
	// printed. Zero means 8.
	MaxListItems int
}

// PrettyHandler is a slog.Handler for terminal output of pipeline runs:
//
//	15:04:05.000 INFO  [quantize] stage finished elapsed=1.204s
//
// []int values print as shapes, e.g. shape=(4, 197, 192).
type PrettyHandler struct {
	opts  PrettyOptions
	w     io.Writer
	mu    *sync.Mutex
	group string
	stage string
	attrs []slog.Attr
}

// NewPrettyHandler creates a new PrettyHandler.
func NewPrettyHandler(w io.Writer, opts *PrettyOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	if h.opts.MaxListItems <= 0 {
		h.opts.MaxListItems = defaultMaxListItems
	}
	return h
}

// Enabled reports whether the handler handles records at the given level.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle formats and writes a log record.
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	stage := h.stage
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		if h.group == "" && a.Key == StageKey {
			stage = a.Value.String()
			return true
		}
		attrs = append(attrs, h.qualify(a))
		return true
	})

	buf := make([]byte, 0, 256)
	buf = h.color(buf, colorGray)
	buf = r.Time.AppendFormat(buf, "15:04:05.000")
	buf = h.color(buf, colorReset)
	buf = append(buf, ' ')

	buf = h.color(buf, levelColor(r.Level))
	buf = h.color(buf, colorBold)
	buf = append(buf, padLevel(r.Level.String())...)
	buf = h.color(buf, colorReset)
	buf = append(buf, ' ')

	if stage != "" {
		buf = h.color(buf, colorGreen)
		buf = append(buf, '[')
		buf = append(buf, stage...)
		buf = append(buf, "] "...)
		buf = h.color(buf, colorReset)
	}
	buf = append(buf, r.Message...)

	all := append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...)
	if len(all) > 0 {
		buf = h.color(buf, colorCyan)
		for _, a := range all {
			buf = append(buf, ' ')
			buf = h.appendAttr(buf, a)
		}
		buf = h.color(buf, colorReset)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

// WithAttrs returns a new handler with additional attributes. Attributes
// are qualified by the group active when they are added.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := h.clone()
	for _, a := range attrs {
		if h.group == "" && a.Key == StageKey {
			h2.stage = a.Value.String()
			continue
		}
		h2.attrs = append(h2.attrs, h.qualify(a))
	}
	return h2
}

// WithGroup returns a new handler with a group name.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := h.clone()
	if h.group != "" {
		name = h.group + "." + name
	}
	h2.group = name
	return h2
}

func (h *PrettyHandler) clone() *PrettyHandler {
	h2 := *h
	h2.attrs = h.attrs[:len(h.attrs):len(h.attrs)]
	return &h2
}

func (h *PrettyHandler) qualify(a slog.Attr) slog.Attr {
	if h.group != "" {
		a.Key = h.group + "." + a.Key
	}
	return a
}

func (h *PrettyHandler) color(buf []byte, code string) []byte {
	if h.opts.NoColor {
		return buf
	}
	return append(buf, code...)
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorBlue
	default:
		return colorGray
	}
}

func padLevel(level string) string {
	if len(level) < 5 {
		return level + strings.Repeat(" ", 5-len(level))
	}
	return level
}

func (h *PrettyHandler) appendAttr(buf []byte, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return h.appendValue(buf, a.Value)
}

func (h *PrettyHandler) appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return appendString(buf, v.String())
	case slog.KindDuration:
		return append(buf, roundDuration(v.Duration()).String()...)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', 6, 64)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindGroup:
		buf = append(buf, '{')
		for i, a := range v.Group() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = h.appendAttr(buf, a)
		}
		return append(buf, '}')
	case slog.KindAny:
		switch x := v.Any().(type) {
		case []int:
			return appendShape(buf, x)
		case []string:
			return h.appendList(buf, x)
		case error:
			return appendString(buf, x.Error())
		}
	}
	return appendString(buf, fmt.Sprint(v.Any()))
}

// appendShape writes dims as a tuple: (), (5,) or (4, 197, 192).
func appendShape(buf []byte, dims []int) []byte {
	buf = append(buf, '(')
	for i, d := range dims {
		if i > 0 {
			buf = append(buf, ", "...)
		}
		buf = strconv.AppendInt(buf, int64(d), 10)
	}
	if len(dims) == 1 {
		buf = append(buf, ',')
	}
	return append(buf, ')')
}

func (h *PrettyHandler) appendList(buf []byte, items []string) []byte {
	buf = append(buf, '[')
	n := min(len(items), h.opts.MaxListItems)
	for i, s := range items[:n] {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = appendString(buf, s)
	}
	if rest := len(items) - n; rest > 0 {
		buf = fmt.Appendf(buf, " ...+%d", rest)
	}
	return append(buf, ']')
}

func appendString(buf []byte, s string) []byte {
	if needsQuoting(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond)
	default:
		return d
	}
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '\n' || c == '"' || c == '=' {
			return true
		}
	}
	return false
}
