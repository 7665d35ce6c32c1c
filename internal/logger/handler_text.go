package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// SignTextHandler implements slog.Handler with the classic log line
// layout: timestamp, single-letter sign in angle brackets, message,
// then key=value attributes.
type SignTextHandler struct {
	opts     *slog.HandlerOptions
	w        io.Writer
	mu       *sync.Mutex
	attrs    []slog.Attr
	groups   []string
	useColor bool
}

// NewSignTextHandler creates a new SignTextHandler
func NewSignTextHandler(w io.Writer, opts *slog.HandlerOptions, useColor bool) *SignTextHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}

	return &SignTextHandler{
		opts:     opts,
		w:        w,
		mu:       &sync.Mutex{},
		useColor: useColor,
	}
}

// Enabled reports whether the handler handles records at the given level
func (h *SignTextHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle formats and writes a log record
func (h *SignTextHandler) Handle(_ context.Context, r slog.Record) error {
	timestamp := r.Time.Format("02.01. 15:04:05")
	signStr := h.formatSign(r.Level)

	// Build output (not under lock - local buffer)
	var buf []byte
	buf = fmt.Appendf(buf, "%s %s %s", timestamp, signStr, r.Message)

	for _, attr := range h.attrs {
		buf = h.appendAttr(buf, attr)
	}

	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, a)
		return true
	})

	buf = append(buf, '\n')

	// Only lock for the actual write
	h.mu.Lock()
	_, err := h.w.Write(buf)
	h.mu.Unlock()
	return err
}

// formatSign returns the angle-bracketed sign with optional color
func (h *SignTextHandler) formatSign(level slog.Level) string {
	var sign byte
	var color string

	switch {
	case level < slog.LevelDebug:
		sign = 'T'
		color = colorGray
	case level < slog.LevelInfo:
		sign = 'D'
		color = colorGray
	case level < slog.LevelWarn:
		sign = 'I'
		color = colorGreen
	case level < slog.LevelError:
		sign = 'W'
		color = colorYellow
	default:
		sign = 'E'
		color = colorRed
	}

	if h.useColor {
		return fmt.Sprintf("%s<%c>%s", color, sign, colorReset)
	}
	return fmt.Sprintf("<%c>", sign)
}

// appendAttr formats and appends an attribute
func (h *SignTextHandler) appendAttr(buf []byte, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return buf
	}

	a.Value = a.Value.Resolve()

	key := a.Key
	val := formatValue(a.Value)

	if h.useColor {
		buf = fmt.Appendf(buf, " %s%s%s=%s", colorCyan, key, colorReset, val)
	} else {
		buf = fmt.Appendf(buf, " %s=%s", key, val)
	}

	return buf
}

// formatValue formats a slog.Value for text output
func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return fmt.Sprintf("%d", v.Int64())
	case slog.KindUint64:
		return fmt.Sprintf("%d", v.Uint64())
	case slog.KindFloat64:
		return fmt.Sprintf("%.3f", v.Float64())
	case slog.KindBool:
		return fmt.Sprintf("%t", v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		return fmt.Sprintf("%v", v.Any())
	default:
		return v.String()
	}
}

// WithAttrs returns a new handler with additional attrs
func (h *SignTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SignTextHandler{
		opts:     h.opts,
		w:        h.w,
		mu:       h.mu, // Share mutex with parent
		attrs:    append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups:   append([]string{}, h.groups...),
		useColor: h.useColor,
	}
}

// WithGroup returns a new handler with a group name
func (h *SignTextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &SignTextHandler{
		opts:     h.opts,
		w:        h.w,
		mu:       h.mu,
		attrs:    append([]slog.Attr{}, h.attrs...),
		groups:   append(append([]string{}, h.groups...), name),
		useColor: h.useColor,
	}
}
