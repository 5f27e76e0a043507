package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// prettyHandler renders records as one logfmt-ish line for terminals.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString("ts=")
	b.WriteString(h.paint(ts.Format("15:04:05.000"), color.Faint))
	b.WriteByte(' ')
	b.WriteString("lvl=")
	b.WriteString(h.levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString("msg=")
	b.WriteString(h.paint(r.Message, color.Bold))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteByte(' ')
			b.WriteString("src=")
			b.WriteString(h.paint(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), color.Faint))
		}
	}

	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, "")
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}

	fullKey := key
	switch {
	case parent != "":
		fullKey = parent + "." + key
	case len(h.groups) > 0:
		fullKey = strings.Join(h.groups, ".") + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, fullKey)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(remapPrettyKey(fullKey))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(fullKey, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch strings.TrimSpace(key) {
	case "method":
		return h.paint(strings.ToUpper(strings.TrimSpace(v.String())), color.FgMagenta, color.Bold)
	case "path", "url":
		return h.paint(strings.TrimSpace(v.String()), color.FgCyan)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return h.paint(strconv.FormatInt(n, 10), statusColor(int(n)))
		}
	case "status_class", "class":
		return h.paint(strings.TrimSpace(v.String()), classColor(strings.TrimSpace(v.String())))
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return h.paint(strconv.FormatInt(n, 10)+"ms", durationColor(n))
		}
	case "result":
		r := strings.ToLower(strings.TrimSpace(v.String()))
		if r == "ok" || r == "delivered" || r == "fanout" {
			return h.paint(r, color.FgGreen)
		}
		return h.paint(r, color.FgRed)
	case "err":
		return h.paint(quoteIfNeeded(valueToString(v)), color.FgRed)
	}

	return quoteIfNeeded(valueToString(v))
}

// paint wraps s in the given attributes when color output is on.
// It forces color so the decision stays with the handler, not the global tty probe.
func (h *prettyHandler) paint(s string, attrs ...color.Attribute) string {
	if !h.color || len(attrs) == 0 {
		return s
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(s)
}

func statusColor(code int) color.Attribute {
	switch {
	case code >= 500:
		return color.FgRed
	case code >= 400:
		return color.FgYellow
	case code >= 300:
		return color.FgCyan
	default:
		return color.FgGreen
	}
}

func classColor(class string) color.Attribute {
	switch class {
	case "5xx":
		return color.FgRed
	case "4xx":
		return color.FgYellow
	case "3xx":
		return color.FgCyan
	default:
		return color.FgGreen
	}
}

func durationColor(ms int64) color.Attribute {
	switch {
	case ms >= 1000:
		return color.FgRed
	case ms >= 250:
		return color.FgYellow
	default:
		return color.FgGreen
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		u := v.Uint64()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func (h *prettyHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.paint("[ERROR]", color.FgRed, color.Bold)
	case level >= slog.LevelWarn:
		return h.paint("[WARN]", color.FgYellow)
	case level < slog.LevelInfo:
		return h.paint("[DEBUG]", color.FgMagenta)
	default:
		return h.paint("[INFO]", color.FgBlue)
	}
}
