package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "info", "json", false)
	log.Debug("hidden")
	log.Info("kv.set.fail", "key", "cashierId")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%d want=1 (debug must be filtered): %q", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("json: %v", err)
	}
	if rec["msg"] != "kv.set.fail" || rec["key"] != "cashierId" {
		t.Fatalf("record=%v", rec)
	}
	if _, ok := rec["source"]; !ok {
		t.Fatalf("expected source attribute")
	}
}

func TestNewLogger_Pretty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "debug", "pretty", false)
	log.With("component", "transport").Warn("http.request",
		"method", "post",
		"path", "/api/auth/refresh",
		"status", 401,
		"duration_ms", int64(12),
		"note", "needs quoting",
	)

	out := buf.String()
	for _, want := range []string{
		"lvl=[WARN]",
		"msg=http.request",
		"component=transport",
		"method=POST",
		"path=/api/auth/refresh",
		"status=401",
		"duration=12ms",
		`note="needs quoting"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("unexpected ANSI escapes with color off: %q", out)
	}
}

func TestNewLogger_PrettyColor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "info", "pretty", true)
	log.Error("bus.publish.fail", "status", 503)

	if !strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("expected ANSI escapes with color on: %q", buf.String())
	}
}

func TestPrettyHandler_Groups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, "info", "pretty", false)
	log.WithGroup("relay").Info("relay.join", slog.Group("client", "scope", "branch-7"))

	if !strings.Contains(buf.String(), "relay.client.scope=branch-7") {
		t.Fatalf("group keys not flattened: %q", buf.String())
	}
}
