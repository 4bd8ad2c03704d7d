package app

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseLevel(t *testing.T) {
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
		{in: "", want: slog.LevelInfo},
		{in: "verbose", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestPrettyHandlerOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false)
	log := slog.New(h)

	log.Info("http.request", "method", "GET", "path", "/healthz", "status", 200, "duration_ms", int64(12))

	out := buf.String()
	for _, want := range []string{"lvl=[INFO]", "msg=http.request", "method=GET", "path=/healthz", "status=200", "duration_ms=12ms"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("color disabled but ANSI codes present: %s", out)
	}
}

func TestPrettyHandlerLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	log := slog.New(h)

	log.Info("dropped")
	log.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record leaked past warn filter: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn record missing: %s", out)
	}
}

func TestPrettyHandlerQuotesValues(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, nil, false)
	log := slog.New(h)

	log.Info("event", "err", "dial tcp: connection refused", "empty", "")

	out := buf.String()
	if !strings.Contains(out, `err="dial tcp: connection refused"`) {
		t.Fatalf("value with spaces not quoted: %s", out)
	}
	if !strings.Contains(out, `empty=""`) {
		t.Fatalf("empty value not quoted: %s", out)
	}
}

func TestPrettyHandlerGroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, nil, false)

	slog.New(h).With("service", "courtside").Info("start")
	slog.New(h).WithGroup("db").Info("query", "table", "messages")

	out := buf.String()
	if !strings.Contains(out, "service=courtside") {
		t.Fatalf("WithAttrs attr missing: %s", out)
	}
	if !strings.Contains(out, "db.table=messages") {
		t.Fatalf("group prefix missing: %s", out)
	}
}
