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
		{in: " error ", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		if got := parseLogLevel(tc.in); got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

// NewLogger replaces slog.Default, so these tests do not run in parallel.
func TestNewLogger_Formats(t *testing.T) {
	var jsonBuf bytes.Buffer
	NewLogger("warn", "json", &jsonBuf).Info("hidden")
	NewLogger("warn", "json", &jsonBuf).Warn("registry.close", "conn_id", "c1")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(jsonBuf.Bytes()), &rec); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", jsonBuf.String(), err)
	}
	if rec["msg"] != "registry.close" || rec["conn_id"] != "c1" {
		t.Fatalf("unexpected record: %v", rec)
	}

	var prettyBuf bytes.Buffer
	NewLogger("info", "pretty", &prettyBuf).Info("server.start", "addr", "127.0.0.1:8080")
	if line := prettyBuf.String(); !strings.Contains(line, "[INFO] server.start") || strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected pretty line: %q", line)
	}
}
