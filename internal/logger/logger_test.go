package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestInitTo_WritesJSONWithService(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	InitTo(&buf, "orderengine", slog.LevelInfo)
	slog.Debug("hidden")
	slog.Info("order approved", "order_id", "o-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line (debug filtered), got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["service"] != "orderengine" || rec["order_id"] != "o-1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}

	ctx = WithTraceID(ctx, "order-123")
	if tid := TraceID(ctx); tid != "order-123" {
		t.Errorf("expected 'order-123', got %q", tid)
	}
}

func TestGenerateTraceID(t *testing.T) {
	a, b := GenerateTraceID("http"), GenerateTraceID("http")
	if !strings.HasPrefix(a, "http-") || len(a) != len("http-")+16 {
		t.Errorf("unexpected trace id %q", a)
	}
	if a == b {
		t.Errorf("trace ids should differ, both %q", a)
	}
	if got := GenerateTraceID(""); len(got) != 16 {
		t.Errorf("bare trace id %q, want 16 chars", got)
	}
}

func TestLogWithTrace(t *testing.T) {
	ctx := context.Background()
	if attrs := LogWithTrace(ctx); attrs != nil {
		t.Errorf("expected nil attrs when no trace id, got %v", attrs)
	}

	ctx = WithTraceID(ctx, "abc-123")
	if attrs := LogWithTrace(ctx); len(attrs) != 1 {
		t.Fatalf("expected one attr with trace id set, got %v", attrs)
	}
}
