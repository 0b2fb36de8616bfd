package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"eldorado/internal/model"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "mita", slog.LevelInfo, "json")
	l.Debug("hidden")
	l.Info("hello")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"service":"mita"`) {
		t.Errorf("expected service attr, got %s", out)
	}
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "inquisidor", slog.LevelDebug, "text").Debug("shown")
	if !strings.Contains(buf.String(), "service=inquisidor") {
		t.Errorf("expected text output, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestForMarket(t *testing.T) {
	var buf bytes.Buffer
	m := model.MarketDetail{ID: uuid.New(), Exchange: model.ExchangeGDAX, Name: "BTC-USD"}
	ForMarket(New(&buf, "mita", slog.LevelInfo, "json"), m).Info("tick")

	out := buf.String()
	for _, want := range []string{`"exchange":"gdax"`, `"market":"BTC-USD"`, m.ID.String()} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %s", want, out)
		}
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}

	ctx = WithTraceID(ctx, "test-trace-123")
	if tid := TraceID(ctx); tid != "test-trace-123" {
		t.Errorf("expected 'test-trace-123', got %q", tid)
	}
}

func TestBucketTraceID(t *testing.T) {
	ts := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	tid := BucketTraceID("BTC-PERP", model.T15, ts)
	if tid != "BTC-PERP-t15-1622548800" {
		t.Errorf("unexpected trace id %s", tid)
	}
}

func TestLogWithTrace(t *testing.T) {
	ctx := context.Background()

	if attrs := LogWithTrace(ctx); attrs != nil {
		t.Errorf("expected nil attrs when no trace id, got %v", attrs)
	}

	ctx = WithTraceID(ctx, "abc-123")
	if attrs := LogWithTrace(ctx); len(attrs) == 0 {
		t.Fatal("expected non-empty attrs with trace id set")
	}
}
