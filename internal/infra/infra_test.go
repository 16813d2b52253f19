package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"fhe-emotion-client/config"
)

func spanContext(t *testing.T) context.Context {
	t.Helper()
	traceID, err := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	if err != nil {
		t.Fatalf("invalid trace id: %v", err)
	}
	spanID, err := trace.SpanIDFromHex("b7ad6b7169203331")
	if err != nil {
		t.Fatalf("invalid span id: %v", err)
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceHandler_AddsTraceAttributes(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{OtelEnabled: true, GoogleCloudProject: "demo-project"}
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil), cfg))

	logger.InfoContext(spanContext(t), "analysis completed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log line: %v", err)
	}
	if entry["trace"] != "0af7651916cd43dd8448eb211c80319c" {
		t.Errorf("want trace id, got %v", entry["trace"])
	}
	if entry["spanId"] != "b7ad6b7169203331" {
		t.Errorf("want span id, got %v", entry["spanId"])
	}
	if entry["traceSampled"] != true {
		t.Errorf("want traceSampled true, got %v", entry["traceSampled"])
	}
	want := "projects/demo-project/traces/0af7651916cd43dd8448eb211c80319c"
	if entry["logging.googleapis.com/trace"] != want {
		t.Errorf("want %s, got %v", want, entry["logging.googleapis.com/trace"])
	}
}

func TestTraceHandler_Disabled(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{OtelEnabled: false}
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil), cfg)).With("component", "test")

	logger.InfoContext(spanContext(t), "analysis completed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log line: %v", err)
	}
	if _, ok := entry["trace"]; ok {
		t.Errorf("want no trace attribute, got %v", entry["trace"])
	}
	if entry["component"] != "test" {
		t.Errorf("want component attribute, got %v", entry["component"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q): want %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestNewDB(t *testing.T) {
	cfg := &config.Config{}

	db, err := NewDB("sqlite", ":memory:", cfg)
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	if err := db.Exec("SELECT 1").Error; err != nil {
		t.Errorf("query failed: %v", err)
	}

	if _, err := NewDB("oracle", "dsn", cfg); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestNewBadger_InMemory(t *testing.T) {
	db, err := NewBadger("")
	if err != nil {
		t.Fatalf("NewBadger failed: %v", err)
	}
	defer db.Close()

	if db.Opts().InMemory != true {
		t.Error("want in-memory badger")
	}
}
