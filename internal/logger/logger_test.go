package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Strob0t/Switchyard/internal/config"
)

func TestNew(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc"}
	l, closer := New(cfg)
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewAsync(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc", Async: true}
	l, closer := New(cfg)
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	closer.Close()
}

func TestJSONRecordCarriesContextIDs(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "svc"}, &buf, false)
	defer closer.Close()

	ctx := WithTaskID(WithRequestID(context.Background(), "req-1"), "task-9")
	l.InfoContext(ctx, "task admitted", "fast", true)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "svc" {
		t.Errorf("expected service attr, got %v", rec["service"])
	}
	if rec["request_id"] != "req-1" {
		t.Errorf("expected request_id req-1, got %v", rec["request_id"])
	}
	if rec["task_id"] != "task-9" {
		t.Errorf("expected task_id task-9, got %v", rec["task_id"])
	}
}

func TestTTYUsesTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "svc"}, &buf, true)
	defer closer.Close()

	l.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()

	if got := RequestID(ctx); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}
	if got := TaskID(ctx); got != "" {
		t.Errorf("expected empty task ID, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	ctx = WithTaskID(ctx, "task-1")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
	if got := TaskID(ctx); got != "task-1" {
		t.Errorf("expected task-1, got %q", got)
	}
}
