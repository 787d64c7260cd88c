package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "text info", level: "info", format: FormatText},
		{name: "json debug", level: "debug", format: FormatJSON},
		{name: "default format", level: "warn", format: ""},
		{name: "bad level", level: "loud", format: FormatText, wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.format)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			want, _ := logrus.ParseLevel(tt.level)
			if logger.GetLevel() != want {
				t.Errorf("level = %v, want %v", logger.GetLevel(), want)
			}
		})
	}
}

func TestNewLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("info", FormatJSON, &buf)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}

	logger.WithField("invoice_id", 42).Info("Charged")
	logger.Debug("hidden")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not a single JSON line: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "Charged" {
		t.Errorf("msg = %v, want Charged", entry["msg"])
	}
	if entry["invoice_id"] != float64(42) {
		t.Errorf("invoice_id = %v, want 42", entry["invoice_id"])
	}
}

func TestFromContext(t *testing.T) {
	logger, hook := test.NewNullLogger()

	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q", got)
	}

	FromContext(ctx).Info("hello")
	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected a log entry")
	}
	if entry.Data["request_id"] != "req-123" {
		t.Errorf("request_id = %v", entry.Data["request_id"])
	}
	if _, ok := entry.Data["trace_id"]; ok {
		t.Error("trace_id set without a recording span")
	}
}

func TestFromContextDefaults(t *testing.T) {
	if GetLogger(context.Background()) != logrus.StandardLogger() {
		t.Error("expected standard logger without a context logger")
	}
	if GetRequestID(context.Background()) != "" {
		t.Error("expected empty request id")
	}
}

func TestWithTraceContext(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	WithTraceContext(ctx, logger).Info("traced")
	entry := hook.LastEntry()
	if entry.Data["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v", entry.Data["trace_id"])
	}
	if entry.Data["span_id"] != span.SpanContext().SpanID().String() {
		t.Errorf("span_id = %v", entry.Data["span_id"])
	}
}
