package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func newBufferLogger(level string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(Config{Level: level, Format: "json", Output: &buf, ServiceName: "cre8-test"}), &buf
}

func TestJSONRecord(t *testing.T) {
	log, buf := newBufferLogger("info")

	log.WithComponent("processor").Info("job claimed", "job_id", "j1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}

	want := map[string]any{
		"msg":       "job claimed",
		"service":   "cre8-test",
		"component": "processor",
		"job_id":    "j1",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s: expected %v, got %v", k, v, entry[k])
		}
	}
	if ts, _ := entry["time"].(string); !strings.HasSuffix(ts, "Z") {
		t.Errorf("expected UTC timestamp, got %v", entry["time"])
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Level: "info", Format: "text", Output: &buf}).Info("hello")

	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestLevels(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		logFn     func(*Logger)
		shouldLog bool
	}{
		{"info logs info", "info", func(l *Logger) { l.Info("x") }, true},
		{"info drops debug", "info", func(l *Logger) { l.Debug("x") }, false},
		{"debug logs debug", "debug", func(l *Logger) { l.Debug("x") }, true},
		{"warn drops info", "warn", func(l *Logger) { l.Info("x") }, false},
		{"error logs error", "error", func(l *Logger) { l.Error("x") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, buf := newBufferLogger(tt.level)
			tt.logFn(log)
			if (buf.Len() > 0) != tt.shouldLog {
				t.Errorf("expected shouldLog=%v, output=%q", tt.shouldLog, buf.String())
			}
		})
	}
}

func TestWithHelpers(t *testing.T) {
	log, buf := newBufferLogger("info")

	log.WithJobID("job-1").WithRenderID("rnd-1").WithRequestID("req-1").Info("x")

	out := buf.String()
	for _, s := range []string{`"job_id":"job-1"`, `"render_id":"rnd-1"`, `"request_id":"req-1"`} {
		if !strings.Contains(out, s) {
			t.Errorf("expected %s in %s", s, out)
		}
	}
}

func TestWithError(t *testing.T) {
	log, buf := newBufferLogger("info")

	if log.WithError(nil) != log {
		t.Error("WithError(nil) should return the same logger")
	}

	log.WithError(context.DeadlineExceeded).Info("x")
	if !strings.Contains(buf.String(), "deadline exceeded") {
		t.Errorf("expected error in output, got %s", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	log, buf := newBufferLogger("info")

	ctx := ContextWithRequestID(context.Background(), "req-abc")
	ctx = ContextWithJobID(ctx, "job-xyz")
	ctx = ContextWithRenderID(ctx, "rnd-42")

	log.FromContext(ctx).Info("x")

	out := buf.String()
	for _, s := range []string{"req-abc", "job-xyz", "rnd-42"} {
		if !strings.Contains(out, s) {
			t.Errorf("expected %s in %s", s, out)
		}
	}
}

func TestLogErrorAddsSource(t *testing.T) {
	log, buf := newBufferLogger("info")

	log.LogError(context.Background(), "store failed", context.Canceled)
	log.LogError(context.Background(), "ignored", nil)

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected exactly one record, got %q", out)
	}
	if !strings.Contains(out, "logger_test.go") {
		t.Errorf("expected caller file in output, got %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"INFO":    "INFO",
		"warning": "WARN",
		"error":   "ERROR",
		"bogus":   "INFO",
		"":        "INFO",
	}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
