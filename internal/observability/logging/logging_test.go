package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			t.Fatalf("failed to decode log line %q: %v", line, err)
		}
		entries = append(entries, payload)
	}
	return entries
}

func TestNewAttachesService(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Writer: &buf, Service: "loop-library"}).Info("hello")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0]["service"] != "loop-library" {
		t.Fatalf("expected service attribute, got %v", entries)
	}
}

func TestNewTextFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: " TEXT ", Level: "warn"})
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "msg=shown") {
		t.Fatalf("expected text output, got %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected slog.Level
	}{
		{input: "debug", expected: slog.LevelDebug},
		{input: "warning", expected: slog.LevelWarn},
		{input: "warn", expected: slog.LevelWarn},
		{input: "error", expected: slog.LevelError},
		{input: "info", expected: slog.LevelInfo},
		{input: "", expected: slog.LevelInfo},
		{input: "verbose", expected: slog.LevelInfo},
		{input: " DeBuG ", expected: slog.LevelDebug},
	}
	for _, tc := range testCases {
		if got := ParseLevel(tc.input); got != tc.expected {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	WithComponent(logger, "api").Info("component set")

	entries := decodeLines(t, &buf)
	if entries[0]["component"] != "api" {
		t.Fatalf("expected component \"api\", got %v", entries[0]["component"])
	}
	if got := WithComponent(nil, "anything"); got != nil {
		t.Fatalf("expected nil logger, got %v", got)
	}
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), " req-1 ")
	ctx = ContextWithSubmissionID(ctx, "sub-9")
	ctx = ContextWithSubmissionID(ctx, "   ")

	var buf bytes.Buffer
	WithContext(ctx, slog.New(slog.NewJSONHandler(&buf, nil))).Info("hello")

	entries := decodeLines(t, &buf)
	if entries[0]["request_id"] != "req-1" {
		t.Fatalf("expected request_id, got %v", entries[0]["request_id"])
	}
	if entries[0]["submission_id"] != "sub-9" {
		t.Fatalf("expected submission_id, got %v", entries[0]["submission_id"])
	}
	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Fatal("empty context should carry no request id")
	}
}

func TestContextWithLogger(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	ctx := ContextWithLogger(context.Background(), logger)
	if LoggerFromContext(ctx) != logger {
		t.Fatal("expected logger round trip through context")
	}
	if LoggerFromContext(context.Background()) != nil {
		t.Fatal("expected nil logger for bare context")
	}
}

func TestInitSetsDefaultLogger(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	var buf bytes.Buffer
	logger := Init(Config{Writer: &buf, Format: string(FormatText), Level: "debug"})
	if logger != slog.Default() {
		t.Fatalf("expected Init to replace the default logger")
	}
	slog.Debug("hello world")
	if !strings.Contains(buf.String(), "hello world") {
		t.Fatalf("expected text output to include message, got %q", buf.String())
	}
}

func TestRequestLoggerLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	middleware := RequestLogger(RequestLoggerConfig{
		Logger:    logger,
		SkipPaths: []string{"/healthz"},
		ClientIP:  func(*http.Request) string { return "203.0.113.7" },
	})

	statuses := map[string]int{
		"/loops":       http.StatusOK,
		"/submissions": http.StatusBadRequest,
		"/confirm":     http.StatusInternalServerError,
		"/healthz":     http.StatusOK,
	}
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statuses[r.URL.Path])
		_, _ = w.Write([]byte("body"))
	}))
	for _, path := range []string{"/loops", "/submissions", "/confirm", "/healthz"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := decodeLines(t, &buf)
	if len(entries) != 3 {
		t.Fatalf("expected skipped path to be absent, got %d entries", len(entries))
	}
	wantLevels := []string{"INFO", "WARN", "ERROR"}
	for i, entry := range entries {
		if entry["level"] != wantLevels[i] {
			t.Fatalf("entry %d level = %v, want %s", i, entry["level"], wantLevels[i])
		}
		if entry["remote_addr"] != "203.0.113.7" {
			t.Fatalf("expected client ip override, got %v", entry["remote_addr"])
		}
		if entry["bytes"] != float64(4) {
			t.Fatalf("expected 4 bytes, got %v", entry["bytes"])
		}
	}
}
