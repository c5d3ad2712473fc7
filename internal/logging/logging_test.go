package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := L()
	Replace(zap.New(core))
	t.Cleanup(func() { Replace(prev) })
	return logs
}

func TestMiddlewareGeneratesRequestID(t *testing.T) {
	logs := observe(t)

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if seen == "" {
		t.Fatal("expected request ID in context")
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("header request ID = %q, context = %q", got, seen)
	}

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected 1 completion entry, got %d", len(completed))
	}
	fields := completed[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) {
		t.Errorf("status field = %v", fields["status"])
	}
	if fields["request_id"] != seen {
		t.Errorf("request_id field = %v, want %s", fields["request_id"], seen)
	}
}

func TestMiddlewareKeepsClientRequestID(t *testing.T) {
	observe(t)

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("expected client request ID to be echoed, got %q", got)
	}
}

func TestWithContextFallsBackToGlobal(t *testing.T) {
	logs := observe(t)
	WithContext(context.Background()).Info("plain")
	if logs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", logs.Len())
	}
}

func TestDirectLoggersReportTheirCaller(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := L()
	Replace(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))
	t.Cleanup(func() { Replace(prev) })

	Named("upload").Info("named")
	WithContext(context.Background()).Info("fallback")
	WithContext(WithRequestID(context.Background(), "r1")).Info("scoped")
	Info("helper")

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if got := filepath.Base(e.Caller.File); got != "logging_test.go" {
			t.Errorf("%s: caller = %s", e.Message, e.Caller.String())
		}
	}
}

func TestSetLevelIgnoresUnknown(t *testing.T) {
	SetLevel("warn")
	if globalLevel.Level() != zapcore.WarnLevel {
		t.Fatalf("level = %v", globalLevel.Level())
	}
	SetLevel("nonsense")
	if globalLevel.Level() != zapcore.WarnLevel {
		t.Errorf("unknown level changed the level to %v", globalLevel.Level())
	}
	SetLevel("info")
}
