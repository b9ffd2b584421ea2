package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWrapAssignsRequestID(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	var seen string
	handler := Wrap(logger, "test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if seen == "" {
		t.Fatal("request id missing from context")
	}
	if got := rec.Header().Get("X-Request-Id"); got != seen {
		t.Fatalf("response header id %q != context id %q", got, seen)
	}
}

func TestWrapKeepsCallerRequestID(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	handler := Wrap(logger, "test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "caller-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "caller-id" {
		t.Fatalf("request id rewritten to %q", got)
	}
}

func TestWrapRecoversPanic(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	handler := Wrap(logger, "test", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestReadyzReportsFailingCheck(t *testing.T) {
	handler := ReadyzWithChecks("test",
		ReadinessCheck{Name: "ok", Check: func(context.Context) error { return nil }},
		ReadinessCheck{Name: "down", Check: func(context.Context) error { return errors.New("dead") }},
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "not_ready" || len(body.Checks) != 2 {
		t.Fatalf("body = %+v", body)
	}
}
