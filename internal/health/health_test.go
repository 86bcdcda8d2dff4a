package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_NoChecks(t *testing.T) {
	s := NewServer(0, "test")

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}

	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Status != "ok" {
		t.Errorf("status field: got %q", report.Status)
	}
	if report.Version != "test" {
		t.Errorf("version: got %q", report.Version)
	}
}

func TestHandleHealth_DegradedOnFailingCheck(t *testing.T) {
	s := NewServer(0, "test")
	s.RegisterCheck("database", func(ctx context.Context) (bool, string) {
		return false, "connection refused"
	})
	s.RegisterCheck("binance-ws", func(ctx context.Context) (bool, string) {
		return true, ""
	})

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d", rec.Code)
	}

	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Status != "degraded" {
		t.Errorf("status field: got %q", report.Status)
	}
	if check := report.Checks["database"]; check.Healthy || check.Detail != "connection refused" {
		t.Errorf("database check: got %+v", check)
	}
	if check := report.Checks["binance-ws"]; !check.Healthy {
		t.Errorf("binance-ws check: got %+v", check)
	}
}

func TestHandleReady(t *testing.T) {
	s := NewServer(0, "test")
	s.RegisterCheck("database", func(ctx context.Context) (bool, string) {
		return true, ""
	})

	rec := httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: got %d", rec.Code)
	}

	s.RegisterCheck("binance-ws", func(ctx context.Context) (bool, string) {
		return false, "disconnected"
	})

	rec = httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with failing check: got %d", rec.Code)
	}
}

func TestHandleLive(t *testing.T) {
	s := NewServer(0, "test")
	s.RegisterCheck("database", func(ctx context.Context) (bool, string) {
		return false, "down"
	})

	rec := httptest.NewRecorder()
	s.handleLive(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("liveness must not depend on checks: got %d", rec.Code)
	}
}
