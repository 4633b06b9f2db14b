package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "healthy" || status.Service != ServiceName {
		t.Errorf("Unexpected health status: %+v", status)
	}
}

func TestReadinessHandler_Ready(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"model":    func(context.Context) (bool, error) { return true, nil },
		"sessions": func(context.Context) (bool, error) { return true, nil },
	}
	rec := httptest.NewRecorder()
	ReadinessHandler(checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "ready" || len(status.Dependencies) != 2 {
		t.Errorf("Unexpected readiness: %+v", status)
	}
}

func TestReadinessHandler_NotReady(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"model":    func(context.Context) (bool, error) { return true, nil },
		"sessions": func(context.Context) (bool, error) { return false, errors.New("64 of 64 sessions in use") },
	}
	rec := httptest.NewRecorder()
	ReadinessHandler(checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "not_ready" {
		t.Errorf("Expected not_ready, got %s", status.Status)
	}
	dep := status.Dependencies["sessions"]
	if dep.Status != "unhealthy" || dep.Message == "" {
		t.Errorf("Expected an unhealthy sessions dependency with a message, got %+v", dep)
	}
	if status.Dependencies["model"].Status != "healthy" {
		t.Error("Expected the model dependency to stay healthy")
	}
}

func TestCheckAll_SkipsNil(t *testing.T) {
	deps, ok := CheckAll(context.Background(), map[string]HealthCheckFunc{"none": nil})
	if !ok || len(deps) != 0 {
		t.Errorf("Expected nil checks to be skipped, got %v %v", deps, ok)
	}
}
