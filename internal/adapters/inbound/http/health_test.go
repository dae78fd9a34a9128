package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/archon-research/stl-notional/internal/testutil"
)

type mockHealthChecker struct {
	ready   bool
	healthy bool
}

func (m *mockHealthChecker) IsReady() bool   { return m.ready }
func (m *mockHealthChecker) IsHealthy() bool { return m.healthy }

func probe(t *testing.T, hs *HealthServer, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	hs.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return w.Code, body
}

func TestHealthServer_Probes(t *testing.T) {
	tests := []struct {
		name         string
		path         string
		ready        bool
		healthy      bool
		shuttingDown bool
		wantCode     int
		wantStatus   string
	}{
		{"ready", "/health/ready", true, true, false, http.StatusOK, "ready"},
		{"not ready before startup reconcile", "/health/ready", false, true, false, http.StatusServiceUnavailable, "not_ready"},
		{"ready while shutting down", "/health/ready", true, true, true, http.StatusServiceUnavailable, "shutting_down"},
		{"live", "/health/live", true, true, false, http.StatusOK, "healthy"},
		{"unhealthy after failed reconciles", "/health/live", true, false, false, http.StatusServiceUnavailable, "unhealthy"},
		{"live while shutting down", "/health/live", true, true, true, http.StatusServiceUnavailable, "shutting_down"},
		{"combined ok", "/health", true, true, false, http.StatusOK, "ok"},
		{"combined degraded", "/health", false, true, false, http.StatusServiceUnavailable, "degraded"},
		{"combined shutting down", "/health", true, true, true, http.StatusServiceUnavailable, "shutting_down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var shuttingDown atomic.Bool
			shuttingDown.Store(tt.shuttingDown)
			hs := NewHealthServer(HealthServerConfig{Addr: ":0", Logger: testutil.DiscardLogger()},
				&mockHealthChecker{ready: tt.ready, healthy: tt.healthy}, &shuttingDown)

			code, body := probe(t, hs, tt.path)
			if code != tt.wantCode {
				t.Errorf("status code = %d, want %d", code, tt.wantCode)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %q", body["status"], tt.wantStatus)
			}
		})
	}
}

func TestHealthServer_CombinedReportsFlags(t *testing.T) {
	hs := NewHealthServer(HealthServerConfig{Logger: testutil.DiscardLogger()},
		&mockHealthChecker{ready: true, healthy: false}, nil)

	_, body := probe(t, hs, "/health")
	if body["ready"] != true || body["healthy"] != false || body["shuttingDown"] != false {
		t.Errorf("body = %v", body)
	}
}
