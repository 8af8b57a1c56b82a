package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type staticChecker struct {
	check Check
}

func (c staticChecker) Check() Check { return c.check }

func serveHealthz(t *testing.T, handler *Handler) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var response Response
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("decode healthz response: %v", err)
	}
	return w, response
}

func TestHealthz_AllHealthy(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("event-store", NewSimpleChecker("event-store", func() error { return nil }))

	w, response := serveHealthz(t, handler)

	if w.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", w.Code)
	}
	if response.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", response.Status)
	}
	if response.Version != "v1.0.0" {
		t.Errorf("version = %s, want v1.0.0", response.Version)
	}
	if len(response.Checks) != 1 {
		t.Errorf("checks = %d, want 1", len(response.Checks))
	}
}

func TestHealthz_UnhealthyComponentGives503(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("event-store", NewSimpleChecker("event-store", func() error {
		return errors.New("connection refused")
	}))

	w, response := serveHealthz(t, handler)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", w.Code)
	}
	if response.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", response.Status)
	}
}

func TestHealthz_DegradedKeeps200(t *testing.T) {
	handler := NewHandler("v1.0.0")
	handler.RegisterChecker("kafka", staticChecker{Check{Name: "kafka", Status: StatusDegraded}})
	handler.RegisterChecker("postgres", staticChecker{Check{Name: "postgres", Status: StatusHealthy}})

	w, response := serveHealthz(t, handler)

	if w.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", w.Code)
	}
	if response.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", response.Status)
	}
}

func TestLivenessHandler(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if w.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", w.Body.String())
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		checkErr error
		wantCode int
		wantBody string
	}{
		{name: "ready", wantCode: http.StatusOK, wantBody: "ready"},
		{name: "not ready", checkErr: errors.New("boom"), wantCode: http.StatusServiceUnavailable, wantBody: "not ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler("v1.0.0")
			handler.RegisterChecker("event-store", NewSimpleChecker("event-store", func() error {
				return tt.checkErr
			}))

			w := httptest.NewRecorder()
			handler.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if w.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", w.Code, tt.wantCode)
			}
			if w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestSimpleChecker_CarriesError(t *testing.T) {
	check := NewSimpleChecker("store", func() error { return errors.New("ping failed") }).Check()

	if check.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", check.Status)
	}
	if check.Message != "ping failed" {
		t.Errorf("message = %q, want 'ping failed'", check.Message)
	}
}

func TestPingChecker_Timeout(t *testing.T) {
	slow := NewPingChecker("redis", 50*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})
	if check := slow.Check(); check.Status != StatusUnhealthy {
		t.Errorf("slow ping status = %s, want unhealthy", check.Status)
	}

	fast := NewPingChecker("redis", time.Second, func(context.Context) error { return nil })
	if check := fast.Check(); check.Status != StatusHealthy {
		t.Errorf("fast ping status = %s, want healthy", check.Status)
	}
}
