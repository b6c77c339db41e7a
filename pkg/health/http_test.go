package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var _ Checker = (*HTTPChecker)(nil)

func TestHTTPCheckerHealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())

	if !result.Healthy {
		t.Errorf("expected healthy, got unhealthy: %s", result.Message)
	}
	if result.Duration <= 0 {
		t.Error("expected positive duration")
	}
	if result.CheckedAt.IsZero() {
		t.Error("expected CheckedAt to be stamped")
	}
}

func TestHTTPCheckerUnhealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("booting"))
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())

	if result.Healthy {
		t.Errorf("expected unhealthy, got healthy: %s", result.Message)
	}
}

func TestHTTPCheckerRedirectIsNotReady(t *testing.T) {
	// A daemon still wiring itself up may answer with a redirect; the
	// default 2xx range refuses it.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v0/healthz")
		w.WriteHeader(http.StatusFound)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL)
	checker.Client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	result := checker.Check(context.Background())

	if result.Healthy {
		t.Errorf("expected unhealthy for 302, got healthy: %s", result.Message)
	}
}

func TestHTTPCheckerCustomStatusRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithStatusRange(204, 204).Check(context.Background())

	if !result.Healthy {
		t.Errorf("expected healthy for 204, got unhealthy: %s", result.Message)
	}
}

func TestHTTPCheckerSendsBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer lab-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithBearer("lab-secret").Check(context.Background())
	if !result.Healthy {
		t.Errorf("expected healthy with bearer, got unhealthy: %s", result.Message)
	}

	anon := NewHTTPChecker(server.URL).Check(context.Background())
	if anon.Healthy {
		t.Error("expected unhealthy without bearer")
	}
}

func TestHTTPCheckerCustomHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Probe-Source") != "controller" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithHeader("X-Probe-Source", "controller").Check(context.Background())

	if !result.Healthy {
		t.Errorf("expected healthy with custom header, got unhealthy: %s", result.Message)
	}
}

func TestHTTPCheckerTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())

	if result.Healthy {
		t.Errorf("expected unhealthy due to timeout, got healthy: %s", result.Message)
	}
}

func TestHTTPCheckerContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewHTTPChecker(server.URL).Check(ctx)

	if result.Healthy {
		t.Errorf("expected unhealthy due to cancelled context, got healthy: %s", result.Message)
	}
}

func TestHTTPCheckerUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	result := NewHTTPChecker(url).WithTimeout(100 * time.Millisecond).Check(context.Background())

	if result.Healthy {
		t.Error("expected unhealthy for closed listener")
	}
	if result.Message == "" {
		t.Error("expected a failure message")
	}
}
