package debughttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPprofMuxRoutes(t *testing.T) {
	t.Parallel()

	mux := newPprofMux()

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("index: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "goroutine") {
		t.Fatalf("expected pprof index body, got %q", rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("cmdline: expected 200, got %d", rr.Code)
	}
}

func TestStartDisabledByEmptyAddr(t *testing.T) {
	t.Parallel()

	for _, addr := range []string{"", "   "} {
		if err := Start(context.Background(), addr, nil); err != nil {
			t.Fatalf("Start(%q) must be a no-op, got %v", addr, err)
		}
	}
}
