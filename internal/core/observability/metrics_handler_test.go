package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsHandler_Smoke(t *testing.T) {
	ExposeBuildInfo("test")
	ObserveHTTP("GET", "/tiles/{version}/{z}/{x}/{y}", 200, 0.001)
	IncTileResult("hit", "hot")
	IncCoalescedWaiter("fetch")
	ObserveFetch("resolved", 0.02)
	ObserveCacheOp("get", nil, 0.001)
	ObserveUpstream("ok", 0.015)
	IncConnectAttempt(true)
	SetWorkersBusy(2)
	SetPendingDepth(0)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{
		"app_build_info",
		"http_requests_total",
		"tile_results_total",
		"tile_coalesced_waiters_total",
		"tile_fetch_duration_seconds",
		"cache_op_duration_seconds",
		"upstream_requests_total",
		"upstream_connect_attempts_total",
		"upstream_workers_busy",
		"upstream_pending_depth",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics payload missing %s; got:\n%s", name, body)
		}
	}
	if !strings.Contains(body, `tile_results_total{outcome="hit",source="hot"} `) {
		t.Fatalf("missing tile_results_total sample with expected labels:\n%s", body)
	}
}
