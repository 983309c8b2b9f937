package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHandler_Smoke(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)

	ExposeBuildInfo("test")
	ObserveHTTP("GET", "/flows", 200, 0.001)
	IncFlowRequest(OutcomeMiss)
	ObserveComputation("ok", 0.2)
	ObserveStoreOp("read", nil, 0.003)
	ObserveStoreOp("publish", errors.New("boom"), 0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`flowsvc_build_info{version="test"} 1`,
		`http_requests_total{method="GET",route="/flows",status="200"}`,
		`flowcache_requests_total{outcome="miss"}`,
		`flowcache_computation_duration_seconds_bucket`,
		`store_operation_duration_seconds_count{op="publish",result="error"} `,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in payload:\n%s", want, body)
		}
	}
}

func TestInit_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)
	Init(reg, true)
	Init(nil, true)
	Init(reg, false)
}

func TestGauges_TrackDeltas(t *testing.T) {
	before := testutil.ToFloat64(flowWaiters)
	AddWaiters(3)
	AddWaiters(-2)
	if got := testutil.ToFloat64(flowWaiters) - before; got != 1 {
		t.Fatalf("waiters delta=%v want 1", got)
	}
	AddWaiters(-1)
}
