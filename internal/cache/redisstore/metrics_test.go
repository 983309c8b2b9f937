package redisstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/taz-flow-cache/internal/metrics"
)

func Test_RedisMetrics_OpsAreObserved(t *testing.T) {
	p := metrics.Init(metrics.Config{})
	c, _ := newMini(t)

	ctx := context.Background()
	_ = c.Set(ctx, "k:hit", []byte("v"), time.Minute)
	_, _, _ = c.Get(ctx, "k:hit")
	_, _, _ = c.Get(ctx, "k:miss")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	body := rr.Body.String()

	if !strings.Contains(body, `redis_operation_duration_seconds_count{op="get"}`) {
		t.Fatalf("missing get latency series\n%s", body)
	}
	if !strings.Contains(body, `cache_op_total{op="set",result="ok"}`) {
		t.Fatalf("missing set counter\n%s", body)
	}
}
