// Package observability holds the service's Prometheus collectors and the
// helpers that update them.
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	flowRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcache_requests_total",
			Help: "Flow cache lookups by outcome (hit, miss, follower).",
		},
		[]string{"outcome"},
	)

	flowComputations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcache_computations_total",
			Help: "Leader computations by result (ok, error, timeout).",
		},
		[]string{"result"},
	)

	flowComputationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowcache_computation_duration_seconds",
			Help:    "Wall time of compute+publish for one key.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	flowInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowcache_inflight",
		Help: "Keys currently in the Computing state.",
	})

	flowWaiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowcache_waiters",
		Help: "Callers currently suspended on a pending computation.",
	})

	keyAliases = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowcache_key_aliases_total",
		Help: "Reads served from a table whose canonical zone name differs from the requested spelling.",
	})

	storeOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Latency of relational and materialization store operations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"op", "result"},
	)

	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Redis operations by op and result.",
		},
		[]string{"op", "result"},
	)

	redisOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of Redis operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	renderedResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rendered_cache_results_total",
			Help: "Rendered FeatureCollection cache results by outcome.",
		},
		[]string{"outcome"},
	)

	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "materialization_events_total",
			Help: "Materialization events by status and delivery (queued, dropped).",
		},
		[]string{"status", "delivery"},
	)

	warmupMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warmup_messages_total",
			Help: "Warm-up consumer messages by result.",
		},
		[]string{"result"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowsvc_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		flowRequests, flowComputations, flowComputationSeconds,
		flowInflight, flowWaiters, keyAliases,
		storeOpSeconds, cacheOpTotal, redisOpSeconds,
		renderedResults, eventsTotal, warmupMessages, buildInfo,
	}
}

// Init registers every collector with reg. Calling it again with the same
// registry is harmless.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// flow cache outcomes
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeFollower = "follower"
)

func IncFlowRequest(outcome string) {
	flowRequests.WithLabelValues(outcome).Inc()
}

func ObserveComputation(result string, durationSeconds float64) {
	flowComputations.WithLabelValues(result).Inc()
	flowComputationSeconds.Observe(durationSeconds)
}

func AddInflight(d int) { flowInflight.Add(float64(d)) }

func AddWaiters(d int) { flowWaiters.Add(float64(d)) }

func IncKeyAlias() { keyAliases.Inc() }

func ObserveStoreOp(op string, err error, durationSeconds float64) {
	storeOpSeconds.WithLabelValues(op, resultLabel(err)).Observe(durationSeconds)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	cacheOpTotal.WithLabelValues(op, resultLabel(err)).Inc()
	redisOpSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func IncRendered(outcome string) {
	renderedResults.WithLabelValues(outcome).Inc()
}

func IncEvent(status, delivery string) {
	eventsTotal.WithLabelValues(status, delivery).Inc()
}

func IncWarmup(result string) {
	warmupMessages.WithLabelValues(result).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
