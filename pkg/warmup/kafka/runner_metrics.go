package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	proc     prometheus.Histogram
	lagGauge prometheus.Gauge
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		proc: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "warmup_processing_seconds",
				Help:    "Processing time for one zone-registered message.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
		),
		lagGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warmup_lag_seconds",
				Help: "Approximate lag: now - message.timestamp.",
			},
		),
	}
	if r != nil {
		r.MustRegister(m.proc, m.lagGauge)
	}
	return m
}
