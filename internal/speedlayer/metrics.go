package speedlayer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lighthouse",
		Subsystem: "speedlayer",
		Name:      "validations_total",
		Help:      "Validation verdicts by deciding tier and decision.",
	}, []string{"tier", "decision"})

	validationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lighthouse",
		Subsystem: "speedlayer",
		Name:      "validation_seconds",
		Help:      "End-to-end validation latency by deciding tier.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
	}, []string{"tier"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lighthouse",
		Subsystem: "speedlayer",
		Name:      "cache_hits_total",
		Help:      "Memory-tier cache hits.",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lighthouse",
		Subsystem: "speedlayer",
		Name:      "cache_misses_total",
		Help:      "Memory-tier cache misses.",
	})

	escalationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lighthouse",
		Subsystem: "speedlayer",
		Name:      "escalations_total",
		Help:      "Validations escalated to the expert tier.",
	})

	fallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lighthouse",
		Subsystem: "speedlayer",
		Name:      "fallbacks_total",
		Help:      "Validations decided by the fallback policy.",
	})
)
