package eventlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level collectors: stores share them so tests can open many
// stores without duplicate registration panics.
var (
	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventlog_append_duration_seconds",
		Help:    "Latency of a single durable append (serialize+MAC+write+fsync)",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	})

	appendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventlog_append_total",
		Help: "Appended events by kind",
	}, []string{"kind"})

	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventlog_query_duration_seconds",
		Help:    "Latency of bounded queries (cursor open to exhaustion)",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	subscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventlog_subscriber_drops_total",
		Help: "Subscribers disconnected for exceeding their buffer",
	})

	segmentRolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventlog_segment_rolls_total",
		Help: "Number of segment rolls since start",
	})
)
