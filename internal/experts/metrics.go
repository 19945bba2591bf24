package experts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	expertsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lighthouse",
		Subsystem: "experts",
		Name:      "online",
		Help:      "Experts currently reachable (AVAILABLE or BUSY).",
	})

	tasksDelegated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lighthouse",
		Subsystem: "experts",
		Name:      "tasks_delegated_total",
		Help:      "Tasks handed to an expert, by capability.",
	}, []string{"capability"})

	tasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lighthouse",
		Subsystem: "experts",
		Name:      "tasks_completed_total",
		Help:      "Tasks completed by experts.",
	})

	tasksExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lighthouse",
		Subsystem: "experts",
		Name:      "tasks_expired_total",
		Help:      "Tasks that hit their deadline unserved or unanswered.",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lighthouse",
		Subsystem: "experts",
		Name:      "queue_depth",
		Help:      "Tasks waiting for an available expert.",
	})
)
