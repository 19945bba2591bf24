package elicitation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	elicitationsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lighthouse",
		Subsystem: "elicitation",
		Name:      "created_total",
		Help:      "Elicitations created.",
	})

	elicitationsResponded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lighthouse",
		Subsystem: "elicitation",
		Name:      "responded_total",
		Help:      "Elicitations answered before their deadline.",
	})

	elicitationsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lighthouse",
		Subsystem: "elicitation",
		Name:      "expired_total",
		Help:      "Elicitations that hit their deadline unanswered.",
	})

	outstandingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lighthouse",
		Subsystem: "elicitation",
		Name:      "outstanding",
		Help:      "Live elicitations.",
	})
)
