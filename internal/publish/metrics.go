package publish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// signals counts signal requests by target and result
	signals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "publish",
		Name:      "signals_total",
		Help:      "Publish signals by target and result (emitted, refreshed, duplicate, skipped, failed)",
	}, []string{"target", "result"})

	// confirmations counts rescan confirmation outcomes
	confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "publish",
		Name:      "confirmations_total",
		Help:      "Rescan confirmation checks by target and result",
	}, []string{"target", "result"})

	// signaledGeneration tracks the last generation signaled per target
	signaledGeneration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gliderdac",
		Subsystem: "publish",
		Name:      "signaled_generation",
		Help:      "Last dataset generation signaled per deployment and target",
	}, []string{"deployment_id", "target"})
)
