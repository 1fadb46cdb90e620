package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transitions counts deployment state changes
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "pipeline",
		Name:      "state_transitions_total",
		Help:      "Deployment state transitions by from and to state",
	}, []string{"from", "to"})

	// events counts watcher events consumed by kind
	events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "pipeline",
		Name:      "events_total",
		Help:      "Watcher events consumed by kind",
	}, []string{"kind"})

	// validations counts validation outcomes
	validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "pipeline",
		Name:      "validations_total",
		Help:      "Validated file revisions by result (passed, failed)",
	}, []string{"result"})

	// jobResults counts handled jobs by kind and result
	jobResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "pipeline",
		Name:      "jobs_total",
		Help:      "Jobs handled by kind and result (done, dropped, stale, retried, dead_lettered)",
	}, []string{"kind", "result"})

	// jobDuration tracks job handling time by kind
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gliderdac",
		Subsystem: "pipeline",
		Name:      "job_duration_seconds",
		Help:      "Time to handle a job by kind",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// queueDepth tracks jobs by kind and state, refreshed on maintenance
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gliderdac",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Jobs by kind and state",
	}, []string{"kind", "state"})
)
