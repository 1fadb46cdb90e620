package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobsEnqueued counts enqueue calls by kind and whether they created a job
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Jobs enqueued by kind and result (inserted, deduplicated)",
	}, []string{"kind", "result"})

	// jobsFinished counts terminal and retry outcomes
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "queue",
		Name:      "jobs_finished_total",
		Help:      "Job outcomes by kind (acked, retried, dead_lettered, reaped)",
	}, []string{"kind", "outcome"})

	// jobsSuperseded counts jobs dropped because their deployment was removed
	jobsSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "queue",
		Name:      "jobs_superseded_total",
		Help:      "Jobs marked superseded by deployment removal",
	})

	// claimLatency tracks how long a job waited between becoming available and being claimed
	claimLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gliderdac",
		Subsystem: "queue",
		Name:      "claim_wait_seconds",
		Help:      "Time from enqueue to claim",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"kind"})
)
