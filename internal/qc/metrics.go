package qc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runs counts QC job outcomes
	runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "qc",
		Name:      "runs_total",
		Help:      "QC jobs by outcome (committed, stale, superseded, skipped, failed)",
	}, []string{"outcome"})

	// flagsWritten counts per-value flags by variable and flag meaning
	flagsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "qc",
		Name:      "flags_total",
		Help:      "Aggregate QC flags written by variable and flag",
	}, []string{"variable", "flag"})

	// runDuration tracks time to flag and commit a dataset
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gliderdac",
		Subsystem: "qc",
		Name:      "run_duration_seconds",
		Help:      "Time to run the battery over a dataset and commit flags",
		Buckets:   prometheus.DefBuckets,
	})

	// busyWorkers tracks workers currently running a job
	busyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gliderdac",
		Subsystem: "qc",
		Name:      "busy_workers",
		Help:      "QC workers currently processing a job",
	})
)
