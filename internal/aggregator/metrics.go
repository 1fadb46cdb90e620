package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// aggregations counts aggregation outcomes
	aggregations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "aggregator",
		Name:      "aggregations_total",
		Help:      "Aggregation attempts by result (inserted, replaced, unchanged, failed)",
	}, []string{"result"})

	// commitConflicts counts commits lost to a concurrent writer
	commitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "aggregator",
		Name:      "commit_conflicts_total",
		Help:      "Dataset commits rejected because the base version changed",
	})

	// versionsPruned counts version directories removed by retention
	versionsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "aggregator",
		Name:      "versions_pruned_total",
		Help:      "Superseded dataset versions removed",
	})

	// aggregateDuration tracks time to stage and commit a version
	aggregateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gliderdac",
		Subsystem: "aggregator",
		Name:      "aggregate_duration_seconds",
		Help:      "Time to build and commit a dataset version",
		Buckets:   prometheus.DefBuckets,
	})

	// datasetGeneration exposes each deployment's committed generation
	datasetGeneration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gliderdac",
		Subsystem: "aggregator",
		Name:      "dataset_generation",
		Help:      "Current dataset generation per deployment",
	}, []string{"deployment_id"})
)
