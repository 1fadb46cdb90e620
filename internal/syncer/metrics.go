package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// writes counts record store writes by result
	writes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "syncer",
		Name:      "writes_total",
		Help:      "Processing status writes by result (ok, failed)",
	}, []string{"result"})

	// dropped counts updates discarded because the buffer was full
	dropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "syncer",
		Name:      "dropped_total",
		Help:      "Status updates dropped on buffer overflow",
	})

	// buffered tracks updates waiting to be flushed
	buffered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gliderdac",
		Subsystem: "syncer",
		Name:      "buffered_updates",
		Help:      "Status updates buffered and not yet handed to the writer",
	})
)
