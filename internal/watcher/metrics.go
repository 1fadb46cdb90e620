package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// eventsEmitted counts normalized events by kind
	eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "watcher",
		Name:      "events_emitted_total",
		Help:      "Normalized file events emitted by kind",
	}, []string{"kind"})

	// eventsDropped counts events the consumer did not accept in time
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "watcher",
		Name:      "events_dropped_total",
		Help:      "Events not delivered because the inbox was full; recovered by rescan",
	})

	// pendingFiles tracks files waiting to stabilize
	pendingFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gliderdac",
		Subsystem: "watcher",
		Name:      "pending_files",
		Help:      "Files observed but not yet stable",
	})

	// statErrors counts failed stat calls on pending files
	statErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gliderdac",
		Subsystem: "watcher",
		Name:      "stat_errors_total",
		Help:      "Transient stat failures on pending files",
	})
)
