package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for batch coordination.
var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridfetch_batches_total",
		Help: "Total batches by terminal status",
	}, []string{"status"}) // "complete", "timeout", "cancelled"

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridfetch_batch_duration_seconds",
		Help:    "Time from Run to terminal callback dispatch",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	batchesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridfetch_batches_in_flight",
		Help: "Number of batches still pending",
	})

	fetchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridfetch_fetch_outcomes_total",
		Help: "Delivered per-item outcomes by kind (ok for successes)",
	}, []string{"kind"})
)
