package index

import "github.com/prometheus/client_golang/prometheus"

var IndexOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nutelladb",
	Subsystem: "index",
	Name:      "operations",
}, []string{"collection", "index", "op", "status"})

var IndexEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "nutelladb",
	Subsystem: "index",
	Name:      "entries",
}, []string{"collection", "index"})

var RegenerateDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "nutelladb",
	Subsystem: "index",
	Name:      "regenerate_duration_seconds",
	Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
}, []string{"collection", "index"})

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{IndexOperations, IndexEntries, RegenerateDuration}
}
