package indexes

import "github.com/prometheus/client_golang/prometheus"

var UpdateCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "thicket",
	Subsystem: "indexes",
	Name:      "update_passes",
}, []string{"index"})

var UpdateResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "thicket",
	Subsystem: "indexes",
	Name:      "update_results",
}, []string{"index", "result"})

var UpdateDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "thicket",
	Subsystem: "indexes",
	Name:      "update_duration",
	Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500},
}, []string{"index"})

var FindCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "thicket",
	Subsystem: "indexes",
	Name:      "finds",
}, []string{"result"})
