package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the process's Prometheus collectors. A single instance is
// expected per process; [M] lazily creates and registers it exactly once
// so packages can call obs.M() freely without import-order concerns.
type metrics struct {
	FetchDuration       *prometheus.HistogramVec
	SolveDuration       prometheus.Histogram
	TransactionOutcomes *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	m           *metrics
)

// M returns the process-wide metrics collectors, registering them with the
// default Prometheus registry on first call.
func M() *metrics {
	metricsOnce.Do(func() {
		m = &metrics{
			FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tdnf",
				Subsystem: "fetch",
				Name:      "duration_seconds",
				Help:      "Time spent fetching one repository metadata artifact.",
			}, []string{"repo", "artifact"}),
			SolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "tdnf",
				Subsystem: "solver",
				Name:      "duration_seconds",
				Help:      "Time spent in a single resolve call.",
			}),
			TransactionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tdnf",
				Subsystem: "transaction",
				Name:      "outcomes_total",
				Help:      "Count of completed transactions by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(m.FetchDuration, m.SolveDuration, m.TransactionOutcomes)
	})
	return m
}
