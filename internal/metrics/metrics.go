package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	experimentStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "experimentd",
			Subsystem: "experiment",
			Name:      "starts_total",
			Help:      "Number of experiment runs started (including resumes).",
		}, []string{"model"},
	)
	experimentCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "experimentd",
			Subsystem: "experiment",
			Name:      "completions_total",
			Help:      "Number of experiment runs that reached COMPLETED.",
		}, []string{"model"},
	)
	experimentFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "experimentd",
			Subsystem: "experiment",
			Name:      "failures_total",
			Help:      "Number of experiment runs that reached FAILED.",
		}, []string{"model"},
	)
	runningExperiments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "experimentd",
			Subsystem: "experiment",
			Name:      "running",
			Help:      "Experiments currently in RUNNING state.",
		},
	)
	reservedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "experimentd",
			Subsystem: "pool",
			Name:      "reserved_clients",
			Help:      "Pool clients currently held by experiments.",
		},
	)
	reserveWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "experimentd",
			Subsystem: "pool",
			Name:      "reserve_wait_seconds",
			Help:      "Time spent waiting to reserve a pool client.",
			Buckets:   []float64{.1, 1, 5, 10, 30, 60, 300, 900},
		},
	)
	notifyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "experimentd",
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Owner notifications that could not be delivered.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		experimentStarts, experimentCompletions, experimentFailures,
		runningExperiments, reservedClients, reserveWait, notifyFailures,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op if Register hasn't been called.

func IncStart(model string) {
	if regOK.Load() {
		experimentStarts.WithLabelValues(model).Inc()
	}
}

func IncCompletion(model string) {
	if regOK.Load() {
		experimentCompletions.WithLabelValues(model).Inc()
	}
}

func IncFailure(model string) {
	if regOK.Load() {
		experimentFailures.WithLabelValues(model).Inc()
	}
}

// AddRunning tracks the RUNNING gauge separately from the start and
// failure counters, since a run can fail before it ever reached
// RUNNING.
func AddRunning(delta int) {
	if regOK.Load() {
		runningExperiments.Add(float64(delta))
	}
}

func AddReservedClients(delta int) {
	if regOK.Load() {
		reservedClients.Add(float64(delta))
	}
}

func ObserveReserveWait(seconds float64) {
	if regOK.Load() {
		reserveWait.Observe(seconds)
	}
}

func IncNotifyFailure() {
	if regOK.Load() {
		notifyFailures.Inc()
	}
}
