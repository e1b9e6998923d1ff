package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register.
var (
	regOK atomic.Bool

	recordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskrec",
			Subsystem: "stream",
			Name:      "records_ingested_total",
			Help:      "Records stamped and accepted by a source adapter.",
		}, []string{"source"},
	)
	recordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskrec",
			Subsystem: "stream",
			Name:      "records_dropped_total",
			Help:      "Records discarded on ingest queue overflow.",
		}, []string{"source"},
	)
	orderViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskrec",
			Subsystem: "stream",
			Name:      "order_violations_total",
			Help:      "Producer sequence/timestamp ordering violations.",
		}, []string{"source"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deskrec",
			Subsystem: "stream",
			Name:      "queue_depth",
			Help:      "Current ingest queue depth per source.",
		}, []string{"source"},
	)
	sinkWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskrec",
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Records written to an output sink.",
		}, []string{"sink"},
	)
	sinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskrec",
			Subsystem: "sink",
			Name:      "write_failures_total",
			Help:      "Sink write failures.",
		}, []string{"sink"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskrec",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state machine transitions.",
		}, []string{"from", "to"},
	)
	degradations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskrec",
			Subsystem: "session",
			Name:      "stream_degradations_total",
			Help:      "Optional streams skipped or lost without failing the session.",
		}, []string{"source", "reason"},
	)
	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "deskrec",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of finalized sessions.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		},
	)
)

// Register registers all collectors with the provided registerer. Safe to
// call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		recordsIngested, recordsDropped, orderViolations, queueDepth,
		sinkWrites, sinkFailures, stateTransitions, degradations, sessionDuration,
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
// default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by the pipeline packages. They no-op until
// Register has been called.

func IncIngested(source string) {
	if regOK.Load() {
		recordsIngested.WithLabelValues(source).Inc()
	}
}

func IncDropped(source string) {
	if regOK.Load() {
		recordsDropped.WithLabelValues(source).Inc()
	}
}

func IncOrderViolation(source string) {
	if regOK.Load() {
		orderViolations.WithLabelValues(source).Inc()
	}
}

func SetQueueDepth(source string, depth int) {
	if regOK.Load() {
		queueDepth.WithLabelValues(source).Set(float64(depth))
	}
}

func IncSinkWrite(sink string) {
	if regOK.Load() {
		sinkWrites.WithLabelValues(sink).Inc()
	}
}

func IncSinkFailure(sink string) {
	if regOK.Load() {
		sinkFailures.WithLabelValues(sink).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncDegradation(source, reason string) {
	if regOK.Load() {
		degradations.WithLabelValues(source, reason).Inc()
	}
}

func ObserveSessionDuration(seconds float64) {
	if regOK.Load() {
		sessionDuration.Observe(seconds)
	}
}
