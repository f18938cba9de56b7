package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "furnivia"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Backend start attempts by result (ok, not_found, spawn_error, already_running).",
		}, []string{"result"},
	)
	backendExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "exits_total",
			Help:      "Backend exits by kind (intentional, clean, crash, signal).",
		}, []string{"kind"},
	)
	backendStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "stop_duration_seconds",
			Help:      "Time from stop request to backend exit or timeout.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)
	backendStopTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "stop_timeouts_total",
			Help:      "Stops that returned because the caller's timeout elapsed first.",
		},
	)
	backendRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "running",
			Help:      "1 while a backend process is alive.",
		},
	)
	outputLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "output_lines_total",
			Help:      "Backend output lines by stream.",
		}, []string{"stream"},
	)
	portReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "port",
			Name:      "reclaimed_processes_total",
			Help:      "Processes found listening on the backend port, by kill result.",
		}, []string{"result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "state_transitions_total",
			Help:      "Application lifecycle transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	bridgeInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "invocations_total",
			Help:      "UI bridge invocations by channel and result.",
		}, []string{"channel", "result"},
	)
	connectionChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connection_checks_total",
			Help:      "Database connection checks by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		backendStarts, backendExits, backendStopDuration, backendStopTimeouts, backendRunning,
		outputLines, portReclaimed, stateTransitions, currentState, bridgeInvocations, connectionChecks,
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncBackendStart(result string) {
	if regOK.Load() {
		backendStarts.WithLabelValues(result).Inc()
	}
}

func IncBackendExit(kind string) {
	if regOK.Load() {
		backendExits.WithLabelValues(kind).Inc()
	}
}

func ObserveStop(seconds float64, timedOut bool) {
	if !regOK.Load() {
		return
	}
	backendStopDuration.Observe(seconds)
	if timedOut {
		backendStopTimeouts.Inc()
	}
}

func SetBackendRunning(running bool) {
	if regOK.Load() {
		backendRunning.Set(boolValue(running))
	}
}

func IncOutputLine(stream string) {
	if regOK.Load() {
		outputLines.WithLabelValues(stream).Inc()
	}
}

func IncReclaimed(result string) {
	if regOK.Load() {
		portReclaimed.WithLabelValues(result).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		currentState.WithLabelValues(state).Set(boolValue(active))
	}
}

func IncBridgeInvocation(channel, result string) {
	if regOK.Load() {
		bridgeInvocations.WithLabelValues(channel, result).Inc()
	}
}

func IncConnectionCheck(ok bool) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	connectionChecks.WithLabelValues(result).Inc()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
