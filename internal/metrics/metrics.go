package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States enumerates the supervision states exported by the current_state gauge.
var States = []string{"initializing", "grace_period", "running", "restart_pending", "terminating", "stopped"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	childSpawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "guarderd",
			Subsystem: "child",
			Name:      "spawns_total",
			Help:      "Number of spawn attempts that produced a child process.",
		},
	)
	spawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "guarderd",
			Subsystem: "child",
			Name:      "spawn_failures_total",
			Help:      "Number of spawn attempts that failed before a process existed.",
		},
	)
	failedStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "guarderd",
			Subsystem: "child",
			Name:      "failed_starts_total",
			Help:      "Number of children that exited inside the grace period.",
		},
	)
	childExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guarderd",
			Subsystem: "child",
			Name:      "exits_total",
			Help:      "Number of child exits by kind (exited, signaled).",
		}, []string{"kind"},
	)
	childUptime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "guarderd",
			Subsystem: "child",
			Name:      "uptime_seconds",
			Help:      "Lifetime of each child from spawn to exit.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 4, 10),
		},
	)
	consecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "guarderd",
			Subsystem: "child",
			Name:      "consecutive_failures",
			Help:      "Failed starts since the last child that reached running.",
		},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guarderd",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of transitions between supervision states.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "guarderd",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervision state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	logRotations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "guarderd",
			Subsystem: "capture",
			Name:      "rotations_total",
			Help:      "Number of times the captured output log was truncated.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{childSpawns, spawnFailures, failedStarts, childExits, childUptime,
		consecutiveFailures, stateTransitions, currentState, logRotations}
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

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, e.g. a private registry in tests.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register succeeds.

func IncSpawn() {
	if regOK.Load() {
		childSpawns.Inc()
	}
}

func IncSpawnFailure() {
	if regOK.Load() {
		spawnFailures.Inc()
	}
}

func IncFailedStart() {
	if regOK.Load() {
		failedStarts.Inc()
	}
}

// ObserveExit records a child exit. kind is "exited" or "signaled".
func ObserveExit(kind string, uptimeSeconds float64) {
	if regOK.Load() {
		childExits.WithLabelValues(kind).Inc()
		childUptime.Observe(uptimeSeconds)
	}
}

func SetConsecutiveFailures(n int) {
	if regOK.Load() {
		consecutiveFailures.Set(float64(n))
	}
}

func IncRotation() {
	if regOK.Load() {
		logRotations.Inc()
	}
}

// RecordStateTransition counts the transition and moves the current_state gauge.
func RecordStateTransition(from, to string) {
	if !regOK.Load() {
		return
	}
	if from != "" {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
	for _, s := range States {
		var v float64
		if s == to {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}
