package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autoexec"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "launches_total",
			Help:      "Number of successful worker process launches.",
		}, []string{"service"},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Number of worker exits that were not requested by the supervisor.",
		}, []string{"service"},
	)
	updatesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "updates_applied_total",
			Help:      "Number of upstream updates pulled and relaunched.",
		}, []string{"service"},
	)
	supervisorRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "supervisor_restarts_total",
			Help:      "Number of supervisors replaced by the reconciler after exiting unexpectedly.",
		}, []string{"service"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between service states.",
		}, []string{"service", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of services (1 = active state, 0 = inactive).",
		}, []string{"service", "state"},
	)
	reconcileCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "cycles_total",
			Help:      "Number of reconciliation cycles by outcome.",
		}, []string{"result"},
	)
	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reconciliation cycles.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	managedServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "managed_services",
			Help:      "Number of services with a live supervisor.",
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
		workerLaunches, workerCrashes, updatesApplied, supervisorRestarts,
		stateTransitions, currentStates, reconcileCycles, reconcileDuration, managedServices,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncLaunch(service string) {
	if regOK.Load() {
		workerLaunches.WithLabelValues(service).Inc()
	}
}

func IncCrash(service string) {
	if regOK.Load() {
		workerCrashes.WithLabelValues(service).Inc()
	}
}

func IncUpdate(service string) {
	if regOK.Load() {
		updatesApplied.WithLabelValues(service).Inc()
	}
}

func IncSupervisorRestart(service string) {
	if regOK.Load() {
		supervisorRestarts.WithLabelValues(service).Inc()
	}
}

// RecordStateTransition counts the transition and moves the current-state gauge.
func RecordStateTransition(service, from, to string) {
	if !regOK.Load() {
		return
	}
	if from != "" {
		stateTransitions.WithLabelValues(service, from, to).Inc()
		currentStates.WithLabelValues(service, from).Set(0)
	} else {
		// a fresh supervisor instance; drop whatever its predecessor left
		currentStates.DeletePartialMatch(prometheus.Labels{"service": service})
	}
	currentStates.WithLabelValues(service, to).Set(1)
}

// ForgetService drops per-service series once a service is removed.
func ForgetService(service string) {
	if !regOK.Load() {
		return
	}
	currentStates.DeletePartialMatch(prometheus.Labels{"service": service})
	forgetResources(service)
}

func IncReconcile(result string) {
	if regOK.Load() {
		reconcileCycles.WithLabelValues(result).Inc()
	}
}

func ObserveReconcileDuration(seconds float64) {
	if regOK.Load() {
		reconcileDuration.Observe(seconds)
	}
}

func SetManagedServices(n int) {
	if regOK.Load() {
		managedServices.Set(float64(n))
	}
}
