package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackvisor",
			Subsystem: "service",
			Name:      "launches_total",
			Help:      "Service launches by outcome (running, degraded, failed).",
		}, []string{"service", "outcome"},
	)
	launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackvisor",
			Subsystem: "service",
			Name:      "launch_duration_seconds",
			Help:      "Time from launch request to the post-settle probe.",
			Buckets:   []float64{0.5, 1, 2, 3, 4, 5, 8, 13, 21},
		}, []string{"service"},
	)
	stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackvisor",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of service terminations.",
		}, []string{"service"},
	)
	evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackvisor",
			Subsystem: "port",
			Name:      "evictions_total",
			Help:      "Stale listeners terminated to free a service port.",
		}, []string{"port"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackvisor",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health checks by result (healthy, unhealthy).",
		}, []string{"service", "result"},
	)
	serviceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackvisor",
			Subsystem: "service",
			Name:      "up",
			Help:      "1 when the service was last seen live, 0 otherwise.",
		}, []string{"service"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{launches, launchDuration, stops, evictions, healthChecks, serviceUp}
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
func Handler() http.Handler { return promhttp.Handler() }

// WriteTextfile writes g in the node-exporter textfile format. The file is
// replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveLaunch(service, outcome string, seconds float64) {
	if regOK.Load() {
		launches.WithLabelValues(service, outcome).Inc()
		if seconds > 0 {
			launchDuration.WithLabelValues(service).Observe(seconds)
		}
	}
}

func IncStop(service string) {
	if regOK.Load() {
		stops.WithLabelValues(service).Inc()
	}
}

func AddEvictions(port, n int) {
	if regOK.Load() && n > 0 {
		evictions.WithLabelValues(strconv.Itoa(port)).Add(float64(n))
	}
}

func ObserveHealth(service string, healthy bool) {
	if !regOK.Load() {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	healthChecks.WithLabelValues(service, result).Inc()
}

func SetUp(service string, up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1
		}
		serviceUp.WithLabelValues(service).Set(v)
	}
}
