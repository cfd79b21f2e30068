// Package metrics exposes the broker's prometheus collectors. Collectors
// are package-level so any component can record without plumbing; Init
// registers them with the default registry for the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of live worker sessions",
		},
	)
	SessionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_started_total",
			Help: "Total number of sessions started",
		},
	)
	SessionsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_ended_total",
			Help: "Total number of sessions ended, by termination reason",
		},
		[]string{"reason"},
	)

	WorkerSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_spawn_duration_seconds",
			Help:    "Time from spawn to a ready worker",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30},
		},
	)

	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_requests_total",
			Help: "Commands routed to workers, by command and outcome",
		},
		[]string{"command", "outcome"},
	)
	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpc_duration_seconds",
			Help:    "Worker command round-trip duration in seconds",
			Buckets: []float64{0.005, 0.05, 0.25, 1, 5, 30, 120, 300},
		},
		[]string{"command"},
	)

	PortPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "port_pool_available",
			Help: "Worker ports currently available",
		},
	)
	PortPoolReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "port_pool_reserved",
			Help: "Worker ports currently reserved",
		},
	)
)

// Init registers every collector with the default prometheus registry.
// Call once at daemon startup.
func Init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SessionsStartedTotal)
	prometheus.MustRegister(SessionsEndedTotal)
	prometheus.MustRegister(WorkerSpawnDuration)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCDuration)
	prometheus.MustRegister(PortPoolAvailable)
	prometheus.MustRegister(PortPoolReserved)
}

// HTTPMetricsMiddleware records request count and duration for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside the chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// SessionStarted records a successful session creation.
func SessionStarted() {
	SessionsActive.Inc()
	SessionsStartedTotal.Inc()
}

// SessionEnded records a session teardown with its termination reason.
func SessionEnded(reason string) {
	SessionsActive.Dec()
	SessionsEndedTotal.WithLabelValues(reason).Inc()
}

// ObserveSpawn records how long a worker took to become ready.
func ObserveSpawn(d time.Duration) {
	WorkerSpawnDuration.Observe(d.Seconds())
}

// ObserveRPC records one routed command.
func ObserveRPC(command string, success bool, d time.Duration) {
	outcome := "error"
	if success {
		outcome = "success"
	}
	RPCRequestsTotal.WithLabelValues(command, outcome).Inc()
	RPCDuration.WithLabelValues(command).Observe(d.Seconds())
}

// SetPortPool publishes the pool occupancy gauges.
func SetPortPool(available, reserved int) {
	PortPoolAvailable.Set(float64(available))
	PortPoolReserved.Set(float64(reserved))
}
