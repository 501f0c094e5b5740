package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ticks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rick_ticks_total",
		Help: "Ticks received from broker streams",
	})
	ticksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rick_ticks_dropped_total",
		Help: "Events dropped because a subscriber buffer was full",
	})
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rick_sessions_active",
		Help: "Broker sessions currently held by the session manager",
	})
	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rick_reconnects_total",
		Help: "Broker reconnect attempts by result",
	}, []string{"result"})
	signals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rick_signals_total",
		Help: "Signals emitted by the scanner",
	}, []string{"direction"})
	tokenValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rick_token_validations_total",
		Help: "Access token validations by result",
	}, []string{"result"})
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rick_http_requests_total",
		Help: "HTTP requests served",
	}, []string{"method", "route", "status"})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rick_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func IncTick() { ticks.Inc() }

func IncDropped() { ticksDropped.Inc() }

func SetSessions(n int) { sessionsActive.Set(float64(n)) }

// IncReconnect records a reconnect outcome: "ok", "retry" or "exhausted".
func IncReconnect(result string) {
	reconnects.WithLabelValues(result).Inc()
}

func IncSignal(direction string) {
	signals.WithLabelValues(direction).Inc()
}

// IncTokenValidation records a token gate outcome.
func IncTokenValidation(result string) {
	if result == "" {
		result = "unknown"
	}
	tokenValidations.WithLabelValues(result).Inc()
}

func ObserveHTTP(method, route, status string, seconds float64) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(method, route, status).Inc()
	httpDuration.WithLabelValues(method, route).Observe(seconds)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
