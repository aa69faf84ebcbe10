package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the process updates as it
// runs. One instance per process, registered against its own registry
// so a test can build a disposable Metrics without touching the global
// default registry.
type Metrics struct {
	registry *prometheus.Registry

	TicksProcessed   prometheus.Counter
	SignalsGenerated *prometheus.CounterVec // label: mode
	TradesExecuted   *prometheus.CounterVec // labels: mode, status
	SessionsStopped  *prometheus.CounterVec // label: status
	Errors           prometheus.Counter

	VenueCallLatency prometheus.Histogram
	DispatchLatency  prometheus.Histogram
	LogQueueDepth    prometheus.Gauge
	GatewayPoolSize  prometheus.Gauge
}

// NewMetrics builds and registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TicksProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "zenixcore_ticks_processed_total",
			Help: "Ticks appended to the tick store, across every symbol.",
		}),
		SignalsGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zenixcore_signals_generated_total",
			Help: "ZENIX kernel signals that cleared threshold, by mode.",
		}, []string{"mode"}),
		TradesExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zenixcore_trades_executed_total",
			Help: "Contracts executed, by mode and settlement status.",
		}, []string{"mode", "status"}),
		SessionsStopped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zenixcore_sessions_stopped_total",
			Help: "Sessions transitioned to a stopped_* status, by status.",
		}, []string{"status"}),
		Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "zenixcore_errors_total",
			Help: "erro-level log entries emitted by the strategy runtime.",
		}),
		VenueCallLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "zenixcore_venue_call_latency_seconds",
			Help:    "Latency of short-lived venue calls (propose/buy/payout).",
			Buckets: prometheus.DefBuckets,
		}),
		DispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "zenixcore_dispatch_latency_seconds",
			Help:    "Wall-clock time for one Strategy Runtime Dispatch call.",
			Buckets: prometheus.DefBuckets,
		}),
		LogQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "zenixcore_log_queue_depth",
			Help: "Entries currently buffered in the log queue awaiting flush.",
		}),
		GatewayPoolSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "zenixcore_gateway_pool_size",
			Help: "Venue clients currently pooled by the gateway manager.",
		}),
	}
}

// Handler serves this registry in the Prometheus text exposition
// format, for mounting under the ops surface's /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Timer measures an operation's duration and records it to h on Stop.
type Timer struct {
	start time.Time
	h     prometheus.Histogram
}

// NewTimer starts a timer against h.
func NewTimer(h prometheus.Histogram) *Timer {
	return &Timer{start: time.Now(), h: h}
}

// Stop records the elapsed duration and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.h != nil {
		t.h.Observe(elapsed.Seconds())
	}
	return elapsed
}
