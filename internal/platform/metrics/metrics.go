package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry                  *prometheus.Registry
	framesReceivedTotal       prometheus.Counter
	frameBytes                prometheus.Histogram
	objectCountsReceivedTotal prometheus.Counter
	deliveriesDroppedTotal    prometheus.Counter
	controlForwardedTotal     prometheus.Counter
	controlDroppedTotal       prometheus.Counter
	connectAttemptsTotal      prometheus.Counter
	upstreamConnected         prometheus.Gauge
	viewers                   prometheus.Gauge
	requestsTotal             *prometheus.CounterVec
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		framesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framerelay_frames_received_total",
			Help: "Total number of frames received from upstream, with or without viewers",
		}),
		frameBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "framerelay_frame_bytes",
			Help:    "Size of encoded frame payloads received from upstream",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10),
		}),
		objectCountsReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framerelay_object_counts_received_total",
			Help: "Total number of object count events received from upstream",
		}),
		deliveriesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framerelay_viewer_deliveries_dropped_total",
			Help: "Messages not enqueued because a viewer send buffer was full or closed",
		}),
		controlForwardedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framerelay_control_forwarded_total",
			Help: "Control commands sent to the upstream backend",
		}),
		controlDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framerelay_control_dropped_total",
			Help: "Control commands dropped while upstream was not connected",
		}),
		connectAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framerelay_upstream_connect_attempts_total",
			Help: "Connection attempts made to the upstream backend",
		}),
		upstreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "framerelay_upstream_connected",
			Help: "1 while an upstream connection is active",
		}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "framerelay_viewers",
			Help: "Number of registered viewer connections",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "framerelay_http_requests_total",
			Help: "Total number of HTTP requests received, by status class",
		}, []string{"code"}),
	}

	registry.MustRegister(
		m.framesReceivedTotal,
		m.frameBytes,
		m.objectCountsReceivedTotal,
		m.deliveriesDroppedTotal,
		m.controlForwardedTotal,
		m.controlDroppedTotal,
		m.connectAttemptsTotal,
		m.upstreamConnected,
		m.viewers,
		m.requestsTotal,
	)

	return m
}

// ObserveFrame records one frame received from upstream. Per-viewer delivery
// failures are counted by AddDeliveriesDropped.
func (m *Metrics) ObserveFrame(size int) {
	if m == nil {
		return
	}
	m.framesReceivedTotal.Inc()
	m.frameBytes.Observe(float64(size))
}

// IncObjectCounts increments the received object count events counter.
func (m *Metrics) IncObjectCounts() {
	if m == nil {
		return
	}
	m.objectCountsReceivedTotal.Inc()
}

// AddDeliveriesDropped adds n dropped viewer deliveries.
func (m *Metrics) AddDeliveriesDropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveriesDroppedTotal.Add(float64(n))
}

// IncControlForwarded increments the forwarded control counter.
func (m *Metrics) IncControlForwarded() {
	if m == nil {
		return
	}
	m.controlForwardedTotal.Inc()
}

// IncControlDropped increments the dropped control counter.
func (m *Metrics) IncControlDropped() {
	if m == nil {
		return
	}
	m.controlDroppedTotal.Inc()
}

// IncConnectAttempts increments the upstream connect attempts counter.
func (m *Metrics) IncConnectAttempts() {
	if m == nil {
		return
	}
	m.connectAttemptsTotal.Inc()
}

// SetUpstreamConnected sets the upstream connected gauge.
func (m *Metrics) SetUpstreamConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.upstreamConnected.Set(1)
	} else {
		m.upstreamConnected.Set(0)
	}
}

// SetViewers sets the viewers gauge.
func (m *Metrics) SetViewers(n int) {
	if m == nil {
		return
	}
	m.viewers.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RequestMiddleware returns chi-compatible middleware that counts requests by
// status class. The wrapped writer keeps http.Hijacker so WebSocket upgrades
// still work behind it.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if m == nil {
				return
			}
			m.requestsTotal.WithLabelValues(statusClass(ww.Status())).Inc()
		})
	}
}

func statusClass(code int) string {
	switch {
	case code == 0:
		return "hijacked"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
