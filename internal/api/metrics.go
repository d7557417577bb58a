package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
)

const metricsNamespace = "avrbridge"

// metrics owns the server's Prometheus registry. Each server gets its own
// registry so tests can build several servers in one process.
type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(s *Server) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by route, method, and status.",
			},
			[]string{"route", "method", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.duration,
		&receiverCollector{server: s},
	)
	return m
}

// handler serves the registry in the Prometheus exposition format.
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// middleware counts requests by chi route pattern so path parameters do
// not explode label cardinality.
func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(wrapped.status)).Inc()
		m.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ============================================================================
// Receiver collector
// ============================================================================

var (
	descLinkConnected = prometheus.NewDesc(metricsNamespace+"_link_connected",
		"1 when the control link session is established.", nil, nil)
	descWebAvailable = prometheus.NewDesc(metricsNamespace+"_web_available",
		"1 when the HTTP command endpoint is reachable.", nil, nil)
	descPower = prometheus.NewDesc(metricsNamespace+"_power_on",
		"1 when the receiver is powered on.", nil, nil)
	descMuted = prometheus.NewDesc(metricsNamespace+"_muted",
		"1 when the receiver is muted.", nil, nil)
	descVolume = prometheus.NewDesc(metricsNamespace+"_volume_percent",
		"Current volume as a percentage.", nil, nil)
	descDiscovered = prometheus.NewDesc(metricsNamespace+"_inputs_discovered",
		"Number of inputs with a known definition.", nil, nil)
	descLinesTx = prometheus.NewDesc(metricsNamespace+"_link_lines_sent_total",
		"Lines written to the control link.", nil, nil)
	descLinesRx = prometheus.NewDesc(metricsNamespace+"_link_lines_received_total",
		"Lines read from the control link.", nil, nil)
	descLinkErrors = prometheus.NewDesc(metricsNamespace+"_link_errors_total",
		"Control link transport errors.", nil, nil)
	descConnects = prometheus.NewDesc(metricsNamespace+"_link_connects_total",
		"Successful control link connects.", nil, nil)
	descQueuePending = prometheus.NewDesc(metricsNamespace+"_queue_pending",
		"Commands waiting to be sent.", nil, nil)
	descQueueSent = prometheus.NewDesc(metricsNamespace+"_queue_sent_total",
		"Commands delivered to the receiver.", nil, nil)
	descQueueFailed = prometheus.NewDesc(metricsNamespace+"_queue_failed_total",
		"Commands dropped after a send failure.", nil, nil)
	descWebRequests = prometheus.NewDesc(metricsNamespace+"_web_requests_total",
		"Requests made to the HTTP command endpoint.", nil, nil)
	descWebFailures = prometheus.NewDesc(metricsNamespace+"_web_failures_total",
		"Failed requests to the HTTP command endpoint.", nil, nil)
	descDropped = prometheus.NewDesc(metricsNamespace+"_events_dropped_total",
		"Receiver events dropped because the bridge worker fell behind.", nil, nil)
	descWSClients = prometheus.NewDesc(metricsNamespace+"_websocket_clients",
		"Connected WebSocket clients.", nil, nil)
)

// receiverCollector reads client statistics at scrape time.
type receiverCollector struct {
	server *Server
}

func (c *receiverCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descLinkConnected, descWebAvailable, descPower, descMuted, descVolume,
		descDiscovered, descLinesTx, descLinesRx, descLinkErrors, descConnects,
		descQueuePending, descQueueSent, descQueueFailed, descWebRequests, descWebFailures,
		descDropped, descWSClients,
	} {
		ch <- d
	}
}

func (c *receiverCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.server.receiver.Stats()
	state := c.server.receiver.State()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(descLinkConnected, boolFloat(stats.Link.State == avr.StateConnected))
	gauge(descWebAvailable, boolFloat(stats.WebAvailability == avr.AvailabilityAvailable))
	gauge(descPower, boolFloat(state.Power))
	gauge(descMuted, boolFloat(state.Muted))
	gauge(descVolume, float64(state.VolumePercent))
	gauge(descDiscovered, float64(stats.Discovered))
	counter(descLinesTx, stats.Link.LinesTx)
	counter(descLinesRx, stats.Link.LinesRx)
	counter(descLinkErrors, stats.Link.ErrorsTotal)
	counter(descConnects, stats.Link.ConnectsTotal)

	gauge(descQueuePending, float64(stats.Queue.Pending))
	counter(descQueueSent, stats.Queue.Sent)
	counter(descQueueFailed, stats.Queue.Failed)
	counter(descWebRequests, stats.WebRequests)
	counter(descWebFailures, stats.WebFailures)

	counter(descDropped, c.server.bridge.DroppedEvents())
	gauge(descWSClients, float64(c.server.hub.ClientCount()))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
