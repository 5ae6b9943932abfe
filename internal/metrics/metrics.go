// Package metrics holds the Prometheus collectors for slot computation,
// booking and outbox replay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinic"

// Collectors implements offline.Observer and booking.Recorder.
type Collectors struct {
	registry *prometheus.Registry

	slotRequests  *prometheus.CounterVec
	slotDuration  *prometheus.HistogramVec
	bookings      *prometheus.CounterVec
	writes        *prometheus.CounterVec
	replayed      *prometheus.CounterVec
	syncDuration  prometheus.Histogram
	syncFailures  prometheus.Counter
	pending       *prometheus.GaugeVec
	httpRequests  *prometheus.CounterVec
	httpLatencies *prometheus.HistogramVec
}

func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		slotRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "slot_requests_total",
			Help: "Day availability computations by policy and resulting state.",
		}, []string{"policy", "state"}),
		slotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "slot_generation_seconds",
			Help:    "Time to compute one day of slots.",
			Buckets: prometheus.DefBuckets,
		}, []string{"policy"}),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "booking_actions_total",
			Help: "Booking workflow actions by result.",
		}, []string{"action", "result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "writes_total",
			Help: "Writes by entity and path (online or queued).",
		}, []string{"entity", "path"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_replayed_total",
			Help: "Outbox operations replayed against the backend.",
		}, []string{"entity", "type", "result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sync_duration_seconds",
			Help:    "Flush and pull duration.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		syncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_failures_total",
			Help: "Sync runs that ended with an error.",
		}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outbox_pending",
			Help: "Pending outbox operations per entity.",
		}, []string{"entity"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpLatencies: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.slotRequests, c.slotDuration, c.bookings, c.writes, c.replayed,
		c.syncDuration, c.syncFailures, c.pending, c.httpRequests, c.httpLatencies,
	)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collectors) ObserveSlots(policy, state string, d time.Duration) {
	c.slotRequests.WithLabelValues(policy, state).Inc()
	c.slotDuration.WithLabelValues(policy).Observe(d.Seconds())
}

func (c *Collectors) ObserveBooking(action, result string) {
	c.bookings.WithLabelValues(action, result).Inc()
}

func (c *Collectors) ObserveWrite(entity, path string) {
	c.writes.WithLabelValues(entity, path).Inc()
}

func (c *Collectors) ObserveReplay(entity, opType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.replayed.WithLabelValues(entity, opType, result).Inc()
}

func (c *Collectors) ObserveSync(d time.Duration, err error) {
	c.syncDuration.Observe(d.Seconds())
	if err != nil {
		c.syncFailures.Inc()
	}
}

func (c *Collectors) SetPending(patients, appointments int64) {
	c.pending.WithLabelValues("patient").Set(float64(patients))
	c.pending.WithLabelValues("appointment").Set(float64(appointments))
}

func (c *Collectors) ObserveHTTP(method, route string, code int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	c.httpLatencies.WithLabelValues(method, route).Observe(d.Seconds())
}
