package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the engine's prometheus collectors. A nil *Collectors is
// valid everywhere and records nothing, so wiring metrics stays optional.
type Collectors struct {
	registry *prometheus.Registry

	sessionsStarted      prometheus.Counter
	sessionsEnded        *prometheus.CounterVec
	detectionsClassified *prometheus.CounterVec
	EventsDropped        prometheus.Counter
	ActiveSubscribers    prometheus.Gauge
}

// NewCollectors builds and registers the engine collectors on a fresh
// registry.
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testengine_sessions_started_total",
			Help: "Test sessions started.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "testengine_sessions_ended_total",
			Help: "Test sessions ended, by stop reason.",
		}, []string{"reason"}),
		detectionsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "testengine_detections_classified_total",
			Help: "Detections classified, by outcome.",
		}, []string{"outcome"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "testengine_events_dropped_total",
			Help: "Session events dropped from slow subscriber buffers.",
		}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "testengine_active_subscribers",
			Help: "Currently connected event subscribers.",
		}),
	}

	c.registry.MustRegister(
		c.sessionsStarted,
		c.sessionsEnded,
		c.detectionsClassified,
		c.EventsDropped,
		c.ActiveSubscribers,
	)
	return c
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SessionStarted records a session start. Nil-safe.
func (c *Collectors) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsStarted.Inc()
}

// SessionEnded records a session end with its stop reason. Nil-safe.
func (c *Collectors) SessionEnded(reason string) {
	if c == nil {
		return
	}
	c.sessionsEnded.WithLabelValues(reason).Inc()
}

// DetectionClassified records one classification outcome. Nil-safe.
func (c *Collectors) DetectionClassified(outcome string) {
	if c == nil {
		return
	}
	c.detectionsClassified.WithLabelValues(outcome).Inc()
}

// SubscriberConnected adjusts the live subscriber gauge. Nil-safe.
func (c *Collectors) SubscriberConnected(delta float64) {
	if c == nil {
		return
	}
	c.ActiveSubscribers.Add(delta)
}
