package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reqguard/internal/model"
)

// Store owns a private registry so several instances can coexist in tests.
// All methods are safe on a nil receiver.
type Store struct {
	registry        *prometheus.Registry
	inspected       prometheus.Counter
	events          *prometheus.CounterVec
	blocked         *prometheus.CounterVec
	published       prometheus.Counter
	publishFailures prometheus.Counter
	dropped         prometheus.Counter
	consumed        *prometheus.CounterVec
	latency         prometheus.Histogram
}

func NewStore() *Store {
	reg := prometheus.NewRegistry()
	s := &Store{
		registry: reg,
		inspected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqguard_requests_inspected_total",
			Help: "Requests run through the detection chain.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reqguard_security_events_total",
			Help: "Security events raised, by event type.",
		}, []string{"event_type"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reqguard_requests_blocked_total",
			Help: "Requests rejected with 403, by event type.",
		}, []string{"event_type"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqguard_events_published_total",
			Help: "Events delivered to the broker.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqguard_event_publish_failures_total",
			Help: "Events the broker rejected or that timed out.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqguard_events_dropped_total",
			Help: "Events discarded because the emit queue was full or closed.",
		}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reqguard_events_consumed_total",
			Help: "Event messages handled by the worker, by result.",
		}, []string{"result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reqguard_inspection_duration_seconds",
			Help:    "Time spent in the detection chain per request.",
			Buckets: []float64{.00001, .00005, .0001, .00025, .0005, .001, .0025, .005, .01},
		}),
	}
	reg.MustRegister(
		s.inspected, s.events, s.blocked, s.published, s.publishFailures,
		s.dropped, s.consumed, s.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

func (s *Store) ObserveInspection(d time.Duration) {
	if s == nil {
		return
	}
	s.inspected.Inc()
	s.latency.Observe(d.Seconds())
}

func (s *Store) IncEvent(t model.EventType) {
	if s == nil {
		return
	}
	s.events.WithLabelValues(t.String()).Inc()
}

func (s *Store) IncBlocked(t model.EventType) {
	if s == nil {
		return
	}
	s.blocked.WithLabelValues(t.String()).Inc()
}

func (s *Store) IncPublished() {
	if s == nil {
		return
	}
	s.published.Inc()
}

func (s *Store) IncPublishFailure() {
	if s == nil {
		return
	}
	s.publishFailures.Inc()
}

func (s *Store) IncDropped() {
	if s == nil {
		return
	}
	s.dropped.Inc()
}

// IncConsumed records a worker outcome: "stored", "invalid" or "failed".
func (s *Store) IncConsumed(result string) {
	if s == nil {
		return
	}
	s.consumed.WithLabelValues(result).Inc()
}

func (s *Store) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

func (s *Store) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
