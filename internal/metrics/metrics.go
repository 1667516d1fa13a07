// Package metrics exposes prometheus collectors for the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives sync engine measurements.
type Recorder interface {
	IncRequestsTotal(endpoint string, status int)
	ObserveRequestDuration(endpoint string, duration time.Duration)
	ObserveHeartbeat(outcome string, duration time.Duration)
	IncConflictCopies()
	IncProtocolViolations()
	IncEventsEnqueued(kind string)
	IncEnqueueFailures()
	AddEventsDrained(count int)
	AddEventsSwept(state string, count int)
	AddResyncFlags(count int)
	ObserveSweepDuration(duration time.Duration)
	IncCompactions()
}

// Provider is the prometheus-backed Recorder.
type Provider struct {
	registry            *prometheus.Registry
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	heartbeatDuration   *prometheus.HistogramVec
	conflictCopies      prometheus.Counter
	protocolViolations  prometheus.Counter
	eventsEnqueued      *prometheus.CounterVec
	enqueueFailures     prometheus.Counter
	eventsDrained       prometheus.Counter
	eventsSwept         *prometheus.CounterVec
	resyncFlags         prometheus.Counter
	sweepDuration       prometheus.Histogram
	compactionsComplete prometheus.Counter
}

// NewProvider registers the collectors on a dedicated registry.
func NewProvider() *Provider {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Provider{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfsync_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"endpoint", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shelfsync_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		heartbeatDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shelfsync_heartbeat_duration_seconds",
			Help:    "Heartbeat reconciliation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		conflictCopies: factory.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_conflict_copies_total",
			Help: "Conflict copies materialized for stale document writes",
		}),
		protocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_protocol_violations_total",
			Help: "Document writes rejected for declaring a base version ahead of the server",
		}),
		eventsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfsync_events_enqueued_total",
			Help: "Sync events appended to the queue",
		}, []string{"kind"}),
		enqueueFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_enqueue_failures_total",
			Help: "Notifications that could not be persisted",
		}),
		eventsDrained: factory.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_events_drained_total",
			Help: "Sync events delivered through heartbeats",
		}),
		eventsSwept: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfsync_events_swept_total",
			Help: "Sync events removed by the retention sweep",
		}, []string{"state"}),
		resyncFlags: factory.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_resync_flags_total",
			Help: "Users flagged for a forced full resynchronization",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "shelfsync_sweep_duration_seconds",
			Help:    "Retention sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		compactionsComplete: factory.NewCounter(prometheus.CounterOpts{
			Name: "shelfsync_doc_compactions_total",
			Help: "Collaborative document snapshots written",
		}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Provider) IncRequestsTotal(endpoint string, status int) {
	p.requestsTotal.WithLabelValues(endpoint, httpStatusBucket(status)).Inc()
}

func (p *Provider) ObserveRequestDuration(endpoint string, duration time.Duration) {
	p.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (p *Provider) ObserveHeartbeat(outcome string, duration time.Duration) {
	p.heartbeatDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (p *Provider) IncConflictCopies() {
	p.conflictCopies.Inc()
}

func (p *Provider) IncProtocolViolations() {
	p.protocolViolations.Inc()
}

func (p *Provider) IncEventsEnqueued(kind string) {
	p.eventsEnqueued.WithLabelValues(kind).Inc()
}

func (p *Provider) IncEnqueueFailures() {
	p.enqueueFailures.Inc()
}

func (p *Provider) AddEventsDrained(count int) {
	p.eventsDrained.Add(float64(count))
}

func (p *Provider) AddEventsSwept(state string, count int) {
	p.eventsSwept.WithLabelValues(state).Add(float64(count))
}

func (p *Provider) AddResyncFlags(count int) {
	p.resyncFlags.Add(float64(count))
}

func (p *Provider) ObserveSweepDuration(duration time.Duration) {
	p.sweepDuration.Observe(duration.Seconds())
}

func (p *Provider) IncCompactions() {
	p.compactionsComplete.Inc()
}

func httpStatusBucket(code int) string {
	switch {
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

// Noop discards every measurement; used when metrics are disabled.
type Noop struct{}

func (Noop) IncRequestsTotal(string, int)                 {}
func (Noop) ObserveRequestDuration(string, time.Duration) {}
func (Noop) ObserveHeartbeat(string, time.Duration)       {}
func (Noop) IncConflictCopies()                           {}
func (Noop) IncProtocolViolations()                       {}
func (Noop) IncEventsEnqueued(string)                     {}
func (Noop) IncEnqueueFailures()                          {}
func (Noop) AddEventsDrained(int)                         {}
func (Noop) AddEventsSwept(string, int)                   {}
func (Noop) AddResyncFlags(int)                           {}
func (Noop) ObserveSweepDuration(time.Duration)           {}
func (Noop) IncCompactions()                              {}

// OrNoop returns recorder, or Noop when it is nil.
func OrNoop(recorder Recorder) Recorder {
	if recorder == nil {
		return Noop{}
	}
	return recorder
}
