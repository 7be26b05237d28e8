// Package metrics exposes the prometheus counters of the drove processes.
//
// Every recording method is safe on a nil *Metrics, so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drove"

// Metrics holds the counters of one process on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	directivesPublished *prometheus.CounterVec
	directivesUnhandled *prometheus.CounterVec
	processorFailures   *prometheus.CounterVec
	feedbacksReceived   *prometheus.CounterVec
	heartbeatsReceived  *prometheus.CounterVec
	nodeTransitions     *prometheus.CounterVec
	topicEvictions      prometheus.Counter
	minionsStarted      *prometheus.CounterVec
	stepFailures        *prometheus.CounterVec
}

// New creates and registers the counters, with the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		directivesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_published_total",
			Help:      "Directives published, by name.",
		}, []string{"name"}),
		directivesUnhandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directives_unhandled_total",
			Help:      "Directives received without any accepting processor, by name.",
		}, []string{"name"}),
		processorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_failures_total",
			Help:      "Directive processor failures, by processor.",
		}, []string{"processor"}),
		feedbacksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedbacks_received_total",
			Help:      "Feedbacks received, by status.",
		}, []string{"status"}),
		heartbeatsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Heartbeats received, by emitted state.",
		}, []string{"state"}),
		nodeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Liveness transitions of the factories, by target state.",
		}, []string{"state"}),
		topicEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topic_evicted_subscriptions_total",
			Help:      "Topic subscriptions cancelled for idleness.",
		}),
		minionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "minions_started_total",
			Help:      "Minions started, by scenario.",
		}, []string{"scenario"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_failures_total",
			Help:      "Minion steps failing after all retries, by scenario.",
		}, []string{"scenario"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.directivesPublished,
		m.directivesUnhandled,
		m.processorFailures,
		m.feedbacksReceived,
		m.heartbeatsReceived,
		m.nodeTransitions,
		m.topicEvictions,
		m.minionsStarted,
		m.stepFailures,
	)
	return m
}

// Registry returns the prometheus registry of the counters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) DirectivePublished(name string) {
	if m == nil {
		return
	}
	m.directivesPublished.WithLabelValues(name).Inc()
}

func (m *Metrics) DirectiveUnhandled(name string) {
	if m == nil {
		return
	}
	m.directivesUnhandled.WithLabelValues(name).Inc()
}

func (m *Metrics) ProcessorFailed(processor string) {
	if m == nil {
		return
	}
	m.processorFailures.WithLabelValues(processor).Inc()
}

func (m *Metrics) FeedbackReceived(status string) {
	if m == nil {
		return
	}
	m.feedbacksReceived.WithLabelValues(status).Inc()
}

func (m *Metrics) HeartbeatReceived(state string) {
	if m == nil {
		return
	}
	m.heartbeatsReceived.WithLabelValues(state).Inc()
}

func (m *Metrics) NodeTransition(state string) {
	if m == nil {
		return
	}
	m.nodeTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) SubscriptionEvicted() {
	if m == nil {
		return
	}
	m.topicEvictions.Inc()
}

func (m *Metrics) MinionsStarted(scenario string, count int) {
	if m == nil {
		return
	}
	m.minionsStarted.WithLabelValues(scenario).Add(float64(count))
}

func (m *Metrics) StepFailed(scenario string) {
	if m == nil {
		return
	}
	m.stepFailures.WithLabelValues(scenario).Inc()
}
