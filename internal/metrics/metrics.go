package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for loomdesk
type Metrics struct {
	// Conversation metrics
	Mutations       *prometheus.CounterVec
	Messages        *prometheus.CounterVec
	Responses       *prometheus.CounterVec
	Reassignments   prometheus.Counter
	ConversationsIn prometheus.Counter

	// Suggestion metrics
	Suggestions       *prometheus.CounterVec
	SuggestionLatency *prometheus.HistogramVec

	// Presence and realtime metrics
	AgentsOnline        prometheus.Gauge
	RealtimeConnections prometheus.Gauge
	EventsPublished     *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			Mutations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loomdesk_mutations_total",
					Help: "Conversation mutations by operation and result",
				},
				[]string{"op", "result"},
			),
			Messages: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loomdesk_messages_total",
					Help: "Messages appended, by sender",
				},
				[]string{"sender"},
			),
			Responses: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loomdesk_agent_responses_total",
					Help: "Agent replies by relation to the pending suggestion",
				},
				[]string{"response_type"},
			),
			Reassignments: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "loomdesk_reassignments_total",
					Help: "Conversations moved by redistribution",
				},
			),
			ConversationsIn: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "loomdesk_conversations_started_total",
					Help: "Conversations started by visitors",
				},
			),
			Suggestions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loomdesk_suggestions_total",
					Help: "Generation attempts by trigger and result",
				},
				[]string{"trigger", "result"},
			),
			SuggestionLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "loomdesk_suggestion_latency_seconds",
					Help:    "Time spent in the suggestion pipeline",
					Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
				},
				[]string{"trigger"},
			),
			AgentsOnline: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "loomdesk_agents_online",
					Help: "Agents whose effective status is online",
				},
			),
			RealtimeConnections: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "loomdesk_realtime_connections",
					Help: "Open dashboard websocket connections",
				},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loomdesk_events_published_total",
					Help: "Realtime events published, by type",
				},
				[]string{"type"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "loomdesk_http_requests_total",
					Help: "Total HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "loomdesk_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})

	return sharedMetrics
}

// RecordMutation records the outcome of a conversation mutation
func (m *Metrics) RecordMutation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Mutations.WithLabelValues(op, result).Inc()
}

// RecordSuggestion records one pass through the suggestion pipeline
func (m *Metrics) RecordSuggestion(trigger string, success bool, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if !success {
		result = "error"
	}
	m.Suggestions.WithLabelValues(trigger, result).Inc()
	m.SuggestionLatency.WithLabelValues(trigger).Observe(seconds)
}

// RecordMessage counts an appended message
func (m *Metrics) RecordMessage(sender string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(sender).Inc()
}

// RecordConversationStarted counts a conversation opened by a visitor
func (m *Metrics) RecordConversationStarted() {
	if m == nil {
		return
	}
	m.ConversationsIn.Inc()
}

// RecordReassignments counts conversations moved by redistribution
func (m *Metrics) RecordReassignments(n int) {
	if m == nil {
		return
	}
	m.Reassignments.Add(float64(n))
}

// SetAgentsOnline reports how many agents are online
func (m *Metrics) SetAgentsOnline(n int) {
	if m == nil {
		return
	}
	m.AgentsOnline.Set(float64(n))
}

// RealtimeConnected tracks open websocket connections; delta is +1 or -1
func (m *Metrics) RealtimeConnected(delta int) {
	if m == nil {
		return
	}
	m.RealtimeConnections.Add(float64(delta))
}

// RecordResponse counts an agent reply by attribution
func (m *Metrics) RecordResponse(responseType string) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(responseType).Inc()
}

// RecordEvent counts a published realtime event
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
