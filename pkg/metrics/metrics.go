// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"data_type", "expert"},
	)

	// MessagesTotal tracks messages appended to conversations.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_messages_total",
			Help: "Total messages appended to conversations",
		},
		[]string{"sender"},
	)

	// PayloadIntegrityFailures counts conversation payloads that failed authentication on decode.
	PayloadIntegrityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversation_payload_integrity_failures_total",
			Help: "Conversation payloads that failed authenticated decryption",
		},
	)

	// WriteConflicts counts optimistic concurrency conflicts on conversation saves.
	WriteConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_write_conflicts_total",
			Help: "Conversation saves rejected by version check",
		},
		[]string{"outcome"},
	)

	// RateLimitedTotal counts requests rejected by the fixed-window limiter.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_requests_total",
			Help: "Requests rejected by the fixed-window rate limiter",
		},
		[]string{"route"},
	)

	// RateLimitWindows tracks live rate limit windows after each sweep.
	RateLimitWindows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rate_limit_windows",
			Help: "Rate limit windows held in memory",
		},
	)

	// ActivitiesTotal counts tracked activities.
	ActivitiesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "activities_tracked_total",
			Help: "Total user activities tracked",
		},
	)

	// SessionsTotal counts session lifecycle transitions.
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activity_sessions_total",
			Help: "Activity sessions started and ended",
		},
		[]string{"event"},
	)

	// LLMDuration tracks AI expert completion duration.
	LLMDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_completion_duration_seconds",
			Help:    "AI expert completion duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMCompletion records metrics for an AI expert completion.
func RecordLLMCompletion(provider, model, status string, duration float64, tokensIn, tokensOut int) {
	LLMDuration.WithLabelValues(provider, status).Observe(duration)
	if status != "success" {
		return
	}
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}
