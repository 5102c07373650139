// Package metrics defines the Prometheus collectors exported by switchboard.
// All Record/Set methods are safe to call on a nil *Metrics.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "switchboard"

// Metrics holds every collector. Create one per process with New.
type Metrics struct {
	admissionDecisions *prometheus.CounterVec
	breakerTrips       *prometheus.CounterVec
	backendErrors      prometheus.Counter
	tokens             prometheus.Gauge

	messages       *prometheus.CounterVec
	botErrors      prometheus.Counter
	activeSessions prometheus.Gauge
	botState       *prometheus.GaugeVec

	completions *prometheus.CounterVec
	cacheHits   prometheus.Counter
	aiTokens    *prometheus.CounterVec
	replies     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		admissionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "decisions_total",
				Help:      "Admission decisions by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		),
		breakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "breaker_trips_total",
				Help:      "Circuit breaker transitions to open, by endpoint.",
			},
			[]string{"endpoint"},
		),
		backendErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "backend_errors_total",
				Help:      "Distributed backend failures that were treated as allowed.",
			},
		),
		tokens: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "tokens",
				Help:      "Tokens currently in the bucket.",
			},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bot",
				Name:      "messages_total",
				Help:      "Messages processed, by direction.",
			},
			[]string{"direction"},
		),
		botErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bot",
				Name:      "errors_total",
				Help:      "Errors raised while polling or dispatching.",
			},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "bot",
				Name:      "active_sessions",
				Help:      "Sessions that still accept replies.",
			},
		),
		botState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "bot",
				Name:      "state",
				Help:      "1 for the current bot state, 0 otherwise.",
			},
			[]string{"state"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "responder",
				Name:      "completions_total",
				Help:      "AI completion requests, by outcome (ok, invalid, error).",
			},
			[]string{"outcome"},
		),
		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "responder",
				Name:      "cache_hits_total",
				Help:      "AI replies served from the prompt cache.",
			},
		),
		aiTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "responder",
				Name:      "tokens_total",
				Help:      "Tokens reported by the completion endpoint, by kind (prompt, completion).",
			},
			[]string{"kind"},
		),
		replies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "responder",
				Name:      "replies_total",
				Help:      "Generated replies, by source (ai, keyword, template, fallback).",
			},
			[]string{"source"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.admissionDecisions, m.breakerTrips, m.backendErrors, m.tokens,
		m.messages, m.botErrors, m.activeSessions, m.botState,
		m.completions, m.cacheHits, m.aiTokens, m.replies,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return m, nil
}

// RecordAdmission counts one admission decision.
func (m *Metrics) RecordAdmission(endpoint string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if allowed {
		outcome = "allowed"
	}
	m.admissionDecisions.WithLabelValues(endpoint, outcome).Inc()
}

// RecordBreakerTrip counts a breaker opening on endpoint.
func (m *Metrics) RecordBreakerTrip(endpoint string) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(endpoint).Inc()
}

// RecordBackendError counts a fail-open distributed backend call.
func (m *Metrics) RecordBackendError() {
	if m == nil {
		return
	}
	m.backendErrors.Inc()
}

// SetTokens reports the bucket level.
func (m *Metrics) SetTokens(v float64) {
	if m == nil {
		return
	}
	m.tokens.Set(v)
}

// RecordMessage counts an inbound or outbound message.
func (m *Metrics) RecordMessage(direction string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction).Inc()
}

// RecordBotError counts a loop or dispatch error.
func (m *Metrics) RecordBotError() {
	if m == nil {
		return
	}
	m.botErrors.Inc()
}

// SetActiveSessions reports the number of active sessions.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// SetState marks current as the only live bot state.
func (m *Metrics) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.botState.WithLabelValues(s).Set(v)
	}
}

// RecordCompletion counts one AI completion request.
func (m *Metrics) RecordCompletion(outcome string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(outcome).Inc()
}

// RecordCacheHit counts an AI reply served from cache.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// RecordTokens adds the usage of one completion.
func (m *Metrics) RecordTokens(prompt, completion int) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.aiTokens.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.aiTokens.WithLabelValues("completion").Add(float64(completion))
	}
}

// RecordReply counts a generated reply by source.
func (m *Metrics) RecordReply(source string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(source).Inc()
}
