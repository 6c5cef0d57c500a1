// Package metrics exposes prometheus counters for the identity core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "identity"

// Metrics holds the registered collectors
type Metrics struct {
	challengesStarted *prometheus.CounterVec
	validations       *prometheus.CounterVec
	dispatchFailures  *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	sessions          *prometheus.CounterVec
	signupSteps       *prometheus.CounterVec
	cleanupDeleted    *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		challengesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "otp", Name: "challenges_started_total",
			Help: "One-time code challenges issued.",
		}, []string{"purpose", "channel"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "otp", Name: "validations_total",
			Help: "One-time code validation attempts by outcome.",
		}, []string{"outcome"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "otp", Name: "dispatch_failures_total",
			Help: "Codes that could not be handed to the transport.",
		}, []string{"channel"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Requests rejected by a quota.",
		}, []string{"scope"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "events_total",
			Help: "Session lifecycle events.",
		}, []string{"event"}),
		signupSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signup", Name: "transitions_total",
			Help: "Signup state transitions by target step.",
		}, []string{"step"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cleanup", Name: "deleted_total",
			Help: "Rows removed by periodic cleanup.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "HTTP request latency.", Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.challengesStarted, m.validations, m.dispatchFailures, m.rateLimited,
			m.sessions, m.signupSteps, m.cleanupDeleted, m.httpRequests, m.httpDuration,
		)
	}
	return m
}

func (m *Metrics) ChallengeStarted(purpose, channel string) {
	if m == nil {
		return
	}
	m.challengesStarted.WithLabelValues(purpose, channel).Inc()
}

func (m *Metrics) Validation(outcome string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DispatchFailed(channel string) {
	if m == nil {
		return
	}
	m.dispatchFailures.WithLabelValues(channel).Inc()
}

// RateLimited counts a rejection; scope is "identifier", "challenge" or "ip".
func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

// SessionEvent counts created, refreshed, reused and revoked sessions.
func (m *Metrics) SessionEvent(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessions.WithLabelValues(event).Add(float64(n))
}

func (m *Metrics) SignupTransition(step string) {
	if m == nil {
		return
	}
	m.signupSteps.WithLabelValues(step).Inc()
}

func (m *Metrics) CleanupDeleted(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupDeleted.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
