// Package obs exposes Prometheus counters for authentication decisions.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors the core updates. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Logins      *prometheus.CounterVec
	Refreshes   *prometheus.CounterVec
	Authz       *prometheus.CounterVec
	MFA         *prometheus.CounterVec
	AuditDrops  prometheus.Counter
	Throttled   prometheus.Counter
	ActiveCalls prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinauth_logins_total",
			Help: "Login attempts by principal type and outcome.",
		}, []string{"principal_type", "outcome"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinauth_token_refreshes_total",
			Help: "Refresh attempts by outcome.",
		}, []string{"outcome"}),
		Authz: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinauth_authz_decisions_total",
			Help: "Authorization decisions by check and result.",
		}, []string{"check", "result"}),
		MFA: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinauth_mfa_verifications_total",
			Help: "Second-factor verifications by method and result.",
		}, []string{"method", "result"}),
		AuditDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinauth_audit_events_dropped_total",
			Help: "Audit events dropped because the buffer was full.",
		}),
		Throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinauth_throttled_requests_total",
			Help: "Requests rejected by the per-address throttle.",
		}),
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clinauth_in_flight_calls",
			Help: "In-flight RPCs.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Logins, m.Refreshes, m.Authz, m.MFA, m.AuditDrops, m.Throttled, m.ActiveCalls)
	}
	return m
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Login counts one login outcome.
func (m *Metrics) Login(principalType, outcome string) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(principalType, outcome).Inc()
}

// Refresh counts one refresh outcome.
func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome).Inc()
}

// Decision counts one authorization decision.
func (m *Metrics) Decision(check string, allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.Authz.WithLabelValues(check, result).Inc()
}

// Verification counts one MFA verification.
func (m *Metrics) Verification(method string, ok bool) {
	if m == nil {
		return
	}
	result := "fail"
	if ok {
		result = "ok"
	}
	m.MFA.WithLabelValues(method, result).Inc()
}

// AuditDropped counts a dropped audit event.
func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.AuditDrops.Inc()
}

// ThrottledRequest counts a throttled request.
func (m *Metrics) ThrottledRequest() {
	if m == nil {
		return
	}
	m.Throttled.Inc()
}

// CallStarted and CallFinished track in-flight RPCs.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.ActiveCalls.Inc()
}

// CallFinished decrements the in-flight gauge.
func (m *Metrics) CallFinished() {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
}
