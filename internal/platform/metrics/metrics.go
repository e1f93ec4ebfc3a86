// Package metrics holds the Prometheus instruments for the auth flow.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RoleTierOutcomes     *prometheus.CounterVec
	RoleResolveDuration  prometheus.Histogram
	RoleResolveTimeouts  prometheus.Counter
	SignIns              *prometheus.CounterVec
	SignUps              *prometheus.CounterVec
	ProvisioningOutcomes *prometheus.CounterVec
	LoginLockouts        prometheus.Counter
	LoginFailures        prometheus.Counter
	SessionStateChanges  *prometheus.CounterVec
}

// New registers the instruments with reg. Pass prometheus.DefaultRegisterer
// in the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RoleTierOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_role_tier_outcomes_total",
			Help: "Role resolution tier attempts by tier and outcome",
		}, []string{"tier", "outcome"}),
		RoleResolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "portal_role_resolve_duration_seconds",
			Help:    "Wall-clock time of a full role resolution",
			Buckets: prometheus.DefBuckets,
		}),
		RoleResolveTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "portal_role_resolve_timeouts_total",
			Help: "Role resolutions that hit the timeout and returned an empty role set",
		}),
		SignIns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_signins_total",
			Help: "Password sign-in attempts by result",
		}, []string{"result"}),
		SignUps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_signups_total",
			Help: "Sign-up attempts by role and result",
		}, []string{"role", "result"}),
		ProvisioningOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_provisioning_outcomes_total",
			Help: "Profile provisioning checks by role and outcome",
		}, []string{"role", "outcome"}),
		LoginLockouts: f.NewCounter(prometheus.CounterOpts{
			Name: "portal_login_lockouts_total",
			Help: "Accounts locked after repeated failed sign-ins",
		}),
		LoginFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "portal_login_failures_recorded_total",
			Help: "Failed sign-ins recorded by the lockout tracker",
		}),
		SessionStateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_session_state_changes_total",
			Help: "Session store state transitions by target status",
		}, []string{"status"}),
	}
}

func (m *Metrics) RecordTier(tier, outcome string) {
	m.RoleTierOutcomes.WithLabelValues(tier, outcome).Inc()
}

func (m *Metrics) ObserveResolve(d time.Duration, timedOut bool) {
	m.RoleResolveDuration.Observe(d.Seconds())
	if timedOut {
		m.RoleResolveTimeouts.Inc()
	}
}

func (m *Metrics) RecordSignIn(result string) {
	m.SignIns.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSignUp(role, result string) {
	m.SignUps.WithLabelValues(role, result).Inc()
}

func (m *Metrics) RecordProvisioning(role, outcome string) {
	m.ProvisioningOutcomes.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) RecordLockout() {
	m.LoginLockouts.Inc()
}

func (m *Metrics) RecordLoginFailure() {
	m.LoginFailures.Inc()
}

func (m *Metrics) RecordStateChange(status string) {
	m.SessionStateChanges.WithLabelValues(status).Inc()
}
