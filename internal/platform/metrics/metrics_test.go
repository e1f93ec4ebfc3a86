package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordTier("rpc:get_user_roles_secure", "ok")
	m.RecordTier("rpc:get_user_roles_secure", "ok")
	m.RecordTier("tables", "error")
	m.RecordSignUp("patient", "ok")
	m.RecordProvisioning("patient", "created")
	m.RecordLockout()
	m.ObserveResolve(10*time.Millisecond, true)

	if got := testutil.ToFloat64(m.RoleTierOutcomes.WithLabelValues("rpc:get_user_roles_secure", "ok")); got != 2 {
		t.Errorf("expected 2 ok tier outcomes, got %v", got)
	}
	if got := testutil.ToFloat64(m.RoleTierOutcomes.WithLabelValues("tables", "error")); got != 1 {
		t.Errorf("expected 1 table error, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProvisioningOutcomes.WithLabelValues("patient", "created")); got != 1 {
		t.Errorf("expected 1 created outcome, got %v", got)
	}
	if got := testutil.ToFloat64(m.RoleResolveTimeouts); got != 1 {
		t.Errorf("expected 1 timeout, got %v", got)
	}
	if got := testutil.ToFloat64(m.LoginLockouts); got != 1 {
		t.Errorf("expected 1 lockout, got %v", got)
	}
}

func TestNew_SeparateRegistries(t *testing.T) {
	// registering twice on distinct registries must not panic
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
