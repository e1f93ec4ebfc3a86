package role

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// -- Fakes --

type countingStrategy struct {
	name  string
	rs    RoleSet
	err   error
	calls atomic.Int32
}

func (s *countingStrategy) Name() string { return s.name }

func (s *countingStrategy) Resolve(ctx context.Context, userID string) (RoleSet, error) {
	s.calls.Add(1)
	return s.rs, s.err
}

type hangingStrategy struct{}

func (hangingStrategy) Name() string { return "hang" }

func (hangingStrategy) Resolve(ctx context.Context, userID string) (RoleSet, error) {
	select {} // never resolves, ignores ctx
}

type fakeRPC struct {
	mu      sync.Mutex
	results map[string]any
	errs    map[string]error
	calls   map[string]int
	params  map[string]any
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		results: make(map[string]any),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeRPC) RPC(ctx context.Context, fn string, params map[string]any, out any) error {
	f.mu.Lock()
	f.calls[fn]++
	f.params = params
	res, ok := f.results[fn]
	err := f.errs[fn]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("function not found")
	}
	buf, _ := json.Marshal(res)
	return json.Unmarshal(buf, out)
}

type fakeChecker struct {
	mu     sync.Mutex
	exists map[Role]bool
	errs   map[Role]error
	delays map[Role]time.Duration
	calls  int
}

func (f *fakeChecker) Exists(ctx context.Context, r Role, userID string) (bool, error) {
	f.mu.Lock()
	f.calls++
	delay := f.delays[r]
	err := f.errs[r]
	ok := f.exists[r]
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return ok, err
}

type fakeRecorder struct {
	mu       sync.Mutex
	tiers    []string
	timeouts int
}

func (f *fakeRecorder) RecordTier(tier, outcome string) {
	f.mu.Lock()
	f.tiers = append(f.tiers, tier+"="+outcome)
	f.mu.Unlock()
}

func (f *fakeRecorder) ObserveResolve(d time.Duration, timedOut bool) {
	if timedOut {
		f.mu.Lock()
		f.timeouts++
		f.mu.Unlock()
	}
}

// -- Tests --

func TestResolve_FirstNonErrorTierShortCircuits(t *testing.T) {
	tier1 := &countingStrategy{name: "t1", rs: Empty()}
	tier2 := &countingStrategy{name: "t2", rs: RoleSet{Roles: []Role{Patient}, Primary: Patient}}
	tier3 := &countingStrategy{name: "t3", rs: RoleSet{Roles: []Role{Admin}, Primary: Admin}}

	r := NewResolver([]Strategy{tier1, tier2, tier3}, zerolog.Nop())
	rs, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rs.IsEmpty() {
		t.Errorf("expected tier 1 empty result verbatim, got %+v", rs)
	}
	if tier1.calls.Load() != 1 || tier2.calls.Load() != 0 || tier3.calls.Load() != 0 {
		t.Errorf("expected calls 1/0/0, got %d/%d/%d", tier1.calls.Load(), tier2.calls.Load(), tier3.calls.Load())
	}
}

func TestResolve_SecondTierShortCircuitsThird(t *testing.T) {
	tier1 := &countingStrategy{name: "t1", err: errors.New("rpc missing")}
	tier2 := &countingStrategy{name: "t2", rs: RoleSet{Roles: []Role{Provider}, Primary: Provider}}
	tier3 := &countingStrategy{name: "t3", rs: RoleSet{Roles: []Role{Admin}, Primary: Admin}}

	rec := &fakeRecorder{}
	r := NewResolver([]Strategy{tier1, tier2, tier3}, zerolog.Nop(), WithRecorder(rec))
	rs, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rs.Primary != Provider {
		t.Errorf("expected provider, got %s", rs.Primary)
	}
	if tier1.calls.Load() != 1 || tier2.calls.Load() != 1 || tier3.calls.Load() != 0 {
		t.Errorf("expected calls 1/1/0, got %d/%d/%d", tier1.calls.Load(), tier2.calls.Load(), tier3.calls.Load())
	}
	if len(rec.tiers) != 2 || rec.tiers[0] != "t1=error" || rec.tiers[1] != "t2=ok" {
		t.Errorf("unexpected tier outcomes %v", rec.tiers)
	}
}

func TestResolve_AllTiersFailReturnsEmpty(t *testing.T) {
	tiers := []Strategy{
		&countingStrategy{name: "t1", err: errors.New("a")},
		&countingStrategy{name: "t2", err: errors.New("b")},
		&countingStrategy{name: "t3", err: errors.New("c")},
	}
	r := NewResolver(tiers, zerolog.Nop())

	rs, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("tier failures must not surface, got %v", err)
	}
	if !rs.IsEmpty() || rs.Primary != "" {
		t.Errorf("expected empty role set, got %+v", rs)
	}
}

func TestResolve_SecureRPCShortCircuit(t *testing.T) {
	rpc := newFakeRPC()
	rpc.results[SecureRolesFunc] = map[string]any{"roles": []string{"admin"}, "primary_role": "admin"}
	checker := &fakeChecker{exists: map[Role]bool{Patient: true}}

	r := NewResolver(DefaultStrategies(rpc, checker, zerolog.Nop()), zerolog.Nop())
	rs, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rs.Roles) != 1 || rs.Roles[0] != Admin || rs.Primary != Admin {
		t.Errorf("expected exactly {[admin] admin}, got %+v", rs)
	}
	if rpc.calls[RolesFunc] != 0 {
		t.Errorf("expected get_user_roles not called, got %d", rpc.calls[RolesFunc])
	}
	if checker.calls != 0 {
		t.Errorf("expected no table checks, got %d", checker.calls)
	}
	if rpc.params["p_user_id"] != "u1" {
		t.Errorf("expected p_user_id=u1, got %v", rpc.params)
	}
}

func TestResolve_TableFallback(t *testing.T) {
	rpc := newFakeRPC()
	rpc.errs[SecureRolesFunc] = errors.New("permission denied")
	rpc.errs[RolesFunc] = errors.New("function not found")
	checker := &fakeChecker{exists: map[Role]bool{Patient: true, Provider: true}}

	r := NewResolver(DefaultStrategies(rpc, checker, zerolog.Nop()), zerolog.Nop())
	rs, err := r.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rs.Roles) != 2 || !rs.Has(Patient) || !rs.Has(Provider) {
		t.Errorf("expected patient and provider, got %v", rs.Roles)
	}
	if rs.Primary != Patient {
		t.Errorf("expected primary patient, got %s", rs.Primary)
	}
	if checker.calls != 3 {
		t.Errorf("expected 3 table checks, got %d", checker.calls)
	}
}

func TestTableStrategy_PrimaryFollowsPriorityNotCompletion(t *testing.T) {
	checker := &fakeChecker{
		exists: map[Role]bool{Admin: true, Provider: true},
		delays: map[Role]time.Duration{Admin: 30 * time.Millisecond},
	}
	rs, err := TableStrategy(checker, zerolog.Nop()).Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rs.Primary != Admin {
		t.Errorf("expected primary admin, got %s", rs.Primary)
	}
	if len(rs.Roles) != 2 || rs.Roles[0] != Admin || rs.Roles[1] != Provider {
		t.Errorf("expected [admin provider], got %v", rs.Roles)
	}
}

func TestTableStrategy_FailingCheckIsIsolated(t *testing.T) {
	checker := &fakeChecker{
		exists: map[Role]bool{Patient: true},
		errs:   map[Role]error{Admin: errors.New("permission denied for table admins")},
	}
	rs, err := TableStrategy(checker, zerolog.Nop()).Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rs.Roles) != 1 || rs.Primary != Patient {
		t.Errorf("expected patient only, got %+v", rs)
	}
}

func TestTableStrategy_AllChecksFail(t *testing.T) {
	boom := errors.New("connection refused")
	checker := &fakeChecker{errs: map[Role]error{Admin: boom, Patient: boom, Provider: boom}}

	_, err := TableStrategy(checker, zerolog.Nop()).Resolve(context.Background(), "u1")
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error, got %v", err)
	}
}

func TestResolve_TimeoutWhenBackendsHang(t *testing.T) {
	rec := &fakeRecorder{}
	r := NewResolver([]Strategy{hangingStrategy{}, hangingStrategy{}, hangingStrategy{}}, zerolog.Nop(),
		WithTimeout(50*time.Millisecond), WithRecorder(rec))

	start := time.Now()
	rs, err := r.Resolve(context.Background(), "u1")
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rs.IsEmpty() || rs.Primary != "" {
		t.Errorf("expected empty role set, got %+v", rs)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("resolve exceeded timeout bound: %v", elapsed)
	}
	if rec.timeouts != 1 {
		t.Errorf("expected 1 recorded timeout, got %d", rec.timeouts)
	}
}

func TestResolve_RequiresUserID(t *testing.T) {
	r := NewResolver(nil, zerolog.Nop())
	if _, err := r.Resolve(context.Background(), ""); !errors.Is(err, ErrNoUser) {
		t.Errorf("expected ErrNoUser, got %v", err)
	}
}

func TestResolve_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewResolver([]Strategy{hangingStrategy{}}, zerolog.Nop())
	if _, err := r.Resolve(ctx, "u1"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
