package baas

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

func newTestMemory(opts ...MemoryOption) *MemoryBackend {
	return NewMemoryBackend(zerolog.Nop(), append([]MemoryOption{WithBcryptCost(bcrypt.MinCost)}, opts...)...)
}

func TestMemoryBackend_SignUpRunsTrigger(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	resp, err := m.SignUp(ctx, SignUpParams{
		Email:    "a@x.com",
		Password: "secret1",
		Metadata: map[string]any{"role": "patient", "first_name": "Ada", "last_name": "Lovelace"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Session == nil {
		t.Fatal("expected auto-confirmed session")
	}

	rows := m.Rows("patients")
	if len(rows) != 1 {
		t.Fatalf("expected 1 patient row, got %d", len(rows))
	}
	if rows[0]["id"] != resp.User.ID || rows[0]["has_completed_intake"] != false {
		t.Errorf("unexpected patient row %v", rows[0])
	}
}

func TestMemoryBackend_DelayedTrigger(t *testing.T) {
	m := newTestMemory(WithSignupTrigger(30 * time.Millisecond))

	resp, err := m.SignUp(context.Background(), SignUpParams{
		Email:    "p@x.com",
		Password: "secret1",
		Metadata: map[string]any{"role": "provider"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(m.Rows("providers")); n != 0 {
		t.Fatalf("expected trigger not to have run yet, got %d rows", n)
	}

	waitForMemory(t, func() bool { return len(m.Rows("providers")) == 1 })
	if got := m.Rows("providers")[0]["id"]; got != resp.User.ID {
		t.Errorf("expected provider row for %s, got %v", resp.User.ID, got)
	}
}

func TestMemoryBackend_SignUpDuplicateEmail(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()
	params := SignUpParams{Email: "a@x.com", Password: "secret1"}

	if _, err := m.SignUp(ctx, params); err != nil {
		t.Fatalf("first sign-up: %v", err)
	}
	_, err := m.SignUp(ctx, params)
	if !IsAlreadyRegistered(err) {
		t.Fatalf("expected already registered, got %v", err)
	}
}

func TestMemoryBackend_SignInAndTokens(t *testing.T) {
	m := newTestMemory(WithAutoConfirm(false))
	ctx := context.Background()

	up, err := m.SignUp(ctx, SignUpParams{Email: "a@x.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("sign-up: %v", err)
	}
	if up.Session != nil {
		t.Fatal("expected no session without auto-confirm")
	}

	_, err = m.SignInWithPassword(ctx, Credentials{Email: "a@x.com", Password: "wrong"})
	var be *Error
	if !errors.As(err, &be) || be.Message != "Invalid login credentials" {
		t.Fatalf("expected invalid credentials, got %v", err)
	}

	resp, err := m.SignInWithPassword(ctx, Credentials{Email: "A@x.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("sign-in: %v", err)
	}
	sub, err := m.ParseAccessToken(resp.Session.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if sub != up.User.ID {
		t.Errorf("expected subject %s, got %s", up.User.ID, sub)
	}

	refreshed, err := m.RefreshSession(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.RefreshToken == resp.Session.RefreshToken {
		t.Error("expected refresh token rotation")
	}

	if err := m.SignOut(ctx); err != nil {
		t.Fatalf("sign-out: %v", err)
	}
	if sess, _ := m.GetSession(ctx); sess != nil {
		t.Error("expected no session after sign-out")
	}
}

func TestMemoryBackend_FailSignOutKeepsSession(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	if _, err := m.SignUp(ctx, SignUpParams{Email: "a@x.com", Password: "secret1"}); err != nil {
		t.Fatalf("sign-up: %v", err)
	}
	m.FailSignOut(errors.New("network down"))

	if err := m.SignOut(ctx); err == nil {
		t.Fatal("expected sign-out error")
	}
	if sess, _ := m.GetSession(ctx); sess == nil {
		t.Error("expected provider session to survive a failed sign-out")
	}
}

func TestMemoryBackend_RoleRPC(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()
	_ = m.SeedRow("patients", map[string]any{"id": "u1"})
	_ = m.SeedRow("admins", map[string]any{"id": "u1"})

	var out struct {
		Roles   []string `json:"roles"`
		Primary *string  `json:"primary_role"`
	}
	if err := m.RPC(ctx, "get_user_roles_secure", map[string]any{"p_user_id": "u1"}, &out); err != nil {
		t.Fatalf("rpc: %v", err)
	}
	if len(out.Roles) != 2 || out.Roles[0] != "admin" || out.Roles[1] != "patient" {
		t.Errorf("unexpected roles %v", out.Roles)
	}
	if out.Primary == nil || *out.Primary != "admin" {
		t.Errorf("expected primary admin, got %v", out.Primary)
	}

	m2 := newTestMemory(WithoutRPC("get_user_roles_secure"))
	err := m2.RPC(ctx, "get_user_roles_secure", nil, &out)
	var be *Error
	if !errors.As(err, &be) || be.Code != CodeUndefinedFunc {
		t.Errorf("expected undefined function error, got %v", err)
	}
}

func TestMemoryBackend_Queries(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	if err := m.From("patients").Insert(map[string]any{"id": "u1", "email": "a@x.com"}).Execute(ctx, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := m.From("patients").Insert(map[string]any{"id": "u1", "email": "a@x.com"}).Execute(ctx, nil)
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}

	var missing *map[string]any
	if err := m.From("patients").Select("id").Eq("id", "nope").MaybeSingle().Execute(ctx, &missing); err != nil {
		t.Fatalf("maybeSingle: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for no rows, got %v", *missing)
	}

	err = m.From("patients").Select("id").Eq("id", "nope").Single().Execute(ctx, &missing)
	var be *Error
	if !errors.As(err, &be) || be.Code != CodeNoRows {
		t.Errorf("expected PGRST116 for single with no rows, got %v", err)
	}

	var updated []map[string]any
	if err := m.From("patients").Update(map[string]any{"has_completed_intake": true}).Eq("id", "u1").Execute(ctx, &updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated) != 1 || updated[0]["has_completed_intake"] != true {
		t.Errorf("unexpected update result %v", updated)
	}
}

func waitForMemory(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
