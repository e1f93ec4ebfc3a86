package baas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/ehr/portal/pkg/broadcast"
)

// RPCFunc implements a remote procedure for MemoryBackend.
type RPCFunc func(ctx context.Context, params map[string]any) (any, error)

type memUser struct {
	user User
	hash []byte
}

// MemoryBackend is an in-process identity provider and data store. It
// issues HS256 access tokens, keeps tables as ordered rows with a unique
// "id" column, and runs a sign-up trigger that creates the role profile
// record from the account metadata, like the hosted service does.
type MemoryBackend struct {
	mu       sync.Mutex
	users    map[string]*memUser
	refresh  map[string]string
	tables   map[string][]map[string]any
	rpcs     map[string]RPCFunc
	session  *Session
	events   *broadcast.Broadcaster[AuthChangeEvent]
	logger   zerolog.Logger
	now      func() time.Time
	key      []byte
	tokenTTL time.Duration
	cost     int

	autoConfirm  bool
	trigger      bool
	triggerDelay time.Duration
	signOutErr   error
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithRPC registers or replaces a remote procedure.
func WithRPC(name string, fn RPCFunc) MemoryOption {
	return func(m *MemoryBackend) { m.rpcs[name] = fn }
}

// WithoutRPC removes a remote procedure so calls to it fail as undefined.
func WithoutRPC(name string) MemoryOption {
	return func(m *MemoryBackend) { delete(m.rpcs, name) }
}

// WithSignupTrigger runs the profile-creating trigger delay after each
// sign-up. A zero delay runs it before SignUp returns.
func WithSignupTrigger(delay time.Duration) MemoryOption {
	return func(m *MemoryBackend) {
		m.trigger = true
		m.triggerDelay = delay
	}
}

// WithoutSignupTrigger disables the trigger, leaving profile creation to
// the client.
func WithoutSignupTrigger() MemoryOption {
	return func(m *MemoryBackend) { m.trigger = false }
}

// WithAutoConfirm controls whether sign-up also signs the user in.
func WithAutoConfirm(v bool) MemoryOption {
	return func(m *MemoryBackend) { m.autoConfirm = v }
}

// WithSigningKey sets the HS256 key for access tokens.
func WithSigningKey(key []byte) MemoryOption {
	return func(m *MemoryBackend) { m.key = key }
}

// WithTokenTTL sets the access token lifetime.
func WithTokenTTL(d time.Duration) MemoryOption {
	return func(m *MemoryBackend) { m.tokenTTL = d }
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) MemoryOption {
	return func(m *MemoryBackend) { m.cost = cost }
}

// NewMemoryBackend creates an empty backend with the role procedures
// installed and the sign-up trigger enabled with no delay.
func NewMemoryBackend(logger zerolog.Logger, opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		users:       make(map[string]*memUser),
		refresh:     make(map[string]string),
		tables:      make(map[string][]map[string]any),
		rpcs:        make(map[string]RPCFunc),
		events:      broadcast.New[AuthChangeEvent](),
		logger:      logger.With().Str("component", "baas-memory").Logger(),
		now:         time.Now,
		key:         []byte("portal-local-development-signing-key"),
		tokenTTL:    time.Hour,
		cost:        bcrypt.DefaultCost,
		autoConfirm: true,
		trigger:     true,
	}
	m.rpcs["get_user_roles_secure"] = m.userRolesRPC
	m.rpcs["get_user_roles"] = m.userRolesRPC
	for _, o := range opts {
		o(m)
	}
	return m
}

var errInvalidCredentials = &Error{
	Status:  http.StatusBadRequest,
	Code:    "invalid_credentials",
	Message: "Invalid login credentials",
}

func (m *MemoryBackend) SignInWithPassword(_ context.Context, creds Credentials) (*AuthResponse, error) {
	m.mu.Lock()
	mu, ok := m.users[strings.ToLower(creds.Email)]
	if !ok {
		m.mu.Unlock()
		return nil, errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(mu.hash, []byte(creds.Password)); err != nil {
		m.mu.Unlock()
		return nil, errInvalidCredentials
	}
	sess, err := m.issueLocked(mu.user)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.events.Publish(AuthChangeEvent{Event: EventSignedIn, Session: sess})
	cp := *sess
	return &AuthResponse{User: &cp.User, Session: &cp}, nil
}

func (m *MemoryBackend) SignUp(_ context.Context, params SignUpParams) (*AuthResponse, error) {
	if params.Email == "" {
		return nil, &Error{Status: http.StatusUnprocessableEntity, Code: "validation_failed", Message: "Email is required"}
	}
	if len(params.Password) < 6 {
		return nil, &Error{Status: http.StatusUnprocessableEntity, Code: "weak_password", Message: "Password should be at least 6 characters."}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), m.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	m.mu.Lock()
	email := strings.ToLower(params.Email)
	if _, ok := m.users[email]; ok {
		m.mu.Unlock()
		return nil, &Error{Status: http.StatusUnprocessableEntity, Code: "user_already_exists", Message: "User already registered"}
	}
	now := m.now().UTC()
	u := User{
		ID:           uuid.NewString(),
		Email:        params.Email,
		UserMetadata: copyMap(params.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.users[email] = &memUser{user: u, hash: hash}

	var sess *Session
	if m.autoConfirm {
		sess, err = m.issueLocked(u)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	trigger, delay := m.trigger, m.triggerDelay
	m.mu.Unlock()

	if trigger {
		if delay > 0 {
			time.AfterFunc(delay, func() { m.runSignupTrigger(u) })
		} else {
			m.runSignupTrigger(u)
		}
	}

	resp := &AuthResponse{User: &u}
	if sess != nil {
		m.events.Publish(AuthChangeEvent{Event: EventSignedIn, Session: sess})
		cp := *sess
		resp.Session = &cp
	}
	return resp, nil
}

// FailSignOut makes the next SignOut calls return err without touching the
// session. Pass nil to restore normal behavior.
func (m *MemoryBackend) FailSignOut(err error) {
	m.mu.Lock()
	m.signOutErr = err
	m.mu.Unlock()
}

func (m *MemoryBackend) SignOut(context.Context) error {
	m.mu.Lock()
	if m.signOutErr != nil {
		err := m.signOutErr
		m.mu.Unlock()
		return err
	}
	if m.session != nil {
		delete(m.refresh, m.session.RefreshToken)
	}
	m.session = nil
	m.mu.Unlock()

	m.events.Publish(AuthChangeEvent{Event: EventSignedOut})
	return nil
}

func (m *MemoryBackend) GetSession(context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, nil
	}
	if m.session.ExpiresWithin(m.now(), 0) {
		return nil, nil
	}
	cp := *m.session
	return &cp, nil
}

func (m *MemoryBackend) RefreshSession(context.Context) (*Session, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	userID, ok := m.refresh[m.session.RefreshToken]
	if !ok {
		m.mu.Unlock()
		return nil, &Error{Status: http.StatusBadRequest, Code: "refresh_token_not_found", Message: "Invalid Refresh Token"}
	}
	delete(m.refresh, m.session.RefreshToken)

	var u User
	for _, mu := range m.users {
		if mu.user.ID == userID {
			u = mu.user
			break
		}
	}
	sess, err := m.issueLocked(u)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.events.Publish(AuthChangeEvent{Event: EventTokenRefreshed, Session: sess})
	cp := *sess
	return &cp, nil
}

// UpdateUserMetadata merges md into the signed-in user's metadata and emits
// USER_UPDATED.
func (m *MemoryBackend) UpdateUserMetadata(_ context.Context, md map[string]any) (*User, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	mu, ok := m.users[strings.ToLower(m.session.User.Email)]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	if mu.user.UserMetadata == nil {
		mu.user.UserMetadata = map[string]any{}
	}
	for k, v := range md {
		mu.user.UserMetadata[k] = v
	}
	mu.user.UpdatedAt = m.now().UTC()
	m.session.User = mu.user
	sess := *m.session
	m.mu.Unlock()

	m.events.Publish(AuthChangeEvent{Event: EventUserUpdated, Session: &sess})
	u := sess.User
	return &u, nil
}

func (m *MemoryBackend) OnAuthStateChange(fn func(AuthChangeEvent)) Subscription {
	return m.events.Subscribe(fn)
}

// ParseAccessToken verifies a token issued by this backend and returns its
// subject.
func (m *MemoryBackend) ParseAccessToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.key, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	return sub, nil
}

func (m *MemoryBackend) RPC(ctx context.Context, fn string, params map[string]any, out any) error {
	m.mu.Lock()
	f, ok := m.rpcs[fn]
	m.mu.Unlock()
	if !ok {
		return &Error{
			Status:  http.StatusNotFound,
			Code:    CodeUndefinedFunc,
			Message: fmt.Sprintf("Could not find the function public.%s in the schema cache", fn),
		}
	}

	res, err := f(ctx, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	buf, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("rpc %s: encode result: %w", fn, err)
	}
	return json.Unmarshal(buf, out)
}

func (m *MemoryBackend) From(table string) *Query {
	return NewQuery(m, table)
}

// ExecuteQuery implements Executor over the in-memory tables.
func (m *MemoryBackend) ExecuteQuery(_ context.Context, q *Query) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []map[string]any
	switch q.Op {
	case OpInsert:
		row, err := normalizeRow(q.Values)
		if err != nil {
			return nil, err
		}
		if err := m.insertLocked(q.Table, row); err != nil {
			return nil, err
		}
		result = append(result, project(row, q.Columns))
	case OpUpdate:
		patch, err := normalizeRow(q.Values)
		if err != nil {
			return nil, err
		}
		for _, row := range m.tables[q.Table] {
			if !matches(row, q.Filters) {
				continue
			}
			for k, v := range patch {
				row[k] = v
			}
			result = append(result, project(row, q.Columns))
		}
	default:
		for _, row := range m.tables[q.Table] {
			if matches(row, q.Filters) {
				result = append(result, project(row, q.Columns))
			}
		}
	}

	if result == nil {
		result = []map[string]any{}
	}
	return json.Marshal(result)
}

// SeedRow inserts a row directly, bypassing the client surface.
func (m *MemoryBackend) SeedRow(table string, row map[string]any) error {
	n, err := normalizeRow(row)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(table, n)
}

// Rows returns a copy of every row in table.
func (m *MemoryBackend) Rows(table string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		out = append(out, copyMap(r))
	}
	return out
}

// profileTables maps the metadata role to the table the trigger writes.
var profileTables = map[string]string{
	"patient":  "patients",
	"provider": "providers",
	"admin":    "admins",
}

var completionColumns = map[string]string{
	"patients":  "has_completed_intake",
	"providers": "profile_completed",
}

func (m *MemoryBackend) runSignupTrigger(u User) {
	role, _ := u.UserMetadata["role"].(string)
	if role == "" {
		role = "patient"
	}
	table, ok := profileTables[role]
	if !ok {
		m.logger.Warn().Str("role", role).Str("user_id", u.ID).Msg("signup trigger: unknown role")
		return
	}

	now := m.now().UTC().Format(time.RFC3339Nano)
	row := map[string]any{
		"id":         u.ID,
		"email":      u.Email,
		"first_name": u.UserMetadata["first_name"],
		"last_name":  u.UserMetadata["last_name"],
		"phone":      u.UserMetadata["phone"],
		"created_at": now,
		"updated_at": now,
	}
	if col, ok := completionColumns[table]; ok {
		row[col] = false
	}

	m.mu.Lock()
	err := m.insertLocked(table, row)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Str("table", table).Str("user_id", u.ID).Msg("signup trigger insert failed")
	}
}

func (m *MemoryBackend) userRolesRPC(_ context.Context, params map[string]any) (any, error) {
	id := fmt.Sprint(params["p_user_id"])

	m.mu.Lock()
	defer m.mu.Unlock()

	roles := []string{}
	for _, r := range []struct{ role, table string }{
		{"admin", "admins"},
		{"patient", "patients"},
		{"provider", "providers"},
	} {
		for _, row := range m.tables[r.table] {
			if fmt.Sprint(row["id"]) == id {
				roles = append(roles, r.role)
				break
			}
		}
	}

	var primary any
	if len(roles) > 0 {
		primary = roles[0]
	}
	return map[string]any{"roles": roles, "primary_role": primary}, nil
}

func (m *MemoryBackend) issueLocked(u User) (*Session, error) {
	now := m.now()
	exp := now.Add(m.tokenTTL)
	claims := jwt.MapClaims{
		"sub":           u.ID,
		"email":         u.Email,
		"role":          "authenticated",
		"iat":           now.Unix(),
		"exp":           exp.Unix(),
		"user_metadata": u.UserMetadata,
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh := uuid.NewString()
	m.refresh[refresh] = u.ID
	m.session = &Session{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(m.tokenTTL / time.Second),
		ExpiresAt:    exp.Unix(),
		User:         u,
	}
	cp := *m.session
	return &cp, nil
}

func (m *MemoryBackend) insertLocked(table string, row map[string]any) error {
	if id, ok := row["id"]; ok {
		for _, existing := range m.tables[table] {
			if fmt.Sprint(existing["id"]) == fmt.Sprint(id) {
				return &Error{
					Status:  http.StatusConflict,
					Code:    CodeUniqueViolation,
					Message: fmt.Sprintf("duplicate key value violates unique constraint %q", table+"_pkey"),
					Details: fmt.Sprintf("Key (id)=(%v) already exists.", id),
				}
			}
		}
	}
	m.tables[table] = append(m.tables[table], row)
	return nil
}

// normalizeRow round-trips values through JSON so stored rows hold the
// same types a decoded API response would.
func normalizeRow(values map[string]any) (map[string]any, error) {
	if values == nil {
		return nil, errors.New("no values")
	}
	buf, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	var row map[string]any
	if err := json.Unmarshal(buf, &row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return row, nil
}

func matches(row map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := row[f.Column]
		if !ok || fmt.Sprint(v) != f.Value {
			return false
		}
	}
	return true
}

func project(row map[string]any, columns string) map[string]any {
	if columns == "" || columns == "*" {
		return copyMap(row)
	}
	out := make(map[string]any)
	for _, c := range strings.Split(columns, ",") {
		c = strings.TrimSpace(c)
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
