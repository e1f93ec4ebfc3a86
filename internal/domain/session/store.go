// Package session owns the process's single current session and the role set
// derived from it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/domain/provisioning"
	"github.com/ehr/portal/internal/domain/role"
	"github.com/ehr/portal/internal/platform/baas"
	"github.com/ehr/portal/pkg/broadcast"
)

// DefaultSettleDelay is how long the signing-out flag outlives SignOut so
// late provider events are not mistaken for a new sign-in.
const DefaultSettleDelay = 500 * time.Millisecond

// RoleResolver computes the role set of a user.
type RoleResolver interface {
	Resolve(ctx context.Context, userID string) (role.RoleSet, error)
}

// Provisioner makes sure a new account has its profile record.
type Provisioner interface {
	Ensure(ctx context.Context, req provisioning.Request) provisioning.Result
}

// LoginGuard throttles repeated failed sign-ins for an identifier.
type LoginGuard interface {
	Check(ctx context.Context, identifier string) error
	RecordFailure(ctx context.Context, identifier string) (bool, error)
	Reset(ctx context.Context, identifier string) error
}

// Recorder receives session telemetry.
type Recorder interface {
	RecordSignIn(result string)
	RecordSignUp(role, result string)
	RecordStateChange(status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSignIn(string)         {}
func (nopRecorder) RecordSignUp(string, string) {}
func (nopRecorder) RecordStateChange(string)    {}

// SignUpRequest describes a new account. Role defaults to patient.
type SignUpRequest struct {
	Email     string
	Password  string
	Role      role.Role
	FirstName string
	LastName  string
	Phone     string
	// Metadata holds extra account attributes stored with the identity.
	Metadata map[string]any
}

// Store is the single owner of the current session and role set. Its state
// is mutated only by provider auth events, role resolution for the current
// session, and SignOut.
type Store struct {
	auth        baas.Auth
	resolver    RoleResolver
	provisioner Provisioner
	guard       LoginGuard
	recorder    Recorder
	logger      zerolog.Logger
	settleDelay time.Duration

	// transitionMu orders state changes with the events they publish.
	transitionMu sync.Mutex
	mu           sync.RWMutex
	state        State
	generation   uint64
	signOutSeq   uint64

	events *broadcast.Broadcaster[Event]

	lifeMu  sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	sub     baas.Subscription
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithProvisioner sets the guard that ensures profile rows after sign-up.
func WithProvisioner(p Provisioner) Option {
	return func(s *Store) { s.provisioner = p }
}

// WithLoginGuard enables sign-in lockout.
func WithLoginGuard(g LoginGuard) Option {
	return func(s *Store) { s.guard = g }
}

// WithRecorder records sign-in and role outcomes, usually as metrics.
func WithRecorder(rec Recorder) Option {
	return func(s *Store) { s.recorder = rec }
}

// WithSettleDelay sets how long sign-out waits before clearing the flag.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Store) { s.settleDelay = d }
}

// NewStore returns a store in the Initializing state. Call Start to begin
// tracking the provider session.
func NewStore(authClient baas.Auth, resolver RoleResolver, logger zerolog.Logger, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		auth:        authClient,
		resolver:    resolver,
		recorder:    nopRecorder{},
		logger:      logger.With().Str("component", "session").Logger(),
		settleDelay: DefaultSettleDelay,
		state:       State{Status: StatusInitializing, Roles: role.Empty()},
		events:      broadcast.New[Event](),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start subscribes to provider auth events and reads the current session
// once. A failing read leaves the store Anonymous.
func (s *Store) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.started {
		s.lifeMu.Unlock()
		return errors.New("session store already started")
	}
	s.started = true
	s.sub = s.auth.OnAuthStateChange(s.handleAuthEvent)
	s.lifeMu.Unlock()

	sess, err := s.GetCurrentSession(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("reading current session failed, starting signed out")
	}

	if sess != nil {
		s.applySignedIn(sess, true)
		return nil
	}
	s.transition(func(st *State) (Event, bool) {
		if st.Status != StatusInitializing {
			return nil, false
		}
		*st = anonymous()
		return nil, false
	})
	return nil
}

// Close stops event handling and waits for in-flight role resolutions.
func (s *Store) Close() {
	s.lifeMu.Lock()
	s.closed = true
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	s.lifeMu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// GetCurrentSession asks the provider for its session without touching the
// store's state.
func (s *Store) GetCurrentSession(ctx context.Context) (*baas.Session, error) {
	sess, err := s.auth.GetSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Subscribe registers fn for store events. Events are delivered in order on
// a goroutine owned by the subscription.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	sub := s.events.Subscribe(fn)
	return sub.Unsubscribe
}

// WaitFor blocks until pred holds for the state or ctx ends.
func (s *Store) WaitFor(ctx context.Context, pred func(State) bool) (State, error) {
	wake := make(chan struct{}, 1)
	unsubscribe := s.Subscribe(func(Event) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := s.Snapshot()
		if pred(st) {
			return st, nil
		}
		select {
		case <-wake:
		case <-ticker.C:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// SignIn performs the password grant. It does not change the store's state;
// the provider's SIGNED_IN event does. Credential errors are returned as the
// provider reported them.
func (s *Store) SignIn(ctx context.Context, email, password string) (*baas.Session, error) {
	if s.guard != nil {
		if err := s.guard.Check(ctx, email); err != nil {
			s.recorder.RecordSignIn("locked")
			return nil, err
		}
	}

	s.mu.Lock()
	s.state.SigningOut = false
	s.signOutSeq++
	s.mu.Unlock()

	resp, err := s.auth.SignInWithPassword(ctx, baas.Credentials{Email: email, Password: password})
	if err != nil {
		s.recorder.RecordSignIn("failure")
		s.recordFailure(ctx, email, err)
		return nil, err
	}
	if resp == nil || resp.Session == nil {
		s.recorder.RecordSignIn("failure")
		return nil, errors.New("sign-in returned no session")
	}

	if s.guard != nil {
		if err := s.guard.Reset(ctx, email); err != nil {
			s.logger.Warn().Err(err).Msg("clearing sign-in failures failed")
		}
	}
	s.recorder.RecordSignIn("success")
	return resp.Session, nil
}

func (s *Store) recordFailure(ctx context.Context, email string, err error) {
	if s.guard == nil {
		return
	}
	var be *baas.Error
	if !errors.As(err, &be) || be.Status >= 500 {
		return
	}
	if _, gerr := s.guard.RecordFailure(ctx, email); gerr != nil {
		s.logger.Warn().Err(gerr).Msg("recording sign-in failure failed")
	}
}

// SignInToPortal signs in and requires the portal's role. When the role is
// missing the session is signed out again and an *AccessDeniedError is
// returned.
func (s *Store) SignInToPortal(ctx context.Context, r role.Role, email, password string) (*baas.Session, role.RoleSet, error) {
	sess, err := s.SignIn(ctx, email, password)
	if err != nil {
		return nil, role.Empty(), err
	}

	userID := sess.User.ID
	rs := s.resolveRoles(ctx, userID)
	if !rs.Has(r) {
		s.logger.Info().Str("user_id", userID).Str("required", string(r)).Strs("roles", roleNames(rs)).
			Msg("portal role missing, signing out")
		_ = s.SignOut(ctx)
		return nil, rs, &AccessDeniedError{Required: r}
	}
	return sess, rs, nil
}

// SignUp creates the account, then makes sure its profile record exists.
// Provisioning problems are logged and never fail the sign-up.
func (s *Store) SignUp(ctx context.Context, req SignUpRequest) (*baas.User, error) {
	r := req.Role
	if r == "" {
		r = role.Patient
	}
	if !r.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrSignUpFailed, r)
	}

	meta := make(map[string]any, len(req.Metadata)+4)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["role"] = string(r)
	meta["first_name"] = req.FirstName
	meta["last_name"] = req.LastName
	meta["phone"] = req.Phone

	resp, err := s.auth.SignUp(ctx, baas.SignUpParams{
		Email:    strings.TrimSpace(req.Email),
		Password: req.Password,
		Metadata: meta,
	})
	switch {
	case err != nil && baas.IsAlreadyRegistered(err):
		s.recorder.RecordSignUp(string(r), "registered")
		return nil, ErrEmailRegistered
	case err != nil:
		s.recorder.RecordSignUp(string(r), "failure")
		s.logger.Warn().Err(err).Str("role", string(r)).Msg("sign-up failed")
		return nil, fmt.Errorf("%w: %w", ErrSignUpFailed, err)
	case resp == nil || resp.User == nil:
		s.recorder.RecordSignUp(string(r), "failure")
		return nil, ErrSignUpFailed
	}
	s.recorder.RecordSignUp(string(r), "success")

	if s.provisioner != nil {
		s.provisioner.Ensure(ctx, provisioning.Request{
			UserID:    resp.User.ID,
			Email:     resp.User.Email,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Phone:     req.Phone,
			Role:      r,
		})
	}

	if resp.Session != nil {
		if _, err := s.RefreshRoles(ctx); err != nil && !errors.Is(err, ErrNotSignedIn) {
			s.logger.Warn().Err(err).Msg("refreshing roles after sign-up failed")
		}
	}
	return resp.User, nil
}

// SignOut clears the session and role set whatever the provider answers.
// Provider failures are logged. Calling it while signed out is a no-op
// beyond the provider call.
func (s *Store) SignOut(ctx context.Context) error {
	s.mu.Lock()
	s.state.SigningOut = true
	s.signOutSeq++
	seq := s.signOutSeq
	s.generation++
	s.mu.Unlock()

	if err := s.auth.SignOut(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("provider sign-out failed, clearing local session anyway")
	}

	s.clear(true)

	time.AfterFunc(s.settleDelay, func() {
		s.mu.Lock()
		if s.signOutSeq == seq {
			s.state.SigningOut = false
		}
		s.mu.Unlock()
	})
	return nil
}

// RefreshRoles recomputes the role set of the current session.
func (s *Store) RefreshRoles(ctx context.Context) (role.RoleSet, error) {
	s.mu.Lock()
	if s.state.Status != StatusAuthenticated {
		s.mu.Unlock()
		return role.Empty(), ErrNotSignedIn
	}
	s.generation++
	gen := s.generation
	userID := s.state.UserID()
	s.state.RolesLoading = true
	s.mu.Unlock()

	rs := s.resolveRoles(ctx, userID)
	s.applyRoles(gen, userID, rs)
	return rs, nil
}

func (s *Store) handleAuthEvent(ev baas.AuthChangeEvent) {
	s.logger.Debug().Str("event", string(ev.Event)).Msg("provider auth event")

	switch ev.Event {
	case baas.EventSignedIn:
		if ev.Session == nil {
			return
		}
		s.applySignedIn(ev.Session, false)

	case baas.EventSignedOut:
		s.mu.RLock()
		userInitiated := s.state.SigningOut
		s.mu.RUnlock()
		s.clear(userInitiated)

	case baas.EventTokenRefreshed:
		if ev.Session == nil {
			return
		}
		s.transition(func(st *State) (Event, bool) {
			if st.Status != StatusAuthenticated {
				return nil, false
			}
			sess := *ev.Session
			if sess.User.ID == "" && st.Session != nil {
				sess.User = st.Session.User
			}
			st.Session = &sess
			return TokenRefreshed{Session: &sess}, true
		})

	case baas.EventUserUpdated:
		if ev.Session == nil {
			return
		}
		s.transition(func(st *State) (Event, bool) {
			if st.Status != StatusAuthenticated || st.Session == nil {
				return nil, false
			}
			sess := *st.Session
			u := ev.Session.User
			sess.User = u
			st.Session = &sess
			return UserUpdated{User: &u}, true
		})
	}
}

// applySignedIn makes sess current and starts role resolution for it.
func (s *Store) applySignedIn(sess *baas.Session, fromStartup bool) {
	cp := *sess
	var gen uint64
	userID := cp.User.ID

	s.transition(func(st *State) (Event, bool) {
		if fromStartup && st.Status != StatusInitializing {
			// a provider event already settled the state
			return nil, false
		}
		if st.SigningOut {
			s.logger.Debug().Msg("ignoring sign-in during sign-out")
			return nil, false
		}
		s.generation++
		gen = s.generation
		*st = State{
			Status:       StatusAuthenticated,
			Session:      &cp,
			Roles:        role.Empty(),
			RolesLoading: true,
		}
		return SignedIn{Session: &cp}, true
	})
	if gen == 0 {
		return
	}

	// A callback already running when Close unsubscribes can still land
	// here, so Add and closed are checked under the same lock Close takes.
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rs := s.resolveRoles(s.ctx, userID)
		s.applyRoles(gen, userID, rs)
	}()
}

// applyRoles stores rs unless a newer session change or resolution started
// after gen.
func (s *Store) applyRoles(gen uint64, userID string, rs role.RoleSet) {
	s.transition(func(st *State) (Event, bool) {
		if s.generation != gen || st.Status != StatusAuthenticated {
			s.logger.Debug().Str("user_id", userID).Msg("discarding stale role resolution")
			return nil, false
		}
		st.Roles = rs
		st.RolesLoading = false
		return RolesResolved{UserID: userID, Roles: rs}, true
	})
}

func (s *Store) clear(userInitiated bool) {
	s.transition(func(st *State) (Event, bool) {
		s.generation++
		if st.Status == StatusAnonymous {
			return nil, false
		}
		signingOut := st.SigningOut
		*st = anonymous()
		st.SigningOut = signingOut
		return SignedOut{UserInitiated: userInitiated}, true
	})
}

// transition applies fn to the state and publishes the event it returns.
// Publishing under transitionMu keeps the event order equal to the order of
// the state changes.
func (s *Store) transition(fn func(st *State) (Event, bool)) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	before := s.state.Status
	ev, publish := fn(&s.state)
	after := s.state.Status
	s.mu.Unlock()

	if before != after {
		s.recorder.RecordStateChange(string(after))
		s.logger.Info().Str("from", string(before)).Str("to", string(after)).Msg("session state changed")
	}
	if publish {
		s.events.Publish(ev)
	}
}

// resolveRoles resolves once and retries once on error. A second failure,
// or a panic in the resolver, yields the empty set.
func (s *Store) resolveRoles(ctx context.Context, userID string) role.RoleSet {
	if userID == "" {
		return role.Empty()
	}
	rs, err := s.resolveOnce(ctx, userID)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("role resolution failed, retrying once")
		rs, err = s.resolveOnce(ctx, userID)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("role resolution failed, treating roles as pending")
		return role.Empty()
	}
	return rs
}

func (s *Store) resolveOnce(ctx context.Context, userID string) (rs role.RoleSet, err error) {
	defer func() {
		if p := recover(); p != nil {
			rs, err = role.Empty(), fmt.Errorf("role resolution panicked: %v", p)
		}
	}()
	return s.resolver.Resolve(ctx, userID)
}

func roleNames(rs role.RoleSet) []string {
	out := make([]string, len(rs.Roles))
	for i, r := range rs.Roles {
		out[i] = string(r)
	}
	return out
}
