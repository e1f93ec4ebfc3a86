package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/domain/identity"
	"github.com/ehr/portal/internal/domain/role"
)

const (
	// DefaultGraceDelay gives the sign-up trigger time to create the record.
	DefaultGraceDelay = time.Second
	// DefaultPollAttempts of 1 is a single existence check.
	DefaultPollAttempts = 1
	// DefaultPollInterval is the first wait between existence checks.
	DefaultPollInterval = 250 * time.Millisecond
)

// Outcome describes what Ensure did.
type Outcome string

const (
	OutcomeExisted Outcome = "existed"
	OutcomeCreated Outcome = "created"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

var errNotPresent = errors.New("profile not present yet")

// Request identifies the freshly created account and the profile to ensure.
type Request struct {
	UserID    string
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Role      role.Role
}

// Result is returned by Ensure. Err is informational; provisioning failures
// never fail the sign-up that triggered them.
type Result struct {
	Outcome Outcome
	Err     error
}

// Recorder receives provisioning telemetry.
type Recorder interface {
	RecordProvisioning(role, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordProvisioning(string, string) {}

// Guard makes sure a profile record exists after sign-up, covering the case
// where the backend's sign-up trigger is late or missing.
type Guard struct {
	profiles     identity.ProfileRepository
	logger       zerolog.Logger
	recorder     Recorder
	graceDelay   time.Duration
	pollAttempts int
	pollInterval time.Duration
	now          func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithGraceDelay sets the wait before the first existence check.
func WithGraceDelay(d time.Duration) Option {
	return func(g *Guard) { g.graceDelay = d }
}

// WithPollAttempts sets how many existence checks run before inserting.
// Checks after the first are spaced by exponential backoff.
func WithPollAttempts(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.pollAttempts = n
		}
	}
}

// WithPollInterval sets the initial backoff between existence checks.
func WithPollInterval(d time.Duration) Option {
	return func(g *Guard) { g.pollInterval = d }
}

// WithRecorder records provisioning outcomes.
func WithRecorder(rec Recorder) Option {
	return func(g *Guard) { g.recorder = rec }
}

// NewGuard returns a Guard writing through profiles.
func NewGuard(profiles identity.ProfileRepository, logger zerolog.Logger, opts ...Option) *Guard {
	g := &Guard{
		profiles:     profiles,
		logger:       logger.With().Str("component", "provisioning").Logger(),
		recorder:     nopRecorder{},
		graceDelay:   DefaultGraceDelay,
		pollAttempts: DefaultPollAttempts,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Ensure waits the grace delay, checks for the role's profile record and
// inserts the minimum record when it is absent or the check failed. A
// concurrent insert winning the race counts as existed.
func (g *Guard) Ensure(ctx context.Context, req Request) Result {
	res := g.ensure(ctx, req)
	g.recorder.RecordProvisioning(string(req.Role), string(res.Outcome))

	ev := g.logger.Info()
	if res.Err != nil {
		ev = g.logger.Error().Err(res.Err)
	}
	ev.Str("user_id", req.UserID).
		Str("role", string(req.Role)).
		Str("outcome", string(res.Outcome)).
		Msg("profile provisioning finished")
	return res
}

func (g *Guard) ensure(ctx context.Context, req Request) Result {
	if req.UserID == "" {
		return Result{Outcome: OutcomeSkipped, Err: errors.New("user id is required")}
	}
	if !req.Role.Valid() {
		return Result{Outcome: OutcomeSkipped, Err: fmt.Errorf("unknown role %q", req.Role)}
	}

	if err := sleep(ctx, g.graceDelay); err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("grace delay: %w", err)}
	}

	exists, checkErr := g.poll(ctx, req)
	if exists {
		return Result{Outcome: OutcomeExisted}
	}
	if checkErr != nil {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeFailed, Err: checkErr}
		}
		g.logger.Warn().Err(checkErr).Str("user_id", req.UserID).Str("role", string(req.Role)).
			Msg("profile existence check failed, inserting anyway")
	}

	p := identity.NewProfile(req.Role, req.UserID, req.Email, req.FirstName, req.LastName, req.Phone, g.now())
	switch err := g.profiles.CreateMinimal(ctx, p); {
	case err == nil:
		return Result{Outcome: OutcomeCreated}
	case errors.Is(err, identity.ErrDuplicate):
		return Result{Outcome: OutcomeExisted}
	default:
		return Result{Outcome: OutcomeFailed, Err: err}
	}
}

// poll runs up to pollAttempts existence checks. It reports the last check
// error when no check saw the record.
func (g *Guard) poll(ctx context.Context, req Request) (bool, error) {
	var lastErr error
	op := func() error {
		ok, err := g.profiles.Exists(ctx, req.Role, req.UserID)
		switch {
		case err != nil:
			lastErr = err
			return err
		case !ok:
			lastErr = nil
			return errNotPresent
		}
		lastErr = nil
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.pollInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(g.pollAttempts-1)), ctx)

	if err := backoff.Retry(op, b); err != nil {
		if lastErr == nil && ctx.Err() != nil {
			lastErr = ctx.Err()
		}
		return false, lastErr
	}
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
