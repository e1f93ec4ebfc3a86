package lockout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrLocked is matched by errors.Is for a *LockedError.
var ErrLocked = errors.New("too many failed sign-in attempts")

// LockedError carries when the lock on an identifier lifts.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s, try again after %s", ErrLocked.Error(), e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// Config controls when an identifier locks.
type Config struct {
	MaxAttempts  int
	Window       time.Duration
	LockDuration time.Duration
}

// DefaultConfig locks for 15 minutes after 5 failures in 15 minutes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		Window:       15 * time.Minute,
		LockDuration: 15 * time.Minute,
	}
}

// Store persists failure counters and locks.
type Store interface {
	// IncrFailures adds one failure for key and returns the count within the
	// current window. The window starts at the first failure.
	IncrFailures(ctx context.Context, key string, window time.Duration) (int, error)
	Lock(ctx context.Context, key string, until time.Time) error
	LockedUntil(ctx context.Context, key string) (time.Time, bool, error)
	// ResetFailures zeroes the failure count and leaves any lock in place.
	ResetFailures(ctx context.Context, key string) error
	Clear(ctx context.Context, key string) error
}

// Recorder receives lockout telemetry.
type Recorder interface {
	RecordLockout()
	RecordLoginFailure()
}

type nopRecorder struct{}

func (nopRecorder) RecordLockout()      {}
func (nopRecorder) RecordLoginFailure() {}

// Tracker counts failed sign-ins per identifier and hard-locks an identifier
// after MaxAttempts failures inside Window.
type Tracker struct {
	store    Store
	cfg      Config
	logger   zerolog.Logger
	recorder Recorder
	now      func() time.Time
}

type Option func(*Tracker)

func WithRecorder(rec Recorder) Option {
	return func(t *Tracker) { t.recorder = rec }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker returns a Tracker; zero Config fields take DefaultConfig values.
func NewTracker(store Store, cfg Config, logger zerolog.Logger, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = def.LockDuration
	}
	t := &Tracker{
		store:    store,
		cfg:      cfg,
		logger:   logger.With().Str("component", "lockout").Logger(),
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Check returns a *LockedError while identifier is locked.
func (t *Tracker) Check(ctx context.Context, identifier string) error {
	until, locked, err := t.store.LockedUntil(ctx, key(identifier))
	if err != nil {
		return fmt.Errorf("check lockout: %w", err)
	}
	if locked && t.now().Before(until) {
		return &LockedError{Until: until}
	}
	return nil
}

// RecordFailure counts a failed attempt and locks the identifier once the
// limit is reached. It reports whether this failure caused the lock.
func (t *Tracker) RecordFailure(ctx context.Context, identifier string) (bool, error) {
	k := key(identifier)
	t.recorder.RecordLoginFailure()

	n, err := t.store.IncrFailures(ctx, k, t.cfg.Window)
	if err != nil {
		return false, fmt.Errorf("record failure: %w", err)
	}
	if n < t.cfg.MaxAttempts {
		return false, nil
	}

	until := t.now().Add(t.cfg.LockDuration)
	if err := t.store.Lock(ctx, k, until); err != nil {
		return false, fmt.Errorf("lock identifier: %w", err)
	}
	// The lock replaces the count; an expired lock starts from zero.
	if err := t.store.ResetFailures(ctx, k); err != nil {
		return true, fmt.Errorf("reset failures: %w", err)
	}
	t.recorder.RecordLockout()
	t.logger.Warn().Str("identifier", identifier).Int("failures", n).Time("locked_until", until).Msg("sign-in locked")
	return true, nil
}

// Reset clears failures and any lock after a successful sign-in.
func (t *Tracker) Reset(ctx context.Context, identifier string) error {
	if err := t.store.Clear(ctx, key(identifier)); err != nil {
		return fmt.Errorf("reset lockout: %w", err)
	}
	return nil
}

func key(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
