package role

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/portal/pkg/fallback"
)

// DefaultTimeout bounds a full resolution.
const DefaultTimeout = 10 * time.Second

// ErrNoUser is returned when Resolve is called without a user id.
var ErrNoUser = errors.New("role: user id is required")

// Recorder receives resolution telemetry.
type Recorder interface {
	RecordTier(tier, outcome string)
	ObserveResolve(d time.Duration, timedOut bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordTier(string, string)          {}
func (nopRecorder) ObserveResolve(time.Duration, bool) {}

// Resolver computes a user's RoleSet by trying strategies in order.
type Resolver struct {
	strategies []Strategy
	timeout    time.Duration
	logger     zerolog.Logger
	recorder   Recorder
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout bounds a whole resolution, all strategies included.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithRecorder records resolution latency and per-strategy outcomes.
func WithRecorder(rec Recorder) Option {
	return func(r *Resolver) { r.recorder = rec }
}

// NewResolver returns a Resolver trying strategies in the given order.
func NewResolver(strategies []Strategy, logger zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		strategies: strategies,
		timeout:    DefaultTimeout,
		logger:     logger.With().Str("component", "role-resolver").Logger(),
		recorder:   nopRecorder{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the first non-error tier result verbatim, even when it
// holds no roles. Tier failures are logged and never returned; when every
// tier fails, or the timeout fires first, the result is the empty set.
// The only errors are ErrNoUser and cancellation of ctx.
func (r *Resolver) Resolve(ctx context.Context, userID string) (RoleSet, error) {
	if userID == "" {
		return RoleSet{}, ErrNoUser
	}

	start := time.Now()
	rs, timedOut, err := fallback.Race(ctx, r.timeout, func(ctx context.Context) (RoleSet, error) {
		return r.resolveTiers(ctx, userID), nil
	}, Empty())
	r.recorder.ObserveResolve(time.Since(start), timedOut)

	if err != nil {
		return Empty(), err
	}
	if timedOut {
		r.logger.Warn().Str("user_id", userID).Dur("timeout", r.timeout).Msg("role resolution timed out")
	}
	return rs, nil
}

func (r *Resolver) resolveTiers(ctx context.Context, userID string) RoleSet {
	var errs []error
	for _, s := range r.strategies {
		rs, err := s.Resolve(ctx, userID)
		if err == nil {
			r.recorder.RecordTier(s.Name(), "ok")
			if len(errs) > 0 {
				r.logger.Debug().Err(errors.Join(errs...)).Str("user_id", userID).Str("tier", s.Name()).Msg("roles resolved after tier failures")
			}
			return rs
		}
		r.recorder.RecordTier(s.Name(), "error")
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}

	r.logger.Error().Err(errors.Join(errs...)).Str("user_id", userID).Msg("all role resolution tiers failed")
	return Empty()
}
