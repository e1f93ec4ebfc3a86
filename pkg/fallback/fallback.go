// Package fallback bounds slow lookups: a fetch races a deadline and the
// caller gets a default value instead of waiting indefinitely.
package fallback

import (
	"context"
	"time"
)

type result[T any] struct {
	val T
	err error
}

// Race runs fetch with a derived context that expires after timeout. If the
// fetch finishes first its value and error are returned. If the timeout
// fires first, def is returned with timedOut set and a nil error. If the
// parent ctx is cancelled first, def and ctx.Err() are returned.
//
// fetch keeps running in the background after a timeout until it observes
// its context; its late result is discarded.
func Race[T any](ctx context.Context, timeout time.Duration, fetch func(context.Context) (T, error), def T) (val T, timedOut bool, err error) {
	fctx, cancel := context.WithTimeout(ctx, timeout)

	ch := make(chan result[T], 1)
	go func() {
		defer cancel()
		v, err := fetch(fctx)
		ch <- result[T]{val: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.val, false, r.err
	case <-timer.C:
		cancel()
		return def, true, nil
	case <-ctx.Done():
		cancel()
		return def, false, ctx.Err()
	}
}
