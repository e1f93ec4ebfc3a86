package fallback

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRace_FetchWins(t *testing.T) {
	val, timedOut, err := Race(context.Background(), time.Second, func(context.Context) (string, error) {
		return "fresh", nil
	}, "default")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if timedOut {
		t.Error("expected no timeout")
	}
	if val != "fresh" {
		t.Errorf("expected fresh, got %s", val)
	}
}

func TestRace_FetchErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	_, timedOut, err := Race(context.Background(), time.Second, func(context.Context) (int, error) {
		return 0, boom
	}, 7)

	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if timedOut {
		t.Error("expected no timeout")
	}
}

func TestRace_TimeoutReturnsDefault(t *testing.T) {
	start := time.Now()
	val, timedOut, err := Race(context.Background(), 20*time.Millisecond, func(ctx context.Context) (string, error) {
		select {} // never returns
	}, "default")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !timedOut {
		t.Error("expected timeout")
	}
	if val != "default" {
		t.Errorf("expected default, got %s", val)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("race took too long: %v", elapsed)
	}
}

func TestRace_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, timedOut, err := Race(ctx, time.Second, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return "", ctx.Err()
	}, "default")

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if timedOut {
		t.Error("expected no timeout on cancellation")
	}
}
