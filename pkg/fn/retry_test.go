package fn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	opts := RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		attempts++
		if attempts < 3 {
			return Err[int](errors.New("transient"))
		}
		return Ok(99)
	})
	v, err := r.Unwrap()
	if err != nil || v != 99 {
		t.Fatalf("Retry = (%d, %v)", v, err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	opts := RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		attempts++
		return Err[int](errors.New("always"))
	})
	if r.IsOk() {
		t.Fatal("expected failure")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryMultiplier(t *testing.T) {
	var waits []time.Duration
	start := time.Now()
	last := start
	opts := RetryOpts{MaxAttempts: 3, InitialWait: 10 * time.Millisecond, MaxWait: time.Second, Multiplier: 3}
	Retry(context.Background(), opts, func(context.Context) Result[int] {
		now := time.Now()
		waits = append(waits, now.Sub(last))
		last = now
		return Err[int](errors.New("x"))
	})
	if len(waits) != 3 {
		t.Fatalf("attempts = %d, want 3", len(waits))
	}
	// Second wait should be roughly 3x the first (10ms then 30ms).
	if waits[2] < 25*time.Millisecond {
		t.Errorf("third attempt came after %v, want >= 30ms backoff", waits[2])
	}
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("not found")
	attempts := 0
	opts := RetryOpts{MaxAttempts: 5, InitialWait: time.Millisecond}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		attempts++
		return Err[int](Permanent(sentinel))
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	_, err := r.Unwrap()
	if !errors.Is(err, sentinel) {
		t.Errorf("error should unwrap to sentinel, got %v", err)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	opts := RetryOpts{MaxAttempts: 5, InitialWait: 50 * time.Millisecond}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	r := Retry(ctx, opts, func(context.Context) Result[int] {
		attempts++
		return Err[int](errors.New("x"))
	})
	_, err := r.Unwrap()
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if attempts >= 5 {
		t.Error("cancellation should cut the retry loop short")
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if IsPermanent(errors.New("plain")) {
		t.Error("plain error should not be permanent")
	}
}
