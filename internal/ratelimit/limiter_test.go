package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/model"
)

func TestAcquireBurstThenRefill(t *testing.T) {
	t.Parallel()
	const (
		burst = 2
		rps   = 20.0
		k     = 6
	)
	r := New(Config{Default: Limit{PerSecond: rps, Burst: burst}})
	scope := r.ScopeFor(model.PlatformEmail, 1)

	start := time.Now()
	done := make(chan time.Duration, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Acquire(context.Background(), scope); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			done <- time.Since(start)
		}()
	}
	wg.Wait()
	close(done)

	var last time.Duration
	for d := range done {
		last = max(last, d)
	}
	// (k-burst)/rps = 200ms; allow scheduler slack below.
	want := time.Duration(float64(k-burst) / rps * float64(time.Second))
	if last < want-20*time.Millisecond {
		t.Fatalf("last acquisition after %v, want >= %v", last, want)
	}
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()
	r := New(Config{Default: Limit{PerSecond: 0.1, Burst: 1, WaitTimeout: 50 * time.Millisecond}})
	scope := r.ScopeFor(model.PlatformChat, 9)

	if err := r.Acquire(context.Background(), scope); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	err := r.Acquire(context.Background(), scope)
	if !errors.Is(err, model.ErrRateLimitTimeout) {
		t.Fatalf("second Acquire err = %v, want ErrRateLimitTimeout", err)
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	t.Parallel()
	r := New(Config{Default: Limit{PerSecond: 0.01, Burst: 1}})
	scope := r.ScopeFor(model.PlatformEmail, 3)
	if err := r.Acquire(context.Background(), scope); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- r.Acquire(context.Background(), scope) }()
	time.Sleep(20 * time.Millisecond)
	r.Close(scope)

	select {
	case err := <-errCh:
		if !errors.Is(err, model.ErrRateLimitUnavailable) {
			t.Fatalf("err = %v, want ErrRateLimitUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by Close")
	}
	if err := r.Acquire(context.Background(), scope); !errors.Is(err, model.ErrRateLimitUnavailable) {
		t.Fatalf("Acquire after Close = %v", err)
	}
	other := r.ScopeFor(model.PlatformEmail, 4)
	if err := r.Acquire(context.Background(), other); err != nil {
		t.Fatalf("Acquire on another scope = %v", err)
	}
}

func TestProfileScopesAreIndependent(t *testing.T) {
	t.Parallel()
	r := New(Config{Default: Limit{PerSecond: 0.01, Burst: 1, WaitTimeout: 20 * time.Millisecond}})
	a := r.ScopeFor(model.PlatformEmail, 1)
	b := r.ScopeFor(model.PlatformEmail, 2)
	if a == b {
		t.Fatalf("per-profile scopes collided: %v", a)
	}
	if err := r.Acquire(context.Background(), a); err != nil {
		t.Fatalf("Acquire(a): %v", err)
	}
	if err := r.Acquire(context.Background(), b); err != nil {
		t.Fatalf("Acquire(b) starved by a: %v", err)
	}
}

func TestChannelScopePoolsProfiles(t *testing.T) {
	t.Parallel()
	r := New(Config{
		Scope:    model.ScopeChannel,
		Default:  Limit{PerSecond: 100},
		Channels: map[model.Platform]Limit{model.PlatformChat: {PerSecond: 0.01, Burst: 1, WaitTimeout: 20 * time.Millisecond}},
	})
	a := r.ScopeFor(model.PlatformChat, 1)
	b := r.ScopeFor(model.PlatformChat, 2)
	if a != b {
		t.Fatalf("channel scopes differ: %v vs %v", a, b)
	}
	if err := r.Acquire(context.Background(), a); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := r.Acquire(context.Background(), b); !errors.Is(err, model.ErrRateLimitTimeout) {
		t.Fatalf("pooled Acquire err = %v, want timeout", err)
	}
}

func TestCallerCancel(t *testing.T) {
	t.Parallel()
	r := New(Config{Default: Limit{PerSecond: 0.01, Burst: 1}})
	scope := r.ScopeFor(model.PlatformEmail, 1)
	_ = r.Acquire(context.Background(), scope)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Acquire(ctx, scope); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()
	r := New(Config{})
	scope := r.ScopeFor(model.PlatformEmail, 1)
	if err := r.Acquire(context.Background(), scope); err != nil {
		t.Fatalf("unlimited Acquire: %v", err)
	}
	r.CloseAll()
	if err := r.Acquire(context.Background(), scope); !errors.Is(err, model.ErrRateLimitUnavailable) {
		t.Fatalf("err = %v, want ErrRateLimitUnavailable", err)
	}
}

func TestApplyWhileAcquiring(t *testing.T) {
	t.Parallel()
	r := New(Config{Default: Limit{PerSecond: 1000, Burst: 10, WaitTimeout: time.Second}})
	scope := r.ScopeFor(model.PlatformEmail, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if err := r.Acquire(ctx, scope); err != nil && ctx.Err() == nil && !errors.Is(err, model.ErrRateLimitTimeout) {
				t.Errorf("Acquire: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			r.Apply(Config{Default: Limit{PerSecond: 1000, Burst: 10, WaitTimeout: time.Duration(i%5+1) * 100 * time.Millisecond}})
		}
	}()
	wg.Wait()
}

func TestApplyChangesWaitTimeout(t *testing.T) {
	t.Parallel()
	r := New(Config{Default: Limit{PerSecond: 0.01, Burst: 1, WaitTimeout: time.Minute}})
	scope := r.ScopeFor(model.PlatformEmail, 1)
	if err := r.Acquire(context.Background(), scope); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	r.Apply(Config{Default: Limit{PerSecond: 0.01, Burst: 1, WaitTimeout: 30 * time.Millisecond}})

	start := time.Now()
	err := r.Acquire(context.Background(), scope)
	if !errors.Is(err, model.ErrRateLimitTimeout) {
		t.Fatalf("Acquire after Apply = %v, want ErrRateLimitTimeout", err)
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Fatalf("Acquire took %v, want the applied 30ms timeout", took)
	}
}
