// Package ratelimit bounds dispatch throughput with one token bucket per
// scope. Scopes are per profile unless pooled per channel.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dispatchd/internal/model"
)

// Limit configures one bucket. PerSecond <= 0 means unlimited.
type Limit struct {
	PerSecond   float64
	Burst       int
	WaitTimeout time.Duration
}

type Config struct {
	// Scope is the default scope kind chosen at campaign submission.
	Scope    model.ScopeKind
	Default  Limit
	Channels map[model.Platform]Limit
}

func (c Config) limitFor(ch model.Platform) Limit {
	l, ok := c.Channels[ch]
	if !ok {
		l = c.Default
	}
	if l.Burst <= 0 {
		l.Burst = 1
	}
	return l
}

func (l Limit) rate() rate.Limit {
	if l.PerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(l.PerSecond)
}

type bucket struct {
	lim     *rate.Limiter
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// Registry owns every scope's bucket. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[model.RateScope]*bucket
	closed  map[model.RateScope]bool
	shut    bool
}

func New(cfg Config) *Registry {
	if cfg.Scope == "" {
		cfg.Scope = model.ScopeProfile
	}
	return &Registry{
		cfg:     cfg,
		buckets: map[model.RateScope]*bucket{},
		closed:  map[model.RateScope]bool{},
	}
}

// ScopeFor picks the bucket a job of this profile draws from.
func (r *Registry) ScopeFor(ch model.Platform, profileID int64) model.RateScope {
	r.mu.Lock()
	kind := r.cfg.Scope
	r.mu.Unlock()
	if kind == model.ScopeChannel {
		return model.RateScope{Kind: model.ScopeChannel, Channel: ch, Key: string(ch)}
	}
	return model.RateScope{Kind: model.ScopeProfile, Channel: ch, Key: strconv.FormatInt(profileID, 10)}
}

// get returns scope's bucket and its wait timeout as of this call. Apply
// rewrites timeout under r.mu, so callers must not read b.timeout directly.
func (r *Registry) get(scope model.RateScope) (*bucket, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shut || r.closed[scope] {
		return nil, 0, model.ErrRateLimitUnavailable
	}
	b := r.buckets[scope]
	if b == nil {
		l := r.cfg.limitFor(scope.Channel)
		ctx, cancel := context.WithCancel(context.Background())
		b = &bucket{lim: rate.NewLimiter(l.rate(), l.Burst), timeout: l.WaitTimeout, ctx: ctx, cancel: cancel}
		r.buckets[scope] = b
	}
	return b, b.timeout, nil
}

// Acquire blocks until scope grants a token.
//
// It fails with ErrRateLimitTimeout when the scope's wait timeout elapses (or
// cannot possibly be met), with ErrRateLimitUnavailable once the scope is
// closed, and with ctx.Err() when the caller gives up.
func (r *Registry) Acquire(ctx context.Context, scope model.RateScope) error {
	b, timeout, err := r.get(scope)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if timeout > 0 {
		var tcancel context.CancelFunc
		wctx, tcancel = context.WithTimeout(wctx, timeout)
		defer tcancel()
	}
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	err = b.lim.Wait(wctx)
	switch {
	case err == nil:
		return nil
	case b.ctx.Err() != nil:
		return model.ErrRateLimitUnavailable
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %s: %v", model.ErrRateLimitTimeout, scope, err)
	}
}

// Close shuts one scope down and wakes its waiters.
func (r *Registry) Close(scope model.RateScope) {
	r.mu.Lock()
	b := r.buckets[scope]
	delete(r.buckets, scope)
	r.closed[scope] = true
	r.mu.Unlock()
	if b != nil {
		b.cancel()
	}
}

// CloseAll shuts every scope down. Later Acquire calls fail.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.shut = true
	bs := r.buckets
	r.buckets = map[model.RateScope]*bucket{}
	r.mu.Unlock()
	for _, b := range bs {
		b.cancel()
	}
}

// Apply retunes live buckets and the default scope kind.
func (r *Registry) Apply(cfg Config) {
	if cfg.Scope == "" {
		cfg.Scope = model.ScopeProfile
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	for scope, b := range r.buckets {
		l := cfg.limitFor(scope.Channel)
		b.lim.SetLimit(l.rate())
		b.lim.SetBurst(l.Burst)
		b.timeout = l.WaitTimeout
	}
}

// Scopes returns the number of live buckets.
func (r *Registry) Scopes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
