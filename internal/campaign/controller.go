// Package campaign validates campaigns, expands them into independently
// delayed send jobs and hands those to the dispatch pool.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/model"
	"dispatchd/internal/render"
	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

var ErrNotFound = errors.New("campaign not found")

type Config struct {
	// MaxRecipients caps one campaign; 0 means 10000.
	MaxRecipients int
	// StrictPlaceholders rejects recipients whose variables leave a template
	// placeholder unresolved.
	StrictPlaceholders bool
}

func (c Config) withDefaults() Config {
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = 10_000
	}
	return c
}

type Request struct {
	ProfileID  int64
	TemplateID int64
	Recipients []model.Recipient
	MinDelay   time.Duration
	MaxDelay   time.Duration
}

type Store interface {
	GetProfile(ctx context.Context, id int64) (model.Profile, error)
	GetTemplate(ctx context.Context, id int64) (model.Template, error)
}

type Pool interface {
	Submit(t engine.Task) error
}

type Scoper interface {
	ScopeFor(ch model.Platform, profileID int64) model.RateScope
}

// Executor turns jobs into pool tasks and records jobs that never reach the
// pool.
type Executor interface {
	Task(job model.Job, skip func() bool, done func(model.LogEntry)) engine.Task
	Finish(ctx context.Context, job model.Job, status model.LogStatus, cause error) (model.LogEntry, error)
}

type Controller struct {
	store  Store
	pool   Pool
	exec   Executor
	scopes Scoper
	log    logx.Logger
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	rng     *rand.Rand
	handles map[string]*Handle
}

func New(cfg Config, store Store, pool Pool, exec Executor, scopes Scoper, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		store:   store,
		pool:    pool,
		exec:    exec,
		scopes:  scopes,
		log:     log.With(logx.String("comp", "campaign")),
		now:     time.Now,
		cfg:     cfg.withDefaults(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		handles: map[string]*Handle{},
	}
}

func (c *Controller) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Controller) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) validate(cfg Config, req Request) error {
	switch {
	case len(req.Recipients) == 0:
		return model.Invalid("recipients", "at least one recipient is required")
	case len(req.Recipients) > cfg.MaxRecipients:
		return model.Invalid("recipients", "%d recipients exceeds the limit of %d", len(req.Recipients), cfg.MaxRecipients)
	case req.MinDelay < 0:
		return model.Invalid("min_delay_ms", "must be >= 0")
	case req.MaxDelay < req.MinDelay:
		return model.Invalid("max_delay_ms", "must be >= min_delay_ms")
	}
	for i, r := range req.Recipients {
		if strings.TrimSpace(r.ID) == "" {
			return model.Invalid(fmt.Sprintf("recipients[%d].id", i), "required")
		}
	}
	return nil
}

func (c *Controller) checkPlaceholders(ctx context.Context, req Request) error {
	t, err := c.store.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return err
	}
	for i, r := range req.Recipients {
		if missing := render.Missing(r.Vars, t.Subject, t.Body); len(missing) > 0 {
			return model.Invalid(fmt.Sprintf("recipients[%d].variables", i), "missing %s", strings.Join(missing, ", "))
		}
	}
	return nil
}

// delays draws one independent delay per job, uniform over [min, max].
func (c *Controller) delays(n int, lo, hi time.Duration) []time.Duration {
	out := make([]time.Duration, n)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range out {
		d := lo
		if span := int64(hi - lo); span > 0 {
			d += time.Duration(c.rng.Int63n(span + 1))
		}
		out[i] = d
	}
	return out
}

// StartCampaign validates req and enqueues one job per recipient. Nothing is
// enqueued when validation fails.
func (c *Controller) StartCampaign(ctx context.Context, req Request) (*Handle, error) {
	cfg := c.config()
	if err := c.validate(cfg, req); err != nil {
		return nil, err
	}
	p, err := c.store.GetProfile(ctx, req.ProfileID)
	if err != nil {
		return nil, err
	}
	if cfg.StrictPlaceholders {
		if err := c.checkPlaceholders(ctx, req); err != nil {
			return nil, err
		}
	}

	now := c.now()
	h := &Handle{
		ID:         uuid.NewString(),
		ProfileID:  p.ID,
		TemplateID: req.TemplateID,
		StartedAt:  now,
		total:      len(req.Recipients),
	}
	scope := c.scopes.ScopeFor(p.Platform, p.ID)
	delays := c.delays(len(req.Recipients), req.MinDelay, req.MaxDelay)

	jobs := make([]model.Job, len(req.Recipients))
	for i, r := range req.Recipients {
		jobs[i] = model.Job{
			ID:          uuid.NewString(),
			CampaignID:  h.ID,
			ProfileID:   p.ID,
			TemplateID:  req.TemplateID,
			Recipient:   strings.TrimSpace(r.ID),
			Vars:        r.Vars,
			ScheduledAt: now.Add(delays[i]),
			Scope:       scope,
		}
	}

	c.mu.Lock()
	c.handles[h.ID] = h
	c.mu.Unlock()

	done := func(e model.LogEntry) {
		if h.record(e.Status) {
			c.forget(h)
		}
	}
	for i, job := range jobs {
		if err := c.pool.Submit(c.exec.Task(job, h.Stopped, done)); err != nil {
			c.abort(ctx, h, jobs[i:], err)
			return nil, fmt.Errorf("enqueue campaign: %w", err)
		}
	}

	c.log.Info("campaign started",
		logx.String("campaign_id", h.ID),
		logx.Int64("profile_id", p.ID),
		logx.Int("jobs", len(jobs)),
		logx.Duration("min_delay", req.MinDelay),
		logx.Duration("max_delay", req.MaxDelay),
	)
	return h, nil
}

// abort stops a partially enqueued campaign: queued jobs will be skipped and
// jobs that never reached the pool are logged here.
func (c *Controller) abort(ctx context.Context, h *Handle, rest []model.Job, cause error) {
	h.stopped.Store(true)
	c.log.Error("campaign enqueue failed",
		logx.String("campaign_id", h.ID),
		logx.Int("unqueued", len(rest)),
		logx.Err(cause),
	)
	for _, job := range rest {
		_, _ = c.exec.Finish(ctx, job, model.StatusError, cause)
		if h.record(model.StatusError) {
			c.forget(h)
		}
	}
}

func (c *Controller) forget(h *Handle) {
	c.mu.Lock()
	delete(c.handles, h.ID)
	c.mu.Unlock()
	st := h.Status()
	c.log.Info("campaign finished",
		logx.String("campaign_id", h.ID),
		logx.Int("succeeded", st.Succeeded),
		logx.Int("failed", st.Failed),
		logx.Int("cancelled", st.Cancelled),
	)
}

// Stop raises the cancel flag. Jobs not yet picked up are logged cancelled;
// sends already in flight finish.
func (c *Controller) Stop(h *Handle) {
	if h.stopped.CompareAndSwap(false, true) {
		c.log.Info("campaign stop requested", logx.String("campaign_id", h.ID))
	}
}

func (c *Controller) StopByID(id string) (Status, error) {
	h, err := c.handle(id)
	if err != nil {
		return Status{}, err
	}
	c.Stop(h)
	return h.Status(), nil
}

func (c *Controller) Status(id string) (Status, error) {
	h, err := c.handle(id)
	if err != nil {
		return Status{}, err
	}
	return h.Status(), nil
}

// Active lists campaigns that still have pending jobs.
func (c *Controller) Active() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.handles))
	for _, h := range c.handles {
		out = append(out, h.Status())
	}
	return out
}

func (c *Controller) handle(id string) (*Handle, error) {
	c.mu.Lock()
	h, ok := c.handles[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h, nil
}
