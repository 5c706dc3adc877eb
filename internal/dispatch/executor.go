// Package dispatch executes one send job: load the profile and template,
// render, wait for a rate token, send, and record exactly one log entry for
// the job's terminal outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatchd/internal/channel"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/model"
	"dispatchd/internal/render"
	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

// Store is the read side the executor needs plus the log sink.
type Store interface {
	GetProfile(ctx context.Context, id int64) (model.Profile, error)
	GetTemplate(ctx context.Context, id int64) (model.Template, error)
	AppendLog(ctx context.Context, e model.LogEntry) (model.LogEntry, error)
}

type Limiter interface {
	Acquire(ctx context.Context, scope model.RateScope) error
	ScopeFor(ch model.Platform, profileID int64) model.RateScope
}

type Adapters interface {
	For(p model.Platform) (channel.Adapter, error)
}

const logWriteTimeout = 10 * time.Second

type Executor struct {
	store    Store
	limiter  Limiter
	adapters Adapters
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

func New(store Store, limiter Limiter, adapters Adapters, bus eventbus.Bus, log logx.Logger) *Executor {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		store:    store,
		limiter:  limiter,
		adapters: adapters,
		bus:      bus,
		log:      log.With(logx.String("comp", "dispatch")),
		now:      time.Now,
	}
}

// Attempt performs one send. The returned error is unclassified; see
// Classify.
func (e *Executor) Attempt(ctx context.Context, job model.Job) error {
	p, err := e.store.GetProfile(ctx, job.ProfileID)
	if err != nil {
		return err
	}
	t, err := e.store.GetTemplate(ctx, job.TemplateID)
	if err != nil {
		return err
	}

	msg := channel.Message{
		ProfileID:   p.ID,
		Recipient:   job.Recipient,
		Body:        render.Render(t.Body, job.Vars),
		Credentials: p.Credentials,
		Proxy:       p.Proxy,
	}
	if p.Platform == model.PlatformEmail {
		msg.Subject = render.Render(t.Subject, job.Vars)
	}

	scope := job.Scope
	if scope.Key == "" {
		scope = e.limiter.ScopeFor(p.Platform, p.ID)
	}
	if err := e.limiter.Acquire(ctx, scope); err != nil {
		return err
	}

	a, err := e.adapters.For(p.Platform)
	if err != nil {
		return err
	}
	err = a.Send(ctx, msg)
	if err != nil && channel.KindOf(err) == channel.KindAuthExpired {
		e.log.Warn("session rejected by platform", logx.Int64("profile_id", p.ID), logx.Err(err))
		e.bus.Publish(eventbus.Event{Type: eventbus.SessionExpired, Data: eventbus.SessionEvent{ProfileID: p.ID, Reason: err.Error()}})
	}
	return err
}

// Classify maps an Attempt error onto the pool's retry semantics.
// Lookup misses, validation failures and permanent or auth-expired adapter
// errors are never retried; rate-limit refusals and everything else are.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case model.IsNotFound(err), model.IsValidation(err), errors.Is(err, model.ErrCorruptCredentials):
		return engine.NoRetry(err)
	case errors.Is(err, model.ErrRateLimitTimeout), errors.Is(err, model.ErrRateLimitUnavailable):
		return err
	}
	switch channel.KindOf(err) {
	case channel.KindPermanent, channel.KindAuthExpired:
		return engine.NoRetry(err)
	default:
		return err
	}
}

// Finish appends the job's single log entry and announces it on the bus.
// The write survives cancellation of ctx.
func (e *Executor) Finish(ctx context.Context, job model.Job, status model.LogStatus, cause error) (model.LogEntry, error) {
	entry := model.LogEntry{
		ProfileID:  job.ProfileID,
		CampaignID: job.CampaignID,
		JobID:      job.ID,
		Recipient:  job.Recipient,
		Action:     actionFor(job, cause),
		Status:     status,
		Timestamp:  e.now(),
	}
	if status != model.StatusSuccess && cause != nil {
		entry.Detail = engine.Unwrap(cause).Error()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
	defer cancel()
	saved, err := e.store.AppendLog(wctx, entry)
	if err != nil {
		e.log.Error("append log failed",
			logx.String("job_id", job.ID),
			logx.String("status", string(status)),
			logx.Err(err),
		)
		return entry, fmt.Errorf("append log: %w", err)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.DispatchLogged, Data: saved})
	return saved, nil
}

func actionFor(job model.Job, cause error) string {
	if errors.Is(cause, model.ErrProfileNotFound) || job.Scope.Channel == "" {
		return model.ActionSend
	}
	return model.SendAction(job.Scope.Channel)
}

// Execute runs a single attempt and records it, without the pool's retries.
func (e *Executor) Execute(ctx context.Context, job model.Job) (model.LogEntry, error) {
	err := e.Attempt(ctx, job)
	status := model.StatusSuccess
	if err != nil {
		status = model.StatusError
	}
	entry, lerr := e.Finish(ctx, job, status, err)
	if lerr != nil {
		return entry, lerr
	}
	return entry, err
}

// Task binds job to the worker pool. skip reports campaign cancellation;
// done, when set, observes the recorded entry.
func (e *Executor) Task(job model.Job, skip func() bool, done func(model.LogEntry)) engine.Task {
	return engine.Task{
		ID:    job.ID,
		Name:  "send",
		RunAt: job.ScheduledAt,
		Run: func(ctx context.Context) error {
			return Classify(e.Attempt(ctx, job))
		},
		Skip: skip,
		Done: func(ctx context.Context, o engine.Outcome) {
			status, cause := outcomeStatus(o)
			entry, _ := e.Finish(ctx, job, status, cause)
			if status == model.StatusError {
				e.log.Warn("job failed",
					logx.String("job_id", job.ID),
					logx.String("campaign_id", job.CampaignID),
					logx.Int("attempts", o.Attempts),
					logx.Err(cause),
				)
			}
			if done != nil {
				done(entry)
			}
		},
	}
}

var (
	errCampaignStopped = errors.New("campaign stopped")
	errShutdown        = errors.New("dispatcher shutting down")
)

// outcomeStatus maps a pool outcome to the log status. Jobs the pool dropped
// at shutdown were never sent, so they are logged as cancelled.
func outcomeStatus(o engine.Outcome) (model.LogStatus, error) {
	switch {
	case o.Cancelled:
		return model.StatusCancelled, errCampaignStopped
	case o.Dropped:
		return model.StatusCancelled, errShutdown
	case o.Err != nil:
		return model.StatusError, o.Err
	default:
		return model.StatusSuccess, nil
	}
}
