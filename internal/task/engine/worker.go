package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"dispatchd/internal/eventbus"
	logx "dispatchd/pkg/logx"
)

// worker pulls eligible tasks until stop. It returns true when retired by a
// pool shrink.
func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, idx int) bool {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		if s.retire(idx) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-stopCh:
			return false
		default:
		}

		qt, ok := s.q.next(ctx, stopCh)
		if !ok {
			return false
		}
		s.process(ctx, qt, rng)
	}
}

// process runs one claimed task. If anything outside Run panics before the
// task is settled, the task goes back to the queue.
func (s *Service) process(ctx context.Context, qt *queuedTask, rng *rand.Rand) {
	settled := false
	s.inFlight.Add(1)
	defer func() {
		s.inFlight.Add(-1)
		if settled {
			return
		}
		r := recover()
		qt.lastErr = fmt.Errorf("worker crashed: %v", r)
		s.log.Error("worker crashed; task requeued", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Any("panic", r))
		qt.runAt = time.Now()
		s.q.push(qt)
		if r != nil {
			panic(r)
		}
	}()

	start := time.Now()
	queueDelay := max(start.Sub(qt.runAt), 0)

	if qt.task.Skip != nil && qt.task.Skip() {
		settled = true
		s.pending.Add(-1)
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Attempts: qt.attempts, Error: "cancelled"})
		s.finish(ctx, qt, Outcome{Attempts: qt.attempts, Cancelled: true})
		return
	}

	qt.attempts++
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Attempts: qt.attempts}})

	err := s.runOnce(ctx, qt)
	dur := time.Since(start)

	if err != nil && !IsNoRetry(err) && qt.attempts <= qt.opt.RetryMax && ctx.Err() == nil {
		delay := backoffDelayWithHint(qt.opt, qt.attempts, err, rng)
		qt.lastErr = err
		qt.runAt = time.Now().Add(delay)
		settled = true
		s.retried.Add(1)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Int("attempt", qt.attempts+1), logx.Duration("delay", delay), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskRetry, Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, Attempts: qt.attempts, Error: err.Error()}})
		s.q.push(qt)
		return
	}

	settled = true
	s.pending.Add(-1)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: qt.attempts}
	if err != nil {
		err = Unwrap(err)
		item.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", qt.attempts))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: qt.attempts, Error: item.Error}})
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", qt.attempts))
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: qt.attempts}})
	}
	s.record(item)
	s.finish(ctx, qt, Outcome{Err: err, Attempts: qt.attempts})
}

// runOnce executes one attempt; a panic becomes a retryable error so one bad
// task can't kill a worker.
func (s *Service) runOnce(ctx context.Context, qt *queuedTask) (err error) {
	runCtx := ctx
	if qt.task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.task.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return backoffDelay(opt, retry, rng)
	}
	d := min(max(ra.RetryAfter(), 0), opt.RetryMaxDelay)
	return jitter(d, opt, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
			break
		}
	}
	return jitter(d, opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
