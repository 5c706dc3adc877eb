package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dispatchd/internal/eventbus"
	rtsup "dispatchd/internal/runtime/supervisor"
	logx "dispatchd/pkg/logx"
)

// Service is a bounded worker pool over a delay-ordered queue.
//
// Submitted tasks become eligible at Task.RunAt. Transient failures are
// requeued with exponential backoff instead of holding the worker; a task
// panic counts as a transient failure. Every accepted task reaches Task.Done
// exactly once.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q *taskQueue

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool
	target   int
	alive    map[int]bool

	inFlight atomic.Int32
	pending  atomic.Int64
	idSeq    atomic.Uint64
	retried  atomic.Uint64
	dropped  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "engine"), logx.String("engine", cfg.Name)),
		bus:   bus,
		q:     newTaskQueue(time.Now),
		alive: map[int]bool{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.target = s.cfg.Workers
	s.spawnLocked()
	s.log.Info("task engine started", logx.Int("workers", s.target), logx.Int("max_pending", s.cfg.MaxPending))
}

// spawnLocked starts missing workers with index < target.
func (s *Service) spawnLocked() {
	sup, stopCh := s.sup, s.stopCh
	for i := 0; i < s.target; i++ {
		if s.alive[i] {
			continue
		}
		s.alive[i] = true
		idx := i
		// Restart workers if they panic or exit unexpectedly; a nil return
		// means the pool shrank or is stopping.
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			if s.worker(c, stopCh, idx) {
				return nil
			}
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// retire reports whether worker idx is beyond the current target and, if so,
// forgets it.
func (s *Service) retire(idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < s.target {
		return false
	}
	delete(s.alive, idx)
	return true
}

// Apply retunes retry defaults and resizes the pool without touching queued
// work.
func (s *Service) Apply(cfg Config) {
	cfg.Name = s.cfg.Name
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.stopCh == nil || s.stopping || prev.Workers == cfg.Workers {
		return
	}
	s.target = cfg.Workers
	s.spawnLocked()
	s.q.mu.Lock()
	s.q.signalLocked()
	s.q.mu.Unlock()
	s.log.Info("task engine resized", logx.Int("workers", cfg.Workers), logx.Int("prev", prev.Workers))
}

// Stop lets in-flight tasks finish until ctx ends, then reports every task
// still queued to Done with Dropped set.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out; cancelling in-flight tasks", logx.Err(err))
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}
	sup.Cancel()

	for _, qt := range s.q.drain() {
		s.pending.Add(-1)
		s.dropped.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Attempts: qt.attempts, Error: ErrStopped.Error()}})
		s.finish(context.Background(), qt, Outcome{Err: ErrStopped, Attempts: qt.attempts, Dropped: true})
	}

	s.mu.Lock()
	s.stopCh = nil
	s.sup = nil
	s.stopping = false
	s.alive = map[int]bool{}
	s.mu.Unlock()
	s.log.Info("task engine stopped")
}

// Submit queues t for execution at t.RunAt (immediately when zero). It never
// blocks; Done is only called for tasks Submit accepted.
func (s *Service) Submit(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}

	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil
	stopping := s.stopping
	s.mu.Unlock()

	switch {
	case !running:
		return ErrStopped
	case stopping:
		return ErrStopping
	}
	if s.pending.Add(1) > int64(cfg.MaxPending) {
		s.pending.Add(-1)
		return ErrQueueFull
	}

	now := time.Now()
	if t.ID == "" {
		t.ID = s.newTaskID(now)
	}
	if t.RunAt.IsZero() {
		t.RunAt = now
	}
	if t.Timeout <= 0 {
		t.Timeout = cfg.DefaultTimeout
	}
	s.q.push(&queuedTask{task: t, opt: t.Opt.withDefaults(cfg), runAt: t.RunAt, enqueuedAt: now})
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil
	workers := len(s.alive)
	s.mu.Unlock()

	delayed, ready := s.q.len()
	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	return Snapshot{
		Name:     cfg.Name,
		Running:  running,
		Workers:  workers,
		Delayed:  delayed,
		Ready:    ready,
		InFlight: int(s.inFlight.Load()),
		Retried:  s.retried.Load(),
		Dropped:  s.dropped.Load(),
		History:  h,
	}
}

func (s *Service) newTaskID(now time.Time) string {
	return fmt.Sprintf("%s-%x-%x", s.cfg.Name, now.UnixNano(), s.idSeq.Add(1))
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

// finish calls Done at most once per task and never lets it panic a worker.
func (s *Service) finish(ctx context.Context, qt *queuedTask, o Outcome) {
	if qt.done {
		return
	}
	qt.done = true
	if qt.task.Done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task done hook panicked", logx.String("task", qt.task.Name), logx.String("id", qt.task.ID), logx.Any("panic", r))
		}
	}()
	qt.task.Done(ctx, o)
}
