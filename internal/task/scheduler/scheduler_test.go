package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/eventbus"
	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
	}{
		{in: "0 */6 * * *", kind: SpecCron, cron: "0 */6 * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "cron:@daily", kind: SpecCron, cron: "@daily"},
		{in: "6h", kind: SpecInterval, every: 6 * time.Hour},
		{in: "06:30", kind: SpecInterval, every: 6*time.Hour + 30*time.Minute},
		{in: "every: 90m", kind: SpecInterval, every: 90 * time.Minute},
		{in: "Interval:00:45", kind: SpecInterval, every: 45 * time.Minute},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Cron != tt.cron || got.Every != tt.every {
			t.Fatalf("ParseSchedule(%q) = %+v", tt.in, got)
		}
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "  ", "cron:", "every:", "0s", "-5m", "12:75", "soon"} {
		if _, err := ParseSchedule(in); err == nil {
			t.Fatalf("ParseSchedule(%q) = nil error", in)
		}
	}
}

func TestAddScheduleValidates(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &heldSubmitter{}, logx.Nop())
	job := func(context.Context) error { return nil }
	if err := s.AddSchedule("", "1h", 0, engine.TaskOptions{}, job); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.AddSchedule("x", "1h", 0, engine.TaskOptions{}, nil); err == nil {
		t.Fatal("nil job accepted")
	}
	if err := s.AddSchedule("x", "61 * * * *", 0, engine.TaskOptions{}, job); err == nil {
		t.Fatal("bad cron accepted")
	}
	if err := s.AddSchedule("x", "1h", 0, engine.TaskOptions{}, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.AddSchedule("x", "@daily", 0, engine.TaskOptions{}, job); err != nil {
		t.Fatalf("AddSchedule replace: %v", err)
	}
	got := s.Schedules()
	if len(got) != 1 || got[0].Spec != "@daily" {
		t.Fatalf("Schedules() = %+v, want one @daily", got)
	}
	if !s.Remove("x") || s.Remove("x") {
		t.Fatal("Remove should succeed once")
	}
}

// heldSubmitter keeps submitted tasks until release.
type heldSubmitter struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (h *heldSubmitter) Submit(t engine.Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.tasks = append(h.tasks, t)
	return nil
}

func (h *heldSubmitter) release() {
	h.mu.Lock()
	tasks := h.tasks
	h.tasks = nil
	h.mu.Unlock()
	for _, t := range tasks {
		t.Done(context.Background(), engine.Outcome{Attempts: 1})
	}
}

func (h *heldSubmitter) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

func TestTriggerSkipsWhilePreviousPending(t *testing.T) {
	t.Parallel()
	sub := &heldSubmitter{}
	s := New(Config{}, sub, logx.Nop())
	if err := s.AddSchedule("refresh", "1h", time.Minute, engine.TaskOptions{}, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	d := s.defs[0]

	s.trigger(d)
	s.trigger(d)
	if n := sub.count(); n != 1 {
		t.Fatalf("submitted = %d, want 1 while pending", n)
	}
	if !s.Schedules()[0].Running {
		t.Fatal("Running = false, want true")
	}
	sub.release()
	s.trigger(d)
	if n := sub.count(); n != 1 {
		t.Fatalf("submitted after release = %d, want 1", n)
	}
}

func TestTriggerSubmitErrorClearsBusy(t *testing.T) {
	t.Parallel()
	sub := &heldSubmitter{err: engine.ErrQueueFull}
	s := New(Config{}, sub, logx.Nop())
	if err := s.AddSchedule("refresh", "1h", 0, engine.TaskOptions{}, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	d := s.defs[0]
	s.trigger(d)
	if d.busy.Load() {
		t.Fatal("busy left set after submit error")
	}
}

func TestScheduleRunsOnEngine(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Name: "maintenance", Workers: 1}, logx.Nop(), eventbus.Nop{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		eng.Stop(sctx)
	}()

	s := New(Config{Timezone: "UTC"}, eng, logx.Nop())
	ran := make(chan struct{}, 4)
	job := func(context.Context) error {
		ran <- struct{}{}
		return errors.New("ignored")
	}
	// cron.Every rounds to whole seconds; a seconds-field cron fires sooner
	// than an interval schedule with first-run spread.
	if err := s.AddSchedule("tick", "cron:* * * * * *", time.Second, engine.TaskOptions{RetryMax: -1}, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.Start(ctx)
	defer s.Stop(context.Background())

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule never ran")
	}
	if got := s.Schedules()[0]; got.Next.IsZero() {
		t.Fatalf("Next is zero: %+v", got)
	}
}

func TestSpreadDelaysFirstRunOnly(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := makeIntervalScheduleWithSpread(time.Minute, now, "refresh")
	if jitter < 0 || jitter >= 30*time.Second {
		t.Fatalf("jitter = %v, want [0,30s)", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	if second := sched.Next(first); second.Sub(first) != time.Minute {
		t.Fatalf("second - first = %v, want 1m", second.Sub(first))
	}
}
