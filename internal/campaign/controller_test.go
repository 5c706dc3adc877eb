package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/channel"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/model"
	"dispatchd/internal/ratelimit"
	"dispatchd/internal/storage"
	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

type sendLog struct {
	mu     sync.Mutex
	at     []time.Time
	bodies []string
}

func (s *sendLog) adapter() channel.Adapter {
	return channel.AdapterFunc(func(_ context.Context, msg channel.Message) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.at = append(s.at, time.Now())
		s.bodies = append(s.bodies, msg.Body)
		return nil
	})
}

func (s *sendLog) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.at)
}

// countingPool records submissions and optionally fails after limit.
type countingPool struct {
	mu    sync.Mutex
	tasks []engine.Task
	limit int
}

func (p *countingPool) Submit(t engine.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 && len(p.tasks) >= p.limit {
		return engine.ErrQueueFull
	}
	p.tasks = append(p.tasks, t)
	return nil
}

type fixture struct {
	st      storage.Store
	exec    *dispatch.Executor
	limiter *ratelimit.Registry
	sends   *sendLog
	profile model.Profile
	tmpl    model.Template
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	p, err := st.CreateProfile(ctx, model.Profile{
		Name: "mail", Platform: model.PlatformEmail,
		Credentials: model.Credentials{Email: &model.EmailCredentials{Host: "smtp.example.com"}},
	})
	if err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	tmpl, err := st.CreateTemplate(ctx, model.Template{Name: "t", Subject: "Hi", Body: "Hello {{name}} {{missing}}"})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	sends := &sendLog{}
	reg := channel.NewRegistry()
	reg.Register(model.PlatformEmail, sends.adapter())
	lim := ratelimit.New(ratelimit.Config{})
	return fixture{
		st: st, exec: dispatch.New(st, lim, reg, nil, logx.Nop()), limiter: lim,
		sends: sends, profile: p, tmpl: tmpl,
	}
}

func (f fixture) controller(cfg Config, pool Pool) *Controller {
	return New(cfg, f.st, pool, f.exec, f.limiter, logx.Nop())
}

func (f fixture) request(n int, lo, hi time.Duration) Request {
	rs := make([]model.Recipient, n)
	for i := range rs {
		rs[i] = model.Recipient{ID: string(rune('a'+i)) + "@example.com", Vars: model.Vars{"name": "N"}}
	}
	return Request{ProfileID: f.profile.ID, TemplateID: f.tmpl.ID, Recipients: rs, MinDelay: lo, MaxDelay: hi}
}

func startPool(t *testing.T) *engine.Service {
	t.Helper()
	pool := engine.New(engine.Config{Name: "dispatch", Workers: 4}, logx.Nop(), nil)
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})
	return pool
}

func waitLogs(t *testing.T, st storage.Store, campaignID string, n int) []model.LogEntry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		logs, err := st.ListLogs(context.Background(), storage.LogFilter{CampaignID: campaignID})
		if err != nil {
			t.Fatalf("ListLogs: %v", err)
		}
		if len(logs) >= n {
			return logs
		}
		if time.Now().After(deadline) {
			t.Fatalf("logs = %d, want %d", len(logs), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartCampaignValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pool := &countingPool{}
	c := f.controller(Config{MaxRecipients: 3}, pool)

	noID := f.request(2, 0, 0)
	noID.Recipients[1].ID = "  "
	missingProfile := f.request(1, 0, 0)
	missingProfile.ProfileID = 999

	tests := []struct {
		name    string
		req     Request
		wantErr func(error) bool
	}{
		{name: "no recipients", req: f.request(0, 0, 0), wantErr: model.IsValidation},
		{name: "too many", req: f.request(4, 0, 0), wantErr: model.IsValidation},
		{name: "empty id", req: noID, wantErr: model.IsValidation},
		{name: "negative min", req: f.request(1, -time.Second, 0), wantErr: model.IsValidation},
		{name: "max below min", req: f.request(1, time.Second, time.Millisecond), wantErr: model.IsValidation},
		{name: "missing profile", req: missingProfile, wantErr: func(err error) bool { return errors.Is(err, model.ErrProfileNotFound) }},
	}
	for _, tt := range tests {
		if _, err := c.StartCampaign(context.Background(), tt.req); !tt.wantErr(err) {
			t.Fatalf("%s: err = %v", tt.name, err)
		}
	}
	if len(pool.tasks) != 0 {
		t.Fatalf("submitted %d tasks for rejected campaigns", len(pool.tasks))
	}
}

func TestStrictPlaceholders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pool := &countingPool{}

	strict := f.controller(Config{StrictPlaceholders: true}, pool)
	if _, err := strict.StartCampaign(context.Background(), f.request(1, 0, 0)); !model.IsValidation(err) {
		t.Fatalf("strict err = %v, want validation for {{missing}}", err)
	}
	lax := f.controller(Config{}, pool)
	if _, err := lax.StartCampaign(context.Background(), f.request(1, 0, 0)); err != nil {
		t.Fatalf("default mode: %v", err)
	}
	if len(pool.tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(pool.tasks))
	}
}

func TestJobsScheduledWithinDelayWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pool := &countingPool{}
	c := f.controller(Config{}, pool)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	h, err := c.StartCampaign(context.Background(), f.request(20, time.Second, 3*time.Second))
	if err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}
	ids := map[string]bool{}
	for _, task := range pool.tasks {
		d := task.RunAt.Sub(base)
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("delay = %v, want within [1s, 3s]", d)
		}
		ids[task.ID] = true
	}
	if len(ids) != 20 {
		t.Fatalf("distinct job ids = %d, want 20", len(ids))
	}
	if st, _ := c.Status(h.ID); st.Total != 20 || st.Pending != 20 {
		t.Fatalf("Status = %+v", st)
	}
}

func TestPacingZeroDelay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.controller(Config{}, startPool(t))

	start := time.Now()
	h, err := c.StartCampaign(context.Background(), f.request(3, 0, 0))
	if err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}
	logs := waitLogs(t, f.st, h.ID, 3)
	if el := time.Since(start); el > 2*time.Second {
		t.Fatalf("zero-delay campaign took %v", el)
	}
	for _, e := range logs {
		if e.Status != model.StatusSuccess {
			t.Fatalf("entry = %+v, want success", e)
		}
	}
	f.sends.mu.Lock()
	body := f.sends.bodies[0]
	f.sends.mu.Unlock()
	if body != "Hello N {{missing}}" {
		t.Fatalf("body = %q, want unresolved placeholder kept", body)
	}
}

func TestPacingFixedDelay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.controller(Config{}, startPool(t))

	const delay = 200 * time.Millisecond
	start := time.Now()
	h, err := c.StartCampaign(context.Background(), f.request(2, delay, delay))
	if err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}
	waitLogs(t, f.st, h.ID, 2)
	f.sends.mu.Lock()
	defer f.sends.mu.Unlock()
	for _, at := range f.sends.at {
		if d := at.Sub(start); d < delay {
			t.Fatalf("sent %v after start, want >= %v", d, delay)
		}
	}
}

func TestStopLogsCancelledAndForgets(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.controller(Config{}, startPool(t))

	h, err := c.StartCampaign(context.Background(), f.request(3, 150*time.Millisecond, 300*time.Millisecond))
	if err != nil {
		t.Fatalf("StartCampaign: %v", err)
	}
	st, err := c.StopByID(h.ID)
	if err != nil {
		t.Fatalf("StopByID: %v", err)
	}
	if !st.Stopped {
		t.Fatal("Stopped = false after StopByID")
	}

	logs := waitLogs(t, f.st, h.ID, 3)
	for _, e := range logs {
		if e.Status != model.StatusCancelled {
			t.Fatalf("entry = %+v, want cancelled", e)
		}
	}
	if f.sends.count() != 0 {
		t.Fatalf("sends = %d after stop, want 0", f.sends.count())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := c.Status(h.ID); errors.Is(err, ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("finished campaign handle was not forgotten")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := c.StopByID(h.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("StopByID(forgotten) err = %v, want ErrNotFound", err)
	}
}

func TestEnqueueFailureLogsUnqueuedJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pool := &countingPool{limit: 1}
	c := f.controller(Config{}, pool)

	if _, err := c.StartCampaign(context.Background(), f.request(3, 0, 0)); !errors.Is(err, engine.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	logs, err := f.st.ListLogs(context.Background(), storage.LogFilter{Status: model.StatusError})
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("error logs = %d, want 2", len(logs))
	}
	if !pool.tasks[0].Skip() {
		t.Fatal("queued job not flagged cancelled")
	}
}

func TestRecordReportsLastJobOnce(t *testing.T) {
	t.Parallel()
	const n = 64
	for round := 0; round < 20; round++ {
		h := &Handle{total: n}
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			last int
		)
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				st := model.StatusSuccess
				if i%3 == 0 {
					st = model.StatusCancelled
				}
				if h.record(st) {
					mu.Lock()
					last++
					mu.Unlock()
				}
			}(i)
		}
		close(start)
		wg.Wait()
		if last != 1 {
			t.Fatalf("round %d: record reported last %d times, want 1", round, last)
		}
		if st := h.Status(); st.Pending != 0 || st.Succeeded+st.Cancelled != n {
			t.Fatalf("round %d: status = %+v", round, st)
		}
	}
}
