package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dispatchd/internal/campaign"
	"dispatchd/internal/config"
	"dispatchd/internal/model"
)

func baseConfig(dir string) *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Driver: "memory"},
		Session: config.SessionConfig{StorageDir: filepath.Join(dir, "sessions")},
		Chat:    config.ChatConfig{ComposeURL: "https://chat.example/t/{recipient}", InputSelector: "textarea"},
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*config.Config) {}},
		{name: "sqlite without path", mutate: func(c *config.Config) { c.Storage.Driver = "sqlite" }, wantErr: "storage.path"},
		{name: "postgres without dsn", mutate: func(c *config.Config) { c.Storage.Driver = "postgres" }, wantErr: "storage.dsn"},
		{name: "unknown driver", mutate: func(c *config.Config) { c.Storage.Driver = "mongo" }, wantErr: "unknown storage.driver"},
		{name: "bad scope", mutate: func(c *config.Config) { c.RateLimit.Scope = "global" }, wantErr: "rate_limit.scope"},
		{name: "unknown channel", mutate: func(c *config.Config) {
			c.RateLimit.Channels = map[string]config.ChannelRateConf{"sms": {PerSecond: 1}}
		}, wantErr: "rate_limit.channels"},
		{name: "bad duration", mutate: func(c *config.Config) { c.Engine.RetryBase = "fast" }, wantErr: "engine.retry_base"},
		{name: "bad refresh schedule", mutate: func(c *config.Config) { c.Session.RefreshSchedule = "whenever" }, wantErr: "session.refresh_schedule"},
		{name: "no storage dir", mutate: func(c *config.Config) { c.Session.StorageDir = "" }, wantErr: "session.storage_dir"},
		{name: "compose url without recipient", mutate: func(c *config.Config) { c.Chat.ComposeURL = "https://chat.example" }, wantErr: "{recipient}"},
		{name: "notifier without chat", mutate: func(c *config.Config) {
			c.Notifier = &config.NotifierConfig{Enabled: true}
		}, wantErr: "alert_chat_id"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig(t.TempDir())
			tt.mutate(cfg)
			err := validateConfig(context.Background(), cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateConfig() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validateConfig() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapRateLimit(t *testing.T) {
	t.Parallel()
	cfg := baseConfig(t.TempDir())
	cfg.RateLimit = config.RateLimitConfig{
		Scope:       "channel",
		PerSecond:   1,
		WaitTimeout: "5s",
		Channels:    map[string]config.ChannelRateConf{"Email": {PerSecond: 3, Burst: 3}},
	}
	rc, err := mapRateLimit(cfg)
	if err != nil {
		t.Fatalf("mapRateLimit: %v", err)
	}
	if rc.Scope != model.ScopeChannel || rc.Default.WaitTimeout != 5*time.Second {
		t.Fatalf("rate config = %+v", rc)
	}
	if got := rc.Channels[model.PlatformEmail]; got.PerSecond != 3 || got.Burst != 3 {
		t.Fatalf("email limit = %+v", got)
	}
}

func TestMapEngineRetryDefault(t *testing.T) {
	t.Parallel()
	cfg := baseConfig(t.TempDir())
	ec, err := mapEngine(cfg)
	if err != nil {
		t.Fatalf("mapEngine: %v", err)
	}
	if ec.RetryMax != 3 || ec.Name != "dispatch" {
		t.Fatalf("engine config = %+v", ec)
	}
	cfg.Engine.RetryMax = -1
	if ec, _ = mapEngine(cfg); ec.RetryMax != -1 {
		t.Fatalf("RetryMax = %d, want -1 passed through", ec.RetryMax)
	}
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "dispatchd.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeConfig(t, dir, `
logging:
  level: error
storage:
  driver: memory
session:
  storage_dir: `+filepath.Join(dir, "sessions")+`
  refresh_schedule: 6h
chat:
  compose_url: https://chat.example/t/{recipient}
  input_selector: textarea
`)
	a, err := New(p, config.Env{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := a.sched.Schedules(); len(got) != 1 || got[0].Name != refreshScheduleName {
		t.Fatalf("schedules = %+v", got)
	}

	_, err = a.Campaigns().StartCampaign(ctx, campaign.Request{ProfileID: 42, TemplateID: 1, Recipients: []model.Recipient{{ID: "r"}}})
	if !errors.Is(err, model.ErrProfileNotFound) {
		t.Fatalf("StartCampaign() = %v, want ErrProfileNotFound", err)
	}

	h := a.Health()
	if len(h.Engines) != 2 || !h.Engines[0].Running || h.Engines[0].Name != "dispatch" {
		t.Fatalf("Health().Engines = %+v", h.Engines)
	}
	if len(h.Schedules) != 1 || h.Campaigns != 0 {
		t.Fatalf("Health() = %+v", h)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Err() != nil {
		t.Fatalf("Err() = %v", a.Err())
	}
}

func TestApplyRefreshScheduleToggle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := baseConfig(dir)
	p := writeConfig(t, dir, "storage: {driver: memory}\nsession: {storage_dir: "+filepath.Join(dir, "s")+"}\n")
	a, err := New(p, config.Env{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.store.Close()

	next := *cfg
	next.Session.RefreshSchedule = "@daily"
	a.apply(context.Background(), cfg, &next)
	if got := a.sched.Schedules(); len(got) != 1 || got[0].Spec != "@daily" {
		t.Fatalf("schedules = %+v", got)
	}
	a.apply(context.Background(), &next, cfg)
	if got := a.sched.Schedules(); len(got) != 0 {
		t.Fatalf("schedules after clear = %+v", got)
	}
}
