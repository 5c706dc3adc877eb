package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dispatchd/internal/api"
	"dispatchd/internal/browser"
	"dispatchd/internal/campaign"
	"dispatchd/internal/channel"
	"dispatchd/internal/config"
	"dispatchd/internal/model"
	"dispatchd/internal/notifier"
	"dispatchd/internal/ratelimit"
	"dispatchd/internal/session"
	"dispatchd/internal/storage"
	"dispatchd/internal/task/engine"
	"dispatchd/internal/task/scheduler"
	"dispatchd/internal/transport"
	logx "dispatchd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN)}
	switch driver {
	case "", "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn (or %s) is required when storage.driver=postgres", config.EnvStorageDSN)
		}
	case "memory":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	if e.Workers < 0 || e.MaxPending < 0 || e.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("engine.workers, engine.max_pending and engine.history_size must be >= 0")
	}
	out := engine.Config{
		Name:        "dispatch",
		Workers:     e.Workers,
		MaxPending:  e.MaxPending,
		RetryMax:    e.RetryMax,
		HistorySize: e.HistorySize,
	}
	// 0 keeps the default of 3 retries; a negative value disables retries.
	if out.RetryMax == 0 {
		out.RetryMax = 3
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("engine.retry_base", e.RetryBase); err != nil {
		return engine.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("engine.retry_max_delay", e.RetryMaxDelay); err != nil {
		return engine.Config{}, err
	}
	if out.DefaultTimeout, err = config.ParseDurationField("engine.default_timeout", e.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// maintenanceEngine runs the refresh sweep. One worker, no retries: the next
// tick is the retry.
func maintenanceEngine() engine.Config {
	return engine.Config{Name: "maintenance", Workers: 1, MaxPending: 4, RetryMax: -1, HistorySize: 50}
}

func mapRateLimit(cfg *config.Config) (ratelimit.Config, error) {
	rl := cfg.RateLimit
	out := ratelimit.Config{Channels: map[model.Platform]ratelimit.Limit{}}
	switch strings.ToLower(strings.TrimSpace(rl.Scope)) {
	case "", string(model.ScopeProfile):
		out.Scope = model.ScopeProfile
	case string(model.ScopeChannel):
		out.Scope = model.ScopeChannel
	default:
		return ratelimit.Config{}, fmt.Errorf("rate_limit.scope: unknown %q", rl.Scope)
	}
	def, err := mapLimit("rate_limit", rl.PerSecond, rl.Burst, rl.WaitTimeout)
	if err != nil {
		return ratelimit.Config{}, err
	}
	out.Default = def
	for name, c := range rl.Channels {
		p, err := model.ParsePlatform(name)
		if err != nil {
			return ratelimit.Config{}, fmt.Errorf("rate_limit.channels: %w", err)
		}
		l, err := mapLimit("rate_limit.channels."+name, c.PerSecond, c.Burst, c.WaitTimeout)
		if err != nil {
			return ratelimit.Config{}, err
		}
		out.Channels[p] = l
	}
	return out, nil
}

func mapLimit(path string, perSecond float64, burst int, wait string) (ratelimit.Limit, error) {
	if perSecond < 0 || burst < 0 {
		return ratelimit.Limit{}, fmt.Errorf("%s: per_second and burst must be >= 0", path)
	}
	d, err := config.ParseDurationField(path+".wait_timeout", wait)
	if err != nil {
		return ratelimit.Limit{}, err
	}
	return ratelimit.Limit{PerSecond: perSecond, Burst: burst, WaitTimeout: d}, nil
}

func mapCampaign(cfg *config.Config) (campaign.Config, error) {
	if cfg.Campaign.MaxRecipients < 0 {
		return campaign.Config{}, fmt.Errorf("campaign.max_recipients must be >= 0")
	}
	return campaign.Config{
		MaxRecipients:      cfg.Campaign.MaxRecipients,
		StrictPlaceholders: cfg.Campaign.StrictPlaceholders,
	}, nil
}

func mapSession(cfg *config.Config) (session.Config, browser.RodConfig, error) {
	s := cfg.Session
	if strings.TrimSpace(s.StorageDir) == "" {
		return session.Config{}, browser.RodConfig{}, fmt.Errorf("session.storage_dir is required")
	}
	if s.MaxConcurrent < 0 {
		return session.Config{}, browser.RodConfig{}, fmt.Errorf("session.max_concurrent must be >= 0")
	}
	wait, err := config.ParseDurationField("session.default_max_wait", s.DefaultMaxWait)
	if err != nil {
		return session.Config{}, browser.RodConfig{}, err
	}
	page, err := config.ParseDurationOrDefault("session.page_timeout", s.PageTimeout, 30*time.Second)
	if err != nil {
		return session.Config{}, browser.RodConfig{}, err
	}
	if rs := strings.TrimSpace(s.RefreshSchedule); rs != "" {
		if _, err := scheduler.ParseSchedule(rs); err != nil {
			return session.Config{}, browser.RodConfig{}, fmt.Errorf("session.refresh_schedule: %w", err)
		}
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return session.Config{}, browser.RodConfig{}, fmt.Errorf("session.timezone: invalid %q: %w", tz, err)
		}
	}
	return session.Config{DefaultMaxWait: wait, MaxConcurrent: s.MaxConcurrent},
		browser.RodConfig{Headless: s.Headless, Bin: strings.TrimSpace(s.BrowserBin), PageTimeout: page},
		nil
}

func mapChat(cfg *config.Config) (channel.ChatConfig, error) {
	c := cfg.Chat
	send, err := config.ParseDurationOrDefault("chat.send_timeout", c.SendTimeout, 45*time.Second)
	if err != nil {
		return channel.ChatConfig{}, err
	}
	if c.ComposeURL != "" && !strings.Contains(c.ComposeURL, "{recipient}") {
		return channel.ChatConfig{}, fmt.Errorf("chat.compose_url must contain {recipient}")
	}
	return channel.ChatConfig{
		ComposeURL:    c.ComposeURL,
		InputSelector: c.InputSelector,
		LoginMarker:   c.LoginMarker,
		SendTimeout:   send,
	}, nil
}

func mapEmail(cfg *config.Config) (channel.EmailConfig, error) {
	d, err := config.ParseDurationOrDefault("email.timeout", cfg.Email.Timeout, 30*time.Second)
	if err != nil {
		return channel.EmailConfig{}, err
	}
	return channel.EmailConfig{Timeout: d}, nil
}

func mapTelegramTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
}

// mapNotifier parses the notifier section. An omitted section is disabled.
func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Target: transport.ChatTarget{ChatID: cfg.Telegram.AlertChatID, ThreadID: cfg.Telegram.ThreadID},
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: numeric fields must be >= 0")
	}
	out.Enabled = n.Enabled
	out.Workers = n.Workers
	out.QueueSize = n.QueueSize
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.DedupMaxEntries = n.DedupMaxEntries
	out.PersistDedup = n.PersistDedup
	out.OnSessionExpired = n.OnSessionExpired
	out.OnJobFailed = n.OnJobFailed
	out.OnSessionCaptured = n.OnSessionCaptured

	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	if out.Enabled && out.Target.ChatID == 0 {
		return notifier.Config{}, fmt.Errorf("notifier.enabled requires telegram.alert_chat_id")
	}
	return out, nil
}

func mapAPI(cfg *config.Config) (api.Config, error) {
	a := cfg.API
	rt, err := config.ParseDurationField("api.read_timeout", a.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	wt, err := config.ParseDurationField("api.write_timeout", a.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{Addr: strings.TrimSpace(a.Addr), ReadTimeout: rt, WriteTimeout: wt, Pprof: a.Pprof}, nil
}

// validateConfig rejects a reload before it is committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapEngine(cfg); err != nil {
		return err
	}
	if _, err := mapRateLimit(cfg); err != nil {
		return err
	}
	if _, err := mapCampaign(cfg); err != nil {
		return err
	}
	if _, _, err := mapSession(cfg); err != nil {
		return err
	}
	if _, err := mapChat(cfg); err != nil {
		return err
	}
	if _, err := mapEmail(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramTimeout(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	_, err := mapAPI(cfg)
	return err
}
