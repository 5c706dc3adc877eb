// Package app wires the dispatch daemon together and owns its lifecycle:
// config load and hot reload, component start order and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"dispatchd/internal/api"
	"dispatchd/internal/browser"
	"dispatchd/internal/campaign"
	"dispatchd/internal/channel"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/model"
	"dispatchd/internal/notifier"
	"dispatchd/internal/ratelimit"
	rtsup "dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/session"
	"dispatchd/internal/storage"
	"dispatchd/internal/task/engine"
	"dispatchd/internal/task/scheduler"
	"dispatchd/internal/transport"
	"dispatchd/internal/transport/telegram"
	logx "dispatchd/pkg/logx"
)

const refreshScheduleName = "session.refresh"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	limiter *ratelimit.Registry
	browser *browser.Rod

	engine   *engine.Service
	maint    *engine.Service
	sched    *scheduler.Service
	exec     *dispatch.Executor
	ctrl     *campaign.Controller
	sessions *session.Manager
	notif    *notifier.Service
	api      *api.Server
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string, env config.Env) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath, env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	// The operator chat is optional; without a token alerts and the
	// telegram log sink stay silent.
	var sender transport.Sender
	if cfg.Telegram.Token != "" {
		timeout, _ := mapTelegramTimeout(cfg)
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, Timeout: timeout},
			logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		sender = tg
	}

	// Set the telegram target before enabling the sink so Apply does not
	// warn about a missing chat.
	logCfg := mapLogging(cfg)
	tgEnabled := logCfg.Telegram.Enabled
	logCfg.Telegram.Enabled = false
	logSvc, log := logx.New(logCfg, sender)
	logSvc.SetTelegramTarget(cfg.Telegram.AlertChatID, cfg.Logging.Telegram.ThreadID)
	logCfg.Telegram.Enabled = tgEnabled
	logSvc.Apply(logCfg)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc, _ := mapStorage(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	blobs, err := storage.NewBlobDir(cfg.Session.StorageDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("session storage dir: %w", err)
	}

	rlCfg, _ := mapRateLimit(cfg)
	limiter := ratelimit.New(rlCfg)

	sessCfg, rodCfg, _ := mapSession(cfg)
	rod := browser.NewRod(rodCfg, log.With(logx.String("comp", "browser")))

	emailCfg, _ := mapEmail(cfg)
	chatCfg, _ := mapChat(cfg)
	adapters := channel.NewRegistry()
	adapters.Register(model.PlatformEmail, channel.NewEmail(emailCfg, log.With(logx.String("comp", "email"))))
	adapters.Register(model.PlatformChat, channel.NewChat(chatCfg, rod, blobs, log.With(logx.String("comp", "chat"))))

	engCfg, _ := mapEngine(cfg)
	eng := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus)
	maint := engine.New(maintenanceEngine(), log.With(logx.String("comp", "engine.maintenance")), eventbus.Nop{})

	exec := dispatch.New(store, limiter, adapters, bus, log)
	campCfg, _ := mapCampaign(cfg)
	ctrl := campaign.New(campCfg, store, eng, exec, limiter, log)
	sessions := session.New(sessCfg, store, blobs, rod, bus, log)

	sched := scheduler.New(scheduler.Config{Timezone: cfg.Session.Timezone}, maint, log)

	ncfg, _ := mapNotifier(cfg)
	notif := notifier.New(ncfg, sender, log, bus, store)

	apiCfg, _ := mapAPI(cfg)
	var apiSrv *api.Server
	if apiCfg.Addr != "" {
		apiSrv = api.New(apiCfg, ctrl, sessions, store, log)
	}

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		limiter:  limiter,
		browser:  rod,
		engine:   eng,
		maint:    maint,
		sched:    sched,
		exec:     exec,
		ctrl:     ctrl,
		sessions: sessions,
		notif:    notif,
		api:      apiSrv,
	}
	if apiSrv != nil {
		apiSrv.SetHealth(a.Health)
	}
	if err := a.applyRefreshSchedule(cfg.Session.RefreshSchedule); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// Campaigns exposes the controller to in-process callers.
func (a *App) Campaigns() *campaign.Controller { return a.ctrl }

// Sessions exposes the session manager to in-process callers.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Health summarises the pools, schedules and limiter for /healthz. Engine
// history is left out.
func (a *App) Health() api.Health {
	h := api.Health{
		Schedules:  a.sched.Schedules(),
		RateScopes: a.limiter.Scopes(),
		Campaigns:  len(a.ctrl.Active()),
	}
	for _, e := range []*engine.Service{a.engine, a.maint} {
		snap := e.Snapshot()
		snap.History = nil
		h.Engines = append(h.Engines, snap)
	}
	return h
}

// Done is closed when the app context is cancelled by a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.engine.Start(c)
	a.maint.Start(c)
	if a.notif.Enabled() {
		a.notif.Start(c)
	}
	a.sup.Go("session.watch", a.sessions.Run)
	a.sup.Go("notifier.watch", func(c context.Context) error { return a.notif.Watch(c, a.bus) })
	a.sched.Start(c)

	if a.api != nil {
		a.sup.Go("api", a.api.Start)
	}

	a.cfgm.SetValidator(validateConfig)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.reload", a.reloadLoop)

	a.sup.Go0("systemd.watchdog", func(c context.Context) { watchdog(c, a.log) })
	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("dispatchd started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					next = newer
				default:
					drained = true
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply pushes a validated config to the running components. Sections that
// are only read at construction are reported as needing a restart.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] || changed["telegram"] {
		a.logs.SetTelegramTarget(next.Telegram.AlertChatID, next.Logging.Telegram.ThreadID)
		a.logs.Apply(mapLogging(next))
	}
	if changed["engine"] {
		if ec, err := mapEngine(next); err == nil {
			a.engine.Apply(ec)
		}
	}
	if changed["rate_limit"] {
		if rc, err := mapRateLimit(next); err == nil {
			a.limiter.Apply(rc)
		}
	}
	if changed["campaign"] {
		if cc, err := mapCampaign(next); err == nil {
			a.ctrl.Apply(cc)
		}
	}
	if changed["session"] {
		a.sched.Apply(scheduler.Config{Timezone: next.Session.Timezone})
		if prev == nil || prev.Session.RefreshSchedule != next.Session.RefreshSchedule {
			if err := a.applyRefreshSchedule(next.Session.RefreshSchedule); err != nil {
				a.log.Warn("refresh schedule not applied", logx.Err(err))
			}
		}
	}
	if changed["notifier"] || changed["telegram"] {
		a.applyNotifier(ctx, next)
	}

	var restart []string
	for _, s := range []string{"storage", "chat", "email", "api"} {
		if changed[s] {
			restart = append(restart, s)
		}
	}
	if prev != nil && (prev.Session.StorageDir != next.Session.StorageDir ||
		prev.Session.Headless != next.Session.Headless ||
		prev.Session.BrowserBin != next.Session.BrowserBin ||
		prev.Session.MaxConcurrent != next.Session.MaxConcurrent ||
		prev.Session.DefaultMaxWait != next.Session.DefaultMaxWait) {
		restart = append(restart, "session")
	}
	if prev != nil && prev.Telegram.Token != next.Telegram.Token {
		restart = append(restart, "telegram.token")
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, next *config.Config) {
	ncfg, err := mapNotifier(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !a.notif.Enabled():
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
		a.log.Info("notifier disabled via config")
	case !wasEnabled && a.notif.Enabled():
		a.notif.Start(ctx)
		a.log.Info("notifier enabled via config")
	}
}

// applyRefreshSchedule installs or removes the periodic session refresh.
func (a *App) applyRefreshSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		if a.sched.Remove(refreshScheduleName) {
			a.log.Info("session refresh sweep disabled")
		}
		return nil
	}
	return a.sched.AddSchedule(refreshScheduleName, spec, 30*time.Minute, engine.TaskOptions{}, func(ctx context.Context) error {
		n, err := a.sessions.RefreshAll(ctx)
		a.log.Info("session refresh sweep finished", logx.Int("refreshed", n), logx.Bool("errors", err != nil))
		return err
	})
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot hold the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("api", 3*time.Second, func(c context.Context) error {
		if a.api == nil {
			return nil
		}
		return a.api.Shutdown(c)
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// Wake jobs parked on a bucket so the pool can drain; they come back as
	// transient failures and are dropped as cancelled.
	a.limiter.CloseAll()
	step("engine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("engine.maintenance", 3*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("browser", 5*time.Second, func(context.Context) error { return a.browser.Close() })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	a.sup.Cancel()
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
