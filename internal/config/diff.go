package config

import (
	"reflect"
	"strings"

	logx "dispatchd/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// attrs for logging them. Secrets (tokens, DSNs) are reported only as
// set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.AlertChatID != nt.AlertChatID || ot.ThreadID != nt.ThreadID ||
		strings.TrimSpace(ot.Timeout) != strings.TrimSpace(nt.Timeout) ||
		(ot.Token != "") != (nt.Token != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int64("telegram.alert_chat_id", nt.AlertChatID),
			logx.Bool("telegram.token_set", nt.Token != ""),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if ost != nst {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nst.Driver),
			logx.String("storage.path", nst.Path),
			logx.Bool("storage.dsn_set", nst.DSN != ""),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.max_pending", newCfg.Engine.MaxPending),
			logx.Int("engine.retry_max", newCfg.Engine.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.String("rate_limit.scope", newCfg.RateLimit.Scope),
			logx.Float64("rate_limit.per_second", newCfg.RateLimit.PerSecond),
			logx.Int("rate_limit.channels", len(newCfg.RateLimit.Channels)),
		)
	}

	if oldCfg.Campaign != newCfg.Campaign {
		changed = append(changed, "campaign")
		attrs = append(attrs,
			logx.Int("campaign.max_recipients", newCfg.Campaign.MaxRecipients),
			logx.Bool("campaign.strict_placeholders", newCfg.Campaign.StrictPlaceholders),
		)
	}

	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.Bool("session.headless", newCfg.Session.Headless),
			logx.Int("session.max_concurrent", newCfg.Session.MaxConcurrent),
			logx.String("session.refresh_schedule", newCfg.Session.RefreshSchedule),
		)
	}
	if oldCfg.Chat != newCfg.Chat {
		changed = append(changed, "chat")
		attrs = append(attrs, logx.String("chat.compose_url", newCfg.Chat.ComposeURL))
	}
	if oldCfg.Email != newCfg.Email {
		changed = append(changed, "email")
	}

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if (oldCfg.Notifier == nil) != (newCfg.Notifier == nil) || on != nn {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.String("notifier.dedup_window", nn.DedupWindow),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs, logx.String("api.addr", newCfg.API.Addr), logx.Bool("api.pprof", newCfg.API.Pprof))
	}
	return changed, attrs
}

func derefNotifier(p *NotifierConfig) NotifierConfig {
	if p == nil {
		return NotifierConfig{}
	}
	return *p
}
