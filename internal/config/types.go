package config

// Config is the on-disk daemon configuration. Durations are Go duration
// strings ("500ms", "10s", "2m"); zero or empty selects the component default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Storage   StorageConfig   `json:"storage"`
	Engine    EngineConfig    `json:"engine"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Campaign  CampaignConfig  `json:"campaign"`
	Session   SessionConfig   `json:"session"`
	Chat      ChatConfig      `json:"chat"`
	Email     EmailConfig     `json:"email"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	API       APIConfig       `json:"api"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the operator chat. Token is normally supplied through
// DISPATCHD_TELEGRAM_TOKEN rather than the file.
type TelegramConfig struct {
	Token       string `json:"token,omitempty"`
	AlertChatID int64  `json:"alert_chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// StorageConfig selects the store.
//
//	"storage": { "driver": "sqlite", "path": "./dispatchd.db" }
//	"storage": { "driver": "postgres" }   // DSN from DISPATCHD_STORAGE_DSN
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// EngineConfig sizes the dispatch worker pool. Changing workers restarts
// the pool; the other fields apply in place.
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	MaxPending     int    `json:"max_pending,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type RateLimitConfig struct {
	// Scope is "profile" (default) or "channel".
	Scope       string                     `json:"scope,omitempty"`
	PerSecond   float64                    `json:"per_second"`
	Burst       int                        `json:"burst,omitempty"`
	WaitTimeout string                     `json:"wait_timeout,omitempty"`
	Channels    map[string]ChannelRateConf `json:"channels,omitempty"`
}

type ChannelRateConf struct {
	PerSecond   float64 `json:"per_second"`
	Burst       int     `json:"burst,omitempty"`
	WaitTimeout string  `json:"wait_timeout,omitempty"`
}

type CampaignConfig struct {
	MaxRecipients      int  `json:"max_recipients,omitempty"`
	StrictPlaceholders bool `json:"strict_placeholders,omitempty"`
}

type SessionConfig struct {
	StorageDir     string `json:"storage_dir"`
	Headless       bool   `json:"headless"`
	BrowserBin     string `json:"browser_bin,omitempty"`
	PageTimeout    string `json:"page_timeout,omitempty"`
	DefaultMaxWait string `json:"default_max_wait,omitempty"`
	MaxConcurrent  int    `json:"max_concurrent,omitempty"`
	// RefreshSchedule enables the periodic refresh sweep ("6h", "@daily",
	// "0 3 * * *"). Empty disables it.
	RefreshSchedule string `json:"refresh_schedule,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

type ChatConfig struct {
	ComposeURL    string `json:"compose_url"`
	InputSelector string `json:"input_selector"`
	LoginMarker   string `json:"login_marker,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

type EmailConfig struct {
	Timeout string `json:"timeout,omitempty"`
}

// NotifierConfig controls operator alerts. Omitting the section disables
// them.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	OnSessionExpired  bool `json:"on_session_expired"`
	OnJobFailed       bool `json:"on_job_failed"`
	OnSessionCaptured bool `json:"on_session_captured"`
}

// APIConfig binds the operator HTTP API. Prefer a loopback address; the API
// has no authentication of its own.
type APIConfig struct {
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}
