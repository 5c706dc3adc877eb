package notifier

import (
	"time"

	"dispatchd/internal/transport"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled bool
	// Target is the operator chat every alert goes to.
	Target transport.ChatTarget

	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	// PersistDedup keeps suppression windows in the store across restarts.
	PersistDedup bool

	// Which dispatch events raise alerts.
	OnSessionExpired  bool
	OnJobFailed       bool
	OnSessionCaptured bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Alert is one operator message. Key, when set, replaces the text as the
// dedup identity so repeated failures of the same kind collapse.
type Alert struct {
	Priority int // 0 low .. 10 high
	Text     string
	Key      string
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// AlertEvent is published on the bus for notifier lifecycle events.
type AlertEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
