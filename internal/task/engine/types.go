package engine

import (
	"context"
	"time"
)

const maxWorkers = 64

// Config controls the task execution engine.
type Config struct {
	// Name tags logs and task ids ("dispatch", "maintenance").
	Name    string
	Workers int

	// MaxPending caps tasks waiting in the engine (delayed + ready).
	MaxPending int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "engine"
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Workers > maxWorkers {
		c.Workers = maxWorkers
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 100_000
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

type TaskOptions struct {
	// RetryMax < 0 disables retries; 0 uses the engine default.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = cfg.RetryBase
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = cfg.RetryMaxDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// Outcome is the terminal result handed to Task.Done.
type Outcome struct {
	Err       error
	Attempts  int
	Cancelled bool // Skip reported true before an attempt
	Dropped   bool // engine stopped before the task could finish
}

// Task is a unit of work executed by the engine.
//
// Skip is consulted immediately before every attempt. Done is called exactly
// once per accepted task, whatever happens to it.
type Task struct {
	ID      string
	Name    string
	RunAt   time.Time
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Skip    func() bool
	Done    func(ctx context.Context, o Outcome)
	Opt     TaskOptions
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Name     string        `json:"name"`
	Running  bool          `json:"running"`
	Workers  int           `json:"workers"`
	Delayed  int           `json:"delayed"`
	Ready    int           `json:"ready"`
	InFlight int           `json:"in_flight"`
	Retried  uint64        `json:"retried"`
	Dropped  uint64        `json:"dropped"`
	History  []HistoryItem `json:"history,omitempty"`
}
