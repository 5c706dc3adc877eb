package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"dispatchd/internal/transport"
)

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxLen      = 3500
)

type chatLine struct {
	to  transport.ChatTarget
	msg string
}

// chatSink forwards warn-and-above records to the operator chat. Writes never
// block: records are dropped when the queue is full, the rate is exceeded or
// no chat is configured.
type chatSink struct {
	sender transport.Sender
	queue  chan chatLine

	mu       sync.Mutex
	target   transport.ChatTarget
	minLevel zerolog.Level
	allow    *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

func newChatSink(sender transport.Sender) *chatSink {
	return &chatSink{
		sender:   sender,
		queue:    make(chan chatLine, chatQueueSize),
		minLevel: zerolog.WarnLevel,
		allow:    rate.NewLimiter(1, 1),
	}
}

func (c *chatSink) setTarget(chatID int64, threadID int) {
	c.mu.Lock()
	c.target.ChatID = chatID
	if threadID != 0 {
		c.target.ThreadID = threadID
	}
	c.mu.Unlock()
}

// configure retunes the sink and starts or stops its sender goroutine to
// match cfg.Enabled.
func (c *chatSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.allow = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		c.target.ThreadID = cfg.ThreadID
	}
	running := c.cancel != nil
	if cfg.Enabled && !running && c.sender != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel, c.done = cancel, make(chan struct{})
		go c.run(ctx, c.done)
	}
	c.mu.Unlock()

	if !cfg.Enabled && running {
		c.stop()
	}
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-c.queue:
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_, _ = c.sender.SendText(sctx, line.to, line.msg, &transport.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to, minLevel, allow, live := c.target, c.minLevel, c.allow, c.cancel != nil
	c.mu.Unlock()

	if !live || to.ChatID == 0 || level < minLevel || !allow.Allow() {
		return len(p), nil
	}
	if msg := formatTelegramJSON(p); msg != "" {
		select {
		case c.queue <- chatLine{to: to, msg: msg}:
		default:
		}
	}
	return len(p), nil
}

// leadKeys are printed first so an operator sees which campaign and profile
// a record is about before the rest.
var leadKeys = []string{"campaign_id", "profile_id", "job_id", "recipient", "status", "err"}

// secretKeys never leave the process through the chat sink.
var secretKeys = map[string]bool{
	"password": true, "token": true, "dsn": true,
	"cookies": true, "cookie": true, "storage_state": true, "storage_state_ref": true,
}

func formatTelegramJSON(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	write := func(k string) {
		v := fmt.Sprint(m[k])
		switch {
		case secretKeys[strings.ToLower(k)]:
			v = "[redacted]"
		case k == "stack":
			v = truncate(v, 900)
		default:
			v = truncate(v, 600)
		}
		b.WriteString("\n- " + k + "=" + v)
	}
	skip := map[string]bool{"time": true, "level": true, "message": true, zerolog.CallerFieldName: true}
	for _, k := range leadKeys {
		skip[k] = true
		if _, ok := m[k]; ok {
			write(k)
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		if !skip[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		write(k)
	}
	return truncate(b.String(), chatMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
