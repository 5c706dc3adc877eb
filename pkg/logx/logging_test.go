package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dispatchd/internal/transport"
)

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["message"] != "hello" {
		t.Fatalf("message = %v, want hello", m["message"])
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v, want test", m["comp"])
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v, want 3", m["n"])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("ignored")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()
	got := formatTelegramJSON([]byte(`{"level":"warn","message":"session expired","profile_id":7,"time":"x"}`))
	if !strings.HasPrefix(got, "[WARN] session expired") {
		t.Fatalf("prefix = %q", got)
	}
	if !strings.Contains(got, "- profile_id=7") {
		t.Fatalf("missing field in %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time should be omitted: %q", got)
	}
}

func TestFormatTelegramJSONLeadsWithDispatchKeysAndRedacts(t *testing.T) {
	t.Parallel()
	got := formatTelegramJSON([]byte(`{"level":"error","message":"send failed","zeta":1,"profile_id":7,"campaign_id":"c1","password":"hunter2","storage_state_ref":"/s/7.json","caller":"x.go:1"}`))
	lines := strings.Split(got, "\n")
	want := []string{"[ERROR] send failed", "- campaign_id=c1", "- profile_id=7", "- password=[redacted]", "- storage_state_ref=[redacted]", "- zeta=1"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Fatalf("formatTelegramJSON() =\n%s\nwant\n%s", got, strings.Join(want, "\n"))
	}
	if strings.Contains(got, "hunter2") {
		t.Fatalf("secret leaked: %q", got)
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	to   []transport.ChatTarget
}

func (r *recordingSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	r.to = append(r.to, to)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestServiceForwardsWarningsToChat(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	svc, log := New(Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, ThreadID: 9, RatePerSec: 100}}, sender)
	defer func() { _ = svc.Close() }()
	svc.SetTelegramTarget(42, 0)

	log.Info("routine")
	log.Warn("session expired", Int64("profile_id", 7))

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %d, want 1 (%q)", len(sender.sent), sender.sent)
	}
	if !strings.HasPrefix(sender.sent[0], "[WARN] session expired") {
		t.Fatalf("sent[0] = %q", sender.sent[0])
	}
	if got := sender.to[0]; got.ChatID != 42 || got.ThreadID != 9 {
		t.Fatalf("target = %+v, want chat 42 thread 9", got)
	}
}

func TestServiceApplyDisablesChat(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{}
	svc, log := New(Config{Telegram: TelegramConfig{Enabled: true, RatePerSec: 100}}, sender)
	defer func() { _ = svc.Close() }()
	svc.SetTelegramTarget(42, 0)

	svc.Apply(Config{})
	log.Error("after reload")
	time.Sleep(50 * time.Millisecond)
	if n := sender.count(); n != 0 {
		t.Fatalf("sent = %d, want 0 after chat sink disabled", n)
	}
}
