// Package model holds the records dispatchd reads and writes, plus the error
// taxonomy shared by the dispatch and session paths.
package model

import (
	"strings"
	"time"
)

type Platform string

const (
	PlatformEmail Platform = "email"
	PlatformChat  Platform = "chat"
)

func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformEmail:
		return PlatformEmail, nil
	case PlatformChat:
		return PlatformChat, nil
	default:
		return "", Invalid("platform", "unknown platform %q", s)
	}
}

// SessionBased reports whether the platform authenticates with a captured
// browser session.
func (p Platform) SessionBased() bool { return p == PlatformChat }

// Profile is a sending identity. Version increases on every credential merge.
type Profile struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Platform    Platform    `json:"platform"`
	Credentials Credentials `json:"credentials"`
	Proxy       string      `json:"proxy,omitempty"`
	Version     int64       `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
}

type Template struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

type ListType string

const (
	ListWhitelist ListType = "whitelist"
	ListBlacklist ListType = "blacklist"
)

type ListEntry struct {
	ID        int64    `json:"id"`
	ProfileID int64    `json:"profile_id"`
	Type      ListType `json:"type"`
	Value     string   `json:"value"`
}

type LogStatus string

const (
	StatusSuccess   LogStatus = "success"
	StatusError     LogStatus = "error"
	StatusCancelled LogStatus = "cancelled"
)

const (
	ActionSend      = "send_message"
	ActionSendEmail = "send_message_email"
	ActionSendChat  = "send_message_chat"
)

// SendAction names the log action for a platform.
func SendAction(p Platform) string {
	switch p {
	case PlatformEmail:
		return ActionSendEmail
	case PlatformChat:
		return ActionSendChat
	default:
		return ActionSend
	}
}

// LogEntry is the append-only dispatch outcome record.
type LogEntry struct {
	ID         int64     `json:"id"`
	ProfileID  int64     `json:"profile_id"`
	CampaignID string    `json:"campaign_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Recipient  string    `json:"recipient,omitempty"`
	Action     string    `json:"action"`
	Status     LogStatus `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Vars are per-recipient template substitutions.
type Vars map[string]any

// Recipient is one addressee of a campaign.
type Recipient struct {
	ID   string `json:"id"`
	Vars Vars   `json:"variables,omitempty"`
}

type ScopeKind string

const (
	ScopeProfile ScopeKind = "profile"
	ScopeChannel ScopeKind = "channel"
)

// RateScope names a token bucket. Channel picks the per-channel limit
// override for both kinds.
type RateScope struct {
	Kind    ScopeKind `json:"kind"`
	Channel Platform  `json:"channel"`
	Key     string    `json:"key"`
}

func (s RateScope) String() string {
	return string(s.Kind) + ":" + string(s.Channel) + ":" + s.Key
}

// Job is one rendered send. It lives only in the worker pool.
type Job struct {
	ID          string
	CampaignID  string
	ProfileID   int64
	TemplateID  int64
	Recipient   string
	Vars        Vars
	ScheduledAt time.Time
	Scope       RateScope
}

// SessionSnapshot is what a capture or refresh produces.
type SessionSnapshot struct {
	ProfileID       int64     `json:"profile_id"`
	Cookies         []Cookie  `json:"cookies"`
	StorageStateRef string    `json:"storage_state_ref"`
	UserAgent       string    `json:"user_agent"`
	CapturedAt      time.Time `json:"captured_at"`
}
