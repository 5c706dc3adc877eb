package storage

import (
	"context"
	"errors"
	"time"

	"dispatchd/internal/model"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): Path is the database file
//   - "postgres": DSN is a lib/pq connection string
//   - "memory": nothing is persisted
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type ProfileFilter struct {
	Platform model.Platform
	// WithSession keeps only profiles holding a storage-state reference.
	WithSession bool
}

type LogFilter struct {
	ProfileID  int64
	CampaignID string
	Status     model.LogStatus
	Limit      int // 0 means 100
}

func (f LogFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return 100
	case f.Limit > 10_000:
		return 10_000
	default:
		return f.Limit
	}
}

// MergeFunc computes new credentials from the current ones. It runs while the
// profile row is locked; returning an error aborts the update.
type MergeFunc func(cur model.Credentials) (model.Credentials, error)

// Store is the persistence API used by the dispatch, session and operator
// paths.
type Store interface {
	GetProfile(ctx context.Context, id int64) (model.Profile, error)
	ListProfiles(ctx context.Context, f ProfileFilter) ([]model.Profile, error)
	CreateProfile(ctx context.Context, p model.Profile) (model.Profile, error)
	// UpdateCredentials applies merge atomically and bumps Version.
	UpdateCredentials(ctx context.Context, id int64, merge MergeFunc) (model.Profile, error)

	GetTemplate(ctx context.Context, id int64) (model.Template, error)
	ListTemplates(ctx context.Context) ([]model.Template, error)
	CreateTemplate(ctx context.Context, t model.Template) (model.Template, error)

	ListEntries(ctx context.Context, profileID int64) ([]model.ListEntry, error)
	CreateListEntry(ctx context.Context, e model.ListEntry) (model.ListEntry, error)

	AppendLog(ctx context.Context, e model.LogEntry) (model.LogEntry, error)
	ListLogs(ctx context.Context, f LogFilter) ([]model.LogEntry, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

func validateProfile(p model.Profile) error {
	if p.Name == "" {
		return model.Invalid("name", "required")
	}
	if _, err := model.ParsePlatform(string(p.Platform)); err != nil {
		return err
	}
	return p.Credentials.Validate(p.Platform)
}

func validateTemplate(t model.Template) error {
	if t.Name == "" {
		return model.Invalid("name", "required")
	}
	if t.Body == "" {
		return model.Invalid("body", "required")
	}
	return nil
}

func validateListEntry(e model.ListEntry) error {
	switch e.Type {
	case model.ListWhitelist, model.ListBlacklist:
	default:
		return model.Invalid("type", "unknown list type %q", e.Type)
	}
	if e.Value == "" {
		return model.Invalid("value", "required")
	}
	return nil
}

func matchProfile(p model.Profile, f ProfileFilter) bool {
	if f.Platform != "" && p.Platform != f.Platform {
		return false
	}
	if f.WithSession && (p.Credentials.Chat == nil || p.Credentials.Chat.StorageStateRef == "") {
		return false
	}
	return true
}
