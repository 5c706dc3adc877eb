package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"dispatchd/internal/model"
)

// memStore keeps everything in maps guarded by one mutex. Records are copied
// on the way in and out so callers never share credential pointers.
type memStore struct {
	mu sync.Mutex

	nextID    int64
	profiles  map[int64]model.Profile
	templates map[int64]model.Template
	entries   []model.ListEntry
	logs      []model.LogEntry
	dedup     map[string]int64 // unix milli
	closed    bool
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memStore{
		profiles:  map[int64]model.Profile{},
		templates: map[int64]model.Template{},
		dedup:     map[string]int64{},
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func copyProfile(p model.Profile) model.Profile {
	p.Credentials = p.Credentials.Clone()
	return p
}

func (s *memStore) GetProfile(_ context.Context, id int64) (model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Profile{}, ErrClosed
	}
	p, ok := s.profiles[id]
	if !ok {
		return model.Profile{}, fmt.Errorf("%w: %d", model.ErrProfileNotFound, id)
	}
	return copyProfile(p), nil
}

func (s *memStore) ListProfiles(_ context.Context, f ProfileFilter) ([]model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []model.Profile
	for _, p := range s.profiles {
		if matchProfile(p, f) {
			out = append(out, copyProfile(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CreateProfile(_ context.Context, p model.Profile) (model.Profile, error) {
	if err := validateProfile(p); err != nil {
		return model.Profile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Profile{}, ErrClosed
	}
	p.ID = s.id()
	p.Version = 0
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p = copyProfile(p)
	s.profiles[p.ID] = p
	return copyProfile(p), nil
}

func (s *memStore) UpdateCredentials(_ context.Context, id int64, merge MergeFunc) (model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Profile{}, ErrClosed
	}
	p, ok := s.profiles[id]
	if !ok {
		return model.Profile{}, fmt.Errorf("%w: %d", model.ErrProfileNotFound, id)
	}
	next, err := merge(p.Credentials.Clone())
	if err != nil {
		return model.Profile{}, err
	}
	if err := next.Validate(p.Platform); err != nil {
		return model.Profile{}, err
	}
	p.Credentials = next.Clone()
	p.Version++
	s.profiles[id] = p
	return copyProfile(p), nil
}

func (s *memStore) GetTemplate(_ context.Context, id int64) (model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Template{}, ErrClosed
	}
	t, ok := s.templates[id]
	if !ok {
		return model.Template{}, fmt.Errorf("%w: %d", model.ErrTemplateNotFound, id)
	}
	return t, nil
}

func (s *memStore) ListTemplates(_ context.Context) ([]model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]model.Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CreateTemplate(_ context.Context, t model.Template) (model.Template, error) {
	if err := validateTemplate(t); err != nil {
		return model.Template{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Template{}, ErrClosed
	}
	t.ID = s.id()
	s.templates[t.ID] = t
	return t, nil
}

func (s *memStore) ListEntries(_ context.Context, profileID int64) ([]model.ListEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []model.ListEntry
	for _, e := range s.entries {
		if e.ProfileID == profileID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) CreateListEntry(_ context.Context, e model.ListEntry) (model.ListEntry, error) {
	if err := validateListEntry(e); err != nil {
		return model.ListEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ListEntry{}, ErrClosed
	}
	if _, ok := s.profiles[e.ProfileID]; !ok {
		return model.ListEntry{}, fmt.Errorf("%w: %d", model.ErrProfileNotFound, e.ProfileID)
	}
	e.ID = s.id()
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *memStore) AppendLog(_ context.Context, e model.LogEntry) (model.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.LogEntry{}, ErrClosed
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.ID = s.id()
	s.logs = append(s.logs, e)
	return e, nil
}

func (s *memStore) ListLogs(_ context.Context, f LogFilter) ([]model.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	limit := f.limit()
	var out []model.LogEntry
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.logs[i]
		if f.ProfileID != 0 && e.ProfileID != f.ProfileID {
			continue
		}
		if f.CampaignID != "" && e.CampaignID != f.CampaignID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dedup[key] = until.UnixMilli()
	return nil
}

func (s *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
