// Package session captures and refreshes authenticated browser sessions for
// cookie-based chat profiles.
//
// Captures wait for an operator to log in by hand, so they run on the
// manager's own goroutines and never on dispatch workers. At most one capture
// or refresh runs per profile; a semaphore bounds how many run overall.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dispatchd/internal/browser"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/model"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"
)

type State string

const (
	StateUnauthenticated     State = "unauthenticated"
	StateAwaitingManualLogin State = "awaiting_manual_login"
	StateCaptured            State = "captured"
	StateValid               State = "valid"
	StateExpired             State = "expired"
)

var ErrNoCaptureWaiting = errors.New("no capture waiting for this profile")

type Config struct {
	DefaultMaxWait time.Duration
	MaxConcurrent  int
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxWait <= 0 {
		c.DefaultMaxWait = 120 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	return c
}

// Store is the part of storage.Store the manager needs.
type Store interface {
	GetProfile(ctx context.Context, id int64) (model.Profile, error)
	ListProfiles(ctx context.Context, f storage.ProfileFilter) ([]model.Profile, error)
	UpdateCredentials(ctx context.Context, id int64, merge storage.MergeFunc) (model.Profile, error)
}

// Blobs persists storage-state blobs.
type Blobs interface {
	Write(profileID int64, data []byte) (string, error)
	Overwrite(ref string, data []byte) error
	Read(ref string) ([]byte, error)
}

type CaptureRequest struct {
	ProfileID int64
	LoginURL  string
	// MaxWait bounds the manual login; 0 uses the configured default.
	MaxWait time.Duration
	// Proxy overrides the profile's proxy.
	Proxy string
}

type RefreshRequest struct {
	ProfileID int64
	Proxy     string
}

type Manager struct {
	cfg   Config
	store Store
	blobs Blobs
	br    browser.Browser
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	sem chan struct{}

	mu     sync.Mutex
	states map[int64]State
	busy   map[int64]bool
	done   map[int64]chan struct{}
}

func New(cfg Config, store Store, blobs Blobs, br browser.Browser, bus eventbus.Bus, log logx.Logger) *Manager {
	cfg = cfg.withDefaults()
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		blobs:  blobs,
		br:     br,
		bus:    bus,
		log:    log.With(logx.String("comp", "session")),
		now:    time.Now,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		states: map[int64]State{},
		busy:   map[int64]bool{},
		done:   map[int64]chan struct{}{},
	}
}

// Run marks profiles expired when the dispatch path reports an auth failure.
func (m *Manager) Run(ctx context.Context) error {
	ch, unsub := m.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.SessionExpired {
				continue
			}
			if se, ok := ev.Data.(eventbus.SessionEvent); ok {
				m.MarkExpired(se.ProfileID)
			}
		}
	}
}

func (m *Manager) sessionProfile(ctx context.Context, id int64) (model.Profile, error) {
	p, err := m.store.GetProfile(ctx, id)
	if err != nil {
		return model.Profile{}, err
	}
	if !p.Platform.SessionBased() {
		return model.Profile{}, fmt.Errorf("%w: profile %d is %s", model.ErrChannelNotSessionBased, id, p.Platform)
	}
	return p, nil
}

func (m *Manager) begin(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[id] {
		return false
	}
	m.busy[id] = true
	return true
}

func (m *Manager) end(id int64) {
	m.mu.Lock()
	delete(m.busy, id)
	delete(m.done, id)
	m.mu.Unlock()
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() { <-m.sem }

func (m *Manager) setState(id int64, s State) {
	m.mu.Lock()
	prev := m.states[id]
	m.states[id] = s
	m.mu.Unlock()
	if prev != s {
		m.log.Debug("session state", logx.Int64("profile_id", id), logx.String("from", string(prev)), logx.String("to", string(s)))
	}
}

// Capture opens LoginURL in a fresh isolated context, waits for the operator
// to log in (up to MaxWait, or until Complete), then persists the session.
func (m *Manager) Capture(ctx context.Context, req CaptureRequest) (model.SessionSnapshot, error) {
	if strings.TrimSpace(req.LoginURL) == "" {
		return model.SessionSnapshot{}, model.Invalid("login_url", "required")
	}
	if req.MaxWait < 0 {
		return model.SessionSnapshot{}, model.Invalid("max_wait_ms", "must be >= 0")
	}
	p, err := m.sessionProfile(ctx, req.ProfileID)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	if !m.begin(p.ID) {
		return model.SessionSnapshot{}, model.ErrSessionBusy
	}
	defer m.end(p.ID)

	if err := m.acquire(ctx); err != nil {
		return model.SessionSnapshot{}, err
	}
	defer m.release()

	maxWait := req.MaxWait
	if maxWait == 0 {
		maxWait = m.cfg.DefaultMaxWait
	}
	proxy := firstNonEmpty(req.Proxy, p.Proxy)
	log := m.log.With(logx.Int64("profile_id", p.ID))

	prevState := m.stateOf(p)
	page, err := m.br.NewPage(ctx, browser.Options{Proxy: proxy})
	if err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("open browser context: %w", err)
	}
	defer func() { _ = page.Close() }()

	if err := page.Navigate(ctx, req.LoginURL); err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("open login page: %w", err)
	}

	done := make(chan struct{}, 1)
	m.mu.Lock()
	m.done[p.ID] = done
	m.mu.Unlock()
	m.setState(p.ID, StateAwaitingManualLogin)
	log.Info("waiting for manual login", logx.Duration("max_wait", maxWait))

	t := time.NewTimer(maxWait)
	select {
	case <-t.C:
	case <-done:
		t.Stop()
		log.Info("manual login completed early")
	case <-ctx.Done():
		t.Stop()
		m.setState(p.ID, prevState)
		return model.SessionSnapshot{}, ctx.Err()
	}

	st, err := page.State(ctx)
	if err != nil {
		m.setState(p.ID, prevState)
		return model.SessionSnapshot{}, fmt.Errorf("read session state: %w", err)
	}
	ua, err := page.UserAgent(ctx)
	if err != nil {
		m.setState(p.ID, prevState)
		return model.SessionSnapshot{}, fmt.Errorf("read user agent: %w", err)
	}
	m.setState(p.ID, StateCaptured)

	blob, err := st.Marshal()
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	ref, err := m.blobs.Write(p.ID, blob)
	if err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("write storage state: %w", err)
	}
	snap, err := m.merge(ctx, p.ID, st, ref, ua)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	log.Info("session captured", logx.Int("cookies", len(snap.Cookies)))
	m.bus.Publish(eventbus.Event{Type: eventbus.SessionCaptured, Data: eventbus.SessionEvent{ProfileID: p.ID, StorageStateRef: ref}})
	return snap, nil
}

// Refresh reopens the stored session without any login page or manual wait,
// re-reads cookies and the user agent, and rewrites the same blob.
func (m *Manager) Refresh(ctx context.Context, req RefreshRequest) (model.SessionSnapshot, error) {
	p, err := m.sessionProfile(ctx, req.ProfileID)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	creds := p.Credentials.Chat
	if creds == nil || creds.StorageStateRef == "" {
		return model.SessionSnapshot{}, fmt.Errorf("%w: profile %d", model.ErrNoStoredSession, p.ID)
	}
	if !m.begin(p.ID) {
		return model.SessionSnapshot{}, model.ErrSessionBusy
	}
	defer m.end(p.ID)

	ref := creds.StorageStateRef
	raw, err := m.blobs.Read(ref)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	prev, err := browser.ParseStorageState(raw)
	if err != nil {
		return model.SessionSnapshot{}, err
	}

	if err := m.acquire(ctx); err != nil {
		return model.SessionSnapshot{}, err
	}
	defer m.release()

	page, err := m.br.NewPage(ctx, browser.Options{Proxy: firstNonEmpty(req.Proxy, p.Proxy), UserAgent: creds.UserAgent})
	if err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("open browser context: %w", err)
	}
	defer func() { _ = page.Close() }()

	if err := page.Seed(ctx, prev); err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("seed session: %w", err)
	}
	st, err := page.State(ctx)
	if err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("read session state: %w", err)
	}
	ua, err := page.UserAgent(ctx)
	if err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("read user agent: %w", err)
	}
	st.Origins = browser.MergeOrigins(prev.Origins, st.Origins)

	blob, err := st.Marshal()
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	if err := m.blobs.Overwrite(ref, blob); err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("write storage state: %w", err)
	}
	snap, err := m.merge(ctx, p.ID, st, ref, ua)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	m.log.Info("session refreshed", logx.Int64("profile_id", p.ID), logx.Int("cookies", len(snap.Cookies)))
	m.bus.Publish(eventbus.Event{Type: eventbus.SessionRefresh, Data: eventbus.SessionEvent{ProfileID: p.ID, StorageStateRef: ref}})
	return snap, nil
}

func (m *Manager) merge(ctx context.Context, id int64, st browser.StorageState, ref, ua string) (model.SessionSnapshot, error) {
	snap := model.SessionSnapshot{
		ProfileID:       id,
		Cookies:         st.Cookies,
		StorageStateRef: ref,
		UserAgent:       ua,
		CapturedAt:      m.now(),
	}
	if _, err := m.store.UpdateCredentials(ctx, id, model.MergeSession(snap)); err != nil {
		return model.SessionSnapshot{}, fmt.Errorf("merge credentials: %w", err)
	}
	m.setState(id, StateValid)
	return snap, nil
}

// Complete ends a pending manual-login wait early.
func (m *Manager) Complete(profileID int64) error {
	m.mu.Lock()
	ch, ok := m.done[profileID]
	m.mu.Unlock()
	if !ok {
		return ErrNoCaptureWaiting
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

func (m *Manager) MarkExpired(profileID int64) {
	m.setState(profileID, StateExpired)
	m.log.Warn("session marked expired", logx.Int64("profile_id", profileID))
}

// stateOf falls back to what the stored credentials imply when the profile
// has not been touched since start.
func (m *Manager) stateOf(p model.Profile) State {
	m.mu.Lock()
	s, ok := m.states[p.ID]
	m.mu.Unlock()
	if ok {
		return s
	}
	if c := p.Credentials.Chat; c != nil && c.StorageStateRef != "" {
		return StateCaptured
	}
	return StateUnauthenticated
}

func (m *Manager) State(ctx context.Context, profileID int64) (State, error) {
	p, err := m.sessionProfile(ctx, profileID)
	if err != nil {
		return "", err
	}
	return m.stateOf(p), nil
}

// Snapshot returns the session currently stored for a profile.
func (m *Manager) Snapshot(ctx context.Context, profileID int64) (model.SessionSnapshot, error) {
	p, err := m.sessionProfile(ctx, profileID)
	if err != nil {
		return model.SessionSnapshot{}, err
	}
	c := p.Credentials.Chat
	if c == nil || (c.StorageStateRef == "" && len(c.Cookies) == 0) {
		return model.SessionSnapshot{}, fmt.Errorf("%w: profile %d", model.ErrNoStoredSession, profileID)
	}
	return model.SessionSnapshot{
		ProfileID:       p.ID,
		Cookies:         append([]model.Cookie(nil), c.Cookies...),
		StorageStateRef: c.StorageStateRef,
		UserAgent:       c.UserAgent,
		CapturedAt:      c.CapturedAt,
	}, nil
}

// RefreshAll refreshes every chat profile holding a stored session and
// returns how many succeeded. Profiles busy with another operation are
// skipped.
func (m *Manager) RefreshAll(ctx context.Context) (int, error) {
	profiles, err := m.store.ListProfiles(ctx, storage.ProfileFilter{Platform: model.PlatformChat, WithSession: true})
	if err != nil {
		return 0, err
	}
	ok := 0
	var errs []error
	for _, p := range profiles {
		if ctx.Err() != nil {
			break
		}
		_, err := m.Refresh(ctx, RefreshRequest{ProfileID: p.ID})
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrSessionBusy):
			m.log.Debug("refresh skipped; profile busy", logx.Int64("profile_id", p.ID))
		default:
			m.log.Warn("session refresh failed", logx.Int64("profile_id", p.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("profile %d: %w", p.ID, err))
		}
	}
	return ok, errors.Join(errs...)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
