package channel

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"dispatchd/internal/browser"
	"dispatchd/internal/model"
	logx "dispatchd/pkg/logx"
)

type ChatConfig struct {
	// ComposeURL opens a conversation; {recipient} is replaced with the
	// path-escaped recipient id.
	ComposeURL    string
	InputSelector string
	// LoginMarker is a URL fragment that only appears when the session was
	// rejected and the site redirected to its login page.
	LoginMarker string
	SendTimeout time.Duration
}

// StateReader loads a storage-state blob by reference.
type StateReader interface {
	Read(ref string) ([]byte, error)
}

// Chat posts messages through the web client using the profile's captured
// browser session.
type Chat struct {
	cfg    ChatConfig
	br     browser.Browser
	states StateReader
	log    logx.Logger
}

func NewChat(cfg ChatConfig, br browser.Browser, states StateReader, log logx.Logger) *Chat {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 60 * time.Second
	}
	if cfg.InputSelector == "" {
		cfg.InputSelector = `[contenteditable="true"]`
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Chat{cfg: cfg, br: br, states: states, log: log.With(logx.String("comp", "channel.chat"))}
}

func (c *Chat) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(c.cfg.ComposeURL) == "" {
		return Permanent("chat.compose_url is not configured", nil)
	}
	if strings.TrimSpace(msg.Recipient) == "" {
		return Permanent("empty recipient", nil)
	}
	state, ua, err := c.sessionState(msg.Credentials.Chat)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	page, err := c.br.NewPage(ctx, browser.Options{Proxy: msg.Proxy, UserAgent: ua})
	if err != nil {
		return Transient("open browser context", err)
	}
	defer func() { _ = page.Close() }()

	if err := page.Seed(ctx, state); err != nil {
		return Transient("seed session", err)
	}
	target := strings.ReplaceAll(c.cfg.ComposeURL, "{recipient}", url.PathEscape(msg.Recipient))
	if err := page.Navigate(ctx, target); err != nil {
		return Transient("open conversation", err)
	}
	if marker := c.cfg.LoginMarker; marker != "" {
		landed, err := page.URL(ctx)
		if err != nil {
			return Transient("read page url", err)
		}
		if strings.Contains(landed, marker) {
			return AuthExpired("redirected to login", nil)
		}
	}
	if err := page.Type(ctx, c.cfg.InputSelector, msg.Body); err != nil {
		return classifyPage("type message", err)
	}
	if err := page.Submit(ctx, c.cfg.InputSelector); err != nil {
		return classifyPage("submit message", err)
	}
	c.log.Debug("chat message sent", logx.Int64("profile_id", msg.ProfileID))
	return nil
}

// sessionState prefers the storage-state blob and falls back to the inline
// cookie copy.
func (c *Chat) sessionState(creds *model.ChatCredentials) (browser.StorageState, string, error) {
	if creds == nil || (len(creds.Cookies) == 0 && creds.StorageStateRef == "") {
		return browser.StorageState{}, "", AuthExpired("no captured session", nil)
	}
	inline := browser.StorageState{Cookies: creds.Cookies}
	if creds.StorageStateRef == "" || c.states == nil {
		return inline, creds.UserAgent, nil
	}
	raw, err := c.states.Read(creds.StorageStateRef)
	switch {
	case errors.Is(err, model.ErrNoStoredSession):
		if len(creds.Cookies) == 0 {
			return browser.StorageState{}, "", AuthExpired("storage state missing", err)
		}
		return inline, creds.UserAgent, nil
	case err != nil:
		return browser.StorageState{}, "", Transient("read storage state", err)
	}
	st, err := browser.ParseStorageState(raw)
	if err != nil {
		if len(creds.Cookies) == 0 {
			return browser.StorageState{}, "", AuthExpired("storage state unreadable", err)
		}
		return inline, creds.UserAgent, nil
	}
	return st, creds.UserAgent, nil
}

func classifyPage(msg string, err error) error {
	if errors.Is(err, browser.ErrElementNotFound) {
		return Permanent(msg+": compose input not found", err)
	}
	return Transient(msg, err)
}
