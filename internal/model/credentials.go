package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type EmailProvider string

const (
	ProviderSMTP EmailProvider = "smtp"
	ProviderSES  EmailProvider = "ses"
)

// EmailCredentials configure SMTP submission or SES.
//
// Plaintext selects a local mail catcher: no TLS and no authentication.
type EmailCredentials struct {
	Provider  EmailProvider `json:"provider,omitempty"`
	Host      string        `json:"host,omitempty"`
	Port      int           `json:"port,omitempty"`
	User      string        `json:"user,omitempty"`
	Password  string        `json:"password,omitempty"`
	UseTLS    bool          `json:"use_tls"`
	Plaintext bool          `json:"plaintext,omitempty"`
	From      string        `json:"from,omitempty"`
	Region    string        `json:"region,omitempty"`
}

// Sender returns the envelope sender, falling back to the login user.
func (c EmailCredentials) Sender() string {
	if s := strings.TrimSpace(c.From); s != "" {
		return s
	}
	return strings.TrimSpace(c.User)
}

type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds, <=0 for session cookies
	HTTPOnly bool    `json:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"same_site,omitempty"`
}

// ChatCredentials hold the inline cookie copy and the storage-state pointer.
type ChatCredentials struct {
	Cookies         []Cookie  `json:"cookies,omitempty"`
	StorageStateRef string    `json:"storage_state_ref,omitempty"`
	UserAgent       string    `json:"user_agent,omitempty"`
	CapturedAt      time.Time `json:"captured_at,omitempty"`
}

// Credentials is a tagged variant: exactly one of Email or Chat is set,
// matching the owning profile's platform.
type Credentials struct {
	Email *EmailCredentials `json:"email,omitempty"`
	Chat  *ChatCredentials  `json:"chat,omitempty"`
}

func (c Credentials) Platform() Platform {
	switch {
	case c.Email != nil && c.Chat == nil:
		return PlatformEmail
	case c.Chat != nil && c.Email == nil:
		return PlatformChat
	default:
		return ""
	}
}

// Validate checks that the variant matches p. An empty variant is allowed for
// chat profiles that have not been captured yet.
func (c Credentials) Validate(p Platform) error {
	if c.Email != nil && c.Chat != nil {
		return Invalid("credentials", "both email and chat variants set")
	}
	switch p {
	case PlatformEmail:
		if c.Email == nil {
			return Invalid("credentials", "email profile requires email credentials")
		}
		if c.Email.Provider != ProviderSES && strings.TrimSpace(c.Email.Host) == "" {
			return Invalid("credentials.email.host", "required for smtp")
		}
	case PlatformChat:
		if c.Email != nil {
			return Invalid("credentials", "chat profile cannot carry email credentials")
		}
	default:
		return Invalid("platform", "unknown platform %q", p)
	}
	return nil
}

// Clone returns a deep copy so merge functions never alias stored state.
func (c Credentials) Clone() Credentials {
	var out Credentials
	if c.Email != nil {
		e := *c.Email
		out.Email = &e
	}
	if c.Chat != nil {
		ch := *c.Chat
		ch.Cookies = append([]Cookie(nil), c.Chat.Cookies...)
		out.Chat = &ch
	}
	return out
}

func (c Credentials) MarshalBlob() ([]byte, error) {
	return json.Marshal(c)
}

func UnmarshalCredentials(b []byte) (Credentials, error) {
	var c Credentials
	if len(b) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return Credentials{}, errors.Join(ErrCorruptCredentials, err)
	}
	return c, nil
}

// MergeSession overwrites the session fields in place and keeps nothing else.
func MergeSession(snap SessionSnapshot) func(Credentials) (Credentials, error) {
	return func(cur Credentials) (Credentials, error) {
		if cur.Email != nil {
			return cur, ErrChannelNotSessionBased
		}
		next := cur.Clone()
		next.Chat = &ChatCredentials{
			Cookies:         append([]Cookie(nil), snap.Cookies...),
			StorageStateRef: snap.StorageStateRef,
			UserAgent:       snap.UserAgent,
			CapturedAt:      snap.CapturedAt,
		}
		return next, nil
	}
}
