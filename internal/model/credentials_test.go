package model

import (
	"errors"
	"testing"
	"time"
)

func TestCredentialsValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		creds    Credentials
		platform Platform
		wantErr  bool
	}{
		{name: "smtp ok", creds: Credentials{Email: &EmailCredentials{Host: "smtp.x", Port: 465}}, platform: PlatformEmail},
		{name: "ses without host", creds: Credentials{Email: &EmailCredentials{Provider: ProviderSES}}, platform: PlatformEmail},
		{name: "smtp missing host", creds: Credentials{Email: &EmailCredentials{}}, platform: PlatformEmail, wantErr: true},
		{name: "email missing", creds: Credentials{}, platform: PlatformEmail, wantErr: true},
		{name: "chat empty", creds: Credentials{}, platform: PlatformChat},
		{name: "chat with email", creds: Credentials{Email: &EmailCredentials{Host: "h"}}, platform: PlatformChat, wantErr: true},
		{name: "both", creds: Credentials{Email: &EmailCredentials{Host: "h"}, Chat: &ChatCredentials{}}, platform: PlatformChat, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.creds.Validate(tt.platform)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsValidation(err) {
				t.Fatalf("Validate() err = %T, want *ValidationError", err)
			}
		})
	}
}

func TestMergeSessionOverwrites(t *testing.T) {
	t.Parallel()
	cur := Credentials{Chat: &ChatCredentials{
		Cookies:         []Cookie{{Name: "old", Value: "1"}},
		StorageStateRef: "states/profile_1.json",
		UserAgent:       "ua-old",
	}}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := SessionSnapshot{
		Cookies:         []Cookie{{Name: "sid", Value: "abc"}},
		StorageStateRef: "states/profile_1.json",
		UserAgent:       "ua-new",
		CapturedAt:      at,
	}
	next, err := MergeSession(snap)(cur)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if next.Chat.UserAgent != "ua-new" {
		t.Fatalf("UserAgent = %q, want ua-new", next.Chat.UserAgent)
	}
	if len(next.Chat.Cookies) != 1 || next.Chat.Cookies[0].Name != "sid" {
		t.Fatalf("Cookies = %+v", next.Chat.Cookies)
	}
	if cur.Chat.UserAgent != "ua-old" {
		t.Fatal("merge mutated the input")
	}
}

func TestMergeSessionRejectsEmail(t *testing.T) {
	t.Parallel()
	_, err := MergeSession(SessionSnapshot{})(Credentials{Email: &EmailCredentials{Host: "h"}})
	if !errors.Is(err, ErrChannelNotSessionBased) {
		t.Fatalf("err = %v, want ErrChannelNotSessionBased", err)
	}
}

func TestCredentialsBlobRoundTripKeepsVariant(t *testing.T) {
	t.Parallel()
	b, err := Credentials{Chat: &ChatCredentials{UserAgent: "ua"}}.MarshalBlob()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c, err := UnmarshalCredentials(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Platform() != PlatformChat {
		t.Fatalf("Platform() = %q, want chat", c.Platform())
	}
	if _, err := UnmarshalCredentials([]byte("{")); !errors.Is(err, ErrCorruptCredentials) {
		t.Fatalf("corrupt blob err = %v", err)
	}
}
