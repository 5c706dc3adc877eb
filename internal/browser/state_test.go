package browser

import (
	"testing"

	"dispatchd/internal/model"
)

func TestStorageStateRoundTrip(t *testing.T) {
	t.Parallel()
	in := StorageState{
		Cookies: []model.Cookie{{Name: "sid", Value: "v", Domain: ".chat.example", Path: "/", Expires: 1.7e9, Secure: true}},
		Origins: []OriginState{{Origin: "https://chat.example", LocalStorage: []NameValue{{Name: "token", Value: "t"}}}},
	}
	b, err := in.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := ParseStorageState(b)
	if err != nil {
		t.Fatalf("ParseStorageState: %v", err)
	}
	if len(out.Cookies) != 1 || out.Cookies[0].Expires != 1.7e9 || !out.Cookies[0].Secure {
		t.Fatalf("cookies = %+v", out.Cookies)
	}
	if len(out.Origins) != 1 || out.Origins[0].LocalStorage[0].Value != "t" {
		t.Fatalf("origins = %+v", out.Origins)
	}
}

func TestParseStorageStateInvalid(t *testing.T) {
	t.Parallel()
	if _, err := ParseStorageState([]byte("{not json")); err == nil {
		t.Fatal("expected error")
	}
}

func TestMergeOrigins(t *testing.T) {
	t.Parallel()
	prev := []OriginState{{Origin: "a", LocalStorage: []NameValue{{Name: "k", Value: "old"}}}, {Origin: "b"}}
	next := []OriginState{{Origin: "a", LocalStorage: []NameValue{{Name: "k", Value: "new"}}}}
	got := MergeOrigins(prev, next)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Origin != "a" || got[0].LocalStorage[0].Value != "new" || got[1].Origin != "b" {
		t.Fatalf("MergeOrigins = %+v", got)
	}
}
