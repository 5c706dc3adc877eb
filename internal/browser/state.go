package browser

import (
	"encoding/json"
	"fmt"

	"dispatchd/internal/model"
)

// StorageState is the persisted form of a logged-in context: every cookie
// plus per-origin local storage.
type StorageState struct {
	Cookies []model.Cookie `json:"cookies"`
	Origins []OriginState  `json:"origins"`
}

type OriginState struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s StorageState) Marshal() ([]byte, error) {
	if s.Cookies == nil {
		s.Cookies = []model.Cookie{}
	}
	if s.Origins == nil {
		s.Origins = []OriginState{}
	}
	return json.MarshalIndent(s, "", "  ")
}

func ParseStorageState(b []byte) (StorageState, error) {
	var s StorageState
	if err := json.Unmarshal(b, &s); err != nil {
		return StorageState{}, fmt.Errorf("parse storage state: %w", err)
	}
	return s, nil
}

// MergeOrigins keeps prev's origins unless next carries the same origin.
func MergeOrigins(prev, next []OriginState) []OriginState {
	seen := make(map[string]bool, len(next))
	out := make([]OriginState, 0, len(prev)+len(next))
	for _, o := range next {
		seen[o.Origin] = true
		out = append(out, o)
	}
	for _, o := range prev {
		if !seen[o.Origin] {
			out = append(out, o)
		}
	}
	return out
}
