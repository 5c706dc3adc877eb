// Package browser drives isolated Chromium contexts through go-rod for
// session capture and the chat web sender.
package browser

import (
	"context"
	"errors"
)

// ErrElementNotFound means a selector matched nothing before the page
// timeout.
var ErrElementNotFound = errors.New("element not found")

// Options shape a new isolated context.
type Options struct {
	Proxy     string
	UserAgent string
}

// Browser hands out isolated pages. Implementations must be safe for
// concurrent use.
type Browser interface {
	NewPage(ctx context.Context, opt Options) (Page, error)
	Close() error
}

// Page is a single tab inside its own incognito context. Close releases the
// context and every cookie in it.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	UserAgent(ctx context.Context) (string, error)

	// Seed installs cookies and local storage before any navigation.
	Seed(ctx context.Context, st StorageState) error
	// State exports the context's cookies plus local storage of the current
	// origin.
	State(ctx context.Context) (StorageState, error)

	Type(ctx context.Context, selector, text string) error
	Submit(ctx context.Context, selector string) error

	Close() error
}
