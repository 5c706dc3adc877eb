// Package channel sends one rendered message through a platform transport and
// reports failures as transient, permanent or auth-expired.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dispatchd/internal/model"
)

type Kind int

const (
	KindTransient Kind = iota + 1
	KindPermanent
	KindAuthExpired
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAuthExpired:
		return "auth_expired"
	default:
		return "unknown"
	}
}

// Error is the only error type adapters return.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(msg string, err error) error { return &Error{Kind: KindTransient, Msg: msg, Err: err} }
func Permanent(msg string, err error) error { return &Error{Kind: KindPermanent, Msg: msg, Err: err} }
func AuthExpired(msg string, err error) error {
	return &Error{Kind: KindAuthExpired, Msg: msg, Err: err}
}

// KindOf classifies err. Errors that did not come from an adapter are
// treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// Message is one rendered send.
type Message struct {
	ProfileID   int64
	Recipient   string
	Subject     string
	Body        string
	Credentials model.Credentials
	Proxy       string
}

type Adapter interface {
	Send(ctx context.Context, msg Message) error
}

// AdapterFunc lets plain functions act as adapters.
type AdapterFunc func(ctx context.Context, msg Message) error

func (f AdapterFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Registry selects the adapter for a platform.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Platform]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[model.Platform]Adapter{}}
}

func (r *Registry) Register(p model.Platform, a Adapter) {
	r.mu.Lock()
	r.adapters[p] = a
	r.mu.Unlock()
}

func (r *Registry) For(p model.Platform) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[p]
	r.mu.RUnlock()
	if !ok {
		return nil, Permanent(fmt.Sprintf("no adapter for platform %q", p), nil)
	}
	return a, nil
}
