package model

import (
	"errors"
	"fmt"
)

var (
	ErrProfileNotFound  = errors.New("profile not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrNoStoredSession  = errors.New("no stored session")

	ErrChannelNotSessionBased = errors.New("channel is not session based")
	ErrSessionBusy            = errors.New("session operation already running for profile")

	ErrRateLimitTimeout     = errors.New("rate limit wait timed out")
	ErrRateLimitUnavailable = errors.New("rate limit scope closed")

	ErrCorruptCredentials = errors.New("corrupt credentials blob")
)

// ValidationError rejects malformed input before anything is enqueued.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports the permanent "record absent" family.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProfileNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrNoStoredSession)
}
