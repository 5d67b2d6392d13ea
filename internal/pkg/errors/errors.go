package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated rejects a session open with a bad or expired credential.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrQuotaExceeded denies a reservation before any cost is incurred.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrProviderFailure marks a completion stream error or timeout.
	ErrProviderFailure = errors.New("provider failure")
	// ErrConversationClosed rejects input on a terminally closed conversation.
	ErrConversationClosed = errors.New("conversation closed")
	// ErrSessionExpired marks an idle-timeout close.
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
)
