package haven_errors

import "errors"

// Common errors
var (
	ErrInvalidParticipants = errors.New("invalid participants")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrFeedDisconnected    = errors.New("feed disconnected")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrAlreadyExists       = errors.New("already exists")
	ErrClosed              = errors.New("closed")
)
