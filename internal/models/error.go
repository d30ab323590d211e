package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Account state errors
	ErrAccountLocked    = errors.New("account is temporarily locked")
	ErrAccountBlocked   = errors.New("account is permanently blocked")
	ErrEmailNotVerified = errors.New("email address not verified")
	ErrTermsNotAccepted = errors.New("terms of service not accepted")

	// Origin blocking errors
	ErrOriginBlocked = errors.New("origin is blocked")

	// ErrSessionSuperseded is distinct from ErrUnauthorized so clients can
	// show a "logged in elsewhere" message instead of a generic auth failure.
	ErrSessionSuperseded = errors.New("session superseded by a newer login")

	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)
