package models

import "time"

// AttemptRecord is a single authentication attempt. Rows are append-only:
// the engine never mutates or deletes them, only the background cleanup
// task prunes rows past expires_at.
type AttemptRecord struct {
	ID              string
	UserID          *string // nil when the email did not resolve to an account
	Email           string
	Origin          string // client IP
	ClientSignature string // User-Agent header
	Success         bool
	FailureReason   *string
	AttemptTime     time.Time
	ExpiresAt       time.Time
}
