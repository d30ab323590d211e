package models

import (
	"time"
)

// User is the credential entity. The lockout counters and the session
// generation live directly on the row so they can be advanced with
// single-statement SQL under concurrent logins.
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	Name          string
	EmailVerified bool
	Role          string // "user", "admin", "superadmin"

	// Lockout state. Temporary locks are derived lazily at login time
	// from the counter and timestamp; only the permanent flag is stored.
	FailedLoginCount   int
	LastFailedLoginAt  *time.Time
	PermanentlyBlocked bool

	// SessionGeneration only ever increases. Tokens issued with an older
	// generation are conclusively stale.
	SessionGeneration int64

	TermsAcceptedAt   *time.Time
	PasswordChangedAt *time.Time

	// TOTP re-verification material (AES-GCM encrypted secret + nonce).
	TOTPSecret  []byte
	TOTPNonce   []byte
	TOTPEnabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tier returns the user's privilege tier.
func (u *User) Tier() PrivilegeTier {
	return TierForRole(u.Role)
}
