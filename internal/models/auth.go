package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the JWT claims carried by issued sessions. Generation
// records the credential's session generation at issuance time; a token
// whose generation is below the current persisted value has been
// superseded by a later security event.
type TokenClaims struct {
	Type       string `json:"type"` // "access" or "refresh"
	UserID     string `json:"user_id"`
	Email      string `json:"email,omitempty"`
	Generation int64  `json:"gen"`
	jwt.RegisteredClaims
}

// SessionStatus is the outcome of validating a presented token.
type SessionStatus int

const (
	SessionValid SessionStatus = iota
	// SessionSuperseded means the token's generation is older than the
	// credential's current generation: invalidated elsewhere.
	SessionSuperseded
	// SessionInvalid covers expired, malformed, or unverifiable tokens.
	SessionInvalid
)

func (s SessionStatus) String() string {
	switch s {
	case SessionValid:
		return "valid"
	case SessionSuperseded:
		return "superseded"
	default:
		return "invalid"
	}
}
