package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jcollis/bastion/internal/models"
)

// TokenManager handles JWT token generation and validation. Tokens carry
// the credential's session generation; generation comparison happens in
// the session service, not here.
type TokenManager struct {
	secret             string
	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret string, accessExpiry, refreshExpiry time.Duration) *TokenManager {
	return &TokenManager{
		secret:             secret,
		accessTokenExpiry:  accessExpiry,
		refreshTokenExpiry: refreshExpiry,
	}
}

// GenerateAccessToken creates a short-lived access token stamped with the
// credential's current session generation
func (tm *TokenManager) GenerateAccessToken(userID, email string, generation int64) (string, error) {
	return tm.generate("access", userID, email, generation, tm.accessTokenExpiry)
}

// GenerateRefreshToken creates a long-lived refresh token stamped with the
// credential's current session generation
func (tm *TokenManager) GenerateRefreshToken(userID, email string, generation int64) (string, error) {
	return tm.generate("refresh", userID, email, generation, tm.refreshTokenExpiry)
}

func (tm *TokenManager) generate(tokenType, userID, email string, generation int64, expiry time.Duration) (string, error) {
	claims := &models.TokenClaims{
		Type:       tokenType,
		UserID:     userID,
		Email:      email,
		Generation: generation,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString([]byte(tm.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}

	return tokenString, nil
}

// ValidateToken verifies a token signature and returns its claims.
// Generation staleness is not decided here; callers compare the claim
// against the persisted generation.
func (tm *TokenManager) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(tm.secret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, models.ErrUnauthorized
	}

	if claims.Type == "" {
		return nil, fmt.Errorf("invalid token: missing type")
	}

	return claims, nil
}
