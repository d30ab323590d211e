package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jcollis/bastion/internal/auth"
	"github.com/jcollis/bastion/internal/models"
	pkglogger "github.com/jcollis/bastion/pkg/logger"
)

// sessionUserRepo is the slice of the user repository the session
// controller needs
type sessionUserRepo interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetSessionGeneration(ctx context.Context, id string) (int64, error)
	BumpSessionGeneration(ctx context.Context, id string) (int64, error)
}

// TokenPair is an issued access/refresh token pair
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// SessionService enforces single-active-session-generation semantics.
// Every token embeds the credential's generation at issuance; advancing
// the generation invalidates everything issued before. This is the sole
// forced-logout mechanism: there is no revocation list.
type SessionService struct {
	users  sessionUserRepo
	tm     *auth.TokenManager
	logger *slog.Logger
	audit  *pkglogger.AuditLogger
}

// NewSessionService creates a new SessionService
func NewSessionService(users sessionUserRepo, tm *auth.TokenManager, logger *slog.Logger, audit *pkglogger.AuditLogger) *SessionService {
	return &SessionService{
		users:  users,
		tm:     tm,
		logger: logger,
		audit:  audit,
	}
}

// Issue creates a token pair carrying the user's current generation
func (s *SessionService) Issue(user *models.User) (*TokenPair, error) {
	accessToken, err := s.tm.GenerateAccessToken(user.ID, user.Email, user.SessionGeneration)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := s.tm.GenerateRefreshToken(user.ID, user.Email, user.SessionGeneration)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// Validate parses a token and checks its generation against the
// credential's current one. A token with an older generation was
// invalidated elsewhere and gets a distinct superseded outcome so the
// client can say "you were logged in elsewhere" instead of a generic
// auth failure.
func (s *SessionService) Validate(ctx context.Context, tokenString string) (*models.TokenClaims, models.SessionStatus, error) {
	claims, err := s.tm.ValidateToken(tokenString)
	if err != nil {
		return nil, models.SessionInvalid, models.ErrUnauthorized
	}

	// The generation read happens after signature verification; the
	// database-side atomic bump keeps validate/bump strictly ordered.
	current, err := s.users.GetSessionGeneration(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.SessionInvalid, models.ErrUnauthorized
		}
		return nil, models.SessionInvalid, models.ErrInternalServer
	}

	if claims.Generation < current {
		return claims, models.SessionSuperseded, models.ErrSessionSuperseded
	}

	return claims, models.SessionValid, nil
}

// Invalidate advances the credential's generation, invalidating every
// previously issued token. reason names the security event that caused
// the bump (password change, forced logout, re-verification, terms
// acceptance).
func (s *SessionService) Invalidate(ctx context.Context, userID, reason string) (int64, error) {
	generation, err := s.users.BumpSessionGeneration(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to bump session generation: %w", err)
	}

	s.logger.Info("sessions invalidated",
		slog.String("user_id", userID),
		slog.String("reason", reason),
		slog.Int64("generation", generation))
	s.audit.LogAccountAction("sessions_invalidated", userID, "", map[string]string{"reason": reason})

	return generation, nil
}

// Refresh exchanges a valid refresh token for a new pair at the current
// generation
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, status, err := s.Validate(ctx, refreshToken)
	if err != nil {
		if status == models.SessionSuperseded {
			return nil, models.ErrSessionSuperseded
		}
		return nil, models.ErrUnauthorized
	}

	if claims.Type != "refresh" {
		s.logger.Warn("refresh attempt with non-refresh token", slog.String("user_id", claims.UserID))
		return nil, models.ErrUnauthorized
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthorized
		}
		return nil, models.ErrInternalServer
	}

	if user.PermanentlyBlocked {
		return nil, models.ErrAccountBlocked
	}

	return s.Issue(user)
}
