package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcollis/bastion/internal/models"
)

// EmailVerificationRepository defines the interface for email verification token operations
type EmailVerificationRepository interface {
	Create(ctx context.Context, userID, tokenHash, email string, expiresAt time.Time) (*models.EmailVerificationToken, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.EmailVerificationToken, error)
	MarkAsUsed(ctx context.Context, id string) error
	DeleteByUserID(ctx context.Context, userID string) error
	CleanupExpired(ctx context.Context) (int64, error)
	GetPendingByEmail(ctx context.Context, email string) (*models.EmailVerificationToken, error)
}

// verificationUserRepo is the slice of the user repository this service needs
type verificationUserRepo interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	SetEmailVerified(ctx context.Context, id string) error
}

// EmailVerificationService handles email verification business logic.
// A verified email is one of the orthogonal gates evaluated after the
// credential and lockout checks at login.
type EmailVerificationService struct {
	tokens         EmailVerificationRepository
	users          verificationUserRepo
	emailService   EmailService
	logger         *slog.Logger
	tokenExpiry    time.Duration
	resendCooldown time.Duration
}

// NewEmailVerificationService creates a new EmailVerificationService
func NewEmailVerificationService(
	tokens EmailVerificationRepository,
	users verificationUserRepo,
	emailService EmailService,
	logger *slog.Logger,
	tokenExpiry time.Duration,
) *EmailVerificationService {
	return &EmailVerificationService{
		tokens:         tokens,
		users:          users,
		emailService:   emailService,
		logger:         logger,
		tokenExpiry:    tokenExpiry,
		resendCooldown: 20 * time.Minute, // must wait between resends
	}
}

// SendVerificationEmail generates a token and sends a verification email
func (s *EmailVerificationService) SendVerificationEmail(ctx context.Context, userID, email string) error {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		s.logger.Error("failed to generate random token", slog.Any("error", err))
		return fmt.Errorf("failed to generate token: %w", err)
	}

	plainToken := base64.URLEncoding.EncodeToString(tokenBytes)

	// Store only the SHA-256 hash; verification re-hashes the presented token
	hash := sha256.Sum256([]byte(plainToken))
	tokenHash := hex.EncodeToString(hash[:])

	expiresAt := time.Now().Add(s.tokenExpiry)

	if _, err := s.tokens.Create(ctx, userID, tokenHash, email, expiresAt); err != nil {
		s.logger.Error("failed to create email verification token",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return fmt.Errorf("failed to create token: %w", err)
	}

	if err := s.emailService.SendVerificationEmail(ctx, email, plainToken, expiresAt); err != nil {
		s.logger.Error("failed to send verification email",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("verification email sent", slog.String("user_id", userID))
	return nil
}

// VerifyEmail verifies a token and marks the user's email as verified
func (s *EmailVerificationService) VerifyEmail(ctx context.Context, plainToken string) (string, error) {
	if plainToken == "" {
		s.logger.Warn("empty verification token provided")
		return "", models.ErrUnauthorized
	}

	hash := sha256.Sum256([]byte(plainToken))
	tokenHash := hex.EncodeToString(hash[:])

	token, err := s.tokens.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("verification token not found or expired")
			return "", models.ErrUnauthorized
		}
		s.logger.Error("failed to retrieve verification token", slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	if token.IsUsed() || token.IsExpired() {
		s.logger.Info("verification token unusable",
			slog.String("token_id", token.ID),
			slog.Bool("used", token.IsUsed()))
		return "", models.ErrUnauthorized
	}

	if err := s.tokens.MarkAsUsed(ctx, token.ID); err != nil {
		s.logger.Error("failed to mark token as used",
			slog.String("token_id", token.ID),
			slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	if err := s.users.SetEmailVerified(ctx, token.UserID); err != nil {
		s.logger.Error("failed to update email verification status",
			slog.String("user_id", token.UserID),
			slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	s.logger.Info("email verified successfully", slog.String("user_id", token.UserID))
	return token.UserID, nil
}

// ResendVerification sends a new verification email if rate limits allow.
// Always reports success to the caller to prevent account enumeration.
func (s *EmailVerificationService) ResendVerification(ctx context.Context, email string) error {
	existingToken, err := s.tokens.GetPendingByEmail(ctx, email)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to check for existing tokens", slog.Any("error", err))
		return nil
	}

	if existingToken == nil {
		// No pending token: user doesn't exist or is already verified
		return nil
	}

	if time.Since(existingToken.CreatedAt) < s.resendCooldown {
		s.logger.Info("verification resend rate limited")
		return nil
	}

	if err := s.tokens.DeleteByUserID(ctx, existingToken.UserID); err != nil {
		s.logger.Error("failed to delete old tokens",
			slog.String("user_id", existingToken.UserID),
			slog.Any("error", err))
	}

	return s.SendVerificationEmail(ctx, existingToken.UserID, email)
}

// GetStatus returns the verification status for a user
func (s *EmailVerificationService) GetStatus(ctx context.Context, userID string) (bool, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return false, err
	}

	return user.EmailVerified, nil
}
