package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jcollis/bastion/internal/auth"
	"github.com/jcollis/bastion/internal/models"
	pkgauth "github.com/jcollis/bastion/pkg/auth"
	pkglogger "github.com/jcollis/bastion/pkg/logger"
)

// authUserRepo is the slice of the user repository the auth flow needs
type authUserRepo interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	SetTermsAccepted(ctx context.Context, id string) error
	SetTOTP(ctx context.Context, id string, secret, nonce []byte, enabled bool) error
}

// attemptRecorder is the slice of the attempt repository the auth flow
// needs. Recording is best-effort on the detection path; the history
// reads feed the activity summary on successful login.
type attemptRecorder interface {
	Record(ctx context.Context, attempt *models.AttemptRecord) error
	CountFailedByEmail(ctx context.Context, email string, since time.Time) (int, error)
	LastSuccessTime(ctx context.Context, email string) (*time.Time, error)
}

// AccountLockedError carries the cooldown so handlers can tell clients
// when to retry. Unwraps to the account-locked sentinel.
type AccountLockedError struct {
	RetryAfter time.Duration
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter)
}

func (e *AccountLockedError) Unwrap() error { return models.ErrAccountLocked }

// RetryAfterSeconds rounds the cooldown up to whole seconds
func (e *AccountLockedError) RetryAfterSeconds() int {
	return LockoutStatus{Locked: true, RetryAfter: e.RetryAfter}.RetryAfterSeconds()
}

// AuthService handles authentication business logic: credential
// verification, per-credential lockout, attempt recording, and feeding
// password failures to the origin escalation engine.
type AuthService struct {
	users            authUserRepo
	attempts         attemptRecorder
	lockout          *LockoutService
	escalation       *EscalationService
	sessions         *SessionService
	timing           *auth.TimingDelay
	totp             *auth.TOTPManager
	logger           *slog.Logger
	audit            *pkglogger.AuditLogger
	attemptRetention time.Duration
}

// NewAuthService creates a new AuthService
func NewAuthService(
	users authUserRepo,
	attempts attemptRecorder,
	lockout *LockoutService,
	escalation *EscalationService,
	sessions *SessionService,
	timing *auth.TimingDelay,
	totp *auth.TOTPManager,
	logger *slog.Logger,
	audit *pkglogger.AuditLogger,
	attemptRetention time.Duration,
) *AuthService {
	return &AuthService{
		users:            users,
		attempts:         attempts,
		lockout:          lockout,
		escalation:       escalation,
		sessions:         sessions,
		timing:           timing,
		totp:             totp,
		logger:           logger,
		audit:            audit,
		attemptRetention: attemptRetention,
	}
}

// UserResponse represents a user in the HTTP response
type UserResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	EmailVerified bool   `json:"email_verified"`
	Role          string `json:"role"`
	TOTPEnabled   bool   `json:"totp_enabled"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// LoginActivity summarizes the credential's recent attempt history so
// users can spot logins and failures that weren't theirs.
type LoginActivity struct {
	LastLoginAt          *string `json:"last_login_at"`
	FailedSinceLastLogin int     `json:"failed_since_last_login"`
}

// AuthResponse represents the response from auth operations
type AuthResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	User         *UserResponse  `json:"user"`
	Activity     *LoginActivity `json:"activity,omitempty"`
}

// Login authenticates a credential. origin and clientSignature identify
// the caller for attempt recording and escalation; a password mismatch
// here is the brute-force signal the escalation engine counts.
func (s *AuthService) Login(ctx context.Context, email, password, origin, clientSignature string) (*AuthResponse, error) {
	start := time.Now()

	if email = strings.ToLower(strings.TrimSpace(email)); email == "" {
		s.logger.Warn("login attempt with empty email")
		return nil, models.ErrUnauthorized
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Unknown credential: same failure path as a bad password so
			// response timing and escalation don't leak account existence.
			s.onLoginFailure(ctx, nil, email, origin, clientSignature, "invalid_credentials")
			s.timing.WaitFrom(start, false)
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to get user by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if user.PermanentlyBlocked {
		s.recordAttempt(ctx, &user.ID, email, origin, clientSignature, false, "account_blocked")
		s.audit.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			UserID:        user.ID,
			IPAddress:     origin,
			FailureReason: "account_blocked",
			Success:       false,
		})
		return nil, models.ErrAccountBlocked
	}

	// Lockout is checked before the password: a locked credential accepts
	// no attempts at all, right or wrong.
	if status := s.lockout.Check(user); status.Locked {
		s.recordAttempt(ctx, &user.ID, email, origin, clientSignature, false, "account_locked")
		s.audit.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			UserID:        user.ID,
			IPAddress:     origin,
			FailureReason: "account_locked",
			Success:       false,
		})
		return nil, &AccountLockedError{RetryAfter: status.RetryAfter}
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, password); err != nil {
		s.onLoginFailure(ctx, user, email, origin, clientSignature, "invalid_credentials")
		s.timing.WaitFrom(start, false)
		return nil, models.ErrUnauthorized
	}

	// Password verified; account gates apply before any tokens exist.
	if !user.EmailVerified {
		s.recordAttempt(ctx, &user.ID, email, origin, clientSignature, false, "email_not_verified")
		return nil, models.ErrEmailNotVerified
	}
	if user.TermsAcceptedAt == nil {
		s.recordAttempt(ctx, &user.ID, email, origin, clientSignature, false, "terms_not_accepted")
		return nil, models.ErrTermsNotAccepted
	}

	if err := s.lockout.OnSuccessfulAttempt(ctx, user.ID); err != nil {
		s.logger.Error("failed to reset lockout counter",
			slog.String("user_id", user.ID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	// Read history before the current success lands so the summary
	// reflects the previous login, not this one.
	activity := s.loginActivity(ctx, email)

	s.recordAttempt(ctx, &user.ID, email, origin, clientSignature, true, "")

	pair, err := s.sessions.Issue(user)
	if err != nil {
		s.logger.Error("failed to issue session", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("user logged in", slog.String("user_id", user.ID))
	s.audit.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "login_success",
		UserID:    user.ID,
		IPAddress: origin,
		Success:   true,
	})

	return &AuthResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         userModelToResponse(user),
		Activity:     activity,
	}, nil
}

// loginActivity builds the attempt-history summary for a successful
// login. Best-effort: a failing attempt store degrades to no summary.
func (s *AuthService) loginActivity(ctx context.Context, email string) *LoginActivity {
	last, err := s.attempts.LastSuccessTime(ctx, email)
	if err != nil {
		s.logger.Warn("failed to load last login time", slog.Any("error", err))
		return nil
	}

	since := time.Now().Add(-s.attemptRetention)
	if last != nil {
		since = *last
	}

	failed, err := s.attempts.CountFailedByEmail(ctx, email, since)
	if err != nil {
		s.logger.Warn("failed to count recent login failures", slog.Any("error", err))
		return nil
	}

	activity := &LoginActivity{FailedSinceLastLogin: failed}
	if last != nil {
		ts := last.Format(time.RFC3339)
		activity.LastLoginAt = &ts
	}
	return activity
}

// onLoginFailure is the shared failure path: record the attempt, bump
// the credential counter if a credential was involved, and count the
// event against the origin. Detection errors never change the outcome.
func (s *AuthService) onLoginFailure(ctx context.Context, user *models.User, email, origin, clientSignature, reason string) {
	var userID *string
	if user != nil {
		userID = &user.ID
	}
	s.recordAttempt(ctx, userID, email, origin, clientSignature, false, reason)

	if user != nil {
		if _, permanent, err := s.lockout.OnFailedAttempt(ctx, user.ID); err != nil {
			s.logger.Error("failed to record credential failure",
				slog.String("user_id", user.ID),
				slog.Any("error", err))
		} else if permanent {
			s.audit.LogAccountAction("permanent_block", user.ID, origin, nil)
		}
	}

	if _, _, err := s.escalation.RecordIncident(ctx, origin, models.CategoryBruteForce); err != nil {
		s.logger.Warn("failed to escalate auth failure",
			slog.String("origin", origin),
			slog.Any("error", err))
	}

	s.audit.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:     "login_failed",
		IPAddress:     origin,
		FailureReason: reason,
		Success:       false,
	})
}

// recordAttempt persists one attempt row. Best-effort: a dead attempt
// store is logged and ignored.
func (s *AuthService) recordAttempt(ctx context.Context, userID *string, email, origin, clientSignature string, success bool, reason string) {
	var failureReason *string
	if reason != "" {
		failureReason = &reason
	}

	attempt := &models.AttemptRecord{
		UserID:          userID,
		Email:           email,
		Origin:          origin,
		ClientSignature: clientSignature,
		Success:         success,
		FailureReason:   failureReason,
		ExpiresAt:       time.Now().Add(s.attemptRetention),
	}

	if err := s.attempts.Record(ctx, attempt); err != nil {
		s.logger.Warn("failed to record auth attempt",
			slog.String("origin", origin),
			slog.Any("error", err))
	}
}

// Register creates a new user account. No tokens are issued here: login
// is gated on email verification, so registration answers with the user
// record and the caller triggers the verification mail.
func (s *AuthService) Register(ctx context.Context, email, password, name string) (*UserResponse, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	name = strings.TrimSpace(name)

	if email == "" {
		return nil, fmt.Errorf("email is required")
	}
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}

	if err := pkgauth.ValidatePassword(password); err != nil {
		return nil, err
	}

	_, err := s.users.GetByEmail(ctx, email)
	if err == nil {
		s.logger.Info("registration failed: user already exists")
		return nil, models.ErrConflict
	}
	if !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to check if user exists", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	hashedPassword, err := pkgauth.HashPassword(password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	now := time.Now()
	user := &models.User{
		Email:             email,
		PasswordHash:      hashedPassword,
		Name:              name,
		Role:              models.RoleUser,
		PasswordChangedAt: &now,
	}

	createdUser, err := s.users.Create(ctx, user)
	if err != nil {
		s.logger.Error("failed to create user", slog.Any("error", err))
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrConflict
		}
		return nil, models.ErrInternalServer
	}

	s.logger.Info("user registered", slog.String("user_id", createdUser.ID))
	s.audit.LogAccountAction("user_registered", createdUser.ID, "", nil)

	return userModelToResponse(createdUser), nil
}

// ChangePassword verifies the current password, stores the new hash, and
// advances the session generation so every other device is logged out.
// The caller gets a fresh pair at the new generation.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) (*TokenPair, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthorized
		}
		return nil, models.ErrInternalServer
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, currentPassword); err != nil {
		s.audit.LogPasswordChange(userID, "", false)
		return nil, models.ErrUnauthorized
	}

	if err := pkgauth.ValidatePassword(newPassword); err != nil {
		return nil, err
	}

	hashedPassword, err := pkgauth.HashPassword(newPassword)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.users.UpdatePassword(ctx, userID, hashedPassword); err != nil {
		s.logger.Error("failed to update password", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	generation, err := s.sessions.Invalidate(ctx, userID, "password_change")
	if err != nil {
		s.logger.Error("failed to invalidate sessions after password change",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	user.SessionGeneration = generation

	s.audit.LogPasswordChange(userID, "", true)

	return s.sessions.Issue(user)
}

// LogoutAll invalidates every session for the user
func (s *AuthService) LogoutAll(ctx context.Context, userID string) error {
	if _, err := s.sessions.Invalidate(ctx, userID, "logout_all"); err != nil {
		s.logger.Error("failed to invalidate sessions", slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrInternalServer
	}
	return nil
}

// AcceptTerms stamps terms acceptance and rotates the session generation.
// Acceptance is a security-relevant state change, so tokens issued before
// it are retired along with it.
func (s *AuthService) AcceptTerms(ctx context.Context, userID string) (*TokenPair, error) {
	if err := s.users.SetTermsAccepted(ctx, userID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to set terms accepted", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	generation, err := s.sessions.Invalidate(ctx, userID, "terms_accepted")
	if err != nil {
		return nil, models.ErrInternalServer
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	user.SessionGeneration = generation

	return s.sessions.Issue(user)
}

// TOTPEnrollment is the payload for a pending TOTP setup
type TOTPEnrollment struct {
	Secret    string `json:"secret"`
	QRCodeURL string `json:"qr_code_url"`
}

// BeginTOTPEnrollment generates and stores an encrypted TOTP secret,
// disabled until the user confirms a code against it
func (s *AuthService) BeginTOTPEnrollment(ctx context.Context, userID string) (*TOTPEnrollment, error) {
	if s.totp == nil {
		return nil, models.ErrBadRequest
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, models.ErrInternalServer
	}

	encrypted, nonce, secret, qrDataURL, err := s.totp.GenerateSecretWithQR(user.Email)
	if err != nil {
		s.logger.Error("failed to generate TOTP secret", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.users.SetTOTP(ctx, userID, encrypted, nonce, false); err != nil {
		s.logger.Error("failed to store TOTP secret", slog.String("user_id", userID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return &TOTPEnrollment{Secret: secret, QRCodeURL: qrDataURL}, nil
}

// ConfirmTOTPEnrollment validates a code against the pending secret and
// enables TOTP re-verification for the account
func (s *AuthService) ConfirmTOTPEnrollment(ctx context.Context, userID, code string) error {
	valid, err := s.validateTOTPCode(ctx, userID, code)
	if err != nil {
		return err
	}
	if !valid {
		return models.ErrUnauthorized
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return models.ErrInternalServer
	}

	if err := s.users.SetTOTP(ctx, userID, user.TOTPSecret, user.TOTPNonce, true); err != nil {
		return models.ErrInternalServer
	}

	s.audit.LogAccountAction("totp_enabled", userID, "", nil)
	return nil
}

// ReverifyTOTP performs a step-up re-verification: a valid code rotates
// the session generation and hands back a fresh pair, so the verified
// device becomes the only live session.
func (s *AuthService) ReverifyTOTP(ctx context.Context, userID, code string) (*TokenPair, error) {
	valid, err := s.validateTOTPCode(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	if !valid {
		s.audit.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "totp_reverify_failed",
			UserID:        userID,
			FailureReason: "invalid_code",
			Success:       false,
		})
		return nil, models.ErrUnauthorized
	}

	generation, err := s.sessions.Invalidate(ctx, userID, "totp_reverify")
	if err != nil {
		return nil, models.ErrInternalServer
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	user.SessionGeneration = generation

	return s.sessions.Issue(user)
}

func (s *AuthService) validateTOTPCode(ctx context.Context, userID, code string) (bool, error) {
	if s.totp == nil {
		return false, models.ErrBadRequest
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, models.ErrUnauthorized
		}
		return false, models.ErrInternalServer
	}

	if len(user.TOTPSecret) == 0 {
		return false, models.ErrBadRequest
	}

	secret, err := s.totp.DecryptSecret(user.TOTPSecret, user.TOTPNonce)
	if err != nil {
		s.logger.Error("failed to decrypt TOTP secret", slog.String("user_id", userID), slog.Any("error", err))
		return false, models.ErrInternalServer
	}

	valid, err := s.totp.ValidateTOTP(secret, code)
	if err != nil {
		return false, models.ErrInternalServer
	}

	return valid, nil
}

// userModelToResponse converts a user model to response DTO
func userModelToResponse(user *models.User) *UserResponse {
	return &UserResponse{
		ID:            user.ID,
		Email:         user.Email,
		Name:          user.Name,
		EmailVerified: user.EmailVerified,
		Role:          user.Role,
		TOTPEnabled:   user.TOTPEnabled,
		CreatedAt:     user.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     user.UpdatedAt.Format(time.RFC3339),
	}
}
