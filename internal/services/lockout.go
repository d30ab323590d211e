package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcollis/bastion/internal/config"
	"github.com/jcollis/bastion/internal/models"
)

// lockoutUserRepo is the slice of the user repository the lockout
// controller needs. Counter transitions are single SQL statements so
// concurrent failures never read stale counts.
type lockoutUserRepo interface {
	RecordFailedLogin(ctx context.Context, id string, permanentThreshold int) (int, bool, error)
	ResetFailedLogin(ctx context.Context, id string) error
}

// LockoutStatus is the outcome of a lockout check
type LockoutStatus struct {
	Locked     bool
	RetryAfter time.Duration // how long until attempts are accepted again
}

// LockoutService maintains per-credential failure counters, independent
// of origin-based blocking. The two defense layers are deliberately
// separate: this one keys on the credential, the escalation engine keys
// on the origin.
type LockoutService struct {
	users  lockoutUserRepo
	config config.LockoutConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewLockoutService creates a new LockoutService
func NewLockoutService(users lockoutUserRepo, cfg config.LockoutConfig, logger *slog.Logger) *LockoutService {
	return &LockoutService{
		users:  users,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Check derives the credential's lockout state from its counters at call
// time. No lock-expiry timestamp is stored: the lock exists exactly when
// the counter is at or past the threshold and the last failure is still
// inside the window.
func (s *LockoutService) Check(user *models.User) LockoutStatus {
	if user.FailedLoginCount < s.config.TempThreshold || user.LastFailedLoginAt == nil {
		return LockoutStatus{}
	}

	elapsed := s.now().Sub(*user.LastFailedLoginAt)
	if elapsed >= s.config.TempWindow {
		// Window elapsed: the next attempt is accepted, not pre-emptively
		// rejected. The counter resets only on success.
		return LockoutStatus{}
	}

	return LockoutStatus{
		Locked:     true,
		RetryAfter: s.config.TempWindow - elapsed,
	}
}

// OnFailedAttempt increments the credential's failure counter, setting
// the permanent-block flag once the hard ceiling is crossed. Returns the
// new count and whether the credential is now permanently blocked.
func (s *LockoutService) OnFailedAttempt(ctx context.Context, userID string) (int, bool, error) {
	count, permanent, err := s.users.RecordFailedLogin(ctx, userID, s.config.PermanentThreshold)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record failed login: %w", err)
	}

	if permanent {
		s.logger.Warn("credential permanently blocked",
			slog.String("user_id", userID),
			slog.Int("failed_count", count))
	} else if count >= s.config.TempThreshold {
		s.logger.Info("credential temporarily locked",
			slog.String("user_id", userID),
			slog.Int("failed_count", count))
	}

	return count, permanent, nil
}

// OnSuccessfulAttempt resets the failure counter and clears the failure
// timestamp
func (s *LockoutService) OnSuccessfulAttempt(ctx context.Context, userID string) error {
	if err := s.users.ResetFailedLogin(ctx, userID); err != nil {
		return fmt.Errorf("failed to reset login counter: %w", err)
	}
	return nil
}

// RetryAfterSeconds converts a lockout status to whole seconds for the
// cooldown message, rounding up so clients never retry early.
func (st LockoutStatus) RetryAfterSeconds() int {
	if !st.Locked {
		return 0
	}
	secs := int((st.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
