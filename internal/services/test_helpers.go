package services

import (
	"context"
	"time"

	"github.com/jcollis/bastion/internal/models"
)

// MockUserRepository implements the user repository slices the services
// consume. Unset funcs fall back to benign defaults.
type MockUserRepository struct {
	GetByIDFunc               func(ctx context.Context, id string) (*models.User, error)
	GetByEmailFunc            func(ctx context.Context, email string) (*models.User, error)
	CreateFunc                func(ctx context.Context, user *models.User) (*models.User, error)
	UpdatePasswordFunc        func(ctx context.Context, id, passwordHash string) error
	SetTermsAcceptedFunc      func(ctx context.Context, id string) error
	SetEmailVerifiedFunc      func(ctx context.Context, id string) error
	SetTOTPFunc               func(ctx context.Context, id string, secret, nonce []byte, enabled bool) error
	RecordFailedLoginFunc     func(ctx context.Context, id string, permanentThreshold int) (int, bool, error)
	ResetFailedLoginFunc      func(ctx context.Context, id string) error
	BumpSessionGenerationFunc func(ctx context.Context, id string) (int64, error)
	GetSessionGenerationFunc  func(ctx context.Context, id string) (int64, error)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockUserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, user)
	}
	user.ID = "user_created"
	return user, nil
}

func (m *MockUserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	if m.UpdatePasswordFunc != nil {
		return m.UpdatePasswordFunc(ctx, id, passwordHash)
	}
	return nil
}

func (m *MockUserRepository) SetTermsAccepted(ctx context.Context, id string) error {
	if m.SetTermsAcceptedFunc != nil {
		return m.SetTermsAcceptedFunc(ctx, id)
	}
	return nil
}

func (m *MockUserRepository) SetEmailVerified(ctx context.Context, id string) error {
	if m.SetEmailVerifiedFunc != nil {
		return m.SetEmailVerifiedFunc(ctx, id)
	}
	return nil
}

func (m *MockUserRepository) SetTOTP(ctx context.Context, id string, secret, nonce []byte, enabled bool) error {
	if m.SetTOTPFunc != nil {
		return m.SetTOTPFunc(ctx, id, secret, nonce, enabled)
	}
	return nil
}

func (m *MockUserRepository) RecordFailedLogin(ctx context.Context, id string, permanentThreshold int) (int, bool, error) {
	if m.RecordFailedLoginFunc != nil {
		return m.RecordFailedLoginFunc(ctx, id, permanentThreshold)
	}
	return 1, false, nil
}

func (m *MockUserRepository) ResetFailedLogin(ctx context.Context, id string) error {
	if m.ResetFailedLoginFunc != nil {
		return m.ResetFailedLoginFunc(ctx, id)
	}
	return nil
}

func (m *MockUserRepository) BumpSessionGeneration(ctx context.Context, id string) (int64, error) {
	if m.BumpSessionGenerationFunc != nil {
		return m.BumpSessionGenerationFunc(ctx, id)
	}
	return 1, nil
}

func (m *MockUserRepository) GetSessionGeneration(ctx context.Context, id string) (int64, error) {
	if m.GetSessionGenerationFunc != nil {
		return m.GetSessionGenerationFunc(ctx, id)
	}
	return 0, nil
}

// MockIncidentRepository implements IncidentRepository for testing
type MockIncidentRepository struct {
	UpsertFunc              func(ctx context.Context, origin string, category models.Category, severity models.Severity, windowBucket time.Time) (int, error)
	ActiveCountFunc         func(ctx context.Context, origin string, category models.Category, since time.Time) (int, error)
	ResolveAllForOriginFunc func(ctx context.Context, origin, resolvedBy string) (int64, error)
	ListFunc                func(ctx context.Context, filter models.IncidentFilter) ([]*models.Incident, error)
}

func (m *MockIncidentRepository) Upsert(ctx context.Context, origin string, category models.Category, severity models.Severity, windowBucket time.Time) (int, error) {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, origin, category, severity, windowBucket)
	}
	return 1, nil
}

func (m *MockIncidentRepository) ActiveCount(ctx context.Context, origin string, category models.Category, since time.Time) (int, error) {
	if m.ActiveCountFunc != nil {
		return m.ActiveCountFunc(ctx, origin, category, since)
	}
	return 0, nil
}

func (m *MockIncidentRepository) ResolveAllForOrigin(ctx context.Context, origin, resolvedBy string) (int64, error) {
	if m.ResolveAllForOriginFunc != nil {
		return m.ResolveAllForOriginFunc(ctx, origin, resolvedBy)
	}
	return 0, nil
}

func (m *MockIncidentRepository) List(ctx context.Context, filter models.IncidentFilter) ([]*models.Incident, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	return []*models.Incident{}, nil
}

// MockBlockRepository implements BlockRepository for testing
type MockBlockRepository struct {
	InsertFunc    func(ctx context.Context, origin, reason, blockedBy string) (bool, error)
	LiftFunc      func(ctx context.Context, origin, reason, unblockedBy string) error
	IsBlockedFunc func(ctx context.Context, origin string) (bool, error)
	GetActiveFunc func(ctx context.Context, origin string) (*models.Block, error)
	ListFunc      func(ctx context.Context, status string, limit, offset int) ([]*models.Block, error)
}

func (m *MockBlockRepository) Insert(ctx context.Context, origin, reason, blockedBy string) (bool, error) {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, origin, reason, blockedBy)
	}
	return true, nil
}

func (m *MockBlockRepository) Lift(ctx context.Context, origin, reason, unblockedBy string) error {
	if m.LiftFunc != nil {
		return m.LiftFunc(ctx, origin, reason, unblockedBy)
	}
	return nil
}

func (m *MockBlockRepository) IsBlocked(ctx context.Context, origin string) (bool, error) {
	if m.IsBlockedFunc != nil {
		return m.IsBlockedFunc(ctx, origin)
	}
	return false, nil
}

func (m *MockBlockRepository) GetActive(ctx context.Context, origin string) (*models.Block, error) {
	if m.GetActiveFunc != nil {
		return m.GetActiveFunc(ctx, origin)
	}
	return nil, models.ErrNotFound
}

func (m *MockBlockRepository) List(ctx context.Context, status string, limit, offset int) ([]*models.Block, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, status, limit, offset)
	}
	return []*models.Block{}, nil
}

// MockOriginBlocker implements OriginBlocker for testing
type MockOriginBlocker struct {
	BlockAutomaticFunc func(ctx context.Context, origin, reason string) error
	Calls              []string
}

func (m *MockOriginBlocker) BlockAutomatic(ctx context.Context, origin, reason string) error {
	m.Calls = append(m.Calls, origin)
	if m.BlockAutomaticFunc != nil {
		return m.BlockAutomaticFunc(ctx, origin, reason)
	}
	return nil
}

// MockAttemptRecorder implements attemptRecorder for testing
type MockAttemptRecorder struct {
	RecordFunc             func(ctx context.Context, attempt *models.AttemptRecord) error
	CountFailedByEmailFunc func(ctx context.Context, email string, since time.Time) (int, error)
	LastSuccessTimeFunc    func(ctx context.Context, email string) (*time.Time, error)
	Recorded               []*models.AttemptRecord
}

func (m *MockAttemptRecorder) Record(ctx context.Context, attempt *models.AttemptRecord) error {
	m.Recorded = append(m.Recorded, attempt)
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, attempt)
	}
	return nil
}

func (m *MockAttemptRecorder) CountFailedByEmail(ctx context.Context, email string, since time.Time) (int, error) {
	if m.CountFailedByEmailFunc != nil {
		return m.CountFailedByEmailFunc(ctx, email, since)
	}
	return 0, nil
}

func (m *MockAttemptRecorder) LastSuccessTime(ctx context.Context, email string) (*time.Time, error) {
	if m.LastSuccessTimeFunc != nil {
		return m.LastSuccessTimeFunc(ctx, email)
	}
	return nil, nil
}

// MockEmailVerificationRepository implements EmailVerificationRepository for testing
type MockEmailVerificationRepository struct {
	CreateFunc            func(ctx context.Context, userID, tokenHash, email string, expiresAt time.Time) (*models.EmailVerificationToken, error)
	GetByTokenHashFunc    func(ctx context.Context, tokenHash string) (*models.EmailVerificationToken, error)
	MarkAsUsedFunc        func(ctx context.Context, id string) error
	DeleteByUserIDFunc    func(ctx context.Context, userID string) error
	CleanupExpiredFunc    func(ctx context.Context) (int64, error)
	GetPendingByEmailFunc func(ctx context.Context, email string) (*models.EmailVerificationToken, error)
}

func (m *MockEmailVerificationRepository) Create(ctx context.Context, userID, tokenHash, email string, expiresAt time.Time) (*models.EmailVerificationToken, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, userID, tokenHash, email, expiresAt)
	}
	return &models.EmailVerificationToken{ID: "token_123", UserID: userID, Email: email, ExpiresAt: expiresAt}, nil
}

func (m *MockEmailVerificationRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.EmailVerificationToken, error) {
	if m.GetByTokenHashFunc != nil {
		return m.GetByTokenHashFunc(ctx, tokenHash)
	}
	return nil, models.ErrNotFound
}

func (m *MockEmailVerificationRepository) MarkAsUsed(ctx context.Context, id string) error {
	if m.MarkAsUsedFunc != nil {
		return m.MarkAsUsedFunc(ctx, id)
	}
	return nil
}

func (m *MockEmailVerificationRepository) DeleteByUserID(ctx context.Context, userID string) error {
	if m.DeleteByUserIDFunc != nil {
		return m.DeleteByUserIDFunc(ctx, userID)
	}
	return nil
}

func (m *MockEmailVerificationRepository) CleanupExpired(ctx context.Context) (int64, error) {
	if m.CleanupExpiredFunc != nil {
		return m.CleanupExpiredFunc(ctx)
	}
	return 0, nil
}

func (m *MockEmailVerificationRepository) GetPendingByEmail(ctx context.Context, email string) (*models.EmailVerificationToken, error) {
	if m.GetPendingByEmailFunc != nil {
		return m.GetPendingByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

// MockEmailService implements EmailService for testing
type MockEmailService struct {
	SendVerificationEmailFunc func(ctx context.Context, email, token string, expiresAt time.Time) error
}

func (m *MockEmailService) SendVerificationEmail(ctx context.Context, email, token string, expiresAt time.Time) error {
	if m.SendVerificationEmailFunc != nil {
		return m.SendVerificationEmailFunc(ctx, email, token, expiresAt)
	}
	return nil
}

// NewTestUser constructs a fully gated-in user: verified, terms accepted
func NewTestUser(id, email, name string) *models.User {
	now := time.Now()
	return &models.User{
		ID:              id,
		Email:           email,
		Name:            name,
		EmailVerified:   true,
		Role:            models.RoleUser,
		TermsAcceptedAt: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// NewTestUserWithPassword creates a user with the given password hash
func NewTestUserWithPassword(id, email, name, passwordHash string) *models.User {
	user := NewTestUser(id, email, name)
	user.PasswordHash = passwordHash
	return user
}

// NewTestUserUnverified creates a user still waiting on email verification
func NewTestUserUnverified(id, email, name string) *models.User {
	user := NewTestUser(id, email, name)
	user.EmailVerified = false
	return user
}

// NewTestEmailVerificationToken creates a test token
func NewTestEmailVerificationToken(id, userID, email string, expiresAt time.Time) *models.EmailVerificationToken {
	return &models.EmailVerificationToken{
		ID:        id,
		UserID:    userID,
		Email:     email,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
}

// NewTestEmailVerificationTokenExpired creates a token past its expiry
func NewTestEmailVerificationTokenExpired(id, userID, email string) *models.EmailVerificationToken {
	return NewTestEmailVerificationToken(id, userID, email, time.Now().Add(-time.Hour))
}

// NewTestEmailVerificationTokenUsed creates an already-consumed token
func NewTestEmailVerificationTokenUsed(id, userID, email string) *models.EmailVerificationToken {
	token := NewTestEmailVerificationToken(id, userID, email, time.Now().Add(24*time.Hour))
	used := time.Now().Add(-time.Minute)
	token.UsedAt = &used
	return token
}
