package repositories

import (
	"context"
	"time"

	"github.com/jcollis/bastion/internal/database"
	"github.com/jcollis/bastion/internal/models"
	"github.com/google/uuid"
)

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const userColumns = `id, email, password_hash, name, email_verified, role,
	failed_login_count, last_failed_login_at, permanently_blocked,
	session_generation, terms_accepted_at, password_changed_at,
	totp_secret, totp_nonce, totp_enabled, created_at, updated_at`

// scanUserRow handles nullable fields and populates a User model from a database row
func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	var passwordHash *string
	var lastFailedLoginAt, termsAcceptedAt, passwordChangedAt *time.Time

	err := scanner.Scan(
		&user.ID, &user.Email, &passwordHash, &user.Name,
		&user.EmailVerified, &user.Role,
		&user.FailedLoginCount, &lastFailedLoginAt, &user.PermanentlyBlocked,
		&user.SessionGeneration, &termsAcceptedAt, &passwordChangedAt,
		&user.TOTPSecret, &user.TOTPNonce, &user.TOTPEnabled,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if passwordHash != nil {
		user.PasswordHash = *passwordHash
	}
	user.LastFailedLoginAt = lastFailedLoginAt
	user.TermsAcceptedAt = termsAcceptedAt
	user.PasswordChangedAt = passwordChangedAt

	return &user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUserRow(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUserRow(r.db.Pool.QueryRow(ctx, query, email))
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	user.ID = uuid.New().String()

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	if user.Role == "" {
		user.Role = models.RoleUser
	}

	query := `
		INSERT INTO users (id, email, password_hash, name, email_verified, role, password_changed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.Name,
		user.EmailVerified, user.Role, user.PasswordChangedAt,
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return user, nil
}

// RecordFailedLogin increments the failure counter and refreshes the
// failure timestamp in one statement, setting the permanent-block flag
// when the counter crosses the threshold. Single-statement so concurrent
// failures cannot read a stale counter.
func (r *UserRepository) RecordFailedLogin(ctx context.Context, id string, permanentThreshold int) (count int, permanentlyBlocked bool, err error) {
	query := `
		UPDATE users
		SET failed_login_count = failed_login_count + 1,
		    last_failed_login_at = CURRENT_TIMESTAMP,
		    permanently_blocked = permanently_blocked OR (failed_login_count + 1 >= $2),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING failed_login_count, permanently_blocked
	`

	err = r.db.Pool.QueryRow(ctx, query, id, permanentThreshold).Scan(&count, &permanentlyBlocked)
	if err != nil {
		return 0, false, database.MapPostgresError(err)
	}

	return count, permanentlyBlocked, nil
}

// ResetFailedLogin zeroes the failure counter and clears the failure
// timestamp after a successful authentication
func (r *UserRepository) ResetFailedLogin(ctx context.Context, id string) error {
	query := `
		UPDATE users
		SET failed_login_count = 0,
		    last_failed_login_at = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	_, err := r.db.Pool.Exec(ctx, query, id)
	return database.MapPostgresError(err)
}

// BumpSessionGeneration atomically advances the credential's session
// generation and returns the new value. The increment happens in the
// database so concurrent bumps and validations stay strictly ordered.
func (r *UserRepository) BumpSessionGeneration(ctx context.Context, id string) (int64, error) {
	query := `
		UPDATE users
		SET session_generation = session_generation + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING session_generation
	`

	var generation int64
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&generation)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return generation, nil
}

// GetSessionGeneration reads the credential's current session generation
func (r *UserRepository) GetSessionGeneration(ctx context.Context, id string) (int64, error) {
	query := `SELECT session_generation FROM users WHERE id = $1`

	var generation int64
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&generation)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return generation, nil
}

// UpdatePassword replaces the password hash and stamps the change time
func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	query := `
		UPDATE users
		SET password_hash = $2,
		    password_changed_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query, id, passwordHash)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// SetTermsAccepted stamps the terms acceptance time
func (r *UserRepository) SetTermsAccepted(ctx context.Context, id string) error {
	query := `
		UPDATE users
		SET terms_accepted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// SetEmailVerified marks the user's email address as verified
func (r *UserRepository) SetEmailVerified(ctx context.Context, id string) error {
	query := `
		UPDATE users
		SET email_verified = true, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// SetTOTP stores the encrypted TOTP secret and enables re-verification
func (r *UserRepository) SetTOTP(ctx context.Context, id string, secret, nonce []byte, enabled bool) error {
	query := `
		UPDATE users
		SET totp_secret = $2, totp_nonce = $3, totp_enabled = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query, id, secret, nonce, enabled)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}
