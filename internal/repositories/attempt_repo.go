package repositories

import (
	"context"
	"time"

	"github.com/jcollis/bastion/internal/database"
	"github.com/jcollis/bastion/internal/models"
	"github.com/jackc/pgx/v5"
)

// AttemptRepository handles database operations for authentication attempts.
// The table is append-only; rows are pruned only by the cleanup task.
type AttemptRepository struct {
	db *database.DB
}

// NewAttemptRepository creates a new AttemptRepository
func NewAttemptRepository(db *database.DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// Record inserts an authentication attempt
func (r *AttemptRepository) Record(ctx context.Context, attempt *models.AttemptRecord) error {
	query := `
		INSERT INTO auth_attempts (user_id, email, origin, client_signature, success, failure_reason, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		attempt.UserID,
		attempt.Email,
		attempt.Origin,
		attempt.ClientSignature,
		attempt.Success,
		attempt.FailureReason,
		attempt.ExpiresAt,
	)

	return err
}

// CountFailedByEmail returns the number of failed attempts for an email within a time window
func (r *AttemptRepository) CountFailedByEmail(ctx context.Context, email string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM auth_attempts
		WHERE email = $1 AND success = false AND attempt_time >= $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, email, since).Scan(&count)
	return count, err
}

// CountFailedByOrigin returns the number of failed attempts from an origin within a time window
func (r *AttemptRepository) CountFailedByOrigin(ctx context.Context, origin string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM auth_attempts
		WHERE origin = $1 AND success = false AND attempt_time >= $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, origin, since).Scan(&count)
	return count, err
}

// LastSuccessTime returns the timestamp of the most recent successful login for an email
func (r *AttemptRepository) LastSuccessTime(ctx context.Context, email string) (*time.Time, error) {
	query := `
		SELECT attempt_time FROM auth_attempts
		WHERE email = $1 AND success = true
		ORDER BY attempt_time DESC
		LIMIT 1
	`

	var successTime time.Time
	err := r.db.Pool.QueryRow(ctx, query, email).Scan(&successTime)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &successTime, nil
}

// DeleteExpired removes attempt records older than their retention window.
// Returns the number of rows removed.
func (r *AttemptRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM auth_attempts WHERE expires_at <= CURRENT_TIMESTAMP`
	tag, err := r.db.Pool.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
