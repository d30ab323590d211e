package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jcollis/bastion/internal/database"
	"github.com/jcollis/bastion/internal/models"
	"github.com/jackc/pgx/v5"
)

// BlockRepository handles database operations for the block registry.
// A partial unique index on (origin) WHERE status = 'blocked' enforces
// at most one active block per origin.
type BlockRepository struct {
	db *database.DB
}

// NewBlockRepository creates a new BlockRepository
func NewBlockRepository(db *database.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// Insert creates a block record for an origin. If the origin already has
// an active block the insert is a no-op and inserted=false is returned.
func (r *BlockRepository) Insert(ctx context.Context, origin, reason, blockedBy string) (bool, error) {
	query := `
		INSERT INTO blocks (origin, status, reason, blocked_by)
		VALUES ($1, 'blocked', $2, $3)
		ON CONFLICT (origin) WHERE status = 'blocked' DO NOTHING
	`

	tag, err := r.db.Pool.Exec(ctx, query, origin, reason, blockedBy)
	if err != nil {
		return false, database.MapPostgresError(err)
	}

	return tag.RowsAffected() > 0, nil
}

// Lift transitions the active block for an origin to unblocked, stamping
// the acting admin, reason, and time. Returns models.ErrNotFound when the
// origin has no active block.
func (r *BlockRepository) Lift(ctx context.Context, origin, reason, unblockedBy string) error {
	query := `
		UPDATE blocks
		SET status = 'unblocked', unblock_reason = $2, unblocked_by = $3, unblocked_at = CURRENT_TIMESTAMP
		WHERE origin = $1 AND status = 'blocked'
	`

	tag, err := r.db.Pool.Exec(ctx, query, origin, reason, unblockedBy)
	if err != nil {
		return database.MapPostgresError(err)
	}

	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

// IsBlocked reports whether an origin currently has an active block
func (r *BlockRepository) IsBlocked(ctx context.Context, origin string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM blocks WHERE origin = $1 AND status = 'blocked')`

	var blocked bool
	err := r.db.Pool.QueryRow(ctx, query, origin).Scan(&blocked)
	return blocked, err
}

// GetActive returns the active block for an origin
func (r *BlockRepository) GetActive(ctx context.Context, origin string) (*models.Block, error) {
	query := `
		SELECT id, origin, status, reason, blocked_by, created_at, unblock_reason, unblocked_by, unblocked_at
		FROM blocks
		WHERE origin = $1 AND status = 'blocked'
	`

	return scanBlockRow(r.db.Pool.QueryRow(ctx, query, origin))
}

// List returns block records, active first then most recent
func (r *BlockRepository) List(ctx context.Context, status string, limit, offset int) ([]*models.Block, error) {
	query := `
		SELECT id, origin, status, reason, blocked_by, created_at, unblock_reason, unblocked_by, unblocked_at
		FROM blocks
		WHERE ($1 = '' OR status = $1)
		ORDER BY status ASC, created_at DESC
		LIMIT $2 OFFSET $3
	`

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := r.db.Pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	blocks := make([]*models.Block, 0)
	for rows.Next() {
		block, err := scanBlockRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}

	return blocks, nil
}

func scanBlockRow(scanner rowScanner) (*models.Block, error) {
	var block models.Block
	var unblockReason, unblockedBy *string
	var unblockedAt *time.Time

	err := scanner.Scan(
		&block.ID, &block.Origin, &block.Status, &block.Reason,
		&block.BlockedBy, &block.CreatedAt,
		&unblockReason, &unblockedBy, &unblockedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, database.MapPostgresError(err)
	}

	block.UnblockReason = unblockReason
	block.UnblockedBy = unblockedBy
	block.UnblockedAt = unblockedAt

	return &block, nil
}
