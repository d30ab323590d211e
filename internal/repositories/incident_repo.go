package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jcollis/bastion/internal/database"
	"github.com/jcollis/bastion/internal/models"
	"github.com/jackc/pgx/v5"
)

// IncidentRepository handles database operations for suspicious-activity
// incidents. The increment-or-create step is a single atomic upsert so
// concurrent events for the same (origin, category) can never create two
// unresolved incidents in one window.
type IncidentRepository struct {
	db *database.DB
}

// NewIncidentRepository creates a new IncidentRepository
func NewIncidentRepository(db *database.DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

// Upsert increments the unresolved incident for (origin, category) in the
// given window bucket, creating it with attempt_count=1 if absent.
// Returns the resulting count. Backed by a partial unique index on
// (origin, category, window_bucket) WHERE resolved = false.
func (r *IncidentRepository) Upsert(ctx context.Context, origin string, category models.Category, severity models.Severity, windowBucket time.Time) (int, error) {
	query := `
		INSERT INTO incidents (origin, category, severity, attempt_count, window_bucket, first_seen, last_seen)
		VALUES ($1, $2, $3, 1, $4, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (origin, category, window_bucket) WHERE resolved = false
		DO UPDATE SET
			attempt_count = incidents.attempt_count + 1,
			last_seen = CURRENT_TIMESTAMP
		RETURNING attempt_count
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, origin, string(category), string(severity), windowBucket).Scan(&count)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return count, nil
}

// ActiveCount returns the attempt count of the unresolved incident for
// (origin, category) whose last activity falls inside the window, or 0
// if no such incident is accumulating.
func (r *IncidentRepository) ActiveCount(ctx context.Context, origin string, category models.Category, since time.Time) (int, error) {
	query := `
		SELECT attempt_count FROM incidents
		WHERE origin = $1 AND category = $2 AND resolved = false AND last_seen >= $3
		ORDER BY last_seen DESC
		LIMIT 1
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, origin, string(category), since).Scan(&count)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return count, nil
}

// ResolveAllForOrigin marks every unresolved incident for an origin as
// resolved, stamping the acting identity. Returns the number of incidents
// resolved.
func (r *IncidentRepository) ResolveAllForOrigin(ctx context.Context, origin, resolvedBy string) (int64, error) {
	query := `
		UPDATE incidents
		SET resolved = true, resolved_by = $2, resolved_at = CURRENT_TIMESTAMP
		WHERE origin = $1 AND resolved = false
	`

	tag, err := r.db.Pool.Exec(ctx, query, origin, resolvedBy)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return tag.RowsAffected(), nil
}

// List returns incidents matching the filter, most recent first
func (r *IncidentRepository) List(ctx context.Context, filter models.IncidentFilter) ([]*models.Incident, error) {
	query := `
		SELECT id, origin, category, severity, attempt_count, window_bucket,
		       first_seen, last_seen, resolved, resolved_by, resolved_at
		FROM incidents
		WHERE ($1 = '' OR origin = $1)
		  AND ($2 = '' OR category = $2)
		  AND ($3::boolean IS NULL OR resolved = $3)
		ORDER BY last_seen DESC
		LIMIT $4 OFFSET $5
	`

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := r.db.Pool.Query(ctx, query,
		filter.Origin, string(filter.Category), filter.Resolved, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	incidents := make([]*models.Incident, 0)
	for rows.Next() {
		incident, err := scanIncidentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating incidents: %w", err)
	}

	return incidents, nil
}

func scanIncidentRow(scanner rowScanner) (*models.Incident, error) {
	var incident models.Incident
	var category, severity string
	var resolvedBy *string
	var resolvedAt *time.Time

	err := scanner.Scan(
		&incident.ID, &incident.Origin, &category, &severity,
		&incident.AttemptCount, &incident.WindowBucket,
		&incident.FirstSeen, &incident.LastSeen,
		&incident.Resolved, &resolvedBy, &resolvedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	incident.Category = models.Category(category)
	incident.Severity = models.Severity(severity)
	incident.ResolvedBy = resolvedBy
	incident.ResolvedAt = resolvedAt

	return &incident, nil
}
