package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcollis/bastion/internal/models"
	pkglogger "github.com/jcollis/bastion/pkg/logger"
)

// IncidentRepository defines the interface for incident storage. Upsert
// must be atomic: concurrent calls for one (origin, category, bucket)
// may never create two unresolved incidents.
type IncidentRepository interface {
	Upsert(ctx context.Context, origin string, category models.Category, severity models.Severity, windowBucket time.Time) (int, error)
	ActiveCount(ctx context.Context, origin string, category models.Category, since time.Time) (int, error)
	ResolveAllForOrigin(ctx context.Context, origin, resolvedBy string) (int64, error)
	List(ctx context.Context, filter models.IncidentFilter) ([]*models.Incident, error)
}

// OriginBlocker is the slice of the block registry the escalation engine
// needs
type OriginBlocker interface {
	BlockAutomatic(ctx context.Context, origin, reason string) error
}

// EscalationService maintains rolling per-origin, per-category incident
// records and promotes an origin to auto-blocked when its category
// threshold is crossed.
type EscalationService struct {
	incidents IncidentRepository
	blocker   OriginBlocker
	policies  map[models.Category]models.CategoryPolicy
	logger    *slog.Logger
	audit     *pkglogger.AuditLogger
	now       func() time.Time
}

// NewEscalationService creates a new EscalationService
func NewEscalationService(
	incidents IncidentRepository,
	blocker OriginBlocker,
	policies map[models.Category]models.CategoryPolicy,
	logger *slog.Logger,
	audit *pkglogger.AuditLogger,
) *EscalationService {
	return &EscalationService{
		incidents: incidents,
		blocker:   blocker,
		policies:  policies,
		logger:    logger,
		audit:     audit,
		now:       time.Now,
	}
}

// RecordIncident counts one occurrence of category for origin and blocks
// the origin when the category's threshold is reached. Returns the
// running count and whether this call escalated to a block. A category
// marked immediate blocks on the first occurrence.
func (s *EscalationService) RecordIncident(ctx context.Context, origin string, category models.Category) (int, bool, error) {
	policy, ok := s.policies[category]
	if !ok {
		return 0, false, fmt.Errorf("no escalation policy for category %q", category)
	}

	// Events land in the unresolved incident for the current window
	// bucket; an expired window gets a fresh row rather than a reset.
	bucket := s.now().Truncate(policy.Window)

	count, err := s.incidents.Upsert(ctx, origin, category, policy.Severity, bucket)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record incident: %w", err)
	}

	if count == policy.WarnThreshold && count < policy.BlockThreshold {
		s.logger.Warn("suspicious activity approaching block threshold",
			slog.String("origin", origin),
			slog.String("category", string(category)),
			slog.Int("count", count),
			slog.Int("block_threshold", policy.BlockThreshold))
	}

	if count < policy.BlockThreshold {
		return count, false, nil
	}

	reason := fmt.Sprintf("%s threshold reached (%d events within %s)", category, count, policy.Window)
	if policy.Immediate {
		reason = fmt.Sprintf("%s detected", category)
	}

	// Idempotent: an already-blocked origin is a benign no-op.
	if err := s.blocker.BlockAutomatic(ctx, origin, reason); err != nil {
		return count, false, fmt.Errorf("failed to auto-block origin: %w", err)
	}

	s.audit.LogBlockAction("auto_block", origin, models.ActorAutomatic, map[string]string{
		"category": string(category),
		"count":    fmt.Sprintf("%d", count),
	})

	return count, true, nil
}

// ActiveCount returns the running count for (origin, category) inside the
// category's window, 0 if nothing is accumulating. Window expiry is
// evaluated lazily here, not swept.
func (s *EscalationService) ActiveCount(ctx context.Context, origin string, category models.Category) (int, error) {
	policy, ok := s.policies[category]
	if !ok {
		return 0, fmt.Errorf("no escalation policy for category %q", category)
	}

	return s.incidents.ActiveCount(ctx, origin, category, s.now().Add(-policy.Window))
}

// ListIncidents exposes incident records to the admin surface
func (s *EscalationService) ListIncidents(ctx context.Context, filter models.IncidentFilter) ([]*models.Incident, error) {
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, models.ErrBadRequest
	}
	return s.incidents.List(ctx, filter)
}

// Policy returns the escalation tuple for a category
func (s *EscalationService) Policy(category models.Category) (models.CategoryPolicy, bool) {
	policy, ok := s.policies[category]
	return policy, ok
}
