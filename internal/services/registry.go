package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jcollis/bastion/internal/models"
	pkglogger "github.com/jcollis/bastion/pkg/logger"
)

// BlockRepository defines the interface for block registry storage
type BlockRepository interface {
	Insert(ctx context.Context, origin, reason, blockedBy string) (bool, error)
	Lift(ctx context.Context, origin, reason, unblockedBy string) error
	IsBlocked(ctx context.Context, origin string) (bool, error)
	GetActive(ctx context.Context, origin string) (*models.Block, error)
	List(ctx context.Context, status string, limit, offset int) ([]*models.Block, error)
}

// incidentResolver is the slice of the incident repository the registry
// needs to close out incidents when an origin's fate is decided
type incidentResolver interface {
	ResolveAllForOrigin(ctx context.Context, origin, resolvedBy string) (int64, error)
}

// BlockRegistryService owns the durable record of blocked origins and
// the manual override surface. Block records are never deleted: lifting
// a block transitions it to unblocked so history is retained.
type BlockRegistryService struct {
	blocks    BlockRepository
	incidents incidentResolver
	logger    *slog.Logger
	audit     *pkglogger.AuditLogger
}

// NewBlockRegistryService creates a new BlockRegistryService
func NewBlockRegistryService(
	blocks BlockRepository,
	incidents incidentResolver,
	logger *slog.Logger,
	audit *pkglogger.AuditLogger,
) *BlockRegistryService {
	return &BlockRegistryService{
		blocks:    blocks,
		incidents: incidents,
		logger:    logger,
		audit:     audit,
	}
}

// BlockAutomatic records an engine-initiated block. Blocking an origin
// that is already blocked is a benign idempotent success.
func (s *BlockRegistryService) BlockAutomatic(ctx context.Context, origin, reason string) error {
	return s.block(ctx, origin, reason, models.ActorAutomatic)
}

// BlockManual records an admin-initiated block
func (s *BlockRegistryService) BlockManual(ctx context.Context, origin, reason, adminID string) error {
	if origin == "" {
		return models.ErrBadRequest
	}
	if err := s.block(ctx, origin, reason, adminID); err != nil {
		return err
	}

	s.audit.LogBlockAction("manual_block", origin, adminID, map[string]string{"reason": reason})
	return nil
}

func (s *BlockRegistryService) block(ctx context.Context, origin, reason, actor string) error {
	inserted, err := s.blocks.Insert(ctx, origin, reason, actor)
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}

	if !inserted {
		// Already blocked: idempotent no-op.
		return nil
	}

	// A decided origin has no open questions: close out its incidents,
	// stamped with the blocking actor.
	resolved, err := s.incidents.ResolveAllForOrigin(ctx, origin, actor)
	if err != nil {
		// The block itself stands; incident resolution is best-effort.
		s.logger.Warn("failed to resolve incidents after block",
			slog.String("origin", origin),
			slog.Any("error", err))
		return nil
	}

	s.logger.Info("origin blocked",
		slog.String("origin", origin),
		slog.String("actor", actor),
		slog.Int64("incidents_resolved", resolved))

	return nil
}

// Unblock lifts an active block. Requires the elevated privilege tier;
// a missing active block is a not-found condition, not an idempotent
// success. All unresolved incidents for the origin are resolved and
// stamped with the unblocking admin.
func (s *BlockRegistryService) Unblock(ctx context.Context, origin, reason, adminID string, tier models.PrivilegeTier) error {
	if origin == "" {
		return models.ErrBadRequest
	}

	if !models.CanUnblock(tier) {
		s.audit.LogBlockAction("unblock_denied", origin, adminID, nil)
		return models.ErrForbidden
	}

	if err := s.blocks.Lift(ctx, origin, reason, adminID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		return fmt.Errorf("failed to lift block: %w", err)
	}

	resolved, err := s.incidents.ResolveAllForOrigin(ctx, origin, adminID)
	if err != nil {
		s.logger.Error("failed to resolve incidents after unblock",
			slog.String("origin", origin),
			slog.Any("error", err))
		return fmt.Errorf("failed to resolve incidents: %w", err)
	}

	s.audit.LogBlockAction("manual_unblock", origin, adminID, map[string]string{
		"reason":             reason,
		"incidents_resolved": fmt.Sprintf("%d", resolved),
	})

	return nil
}

// IsBlocked reports whether an origin is currently blocked. A storage
// failure here fails open with a warning: detection must never take the
// legitimate request pipeline down with it.
func (s *BlockRegistryService) IsBlocked(ctx context.Context, origin string) bool {
	blocked, err := s.blocks.IsBlocked(ctx, origin)
	if err != nil {
		s.logger.Warn("failed to check block status, failing open",
			slog.String("origin", origin),
			slog.Any("error", err))
		return false
	}
	return blocked
}

// GetActive returns the active block for an origin
func (s *BlockRegistryService) GetActive(ctx context.Context, origin string) (*models.Block, error) {
	return s.blocks.GetActive(ctx, origin)
}

// ListBlocks exposes block records to the admin surface
func (s *BlockRegistryService) ListBlocks(ctx context.Context, status string, limit, offset int) ([]*models.Block, error) {
	if status != "" && status != models.BlockStatusBlocked && status != models.BlockStatusUnblocked {
		return nil, models.ErrBadRequest
	}
	return s.blocks.List(ctx, status, limit, offset)
}
