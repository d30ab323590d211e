package services

import (
	"context"
	"errors"
	"testing"

	"github.com/jcollis/bastion/internal/models"
	"github.com/stretchr/testify/assert"
)

// registryBlockRepo mimics the partial-unique-index insert: a second
// insert for an actively blocked origin reports no row written.
type registryBlockRepo struct {
	MockBlockRepository
	active map[string]bool
}

func newRegistryBlockRepo() *registryBlockRepo {
	repo := &registryBlockRepo{active: make(map[string]bool)}
	repo.InsertFunc = func(_ context.Context, origin, _, _ string) (bool, error) {
		if repo.active[origin] {
			return false, nil
		}
		repo.active[origin] = true
		return true, nil
	}
	repo.LiftFunc = func(_ context.Context, origin, _, _ string) error {
		if !repo.active[origin] {
			return models.ErrNotFound
		}
		delete(repo.active, origin)
		return nil
	}
	repo.IsBlockedFunc = func(_ context.Context, origin string) (bool, error) {
		return repo.active[origin], nil
	}
	return repo
}

func TestBlockRegistry_BlockResolvesIncidents(t *testing.T) {
	blocks := newRegistryBlockRepo()
	var resolvedOrigin, resolvedBy string
	incidents := &MockIncidentRepository{
		ResolveAllForOriginFunc: func(_ context.Context, origin, by string) (int64, error) {
			resolvedOrigin, resolvedBy = origin, by
			return 3, nil
		},
	}
	svc := NewBlockRegistryService(blocks, incidents, testLogger(), testAudit())

	err := svc.BlockAutomatic(context.Background(), "203.0.113.7", "brute_force threshold reached")

	assert.NoError(t, err)
	assert.True(t, blocks.active["203.0.113.7"])
	assert.Equal(t, "203.0.113.7", resolvedOrigin)
	assert.Equal(t, models.ActorAutomatic, resolvedBy)
}

func TestBlockRegistry_DoubleBlockIsIdempotent(t *testing.T) {
	blocks := newRegistryBlockRepo()
	resolveCalls := 0
	incidents := &MockIncidentRepository{
		ResolveAllForOriginFunc: func(context.Context, string, string) (int64, error) {
			resolveCalls++
			return 0, nil
		},
	}
	svc := NewBlockRegistryService(blocks, incidents, testLogger(), testAudit())
	ctx := context.Background()

	assert.NoError(t, svc.BlockAutomatic(ctx, "203.0.113.7", "first"))
	assert.NoError(t, svc.BlockAutomatic(ctx, "203.0.113.7", "second"))
	assert.NoError(t, svc.BlockManual(ctx, "203.0.113.7", "and again", "admin_1"))

	assert.Equal(t, 1, resolveCalls, "only the insert that lands resolves incidents")
}

func TestBlockRegistry_BlockManualValidatesOrigin(t *testing.T) {
	svc := NewBlockRegistryService(newRegistryBlockRepo(), &MockIncidentRepository{}, testLogger(), testAudit())

	err := svc.BlockManual(context.Background(), "", "reason", "admin_1")

	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestBlockRegistry_BlockStandsWhenResolutionFails(t *testing.T) {
	blocks := newRegistryBlockRepo()
	incidents := &MockIncidentRepository{
		ResolveAllForOriginFunc: func(context.Context, string, string) (int64, error) {
			return 0, errors.New("db down")
		},
	}
	svc := NewBlockRegistryService(blocks, incidents, testLogger(), testAudit())

	err := svc.BlockAutomatic(context.Background(), "203.0.113.7", "reason")

	assert.NoError(t, err, "incident resolution is best-effort after a block")
	assert.True(t, blocks.active["203.0.113.7"])
}

func TestBlockRegistry_UnblockRequiresElevatedTier(t *testing.T) {
	blocks := newRegistryBlockRepo()
	svc := NewBlockRegistryService(blocks, &MockIncidentRepository{}, testLogger(), testAudit())
	ctx := context.Background()

	assert.NoError(t, svc.BlockManual(ctx, "203.0.113.7", "probing", "admin_1"))

	err := svc.Unblock(ctx, "203.0.113.7", "false positive", "admin_1", models.TierStandard)

	assert.ErrorIs(t, err, models.ErrForbidden)
	assert.True(t, blocks.active["203.0.113.7"], "a denied unblock changes nothing")
}

func TestBlockRegistry_UnblockLiftsAndResolves(t *testing.T) {
	blocks := newRegistryBlockRepo()
	var resolvedBy string
	incidents := &MockIncidentRepository{
		ResolveAllForOriginFunc: func(_ context.Context, _, by string) (int64, error) {
			resolvedBy = by
			return 2, nil
		},
	}
	svc := NewBlockRegistryService(blocks, incidents, testLogger(), testAudit())
	ctx := context.Background()

	assert.NoError(t, svc.BlockManual(ctx, "203.0.113.7", "probing", "admin_1"))

	err := svc.Unblock(ctx, "203.0.113.7", "false positive", "superadmin_1", models.TierElevated)

	assert.NoError(t, err)
	assert.False(t, blocks.active["203.0.113.7"])
	assert.Equal(t, "superadmin_1", resolvedBy, "resolution is stamped with the unblocking admin")
}

func TestBlockRegistry_UnblockMissingBlockIsNotFound(t *testing.T) {
	svc := NewBlockRegistryService(newRegistryBlockRepo(), &MockIncidentRepository{}, testLogger(), testAudit())

	err := svc.Unblock(context.Background(), "198.51.100.2", "reason", "superadmin_1", models.TierElevated)

	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestBlockRegistry_IsBlockedFailsOpen(t *testing.T) {
	blocks := &MockBlockRepository{
		IsBlockedFunc: func(context.Context, string) (bool, error) {
			return false, errors.New("db down")
		},
	}
	svc := NewBlockRegistryService(blocks, &MockIncidentRepository{}, testLogger(), testAudit())

	assert.False(t, svc.IsBlocked(context.Background(), "203.0.113.7"))
}

func TestBlockRegistry_ListBlocksValidatesStatus(t *testing.T) {
	svc := NewBlockRegistryService(&MockBlockRepository{}, &MockIncidentRepository{}, testLogger(), testAudit())
	ctx := context.Background()

	_, err := svc.ListBlocks(ctx, "suspended", 50, 0)
	assert.ErrorIs(t, err, models.ErrBadRequest)

	_, err = svc.ListBlocks(ctx, models.BlockStatusBlocked, 50, 0)
	assert.NoError(t, err)

	_, err = svc.ListBlocks(ctx, "", 50, 0)
	assert.NoError(t, err)
}
