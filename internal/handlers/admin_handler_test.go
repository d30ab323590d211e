package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jcollis/bastion/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockBlockRegistry struct {
	BlockManualFunc func(ctx context.Context, origin, reason, adminID string) error
	UnblockFunc     func(ctx context.Context, origin, reason, adminID string, tier models.PrivilegeTier) error
	GetActiveFunc   func(ctx context.Context, origin string) (*models.Block, error)
	ListBlocksFunc  func(ctx context.Context, status string, limit, offset int) ([]*models.Block, error)
}

func (m *mockBlockRegistry) BlockManual(ctx context.Context, origin, reason, adminID string) error {
	if m.BlockManualFunc != nil {
		return m.BlockManualFunc(ctx, origin, reason, adminID)
	}
	return nil
}

func (m *mockBlockRegistry) Unblock(ctx context.Context, origin, reason, adminID string, tier models.PrivilegeTier) error {
	if m.UnblockFunc != nil {
		return m.UnblockFunc(ctx, origin, reason, adminID, tier)
	}
	return nil
}

func (m *mockBlockRegistry) GetActive(ctx context.Context, origin string) (*models.Block, error) {
	if m.GetActiveFunc != nil {
		return m.GetActiveFunc(ctx, origin)
	}
	return nil, models.ErrNotFound
}

func (m *mockBlockRegistry) ListBlocks(ctx context.Context, status string, limit, offset int) ([]*models.Block, error) {
	if m.ListBlocksFunc != nil {
		return m.ListBlocksFunc(ctx, status, limit, offset)
	}
	return nil, nil
}

type mockIncidentReader struct {
	ListIncidentsFunc func(ctx context.Context, filter models.IncidentFilter) ([]*models.Incident, error)
	ActiveCountFunc   func(ctx context.Context, origin string, category models.Category) (int, error)
}

func (m *mockIncidentReader) ListIncidents(ctx context.Context, filter models.IncidentFilter) ([]*models.Incident, error) {
	if m.ListIncidentsFunc != nil {
		return m.ListIncidentsFunc(ctx, filter)
	}
	return nil, nil
}

func (m *mockIncidentReader) ActiveCount(ctx context.Context, origin string, category models.Category) (int, error) {
	if m.ActiveCountFunc != nil {
		return m.ActiveCountFunc(ctx, origin, category)
	}
	return 0, nil
}

type mockAttemptStats struct {
	CountFailedByOriginFunc func(ctx context.Context, origin string, since time.Time) (int, error)
}

func (m *mockAttemptStats) CountFailedByOrigin(ctx context.Context, origin string, since time.Time) (int, error) {
	if m.CountFailedByOriginFunc != nil {
		return m.CountFailedByOriginFunc(ctx, origin, since)
	}
	return 0, nil
}

type mockUserFetcher struct {
	role string
}

func (m *mockUserFetcher) GetByID(context.Context, string) (*models.User, error) {
	return &models.User{ID: "admin-1", Email: "admin@example.com", Role: m.role}, nil
}

func newAdminHandler(registry *mockBlockRegistry, incidents *mockIncidentReader, role string) *AdminHandler {
	if incidents == nil {
		incidents = &mockIncidentReader{}
	}
	return NewAdminHandler(registry, incidents, &mockAttemptStats{}, &mockUserFetcher{role: role})
}

// withURLParam attaches a chi route parameter to the request context.
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestBlockOrigin_Created(t *testing.T) {
	var gotOrigin, gotAdmin string
	registry := &mockBlockRegistry{
		BlockManualFunc: func(_ context.Context, origin, reason, adminID string) error {
			gotOrigin, gotAdmin = origin, adminID
			assert.Equal(t, "repeated credential stuffing", reason)
			return nil
		},
	}
	handler := newAdminHandler(registry, nil, models.RoleAdmin)

	req := withClaims(jsonRequest(t, http.MethodPost, "/admin/blocks", map[string]string{
		"origin": "198.51.100.9",
		"reason": "repeated credential stuffing",
	}), "admin-1")
	rec := httptest.NewRecorder()

	handler.BlockOrigin(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "198.51.100.9", gotOrigin)
	assert.Equal(t, "admin-1", gotAdmin)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.BlockStatusBlocked, resp["status"])
}

func TestBlockOrigin_MissingReasonRejected(t *testing.T) {
	handler := newAdminHandler(&mockBlockRegistry{}, nil, models.RoleAdmin)

	req := withClaims(jsonRequest(t, http.MethodPost, "/admin/blocks", map[string]string{
		"origin": "198.51.100.9",
	}), "admin-1")
	rec := httptest.NewRecorder()

	handler.BlockOrigin(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlockOrigin_InvalidOrigin(t *testing.T) {
	registry := &mockBlockRegistry{
		BlockManualFunc: func(context.Context, string, string, string) error {
			return models.ErrBadRequest
		},
	}
	handler := newAdminHandler(registry, nil, models.RoleAdmin)

	req := withClaims(jsonRequest(t, http.MethodPost, "/admin/blocks", map[string]string{
		"origin": "   ",
		"reason": "bad actor",
	}), "admin-1")
	rec := httptest.NewRecorder()

	handler.BlockOrigin(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnblockOrigin_ElevatedTierSucceeds(t *testing.T) {
	var gotTier models.PrivilegeTier
	registry := &mockBlockRegistry{
		UnblockFunc: func(_ context.Context, origin, reason, adminID string, tier models.PrivilegeTier) error {
			gotTier = tier
			assert.Equal(t, "198.51.100.9", origin)
			assert.Equal(t, "false positive", reason)
			return nil
		},
	}
	handler := newAdminHandler(registry, nil, models.RoleSuperadmin)

	req := withClaims(jsonRequest(t, http.MethodDelete, "/admin/blocks/198.51.100.9", map[string]string{
		"reason": "false positive",
	}), "admin-1")
	req = withURLParam(req, "origin", "198.51.100.9")
	rec := httptest.NewRecorder()

	handler.UnblockOrigin(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, models.TierElevated, gotTier)
}

func TestUnblockOrigin_StandardTierForbidden(t *testing.T) {
	registry := &mockBlockRegistry{
		UnblockFunc: func(_ context.Context, _, _, _ string, tier models.PrivilegeTier) error {
			if !models.CanUnblock(tier) {
				return models.ErrForbidden
			}
			return nil
		},
	}
	handler := newAdminHandler(registry, nil, models.RoleAdmin)

	req := withClaims(jsonRequest(t, http.MethodDelete, "/admin/blocks/198.51.100.9", map[string]string{
		"reason": "false positive",
	}), "admin-1")
	req = withURLParam(req, "origin", "198.51.100.9")
	rec := httptest.NewRecorder()

	handler.UnblockOrigin(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUnblockOrigin_NoActiveBlock(t *testing.T) {
	registry := &mockBlockRegistry{
		UnblockFunc: func(context.Context, string, string, string, models.PrivilegeTier) error {
			return models.ErrNotFound
		},
	}
	handler := newAdminHandler(registry, nil, models.RoleSuperadmin)

	req := withClaims(jsonRequest(t, http.MethodDelete, "/admin/blocks/203.0.113.200", map[string]string{
		"reason": "cleanup",
	}), "admin-1")
	req = withURLParam(req, "origin", "203.0.113.200")
	rec := httptest.NewRecorder()

	handler.UnblockOrigin(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBlock_Found(t *testing.T) {
	registry := &mockBlockRegistry{
		GetActiveFunc: func(_ context.Context, origin string) (*models.Block, error) {
			return &models.Block{
				ID:        "block-1",
				Origin:    origin,
				Status:    models.BlockStatusBlocked,
				Reason:    "sensitive_path threshold reached",
				BlockedBy: models.ActorAutomatic,
				CreatedAt: time.Now(),
			}, nil
		},
	}
	handler := newAdminHandler(registry, nil, models.RoleAdmin)

	req := jsonRequest(t, http.MethodGet, "/admin/blocks/203.0.113.7", nil)
	req = withURLParam(req, "origin", "203.0.113.7")
	rec := httptest.NewRecorder()

	handler.GetBlock(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetBlock_NotFound(t *testing.T) {
	handler := newAdminHandler(&mockBlockRegistry{}, nil, models.RoleAdmin)

	req := jsonRequest(t, http.MethodGet, "/admin/blocks/203.0.113.99", nil)
	req = withURLParam(req, "origin", "203.0.113.99")
	rec := httptest.NewRecorder()

	handler.GetBlock(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBlocks_PassesFilters(t *testing.T) {
	var gotStatus string
	var gotLimit, gotOffset int
	registry := &mockBlockRegistry{
		ListBlocksFunc: func(_ context.Context, status string, limit, offset int) ([]*models.Block, error) {
			gotStatus, gotLimit, gotOffset = status, limit, offset
			return []*models.Block{}, nil
		},
	}
	handler := newAdminHandler(registry, nil, models.RoleAdmin)

	req := jsonRequest(t, http.MethodGet, "/admin/blocks?status=blocked&limit=10&offset=20", nil)
	rec := httptest.NewRecorder()

	handler.ListBlocks(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "blocked", gotStatus)
	assert.Equal(t, 10, gotLimit)
	assert.Equal(t, 20, gotOffset)
}

func TestListBlocks_InvalidStatus(t *testing.T) {
	registry := &mockBlockRegistry{
		ListBlocksFunc: func(context.Context, string, int, int) ([]*models.Block, error) {
			return nil, models.ErrBadRequest
		},
	}
	handler := newAdminHandler(registry, nil, models.RoleAdmin)

	req := jsonRequest(t, http.MethodGet, "/admin/blocks?status=bogus", nil)
	rec := httptest.NewRecorder()

	handler.ListBlocks(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListBlocks_PaginationClamped(t *testing.T) {
	var gotLimit, gotOffset int
	registry := &mockBlockRegistry{
		ListBlocksFunc: func(_ context.Context, _ string, limit, offset int) ([]*models.Block, error) {
			gotLimit, gotOffset = limit, offset
			return nil, nil
		},
	}
	handler := newAdminHandler(registry, nil, models.RoleAdmin)

	// Over the cap and negative: both fall back to defaults.
	req := jsonRequest(t, http.MethodGet, "/admin/blocks?limit=5000&offset=-3", nil)
	rec := httptest.NewRecorder()

	handler.ListBlocks(rec, req)

	assert.Equal(t, 50, gotLimit)
	assert.Equal(t, 0, gotOffset)
}

func TestListIncidents_PassesFilter(t *testing.T) {
	var gotFilter models.IncidentFilter
	incidents := &mockIncidentReader{
		ListIncidentsFunc: func(_ context.Context, filter models.IncidentFilter) ([]*models.Incident, error) {
			gotFilter = filter
			return []*models.Incident{}, nil
		},
	}
	handler := newAdminHandler(&mockBlockRegistry{}, incidents, models.RoleAdmin)

	req := jsonRequest(t, http.MethodGet, "/admin/incidents?origin=203.0.113.7&category=brute_force&resolved=false", nil)
	rec := httptest.NewRecorder()

	handler.ListIncidents(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "203.0.113.7", gotFilter.Origin)
	assert.Equal(t, models.CategoryBruteForce, gotFilter.Category)
	require.NotNil(t, gotFilter.Resolved)
	assert.False(t, *gotFilter.Resolved)
}

func TestListIncidents_BadResolvedValue(t *testing.T) {
	handler := newAdminHandler(&mockBlockRegistry{}, &mockIncidentReader{}, models.RoleAdmin)

	req := jsonRequest(t, http.MethodGet, "/admin/incidents?resolved=maybe", nil)
	rec := httptest.NewRecorder()

	handler.ListIncidents(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOriginStatus_AggregatesBlockCountsAndFailures(t *testing.T) {
	registry := &mockBlockRegistry{
		GetActiveFunc: func(_ context.Context, origin string) (*models.Block, error) {
			return &models.Block{
				ID:        "block-1",
				Origin:    origin,
				Status:    models.BlockStatusBlocked,
				Reason:    "brute_force threshold reached",
				BlockedBy: models.ActorAutomatic,
				CreatedAt: time.Now(),
			}, nil
		},
	}
	incidents := &mockIncidentReader{
		ActiveCountFunc: func(_ context.Context, origin string, category models.Category) (int, error) {
			assert.Equal(t, "203.0.113.7", origin)
			if category == models.CategoryBruteForce {
				return 7, nil
			}
			return 0, nil
		},
	}
	attempts := &mockAttemptStats{
		CountFailedByOriginFunc: func(_ context.Context, origin string, since time.Time) (int, error) {
			assert.Equal(t, "203.0.113.7", origin)
			assert.WithinDuration(t, time.Now().Add(-24*time.Hour), since, time.Minute)
			return 12, nil
		},
	}
	handler := NewAdminHandler(registry, incidents, attempts, &mockUserFetcher{role: models.RoleAdmin})

	req := jsonRequest(t, http.MethodGet, "/admin/origins/203.0.113.7", nil)
	req = withURLParam(req, "origin", "203.0.113.7")
	rec := httptest.NewRecorder()

	handler.OriginStatus(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp OriginStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "203.0.113.7", resp.Origin)
	assert.True(t, resp.Blocked)
	require.NotNil(t, resp.Block)
	assert.Equal(t, models.ActorAutomatic, resp.Block.BlockedBy)
	assert.Equal(t, map[models.Category]int{models.CategoryBruteForce: 7}, resp.OpenIncidents)
	assert.Equal(t, 12, resp.FailedAttempts)
}

func TestOriginStatus_QuietOriginReportsNothing(t *testing.T) {
	handler := newAdminHandler(&mockBlockRegistry{}, nil, models.RoleAdmin)

	req := jsonRequest(t, http.MethodGet, "/admin/origins/198.51.100.42", nil)
	req = withURLParam(req, "origin", "198.51.100.42")
	rec := httptest.NewRecorder()

	handler.OriginStatus(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp OriginStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Blocked)
	assert.Nil(t, resp.Block)
	assert.Empty(t, resp.OpenIncidents)
	assert.Equal(t, 0, resp.FailedAttempts)
}

func TestListIncidents_UnknownCategory(t *testing.T) {
	incidents := &mockIncidentReader{
		ListIncidentsFunc: func(context.Context, models.IncidentFilter) ([]*models.Incident, error) {
			return nil, models.ErrBadRequest
		},
	}
	handler := newAdminHandler(&mockBlockRegistry{}, incidents, models.RoleAdmin)

	req := jsonRequest(t, http.MethodGet, "/admin/incidents?category=nonsense", nil)
	rec := httptest.NewRecorder()

	handler.ListIncidents(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
