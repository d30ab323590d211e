package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jcollis/bastion/internal/auth"
	"github.com/jcollis/bastion/internal/models"
	pkghttp "github.com/jcollis/bastion/pkg/http"
)

// BlockRegistryInterface defines the admin surface of the block registry
type BlockRegistryInterface interface {
	BlockManual(ctx context.Context, origin, reason, adminID string) error
	Unblock(ctx context.Context, origin, reason, adminID string, tier models.PrivilegeTier) error
	GetActive(ctx context.Context, origin string) (*models.Block, error)
	ListBlocks(ctx context.Context, status string, limit, offset int) ([]*models.Block, error)
}

// IncidentReaderInterface defines the admin surface of the escalation engine
type IncidentReaderInterface interface {
	ListIncidents(ctx context.Context, filter models.IncidentFilter) ([]*models.Incident, error)
	ActiveCount(ctx context.Context, origin string, category models.Category) (int, error)
}

// AttemptStatsInterface is the slice of the attempt store the origin
// status view reads
type AttemptStatsInterface interface {
	CountFailedByOrigin(ctx context.Context, origin string, since time.Time) (int, error)
}

// AdminHandler handles the block registry and incident admin endpoints
type AdminHandler struct {
	registry  BlockRegistryInterface
	incidents IncidentReaderInterface
	attempts  AttemptStatsInterface
	users     auth.UserFetcher
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(registry BlockRegistryInterface, incidents IncidentReaderInterface, attempts AttemptStatsInterface, users auth.UserFetcher) *AdminHandler {
	return &AdminHandler{
		registry:  registry,
		incidents: incidents,
		attempts:  attempts,
		users:     users,
	}
}

// BlockOriginRequest represents the request body for a manual block
type BlockOriginRequest struct {
	Origin string `json:"origin" validate:"required"`
	Reason string `json:"reason" validate:"required,min=3"`
}

// UnblockOriginRequest represents the request body for a manual unblock
type UnblockOriginRequest struct {
	Reason string `json:"reason" validate:"required,min=3"`
}

// BlockOrigin handles POST /admin/blocks
func (h *AdminHandler) BlockOrigin(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req BlockOriginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.registry.BlockManual(r.Context(), req.Origin, req.Reason, claims.UserID); err != nil {
		if errors.Is(err, models.ErrBadRequest) {
			pkghttp.WriteBadRequest(w, "Invalid origin")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	// Idempotent: blocking an already-blocked origin answers the same way.
	writeJSON(w, http.StatusCreated, map[string]string{
		"origin": req.Origin,
		"status": models.BlockStatusBlocked,
	})
}

// UnblockOrigin handles DELETE /admin/blocks/{origin}. Restricted to the
// elevated tier; the tier is derived from the caller's current role, not
// the token.
func (h *AdminHandler) UnblockOrigin(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	origin := chi.URLParam(r, "origin")
	if origin == "" {
		pkghttp.WriteBadRequest(w, "Origin is required")
		return
	}

	var req UnblockOriginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	admin, err := h.users.GetByID(r.Context(), claims.UserID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if err := h.registry.Unblock(r.Context(), origin, req.Reason, claims.UserID, admin.Tier()); err != nil {
		switch {
		case errors.Is(err, models.ErrForbidden):
			pkghttp.WriteForbidden(w, "Unblocking requires elevated privileges")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "No active block for this origin")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetBlock handles GET /admin/blocks/{origin}
func (h *AdminHandler) GetBlock(w http.ResponseWriter, r *http.Request) {
	origin := chi.URLParam(r, "origin")
	if origin == "" {
		pkghttp.WriteBadRequest(w, "Origin is required")
		return
	}

	block, err := h.registry.GetActive(r.Context(), origin)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "No active block for this origin")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, block)
}

// ListBlocks handles GET /admin/blocks
// Accepts ?status=blocked|unblocked, ?limit=N, ?offset=N.
func (h *AdminHandler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit, offset := parsePagination(r, 50, 200)

	blocks, err := h.registry.ListBlocks(r.Context(), status, limit, offset)
	if err != nil {
		if errors.Is(err, models.ErrBadRequest) {
			pkghttp.WriteBadRequest(w, "Invalid status filter")
			return
		}
		pkghttp.WriteInternalError(w, "Failed to retrieve blocks")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blocks": blocks,
		"limit":  limit,
		"offset": offset,
	})
}

// ListIncidents handles GET /admin/incidents
// Accepts ?origin=, ?category=, ?resolved=true|false, ?limit=N, ?offset=N.
func (h *AdminHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r, 50, 200)

	filter := models.IncidentFilter{
		Origin:   r.URL.Query().Get("origin"),
		Category: models.Category(r.URL.Query().Get("category")),
		Limit:    limit,
		Offset:   offset,
	}

	if resolved := r.URL.Query().Get("resolved"); resolved != "" {
		val, err := strconv.ParseBool(resolved)
		if err != nil {
			pkghttp.WriteBadRequest(w, "resolved must be true or false")
			return
		}
		filter.Resolved = &val
	}

	incidents, err := h.incidents.ListIncidents(r.Context(), filter)
	if err != nil {
		if errors.Is(err, models.ErrBadRequest) {
			pkghttp.WriteBadRequest(w, "Invalid category filter")
			return
		}
		pkghttp.WriteInternalError(w, "Failed to retrieve incidents")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incidents,
		"limit":     limit,
		"offset":    offset,
	})
}

// originFailureWindow bounds the failed-login count on the origin status view.
const originFailureWindow = 24 * time.Hour

// OriginStatusResponse aggregates what the engine currently holds against
// one origin: the active block if any, the running count per category,
// and recent failed logins.
type OriginStatusResponse struct {
	Origin         string                  `json:"origin"`
	Blocked        bool                    `json:"blocked"`
	Block          *models.Block           `json:"block,omitempty"`
	OpenIncidents  map[models.Category]int `json:"open_incidents"`
	FailedAttempts int                     `json:"failed_attempts_24h"`
}

// OriginStatus handles GET /admin/origins/{origin}
func (h *AdminHandler) OriginStatus(w http.ResponseWriter, r *http.Request) {
	origin := chi.URLParam(r, "origin")
	if origin == "" {
		pkghttp.WriteBadRequest(w, "Origin is required")
		return
	}

	resp := OriginStatusResponse{
		Origin:        origin,
		OpenIncidents: make(map[models.Category]int),
	}

	block, err := h.registry.GetActive(r.Context(), origin)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	if block != nil {
		resp.Blocked = true
		resp.Block = block
	}

	for _, category := range models.Categories {
		count, err := h.incidents.ActiveCount(r.Context(), origin, category)
		if err != nil {
			pkghttp.WriteInternalError(w, "Internal server error")
			return
		}
		if count > 0 {
			resp.OpenIncidents[category] = count
		}
	}

	failed, err := h.attempts.CountFailedByOrigin(r.Context(), origin, time.Now().Add(-originFailureWindow))
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	resp.FailedAttempts = failed

	writeJSON(w, http.StatusOK, resp)
}

func parsePagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxLimit {
			limit = n
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
