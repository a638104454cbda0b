package pools

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-lms/seats/internal/authz"
	"github.com/aura-lms/seats/internal/ledger"
	"github.com/aura-lms/seats/internal/middleware"
	"github.com/aura-lms/seats/internal/models"
	"github.com/aura-lms/seats/pkg/response"
)

// Store is the pool persistence the handler needs. *Repository satisfies it.
type Store interface {
	Create(ctx context.Context, p *models.SeatPool) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SeatPool, error)
	Remaining(ctx context.Context, id uuid.UUID) (int, error)
	List(ctx context.Context, f ListFilter) ([]models.PoolView, int, error)
}

// Deleter removes pools through the seat ledger.
type Deleter interface {
	DeletePool(ctx context.Context, poolID uuid.UUID, actor string, policy ledger.DeletePolicy) (int, error)
}

// Handler handles seat pool HTTP endpoints.
type Handler struct {
	store        Store
	deleter      Deleter
	policy       *authz.Policy
	deletePolicy ledger.DeletePolicy
	now          func() time.Time
}

// NewHandler creates a pools handler. deletePolicy is the default for DELETE /pools/:id.
func NewHandler(store Store, deleter Deleter, policy *authz.Policy, deletePolicy ledger.DeletePolicy) *Handler {
	return &Handler{store: store, deleter: deleter, policy: policy, deletePolicy: deletePolicy, now: time.Now}
}

// ScopeRequest is the content selector in a create request.
type ScopeRequest struct {
	Kind models.ScopeKind `json:"kind"`
	IDs  []int64          `json:"ids"`
}

// CreatePoolRequest is the body for POST /pools.
type CreatePoolRequest struct {
	OrganizationID uuid.UUID    `json:"organization_id" binding:"required"`
	TeamID         *uuid.UUID   `json:"team_id"`
	Scope          ScopeRequest `json:"scope"`
	SeatsTotal     int          `json:"seats_total"`
	AutoEnroll     bool         `json:"auto_enroll"`
	AllowReplace   bool         `json:"allow_replace"`
	ExpiresAt      *time.Time   `json:"expires_at"`
}

// Create handles POST /pools.
func (h *Handler) Create(c *gin.Context) {
	var body CreatePoolRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "organization_id required")
		return
	}
	if !middleware.CanAccessOrg(c, h.policy, body.OrganizationID) {
		response.Forbidden(c, "no access to organization")
		return
	}
	p := &models.SeatPool{
		OrganizationID: body.OrganizationID,
		TeamID:         body.TeamID,
		Scope:          models.NewScope(body.Scope.Kind, body.Scope.IDs),
		SeatsTotal:     body.SeatsTotal,
		AutoEnroll:     body.AutoEnroll,
		AllowReplace:   body.AllowReplace,
		ExpiresAt:      body.ExpiresAt,
	}
	if err := Validate(p, h.now()); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.store.Create(c.Request.Context(), p); err != nil {
		switch {
		case errors.Is(err, ErrOrganizationNotFound):
			response.NotFound(c, err.Error())
		case errors.Is(err, ErrTeamMismatch):
			response.BadRequest(c, err.Error())
		case errors.Is(err, ErrSeatCeiling):
			response.Conflict(c, err.Error())
		default:
			_ = c.Error(err)
			response.Internal(c, "failed to create pool")
		}
		return
	}
	response.Created(c, View(p, h.now()))
}

// List handles GET /pools.
func (h *Handler) List(c *gin.Context) {
	var f ListFilter
	if v := c.Query("organization_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(c, "invalid organization_id")
			return
		}
		f.OrganizationID = &id
	}
	if f.OrganizationID == nil {
		if !h.policy.Global(c.GetString(middleware.ContextUserRole)) {
			response.BadRequest(c, "organization_id required")
			return
		}
	} else if !middleware.CanAccessOrg(c, h.policy, *f.OrganizationID) {
		response.Forbidden(c, "no access to organization")
		return
	}
	if v := c.Query("team_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(c, "invalid team_id")
			return
		}
		f.TeamID = &id
	}
	if v := c.Query("scope_kind"); v != "" {
		f.ScopeKind = models.ScopeKind(v)
		if !f.ScopeKind.Valid() {
			response.BadRequest(c, "invalid scope_kind")
			return
		}
	}
	f.IncludeExpired, _ = strconv.ParseBool(c.Query("include_expired"))
	page, perPage := Pagination(c)
	f.Limit, f.Offset = perPage, (page-1)*perPage

	list, total, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		_ = c.Error(err)
		response.Internal(c, "failed to list pools")
		return
	}
	response.Paged(c, list, page, perPage, total)
}

// GetByID handles GET /pools/:id.
func (h *Handler) GetByID(c *gin.Context) {
	p, ok := h.loadPool(c)
	if !ok {
		return
	}
	response.OK(c, View(p, h.now()))
}

// Remaining handles GET /pools/:id/remaining.
func (h *Handler) Remaining(c *gin.Context) {
	p, ok := h.loadPool(c)
	if !ok {
		return
	}
	n, err := h.store.Remaining(c.Request.Context(), p.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, gin.H{"pool_id": p.ID, "remaining": n})
}

// Delete handles DELETE /pools/:id. ?policy=block|force_release overrides the configured policy.
func (h *Handler) Delete(c *gin.Context) {
	p, ok := h.loadPool(c)
	if !ok {
		return
	}
	policy := h.deletePolicy
	if v := c.Query("policy"); v != "" {
		var err error
		if policy, err = ledger.ParseDeletePolicy(v); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	released, err := h.deleter.DeletePool(c.Request.Context(), p.ID, middleware.Actor(c), policy)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, gin.H{"pool_id": p.ID, "released": released})
}

// loadPool parses :id, loads the pool and checks organization access. It writes the
// error response and returns false on failure.
func (h *Handler) loadPool(c *gin.Context) (*models.SeatPool, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid pool id")
		return nil, false
	}
	p, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	if !middleware.CanAccessOrg(c, h.policy, p.OrganizationID) {
		response.Forbidden(c, "no access to organization")
		return nil, false
	}
	return p, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrPoolNotFound):
		response.NotFound(c, "pool not found")
	case errors.Is(err, ledger.ErrPoolInUse):
		response.Conflict(c, err.Error())
	default:
		_ = c.Error(err)
		response.Internal(c, "internal error")
	}
}

// Pagination reads page and per_page query params (defaults 1 and 50, per_page capped at 200).
func Pagination(c *gin.Context) (page, perPage int) {
	page, _ = strconv.Atoi(c.Query("page"))
	perPage, _ = strconv.Atoi(c.Query("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 200 {
		perPage = 200
	}
	return page, perPage
}
