package assignments

import (
	"context"
	"crypto/subtle"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-lms/seats/internal/authz"
	"github.com/aura-lms/seats/internal/ledger"
	"github.com/aura-lms/seats/internal/middleware"
	"github.com/aura-lms/seats/internal/models"
	"github.com/aura-lms/seats/pkg/response"
)

// WebhookSecretHeader carries the shared secret on LMS callbacks.
const WebhookSecretHeader = "X-Webhook-Secret"

// Orchestrator is the part of *Service the HTTP layer drives.
type Orchestrator interface {
	Assign(ctx context.Context, req AssignRequest) (*models.SeatAssignment, error)
	Unassign(ctx context.Context, assignmentID uuid.UUID, actor string) (*ledger.ReleaseResult, error)
	HandleEnrollmentRemoved(ctx context.Context, userID uuid.UUID, courseID int64, actor string) (int, error)
}

// Lister reads assignments for the HTTP layer. *Repository satisfies it.
type Lister interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.SeatAssignment, error)
	ListByPool(ctx context.Context, poolID uuid.UUID, includeReleased bool, limit, offset int) ([]models.SeatAssignment, error)
}

// PoolGetter loads a pool to check organization access.
type PoolGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.SeatPool, error)
}

// Handler handles seat assignment HTTP endpoints.
type Handler struct {
	svc           Orchestrator
	assignments   Lister
	pools         PoolGetter
	policy        *authz.Policy
	webhookSecret string
}

// NewHandler creates an assignments handler. An empty webhookSecret disables the webhook.
func NewHandler(svc Orchestrator, assignments Lister, pools PoolGetter, policy *authz.Policy, webhookSecret string) *Handler {
	return &Handler{svc: svc, assignments: assignments, pools: pools, policy: policy, webhookSecret: webhookSecret}
}

// AssignRequestBody is the body for POST /pools/:id/assignments.
type AssignRequestBody struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

// EnrollmentRemovedRequest is the body for POST /webhooks/enrollment-removed.
type EnrollmentRemovedRequest struct {
	UserID   uuid.UUID `json:"user_id" binding:"required"`
	CourseID int64     `json:"course_id" binding:"required"`
}

// Assign handles POST /pools/:id/assignments.
func (h *Handler) Assign(c *gin.Context) {
	pool, ok := h.loadPool(c, c.Param("id"))
	if !ok {
		return
	}
	var body AssignRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "user_id required")
		return
	}
	a, err := h.svc.Assign(c.Request.Context(), AssignRequest{PoolID: pool.ID, UserID: body.UserID, Actor: middleware.Actor(c)})
	if err != nil {
		WriteError(c, err)
		return
	}
	response.Created(c, a)
}

// Unassign handles DELETE /assignments/:id. Releasing an already released assignment succeeds.
func (h *Handler) Unassign(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid assignment id")
		return
	}
	a, err := h.assignments.GetByID(c.Request.Context(), id)
	if err != nil {
		WriteError(c, err)
		return
	}
	if _, ok := h.loadPoolAny(c, a.PoolID); !ok {
		return
	}
	res, err := h.svc.Unassign(c.Request.Context(), id, middleware.Actor(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	response.OK(c, res)
}

// ListByPool handles GET /pools/:id/assignments.
func (h *Handler) ListByPool(c *gin.Context) {
	pool, ok := h.loadPool(c, c.Param("id"))
	if !ok {
		return
	}
	includeReleased, _ := strconv.ParseBool(c.Query("include_released"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	list, err := h.assignments.ListByPool(c.Request.Context(), pool.ID, includeReleased, limit, offset)
	if err != nil {
		WriteError(c, err)
		return
	}
	response.OK(c, list)
}

// EnrollmentRemoved handles POST /webhooks/enrollment-removed from the LMS.
func (h *Handler) EnrollmentRemoved(c *gin.Context) {
	if h.webhookSecret == "" {
		response.ServiceUnavailable(c, "webhook not configured")
		return
	}
	got := c.GetHeader(WebhookSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
		response.Unauthorized(c, "invalid webhook secret")
		return
	}
	var body EnrollmentRemovedRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "user_id and course_id required")
		return
	}
	n, err := h.svc.HandleEnrollmentRemoved(c.Request.Context(), body.UserID, body.CourseID, ActorReconcile)
	if err != nil {
		WriteError(c, err)
		return
	}
	response.OK(c, gin.H{"released": n})
}

func (h *Handler) loadPool(c *gin.Context, raw string) (*models.SeatPool, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		response.BadRequest(c, "invalid pool id")
		return nil, false
	}
	return h.loadPoolAny(c, id)
}

func (h *Handler) loadPoolAny(c *gin.Context, id uuid.UUID) (*models.SeatPool, bool) {
	pool, err := h.pools.GetByID(c.Request.Context(), id)
	if err != nil {
		WriteError(c, err)
		return nil, false
	}
	if !middleware.CanAccessOrg(c, h.policy, pool.OrganizationID) {
		response.Forbidden(c, "no access to organization")
		return nil, false
	}
	return pool, true
}

// WriteError maps orchestrator and ledger errors onto HTTP responses.
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEnrollmentFailed):
		_ = c.Error(err)
		response.BadGateway(c, err.Error())
	case errors.Is(err, ledger.ErrSeatsExhausted):
		response.Conflict(c, ledger.ErrSeatsExhausted.Error())
	case errors.Is(err, ErrNotEligible):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ledger.ErrAlreadyAssigned):
		response.Conflict(c, err.Error())
	case errors.Is(err, ledger.ErrPoolNotFound), errors.Is(err, ledger.ErrAssignmentNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ledger.ErrPoolExpired):
		response.Gone(c, err.Error())
	case Outcome(err) == "invalid_scope":
		response.BadRequest(c, err.Error())
	default:
		_ = c.Error(err)
		response.Internal(c, "internal error")
	}
}
