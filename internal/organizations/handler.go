package organizations

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-lms/seats/internal/authz"
	"github.com/aura-lms/seats/internal/middleware"
	"github.com/aura-lms/seats/internal/models"
	"github.com/aura-lms/seats/pkg/response"
)

// Store is the organization persistence the handler needs. *Repository satisfies it.
type Store interface {
	Create(ctx context.Context, org *models.Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	GetByEmailDomain(ctx context.Context, domain string) (*models.Organization, error)
	Delete(ctx context.Context, id uuid.UUID) error
	CreateTeam(ctx context.Context, team *models.Team) error
	ListTeams(ctx context.Context, orgID uuid.UUID) ([]models.Team, error)
	AddMember(ctx context.Context, orgID uuid.UUID, teamID *uuid.UUID, userID uuid.UUID) (*models.Member, error)
	RemoveMember(ctx context.Context, orgID, userID uuid.UUID) error
	ListMembers(ctx context.Context, orgID uuid.UUID) ([]models.Member, error)
}

// Seats is the seat side of membership changes. *assignments.Service satisfies it.
type Seats interface {
	AutoEnroll(ctx context.Context, orgID, userID uuid.UUID) ([]models.SeatAssignment, error)
	ReleaseMember(ctx context.Context, orgID, userID uuid.UUID, actor string) (int, error)
}

// Handler handles organization, team and member HTTP endpoints.
type Handler struct {
	store  Store
	seats  Seats
	policy *authz.Policy
	logger *zap.Logger
}

// NewHandler creates an organizations handler.
func NewHandler(store Store, seats Seats, policy *authz.Policy, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, seats: seats, policy: policy, logger: logger.With(zap.String("component", "organizations"))}
}

// CreateOrganizationRequest is the body for POST /organizations.
type CreateOrganizationRequest struct {
	Name        string `json:"name" binding:"required"`
	LegalID     string `json:"legal_id"`
	EmailDomain string `json:"email_domain"`
	MaxSeats    int    `json:"max_seats"`
}

// CreateTeamRequest is the body for POST /organizations/:id/teams.
type CreateTeamRequest struct {
	Name          string     `json:"name" binding:"required"`
	ManagerUserID *uuid.UUID `json:"manager_user_id"`
}

// AddMemberRequest is the body for POST /organizations/:id/members.
type AddMemberRequest struct {
	UserID uuid.UUID  `json:"user_id" binding:"required"`
	TeamID *uuid.UUID `json:"team_id"`
}

// AutoJoinRequest is the body for POST /members/auto-join.
type AutoJoinRequest struct {
	UserID *uuid.UUID `json:"user_id"`
	Email  string     `json:"email" binding:"required"`
}

// MembershipResult is returned when a member joins: the member plus any auto-enroll seats.
type MembershipResult struct {
	Member      *models.Member          `json:"member"`
	Assignments []models.SeatAssignment `json:"assignments"`
}

// Create handles POST /organizations.
func (h *Handler) Create(c *gin.Context) {
	var body CreateOrganizationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "name required")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if len(body.Name) < 1 || len(body.Name) > 255 {
		response.BadRequest(c, "name must be 1-255 characters")
		return
	}
	if body.MaxSeats < 0 {
		response.BadRequest(c, "max_seats must not be negative")
		return
	}
	org := &models.Organization{Name: body.Name, LegalID: body.LegalID, EmailDomain: body.EmailDomain, MaxSeats: body.MaxSeats}
	if err := h.store.Create(c.Request.Context(), org); err != nil {
		if errors.Is(err, ErrDomainTaken) {
			response.Conflict(c, err.Error())
			return
		}
		_ = c.Error(err)
		response.Internal(c, "failed to create organization")
		return
	}
	response.Created(c, org)
}

// GetByID handles GET /organizations/:id.
func (h *Handler) GetByID(c *gin.Context) {
	orgID, ok := orgParam(c)
	if !ok {
		return
	}
	org, err := h.store.GetByID(c.Request.Context(), orgID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, org)
}

// Delete handles DELETE /organizations/:id. Refused while seats are consumed.
func (h *Handler) Delete(c *gin.Context) {
	orgID, ok := orgParam(c)
	if !ok {
		return
	}
	if err := h.store.Delete(c.Request.Context(), orgID); err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("organization deleted", zap.String("organization_id", orgID.String()), zap.String("actor", middleware.Actor(c)))
	response.NoContent(c)
}

// CreateTeam handles POST /organizations/:id/teams.
func (h *Handler) CreateTeam(c *gin.Context) {
	orgID, ok := orgParam(c)
	if !ok {
		return
	}
	var body CreateTeamRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "name required")
		return
	}
	team := &models.Team{OrganizationID: orgID, Name: strings.TrimSpace(body.Name), ManagerUserID: body.ManagerUserID}
	if err := h.store.CreateTeam(c.Request.Context(), team); err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, team)
}

// ListTeams handles GET /organizations/:id/teams.
func (h *Handler) ListTeams(c *gin.Context) {
	orgID, ok := orgParam(c)
	if !ok {
		return
	}
	list, err := h.store.ListTeams(c.Request.Context(), orgID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, list)
}

// AddMember handles POST /organizations/:id/members and draws auto-enroll seats for the member.
func (h *Handler) AddMember(c *gin.Context) {
	orgID, ok := orgParam(c)
	if !ok {
		return
	}
	var body AddMemberRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "user_id required")
		return
	}
	res, err := h.join(c.Request.Context(), orgID, body.TeamID, body.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, res)
}

// ListMembers handles GET /organizations/:id/members.
func (h *Handler) ListMembers(c *gin.Context) {
	orgID, ok := orgParam(c)
	if !ok {
		return
	}
	list, err := h.store.ListMembers(c.Request.Context(), orgID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, list)
}

// RemoveMember handles DELETE /organizations/:id/members/:user_id and frees the member's seats.
func (h *Handler) RemoveMember(c *gin.Context) {
	orgID, ok := orgParam(c)
	if !ok {
		return
	}
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	if err := h.store.RemoveMember(c.Request.Context(), orgID, userID); err != nil {
		h.writeError(c, err)
		return
	}
	released, err := h.seats.ReleaseMember(c.Request.Context(), orgID, userID, middleware.Actor(c))
	if err != nil {
		_ = c.Error(err)
		response.Internal(c, "member removed but seats could not be released")
		return
	}
	response.OK(c, gin.H{"user_id": userID, "released": released})
}

// AutoJoin handles POST /members/auto-join: the user joins the organization claiming their
// email domain. Callers may only join themselves unless they can manage members.
func (h *Handler) AutoJoin(c *gin.Context) {
	var body AutoJoinRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "email required")
		return
	}
	userID := middleware.UserID(c)
	onBehalf := body.UserID != nil && *body.UserID != userID
	if onBehalf {
		if !h.policy.Allows(c.GetString(middleware.ContextUserRole), authz.MembersManage) {
			response.Forbidden(c, "cannot join on behalf of another user")
			return
		}
		userID = *body.UserID
	}
	domain := EmailDomain(body.Email)
	if domain == "" {
		response.BadRequest(c, "invalid email")
		return
	}
	org, err := h.store.GetByEmailDomain(c.Request.Context(), domain)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "no organization for this email domain")
			return
		}
		h.writeError(c, err)
		return
	}
	if onBehalf && !middleware.CanAccessOrg(c, h.policy, org.ID) {
		response.Forbidden(c, "no access to organization")
		return
	}
	res, err := h.join(c.Request.Context(), org.ID, nil, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, res)
}

// join adds the member and then draws auto-enroll seats. A seat failure does not undo membership.
func (h *Handler) join(ctx context.Context, orgID uuid.UUID, teamID *uuid.UUID, userID uuid.UUID) (*MembershipResult, error) {
	m, err := h.store.AddMember(ctx, orgID, teamID, userID)
	if err != nil {
		return nil, err
	}
	res := &MembershipResult{Member: m, Assignments: []models.SeatAssignment{}}
	list, err := h.seats.AutoEnroll(ctx, orgID, userID)
	if err != nil {
		h.logger.Warn("auto-enroll failed", zap.String("organization_id", orgID.String()),
			zap.String("user_id", userID.String()), zap.Error(err))
	}
	res.Assignments = append(res.Assignments, list...)
	return res, nil
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrTeamNotFound), errors.Is(err, ErrMemberNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrSeatsConsumed):
		response.Conflict(c, err.Error())
	default:
		_ = c.Error(err)
		response.Internal(c, "internal error")
	}
}

func orgParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid organization id")
		return uuid.Nil, false
	}
	return id, true
}
