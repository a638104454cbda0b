package assignments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-lms/seats/internal/ledger"
	"github.com/aura-lms/seats/internal/models"
	"github.com/aura-lms/seats/internal/scope"
)

// Actors recorded on system-initiated seat events.
const (
	ActorSystem     = "system"
	ActorAutoEnroll = "system:auto_enroll"
	ActorReconcile  = "system:reconcile"
)

// DefaultEnrollTimeout bounds each enrollment call when none is configured.
const DefaultEnrollTimeout = 10 * time.Second

// PoolReader loads pools for the orchestrator.
type PoolReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.SeatPool, error)
	ListAutoEnroll(ctx context.Context, orgID uuid.UUID, teamID *uuid.UUID) ([]models.SeatPool, error)
}

// Membership answers eligibility questions.
type Membership interface {
	IsActiveOrgMember(ctx context.Context, orgID, userID uuid.UUID) (bool, error)
	IsActiveTeamMember(ctx context.Context, teamID, userID uuid.UUID) (bool, error)
	MemberTeam(ctx context.Context, orgID, userID uuid.UUID) (*uuid.UUID, error)
}

// ScopeResolver expands a pool scope into course ids.
type ScopeResolver interface {
	Resolve(ctx context.Context, s models.Scope) ([]int64, error)
}

// SeatLedger is the subset of the ledger the orchestrator drives.
type SeatLedger interface {
	Reserve(ctx context.Context, req ledger.ReserveRequest) (*ledger.Reservation, error)
	Release(ctx context.Context, req ledger.ReleaseRequest) (*ledger.ReleaseResult, error)
	Confirm(ctx context.Context, assignmentID uuid.UUID) (*models.SeatAssignment, error)
}

// Store reads assignments.
type Store interface {
	FindHolding(ctx context.Context, poolID, userID uuid.UUID) (*models.SeatAssignment, error)
	ListHoldingByUserCourse(ctx context.Context, userID uuid.UUID, courseID int64) ([]models.SeatAssignment, error)
	ListHoldingByOrgUser(ctx context.Context, orgID, userID uuid.UUID) ([]models.SeatAssignment, error)
}

// Enroller enrolls a user into a course in the LMS. Re-enrolling must succeed.
type Enroller interface {
	Enroll(ctx context.Context, userID uuid.UUID, courseID int64) error
}

// Recorder receives assignment instrumentation. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordAssign(result string)
	ObserveEnroll(d time.Duration)
}

// AssignRequest asks for a seat in a pool for a user.
type AssignRequest struct {
	PoolID uuid.UUID
	UserID uuid.UUID
	Actor  string
}

// Options tunes the orchestrator.
type Options struct {
	EnrollTimeout time.Duration
}

// Service is the assignment orchestrator: it resolves scope, reserves a seat, enrolls the
// user and releases the seat again when enrollment fails.
type Service struct {
	pools      PoolReader
	membership Membership
	resolver   ScopeResolver
	ledger     SeatLedger
	store      Store
	enroller   Enroller
	recorder   Recorder
	timeout    time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewService creates an assignment orchestrator. recorder may be nil.
func NewService(pools PoolReader, membership Membership, resolver ScopeResolver, seats SeatLedger, store Store,
	enroller Enroller, recorder Recorder, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EnrollTimeout <= 0 {
		opts.EnrollTimeout = DefaultEnrollTimeout
	}
	return &Service{
		pools:      pools,
		membership: membership,
		resolver:   resolver,
		ledger:     seats,
		store:      store,
		enroller:   enroller,
		recorder:   recorder,
		timeout:    opts.EnrollTimeout,
		now:        time.Now,
		logger:     logger.With(zap.String("component", "assignments")),
	}
}

// Assign gives the user a seat in the pool and enrolls them in every course the pool covers.
func (s *Service) Assign(ctx context.Context, req AssignRequest) (*models.SeatAssignment, error) {
	a, err := s.assign(ctx, req)
	outcome := Outcome(err)
	if s.recorder != nil {
		s.recorder.RecordAssign(outcome)
	}
	log := s.logger.With(zap.String("pool_id", req.PoolID.String()), zap.String("user_id", req.UserID.String()), zap.String("result", outcome))
	switch outcome {
	case "ok":
		log.Info("seat assigned", zap.String("assignment_id", a.ID.String()), zap.Int("courses", len(a.CourseIDs)))
	case "enrollment_failed", "error":
		log.Error("seat assignment failed", zap.Error(err))
	default:
		log.Info("seat assignment refused", zap.Error(err))
	}
	return a, err
}

func (s *Service) assign(ctx context.Context, req AssignRequest) (*models.SeatAssignment, error) {
	pool, err := s.pools.GetByID(ctx, req.PoolID)
	if err != nil {
		return nil, err
	}
	if pool.ExpiredAt(s.now()) {
		return nil, ledger.ErrPoolExpired
	}
	if err := s.checkEligible(ctx, pool, req.UserID); err != nil {
		return nil, err
	}

	var replace *uuid.UUID
	existing, err := s.store.FindHolding(ctx, pool.ID, req.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !pool.AllowReplace {
			return nil, ledger.ErrAlreadyAssigned
		}
		replace = &existing.ID
	}

	courses, err := s.resolver.Resolve(ctx, pool.Scope)
	if err != nil {
		return nil, err
	}
	if len(courses) == 0 {
		return nil, ErrEmptyScope
	}

	res, err := s.ledger.Reserve(ctx, ledger.ReserveRequest{
		PoolID:        pool.ID,
		UserID:        req.UserID,
		CourseIDs:     courses,
		Actor:         req.Actor,
		Replace:       replace,
		RequireMember: true,
	})
	if errors.Is(err, ledger.ErrNotMember) {
		return nil, ErrNotEligible
	}
	if err != nil {
		return nil, err
	}
	id := res.Assignment.ID

	for _, courseID := range courses {
		if err := s.enroll(ctx, req.UserID, courseID); err != nil {
			return nil, &EnrollmentError{CourseID: courseID, Err: err, RollbackErr: s.rollback(ctx, id, replace)}
		}
	}

	a, err := s.ledger.Confirm(ctx, id)
	if err != nil {
		if rbErr := s.rollback(ctx, id, replace); rbErr != nil {
			return nil, errors.Join(fmt.Errorf("confirm assignment: %w", err), rbErr)
		}
		return nil, fmt.Errorf("confirm assignment: %w", err)
	}
	return a, nil
}

func (s *Service) checkEligible(ctx context.Context, pool *models.SeatPool, userID uuid.UUID) error {
	ok, err := s.membership.IsActiveOrgMember(ctx, pool.OrganizationID, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return ErrNotEligible
	}
	if pool.TeamID != nil {
		ok, err = s.membership.IsActiveTeamMember(ctx, *pool.TeamID, userID)
		if err != nil {
			return fmt.Errorf("check team membership: %w", err)
		}
		if !ok {
			return ErrNotEligible
		}
	}
	return nil
}

func (s *Service) enroll(ctx context.Context, userID uuid.UUID, courseID int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	err := s.enroller.Enroll(ctx, userID, courseID)
	if s.recorder != nil {
		s.recorder.ObserveEnroll(time.Since(start))
	}
	return err
}

// rollback releases a reservation and hands the seat back to the assignment it replaced,
// if any. It runs even if the caller's context was cancelled.
func (s *Service) rollback(ctx context.Context, assignmentID uuid.UUID, replaced *uuid.UUID) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	_, err := s.ledger.Release(ctx, ledger.ReleaseRequest{
		AssignmentID: assignmentID,
		Reason:       models.EventReleased,
		Actor:        ActorSystem,
		Reinstate:    replaced,
	})
	if err != nil {
		s.logger.Error("seat rollback failed", zap.String("assignment_id", assignmentID.String()), zap.Error(err))
		return fmt.Errorf("release reservation %s: %w", assignmentID, err)
	}
	return nil
}

// Unassign releases an assignment on behalf of an admin. Already released assignments are a no-op.
func (s *Service) Unassign(ctx context.Context, assignmentID uuid.UUID, actor string) (*ledger.ReleaseResult, error) {
	return s.ledger.Release(ctx, ledger.ReleaseRequest{AssignmentID: assignmentID, Reason: models.EventReleased, Actor: actor})
}

// HandleEnrollmentRemoved reconciles an unenrollment done outside the seat engine: every
// seat the user holds that granted the course is released. It returns the number released.
func (s *Service) HandleEnrollmentRemoved(ctx context.Context, userID uuid.UUID, courseID int64, actor string) (int, error) {
	if actor == "" {
		actor = ActorReconcile
	}
	list, err := s.store.ListHoldingByUserCourse(ctx, userID, courseID)
	if err != nil {
		return 0, err
	}
	return s.releaseAll(ctx, list, actor)
}

// ReleaseMember frees every seat a user holds in an organization, e.g. on member removal.
func (s *Service) ReleaseMember(ctx context.Context, orgID, userID uuid.UUID, actor string) (int, error) {
	list, err := s.store.ListHoldingByOrgUser(ctx, orgID, userID)
	if err != nil {
		return 0, err
	}
	return s.releaseAll(ctx, list, actor)
}

func (s *Service) releaseAll(ctx context.Context, list []models.SeatAssignment, actor string) (int, error) {
	released := 0
	for _, a := range list {
		res, err := s.ledger.Release(ctx, ledger.ReleaseRequest{AssignmentID: a.ID, Reason: models.EventReleased, Actor: actor})
		if err != nil {
			return released, err
		}
		if res.Released {
			released++
		}
	}
	return released, nil
}

// AutoEnroll assigns the user a seat in every auto-enroll pool of the organization they are
// eligible for. Full pools and existing seats are skipped.
func (s *Service) AutoEnroll(ctx context.Context, orgID, userID uuid.UUID) ([]models.SeatAssignment, error) {
	team, err := s.membership.MemberTeam(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	pools, err := s.pools.ListAutoEnroll(ctx, orgID, team)
	if err != nil {
		return nil, err
	}
	var out []models.SeatAssignment
	for _, p := range pools {
		a, err := s.Assign(ctx, AssignRequest{PoolID: p.ID, UserID: userID, Actor: ActorAutoEnroll})
		switch {
		case err == nil:
			out = append(out, *a)
		case errors.Is(err, ledger.ErrSeatsExhausted), errors.Is(err, ledger.ErrAlreadyAssigned),
			errors.Is(err, ledger.ErrPoolExpired), errors.Is(err, ErrNotEligible), errors.Is(err, ErrEmptyScope):
			continue
		default:
			return out, err
		}
	}
	return out, nil
}

// Outcome classifies an assign result for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEnrollmentFailed):
		return "enrollment_failed"
	case errors.Is(err, ledger.ErrSeatsExhausted):
		return "exhausted"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ledger.ErrAlreadyAssigned):
		return "already_assigned"
	case errors.Is(err, ledger.ErrPoolExpired):
		return "expired"
	case errors.Is(err, ledger.ErrPoolNotFound):
		return "not_found"
	case errors.Is(err, ErrEmptyScope), errors.Is(err, scope.ErrInvalidScopeKind), errors.Is(err, scope.ErrContentMissing):
		return "invalid_scope"
	default:
		return "error"
	}
}
