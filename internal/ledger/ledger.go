package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aura-lms/seats/internal/models"
	"github.com/aura-lms/seats/pkg/database"
)

const uniqueHolding = "uq_assignments_holding"

// EventAppender writes a seat event inside the caller's transaction.
type EventAppender interface {
	Append(ctx context.Context, q database.Querier, e *models.SeatEvent) error
}

// Publisher is notified of committed seat events. Delivery is best-effort.
type Publisher interface {
	PublishSeatEvent(ctx context.Context, e models.SeatEvent)
}

// DeletePolicy controls pool deletion while seats are consumed.
type DeletePolicy string

const (
	DeleteForceRelease DeletePolicy = "force_release"
	DeleteBlock        DeletePolicy = "block"
)

// ParseDeletePolicy maps a config value to a policy. Empty means force_release.
func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch p := DeletePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DeleteForceRelease, nil
	case DeleteForceRelease, DeleteBlock:
		return p, nil
	default:
		return "", fmt.Errorf("unknown pool delete policy %q", s)
	}
}

// ReserveRequest asks for one seat in a pool for a user.
type ReserveRequest struct {
	PoolID    uuid.UUID
	UserID    uuid.UUID
	CourseIDs []int64
	Actor     string
	// Replace, when set, is an assignment of the same user in the same pool that is
	// released in the same transaction before the new seat is taken.
	Replace *uuid.UUID
	// RequireMember re-checks, under a share lock on the membership row, that the user is an
	// active member of the pool's organization (and team, for team pools).
	RequireMember bool
}

// Reservation identifies a seat taken by Reserve. The assignment starts in reserved state.
type Reservation struct {
	Assignment     *models.SeatAssignment
	OrganizationID uuid.UUID
	SeatsUsed      int
}

// ReleaseRequest frees the seat held by an assignment.
type ReleaseRequest struct {
	AssignmentID uuid.UUID
	Reason       models.EventType
	Actor        string
	// Reinstate, when set, is the assignment this one replaced. It gets its seat back in the
	// same transaction, provided this release actually freed a seat.
	Reinstate *uuid.UUID
}

// ReleaseResult reports what Release did. Released is false when the assignment was already released.
type ReleaseResult struct {
	Released   bool
	Reinstated bool
	PoolID     uuid.UUID
	SeatsUsed  int
}

// Ledger is the only writer of seat_pools.seats_used. Every mutation is paired
// with exactly one seat event in the same transaction.
type Ledger struct {
	pool       *pgxpool.Pool
	events     EventAppender
	publishers []Publisher
	logger     *zap.Logger
}

// New creates a Ledger.
func New(pool *pgxpool.Pool, events EventAppender, logger *zap.Logger, publishers ...Publisher) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{pool: pool, events: events, publishers: publishers, logger: logger.With(zap.String("component", "ledger"))}
}

// Reserve atomically takes a seat and records a reserved assignment plus an assigned event.
func (l *Ledger) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	var (
		res     *Reservation
		emitted []models.SeatEvent
	)
	err := database.ExecTx(ctx, l.pool, func(tx pgx.Tx) error {
		emitted = emitted[:0]
		if req.Replace != nil {
			// Lock the pool before touching the old assignment so lock order stays pool -> assignment.
			if err := lockPool(ctx, tx, req.PoolID); err != nil {
				return err
			}
			rel, ev, err := l.release(ctx, tx, *req.Replace, models.EventReplaced, req.Actor)
			if err != nil {
				return err
			}
			if rel.PoolID != req.PoolID {
				return fmt.Errorf("%w: replaced assignment belongs to another pool", ErrAssignmentNotFound)
			}
			if ev != nil {
				emitted = append(emitted, *ev)
			}
		}

		var orgID uuid.UUID
		var seatsUsed int
		const take = `UPDATE seat_pools SET seats_used = seats_used + 1, updated_at = NOW()
			WHERE id = $1 AND deleted_at IS NULL
				AND (expires_at IS NULL OR expires_at > NOW())
				AND seats_used < seats_total
			RETURNING organization_id, seats_used`
		err := tx.QueryRow(ctx, take, req.PoolID).Scan(&orgID, &seatsUsed)
		if database.IsNoRows(err) {
			return classifyRefusal(ctx, tx, req.PoolID)
		}
		if err != nil {
			return fmt.Errorf("reserve seat: %w", err)
		}
		if req.RequireMember {
			if err := checkMember(ctx, tx, req.PoolID, req.UserID); err != nil {
				return err
			}
		}

		a := &models.SeatAssignment{
			PoolID:    req.PoolID,
			UserID:    req.UserID,
			CourseIDs: req.CourseIDs,
			Status:    models.AssignmentReserved,
		}
		if a.CourseIDs == nil {
			a.CourseIDs = []int64{}
		}
		const insert = `INSERT INTO seat_assignments (pool_id, user_id, course_ids, status)
			VALUES ($1, $2, $3, $4)
			RETURNING id, consumed_at`
		if err := tx.QueryRow(ctx, insert, a.PoolID, a.UserID, a.CourseIDs, a.Status).Scan(&a.ID, &a.ConsumedAt); err != nil {
			if database.IsUniqueViolation(err, uniqueHolding) {
				return ErrAlreadyAssigned
			}
			return fmt.Errorf("insert assignment: %w", err)
		}

		ev := models.SeatEvent{
			PoolID:         req.PoolID,
			OrganizationID: orgID,
			UserID:         req.UserID,
			AssignmentID:   &a.ID,
			Type:           models.EventAssigned,
			Actor:          req.Actor,
			SeatsUsed:      seatsUsed,
		}
		if err := l.events.Append(ctx, tx, &ev); err != nil {
			return err
		}
		emitted = append(emitted, ev)
		res = &Reservation{Assignment: a, OrganizationID: orgID, SeatsUsed: seatsUsed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, emitted)
	return res, nil
}

// Release frees the seat held by an assignment. Releasing an already released assignment is a no-op.
func (l *Ledger) Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	switch req.Reason {
	case models.EventReleased, models.EventExpired, models.EventPoolDeleted, models.EventReplaced:
	default:
		return nil, fmt.Errorf("release: invalid reason %q", req.Reason)
	}

	var (
		res     *ReleaseResult
		emitted []models.SeatEvent
	)
	err := database.ExecTx(ctx, l.pool, func(tx pgx.Tx) error {
		emitted = emitted[:0]
		var poolID uuid.UUID
		err := tx.QueryRow(ctx, `SELECT pool_id FROM seat_assignments WHERE id = $1`, req.AssignmentID).Scan(&poolID)
		if database.IsNoRows(err) {
			return ErrAssignmentNotFound
		}
		if err != nil {
			return fmt.Errorf("load assignment: %w", err)
		}
		if err := lockPool(ctx, tx, poolID); err != nil {
			return err
		}
		var ev *models.SeatEvent
		res, ev, err = l.release(ctx, tx, req.AssignmentID, req.Reason, req.Actor)
		if err != nil {
			return err
		}
		if ev == nil {
			return nil
		}
		emitted = append(emitted, *ev)
		if req.Reinstate == nil {
			return nil
		}
		back, err := l.reinstate(ctx, tx, poolID, *req.Reinstate, req.Actor)
		if err != nil {
			return err
		}
		if back != nil {
			emitted = append(emitted, *back)
			res.Reinstated = true
			res.SeatsUsed = back.SeatsUsed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, emitted)
	return res, nil
}

// reinstate gives a replaced assignment its seat back. It returns nil without error when the
// assignment is no longer reinstatable or the user already holds another seat in the pool.
// The pool row must already be locked.
func (l *Ledger) reinstate(ctx context.Context, tx pgx.Tx, poolID, assignmentID uuid.UUID, actor string) (*models.SeatEvent, error) {
	var userID uuid.UUID
	const load = `SELECT user_id FROM seat_assignments
		WHERE id = $1 AND pool_id = $2 AND release_reason = 'replaced' FOR UPDATE`
	err := tx.QueryRow(ctx, load, assignmentID, poolID).Scan(&userID)
	if database.IsNoRows(err) {
		l.logger.Warn("replaced assignment not reinstatable", zap.String("assignment_id", assignmentID.String()))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load replaced assignment: %w", err)
	}
	var holding bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM seat_assignments
		WHERE pool_id = $1 AND user_id = $2 AND released_at IS NULL)`, poolID, userID).Scan(&holding); err != nil {
		return nil, fmt.Errorf("check holding: %w", err)
	}
	if holding {
		return nil, nil
	}

	var orgID uuid.UUID
	var seatsUsed int
	const take = `UPDATE seat_pools SET seats_used = seats_used + 1, updated_at = NOW()
		WHERE id = $1 AND seats_used < seats_total
		RETURNING organization_id, seats_used`
	err = tx.QueryRow(ctx, take, poolID).Scan(&orgID, &seatsUsed)
	if database.IsNoRows(err) {
		return nil, ErrSeatsExhausted
	}
	if err != nil {
		return nil, fmt.Errorf("reinstate seat: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE seat_assignments SET status = 'active', released_at = NULL, release_reason = NULL
		WHERE id = $1`, assignmentID); err != nil {
		return nil, fmt.Errorf("reinstate assignment: %w", err)
	}

	ev := &models.SeatEvent{
		PoolID:         poolID,
		OrganizationID: orgID,
		UserID:         userID,
		AssignmentID:   &assignmentID,
		Type:           models.EventAssigned,
		Actor:          actor,
		SeatsUsed:      seatsUsed,
	}
	if err := l.events.Append(ctx, tx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Confirm moves a reserved assignment to active once enrollment succeeded.
func (l *Ledger) Confirm(ctx context.Context, assignmentID uuid.UUID) (*models.SeatAssignment, error) {
	const q = `UPDATE seat_assignments SET status = 'active'
		WHERE id = $1 AND status = 'reserved'
		RETURNING id, pool_id, user_id, course_ids, status, consumed_at, released_at, release_reason`
	var a models.SeatAssignment
	err := l.pool.QueryRow(ctx, q, assignmentID).Scan(&a.ID, &a.PoolID, &a.UserID, &a.CourseIDs,
		&a.Status, &a.ConsumedAt, &a.ReleasedAt, &a.ReleaseReason)
	if database.IsNoRows(err) {
		return nil, ErrAssignmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("confirm assignment: %w", err)
	}
	return &a, nil
}

// DeletePool soft-deletes a pool. Under force_release every held seat is released
// with a pool_deleted event first; under block a pool with consumed seats is refused.
// It returns the number of assignments released.
func (l *Ledger) DeletePool(ctx context.Context, poolID uuid.UUID, actor string, policy DeletePolicy) (int, error) {
	var emitted []models.SeatEvent
	err := database.ExecTx(ctx, l.pool, func(tx pgx.Tx) error {
		emitted = emitted[:0]
		var seatsUsed int
		err := tx.QueryRow(ctx, `SELECT seats_used FROM seat_pools WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, poolID).
			Scan(&seatsUsed)
		if database.IsNoRows(err) {
			return ErrPoolNotFound
		}
		if err != nil {
			return fmt.Errorf("lock pool: %w", err)
		}
		if policy == DeleteBlock && seatsUsed > 0 {
			return ErrPoolInUse
		}

		rows, err := tx.Query(ctx, `SELECT id FROM seat_assignments WHERE pool_id = $1 AND released_at IS NULL ORDER BY consumed_at`, poolID)
		if err != nil {
			return fmt.Errorf("list holding assignments: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("list holding assignments: %w", err)
		}
		for _, id := range ids {
			_, ev, err := l.release(ctx, tx, id, models.EventPoolDeleted, actor)
			if err != nil {
				return err
			}
			if ev != nil {
				emitted = append(emitted, *ev)
			}
		}

		if _, err := tx.Exec(ctx, `UPDATE seat_pools SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1`, poolID); err != nil {
			return fmt.Errorf("soft delete pool: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	l.publish(ctx, emitted)
	l.logger.Info("pool deleted", zap.String("pool_id", poolID.String()), zap.Int("released", len(emitted)), zap.String("actor", actor))
	return len(emitted), nil
}

// release marks one assignment released and gives back its seat. The pool row must already be locked.
func (l *Ledger) release(ctx context.Context, tx pgx.Tx, assignmentID uuid.UUID, reason models.EventType, actor string) (*ReleaseResult, *models.SeatEvent, error) {
	var poolID, userID uuid.UUID
	const mark = `UPDATE seat_assignments SET status = 'released', released_at = NOW(), release_reason = $2
		WHERE id = $1 AND released_at IS NULL
		RETURNING pool_id, user_id`
	err := tx.QueryRow(ctx, mark, assignmentID, reason).Scan(&poolID, &userID)
	if database.IsNoRows(err) {
		if err := tx.QueryRow(ctx, `SELECT pool_id FROM seat_assignments WHERE id = $1`, assignmentID).Scan(&poolID); err != nil {
			if database.IsNoRows(err) {
				return nil, nil, ErrAssignmentNotFound
			}
			return nil, nil, fmt.Errorf("load assignment: %w", err)
		}
		return &ReleaseResult{Released: false, PoolID: poolID}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("mark released: %w", err)
	}

	var orgID uuid.UUID
	var seatsUsed int
	const giveBack = `UPDATE seat_pools SET seats_used = GREATEST(seats_used - 1, 0), updated_at = NOW()
		WHERE id = $1
		RETURNING organization_id, seats_used`
	if err := tx.QueryRow(ctx, giveBack, poolID).Scan(&orgID, &seatsUsed); err != nil {
		return nil, nil, fmt.Errorf("release seat: %w", err)
	}

	ev := &models.SeatEvent{
		PoolID:         poolID,
		OrganizationID: orgID,
		UserID:         userID,
		AssignmentID:   &assignmentID,
		Type:           reason,
		Actor:          actor,
		SeatsUsed:      seatsUsed,
	}
	if err := l.events.Append(ctx, tx, ev); err != nil {
		return nil, nil, err
	}
	return &ReleaseResult{Released: true, PoolID: poolID, SeatsUsed: seatsUsed}, ev, nil
}

func (l *Ledger) publish(ctx context.Context, evs []models.SeatEvent) {
	if len(evs) == 0 || len(l.publishers) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, ev := range evs {
		for _, p := range l.publishers {
			p.PublishSeatEvent(ctx, ev)
		}
	}
}

func lockPool(ctx context.Context, tx pgx.Tx, poolID uuid.UUID) error {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM seat_pools WHERE id = $1 FOR UPDATE`, poolID).Scan(&id)
	if database.IsNoRows(err) {
		return ErrPoolNotFound
	}
	if err != nil {
		return fmt.Errorf("lock pool: %w", err)
	}
	return nil
}

// checkMember share-locks the user's active membership row so a concurrent removal either
// commits first and is seen here, or waits until this seat is committed and then releases it.
func checkMember(ctx context.Context, tx pgx.Tx, poolID, userID uuid.UUID) error {
	const q = `SELECT COALESCE(p.team_id IS NULL OR p.team_id = m.team_id, FALSE)
		FROM seat_pools p
		INNER JOIN organization_members m ON m.organization_id = p.organization_id
		WHERE p.id = $1 AND m.user_id = $2 AND m.status = 'active'
		FOR SHARE OF m`
	var inTeam bool
	err := tx.QueryRow(ctx, q, poolID, userID).Scan(&inTeam)
	if database.IsNoRows(err) {
		return ErrNotMember
	}
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !inTeam {
		return ErrNotMember
	}
	return nil
}

// classifyRefusal explains why the conditional seat increment matched no row.
func classifyRefusal(ctx context.Context, tx pgx.Tx, poolID uuid.UUID) error {
	var (
		deletedAt, expiresAt *time.Time
		expired              bool
	)
	const q = `SELECT deleted_at, expires_at, (expires_at IS NOT NULL AND expires_at <= NOW()) FROM seat_pools WHERE id = $1`
	err := tx.QueryRow(ctx, q, poolID).Scan(&deletedAt, &expiresAt, &expired)
	if database.IsNoRows(err) {
		return ErrPoolNotFound
	}
	if err != nil {
		return fmt.Errorf("classify reservation failure: %w", err)
	}
	switch {
	case deletedAt != nil:
		return ErrPoolNotFound
	case expired:
		return ErrPoolExpired
	default:
		return ErrSeatsExhausted
	}
}
