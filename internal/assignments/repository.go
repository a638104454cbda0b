package assignments

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-lms/seats/internal/ledger"
	"github.com/aura-lms/seats/internal/models"
	"github.com/aura-lms/seats/pkg/database"
)

const assignmentColumns = `a.id, a.pool_id, a.user_id, a.course_ids, a.status, a.consumed_at, a.released_at, a.release_reason`

// Repository reads seat_assignments. All writes go through the ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an assignments repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID returns an assignment in any state.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.SeatAssignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM seat_assignments a WHERE a.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	a, err := pgx.CollectOneRow(rows, scanAssignment)
	if database.IsNoRows(err) {
		return nil, ledger.ErrAssignmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return &a, nil
}

// FindHolding returns the user's seat-holding assignment in the pool, or nil.
func (r *Repository) FindHolding(ctx context.Context, poolID, userID uuid.UUID) (*models.SeatAssignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM seat_assignments a
		WHERE a.pool_id = $1 AND a.user_id = $2 AND a.released_at IS NULL`, poolID, userID)
	if err != nil {
		return nil, fmt.Errorf("find holding assignment: %w", err)
	}
	list, err := pgx.CollectRows(rows, scanAssignment)
	if err != nil {
		return nil, fmt.Errorf("find holding assignment: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// ListByPool pages through a pool's assignments, newest first.
func (r *Repository) ListByPool(ctx context.Context, poolID uuid.UUID, includeReleased bool, limit, offset int) ([]models.SeatAssignment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + assignmentColumns + ` FROM seat_assignments a WHERE a.pool_id = $1`
	if !includeReleased {
		q += ` AND a.released_at IS NULL`
	}
	q += ` ORDER BY a.consumed_at DESC, a.id LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, poolID, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return pgx.CollectRows(rows, scanAssignment)
}

// ListHoldingByPool returns ids of the pool's seat-holding assignments.
func (r *Repository) ListHoldingByPool(ctx context.Context, poolID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM seat_assignments WHERE pool_id = $1 AND released_at IS NULL ORDER BY consumed_at`, poolID)
	if err != nil {
		return nil, fmt.Errorf("list holding assignments: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// ListHoldingByUserCourse returns the user's seat-holding assignments that granted the course.
func (r *Repository) ListHoldingByUserCourse(ctx context.Context, userID uuid.UUID, courseID int64) ([]models.SeatAssignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM seat_assignments a
		WHERE a.user_id = $1 AND a.released_at IS NULL AND $2 = ANY(a.course_ids)
		ORDER BY a.consumed_at`, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("list assignments by course: %w", err)
	}
	return pgx.CollectRows(rows, scanAssignment)
}

// ListHoldingByOrgUser returns the user's seat-holding assignments across an organization's pools.
func (r *Repository) ListHoldingByOrgUser(ctx context.Context, orgID, userID uuid.UUID) ([]models.SeatAssignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM seat_assignments a
		INNER JOIN seat_pools p ON p.id = a.pool_id
		WHERE p.organization_id = $1 AND a.user_id = $2 AND a.released_at IS NULL
		ORDER BY a.consumed_at`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("list member assignments: %w", err)
	}
	return pgx.CollectRows(rows, scanAssignment)
}

func scanAssignment(row pgx.CollectableRow) (models.SeatAssignment, error) {
	var a models.SeatAssignment
	err := row.Scan(&a.ID, &a.PoolID, &a.UserID, &a.CourseIDs, &a.Status, &a.ConsumedAt, &a.ReleasedAt, &a.ReleaseReason)
	return a, err
}
