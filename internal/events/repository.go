package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-lms/seats/internal/models"
	"github.com/aura-lms/seats/pkg/database"
)

// ErrInvalidFilter is returned when a query names neither a pool nor an organization.
var ErrInvalidFilter = errors.New("event filter needs pool_id or organization_id")

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter selects events by pool or organization within a time range. Zero times are open bounds.
type Filter struct {
	PoolID         *uuid.UUID
	OrganizationID *uuid.UUID
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

// Repository is the append-only seat event store. It has no update or delete paths.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an events repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append writes e using q, normally the ledger transaction. ID and OccurredAt are filled in.
func (r *Repository) Append(ctx context.Context, q database.Querier, e *models.SeatEvent) error {
	if !e.Type.Valid() {
		return fmt.Errorf("append event: unknown type %q", e.Type)
	}
	const stmt = `INSERT INTO seat_events (pool_id, organization_id, user_id, assignment_id, type, actor, seats_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, occurred_at`
	if err := q.QueryRow(ctx, stmt, e.PoolID, e.OrganizationID, e.UserID, e.AssignmentID, e.Type, e.Actor, e.SeatsUsed).
		Scan(&e.ID, &e.OccurredAt); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Query returns events in log order: by id for a pool, by occurred_at then id for an organization.
func (r *Repository) Query(ctx context.Context, f Filter) ([]models.SeatEvent, error) {
	where, args, err := f.clause()
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	args = append(args, limit, max(f.Offset, 0))
	q := `SELECT id, pool_id, organization_id, user_id, assignment_id, type, actor, seats_used, occurred_at
		FROM seat_events WHERE ` + where + ` ORDER BY ` + f.order() + fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	list := []models.SeatEvent{}
	for rows.Next() {
		var e models.SeatEvent
		if err := rows.Scan(&e.ID, &e.PoolID, &e.OrganizationID, &e.UserID, &e.AssignmentID,
			&e.Type, &e.Actor, &e.SeatsUsed, &e.OccurredAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// Stream calls fn for every matching event in order, without a limit. Used by exports.
func (r *Repository) Stream(ctx context.Context, f Filter, fn func(models.SeatEvent) error) error {
	where, args, err := f.clause()
	if err != nil {
		return err
	}
	q := `SELECT id, pool_id, organization_id, user_id, assignment_id, type, actor, seats_used, occurred_at
		FROM seat_events WHERE ` + where + ` ORDER BY ` + f.order()
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("stream events: %w", err)
	}
	defer rows.Close()
	var e models.SeatEvent
	_, err = pgx.ForEachRow(rows, []any{&e.ID, &e.PoolID, &e.OrganizationID, &e.UserID, &e.AssignmentID,
		&e.Type, &e.Actor, &e.SeatsUsed, &e.OccurredAt}, func() error {
		err := fn(e)
		e.AssignmentID = nil
		return err
	})
	return err
}

// Utilization buckets a pool's events into fixed windows and reports the last seats_used
// snapshot per window. Windows without events carry the previous value forward.
func (r *Repository) Utilization(ctx context.Context, poolID uuid.UUID, from, to time.Time, bucket time.Duration) ([]models.UtilizationPoint, error) {
	if bucket <= 0 {
		return nil, fmt.Errorf("utilization: bucket must be positive")
	}
	if !to.After(from) {
		return nil, fmt.Errorf("utilization: empty time range")
	}

	// Starting level is the snapshot of the last event before the range.
	var start int
	err := r.pool.QueryRow(ctx, `SELECT seats_used FROM seat_events
		WHERE pool_id = $1 AND occurred_at < $2 ORDER BY id DESC LIMIT 1`, poolID, from).Scan(&start)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("utilization baseline: %w", err)
	}

	var evs []models.SeatEvent
	err = r.Stream(ctx, Filter{PoolID: &poolID, From: from, To: to}, func(e models.SeatEvent) error {
		evs = append(evs, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Bucketize(start, evs, from, to, bucket), nil
}

// Bucketize folds ordered events into windows of size bucket over [from, to).
func Bucketize(start int, evs []models.SeatEvent, from, to time.Time, bucket time.Duration) []models.UtilizationPoint {
	var points []models.UtilizationPoint
	level, i := start, 0
	for b := from; b.Before(to); b = b.Add(bucket) {
		end := b.Add(bucket)
		p := models.UtilizationPoint{BucketStart: b}
		for i < len(evs) && evs[i].OccurredAt.Before(end) {
			level = evs[i].SeatsUsed
			p.Events++
			i++
		}
		p.SeatsUsed = level
		points = append(points, p)
	}
	return points
}

// order sorts a pool's events by id. Events of one pool are appended while its row is
// locked, so id follows the order in which seats_used changed.
func (f Filter) order() string {
	if f.PoolID != nil {
		return "id"
	}
	return "occurred_at, id"
}

func (f Filter) clause() (string, []any, error) {
	var (
		where string
		args  []any
	)
	switch {
	case f.PoolID != nil:
		where, args = "pool_id = $1", []any{*f.PoolID}
	case f.OrganizationID != nil:
		where, args = "organization_id = $1", []any{*f.OrganizationID}
	default:
		return "", nil, ErrInvalidFilter
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		where += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where += fmt.Sprintf(" AND occurred_at < $%d", len(args))
	}
	return where, args, nil
}
