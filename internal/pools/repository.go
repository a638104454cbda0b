package pools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-lms/seats/internal/ledger"
	"github.com/aura-lms/seats/internal/models"
	"github.com/aura-lms/seats/pkg/database"
)

var (
	// ErrInvalidPool is returned when a pool definition fails validation.
	ErrInvalidPool = errors.New("invalid seat pool")
	// ErrOrganizationNotFound is returned when the owning organization is missing or inactive.
	ErrOrganizationNotFound = errors.New("organization not found or inactive")
	// ErrTeamMismatch is returned when the team does not belong to the organization.
	ErrTeamMismatch = errors.New("team does not belong to organization")
	// ErrSeatCeiling is returned when a pool would exceed the organization's max seats.
	ErrSeatCeiling = errors.New("organization seat ceiling exceeded")
)

const poolColumns = `id, organization_id, team_id, scope_kind, scope_ids, seats_total, seats_used,
	auto_enroll, allow_replace, expires_at, created_at, updated_at, deleted_at`

// ListFilter narrows pool listings. Zero values are ignored.
type ListFilter struct {
	OrganizationID *uuid.UUID
	TeamID         *uuid.UUID
	ScopeKind      models.ScopeKind
	IncludeExpired bool
	Limit          int
	Offset         int
}

// Repository handles seat_pools persistence. It never writes seats_used; that belongs to the ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a pools repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Validate checks a pool definition before it is stored.
func Validate(p *models.SeatPool, now time.Time) error {
	switch {
	case p.OrganizationID == uuid.Nil:
		return fmt.Errorf("%w: organization_id required", ErrInvalidPool)
	case p.SeatsTotal <= 0:
		return fmt.Errorf("%w: seats_total must be positive", ErrInvalidPool)
	case !p.Scope.Kind.Valid():
		return fmt.Errorf("%w: scope kind must be course, category or bundle", ErrInvalidPool)
	case len(p.Scope.IDs) == 0:
		return fmt.Errorf("%w: scope ids required", ErrInvalidPool)
	case p.ExpiresAt != nil && !p.ExpiresAt.After(now):
		return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidPool)
	}
	for _, id := range p.Scope.IDs {
		if id <= 0 {
			return fmt.Errorf("%w: scope id %d", ErrInvalidPool, id)
		}
	}
	return nil
}

// Create stores a new pool, enforcing the organization's seat ceiling under a row lock.
func (r *Repository) Create(ctx context.Context, p *models.SeatPool) error {
	p.Scope = models.NewScope(p.Scope.Kind, p.Scope.IDs)
	return database.ExecTx(ctx, r.pool, func(tx pgx.Tx) error {
		var maxSeats int
		err := tx.QueryRow(ctx, `SELECT max_seats FROM organizations WHERE id = $1 AND active FOR UPDATE`, p.OrganizationID).Scan(&maxSeats)
		if database.IsNoRows(err) {
			return ErrOrganizationNotFound
		}
		if err != nil {
			return fmt.Errorf("lock organization: %w", err)
		}
		if p.TeamID != nil {
			var ok bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM teams WHERE id = $1 AND organization_id = $2)`,
				*p.TeamID, p.OrganizationID).Scan(&ok); err != nil {
				return fmt.Errorf("check team: %w", err)
			}
			if !ok {
				return ErrTeamMismatch
			}
		}
		if maxSeats > 0 {
			var allocated int
			if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(seats_total), 0) FROM seat_pools
				WHERE organization_id = $1 AND deleted_at IS NULL`, p.OrganizationID).Scan(&allocated); err != nil {
				return fmt.Errorf("sum allocated seats: %w", err)
			}
			if allocated+p.SeatsTotal > maxSeats {
				return fmt.Errorf("%w: %d allocated, %d requested, max %d", ErrSeatCeiling, allocated, p.SeatsTotal, maxSeats)
			}
		}

		const q = `INSERT INTO seat_pools (organization_id, team_id, scope_kind, scope_ids, seats_total, auto_enroll, allow_replace, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, seats_used, created_at, updated_at`
		return tx.QueryRow(ctx, q, p.OrganizationID, p.TeamID, p.Scope.Kind, p.Scope.IDs, p.SeatsTotal,
			p.AutoEnroll, p.AllowReplace, p.ExpiresAt).Scan(&p.ID, &p.SeatsUsed, &p.CreatedAt, &p.UpdatedAt)
	})
}

// GetByID returns a live (not deleted) pool.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.SeatPool, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM seat_pools WHERE id = $1 AND deleted_at IS NULL`, id)
	p, err := scanPool(row)
	if database.IsNoRows(err) {
		return nil, ledger.ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	return p, nil
}

// Remaining returns the point-in-time number of free seats. The value is a display snapshot.
func (r *Repository) Remaining(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT GREATEST(seats_total - seats_used, 0) FROM seat_pools
		WHERE id = $1 AND deleted_at IS NULL`, id).Scan(&n)
	if database.IsNoRows(err) {
		return 0, ledger.ErrPoolNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("remaining seats: %w", err)
	}
	return n, nil
}

// List returns live pools with computed counts, plus the total matching count.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]models.PoolView, int, error) {
	conds := []string{"deleted_at IS NULL"}
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.OrganizationID != nil {
		add("organization_id = $%d", *f.OrganizationID)
	}
	if f.TeamID != nil {
		add("team_id = $%d", *f.TeamID)
	}
	if f.ScopeKind != "" {
		add("scope_kind = $%d", f.ScopeKind)
	}
	if !f.IncludeExpired {
		conds = append(conds, "(expires_at IS NULL OR expires_at > NOW())")
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM seat_pools WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pools: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, max(f.Offset, 0))
	q := `SELECT ` + poolColumns + ` FROM seat_pools WHERE ` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	list := []models.PoolView{}
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, View(p, now))
	}
	return list, total, rows.Err()
}

// ListExpiredHolding returns ids of live pools past expiry that still have consumed seats.
func (r *Repository) ListExpiredHolding(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM seat_pools
		WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= NOW() AND seats_used > 0
		ORDER BY expires_at`)
	if err != nil {
		return nil, fmt.Errorf("list expired pools: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// ListAutoEnroll returns live, unexpired auto-enroll pools a member of org (and optionally team) may draw from.
func (r *Repository) ListAutoEnroll(ctx context.Context, orgID uuid.UUID, teamID *uuid.UUID) ([]models.SeatPool, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+poolColumns+` FROM seat_pools
		WHERE organization_id = $1 AND auto_enroll AND deleted_at IS NULL
			AND (expires_at IS NULL OR expires_at > NOW())
			AND (team_id IS NULL OR team_id = $2)
		ORDER BY created_at`, orgID, teamID)
	if err != nil {
		return nil, fmt.Errorf("list auto-enroll pools: %w", err)
	}
	defer rows.Close()
	var list []models.SeatPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// View wraps a pool with computed seat counts.
func View(p *models.SeatPool, now time.Time) models.PoolView {
	return models.PoolView{SeatPool: *p, Remaining: p.Remaining(), Expired: p.ExpiredAt(now)}
}

func scanPool(row pgx.Row) (*models.SeatPool, error) {
	var p models.SeatPool
	err := row.Scan(&p.ID, &p.OrganizationID, &p.TeamID, &p.Scope.Kind, &p.Scope.IDs, &p.SeatsTotal, &p.SeatsUsed,
		&p.AutoEnroll, &p.AllowReplace, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
