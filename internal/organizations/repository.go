package organizations

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-lms/seats/internal/models"
	"github.com/aura-lms/seats/pkg/database"
)

var (
	// ErrNotFound is returned for a missing or inactive organization.
	ErrNotFound = errors.New("organization not found")
	// ErrTeamNotFound is returned for a team that does not exist in the organization.
	ErrTeamNotFound = errors.New("team not found")
	// ErrMemberNotFound is returned when the user has no active membership.
	ErrMemberNotFound = errors.New("member not found")
	// ErrSeatsConsumed blocks organization deletion while any pool still has consumed seats.
	ErrSeatsConsumed = errors.New("organization has consumed seats")
	// ErrDomainTaken is returned when another active organization already claims the email domain.
	ErrDomainTaken = errors.New("email domain already claimed")
)

// Repository handles organizations, teams and organization_members persistence.
// It also serves as the membership service for seat eligibility checks.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an organizations repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create creates an organization.
func (r *Repository) Create(ctx context.Context, org *models.Organization) error {
	org.EmailDomain = NormalizeDomain(org.EmailDomain)
	if org.EmailDomain != "" {
		var taken bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM organizations WHERE active AND lower(email_domain) = $1)`,
			org.EmailDomain).Scan(&taken); err != nil {
			return fmt.Errorf("check email domain: %w", err)
		}
		if taken {
			return ErrDomainTaken
		}
	}
	const q = `INSERT INTO organizations (name, legal_id, email_domain, max_seats)
		VALUES ($1, $2, $3, $4)
		RETURNING id, active, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, org.Name, org.LegalID, org.EmailDomain, org.MaxSeats).
		Scan(&org.ID, &org.Active, &org.CreatedAt, &org.UpdatedAt)
}

// GetByID returns an active organization by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	const q = `SELECT id, name, legal_id, email_domain, max_seats, active, created_at, updated_at
		FROM organizations WHERE id = $1 AND active`
	return r.scanOne(ctx, q, id)
}

// GetByEmailDomain returns the active organization that claims the domain.
func (r *Repository) GetByEmailDomain(ctx context.Context, domain string) (*models.Organization, error) {
	domain = NormalizeDomain(domain)
	if domain == "" {
		return nil, ErrNotFound
	}
	const q = `SELECT id, name, legal_id, email_domain, max_seats, active, created_at, updated_at
		FROM organizations WHERE active AND lower(email_domain) = $1
		ORDER BY created_at LIMIT 1`
	return r.scanOne(ctx, q, domain)
}

func (r *Repository) scanOne(ctx context.Context, q string, arg any) (*models.Organization, error) {
	var org models.Organization
	err := r.pool.QueryRow(ctx, q, arg).Scan(&org.ID, &org.Name, &org.LegalID, &org.EmailDomain,
		&org.MaxSeats, &org.Active, &org.CreatedAt, &org.UpdatedAt)
	if database.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// Delete deactivates an organization. It is refused while any live pool has consumed seats;
// otherwise the organization's pools are soft-deleted and its members marked removed.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	return database.ExecTx(ctx, r.pool, func(tx pgx.Tx) error {
		var active bool
		err := tx.QueryRow(ctx, `SELECT active FROM organizations WHERE id = $1 FOR UPDATE`, id).Scan(&active)
		if database.IsNoRows(err) || (err == nil && !active) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock organization: %w", err)
		}
		// Row locks make a concurrent seat reservation either finish first and be counted
		// here, or wait and then find the pool deleted.
		rows, err := tx.Query(ctx, `SELECT seats_used FROM seat_pools
			WHERE organization_id = $1 AND deleted_at IS NULL ORDER BY id FOR UPDATE`, id)
		if err != nil {
			return fmt.Errorf("lock pools: %w", err)
		}
		used, err := pgx.CollectRows(rows, pgx.RowTo[int])
		if err != nil {
			return fmt.Errorf("lock pools: %w", err)
		}
		for _, n := range used {
			if n > 0 {
				return ErrSeatsConsumed
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE seat_pools SET deleted_at = NOW(), updated_at = NOW()
			WHERE organization_id = $1 AND deleted_at IS NULL`, id); err != nil {
			return fmt.Errorf("delete pools: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE organization_members SET status = 'removed', updated_at = NOW()
			WHERE organization_id = $1 AND status <> 'removed'`, id); err != nil {
			return fmt.Errorf("remove members: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE organizations SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
		return err
	})
}

// CreateTeam creates a team inside an active organization.
func (r *Repository) CreateTeam(ctx context.Context, team *models.Team) error {
	const q = `INSERT INTO teams (organization_id, name, manager_user_id)
		SELECT $1::uuid, $2::text, $3::uuid WHERE EXISTS (SELECT 1 FROM organizations WHERE id = $1 AND active)
		RETURNING id, created_at, updated_at`
	err := r.pool.QueryRow(ctx, q, team.OrganizationID, team.Name, team.ManagerUserID).
		Scan(&team.ID, &team.CreatedAt, &team.UpdatedAt)
	if database.IsNoRows(err) {
		return ErrNotFound
	}
	return err
}

// ListTeams returns the teams of an organization.
func (r *Repository) ListTeams(ctx context.Context, orgID uuid.UUID) ([]models.Team, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, organization_id, name, manager_user_id, created_at, updated_at
		FROM teams WHERE organization_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Team{}
	for rows.Next() {
		var t models.Team
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.ManagerUserID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// AddMember makes the user an active member of the organization, moving them to teamID if
// they are already active. At most one active record exists per (organization, user).
func (r *Repository) AddMember(ctx context.Context, orgID uuid.UUID, teamID *uuid.UUID, userID uuid.UUID) (*models.Member, error) {
	m := &models.Member{OrganizationID: orgID, TeamID: teamID, UserID: userID, Status: models.MemberActive}
	err := database.ExecTx(ctx, r.pool, func(tx pgx.Tx) error {
		var ok bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM organizations WHERE id = $1 AND active)`, orgID).Scan(&ok); err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if teamID != nil {
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM teams WHERE id = $1 AND organization_id = $2)`,
				*teamID, orgID).Scan(&ok); err != nil {
				return err
			}
			if !ok {
				return ErrTeamNotFound
			}
		}
		const q = `INSERT INTO organization_members (organization_id, team_id, user_id, status)
			VALUES ($1, $2, $3, 'active')
			ON CONFLICT (organization_id, user_id) WHERE status = 'active'
			DO UPDATE SET team_id = EXCLUDED.team_id, updated_at = NOW()
			RETURNING id, joined_at, created_at, updated_at`
		return tx.QueryRow(ctx, q, orgID, teamID, userID).Scan(&m.ID, &m.JoinedAt, &m.CreatedAt, &m.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RemoveMember marks the user's active membership removed.
func (r *Repository) RemoveMember(ctx context.Context, orgID, userID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE organization_members SET status = 'removed', updated_at = NOW()
		WHERE organization_id = $1 AND user_id = $2 AND status = 'active'`, orgID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// ListMembers returns non-removed members of an organization.
func (r *Repository) ListMembers(ctx context.Context, orgID uuid.UUID) ([]models.Member, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, organization_id, team_id, user_id, status, joined_at, created_at, updated_at
		FROM organization_members WHERE organization_id = $1 AND status <> 'removed'
		ORDER BY joined_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Member{}
	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.TeamID, &m.UserID, &m.Status, &m.JoinedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// MemberTeam returns the team of the user's active membership (nil when org-wide).
func (r *Repository) MemberTeam(ctx context.Context, orgID, userID uuid.UUID) (*uuid.UUID, error) {
	var team *uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT team_id FROM organization_members
		WHERE organization_id = $1 AND user_id = $2 AND status = 'active'`, orgID, userID).Scan(&team)
	if database.IsNoRows(err) {
		return nil, ErrMemberNotFound
	}
	return team, err
}

// IsActiveOrgMember reports whether the user is an active member of an active organization.
func (r *Repository) IsActiveOrgMember(ctx context.Context, orgID, userID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM organization_members m
		INNER JOIN organizations o ON o.id = m.organization_id
		WHERE m.organization_id = $1 AND m.user_id = $2 AND m.status = 'active' AND o.active)`
	var ok bool
	err := r.pool.QueryRow(ctx, q, orgID, userID).Scan(&ok)
	return ok, err
}

// IsActiveTeamMember reports whether the user is an active member placed in the team.
func (r *Repository) IsActiveTeamMember(ctx context.Context, teamID, userID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM organization_members
		WHERE team_id = $1 AND user_id = $2 AND status = 'active')`
	var ok bool
	err := r.pool.QueryRow(ctx, q, teamID, userID).Scan(&ok)
	return ok, err
}

// NormalizeDomain lowercases a domain and strips a leading "@".
func NormalizeDomain(d string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "@")
}

// EmailDomain returns the normalized domain part of an email address, or "".
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return NormalizeDomain(email[at+1:])
}
