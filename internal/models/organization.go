package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization is the tenant root that buys seats.
type Organization struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	LegalID     string    `json:"legal_id,omitempty"`
	EmailDomain string    `json:"email_domain,omitempty"` // members with this domain may auto-join
	MaxSeats    int       `json:"max_seats"`              // ceiling across all pools; 0 = unlimited
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Team is an optional subdivision of an organization.
type Team struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	Name           string     `json:"name"`
	ManagerUserID  *uuid.UUID `json:"manager_user_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// MemberStatus is the state of a member record.
type MemberStatus string

const (
	MemberActive  MemberStatus = "active"
	MemberInvited MemberStatus = "invited"
	MemberRemoved MemberStatus = "removed"
)

// Member links a platform user to an organization, optionally within a team.
// At most one active record exists per (organization, user).
type Member struct {
	ID             uuid.UUID    `json:"id"`
	OrganizationID uuid.UUID    `json:"organization_id"`
	TeamID         *uuid.UUID   `json:"team_id,omitempty"`
	UserID         uuid.UUID    `json:"user_id"`
	Status         MemberStatus `json:"status"`
	JoinedAt       time.Time    `json:"joined_at"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
