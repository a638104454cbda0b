package models

import (
	"time"

	"github.com/google/uuid"
)

// ScopeKind selects how a pool's scope ids are interpreted.
type ScopeKind string

const (
	ScopeCourse   ScopeKind = "course"
	ScopeCategory ScopeKind = "category"
	ScopeBundle   ScopeKind = "bundle"
)

// Valid reports whether k is a known scope kind.
func (k ScopeKind) Valid() bool {
	switch k {
	case ScopeCourse, ScopeCategory, ScopeBundle:
		return true
	}
	return false
}

// Scope is the content selector of a pool: a kind plus an ordered set of content ids.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	IDs  []int64   `json:"ids"`
}

// NewScope builds a Scope with ids deduplicated, keeping first occurrence order.
func NewScope(kind ScopeKind, ids []int64) Scope {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return Scope{Kind: kind, IDs: out}
}

// SeatPool is a finite quota of seats bound to an organization (and optionally a team) and a scope.
// SeatsUsed is only ever mutated by the seat ledger.
type SeatPool struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	TeamID         *uuid.UUID `json:"team_id,omitempty"`
	Scope          Scope      `json:"scope"`
	SeatsTotal     int        `json:"seats_total"`
	SeatsUsed      int        `json:"seats_used"`
	AutoEnroll     bool       `json:"auto_enroll"`
	AllowReplace   bool       `json:"allow_replace"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// Remaining returns the number of seats still available.
func (p *SeatPool) Remaining() int {
	if r := p.SeatsTotal - p.SeatsUsed; r > 0 {
		return r
	}
	return 0
}

// ExpiredAt reports whether the pool is expired at t.
func (p *SeatPool) ExpiredAt(t time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(t)
}

// PoolView is a pool with computed seat counts for list responses.
type PoolView struct {
	SeatPool
	Remaining int  `json:"remaining"`
	Expired   bool `json:"expired"`
}
