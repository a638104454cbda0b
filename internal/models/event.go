package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the kind of seat state transition recorded in the event log.
type EventType string

const (
	EventAssigned    EventType = "assigned"
	EventReleased    EventType = "released"
	EventReplaced    EventType = "replaced"
	EventExpired     EventType = "expired"
	EventPoolDeleted EventType = "pool_deleted"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventAssigned, EventReleased, EventReplaced, EventExpired, EventPoolDeleted:
		return true
	}
	return false
}

// SeatEvent is an immutable audit row written with every seats_used mutation.
type SeatEvent struct {
	ID             int64      `json:"id"`
	PoolID         uuid.UUID  `json:"pool_id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	UserID         uuid.UUID  `json:"user_id"`
	AssignmentID   *uuid.UUID `json:"assignment_id,omitempty"`
	Type           EventType  `json:"type"`
	Actor          string     `json:"actor"`
	SeatsUsed      int        `json:"seats_used"` // pool seats_used right after the transition
	OccurredAt     time.Time  `json:"occurred_at"`
}

// UtilizationPoint is the last known seats_used within a time bucket.
type UtilizationPoint struct {
	BucketStart time.Time `json:"bucket_start"`
	SeatsUsed   int       `json:"seats_used"`
	Events      int       `json:"events"`
}
