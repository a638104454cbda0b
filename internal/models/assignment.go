package models

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentStatus tracks a seat assignment through the assign saga.
type AssignmentStatus string

const (
	AssignmentReserved AssignmentStatus = "reserved" // seat taken, enrollment in flight
	AssignmentActive   AssignmentStatus = "active"
	AssignmentReleased AssignmentStatus = "released"
)

// SeatAssignment is one unit of seat consumption by a user in a pool.
type SeatAssignment struct {
	ID            uuid.UUID        `json:"id"`
	PoolID        uuid.UUID        `json:"pool_id"`
	UserID        uuid.UUID        `json:"user_id"`
	CourseIDs     []int64          `json:"course_ids"`
	Status        AssignmentStatus `json:"status"`
	ConsumedAt    time.Time        `json:"consumed_at"`
	ReleasedAt    *time.Time       `json:"released_at,omitempty"`
	ReleaseReason *EventType       `json:"release_reason,omitempty"`
}

// Holding reports whether the assignment still consumes a seat.
func (a *SeatAssignment) Holding() bool {
	return a.ReleasedAt == nil
}
