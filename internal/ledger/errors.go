package ledger

import "errors"

var (
	// ErrSeatsExhausted means the pool is full. It is an expected, user-facing condition.
	ErrSeatsExhausted = errors.New("pool full: no seats remaining")
	// ErrPoolNotFound means the pool does not exist or was deleted.
	ErrPoolNotFound = errors.New("seat pool not found")
	// ErrPoolExpired means the pool's expiration time has passed.
	ErrPoolExpired = errors.New("seat pool expired")
	// ErrAlreadyAssigned means the user already holds a seat in the pool.
	ErrAlreadyAssigned = errors.New("user already holds a seat in this pool")
	// ErrAssignmentNotFound means the assignment does not exist (or is not in the expected pool or state).
	ErrAssignmentNotFound = errors.New("seat assignment not found")
	// ErrNotMember means the user has no active membership covering the pool when the seat is taken.
	ErrNotMember = errors.New("user is not an active member for this pool")
	// ErrPoolInUse means deletion was blocked because seats are still consumed.
	ErrPoolInUse = errors.New("seat pool has consumed seats")
)
