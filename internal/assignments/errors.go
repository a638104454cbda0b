package assignments

import (
	"errors"
	"fmt"
)

var (
	// ErrNotEligible means the user is not an active member of the pool's organization or team.
	ErrNotEligible = errors.New("user not eligible for this pool")
	// ErrEmptyScope means the pool's scope resolved to no enrollable course.
	ErrEmptyScope = errors.New("pool scope resolves to no courses")
	// ErrEnrollmentFailed is the sentinel wrapped by every *EnrollmentError.
	ErrEnrollmentFailed = errors.New("enrollment failed")
)

// EnrollmentError reports an enrollment failure during assign. The reserved seat has
// been released unless RollbackErr is set.
type EnrollmentError struct {
	CourseID    int64
	Err         error
	RollbackErr error
}

func (e *EnrollmentError) Error() string {
	msg := fmt.Sprintf("enrollment failed for course %d: %v", e.CourseID, e.Err)
	if e.RollbackErr != nil {
		msg += fmt.Sprintf(" (seat release failed: %v)", e.RollbackErr)
	}
	return msg
}

// Unwrap exposes the sentinel, the cause and any rollback failure to errors.Is/As.
func (e *EnrollmentError) Unwrap() []error {
	errs := []error{ErrEnrollmentFailed, e.Err}
	if e.RollbackErr != nil {
		errs = append(errs, e.RollbackErr)
	}
	return errs
}
