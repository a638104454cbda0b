package assignments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aura-lms/seats/internal/ledger"
	"github.com/aura-lms/seats/internal/models"
	"github.com/aura-lms/seats/internal/scope"
)

type harness struct {
	svc      *Service
	ledger   *fakeLedger
	members  *fakeMembership
	enroller *fakeEnroller
	recorder *fakeRecorder
	orgID    uuid.UUID
}

func newHarness(t *testing.T, courses []int64) *harness {
	t.Helper()
	h := &harness{
		ledger:   newFakeLedger(),
		members:  newFakeMembership(),
		enroller: &fakeEnroller{failOn: map[int64]error{}},
		recorder: &fakeRecorder{},
		orgID:    uuid.New(),
	}
	h.svc = NewService(fakePools{h.ledger}, h.members, fakeResolver{courses: courses}, h.ledger, fakeStore{h.ledger},
		h.enroller, h.recorder, Options{EnrollTimeout: 50 * time.Millisecond}, zaptest.NewLogger(t))
	h.ledger.member = h.members.holds
	return h
}

func (h *harness) pool(total int, mutate ...func(*models.SeatPool)) *models.SeatPool {
	p := models.SeatPool{
		OrganizationID: h.orgID,
		Scope:          models.NewScope(models.ScopeCourse, []int64{1, 2}),
		SeatsTotal:     total,
	}
	for _, m := range mutate {
		m(&p)
	}
	return h.ledger.addPool(p)
}

func (h *harness) member() uuid.UUID {
	u := uuid.New()
	h.members.join(h.orgID, nil, u)
	return u
}

func (h *harness) assign(poolID, userID uuid.UUID) (*models.SeatAssignment, error) {
	return h.svc.Assign(context.Background(), AssignRequest{PoolID: poolID, UserID: userID, Actor: "admin"})
}

func TestAssignSuccess(t *testing.T) {
	h := newHarness(t, []int64{1, 2})
	p := h.pool(2)

	a, err := h.assign(p.ID, h.member())
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentActive, a.Status)
	assert.Equal(t, []int64{1, 2}, a.CourseIDs)
	assert.Equal(t, 1, h.ledger.seatsUsed(p.ID))
	assert.Equal(t, []int64{1, 2}, h.enroller.calls)
	assert.Equal(t, []models.EventType{models.EventAssigned}, h.ledger.eventTypes())
	assert.Equal(t, 1, h.recorder.results["ok"])
	assert.Equal(t, 2, h.recorder.enrolls)
}

func TestAssignUntilPoolFull(t *testing.T) {
	h := newHarness(t, []int64{1})
	p := h.pool(2)

	_, err := h.assign(p.ID, h.member())
	require.NoError(t, err)
	assert.Equal(t, 1, h.ledger.seatsUsed(p.ID))

	_, err = h.assign(p.ID, h.member())
	require.NoError(t, err)
	assert.Equal(t, 2, h.ledger.seatsUsed(p.ID))

	_, err = h.assign(p.ID, h.member())
	assert.ErrorIs(t, err, ledger.ErrSeatsExhausted)
	assert.Equal(t, 2, h.ledger.seatsUsed(p.ID))
	assert.Equal(t, 1, h.recorder.results["exhausted"])
}

func TestAssignConcurrent(t *testing.T) {
	h := newHarness(t, []int64{1})
	const total, requests = 4, 25
	p := h.pool(total)

	users := make([]uuid.UUID, requests)
	for i := range users {
		users[i] = h.member()
	}

	var (
		wg                   sync.WaitGroup
		mu                   sync.Mutex
		ok, exhausted, other int
	)
	for _, u := range users {
		wg.Add(1)
		go func(u uuid.UUID) {
			defer wg.Done()
			_, err := h.assign(p.ID, u)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrSeatsExhausted):
				exhausted++
			default:
				other++
			}
		}(u)
	}
	wg.Wait()

	assert.Equal(t, total, ok)
	assert.Equal(t, requests-total, exhausted)
	assert.Zero(t, other)
	assert.Equal(t, total, h.ledger.seatsUsed(p.ID))
}

func TestAssignNotEligible(t *testing.T) {
	h := newHarness(t, []int64{1})
	p := h.pool(5)

	_, err := h.assign(p.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.Zero(t, h.ledger.seatsUsed(p.ID))
}

func TestAssignTeamScopedPool(t *testing.T) {
	h := newHarness(t, []int64{1})
	team := uuid.New()
	p := h.pool(5, func(p *models.SeatPool) { p.TeamID = &team })

	_, err := h.assign(p.ID, h.member())
	assert.ErrorIs(t, err, ErrNotEligible, "org member outside the team")

	inTeam := uuid.New()
	h.members.join(h.orgID, &team, inTeam)
	_, err = h.assign(p.ID, inTeam)
	require.NoError(t, err)
}

func TestAssignAlreadyAssigned(t *testing.T) {
	h := newHarness(t, []int64{1})
	p := h.pool(5)
	u := h.member()

	_, err := h.assign(p.ID, u)
	require.NoError(t, err)
	_, err = h.assign(p.ID, u)
	assert.ErrorIs(t, err, ledger.ErrAlreadyAssigned)
	assert.Equal(t, 1, h.ledger.seatsUsed(p.ID))
}

func TestAssignReplaceWhenAllowed(t *testing.T) {
	h := newHarness(t, []int64{1})
	p := h.pool(1, func(p *models.SeatPool) { p.AllowReplace = true })
	u := h.member()

	first, err := h.assign(p.ID, u)
	require.NoError(t, err)
	second, err := h.assign(p.ID, u)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, h.ledger.seatsUsed(p.ID))
	assert.Equal(t, []models.EventType{models.EventAssigned, models.EventReplaced, models.EventAssigned}, h.ledger.eventTypes())
	assert.Equal(t, models.AssignmentReleased, h.ledger.get(first.ID).Status)
}

func TestAssignReplaceThenEnrollmentFailureKeepsOldSeat(t *testing.T) {
	h := newHarness(t, []int64{1})
	p := h.pool(1, func(p *models.SeatPool) { p.AllowReplace = true })
	u := h.member()

	first, err := h.assign(p.ID, u)
	require.NoError(t, err)
	require.Equal(t, 1, h.ledger.seatsUsed(p.ID))

	h.enroller.failOn[1] = errors.New("lms 500")
	_, err = h.assign(p.ID, u)
	require.ErrorIs(t, err, ErrEnrollmentFailed)
	var enrollErr *EnrollmentError
	require.ErrorAs(t, err, &enrollErr)
	assert.NoError(t, enrollErr.RollbackErr)

	assert.Equal(t, 1, h.ledger.seatsUsed(p.ID), "seats_used back to its value before the call")
	old := h.ledger.get(first.ID)
	assert.Equal(t, models.AssignmentActive, old.Status)
	assert.Nil(t, old.ReleasedAt)
	assert.Equal(t, []models.EventType{
		models.EventAssigned, models.EventReplaced, models.EventAssigned, models.EventReleased, models.EventAssigned,
	}, h.ledger.eventTypes())

	holding, err := fakeStore{h.ledger}.FindHolding(context.Background(), p.ID, u)
	require.NoError(t, err)
	require.NotNil(t, holding)
	assert.Equal(t, first.ID, holding.ID)
}

func TestAssignMemberRemovedDuringAssign(t *testing.T) {
	h := newHarness(t, []int64{1})
	p := h.pool(2)
	u := h.member()
	h.members.afterOrgCheck = func() { h.members.leave(h.orgID, u) }

	_, err := h.assign(p.ID, u)
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.Zero(t, h.ledger.seatsUsed(p.ID))
	assert.Empty(t, h.ledger.eventTypes())
	assert.Empty(t, h.enroller.calls)
}

func TestAssignExpiredPool(t *testing.T) {
	h := newHarness(t, []int64{1})
	past := time.Now().Add(-time.Minute)
	p := h.pool(5, func(p *models.SeatPool) { p.ExpiresAt = &past })

	_, err := h.assign(p.ID, h.member())
	assert.ErrorIs(t, err, ledger.ErrPoolExpired)
	assert.Zero(t, h.ledger.seatsUsed(p.ID))
	assert.Empty(t, h.ledger.eventTypes())
}

func TestAssignUnknownPool(t *testing.T) {
	h := newHarness(t, []int64{1})
	_, err := h.assign(uuid.New(), h.member())
	assert.ErrorIs(t, err, ledger.ErrPoolNotFound)
}

func TestAssignEmptyScope(t *testing.T) {
	h := newHarness(t, nil)
	p := h.pool(5)

	_, err := h.assign(p.ID, h.member())
	assert.ErrorIs(t, err, ErrEmptyScope)
	assert.Zero(t, h.ledger.seatsUsed(p.ID))
}

func TestAssignScopeError(t *testing.T) {
	h := newHarness(t, nil)
	h.svc.resolver = fakeResolver{err: scope.ErrInvalidScopeKind}
	p := h.pool(5)

	_, err := h.assign(p.ID, h.member())
	assert.ErrorIs(t, err, scope.ErrInvalidScopeKind)
	assert.Equal(t, "invalid_scope", Outcome(err))
}

func TestAssignEnrollmentFailureRollsBack(t *testing.T) {
	h := newHarness(t, []int64{1, 2, 3})
	cause := errors.New("lms 500")
	h.enroller.failOn[2] = cause
	p := h.pool(3)

	_, err := h.assign(p.ID, h.member())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnrollmentFailed)
	assert.ErrorIs(t, err, cause)

	var enrollErr *EnrollmentError
	require.ErrorAs(t, err, &enrollErr)
	assert.Equal(t, int64(2), enrollErr.CourseID)
	assert.NoError(t, enrollErr.RollbackErr)

	assert.Zero(t, h.ledger.seatsUsed(p.ID))
	assert.Equal(t, []models.EventType{models.EventAssigned, models.EventReleased}, h.ledger.eventTypes())
	assert.Equal(t, []int64{1, 2}, h.enroller.calls, "no enrollment after the first failure")
	for _, a := range h.ledger.assignments {
		assert.Equal(t, models.AssignmentReleased, a.Status)
	}
	assert.Equal(t, 1, h.recorder.results["enrollment_failed"])
}

func TestAssignEnrollmentTimeoutRollsBack(t *testing.T) {
	h := newHarness(t, []int64{1})
	h.enroller.block = true
	p := h.pool(1)

	_, err := h.assign(p.ID, h.member())
	assert.ErrorIs(t, err, ErrEnrollmentFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.ledger.seatsUsed(p.ID))
}

func TestAssignRollbackSurvivesCallerCancel(t *testing.T) {
	h := newHarness(t, []int64{1})
	h.svc.timeout = time.Second
	h.enroller.block = true
	p := h.pool(1)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := h.svc.Assign(ctx, AssignRequest{PoolID: p.ID, UserID: h.member(), Actor: "admin"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.ledger.seatsUsed(p.ID))
	require.Len(t, h.ledger.releaseCtx, 1)
	assert.NoError(t, h.ledger.releaseCtx[0], "rollback must not inherit the caller's cancellation")
}

func TestAssignRollbackFailureSurfaces(t *testing.T) {
	h := newHarness(t, []int64{1})
	h.enroller.failOn[1] = errors.New("lms down")
	h.ledger.releaseErr = errors.New("db down")
	p := h.pool(1)

	_, err := h.assign(p.ID, h.member())
	var enrollErr *EnrollmentError
	require.ErrorAs(t, err, &enrollErr)
	assert.ErrorIs(t, err, h.ledger.releaseErr)
	assert.Contains(t, err.Error(), "seat release failed")
}

func TestAssignConfirmFailureReleases(t *testing.T) {
	h := newHarness(t, []int64{1})
	h.ledger.confirmErr = errors.New("db blip")
	p := h.pool(1)

	_, err := h.assign(p.ID, h.member())
	assert.ErrorIs(t, err, h.ledger.confirmErr)
	assert.Zero(t, h.ledger.seatsUsed(p.ID))
}

func TestUnassignIdempotent(t *testing.T) {
	h := newHarness(t, []int64{1})
	p := h.pool(1)
	a, err := h.assign(p.ID, h.member())
	require.NoError(t, err)

	res, err := h.svc.Unassign(context.Background(), a.ID, "admin")
	require.NoError(t, err)
	assert.True(t, res.Released)

	res, err = h.svc.Unassign(context.Background(), a.ID, "admin")
	require.NoError(t, err)
	assert.False(t, res.Released)
	assert.Zero(t, h.ledger.seatsUsed(p.ID))
	assert.Equal(t, []models.EventType{models.EventAssigned, models.EventReleased}, h.ledger.eventTypes())
}

func TestHandleEnrollmentRemoved(t *testing.T) {
	h := newHarness(t, []int64{7, 8})
	p1 := h.pool(2)
	p2 := h.pool(2)
	u := h.member()
	_, err := h.assign(p1.ID, u)
	require.NoError(t, err)
	_, err = h.assign(p2.ID, u)
	require.NoError(t, err)

	n, err := h.svc.HandleEnrollmentRemoved(context.Background(), u, 8, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, h.ledger.seatsUsed(p1.ID))
	assert.Zero(t, h.ledger.seatsUsed(p2.ID))

	n, err = h.svc.HandleEnrollmentRemoved(context.Background(), u, 99, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReleaseMember(t *testing.T) {
	h := newHarness(t, []int64{1})
	p := h.pool(3)
	u := h.member()
	_, err := h.assign(p.ID, u)
	require.NoError(t, err)

	n, err := h.svc.ReleaseMember(context.Background(), h.orgID, u, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, h.ledger.seatsUsed(p.ID))
}

func TestAutoEnroll(t *testing.T) {
	h := newHarness(t, []int64{1})
	auto := h.pool(3, func(p *models.SeatPool) { p.AutoEnroll = true })
	full := h.pool(1, func(p *models.SeatPool) { p.AutoEnroll = true; p.SeatsUsed = 1 })
	manual := h.pool(3)
	u := h.member()

	got, err := h.svc.AutoEnroll(context.Background(), h.orgID, u)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, auto.ID, got[0].PoolID)
	assert.Equal(t, 1, h.ledger.seatsUsed(full.ID))
	assert.Zero(t, h.ledger.seatsUsed(manual.ID))

	again, err := h.svc.AutoEnroll(context.Background(), h.orgID, u)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":                nil,
		"exhausted":         ledger.ErrSeatsExhausted,
		"not_eligible":      ErrNotEligible,
		"already_assigned":  ledger.ErrAlreadyAssigned,
		"expired":           ledger.ErrPoolExpired,
		"not_found":         ledger.ErrPoolNotFound,
		"invalid_scope":     ErrEmptyScope,
		"enrollment_failed": &EnrollmentError{CourseID: 1, Err: errors.New("x")},
		"error":             errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Outcome(err), want)
	}
}
