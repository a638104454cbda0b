package assignments

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-lms/seats/internal/ledger"
	"github.com/aura-lms/seats/internal/models"
)

// fakeLedger is an in-memory ledger with the same refusal rules as the Postgres one.
type fakeLedger struct {
	mu          sync.Mutex
	pools       map[uuid.UUID]*models.SeatPool
	assignments map[uuid.UUID]*models.SeatAssignment
	events      []models.SeatEvent
	releaseCtx  []error
	confirmErr  error
	releaseErr  error
	// member, when set, answers the membership re-check done while the seat is taken.
	member func(p *models.SeatPool, userID uuid.UUID) bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		pools:       map[uuid.UUID]*models.SeatPool{},
		assignments: map[uuid.UUID]*models.SeatAssignment{},
	}
}

func (l *fakeLedger) addPool(p models.SeatPool) *models.SeatPool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	l.pools[p.ID] = &p
	return &p
}

func (l *fakeLedger) seatsUsed(poolID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pools[poolID].SeatsUsed
}

func (l *fakeLedger) eventTypes() []models.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func (l *fakeLedger) get(id uuid.UUID) models.SeatAssignment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.assignments[id]
}

func (l *fakeLedger) Reserve(_ context.Context, req ledger.ReserveRequest) (*ledger.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pools[req.PoolID]
	if !ok || p.DeletedAt != nil {
		return nil, ledger.ErrPoolNotFound
	}
	if p.ExpiredAt(time.Now()) {
		return nil, ledger.ErrPoolExpired
	}
	freed := 0
	if req.Replace != nil {
		old, ok := l.assignments[*req.Replace]
		if !ok || old.PoolID != req.PoolID {
			return nil, ledger.ErrAssignmentNotFound
		}
		if old.Holding() {
			freed = 1
		}
	}
	if p.SeatsUsed-freed >= p.SeatsTotal {
		return nil, ledger.ErrSeatsExhausted
	}
	for _, a := range l.assignments {
		if a.PoolID == req.PoolID && a.UserID == req.UserID && a.Holding() && (req.Replace == nil || a.ID != *req.Replace) {
			return nil, ledger.ErrAlreadyAssigned
		}
	}
	if req.RequireMember && l.member != nil && !l.member(p, req.UserID) {
		return nil, ledger.ErrNotMember
	}
	if freed == 1 {
		l.releaseLocked(*req.Replace, models.EventReplaced, req.Actor)
	}
	p.SeatsUsed++
	a := &models.SeatAssignment{
		ID: uuid.New(), PoolID: req.PoolID, UserID: req.UserID, CourseIDs: req.CourseIDs,
		Status: models.AssignmentReserved, ConsumedAt: time.Now(),
	}
	l.assignments[a.ID] = a
	l.events = append(l.events, models.SeatEvent{PoolID: p.ID, UserID: req.UserID, AssignmentID: &a.ID,
		Type: models.EventAssigned, Actor: req.Actor, SeatsUsed: p.SeatsUsed})
	cp := *a
	return &ledger.Reservation{Assignment: &cp, OrganizationID: p.OrganizationID, SeatsUsed: p.SeatsUsed}, nil
}

func (l *fakeLedger) Release(ctx context.Context, req ledger.ReleaseRequest) (*ledger.ReleaseResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseCtx = append(l.releaseCtx, ctx.Err())
	if l.releaseErr != nil {
		return nil, l.releaseErr
	}
	a, ok := l.assignments[req.AssignmentID]
	if !ok {
		return nil, ledger.ErrAssignmentNotFound
	}
	if !a.Holding() {
		return &ledger.ReleaseResult{Released: false, PoolID: a.PoolID}, nil
	}
	res := &ledger.ReleaseResult{Released: true, PoolID: a.PoolID}
	res.SeatsUsed = l.releaseLocked(req.AssignmentID, req.Reason, req.Actor)
	if req.Reinstate != nil && l.reinstateLocked(a.PoolID, *req.Reinstate, req.Actor) {
		res.Reinstated = true
		res.SeatsUsed = l.pools[a.PoolID].SeatsUsed
	}
	return res, nil
}

func (l *fakeLedger) reinstateLocked(poolID, id uuid.UUID, actor string) bool {
	old, ok := l.assignments[id]
	if !ok || old.PoolID != poolID || old.ReleaseReason == nil || *old.ReleaseReason != models.EventReplaced {
		return false
	}
	for _, a := range l.assignments {
		if a.PoolID == poolID && a.UserID == old.UserID && a.Holding() {
			return false
		}
	}
	p := l.pools[poolID]
	if p.SeatsUsed >= p.SeatsTotal {
		return false
	}
	p.SeatsUsed++
	old.Status = models.AssignmentActive
	old.ReleasedAt = nil
	old.ReleaseReason = nil
	l.events = append(l.events, models.SeatEvent{PoolID: p.ID, UserID: old.UserID, AssignmentID: &old.ID,
		Type: models.EventAssigned, Actor: actor, SeatsUsed: p.SeatsUsed})
	return true
}

func (l *fakeLedger) releaseLocked(id uuid.UUID, reason models.EventType, actor string) int {
	a := l.assignments[id]
	now := time.Now()
	a.Status = models.AssignmentReleased
	a.ReleasedAt = &now
	a.ReleaseReason = &reason
	p := l.pools[a.PoolID]
	if p.SeatsUsed > 0 {
		p.SeatsUsed--
	}
	l.events = append(l.events, models.SeatEvent{PoolID: p.ID, UserID: a.UserID, AssignmentID: &a.ID,
		Type: reason, Actor: actor, SeatsUsed: p.SeatsUsed})
	return p.SeatsUsed
}

func (l *fakeLedger) Confirm(_ context.Context, id uuid.UUID) (*models.SeatAssignment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.confirmErr != nil {
		return nil, l.confirmErr
	}
	a, ok := l.assignments[id]
	if !ok || a.Status != models.AssignmentReserved {
		return nil, ledger.ErrAssignmentNotFound
	}
	a.Status = models.AssignmentActive
	cp := *a
	return &cp, nil
}

// fakePools reads pools out of the fake ledger.
type fakePools struct{ l *fakeLedger }

func (f fakePools) GetByID(_ context.Context, id uuid.UUID) (*models.SeatPool, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	p, ok := f.l.pools[id]
	if !ok || p.DeletedAt != nil {
		return nil, ledger.ErrPoolNotFound
	}
	cp := *p
	return &cp, nil
}

func (f fakePools) ListAutoEnroll(_ context.Context, orgID uuid.UUID, teamID *uuid.UUID) ([]models.SeatPool, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	var out []models.SeatPool
	for _, p := range f.l.pools {
		if p.OrganizationID != orgID || !p.AutoEnroll || p.DeletedAt != nil || p.ExpiredAt(time.Now()) {
			continue
		}
		if p.TeamID != nil && (teamID == nil || *p.TeamID != *teamID) {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

// fakeStore reads assignments out of the fake ledger.
type fakeStore struct{ l *fakeLedger }

func (f fakeStore) FindHolding(_ context.Context, poolID, userID uuid.UUID) (*models.SeatAssignment, error) {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	for _, a := range f.l.assignments {
		if a.PoolID == poolID && a.UserID == userID && a.Holding() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f fakeStore) ListHoldingByUserCourse(_ context.Context, userID uuid.UUID, courseID int64) ([]models.SeatAssignment, error) {
	return f.filter(func(a *models.SeatAssignment) bool {
		if a.UserID != userID {
			return false
		}
		for _, c := range a.CourseIDs {
			if c == courseID {
				return true
			}
		}
		return false
	}), nil
}

func (f fakeStore) ListHoldingByOrgUser(_ context.Context, orgID, userID uuid.UUID) ([]models.SeatAssignment, error) {
	return f.filter(func(a *models.SeatAssignment) bool {
		return a.UserID == userID && f.l.pools[a.PoolID].OrganizationID == orgID
	}), nil
}

func (f fakeStore) filter(keep func(*models.SeatAssignment) bool) []models.SeatAssignment {
	f.l.mu.Lock()
	defer f.l.mu.Unlock()
	var out []models.SeatAssignment
	for _, a := range f.l.assignments {
		if a.Holding() && keep(a) {
			out = append(out, *a)
		}
	}
	return out
}

type fakeMembership struct {
	mu    sync.Mutex
	orgs  map[uuid.UUID]map[uuid.UUID]bool
	teams map[uuid.UUID]map[uuid.UUID]bool
	// afterOrgCheck runs after each IsActiveOrgMember answer, outside the lock.
	afterOrgCheck func()
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{orgs: map[uuid.UUID]map[uuid.UUID]bool{}, teams: map[uuid.UUID]map[uuid.UUID]bool{}}
}

func (m *fakeMembership) join(orgID uuid.UUID, teamID *uuid.UUID, userID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orgs[orgID] == nil {
		m.orgs[orgID] = map[uuid.UUID]bool{}
	}
	m.orgs[orgID][userID] = true
	if teamID != nil {
		if m.teams[*teamID] == nil {
			m.teams[*teamID] = map[uuid.UUID]bool{}
		}
		m.teams[*teamID][userID] = true
	}
}

func (m *fakeMembership) leave(orgID, userID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orgs[orgID], userID)
	for _, users := range m.teams {
		delete(users, userID)
	}
}

func (m *fakeMembership) IsActiveOrgMember(_ context.Context, orgID, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	ok := m.orgs[orgID][userID]
	hook := m.afterOrgCheck
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ok, nil
}

// holds mirrors the ledger's locked membership re-check.
func (m *fakeMembership) holds(p *models.SeatPool, userID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.orgs[p.OrganizationID][userID] {
		return false
	}
	return p.TeamID == nil || m.teams[*p.TeamID][userID]
}

func (m *fakeMembership) IsActiveTeamMember(_ context.Context, teamID, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teams[teamID][userID], nil
}

func (m *fakeMembership) MemberTeam(_ context.Context, orgID, userID uuid.UUID) (*uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for teamID, users := range m.teams {
		if users[userID] {
			id := teamID
			return &id, nil
		}
	}
	return nil, nil
}

type fakeResolver struct {
	courses []int64
	err     error
}

func (r fakeResolver) Resolve(context.Context, models.Scope) ([]int64, error) {
	return r.courses, r.err
}

type fakeEnroller struct {
	mu     sync.Mutex
	failOn map[int64]error
	block  bool
	calls  []int64
}

func (e *fakeEnroller) Enroll(ctx context.Context, _ uuid.UUID, courseID int64) error {
	e.mu.Lock()
	e.calls = append(e.calls, courseID)
	err := e.failOn[courseID]
	block := e.block
	e.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

type fakeRecorder struct {
	mu      sync.Mutex
	results map[string]int
	enrolls int
}

func (r *fakeRecorder) RecordAssign(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = map[string]int{}
	}
	r.results[result]++
}

func (r *fakeRecorder) ObserveEnroll(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enrolls++
}
