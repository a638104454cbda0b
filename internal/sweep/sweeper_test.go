package sweep

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
)

type mockPools struct {
	ids []uuid.UUID
	err error
}

func (m mockPools) ListExpiredHolding(context.Context) ([]uuid.UUID, error) { return m.ids, m.err }

type mockAssignments map[uuid.UUID][]uuid.UUID

func (m mockAssignments) ListHoldingByPool(_ context.Context, poolID uuid.UUID) ([]uuid.UUID, error) {
	return m[poolID], nil
}

type mockReleaser struct {
	mu       sync.Mutex
	released map[uuid.UUID]models.EventType
	actors   []string
	failing  map[uuid.UUID]bool
	gate     chan struct{}
	entered  chan struct{}
}

func newMockReleaser() *mockReleaser {
	return &mockReleaser{released: map[uuid.UUID]models.EventType{}, failing: map[uuid.UUID]bool{}}
}

func (m *mockReleaser) Release(_ context.Context, req ledger.ReleaseRequest) (*ledger.ReleaseResult, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[req.AssignmentID] {
		return nil, errors.New("storage unavailable")
	}
	if _, done := m.released[req.AssignmentID]; done {
		return &ledger.ReleaseResult{Released: false}, nil
	}
	m.released[req.AssignmentID] = req.Reason
	m.actors = append(m.actors, req.Actor)
	return &ledger.ReleaseResult{Released: true}, nil
}

func TestRunOnceReleasesExpiredSeats(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	a1, a2, a3 := uuid.New(), uuid.New(), uuid.New()
	rel := newMockReleaser()
	s := NewSweeper(mockPools{ids: []uuid.UUID{p1, p2}}, mockAssignments{p1: {a1, a2}, p2: {a3}}, rel, zaptest.NewLogger(t))

	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Pools)
	assert.Equal(t, 3, rep.Released)
	assert.Zero(t, rep.FailedPools)
	for _, id := range []uuid.UUID{a1, a2, a3} {
		assert.Equal(t, models.EventExpired, rel.released[id])
	}
	assert.Equal(t, []string{ActorSweep, ActorSweep, ActorSweep}, rel.actors)
	assert.Equal(t, Idle, s.State())

	again, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Released, "second pass over the same state releases nothing")
}

func TestRunOnceContinuesPastFailingPool(t *testing.T) {
	bad, good := uuid.New(), uuid.New()
	badA, goodA := uuid.New(), uuid.New()
	rel := newMockReleaser()
	rel.failing[badA] = true
	s := NewSweeper(mockPools{ids: []uuid.UUID{bad, good}}, mockAssignments{bad: {badA}, good: {goodA}}, rel, zaptest.NewLogger(t))

	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.FailedPools)
	assert.Equal(t, 1, rep.Released)
	assert.Contains(t, rel.released, goodA)
}

func TestRunOnceListError(t *testing.T) {
	boom := errors.New("db down")
	s := NewSweeper(mockPools{err: boom}, mockAssignments{}, newMockReleaser(), nil)

	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Idle, s.State())
}

func TestRunOnceSkipsWhileSweeping(t *testing.T) {
	p, a := uuid.New(), uuid.New()
	rel := newMockReleaser()
	rel.gate = make(chan struct{})
	rel.entered = make(chan struct{}, 1)
	s := NewSweeper(mockPools{ids: []uuid.UUID{p}}, mockAssignments{p: {a}}, rel, nil)

	done := make(chan Report)
	go func() {
		rep, _ := s.RunOnce(context.Background())
		done <- rep
	}()
	<-rel.entered
	assert.Equal(t, Sweeping, s.State())

	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)

	close(rel.gate)
	rep := <-done
	assert.Equal(t, 1, rep.Released)
	assert.Equal(t, Idle, s.State())
}

func TestRunOnceStopsOnCancel(t *testing.T) {
	p1, p2 := uuid.New(), uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewSweeper(mockPools{ids: []uuid.UUID{p1, p2}}, mockAssignments{}, newMockReleaser(), nil)

	_, err := s.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type mockGuard struct {
	ok       bool
	err      error
	released int
}

func (g *mockGuard) Acquire(context.Context) (func(), bool, error) {
	if g.err != nil || !g.ok {
		return nil, false, g.err
	}
	return func() { g.released++ }, true, nil
}

type mockRecorder struct {
	results  []string
	released int
}

func (r *mockRecorder) RecordSweep(result string, released int, _ time.Duration) {
	r.results = append(r.results, result)
	r.released += released
}

func TestSchedulerRunNowGuarded(t *testing.T) {
	p, a := uuid.New(), uuid.New()
	s := NewSweeper(mockPools{ids: []uuid.UUID{p}}, mockAssignments{p: {a}}, newMockReleaser(), nil)

	held := &mockGuard{ok: false}
	_, err := NewScheduler(s, "", held, nil, nil).RunNow(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)

	free := &mockGuard{ok: true}
	rep, err := NewScheduler(s, "", free, nil, nil).RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Released)
	assert.Equal(t, 1, free.released)
}

func TestSchedulerTickRecords(t *testing.T) {
	p, a := uuid.New(), uuid.New()
	s := NewSweeper(mockPools{ids: []uuid.UUID{p}}, mockAssignments{p: {a}}, newMockReleaser(), nil)
	rec := &mockRecorder{}

	NewScheduler(s, "", &mockGuard{ok: false}, rec, nil).tick()
	NewScheduler(s, "", nil, rec, nil).tick()

	assert.Equal(t, []string{"skipped", "ok"}, rec.results)
	assert.Equal(t, 1, rec.released)
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewSweeper(mockPools{}, mockAssignments{}, newMockReleaser(), nil)

	bad := NewScheduler(s, "not a schedule", nil, nil, nil)
	assert.Error(t, bad.Start())

	sch := NewScheduler(s, "@every 1h", nil, nil, nil)
	require.NoError(t, sch.Start())
	assert.Error(t, sch.Start())
	<-sch.Stop().Done()
	<-sch.Stop().Done()
}
