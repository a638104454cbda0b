package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-lms/seats/internal/ledger"
	"github.com/aura-lms/seats/internal/models"
)

// ActorSweep is recorded on events emitted by the sweep.
const ActorSweep = "system:sweep"

// ErrSweepInProgress is returned by RunOnce when a pass is already running.
var ErrSweepInProgress = errors.New("sweep already in progress")

// State is the sweeper's state machine position.
type State int32

const (
	Idle State = iota
	Sweeping
)

func (s State) String() string {
	if s == Sweeping {
		return "sweeping"
	}
	return "idle"
}

// PoolSource lists pools past expiry that still hold seats.
type PoolSource interface {
	ListExpiredHolding(ctx context.Context) ([]uuid.UUID, error)
}

// AssignmentSource lists seat-holding assignments of a pool.
type AssignmentSource interface {
	ListHoldingByPool(ctx context.Context, poolID uuid.UUID) ([]uuid.UUID, error)
}

// Releaser frees seats. *ledger.Ledger satisfies it.
type Releaser interface {
	Release(ctx context.Context, req ledger.ReleaseRequest) (*ledger.ReleaseResult, error)
}

// Report summarizes one sweep pass.
type Report struct {
	Pools       int           `json:"pools"`
	Released    int           `json:"released"`
	FailedPools int           `json:"failed_pools"`
	Duration    time.Duration `json:"duration"`
}

// Sweeper reclaims seats of expired pools through the ledger's release path.
type Sweeper struct {
	pools       PoolSource
	assignments AssignmentSource
	ledger      Releaser
	state       atomic.Int32
	logger      *zap.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(pools PoolSource, assignments AssignmentSource, releaser Releaser, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{pools: pools, assignments: assignments, ledger: releaser, logger: logger.With(zap.String("component", "sweep"))}
}

// State returns the current state.
func (s *Sweeper) State() State {
	return State(s.state.Load())
}

// RunOnce runs one pass. A failing pool is logged and counted; it never stops the pass.
// Release is idempotent, so racing with live assigns or another pass is harmless.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Sweeping)) {
		return Report{}, ErrSweepInProgress
	}
	defer s.state.Store(int32(Idle))

	start := time.Now()
	var rep Report
	poolIDs, err := s.pools.ListExpiredHolding(ctx)
	if err != nil {
		return rep, err
	}
	rep.Pools = len(poolIDs)

	for _, poolID := range poolIDs {
		if err := ctx.Err(); err != nil {
			rep.Duration = time.Since(start)
			return rep, err
		}
		n, err := s.sweepPool(ctx, poolID)
		rep.Released += n
		if err != nil {
			rep.FailedPools++
			s.logger.Error("sweep pool failed", zap.String("pool_id", poolID.String()), zap.Int("released", n), zap.Error(err))
		}
	}
	rep.Duration = time.Since(start)
	if rep.Pools > 0 {
		s.logger.Info("sweep completed", zap.Int("pools", rep.Pools), zap.Int("released", rep.Released),
			zap.Int("failed_pools", rep.FailedPools), zap.Duration("duration", rep.Duration))
	}
	return rep, nil
}

func (s *Sweeper) sweepPool(ctx context.Context, poolID uuid.UUID) (int, error) {
	ids, err := s.assignments.ListHoldingByPool(ctx, poolID)
	if err != nil {
		return 0, err
	}
	released := 0
	var errs []error
	for _, id := range ids {
		res, err := s.ledger.Release(ctx, ledger.ReleaseRequest{AssignmentID: id, Reason: models.EventExpired, Actor: ActorSweep})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Released {
			released++
		}
	}
	return released, errors.Join(errs...)
}
