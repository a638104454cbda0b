package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs the sweep every minute.
const DefaultSchedule = "@every 1m"

// Guard serializes sweeps across instances. pkg/redis.Mutex satisfies it.
type Guard interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// Recorder receives sweep instrumentation. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordSweep(result string, released int, d time.Duration)
}

// Scheduler runs the sweeper on a cron schedule.
type Scheduler struct {
	sweeper  *Sweeper
	schedule string
	guard    Guard
	recorder Recorder
	timeout  time.Duration
	cron     *cron.Cron
	logger   *zap.Logger
	mu       sync.Mutex
	running  bool
}

// NewScheduler creates a sweep scheduler. guard and recorder may be nil.
func NewScheduler(sweeper *Sweeper, schedule string, guard Guard, recorder Recorder, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		sweeper:  sweeper,
		schedule: schedule,
		guard:    guard,
		recorder: recorder,
		timeout:  5 * time.Minute,
		cron:     cron.New(),
		logger:   logger.With(zap.String("component", "sweep_scheduler")),
	}
}

// Start begins running sweeps on the schedule.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("sweep scheduler already running")
	}
	if _, err := s.cron.AddFunc(s.schedule, s.tick); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("sweep scheduler started", zap.String("schedule", s.schedule))
	return nil
}

// Stop stops scheduling and returns a context done when the running tick finishes.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.running = false
	s.logger.Info("stopping sweep scheduler")
	return s.cron.Stop()
}

// RunNow runs one guarded sweep immediately.
func (s *Scheduler) RunNow(ctx context.Context) (Report, error) {
	if s.guard != nil {
		release, ok, err := s.guard.Acquire(ctx)
		if err != nil {
			return Report{}, err
		}
		if !ok {
			return Report{}, ErrSweepInProgress
		}
		defer release()
	}
	return s.sweeper.RunOnce(ctx)
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	rep, err := s.RunNow(ctx)
	result := "ok"
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.logger.Debug("sweep tick skipped, previous pass still running")
		result = "skipped"
	case err != nil:
		s.logger.Error("sweep failed", zap.Error(err))
		result = "error"
	case rep.FailedPools > 0:
		result = "partial"
	}
	if s.recorder != nil {
		s.recorder.RecordSweep(result, rep.Released, rep.Duration)
	}
}
