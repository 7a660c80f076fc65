package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"asset-job-orchestrator/internal/entity"
	"asset-job-orchestrator/internal/logger"
)

type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

type Advancer interface {
	Advance(ctx context.Context, id uuid.UUID) (*entity.Job, error)
}

type SchedulerConfig struct {
	Interval    time.Duration
	Batch       int
	Concurrency int
}

// Scheduler periodically advances every job whose next_poll_at has passed.
// Each job is handled independently; one failure never stops the batch.
type Scheduler struct {
	lister   DueLister
	advancer Advancer
	log      *logger.Logger
	cfg      SchedulerConfig
	now      func() time.Time
}

func NewScheduler(lister DueLister, advancer Advancer, log *logger.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		lister:   lister,
		advancer: advancer,
		log:      log,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used to pick due jobs.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started", "interval", s.cfg.Interval, "batch", s.cfg.Batch, "concurrency", s.cfg.Concurrency)

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		if n, err := s.RunOnce(ctx); err != nil {
			s.log.Error("scheduler tick failed", "error", err)
		} else if n > 0 {
			s.log.Debug("scheduler tick", "advanced", n)
		}

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-t.C:
		}
	}
}

// RunOnce advances one batch of due jobs and returns how many were attempted.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.lister.ListDue(ctx, s.now(), s.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.advance(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return len(ids), nil
}

func (s *Scheduler) advance(ctx context.Context, id uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("advance panicked", "job_id", id, "panic", r)
		}
	}()

	start := time.Now()
	job, err := s.advancer.Advance(ctx, id)
	if err != nil {
		s.log.Warn("advance job failed", "job_id", id, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	s.log.Debug("job advanced", "job_id", id, "state", job.State, "duration_ms", time.Since(start).Milliseconds())
}
