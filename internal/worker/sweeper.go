package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"asset-job-orchestrator/internal/entity"
	"asset-job-orchestrator/internal/events"
	"asset-job-orchestrator/internal/logger"
)

type MaintenanceStore interface {
	ExpireStuck(ctx context.Context, now time.Time, reason string, limit int) ([]*entity.Job, error)
	DeleteJobsBefore(ctx context.Context, states []entity.JobState, cutoff time.Time) (int64, error)
	InsertErrorEvent(ctx context.Context, ev *entity.ErrorEvent) error
	AggregateErrors(ctx context.Context, from, to, now time.Time) (int64, error)
	DeleteAggregationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteErrorEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type SweeperConfig struct {
	HourlyCron          string
	DailyCron           string
	ExpireBatch         int
	JobRetention        time.Duration
	CompletedRetention  time.Duration
	AggregationLookback time.Duration
	AggregateRetention  time.Duration
	ErrorEventRetention time.Duration
}

func (c *SweeperConfig) applyDefaults() {
	if c.HourlyCron == "" {
		c.HourlyCron = "@hourly"
	}
	if c.DailyCron == "" {
		c.DailyCron = "@daily"
	}
	if c.ExpireBatch <= 0 {
		c.ExpireBatch = 500
	}
	if c.JobRetention <= 0 {
		c.JobRetention = 7 * 24 * time.Hour
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = 30 * 24 * time.Hour
	}
	if c.AggregationLookback <= 0 {
		c.AggregationLookback = 2 * time.Hour
	}
	if c.AggregateRetention <= 0 {
		c.AggregateRetention = 90 * 24 * time.Hour
	}
	if c.ErrorEventRetention <= 0 {
		c.ErrorEventRetention = 30 * 24 * time.Hour
	}
}

const expiredReason = "job did not finish before it expired"

// Sweeper runs the periodic maintenance steps. A failing step is logged and
// reported but never prevents the remaining steps from running.
type Sweeper struct {
	store  MaintenanceStore
	events events.Publisher
	log    *logger.Logger
	cfg    SweeperConfig
	now    func() time.Time
}

func NewSweeper(store MaintenanceStore, pub events.Publisher, log *logger.Logger, cfg SweeperConfig) *Sweeper {
	cfg.applyDefaults()
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{store: store, events: pub, log: log, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run schedules the hourly and daily passes and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.cfg.HourlyCron, func() { _ = s.RunHourly(ctx) }); err != nil {
		return fmt.Errorf("schedule hourly sweep %q: %w", s.cfg.HourlyCron, err)
	}
	if _, err := c.AddFunc(s.cfg.DailyCron, func() { _ = s.RunDaily(ctx) }); err != nil {
		return fmt.Errorf("schedule daily sweep %q: %w", s.cfg.DailyCron, err)
	}

	s.log.Info("sweeper started", "hourly", s.cfg.HourlyCron, "daily", s.cfg.DailyCron)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("sweeper stopped")
	return nil
}

// RunHourly expires stuck jobs and refreshes the recent error buckets.
func (s *Sweeper) RunHourly(ctx context.Context) error {
	return s.runSteps(ctx, "hourly",
		step{"expire_stuck", s.ExpireStuck},
		step{"aggregate_errors", s.AggregateErrors},
	)
}

// RunDaily deletes old jobs, raw error events and aggregations.
func (s *Sweeper) RunDaily(ctx context.Context) error {
	return s.runSteps(ctx, "daily",
		step{"expire_stuck", s.ExpireStuck},
		step{"cleanup_jobs", s.CleanupJobs},
		step{"aggregate_errors", s.AggregateErrors},
		step{"cleanup_aggregations", s.CleanupAggregations},
	)
}

type step struct {
	name string
	fn   func(context.Context) error
}

func (s *Sweeper) runSteps(ctx context.Context, pass string, steps ...step) error {
	var errs []error
	for _, st := range steps {
		start := time.Now()
		if err := st.fn(ctx); err != nil {
			s.log.Error("sweep step failed", "pass", pass, "step", st.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			continue
		}
		s.log.Debug("sweep step done", "pass", pass, "step", st.name, "duration_ms", time.Since(start).Milliseconds())
	}
	return errors.Join(errs...)
}

func (s *Sweeper) ExpireStuck(ctx context.Context) error {
	now := s.now()
	total := 0
	for {
		jobs, err := s.store.ExpireStuck(ctx, now, expiredReason, s.cfg.ExpireBatch)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			s.expired(ctx, j, now)
		}
		total += len(jobs)
		if len(jobs) < s.cfg.ExpireBatch {
			break
		}
	}
	if total > 0 {
		s.log.Info("expired stuck jobs", "count", total)
	}
	return nil
}

func (s *Sweeper) expired(ctx context.Context, j *entity.Job, now time.Time) {
	if err := s.events.Publish(ctx, events.JobEvent{
		JobID:       j.ID,
		JobType:     j.JobType,
		OwnerID:     j.OwnerID,
		To:          entity.StateExpired,
		Stage:       j.Stage,
		Attempt:     j.Attempt,
		FailureKind: j.FailureKind,
		At:          now,
	}); err != nil {
		s.log.Warn("publish expiry event failed", "job_id", j.ID, "error", err)
	}

	id := j.ID
	if err := s.store.InsertErrorEvent(ctx, &entity.ErrorEvent{
		ID:         ulid.Make().String(),
		OccurredAt: now,
		Endpoint:   j.JobType,
		Severity:   entity.SeverityWarning,
		Category:   entity.CategoryExpired,
		ActorID:    j.OwnerID,
		JobID:      &id,
		Message:    expiredReason,
	}); err != nil {
		s.log.Warn("record expiry error event failed", "job_id", j.ID, "error", err)
	}
}

func (s *Sweeper) CleanupJobs(ctx context.Context) error {
	now := s.now()
	failed, err := s.store.DeleteJobsBefore(ctx, []entity.JobState{entity.StateFailed, entity.StateExpired}, now.Add(-s.cfg.JobRetention))
	if err != nil {
		return err
	}
	completed, err := s.store.DeleteJobsBefore(ctx, []entity.JobState{entity.StateCompleted}, now.Add(-s.cfg.CompletedRetention))
	if err != nil {
		return err
	}
	s.log.Info("old jobs deleted", "failed_or_expired", failed, "completed", completed)
	return nil
}

// AggregateErrors recomputes every hour bucket touched by the lookback window,
// starting at the top of the oldest hour so partial buckets are never written.
func (s *Sweeper) AggregateErrors(ctx context.Context) error {
	now := s.now()
	from := now.Add(-s.cfg.AggregationLookback).Truncate(time.Hour)
	n, err := s.store.AggregateErrors(ctx, from, now.Add(time.Nanosecond), now)
	if err != nil {
		return err
	}
	s.log.Debug("error buckets refreshed", "buckets", n, "from", from)
	return nil
}

func (s *Sweeper) CleanupAggregations(ctx context.Context) error {
	now := s.now()
	aggs, err := s.store.DeleteAggregationsBefore(ctx, now.Add(-s.cfg.AggregateRetention))
	if err != nil {
		return err
	}
	evs, err := s.store.DeleteErrorEventsBefore(ctx, now.Add(-s.cfg.ErrorEventRetention))
	if err != nil {
		return err
	}
	s.log.Info("old error data deleted", "aggregations", aggs, "events", evs)
	return nil
}
