package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"asset-job-orchestrator/internal/entity"
	"asset-job-orchestrator/internal/testutil"
	"asset-job-orchestrator/internal/worker"
)

func seedJob(t *testing.T, store interface {
	CreateJob(context.Context, *entity.Job) error
}, state entity.JobState, updated, expires time.Time) *entity.Job {
	t.Helper()
	j := &entity.Job{
		ID:           uuid.New(),
		JobType:      "voice",
		OwnerID:      "user-1",
		State:        state,
		Payload:      json.RawMessage(`{}`),
		StagePayload: json.RawMessage(`{}`),
		MaxAttempts:  3,
		NextPollAt:   updated,
		CreatedAt:    updated,
		UpdatedAt:    updated,
		ExpiresAt:    expires,
	}
	switch state {
	case entity.StateSubmitted, entity.StateInProgress:
		task := "task-" + j.ID.String()
		j.ExternalTaskID = &task
	case entity.StateCompleted:
		j.Result = json.RawMessage(`{"url":"x"}`)
	case entity.StateFailed, entity.StateExpired:
		reason := "x"
		j.FailureReason = &reason
	}
	if err := store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return j
}

func TestSweeper_HourlyExpiresAndAggregates(t *testing.T) {
	store := testutil.Store(t)
	pub := &testutil.Publisher{}
	now := start
	sw := worker.NewSweeper(store, pub, nil, worker.SweeperConfig{ExpireBatch: 2}).WithClock(func() time.Time { return now })

	var stuck []*entity.Job
	for i := 0; i < 3; i++ {
		stuck = append(stuck, seedJob(t, store, entity.StateInProgress, now.Add(-2*time.Hour), now.Add(-time.Minute)))
	}
	alive := seedJob(t, store, entity.StateSubmitted, now, now.Add(time.Hour))

	if err := sw.RunHourly(context.Background()); err != nil {
		t.Fatalf("run hourly: %v", err)
	}

	for _, j := range stuck {
		got, _ := store.GetJob(context.Background(), j.ID)
		if got.State != entity.StateExpired {
			t.Fatalf("expected %s EXPIRED, got %s", j.ID, got.State)
		}
	}
	got, _ := store.GetJob(context.Background(), alive.ID)
	if got.State != entity.StateSubmitted {
		t.Fatalf("expected live job untouched, got %s", got.State)
	}

	if n := len(pub.Events()); n != 3 {
		t.Fatalf("expected 3 expiry events, got %d", n)
	}

	aggs, _ := store.ListAggregations(context.Background(), now.Add(-3*time.Hour))
	if len(aggs) != 1 || aggs[0].Category != entity.CategoryExpired || aggs[0].ErrorCount != 3 || aggs[0].UniqueActors != 1 {
		t.Fatalf("expected one expired bucket with 3 errors from 1 actor, got %+v", aggs)
	}

	// a second pass converges to the same buckets
	if err := sw.RunHourly(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	aggs, _ = store.ListAggregations(context.Background(), now.Add(-3*time.Hour))
	if len(aggs) != 1 || aggs[0].ErrorCount != 3 {
		t.Fatalf("expected stable bucket, got %+v", aggs)
	}
}

func TestSweeper_DailyCleanup(t *testing.T) {
	store := testutil.Store(t)
	now := start
	sw := worker.NewSweeper(store, nil, nil, worker.SweeperConfig{}).WithClock(func() time.Time { return now })

	oldFailed := seedJob(t, store, entity.StateFailed, now.Add(-8*24*time.Hour), now)
	oldExpired := seedJob(t, store, entity.StateExpired, now.Add(-8*24*time.Hour), now)
	recentFailed := seedJob(t, store, entity.StateFailed, now.Add(-24*time.Hour), now)
	midCompleted := seedJob(t, store, entity.StateCompleted, now.Add(-8*24*time.Hour), now)
	oldCompleted := seedJob(t, store, entity.StateCompleted, now.Add(-31*24*time.Hour), now)

	if err := sw.RunDaily(context.Background()); err != nil {
		t.Fatalf("run daily: %v", err)
	}

	for _, j := range []*entity.Job{oldFailed, oldExpired, oldCompleted} {
		if _, err := store.GetJob(context.Background(), j.ID); err == nil {
			t.Fatalf("expected %s (%s) deleted", j.ID, j.State)
		}
	}
	for _, j := range []*entity.Job{recentFailed, midCompleted} {
		if _, err := store.GetJob(context.Background(), j.ID); err != nil {
			t.Fatalf("expected %s (%s) kept: %v", j.ID, j.State, err)
		}
	}
}

type brokenStore struct {
	worker.MaintenanceStore
	aggregated bool
}

func (b *brokenStore) ExpireStuck(context.Context, time.Time, string, int) ([]*entity.Job, error) {
	return nil, errors.New("expire exploded")
}

func (b *brokenStore) AggregateErrors(context.Context, time.Time, time.Time, time.Time) (int64, error) {
	b.aggregated = true
	return 0, nil
}

func TestSweeper_StepFailureIsIsolated(t *testing.T) {
	bs := &brokenStore{}
	sw := worker.NewSweeper(bs, nil, nil, worker.SweeperConfig{})

	err := sw.RunHourly(context.Background())
	if err == nil || !strings.Contains(err.Error(), "expire_stuck") {
		t.Fatalf("expected expire_stuck error, got %v", err)
	}
	if !bs.aggregated {
		t.Fatalf("expected aggregation to run after expiry failed")
	}
}

func TestSweeper_RunRejectsBadSchedule(t *testing.T) {
	sw := worker.NewSweeper(testutil.Store(t), nil, nil, worker.SweeperConfig{HourlyCron: "not a schedule"})
	if err := sw.Run(context.Background()); err == nil {
		t.Fatalf("expected bad cron expression to fail")
	}
}
