package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"asset-job-orchestrator/internal/adapter"
	"asset-job-orchestrator/internal/entity"
	"asset-job-orchestrator/internal/pipeline"
	"asset-job-orchestrator/internal/service"
	"asset-job-orchestrator/internal/testutil"
	"asset-job-orchestrator/internal/worker"
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type listerStub struct {
	ids []uuid.UUID
	err error
}

func (l *listerStub) ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if l.err != nil {
		return nil, l.err
	}
	if len(l.ids) > limit {
		return l.ids[:limit], nil
	}
	return l.ids, nil
}

type advancerStub struct {
	mu      sync.Mutex
	seen    []uuid.UUID
	active  int32
	maxSeen int32
	failFor uuid.UUID
	panicOn uuid.UUID
}

func (a *advancerStub) Advance(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	n := atomic.AddInt32(&a.active, 1)
	defer atomic.AddInt32(&a.active, -1)
	for {
		m := atomic.LoadInt32(&a.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&a.maxSeen, m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	a.mu.Lock()
	a.seen = append(a.seen, id)
	a.mu.Unlock()

	if id == a.panicOn {
		panic("boom")
	}
	if id == a.failFor {
		return nil, errors.New("store down")
	}
	return &entity.Job{ID: id, State: entity.StateSubmitted}, nil
}

func ids(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func TestScheduler_RunOnceAdvancesEveryDueJob(t *testing.T) {
	due := ids(10)
	adv := &advancerStub{failFor: due[2], panicOn: due[5]}
	s := worker.NewScheduler(&listerStub{ids: due}, adv, nil, worker.SchedulerConfig{Batch: 50, Concurrency: 3})

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 10 {
		t.Fatalf("expected 10 attempted, got %d", n)
	}
	if len(adv.seen) != 10 {
		t.Fatalf("expected every job advanced despite failures, got %d", len(adv.seen))
	}
	if adv.maxSeen > 3 {
		t.Fatalf("expected at most 3 concurrent advances, saw %d", adv.maxSeen)
	}
}

func TestScheduler_RespectsBatch(t *testing.T) {
	adv := &advancerStub{}
	s := worker.NewScheduler(&listerStub{ids: ids(10)}, adv, nil, worker.SchedulerConfig{Batch: 4, Concurrency: 2})

	n, _ := s.RunOnce(context.Background())
	if n != 4 || len(adv.seen) != 4 {
		t.Fatalf("expected batch of 4, got n=%d seen=%d", n, len(adv.seen))
	}
}

func TestScheduler_ListError(t *testing.T) {
	s := worker.NewScheduler(&listerStub{err: errors.New("db down")}, &advancerStub{}, nil, worker.SchedulerConfig{})
	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected list error")
	}
}

func TestScheduler_DrivesJobToCompletion(t *testing.T) {
	store := testutil.Store(t)
	clock := testutil.NewClock(start)
	fake := (&testutil.FakeAdapter{}).
		OnSubmit(testutil.SubmitResult{TaskID: "task-1"}).
		OnPoll(testutil.PollResult{Status: adapter.TaskStatus{Status: adapter.StatusSucceeded, Result: json.RawMessage(`{"url":"x"}`)}})

	pipes := pipeline.NewRegistry()
	if err := pipes.Register(pipeline.Pipeline{
		JobType:      "sfx",
		Stages:       []pipeline.Stage{{Name: "sfx", Provider: "audio"}},
		PollInterval: time.Second,
		PollJitter:   time.Millisecond,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	adapters := adapter.NewRegistry()
	adapters.Register("audio", fake)
	orch := service.NewOrchestrator(store, pipes, adapters, service.WithClock(clock.Now))

	id, err := orch.Create(context.Background(), service.CreateJobRequest{JobType: "sfx", Payload: json.RawMessage(`{"prompt":"boom"}`)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s := worker.NewScheduler(store, orch, nil, worker.SchedulerConfig{Batch: 10, Concurrency: 2}).WithClock(clock.Now)

	n, err := s.RunOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected new job due immediately, n=%d err=%v", n, err)
	}

	// not due again until the poll interval passes
	if n, _ := s.RunOnce(context.Background()); n != 0 {
		t.Fatalf("expected nothing due right after submit, got %d", n)
	}

	clock.Advance(5 * time.Second)
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	j, _ := orch.Get(context.Background(), id)
	if j.State != entity.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", j.State)
	}
}
