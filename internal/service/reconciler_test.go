package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"asset-job-orchestrator/internal/adapter"
	"asset-job-orchestrator/internal/entity"
	"asset-job-orchestrator/internal/service"
	"asset-job-orchestrator/internal/testutil"
)

type memQueue struct {
	mu    sync.Mutex
	items []service.DeferredNotification
	at    []time.Time
	err   error
}

func (q *memQueue) Defer(ctx context.Context, item service.DeferredNotification, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	q.at = append(q.at, at)
	return nil
}

func (q *memQueue) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]service.DeferredNotification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []service.DeferredNotification
	var keepItems []service.DeferredNotification
	var keepAt []time.Time
	for i, it := range q.items {
		if !q.at[i].After(now) && int64(len(out)) < limit {
			out = append(out, it)
			continue
		}
		keepItems = append(keepItems, it)
		keepAt = append(keepAt, q.at[i])
	}
	q.items, q.at = keepItems, keepAt
	return out, nil
}

func (q *memQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func newReconciler(h *harness, q service.DeferredQueue) *service.Reconciler {
	return service.NewReconciler(h.store, h.orch, q, nil, service.ReconcilerConfig{
		RetryWindow: 10 * time.Minute,
		RetryDelay:  5 * time.Second,
	})
}

func succeeded(task string) service.Notification {
	return service.Notification{ExternalTaskID: task, Status: "SUCCEEDED", Result: json.RawMessage(`{"modelUrl":"m.glb"}`)}
}

func TestReconciler_AppliesMatchingNotification(t *testing.T) {
	h := newHarness(t)
	h.fake.OnSubmit(testutil.SubmitResult{TaskID: "task-1"})
	id := h.create(t, "image-to-3d")
	h.advance(t, id)
	q := &memQueue{}
	r := newReconciler(h, q)

	out, err := r.Handle(context.Background(), succeeded("task-1"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out != service.OutcomeApplied {
		t.Fatalf("expected applied, got %s", out)
	}

	j, _ := h.orch.Get(context.Background(), id)
	if j.State != entity.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", j.State)
	}

	// provider redelivery
	out, err = r.Handle(context.Background(), succeeded("task-1"))
	if err != nil || out != service.OutcomeIgnored {
		t.Fatalf("expected duplicate ignored, got %s err=%v", out, err)
	}
}

func TestReconciler_RedeliveryAfterPollingCompletionChangesNothing(t *testing.T) {
	h := newHarness(t)
	h.fake.OnSubmit(testutil.SubmitResult{TaskID: "task-1"})
	h.fake.OnPoll(testutil.PollResult{Status: adapter.TaskStatus{Status: adapter.StatusSucceeded, Result: json.RawMessage(`{"modelUrl":"polled.glb"}`)}})
	id := h.create(t, "image-to-3d")
	h.advance(t, id)
	done := h.advance(t, id)
	if done.State != entity.StateCompleted {
		t.Fatalf("expected COMPLETED by polling, got %s", done.State)
	}

	before, _ := h.orch.Get(context.Background(), id)
	r := newReconciler(h, &memQueue{})
	h.clock.Advance(time.Minute)

	late := service.Notification{ExternalTaskID: "task-1", Status: "SUCCEEDED", Result: json.RawMessage(`{"modelUrl":"pushed.glb"}`)}
	for i := 0; i < 2; i++ {
		out, err := r.Handle(context.Background(), late)
		if err != nil || out != service.OutcomeIgnored {
			t.Fatalf("delivery %d: expected ignored, got %s err=%v", i, out, err)
		}
	}

	after, _ := h.orch.Get(context.Background(), id)
	if string(after.Result) != string(before.Result) {
		t.Fatalf("expected result %s unchanged, got %s", before.Result, after.Result)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("expected updatedAt %s unchanged, got %s", before.UpdatedAt, after.UpdatedAt)
	}
	if after.Version != before.Version {
		t.Fatalf("expected version %d unchanged, got %d", before.Version, after.Version)
	}
}

func TestReconciler_AcceptsStatusAliases(t *testing.T) {
	h := newHarness(t)
	h.fake.OnSubmit(testutil.SubmitResult{TaskID: "task-1"})
	id := h.create(t, "image-to-3d")
	h.advance(t, id)
	r := newReconciler(h, &memQueue{})

	out, err := r.Handle(context.Background(), service.Notification{ExternalTaskID: "task-1", Status: "running"})
	if err != nil || out != service.OutcomeApplied {
		t.Fatalf("expected applied, got %s err=%v", out, err)
	}
	j, _ := h.orch.Get(context.Background(), id)
	if j.State != entity.StateInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", j.State)
	}
}

func TestReconciler_RejectsMalformed(t *testing.T) {
	h := newHarness(t)
	r := newReconciler(h, &memQueue{})

	if _, err := r.Handle(context.Background(), service.Notification{Status: "SUCCEEDED"}); !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing id, got %v", err)
	}
	if _, err := r.Handle(context.Background(), service.Notification{ExternalTaskID: "x", Status: "weird"}); !errors.Is(err, service.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for unknown status, got %v", err)
	}
}

func TestReconciler_SupersededTaskIgnored(t *testing.T) {
	h := newHarness(t)
	h.fake.OnSubmit(testutil.SubmitResult{TaskID: "old"}, testutil.SubmitResult{TaskID: "new"})
	h.fake.OnPoll(testutil.PollResult{Status: adapter.TaskStatus{Status: adapter.StatusFailed, Error: "x"}})
	id := h.create(t, "image-to-3d")
	h.advance(t, id) // old submitted
	h.advance(t, id) // old failed -> PENDING attempt 1
	h.advance(t, id) // new submitted

	r := newReconciler(h, &memQueue{})
	out, err := r.Handle(context.Background(), succeeded("old"))
	if err != nil || out != service.OutcomeIgnored {
		t.Fatalf("expected superseded task ignored, got %s err=%v", out, err)
	}
	j, _ := h.orch.Get(context.Background(), id)
	if j.State != entity.StateSubmitted || *j.ExternalTaskID != "new" {
		t.Fatalf("expected job still waiting on new task, got %s", j.State)
	}
}

func TestReconciler_UnknownTaskDeferredThenApplied(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "image-to-3d")
	q := &memQueue{}
	r := newReconciler(h, q)
	ctx := context.Background()

	out, err := r.Handle(ctx, succeeded("task-early"))
	if err != nil || out != service.OutcomeDeferred {
		t.Fatalf("expected deferred, got %s err=%v", out, err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one parked notification, got %d", q.Len())
	}

	// the submit that owns the task lands afterwards
	h.fake.OnSubmit(testutil.SubmitResult{TaskID: "task-early"})
	h.advance(t, id)

	h.clock.Advance(10 * time.Second)
	items, _ := q.ClaimDue(ctx, h.clock.Now(), 10)
	if len(items) != 1 {
		t.Fatalf("expected notification due, got %d", len(items))
	}
	out, err = r.Retry(ctx, items[0])
	if err != nil || out != service.OutcomeApplied {
		t.Fatalf("expected applied on retry, got %s err=%v", out, err)
	}
	j, _ := h.orch.Get(ctx, id)
	if j.State != entity.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", j.State)
	}
}

func TestReconciler_DefersWhileSubmitIsCommitting(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, "image-to-3d")
	ctx := context.Background()

	// task recorded, SUBMITTED not yet written
	if err := h.store.RecordTask(ctx, &entity.TaskRecord{
		ExternalTaskID: "task-racing",
		JobID:          id,
		Outcome:        entity.TaskOutcomeRunning,
		SubmittedAt:    start,
	}); err != nil {
		t.Fatalf("record task: %v", err)
	}

	q := &memQueue{}
	out, err := newReconciler(h, q).Handle(ctx, succeeded("task-racing"))
	if err != nil || out != service.OutcomeDeferred {
		t.Fatalf("expected deferred, got %s err=%v", out, err)
	}
}

func TestReconciler_DropsAfterWindow(t *testing.T) {
	h := newHarness(t)
	q := &memQueue{}
	r := newReconciler(h, q)
	ctx := context.Background()

	if _, err := r.Handle(ctx, succeeded("ghost")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	for i := 0; i < 20; i++ {
		h.clock.Advance(time.Minute)
		items, _ := q.ClaimDue(ctx, h.clock.Now(), 10)
		for _, it := range items {
			if _, err := r.Retry(ctx, it); err != nil {
				t.Fatalf("retry: %v", err)
			}
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected notification dropped after window, %d left", q.Len())
	}

	if _, err := h.store.AggregateErrors(ctx, start, h.clock.Now().Add(time.Hour), h.clock.Now()); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	aggs, _ := h.store.ListAggregations(ctx, start.Add(-time.Hour))
	found := false
	for _, a := range aggs {
		if a.Category == entity.CategoryWebhook && a.ErrorCount == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected one webhook error event, got %+v", aggs)
	}
}

func TestReconciler_QueueErrorIsReturned(t *testing.T) {
	h := newHarness(t)
	r := newReconciler(h, &memQueue{err: errors.New("redis down")})

	if _, err := r.Handle(context.Background(), succeeded("ghost")); err == nil {
		t.Fatalf("expected queue error to surface")
	}
}

func TestRedisDeferredQueue(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	key := "test:webhooks:" + time.Now().Format("150405.000000")
	t.Cleanup(func() { rdb.Del(ctx, key) })
	q := service.NewRedisDeferredQueue(rdb, key, nil)

	now := time.Now()
	due := service.DeferredNotification{ID: "a", Notification: succeeded("t1"), FirstSeen: now}
	later := service.DeferredNotification{ID: "b", Notification: succeeded("t2"), FirstSeen: now}
	if err := q.Defer(ctx, due, now.Add(-time.Second)); err != nil {
		t.Fatalf("defer: %v", err)
	}
	if err := q.Defer(ctx, later, now.Add(time.Hour)); err != nil {
		t.Fatalf("defer: %v", err)
	}

	items, err := q.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(items) != 1 || items[0].ID != "a" || items[0].Notification.ExternalTaskID != "t1" {
		t.Fatalf("expected only the due item, got %+v", items)
	}

	items, _ = q.ClaimDue(ctx, now, 10)
	if len(items) != 0 {
		t.Fatalf("expected claimed item removed, got %d", len(items))
	}

	rdb.ZAdd(ctx, key, redis.Z{Score: float64(now.Add(-time.Second).UnixMilli()), Member: "{garbage"})
	items, err = q.ClaimDue(ctx, now, 10)
	if err != nil || len(items) != 0 {
		t.Fatalf("expected garbage member skipped, got %d items err=%v", len(items), err)
	}
	if n := rdb.ZCard(ctx, key).Val(); n != 1 {
		t.Fatalf("expected garbage removed and only the later item left, got %d", n)
	}
}
