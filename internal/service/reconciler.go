package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"asset-job-orchestrator/internal/adapter"
	"asset-job-orchestrator/internal/entity"
	"asset-job-orchestrator/internal/logger"
	"asset-job-orchestrator/internal/repository"
)

// Notification is a task status pushed by a provider.
type Notification struct {
	ExternalTaskID string          `json:"externalTaskId"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeDeferred Outcome = "deferred"
)

const (
	defaultRetryWindow = 10 * time.Minute
	defaultRetryDelay  = 5 * time.Second
	maxRetryDelay      = time.Minute
)

type ReconcilerConfig struct {
	// RetryWindow is how long after first sight an unmatched notification is
	// retried before it is dropped.
	RetryWindow time.Duration
	RetryDelay  time.Duration
}

// Reconciler applies provider notifications to jobs. Notifications for tasks
// that are not yet recorded are parked in a DeferredQueue and retried.
type Reconciler struct {
	store JobStore
	orch  *Orchestrator
	queue DeferredQueue
	log   *logger.Logger
	now   func() time.Time
	cfg   ReconcilerConfig
}

func NewReconciler(store JobStore, orch *Orchestrator, queue DeferredQueue, log *logger.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = defaultRetryWindow
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Reconciler{store: store, orch: orch, queue: queue, log: log, now: orch.now, cfg: cfg}
}

// Handle reconciles a freshly received notification. A store or queue error
// is returned so the provider redelivers.
func (r *Reconciler) Handle(ctx context.Context, n Notification) (Outcome, error) {
	st, err := toTaskStatus(n)
	if err != nil {
		return "", err
	}

	out, err := r.reconcile(ctx, n.ExternalTaskID, st)
	if err != nil || out != OutcomeDeferred {
		return out, err
	}

	now := r.now()
	item := DeferredNotification{ID: ulid.Make().String(), Notification: n, FirstSeen: now}
	if err := r.queue.Defer(ctx, item, now.Add(r.cfg.RetryDelay)); err != nil {
		return "", fmt.Errorf("defer notification for task %s: %w", n.ExternalTaskID, err)
	}
	r.log.Info("webhook deferred", "task_id", n.ExternalTaskID, "deferred_id", item.ID)
	return OutcomeDeferred, nil
}

// Retry re-runs a deferred notification. It is parked again with backoff
// until the retry window since first sight has passed, then dropped.
func (r *Reconciler) Retry(ctx context.Context, item DeferredNotification) (Outcome, error) {
	st, err := toTaskStatus(item.Notification)
	if err != nil {
		r.log.Warn("dropping malformed deferred webhook", "deferred_id", item.ID, "error", err)
		return OutcomeIgnored, nil
	}

	out, err := r.reconcile(ctx, item.Notification.ExternalTaskID, st)
	if err == nil && out != OutcomeDeferred {
		return out, nil
	}

	now := r.now()
	if now.Sub(item.FirstSeen) >= r.cfg.RetryWindow {
		r.drop(ctx, item, now, err)
		return OutcomeIgnored, nil
	}

	item.Tries++
	if qErr := r.queue.Defer(ctx, item, now.Add(r.backoff(item.Tries))); qErr != nil {
		return "", errors.Join(err, fmt.Errorf("re-defer notification %s: %w", item.ID, qErr))
	}
	return OutcomeDeferred, err
}

func (r *Reconciler) reconcile(ctx context.Context, taskID string, st adapter.TaskStatus) (Outcome, error) {
	rec, err := r.store.FindTask(ctx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return OutcomeDeferred, nil
	}
	if err != nil {
		return "", fmt.Errorf("find task %s: %w", taskID, err)
	}

	job, err := r.store.GetJob(ctx, rec.JobID)
	if errors.Is(err, repository.ErrNotFound) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("get job %s: %w", rec.JobID, err)
	}

	switch {
	case job.State.Terminal():
		return OutcomeIgnored, nil
	case job.ExternalTaskID == nil:
		// submit recorded the task but has not committed SUBMITTED yet
		if job.State == entity.StatePending && rec.Stage == job.Stage && rec.Attempt == job.Attempt {
			return OutcomeDeferred, nil
		}
		return OutcomeIgnored, nil
	case *job.ExternalTaskID != taskID:
		return OutcomeIgnored, nil
	}

	_, applied, err := r.orch.ApplyTaskResult(ctx, job.ID, taskID, st)
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeIgnored, nil
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) drop(ctx context.Context, item DeferredNotification, now time.Time, cause error) {
	msg := "no job claimed the task within the retry window"
	if cause != nil {
		msg = cause.Error()
	}
	r.log.Warn("dropping deferred webhook",
		"deferred_id", item.ID,
		"task_id", item.Notification.ExternalTaskID,
		"tries", item.Tries,
		"reason", msg,
	)

	var jobID *uuid.UUID
	if rec, err := r.store.FindTask(ctx, item.Notification.ExternalTaskID); err == nil {
		jobID = &rec.JobID
	}
	ev := &entity.ErrorEvent{
		ID:         ulid.Make().String(),
		OccurredAt: now,
		Endpoint:   "webhook",
		Severity:   entity.SeverityWarning,
		Category:   entity.CategoryWebhook,
		JobID:      jobID,
		Message:    fmt.Sprintf("task %s: %s", item.Notification.ExternalTaskID, msg),
	}
	if err := r.store.InsertErrorEvent(ctx, ev); err != nil {
		r.log.Warn("record webhook drop failed", "deferred_id", item.ID, "error", err)
	}
}

func (r *Reconciler) backoff(tries int) time.Duration {
	d := r.cfg.RetryDelay
	for i := 0; i < tries && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

func toTaskStatus(n Notification) (adapter.TaskStatus, error) {
	if n.ExternalTaskID == "" {
		return adapter.TaskStatus{}, fmt.Errorf("%w: externalTaskId is required", ErrInvalidRequest)
	}
	st, ok := adapter.NormalizeStatus(n.Status)
	if !ok {
		return adapter.TaskStatus{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, n.Status)
	}
	return adapter.TaskStatus{Status: st, Result: n.Result, Error: n.Error}, nil
}
