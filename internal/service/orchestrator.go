package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"asset-job-orchestrator/internal/adapter"
	"asset-job-orchestrator/internal/entity"
	"asset-job-orchestrator/internal/events"
	"asset-job-orchestrator/internal/logger"
	"asset-job-orchestrator/internal/pipeline"
)

const defaultLeaseTTL = 2 * time.Minute

// Orchestrator drives jobs through their pipeline stages. Every exported
// method that changes a job does so with exactly one conditional write.
type Orchestrator struct {
	store     JobStore
	pipelines *pipeline.Registry
	adapters  *adapter.Registry
	events    EventPublisher
	log       *logger.Logger
	tracer    trace.Tracer
	now       func() time.Time
	leaseTTL  time.Duration
}

type Option func(*Orchestrator)

func WithPublisher(p EventPublisher) Option { return func(o *Orchestrator) { o.events = p } }
func WithLogger(l *logger.Logger) Option    { return func(o *Orchestrator) { o.log = l } }
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithLeaseTTL bounds how long a crashed submitter keeps other callers from
// resubmitting a PENDING job.
func WithLeaseTTL(d time.Duration) Option { return func(o *Orchestrator) { o.leaseTTL = d } }

func NewOrchestrator(store JobStore, pipelines *pipeline.Registry, adapters *adapter.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		pipelines: pipelines,
		adapters:  adapters,
		events:    events.Nop{},
		log:       logger.Nop(),
		tracer:    otel.Tracer("asset-job-orchestrator/service"),
		now:       func() time.Time { return time.Now().UTC() },
		leaseTTL:  defaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type CreateJobRequest struct {
	JobType string
	OwnerID string
	Payload json.RawMessage
}

func (o *Orchestrator) Create(ctx context.Context, req CreateJobRequest) (uuid.UUID, error) {
	if req.JobType == "" {
		return uuid.Nil, fmt.Errorf("%w: jobType is required", ErrInvalidRequest)
	}
	p, err := o.pipelines.Get(req.JobType)
	if err != nil {
		return uuid.Nil, err
	}

	payload := bytes.TrimSpace(req.Payload)
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte(`{}`)
	}
	if payload[0] != '{' || !json.Valid(payload) {
		return uuid.Nil, fmt.Errorf("%w: payload must be a json object", ErrInvalidRequest)
	}

	now := o.now()
	job := &entity.Job{
		ID:           uuid.New(),
		JobType:      req.JobType,
		OwnerID:      req.OwnerID,
		State:        entity.StatePending,
		Payload:      json.RawMessage(payload),
		StagePayload: json.RawMessage(payload),
		MaxAttempts:  p.MaxAttempts,
		NextPollAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(p.TTL),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("create job: %w", err)
	}

	o.log.Info("job created", "job_id", job.ID, "job_type", job.JobType, "owner_id", job.OwnerID)
	o.publish(ctx, "", job)
	return job.ID, nil
}

func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return o.store.GetJob(ctx, id)
}

// Advance performs the next step for the job: submit when PENDING, poll when
// SUBMITTED/IN_PROGRESS. A terminal job is returned unchanged. Losing a race
// to another caller is not an error; the current record is returned.
func (o *Orchestrator) Advance(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.advance", trace.WithAttributes(attribute.String("job.id", id.String())))
	defer span.End()

	job, _, err := o.advance(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("job.state", string(job.State)), attribute.Int("job.attempt", job.Attempt))
	return job, nil
}

func (o *Orchestrator) advance(ctx context.Context, id uuid.UUID) (*entity.Job, bool, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job.State.Terminal() {
		return job, false, nil
	}

	now := o.now()
	if !now.Before(job.ExpiresAt) {
		next := job.Clone()
		next.Fail(entity.StateExpired, entity.FailureExpired, "job did not finish before it expired")
		return o.commit(ctx, job, next, now, &failure{entity.CategoryExpired, entity.SeverityWarning, *next.FailureReason})
	}

	p, err := o.pipelines.Get(job.JobType)
	if err != nil {
		return o.failPermanent(ctx, job, now, err.Error())
	}

	if job.State == entity.StatePending {
		return o.submit(ctx, job, p, now)
	}
	return o.poll(ctx, job, p, now)
}

func (o *Orchestrator) submit(ctx context.Context, job *entity.Job, p *pipeline.Pipeline, now time.Time) (*entity.Job, bool, error) {
	if job.Attempt >= job.MaxAttempts {
		next := job.Clone()
		next.Fail(entity.StateFailed, entity.FailureRetryExhausted, fmt.Sprintf("attempt budget of %d exhausted", job.MaxAttempts))
		return o.commit(ctx, job, next, now, &failure{entity.CategoryRetryExhausted, entity.SeverityError, *next.FailureReason})
	}

	stage, ad, err := o.stageAdapter(job, p)
	if err != nil {
		return o.failPermanent(ctx, job, now, err.Error())
	}

	leased, err := o.store.AcquireLease(ctx, job.ID, job.Version, now, now.Add(o.leaseTTL))
	if err != nil {
		return nil, false, fmt.Errorf("lease job %s: %w", job.ID, err)
	}
	if !leased {
		cur, err := o.store.GetJob(ctx, job.ID)
		return cur, false, err
	}

	taskID, err := ad.Submit(ctx, adapter.SubmitRequest{
		JobType:        job.JobType,
		Stage:          stage.Name,
		Payload:        job.StagePayload,
		IdempotencyKey: fmt.Sprintf("%s:%d:%d", job.ID, job.Stage, job.Attempt),
	})
	now = o.now()
	if err != nil {
		return o.submitFailed(ctx, job, p, now, err)
	}

	if err := o.store.RecordTask(ctx, &entity.TaskRecord{
		ExternalTaskID: taskID,
		JobID:          job.ID,
		Stage:          job.Stage,
		Attempt:        job.Attempt,
		Outcome:        entity.TaskOutcomeRunning,
		SubmittedAt:    now,
	}); err != nil {
		return nil, false, fmt.Errorf("record task %s for job %s: %w", taskID, job.ID, err)
	}

	next := job.Clone()
	next.State = entity.StateSubmitted
	next.ExternalTaskID = &taskID
	next.LastError = nil
	next.NextPollAt = now.Add(p.NextPollDelay())

	res, applied, err := o.commit(ctx, job, next, now, nil)
	if err == nil && !applied {
		o.closeTask(ctx, taskID, entity.TaskOutcomeAbandoned, now)
	}
	return res, applied, err
}

func (o *Orchestrator) submitFailed(ctx context.Context, job *entity.Job, p *pipeline.Pipeline, now time.Time, cause error) (*entity.Job, bool, error) {
	msg := cause.Error()
	if adapter.IsPermanent(cause) {
		return o.failPermanent(ctx, job, now, msg)
	}

	next := job.Clone()
	next.Attempt = job.Attempt + 1
	next.LastError = &msg
	if next.Attempt >= job.MaxAttempts {
		next.Fail(entity.StateFailed, entity.FailureRetryExhausted, fmt.Sprintf("gave up after %d attempts: %s", next.Attempt, msg))
		return o.commit(ctx, job, next, now, &failure{entity.CategoryRetryExhausted, entity.SeverityError, *next.FailureReason})
	}
	next.NextPollAt = now.Add(p.NextRetryDelay())
	return o.commit(ctx, job, next, now, &failure{entity.CategoryTransient, entity.SeverityWarning, msg})
}

func (o *Orchestrator) poll(ctx context.Context, job *entity.Job, p *pipeline.Pipeline, now time.Time) (*entity.Job, bool, error) {
	if job.ExternalTaskID == nil {
		return o.failPermanent(ctx, job, now, "job is waiting on a task but has no external task id")
	}
	_, ad, err := o.stageAdapter(job, p)
	if err != nil {
		return o.failPermanent(ctx, job, now, err.Error())
	}

	st, err := ad.Poll(ctx, *job.ExternalTaskID)
	now = o.now()
	if err != nil {
		if adapter.IsPermanent(err) {
			return o.applyStatus(ctx, job, p, adapter.TaskStatus{Status: adapter.StatusFailed, Error: err.Error()}, now)
		}
		// Transport failures never fail the job; expiry bounds how long we keep asking.
		msg := err.Error()
		next := job.Clone()
		next.LastError = &msg
		next.NextPollAt = now.Add(p.NextPollDelay())
		return o.commit(ctx, job, next, now, &failure{entity.CategoryTransient, entity.SeverityWarning, msg})
	}
	return o.applyStatus(ctx, job, p, st, now)
}

// ApplyTaskResult applies a pushed task status to the job waiting on
// externalTaskID. It reports false when the job is terminal, waits on a
// different task, or another caller moved it first.
func (o *Orchestrator) ApplyTaskResult(ctx context.Context, jobID uuid.UUID, externalTaskID string, st adapter.TaskStatus) (*entity.Job, bool, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.apply_task_result", trace.WithAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.String("task.id", externalTaskID),
		attribute.String("task.status", string(st.Status)),
	))
	defer span.End()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	if job.State.Terminal() || job.ExternalTaskID == nil || *job.ExternalTaskID != externalTaskID {
		return job, false, nil
	}

	p, err := o.pipelines.Get(job.JobType)
	if err != nil {
		return o.failPermanent(ctx, job, o.now(), err.Error())
	}
	res, applied, err := o.applyStatus(ctx, job, p, st, o.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, applied, err
}

func (o *Orchestrator) applyStatus(ctx context.Context, job *entity.Job, p *pipeline.Pipeline, st adapter.TaskStatus, now time.Time) (*entity.Job, bool, error) {
	taskID := ""
	if job.ExternalTaskID != nil {
		taskID = *job.ExternalTaskID
	}
	next := job.Clone()

	switch st.Status {
	case adapter.StatusPending, adapter.StatusInProgress:
		next.State = entity.StateInProgress
		next.LastError = nil
		next.NextPollAt = now.Add(p.NextPollDelay())
		return o.commit(ctx, job, next, now, nil)

	case adapter.StatusSucceeded:
		if !pipeline.UsableResult(st.Result) {
			next.Fail(entity.StateFailed, entity.FailureInvalidResult, "provider reported success with an empty or malformed result")
			res, applied, err := o.commit(ctx, job, next, now, &failure{entity.CategoryInvalidResult, entity.SeverityError, *next.FailureReason})
			if applied {
				o.closeTask(ctx, taskID, entity.TaskOutcomeFailed, now)
			}
			return res, applied, err
		}

		if p.HasNext(job.Stage) {
			payload, err := p.DerivePayload(job.Stage+1, job.Payload, st.Result)
			if err != nil {
				return o.failPermanent(ctx, job, now, err.Error())
			}
			next.State = entity.StatePending
			next.Stage = job.Stage + 1
			next.StagePayload = payload
			next.ExternalTaskID = nil
			next.LastError = nil
			next.NextPollAt = now
		} else {
			next.Complete(st.Result)
		}
		res, applied, err := o.commit(ctx, job, next, now, nil)
		if applied {
			o.closeTask(ctx, taskID, entity.TaskOutcomeSucceeded, now)
		}
		return res, applied, err

	case adapter.StatusFailed:
		reason := st.Error
		if reason == "" {
			reason = "provider reported task failure"
		}
		next.Attempt = job.Attempt + 1
		var f *failure
		if next.Attempt >= job.MaxAttempts {
			next.Fail(entity.StateFailed, entity.FailurePermanent, reason)
			f = &failure{entity.CategoryPermanent, entity.SeverityError, reason}
		} else {
			next.State = entity.StatePending
			next.ExternalTaskID = nil
			next.LastError = &reason
			next.NextPollAt = now.Add(p.NextRetryDelay())
			f = &failure{entity.CategoryPermanent, entity.SeverityWarning, reason}
		}
		res, applied, err := o.commit(ctx, job, next, now, f)
		if applied {
			o.closeTask(ctx, taskID, entity.TaskOutcomeFailed, now)
		}
		return res, applied, err
	}

	return nil, false, fmt.Errorf("job %s: unsupported task status %q", job.ID, st.Status)
}

// Cancel moves a non-terminal job to FAILED with reason "cancelled". The
// provider task, if any, is left running.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID, ownerID string) (*entity.Job, error) {
	for i := 0; i < 3; i++ {
		job, err := o.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.OwnerID != "" && job.OwnerID != ownerID {
			return nil, ErrForbidden
		}
		if job.State.Terminal() {
			return job, ErrAlreadyTerminal
		}

		now := o.now()
		next := job.Clone()
		next.Fail(entity.StateFailed, entity.FailureCancelled, "cancelled")
		res, applied, err := o.commit(ctx, job, next, now, nil)
		if err != nil {
			return nil, err
		}
		if applied {
			if job.ExternalTaskID != nil {
				o.closeTask(ctx, *job.ExternalTaskID, entity.TaskOutcomeAbandoned, now)
			}
			o.log.Info("job cancelled", "job_id", id, "owner_id", ownerID)
			return res, nil
		}
	}
	return nil, fmt.Errorf("cancel job %s: %w", id, ErrConflict)
}

func (o *Orchestrator) stageAdapter(job *entity.Job, p *pipeline.Pipeline) (pipeline.Stage, adapter.TaskAdapter, error) {
	stage, ok := p.StageAt(job.Stage)
	if !ok {
		return pipeline.Stage{}, nil, fmt.Errorf("pipeline %s has no stage %d", job.JobType, job.Stage)
	}
	ad, err := o.adapters.Get(stage.Provider)
	if err != nil {
		return stage, nil, err
	}
	return stage, ad, nil
}

func (o *Orchestrator) failPermanent(ctx context.Context, job *entity.Job, now time.Time, reason string) (*entity.Job, bool, error) {
	next := job.Clone()
	next.Fail(entity.StateFailed, entity.FailurePermanent, reason)
	return o.commit(ctx, job, next, now, &failure{entity.CategoryPermanent, entity.SeverityError, reason})
}

type failure struct {
	category entity.ErrorCategory
	severity entity.Severity
	message  string
}

// commit writes next if prev is still current. When another caller got there
// first the stored record is re-read and returned with applied=false.
func (o *Orchestrator) commit(ctx context.Context, prev, next *entity.Job, now time.Time, f *failure) (*entity.Job, bool, error) {
	if next.Attempt < prev.Attempt {
		return nil, false, fmt.Errorf("job %s: attempt would decrease from %d to %d", prev.ID, prev.Attempt, next.Attempt)
	}
	next.UpdatedAt = now
	next.LockedUntil = nil

	applied, err := o.store.Transition(ctx, next, prev.State, prev.Version)
	if err != nil {
		return nil, false, fmt.Errorf("transition job %s %s->%s: %w", prev.ID, prev.State, next.State, err)
	}
	if !applied {
		o.log.Debug("job transition skipped, record changed", "job_id", prev.ID, "from", prev.State, "to", next.State)
		cur, err := o.store.GetJob(ctx, prev.ID)
		return cur, false, err
	}
	next.Version = prev.Version + 1

	o.log.Info("job transition",
		"job_id", next.ID,
		"job_type", next.JobType,
		"from", prev.State,
		"to", next.State,
		"stage", next.Stage,
		"attempt", next.Attempt,
	)
	if prev.State != next.State || next.State.Terminal() {
		o.publish(ctx, prev.State, next)
	}
	if f != nil {
		o.recordError(ctx, next, f)
	}
	return next, true, nil
}

func (o *Orchestrator) publish(ctx context.Context, from entity.JobState, job *entity.Job) {
	ev := events.JobEvent{
		JobID:       job.ID,
		JobType:     job.JobType,
		OwnerID:     job.OwnerID,
		From:        from,
		To:          job.State,
		Stage:       job.Stage,
		Attempt:     job.Attempt,
		FailureKind: job.FailureKind,
		At:          job.UpdatedAt,
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		o.log.Warn("publish job event failed", "job_id", job.ID, "to", job.State, "error", err)
	}
}

func (o *Orchestrator) recordError(ctx context.Context, job *entity.Job, f *failure) {
	jobID := job.ID
	ev := &entity.ErrorEvent{
		ID:         ulid.Make().String(),
		OccurredAt: job.UpdatedAt,
		Endpoint:   job.JobType,
		Severity:   f.severity,
		Category:   f.category,
		ActorID:    job.OwnerID,
		JobID:      &jobID,
		Message:    f.message,
	}
	if err := o.store.InsertErrorEvent(ctx, ev); err != nil {
		o.log.Warn("record error event failed", "job_id", job.ID, "category", f.category, "error", err)
	}
}

func (o *Orchestrator) closeTask(ctx context.Context, externalTaskID, outcome string, at time.Time) {
	if externalTaskID == "" {
		return
	}
	if err := o.store.CloseTask(ctx, externalTaskID, outcome, at); err != nil && !errors.Is(err, context.Canceled) {
		o.log.Warn("close task record failed", "task_id", externalTaskID, "outcome", outcome, "error", err)
	}
}
