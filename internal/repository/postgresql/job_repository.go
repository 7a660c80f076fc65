package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"asset-job-orchestrator/internal/entity"
	"asset-job-orchestrator/internal/repository"
)

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `id, job_type, owner_id, state, stage, payload, stage_payload, external_task_id,
attempt, max_attempts, result, failure_kind, failure_reason, last_error, version,
locked_until, next_poll_at, created_at, updated_at, expires_at`

func (r *JobRepository) CreateJob(ctx context.Context, j *entity.Job) error {
	const q = `
INSERT INTO jobs (id, job_type, owner_id, state, stage, payload, stage_payload, attempt,
                  max_attempts, version, next_poll_at, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
`
	_, err := r.pool.Exec(ctx, q,
		j.ID, j.JobType, j.OwnerID, string(j.State), j.Stage,
		jsonArg(j.Payload), jsonArg(j.StagePayload), j.Attempt, j.MaxAttempts, j.Version,
		j.NextPollAt, j.CreatedAt, j.UpdatedAt, j.ExpiresAt,
	)
	return err
}

func (r *JobRepository) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`

	j, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

// Transition writes every mutable column of next, but only while the row is
// still in state `from` at `version`. The attempt guard keeps the counter
// from ever moving backwards.
func (r *JobRepository) Transition(ctx context.Context, next *entity.Job, from entity.JobState, version int64) (bool, error) {
	const q = `
UPDATE jobs SET
    state = $4, stage = $5, stage_payload = $6, external_task_id = $7, attempt = $8,
    result = $9, failure_kind = $10, failure_reason = $11, last_error = $12,
    locked_until = $13, next_poll_at = $14, updated_at = $15, version = version + 1
WHERE id = $1 AND state = $2 AND version = $3 AND attempt <= $8;
`
	tag, err := r.pool.Exec(ctx, q,
		next.ID, string(from), version,
		string(next.State), next.Stage, jsonArg(next.StagePayload), next.ExternalTaskID, next.Attempt,
		jsonArg(next.Result), failureKindArg(next.FailureKind), next.FailureReason, next.LastError,
		next.LockedUntil, next.NextPollAt, next.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *JobRepository) AcquireLease(ctx context.Context, id uuid.UUID, version int64, now, until time.Time) (bool, error) {
	const q = `
UPDATE jobs SET locked_until = $4
WHERE id = $1 AND version = $2 AND state = 'PENDING'
  AND (locked_until IS NULL OR locked_until <= $3);
`
	tag, err := r.pool.Exec(ctx, q, id, version, now, until)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListDue returns non-terminal jobs whose next poll time has passed, oldest
// first, skipping PENDING jobs another worker holds a live lease on.
func (r *JobRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	const q = `
SELECT id FROM jobs
WHERE state IN ('PENDING', 'SUBMITTED', 'IN_PROGRESS')
  AND next_poll_at <= $1
  AND (locked_until IS NULL OR locked_until <= $1)
ORDER BY next_poll_at
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *JobRepository) RecordTask(ctx context.Context, rec *entity.TaskRecord) error {
	const q = `
INSERT INTO job_tasks (external_task_id, job_id, stage, attempt, outcome, submitted_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (external_task_id) DO NOTHING;
`
	_, err := r.pool.Exec(ctx, q, rec.ExternalTaskID, rec.JobID, rec.Stage, rec.Attempt, rec.Outcome, rec.SubmittedAt)
	return err
}

func (r *JobRepository) CloseTask(ctx context.Context, externalTaskID, outcome string, at time.Time) error {
	const q = `
UPDATE job_tasks SET outcome = $2, finished_at = $3
WHERE external_task_id = $1 AND finished_at IS NULL;
`
	_, err := r.pool.Exec(ctx, q, externalTaskID, outcome, at)
	return err
}

func (r *JobRepository) FindTask(ctx context.Context, externalTaskID string) (*entity.TaskRecord, error) {
	const q = `
SELECT external_task_id, job_id, stage, attempt, outcome, submitted_at, finished_at
FROM job_tasks WHERE external_task_id = $1;
`
	var rec entity.TaskRecord
	err := r.pool.QueryRow(ctx, q, externalTaskID).Scan(
		&rec.ExternalTaskID, &rec.JobID, &rec.Stage, &rec.Attempt, &rec.Outcome, &rec.SubmittedAt, &rec.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		j            entity.Job
		state        string
		payload      []byte
		stagePayload []byte
		result       []byte
		failureKind  *string
	)
	if err := row.Scan(
		&j.ID, &j.JobType, &j.OwnerID, &state, &j.Stage, &payload, &stagePayload, &j.ExternalTaskID,
		&j.Attempt, &j.MaxAttempts, &result, &failureKind, &j.FailureReason, &j.LastError, &j.Version,
		&j.LockedUntil, &j.NextPollAt, &j.CreatedAt, &j.UpdatedAt, &j.ExpiresAt,
	); err != nil {
		return nil, err
	}

	j.State = entity.JobState(state)
	j.Payload = json.RawMessage(payload)
	j.StagePayload = json.RawMessage(stagePayload)
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	if failureKind != nil {
		k := entity.FailureKind(*failureKind)
		j.FailureKind = &k
	}
	return &j, nil
}

// jsonArg sends empty payloads as SQL NULL instead of an invalid json literal.
func jsonArg(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func failureKindArg(k *entity.FailureKind) *string {
	if k == nil {
		return nil
	}
	s := string(*k)
	return &s
}
