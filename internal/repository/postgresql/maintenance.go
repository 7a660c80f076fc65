package postgresql

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"asset-job-orchestrator/internal/entity"
)

// ExpireStuck moves up to limit non-terminal jobs past expires_at to EXPIRED
// and returns them as written.
func (r *JobRepository) ExpireStuck(ctx context.Context, now time.Time, reason string, limit int) ([]*entity.Job, error) {
	q := `
UPDATE jobs SET
    state = 'EXPIRED', failure_kind = 'expired', failure_reason = $2, result = NULL,
    locked_until = NULL, updated_at = $1, version = version + 1
WHERE id IN (
    SELECT id FROM jobs
    WHERE state IN ('PENDING', 'SUBMITTED', 'IN_PROGRESS') AND expires_at <= $1
    ORDER BY expires_at
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
  AND state IN ('PENDING', 'SUBMITTED', 'IN_PROGRESS')
RETURNING ` + jobColumns + `;`

	rows, err := r.pool.Query(ctx, q, now, reason, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*entity.Job, error) {
		return scanJob(row)
	})
}

func (r *JobRepository) DeleteJobsBefore(ctx context.Context, states []entity.JobState, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM jobs WHERE state = ANY($1) AND updated_at < $2;`

	names := make([]string, 0, len(states))
	for _, s := range states {
		names = append(names, string(s))
	}
	tag, err := r.pool.Exec(ctx, q, names, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepository) InsertErrorEvent(ctx context.Context, ev *entity.ErrorEvent) error {
	const q = `
INSERT INTO error_events (id, occurred_at, endpoint, severity, category, actor_id, job_id, message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	_, err := r.pool.Exec(ctx, q,
		ev.ID, ev.OccurredAt, ev.Endpoint, string(ev.Severity), string(ev.Category), ev.ActorID, ev.JobID, ev.Message,
	)
	return err
}

// AggregateErrors recomputes the hourly buckets touched by events in
// [from, to) and upserts them, so running it twice yields the same rows.
func (r *JobRepository) AggregateErrors(ctx context.Context, from, to, now time.Time) (int64, error) {
	const q = `
INSERT INTO error_aggregations (hour, endpoint, severity, category, error_count, unique_actors, updated_at)
SELECT date_trunc('hour', occurred_at AT TIME ZONE 'UTC') AT TIME ZONE 'UTC',
       endpoint, severity, category,
       count(*),
       count(DISTINCT NULLIF(actor_id, '')),
       $3::timestamptz
FROM error_events
WHERE occurred_at >= $1 AND occurred_at < $2
GROUP BY 1, 2, 3, 4
ON CONFLICT (hour, endpoint, severity, category) DO UPDATE SET
    error_count   = EXCLUDED.error_count,
    unique_actors = EXCLUDED.unique_actors,
    updated_at    = EXCLUDED.updated_at;
`
	tag, err := r.pool.Exec(ctx, q, from, to, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepository) ListAggregations(ctx context.Context, since time.Time) ([]entity.ErrorAggregation, error) {
	const q = `
SELECT hour, endpoint, severity, category, error_count, unique_actors, updated_at
FROM error_aggregations
WHERE hour >= $1
ORDER BY hour, endpoint, severity, category;
`
	rows, err := r.pool.Query(ctx, q, since)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.ErrorAggregation, error) {
		var (
			a        entity.ErrorAggregation
			severity string
			category string
		)
		err := row.Scan(&a.Hour, &a.Endpoint, &severity, &category, &a.ErrorCount, &a.UniqueActors, &a.UpdatedAt)
		a.Severity = entity.Severity(severity)
		a.Category = entity.ErrorCategory(category)
		return a, err
	})
}

func (r *JobRepository) DeleteAggregationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM error_aggregations WHERE hour < $1;`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepository) DeleteErrorEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM error_events WHERE occurred_at < $1;`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
