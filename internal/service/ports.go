package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"asset-job-orchestrator/internal/entity"
	"asset-job-orchestrator/internal/events"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrAlreadyTerminal = errors.New("job already terminal")
	ErrForbidden       = errors.New("job belongs to another owner")
	ErrConflict        = errors.New("job changed concurrently")
)

// JobStore is the durable job record (implementations: postgresql, gormstore).
// Transition and AcquireLease are conditional writes: a false result with a nil
// error means the row no longer matched and nothing was written.
type JobStore interface {
	CreateJob(ctx context.Context, job *entity.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	Transition(ctx context.Context, next *entity.Job, from entity.JobState, version int64) (bool, error)
	AcquireLease(ctx context.Context, id uuid.UUID, version int64, now, until time.Time) (bool, error)

	RecordTask(ctx context.Context, rec *entity.TaskRecord) error
	CloseTask(ctx context.Context, externalTaskID, outcome string, at time.Time) error
	FindTask(ctx context.Context, externalTaskID string) (*entity.TaskRecord, error)

	InsertErrorEvent(ctx context.Context, ev *entity.ErrorEvent) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev events.JobEvent) error
}
