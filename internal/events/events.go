package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"asset-job-orchestrator/internal/entity"
)

// JobEvent describes one committed job transition.
type JobEvent struct {
	JobID       uuid.UUID           `json:"job_id"`
	JobType     string              `json:"job_type"`
	OwnerID     string              `json:"owner_id,omitempty"`
	From        entity.JobState     `json:"from,omitempty"`
	To          entity.JobState     `json:"to"`
	Stage       int                 `json:"stage"`
	Attempt     int                 `json:"attempt"`
	FailureKind *entity.FailureKind `json:"failure_kind,omitempty"`
	At          time.Time           `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev JobEvent) error
	Close() error
}

// Nop is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, JobEvent) error { return nil }
func (Nop) Close() error                            { return nil }
