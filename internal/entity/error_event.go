package entity

import (
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type ErrorCategory string

const (
	CategoryTransient      ErrorCategory = "transient"
	CategoryPermanent      ErrorCategory = "permanent"
	CategoryRetryExhausted ErrorCategory = "retry_exhausted"
	CategoryInvalidResult  ErrorCategory = "invalid_result"
	CategoryExpired        ErrorCategory = "expired"
	CategoryWebhook        ErrorCategory = "webhook"
)

// ErrorEvent is a raw error occurrence; the sweeper rolls these into hourly buckets.
type ErrorEvent struct {
	ID         string        `json:"id"`
	OccurredAt time.Time     `json:"occurred_at"`
	Endpoint   string        `json:"endpoint"`
	Severity   Severity      `json:"severity"`
	Category   ErrorCategory `json:"category"`
	ActorID    string        `json:"actor_id,omitempty"`
	JobID      *uuid.UUID    `json:"job_id,omitempty"`
	Message    string        `json:"message"`
}

type ErrorAggregation struct {
	Hour         time.Time     `json:"hour"`
	Endpoint     string        `json:"endpoint"`
	Severity     Severity      `json:"severity"`
	Category     ErrorCategory `json:"category"`
	ErrorCount   int64         `json:"error_count"`
	UniqueActors int64         `json:"unique_actors"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
