package gormstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"asset-job-orchestrator/internal/entity"
)

// Timestamps are stored as unix nanoseconds so ordering and range filters
// compare integers regardless of how the driver renders time values.

type jobModel struct {
	ID             string `gorm:"primaryKey"`
	JobType        string `gorm:"not null"`
	OwnerID        string `gorm:"not null;default:''"`
	State          string `gorm:"not null;index:idx_jobs_state_poll,priority:1"`
	Stage          int    `gorm:"not null"`
	Payload        string `gorm:"not null"`
	StagePayload   string `gorm:"not null"`
	ExternalTaskID *string
	Attempt        int `gorm:"not null"`
	MaxAttempts    int `gorm:"not null"`
	Result         *string
	FailureKind    *string
	FailureReason  *string
	LastError      *string
	Version        int64 `gorm:"not null"`
	LockedUntil    *int64
	NextPollAt     int64 `gorm:"not null;index:idx_jobs_state_poll,priority:2"`
	CreatedAt      int64 `gorm:"not null;autoCreateTime:false"`
	UpdatedAt      int64 `gorm:"not null;autoUpdateTime:false"`
	ExpiresAt      int64 `gorm:"not null;index"`
}

func (jobModel) TableName() string { return "jobs" }

type taskModel struct {
	ExternalTaskID string `gorm:"primaryKey"`
	JobID          string `gorm:"not null;index"`
	Stage          int    `gorm:"not null"`
	Attempt        int    `gorm:"not null"`
	Outcome        string `gorm:"not null"`
	SubmittedAt    int64  `gorm:"not null"`
	FinishedAt     *int64
}

func (taskModel) TableName() string { return "job_tasks" }

type errorEventModel struct {
	ID         string `gorm:"primaryKey"`
	OccurredAt int64  `gorm:"not null;index"`
	Endpoint   string `gorm:"not null"`
	Severity   string `gorm:"not null"`
	Category   string `gorm:"not null"`
	ActorID    string `gorm:"not null;default:''"`
	JobID      *string
	Message    string
}

func (errorEventModel) TableName() string { return "error_events" }

type errorAggregationModel struct {
	Hour         int64  `gorm:"primaryKey;autoIncrement:false"`
	Endpoint     string `gorm:"primaryKey"`
	Severity     string `gorm:"primaryKey"`
	Category     string `gorm:"primaryKey"`
	ErrorCount   int64  `gorm:"not null"`
	UniqueActors int64  `gorm:"not null"`
	UpdatedAt    int64  `gorm:"not null;autoUpdateTime:false"`
}

func (errorAggregationModel) TableName() string { return "error_aggregations" }

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func toNanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := toNanos(*t)
	return &n
}

func fromNanosPtr(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := fromNanos(*n)
	return &t
}

func rawPtr(b json.RawMessage) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

func kindPtr(k *entity.FailureKind) *string {
	if k == nil {
		return nil
	}
	s := string(*k)
	return &s
}

func toJobModel(j *entity.Job) *jobModel {
	return &jobModel{
		ID:             j.ID.String(),
		JobType:        j.JobType,
		OwnerID:        j.OwnerID,
		State:          string(j.State),
		Stage:          j.Stage,
		Payload:        string(j.Payload),
		StagePayload:   string(j.StagePayload),
		ExternalTaskID: j.ExternalTaskID,
		Attempt:        j.Attempt,
		MaxAttempts:    j.MaxAttempts,
		Result:         rawPtr(j.Result),
		FailureKind:    kindPtr(j.FailureKind),
		FailureReason:  j.FailureReason,
		LastError:      j.LastError,
		Version:        j.Version,
		LockedUntil:    toNanosPtr(j.LockedUntil),
		NextPollAt:     toNanos(j.NextPollAt),
		CreatedAt:      toNanos(j.CreatedAt),
		UpdatedAt:      toNanos(j.UpdatedAt),
		ExpiresAt:      toNanos(j.ExpiresAt),
	}
}

func (m *jobModel) toEntity() (*entity.Job, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, err
	}
	j := &entity.Job{
		ID:             id,
		JobType:        m.JobType,
		OwnerID:        m.OwnerID,
		State:          entity.JobState(m.State),
		Stage:          m.Stage,
		Payload:        json.RawMessage(m.Payload),
		StagePayload:   json.RawMessage(m.StagePayload),
		ExternalTaskID: m.ExternalTaskID,
		Attempt:        m.Attempt,
		MaxAttempts:    m.MaxAttempts,
		FailureReason:  m.FailureReason,
		LastError:      m.LastError,
		Version:        m.Version,
		LockedUntil:    fromNanosPtr(m.LockedUntil),
		NextPollAt:     fromNanos(m.NextPollAt),
		CreatedAt:      fromNanos(m.CreatedAt),
		UpdatedAt:      fromNanos(m.UpdatedAt),
		ExpiresAt:      fromNanos(m.ExpiresAt),
	}
	if m.Result != nil {
		j.Result = json.RawMessage(*m.Result)
	}
	if m.FailureKind != nil {
		k := entity.FailureKind(*m.FailureKind)
		j.FailureKind = &k
	}
	return j, nil
}
