package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	StatePending    JobState = "PENDING"
	StateSubmitted  JobState = "SUBMITTED"
	StateInProgress JobState = "IN_PROGRESS"
	StateCompleted  JobState = "COMPLETED"
	StateFailed     JobState = "FAILED"
	StateExpired    JobState = "EXPIRED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

func (s JobState) Valid() bool {
	switch s {
	case StatePending, StateSubmitted, StateInProgress, StateCompleted, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// NonTerminalStates is the set the scheduler and the sweeper look at.
var NonTerminalStates = []JobState{StatePending, StateSubmitted, StateInProgress}

type FailureKind string

const (
	FailurePermanent      FailureKind = "permanent"
	FailureRetryExhausted FailureKind = "retry_exhausted"
	FailureInvalidResult  FailureKind = "invalid_result"
	FailureCancelled      FailureKind = "cancelled"
	FailureExpired        FailureKind = "expired"
)

type Job struct {
	ID             uuid.UUID       `json:"id"`
	JobType        string          `json:"job_type"`
	OwnerID        string          `json:"owner_id"`
	State          JobState        `json:"state"`
	Stage          int             `json:"stage"`
	Payload        json.RawMessage `json:"payload"`
	StagePayload   json.RawMessage `json:"stage_payload"`
	ExternalTaskID *string         `json:"external_task_id,omitempty"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	Result         json.RawMessage `json:"result,omitempty"`
	FailureKind    *FailureKind    `json:"failure_kind,omitempty"`
	FailureReason  *string         `json:"failure_reason,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	Version        int64           `json:"version"`
	LockedUntil    *time.Time      `json:"-"`
	NextPollAt     time.Time       `json:"next_poll_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Clone returns a copy that can be mutated into the next state without
// touching the record it was read from.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Payload = cloneRaw(j.Payload)
	cp.StagePayload = cloneRaw(j.StagePayload)
	cp.Result = cloneRaw(j.Result)
	if j.ExternalTaskID != nil {
		v := *j.ExternalTaskID
		cp.ExternalTaskID = &v
	}
	if j.FailureKind != nil {
		v := *j.FailureKind
		cp.FailureKind = &v
	}
	if j.FailureReason != nil {
		v := *j.FailureReason
		cp.FailureReason = &v
	}
	if j.LastError != nil {
		v := *j.LastError
		cp.LastError = &v
	}
	if j.LockedUntil != nil {
		v := *j.LockedUntil
		cp.LockedUntil = &v
	}
	return &cp
}

// Fail turns the job into a terminal failure. Result is cleared so a
// terminal record never carries both.
func (j *Job) Fail(state JobState, kind FailureKind, reason string) {
	j.State = state
	j.FailureKind = &kind
	j.FailureReason = &reason
	j.Result = nil
	j.LockedUntil = nil
}

func (j *Job) Complete(result json.RawMessage) {
	j.State = StateCompleted
	j.Result = cloneRaw(result)
	j.FailureKind = nil
	j.FailureReason = nil
	j.LockedUntil = nil
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// TaskRecord is the audit row written for every external task a job submitted.
type TaskRecord struct {
	ExternalTaskID string     `json:"external_task_id"`
	JobID          uuid.UUID  `json:"job_id"`
	Stage          int        `json:"stage"`
	Attempt        int        `json:"attempt"`
	Outcome        string     `json:"outcome"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

const (
	TaskOutcomeRunning   = "running"
	TaskOutcomeSucceeded = "succeeded"
	TaskOutcomeFailed    = "failed"
	TaskOutcomeAbandoned = "abandoned"
)
