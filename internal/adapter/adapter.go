package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Status is the uniform task status every provider is mapped onto.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

type SubmitRequest struct {
	JobType        string
	Stage          string
	Payload        json.RawMessage
	IdempotencyKey string
}

type TaskStatus struct {
	Status Status
	Result json.RawMessage
	Error  string
}

// TaskAdapter wraps one external generation API. Implementations never retry;
// every failure is reported as an *Error so the caller can account for it.
type TaskAdapter interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Poll(ctx context.Context, externalTaskID string) (TaskStatus, error)
}

type ErrorKind int

const (
	Transient ErrorKind = iota + 1
	Permanent
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s provider error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func TransientError(statusCode int, err error) error {
	return &Error{Kind: Transient, StatusCode: statusCode, Err: err}
}

func PermanentError(statusCode int, err error) error {
	return &Error{Kind: Permanent, StatusCode: statusCode, Err: err}
}

// IsPermanent reports whether err is a provider error that must not be retried.
func IsPermanent(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == Permanent
}

// IsTransient is the complement of IsPermanent for non-nil errors: anything the
// provider did not explicitly reject is retried within the attempt budget.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

var statusAliases = map[string]Status{
	"PENDING":     StatusPending,
	"QUEUED":      StatusPending,
	"CREATED":     StatusPending,
	"IN_PROGRESS": StatusInProgress,
	"RUNNING":     StatusInProgress,
	"PROCESSING":  StatusInProgress,
	"SUCCEEDED":   StatusSucceeded,
	"SUCCESS":     StatusSucceeded,
	"COMPLETED":   StatusSucceeded,
	"FAILED":      StatusFailed,
	"ERROR":       StatusFailed,
	"CANCELED":    StatusFailed,
	"CANCELLED":   StatusFailed,
	"EXPIRED":     StatusFailed,
}

// NormalizeStatus maps a provider status string onto Status.
func NormalizeStatus(raw string) (Status, bool) {
	s, ok := statusAliases[strings.ToUpper(strings.TrimSpace(raw))]
	return s, ok
}

// Terminal reports whether the provider will not change the status again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}
