package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"asset-job-orchestrator/internal/service"
	"asset-job-orchestrator/internal/worker"
)

type queueStub struct {
	due []service.DeferredNotification
	err error
}

func (q *queueStub) Defer(ctx context.Context, item service.DeferredNotification, at time.Time) error {
	return nil
}

func (q *queueStub) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]service.DeferredNotification, error) {
	if q.err != nil {
		return nil, q.err
	}
	out := q.due
	q.due = nil
	return out, nil
}

type retrierStub struct {
	got  []string
	fail string
}

func (r *retrierStub) Retry(ctx context.Context, item service.DeferredNotification) (service.Outcome, error) {
	r.got = append(r.got, item.ID)
	if item.ID == r.fail {
		return "", errors.New("db down")
	}
	return service.OutcomeApplied, nil
}

func TestDrainer_RetriesEveryClaimedItem(t *testing.T) {
	q := &queueStub{due: []service.DeferredNotification{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	r := &retrierStub{fail: "b"}
	d := worker.NewDrainer(q, r, nil, time.Second)

	n, err := d.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 3 || len(r.got) != 3 {
		t.Fatalf("expected 3 retried, got n=%d retried=%d", n, len(r.got))
	}
}

func TestDrainer_ClaimError(t *testing.T) {
	d := worker.NewDrainer(&queueStub{err: errors.New("redis down")}, &retrierStub{}, nil, time.Second)
	if _, err := d.DrainOnce(context.Background()); err == nil {
		t.Fatalf("expected claim error")
	}
}
