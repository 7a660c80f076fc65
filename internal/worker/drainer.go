package worker

import (
	"context"
	"time"

	"asset-job-orchestrator/internal/logger"
	"asset-job-orchestrator/internal/service"
)

type Retrier interface {
	Retry(ctx context.Context, item service.DeferredNotification) (service.Outcome, error)
}

// Drainer re-delivers parked webhook notifications once they are due.
type Drainer struct {
	queue    service.DeferredQueue
	retrier  Retrier
	log      *logger.Logger
	interval time.Duration
	batch    int64
	now      func() time.Time
}

func NewDrainer(queue service.DeferredQueue, retrier Retrier, log *logger.Logger, interval time.Duration) *Drainer {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Drainer{
		queue:    queue,
		retrier:  retrier,
		log:      log,
		interval: interval,
		batch:    100,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (d *Drainer) Run(ctx context.Context) {
	d.log.Info("webhook drainer started", "interval", d.interval)
	t := time.NewTicker(d.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("webhook drainer stopped")
			return
		case <-t.C:
			if _, err := d.DrainOnce(ctx); err != nil {
				d.log.Warn("drain deferred webhooks failed", "error", err)
			}
		}
	}
}

// DrainOnce claims due notifications and retries each. Returns how many were
// claimed.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	items, err := d.queue.ClaimDue(ctx, d.now(), d.batch)
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		out, err := d.retrier.Retry(ctx, it)
		if err != nil {
			d.log.Warn("deferred webhook retry failed", "deferred_id", it.ID, "task_id", it.Notification.ExternalTaskID, "error", err)
			continue
		}
		d.log.Debug("deferred webhook retried", "deferred_id", it.ID, "outcome", out, "tries", it.Tries)
	}
	return len(items), nil
}
