package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"asset-job-orchestrator/internal/logger"
)

// DeferredNotification is a webhook that arrived before its task was known.
type DeferredNotification struct {
	ID           string       `json:"id"`
	Notification Notification `json:"notification"`
	FirstSeen    time.Time    `json:"first_seen"`
	Tries        int          `json:"tries"`
}

type DeferredQueue interface {
	Defer(ctx context.Context, item DeferredNotification, at time.Time) error
	ClaimDue(ctx context.Context, now time.Time, limit int64) ([]DeferredNotification, error)
}

// redisDeferredQueue keeps deferred notifications in a sorted set scored by
// the unix millisecond they become due. ClaimDue reads due members and ZREMs
// each one; a member belongs to the drainer whose ZREM removed it.
type redisDeferredQueue struct {
	rdb *redis.Client
	key string
	log *logger.Logger
}

func NewRedisDeferredQueue(rdb *redis.Client, key string, log *logger.Logger) DeferredQueue {
	if log == nil {
		log = logger.Nop()
	}
	return &redisDeferredQueue{rdb: rdb, key: key, log: log}
}

func (q *redisDeferredQueue) Defer(ctx context.Context, item DeferredNotification, at time.Time) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, q.key, redis.Z{Score: float64(at.UnixMilli()), Member: string(b)}).Err()
}

func (q *redisDeferredQueue) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]DeferredNotification, error) {
	members, err := q.rdb.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]DeferredNotification, 0, len(members))
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return out, err
		}
		if removed == 0 {
			// claimed by another drainer
			continue
		}
		if item, ok := q.decode(m); ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// decode reports members that no longer parse; they are already out of the
// set and are not retried.
func (q *redisDeferredQueue) decode(member string) (DeferredNotification, bool) {
	var item DeferredNotification
	if err := json.Unmarshal([]byte(member), &item); err != nil {
		q.log.Error("dropping undecodable deferred webhook", "key", q.key, "member", truncate(member, 256), "error", err)
		return item, false
	}
	return item, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
