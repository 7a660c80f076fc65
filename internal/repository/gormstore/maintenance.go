package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"asset-job-orchestrator/internal/entity"
)

// expireRetries bounds how often one candidate is re-read after losing its
// CAS; anything still live afterwards is picked up by the next sweep.
const expireRetries = 3

func (s *Store) ExpireStuck(ctx context.Context, now time.Time, reason string, limit int) ([]*entity.Job, error) {
	var candidates []jobModel
	if err := s.db.WithContext(ctx).
		Where("state IN ? AND expires_at <= ?", nonTerminal, toNanos(now)).
		Order("expires_at").
		Limit(limit).
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	out := make([]*entity.Job, 0, len(candidates))
	for _, m := range candidates {
		j, err := s.expireOne(ctx, m, now, reason)
		if err != nil {
			return out, err
		}
		if j != nil {
			out = append(out, j)
		}
	}
	return out, nil
}

// expireOne moves m to EXPIRED with a CAS on its version. When a concurrent
// writer bumped the row first, it re-reads and retries as long as the row is
// still non-terminal and past expires_at. Returns nil when there is nothing
// left to expire.
func (s *Store) expireOne(ctx context.Context, m jobModel, now time.Time, reason string) (*entity.Job, error) {
	kind := string(entity.FailureExpired)
	for i := 0; i < expireRetries; i++ {
		res := s.db.WithContext(ctx).Model(&jobModel{}).
			Where("id = ? AND version = ? AND state IN ?", m.ID, m.Version, nonTerminal).
			Updates(map[string]any{
				"state":          string(entity.StateExpired),
				"failure_kind":   kind,
				"failure_reason": reason,
				"result":         nil,
				"locked_until":   nil,
				"updated_at":     toNanos(now),
				"version":        gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			j, err := m.toEntity()
			if err != nil {
				return nil, err
			}
			j.Fail(entity.StateExpired, entity.FailureExpired, reason)
			j.UpdatedAt = now.UTC()
			j.Version++
			return j, nil
		}

		var cur jobModel
		err := s.db.WithContext(ctx).
			Where("id = ? AND state IN ? AND expires_at <= ?", m.ID, nonTerminal, toNanos(now)).
			Take(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		m = cur
	}
	return nil, nil
}

func (s *Store) DeleteJobsBefore(ctx context.Context, states []entity.JobState, cutoff time.Time) (int64, error) {
	names := make([]string, 0, len(states))
	for _, st := range states {
		names = append(names, string(st))
	}

	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doomed := tx.Model(&jobModel{}).Select("id").
			Where("state IN ? AND updated_at < ?", names, toNanos(cutoff))
		if err := tx.Where("job_id IN (?)", doomed).Delete(&taskModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("state IN ? AND updated_at < ?", names, toNanos(cutoff)).Delete(&jobModel{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

func (s *Store) InsertErrorEvent(ctx context.Context, ev *entity.ErrorEvent) error {
	m := &errorEventModel{
		ID:         ev.ID,
		OccurredAt: toNanos(ev.OccurredAt),
		Endpoint:   ev.Endpoint,
		Severity:   string(ev.Severity),
		Category:   string(ev.Category),
		ActorID:    ev.ActorID,
		Message:    ev.Message,
	}
	if ev.JobID != nil {
		id := ev.JobID.String()
		m.JobID = &id
	}
	return s.db.WithContext(ctx).Create(m).Error
}

type bucketKey struct {
	hour     int64
	endpoint string
	severity string
	category string
}

// AggregateErrors recomputes the hourly buckets for events in [from, to)
// and upserts them.
func (s *Store) AggregateErrors(ctx context.Context, from, to, now time.Time) (int64, error) {
	var evs []errorEventModel
	if err := s.db.WithContext(ctx).
		Where("occurred_at >= ? AND occurred_at < ?", toNanos(from), toNanos(to)).
		Find(&evs).Error; err != nil {
		return 0, err
	}
	if len(evs) == 0 {
		return 0, nil
	}

	counts := map[bucketKey]int64{}
	actors := map[bucketKey]map[string]struct{}{}
	order := make([]bucketKey, 0)
	for _, ev := range evs {
		k := bucketKey{
			hour:     toNanos(fromNanos(ev.OccurredAt).Truncate(time.Hour)),
			endpoint: ev.Endpoint,
			severity: ev.Severity,
			category: ev.Category,
		}
		if _, ok := counts[k]; !ok {
			order = append(order, k)
			actors[k] = map[string]struct{}{}
		}
		counts[k]++
		if ev.ActorID != "" {
			actors[k][ev.ActorID] = struct{}{}
		}
	}

	rows := make([]errorAggregationModel, 0, len(order))
	for _, k := range order {
		rows = append(rows, errorAggregationModel{
			Hour:         k.hour,
			Endpoint:     k.endpoint,
			Severity:     k.severity,
			Category:     k.category,
			ErrorCount:   counts[k],
			UniqueActors: int64(len(actors[k])),
			UpdatedAt:    toNanos(now),
		})
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hour"}, {Name: "endpoint"}, {Name: "severity"}, {Name: "category"}},
		DoUpdates: clause.AssignmentColumns([]string{"error_count", "unique_actors", "updated_at"}),
	}).Create(&rows)
	return int64(len(rows)), res.Error
}

func (s *Store) ListAggregations(ctx context.Context, since time.Time) ([]entity.ErrorAggregation, error) {
	var rows []errorAggregationModel
	if err := s.db.WithContext(ctx).
		Where("hour >= ?", toNanos(since)).
		Order("hour, endpoint, severity, category").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]entity.ErrorAggregation, 0, len(rows))
	for _, r := range rows {
		out = append(out, entity.ErrorAggregation{
			Hour:         fromNanos(r.Hour),
			Endpoint:     r.Endpoint,
			Severity:     entity.Severity(r.Severity),
			Category:     entity.ErrorCategory(r.Category),
			ErrorCount:   r.ErrorCount,
			UniqueActors: r.UniqueActors,
			UpdatedAt:    fromNanos(r.UpdatedAt),
		})
	}
	return out, nil
}

func (s *Store) DeleteAggregationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("hour < ?", toNanos(cutoff)).Delete(&errorAggregationModel{})
	return res.RowsAffected, res.Error
}

func (s *Store) DeleteErrorEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("occurred_at < ?", toNanos(cutoff)).Delete(&errorEventModel{})
	return res.RowsAffected, res.Error
}
