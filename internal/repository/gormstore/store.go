package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"asset-job-orchestrator/internal/entity"
	"asset-job-orchestrator/internal/repository"
)

// Store is the job store on gorm, used with the pure-Go sqlite driver for
// single-node runs and tests.
type Store struct {
	db *gorm.DB
}

// OpenSQLite opens dsn (a file path or a "file:...?mode=memory" uri) and
// migrates the schema. sqlite allows a single writer, so the pool is
// limited to one connection.
func OpenSQLite(dsn string) (*Store, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	s := New(db)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&jobModel{}, &taskModel{}, &errorEventModel{}, &errorAggregationModel{})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var nonTerminal = []string{
	string(entity.StatePending),
	string(entity.StateSubmitted),
	string(entity.StateInProgress),
}

func (s *Store) CreateJob(ctx context.Context, j *entity.Job) error {
	return s.db.WithContext(ctx).Create(toJobModel(j)).Error
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	var m jobModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return m.toEntity()
}

func (s *Store) Transition(ctx context.Context, next *entity.Job, from entity.JobState, version int64) (bool, error) {
	m := toJobModel(next)
	res := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND state = ? AND version = ? AND attempt <= ?", m.ID, string(from), version, m.Attempt).
		Updates(map[string]any{
			"state":            m.State,
			"stage":            m.Stage,
			"stage_payload":    m.StagePayload,
			"external_task_id": m.ExternalTaskID,
			"attempt":          m.Attempt,
			"result":           m.Result,
			"failure_kind":     m.FailureKind,
			"failure_reason":   m.FailureReason,
			"last_error":       m.LastError,
			"locked_until":     m.LockedUntil,
			"next_poll_at":     m.NextPollAt,
			"updated_at":       m.UpdatedAt,
			"version":          gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) AcquireLease(ctx context.Context, id uuid.UUID, version int64, now, until time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND version = ? AND state = ? AND (locked_until IS NULL OR locked_until <= ?)",
			id.String(), version, string(entity.StatePending), toNanos(now)).
		Update("locked_until", toNanos(until))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	n := toNanos(now)
	var ids []string
	err := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("state IN ? AND next_poll_at <= ? AND (locked_until IS NULL OR locked_until <= ?)", nonTerminal, n, n).
		Order("next_poll_at").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return parseIDs(ids)
}

func (s *Store) RecordTask(ctx context.Context, rec *entity.TaskRecord) error {
	m := &taskModel{
		ExternalTaskID: rec.ExternalTaskID,
		JobID:          rec.JobID.String(),
		Stage:          rec.Stage,
		Attempt:        rec.Attempt,
		Outcome:        rec.Outcome,
		SubmittedAt:    toNanos(rec.SubmittedAt),
	}
	var existing int64
	if err := s.db.WithContext(ctx).Model(&taskModel{}).
		Where("external_task_id = ?", m.ExternalTaskID).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Store) CloseTask(ctx context.Context, externalTaskID, outcome string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&taskModel{}).
		Where("external_task_id = ? AND finished_at IS NULL", externalTaskID).
		Updates(map[string]any{"outcome": outcome, "finished_at": toNanos(at)}).Error
}

func (s *Store) FindTask(ctx context.Context, externalTaskID string) (*entity.TaskRecord, error) {
	var m taskModel
	if err := s.db.WithContext(ctx).First(&m, "external_task_id = ?", externalTaskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	jobID, err := uuid.Parse(m.JobID)
	if err != nil {
		return nil, err
	}
	return &entity.TaskRecord{
		ExternalTaskID: m.ExternalTaskID,
		JobID:          jobID,
		Stage:          m.Stage,
		Attempt:        m.Attempt,
		Outcome:        m.Outcome,
		SubmittedAt:    fromNanos(m.SubmittedAt),
		FinishedAt:     fromNanosPtr(m.FinishedAt),
	}, nil
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
