package testutil

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"asset-job-orchestrator/internal/adapter"
	"asset-job-orchestrator/internal/events"
	"asset-job-orchestrator/internal/repository/gormstore"
	"asset-job-orchestrator/internal/repository/postgresql"
)

// Store opens a private in-memory sqlite job store for tb.
func Store(tb testing.TB) *gormstore.Store {
	tb.Helper()
	s, err := gormstore.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		tb.Fatalf("open sqlite store: %v", err)
	}
	tb.Cleanup(func() { _ = s.Close() })
	return s
}

// Postgres connects to TEST_POSTGRES_DSN, applies the schema and truncates
// the tables. Skips when the variable is unset.
func Postgres(tb testing.TB) *pgxpool.Pool {
	tb.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		tb.Skip("set TEST_POSTGRES_DSN to run postgres integration tests")
	}
	ctx := context.Background()
	pool, err := postgresql.NewPool(ctx, dsn)
	if err != nil {
		tb.Fatalf("connect postgres: %v", err)
	}
	tb.Cleanup(pool.Close)

	if err := postgresql.Migrate(ctx, pool); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE jobs, job_tasks, error_events, error_aggregations;`); err != nil {
		tb.Fatalf("truncate: %v", err)
	}
	return pool
}

// Clock is a settable time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{t: t.UTC()} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type SubmitResult struct {
	TaskID string
	Err    error
}

type PollResult struct {
	Status adapter.TaskStatus
	Err    error
}

var ErrNotScripted = errors.New("fake adapter: no scripted response")

// FakeAdapter replays scripted responses in order and records every call.
type FakeAdapter struct {
	mu      sync.Mutex
	submits []SubmitResult
	polls   []PollResult

	SubmitCalls []adapter.SubmitRequest
	PollCalls   []string
}

func (f *FakeAdapter) OnSubmit(r ...SubmitResult) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, r...)
	return f
}

func (f *FakeAdapter) OnPoll(r ...PollResult) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = append(f.polls, r...)
	return f
}

func (f *FakeAdapter) Submit(ctx context.Context, req adapter.SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmitCalls = append(f.SubmitCalls, req)
	if len(f.submits) == 0 {
		return "", adapter.TransientError(0, ErrNotScripted)
	}
	r := f.submits[0]
	f.submits = f.submits[1:]
	return r.TaskID, r.Err
}

func (f *FakeAdapter) Poll(ctx context.Context, externalTaskID string) (adapter.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PollCalls = append(f.PollCalls, externalTaskID)
	if len(f.polls) == 0 {
		return adapter.TaskStatus{}, adapter.TransientError(0, ErrNotScripted)
	}
	r := f.polls[0]
	f.polls = f.polls[1:]
	return r.Status, r.Err
}

func (f *FakeAdapter) SubmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.SubmitCalls)
}

func (f *FakeAdapter) PollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.PollCalls)
}

// Publisher records published job events.
type Publisher struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (p *Publisher) Publish(ctx context.Context, ev events.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *Publisher) Close() error { return nil }

func (p *Publisher) Events() []events.JobEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.JobEvent(nil), p.events...)
}
