package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"asset-job-orchestrator/internal/adapter"
	"asset-job-orchestrator/internal/entity"
	"asset-job-orchestrator/internal/pipeline"
	"asset-job-orchestrator/internal/repository/gormstore"
	"asset-job-orchestrator/internal/service"
	"asset-job-orchestrator/internal/testutil"
	httptransport "asset-job-orchestrator/internal/transport/http"
)

const testSecret = "whsec_test"

// ---- fakes ----

type deferredStub struct {
	items []service.DeferredNotification
}

func (q *deferredStub) Defer(ctx context.Context, item service.DeferredNotification, at time.Time) error {
	q.items = append(q.items, item)
	return nil
}

func (q *deferredStub) ClaimDue(ctx context.Context, now time.Time, limit int64) ([]service.DeferredNotification, error) {
	return nil, nil
}

// ---- helpers ----

type env struct {
	router http.Handler
	store  *gormstore.Store
	orch   *service.Orchestrator
	fake   *testutil.FakeAdapter
	queue  *deferredStub
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := testutil.Store(t)
	fake := &testutil.FakeAdapter{}

	pipes := pipeline.NewRegistry()
	if err := pipes.Register(pipeline.Pipeline{
		JobType: "image-to-3d",
		Stages:  []pipeline.Stage{{Name: "image-to-3d", Provider: "meshy"}},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	adapters := adapter.NewRegistry()
	adapters.Register("meshy", fake)

	orch := service.NewOrchestrator(store, pipes, adapters)
	queue := &deferredStub{}
	rec := service.NewReconciler(store, orch, queue, nil, service.ReconcilerConfig{})

	h := httptransport.NewHandler(orch, store, nil)
	wh := httptransport.NewWebhookHandler(rec, testSecret, nil)
	return &env{
		router: httptransport.Routes(h, wh, nil, httptransport.RouterConfig{CORSOrigins: []string{"*"}}),
		store:  store,
		orch:   orch,
		fake:   fake,
		queue:  queue,
	}
}

func (e *env) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *env) createJob(t *testing.T, owner string) uuid.UUID {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/jobs", `{"jobType":"image-to-3d","payload":{"image_url":"a.png"}}`, map[string]string{"X-Owner-ID": owner})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json response: %v, body=%s", err, rr.Body.String())
	}
	id, err := uuid.Parse(resp.JobID)
	if err != nil {
		t.Fatalf("invalid job id %q", resp.JobID)
	}
	return id
}

// ---- tests ----

func TestHTTP_CreateJob_201_ThenGet(t *testing.T) {
	e := newEnv(t)
	id := e.createJob(t, "user-1")

	rr := e.do(t, http.MethodGet, "/jobs/"+id.String(), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v, body=%s", err, rr.Body.String())
	}
	if got["state"] != "PENDING" || got["jobType"] != "image-to-3d" {
		t.Fatalf("unexpected job %v", got)
	}
	// numbers in map[string]any decode as float64
	if got["maxAttempts"] != float64(3) || got["attempt"] != float64(0) {
		t.Fatalf("unexpected attempts %v/%v", got["attempt"], got["maxAttempts"])
	}
	if _, ok := got["result"]; ok {
		t.Fatalf("expected no result on pending job")
	}

	j, _ := e.store.GetJob(context.Background(), id)
	if j.OwnerID != "user-1" {
		t.Fatalf("expected owner from header, got %q", j.OwnerID)
	}
}

func TestHTTP_CreateJob_400(t *testing.T) {
	e := newEnv(t)
	cases := map[string]string{
		"bad json":      `{"jobType":`,
		"unknown type":  `{"jobType":"nope","payload":{}}`,
		"array payload": `{"jobType":"image-to-3d","payload":[1]}`,
	}
	for name, body := range cases {
		rr := e.do(t, http.MethodPost, "/jobs", body, nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d, body=%s", name, rr.Code, rr.Body.String())
		}
	}
}

func TestHTTP_GetJob_404_And_400(t *testing.T) {
	e := newEnv(t)
	if rr := e.do(t, http.MethodGet, "/jobs/"+uuid.NewString(), "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/jobs/not-a-uuid", "", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHTTP_GetJobResult_409_WhenNotCompleted(t *testing.T) {
	e := newEnv(t)
	id := e.createJob(t, "user-1")

	rr := e.do(t, http.MethodGet, "/jobs/"+id.String()+"/result", "", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_GetJobResult_200_ReturnsRawJSON(t *testing.T) {
	e := newEnv(t)
	e.fake.OnSubmit(testutil.SubmitResult{TaskID: "task-1"})
	e.fake.OnPoll(testutil.PollResult{Status: adapter.TaskStatus{Status: adapter.StatusSucceeded, Result: json.RawMessage(`{"modelUrl":"m.glb"}`)}})
	id := e.createJob(t, "user-1")
	for i := 0; i < 2; i++ {
		if _, err := e.orch.Advance(context.Background(), id); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	rr := e.do(t, http.MethodGet, "/jobs/"+id.String()+"/result", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"modelUrl":"m.glb"}` {
		t.Fatalf("expected raw json result, got %s", got)
	}
}

func TestHTTP_CancelJob(t *testing.T) {
	e := newEnv(t)
	id := e.createJob(t, "user-1")
	path := "/jobs/" + id.String() + "/cancel"

	if rr := e.do(t, http.MethodPost, path, "", map[string]string{"X-Owner-ID": "user-2"}); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, path, "", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without X-Owner-ID, got %d", rr.Code)
	}

	rr := e.do(t, http.MethodPost, path, "", map[string]string{"X-Owner-ID": "user-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var got map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &got)
	if got["state"] != "FAILED" || got["failureKind"] != "cancelled" {
		t.Fatalf("expected FAILED cancelled, got %v", got)
	}

	if rr := e.do(t, http.MethodPost, path, "", map[string]string{"X-Owner-ID": "user-1"}); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/jobs/"+uuid.NewString()+"/cancel", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHTTP_ErrorAggregations(t *testing.T) {
	e := newEnv(t)
	now := time.Now().UTC()
	jobID := uuid.New()
	if err := e.store.InsertErrorEvent(context.Background(), &entity.ErrorEvent{
		ID: "01HZZZZZZZZZZZZZZZZZZZZZZZ", OccurredAt: now, Endpoint: "image-to-3d",
		Severity: entity.SeverityWarning, Category: entity.CategoryTransient, ActorID: "u", JobID: &jobID,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := e.store.AggregateErrors(context.Background(), now.Add(-time.Hour), now.Add(time.Hour), now); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	rr := e.do(t, http.MethodGet, "/ops/error-aggregations?hours=2", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var aggs []entity.ErrorAggregation
	if err := json.Unmarshal(rr.Body.Bytes(), &aggs); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(aggs) != 1 || aggs[0].ErrorCount != 1 {
		t.Fatalf("expected one bucket, got %+v", aggs)
	}

	if rr := e.do(t, http.MethodGet, "/ops/error-aggregations?hours=x", "", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad hours, got %d", rr.Code)
	}
}

func TestHTTP_Health(t *testing.T) {
	e := newEnv(t)
	rr := e.do(t, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", rr.Code, rr.Body.String())
	}
}
