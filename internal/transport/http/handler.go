package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"asset-job-orchestrator/internal/entity"
	"asset-job-orchestrator/internal/logger"
	"asset-job-orchestrator/internal/service"
)

const ownerHeader = "X-Owner-ID"

type JobService interface {
	Create(ctx context.Context, req service.CreateJobRequest) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	Cancel(ctx context.Context, id uuid.UUID, ownerID string) (*entity.Job, error)
}

type AggregationLister interface {
	ListAggregations(ctx context.Context, since time.Time) ([]entity.ErrorAggregation, error)
}

type Handler struct {
	jobs JobService
	aggs AggregationLister
	log  *logger.Logger
}

func NewHandler(jobs JobService, aggs AggregationLister, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{jobs: jobs, aggs: aggs, log: log}
}

type createJobDTO struct {
	JobType string          `json:"jobType"`
	Payload json.RawMessage `json:"payload" swaggertype:"object"`
}

type createJobResp struct {
	JobID string `json:"jobId"`
}

type jobResp struct {
	ID            string          `json:"id"`
	JobType       string          `json:"jobType"`
	State         entity.JobState `json:"state"`
	Stage         int             `json:"stage"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"maxAttempts"`
	Result        json.RawMessage `json:"result,omitempty" swaggertype:"object"`
	FailureKind   *string         `json:"failureKind,omitempty"`
	FailureReason *string         `json:"failureReason,omitempty"`
	LastError     *string         `json:"lastError,omitempty"`
	CreatedAt     string          `json:"createdAt"`
	UpdatedAt     string          `json:"updatedAt"`
	ExpiresAt     string          `json:"expiresAt"`
}

func toJobResp(j *entity.Job) jobResp {
	resp := jobResp{
		ID:            j.ID.String(),
		JobType:       j.JobType,
		State:         j.State,
		Stage:         j.Stage,
		Attempt:       j.Attempt,
		MaxAttempts:   j.MaxAttempts,
		FailureReason: j.FailureReason,
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     j.UpdatedAt.Format(time.RFC3339),
		ExpiresAt:     j.ExpiresAt.Format(time.RFC3339),
	}
	if j.State == entity.StateCompleted {
		resp.Result = j.Result
	}
	if j.FailureKind != nil {
		k := string(*j.FailureKind)
		resp.FailureKind = &k
	}
	return resp
}

// CreateJob godoc
// @Summary Create a generation job
// @Description Stores the job as PENDING; the worker submits it to the provider.
// @Tags jobs
// @Accept json
// @Produce json
// @Param X-Owner-ID header string false "owner of the job"
// @Param request body createJobDTO true "job type and provider payload"
// @Success 201 {object} createJobResp
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var dto createJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	id, err := h.jobs.Create(r.Context(), service.CreateJobRequest{
		JobType: dto.JobType,
		OwnerID: r.Header.Get(ownerHeader),
		Payload: dto.Payload,
	})
	if err != nil {
		if code, msg, ok := statusFor(err); ok {
			writeErr(w, code, msg)
			return
		}
		h.log.Error("create job failed", "job_type", dto.JobType, "error", err)
		writeErr(w, http.StatusInternalServerError, "could not create job")
		return
	}

	writeJSON(w, http.StatusCreated, createJobResp{JobID: id.String()})
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

// GetJobResult godoc
// @Summary Get job result
// @Description Returns the final stage output as stored.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/result [get]
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if j.State != entity.StateCompleted {
		writeErr(w, http.StatusConflict, "job not completed")
		return
	}

	writeRawJSON(w, http.StatusOK, j.Result)
}

// CancelJob godoc
// @Summary Cancel a job
// @Description Moves a non-terminal job to FAILED. The provider task is not cancelled.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Param X-Owner-ID header string false "owner of the job"
// @Success 200 {object} jobResp
// @Failure 403 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	j, err := h.jobs.Cancel(r.Context(), id, r.Header.Get(ownerHeader))
	if err != nil {
		if code, msg, ok := statusFor(err); ok {
			writeErr(w, code, msg)
			return
		}
		h.log.Error("cancel job failed", "job_id", id, "error", err)
		writeErr(w, http.StatusInternalServerError, "could not cancel job")
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

// ListErrorAggregations godoc
// @Summary Hourly error buckets
// @Tags ops
// @Produce json
// @Param hours query int false "lookback in hours (default 24)"
// @Success 200 {array} entity.ErrorAggregation
// @Failure 500 {object} apiError
// @Router /ops/error-aggregations [get]
func (h *Handler) ListErrorAggregations(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		d, err := time.ParseDuration(v + "h")
		if err != nil || d <= 0 {
			writeErr(w, http.StatusBadRequest, "invalid hours")
			return
		}
		hours = int(d.Hours())
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Truncate(time.Hour)
	aggs, err := h.aggs.ListAggregations(r.Context(), since)
	if err != nil {
		h.log.Error("list error aggregations failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "could not list aggregations")
		return
	}
	writeJSON(w, http.StatusOK, aggs)
}

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*entity.Job, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return nil, false
	}

	j, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		if code, msg, ok := statusFor(err); ok {
			writeErr(w, code, msg)
			return nil, false
		}
		h.log.Error("get job failed", "job_id", id, "error", err)
		writeErr(w, http.StatusInternalServerError, "could not load job")
		return nil, false
	}
	return j, true
}
