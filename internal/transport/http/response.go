package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"asset-job-orchestrator/internal/pipeline"
	"asset-job-orchestrator/internal/repository"
	"asset-job-orchestrator/internal/service"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRawJSON writes b unchanged; provider results are passed through as stored.
func writeRawJSON(w http.ResponseWriter, code int, b json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

// statusFor maps domain errors to a client status; ok is false for errors
// the caller should log and report as 500.
func statusFor(err error) (code int, msg string, ok bool) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "job not found", true
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, pipeline.ErrUnknownJobType):
		return http.StatusBadRequest, err.Error(), true
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "job belongs to another owner", true
	case errors.Is(err, service.ErrAlreadyTerminal):
		return http.StatusConflict, "job already finished", true
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "job changed concurrently, retry", true
	}
	return http.StatusInternalServerError, "", false
}
