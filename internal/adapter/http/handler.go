package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/arvio/clipd/internal/adapter/http/validation"
	"github.com/arvio/clipd/internal/domain"
	"github.com/arvio/clipd/internal/infrastructure/logger"
)

// maxBodyBytes bounds submission payloads. Work descriptions are small
// JSON documents; anything near this limit is garbage.
const maxBodyBytes = 1 << 20

// JobService is the slice of the orchestrator the API needs.
type JobService interface {
	Submit(desc domain.WorkDescription) (*domain.JobRecord, error)
	Job(id string) (*domain.JobRecord, error)
	Jobs(limit int) ([]*domain.JobRecord, error)
	Restart(id string) (*domain.JobRecord, error)
	Cancel(id string, reason domain.CancelReason) error
}

type Handlers struct {
	jobs    JobService
	version string
}

func NewHandlers(jobs JobService, version string) *Handlers {
	return &Handlers{jobs: jobs, version: version}
}

func (h *Handlers) SubmitJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		var desc domain.WorkDescription
		if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
			writeError(w, http.StatusBadRequest, "malformed work description: "+err.Error())
			return
		}
		if err := validation.SourcePath(desc.SourcePath); err != nil {
			writeError(w, http.StatusBadRequest, "source_path: "+err.Error())
			return
		}

		rec, err := h.jobs.Submit(desc)
		if err != nil {
			respondError(w, "submit", err)
			return
		}
		writeJSON(w, http.StatusAccepted, rec)
	}
}

func (h *Handlers) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := h.jobs.Job(r.PathValue("id"))
		if err != nil {
			respondError(w, "get job", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func (h *Handlers) ListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		recs, err := h.jobs.Jobs(limit)
		if err != nil {
			respondError(w, "list jobs", err)
			return
		}
		writeJSON(w, http.StatusOK, jobListResponse{Jobs: recs})
	}
}

func (h *Handlers) RestartJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.jobs.Restart(r.PathValue("id")); err != nil {
			respondError(w, "restart", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handlers) CancelJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.jobs.Cancel(r.PathValue("id"), domain.CancelReasonUser); err != nil {
			respondError(w, "cancel", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handlers) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: h.version})
	}
}

type jobListResponse struct {
	Jobs []*domain.JobRecord `json:"jobs"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// respondError maps domain errors onto HTTP statuses. Unknown errors
// are logged and hidden behind a generic 500.
func respondError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error.Printf("%s: %v", op, err)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateJob), errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrDeadlineMisconfigured):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
