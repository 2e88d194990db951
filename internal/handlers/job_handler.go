package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/ecmerr"
	"github.com/certlab/ecmlink/internal/interfaces"
	"github.com/certlab/ecmlink/internal/services/jobs"
)

// JobHandler serves job submission and status lookup
type JobHandler struct {
	dispatcher *jobs.Dispatcher
	jobs       interfaces.JobStorage
	logger     arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(dispatcher *jobs.Dispatcher, storage interfaces.JobStorage, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		dispatcher: dispatcher,
		jobs:       storage,
		logger:     logger,
	}
}

// HandleSubmit handles POST /api/jobs
func (h *JobHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req jobs.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.dispatcher.Submit(r.Context(), &req)
	if err != nil {
		if ecmerr.Is(err, ecmerr.BadInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("test_no", req.TestNo).Msg("Job submission failed")
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

// HandleGet handles GET /api/jobs/{id}
func (h *JobHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Job lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, job)
}
