package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	api "github.com/testfleet/orchestrator/api/v1alpha1"
)

// startJobResponse acknowledges an accepted async run before it executes.
type startJobResponse struct {
	JobID  string        `json:"jobId"`
	Status api.JobStatus `json:"status"`
}

type syncRunResponse struct {
	JobID  string         `json:"jobId"`
	Result *api.JobResult `json:"result"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// decodeStartRequest reads the run parameters from the JSON body, falling
// back to query parameters for callers that submit without one.
func decodeStartRequest(r *http.Request) (api.StartJobRequest, error) {
	var req api.StartJobRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
	}
	q := r.URL.Query()
	if req.Tag == "" {
		req.Tag = q.Get("tags")
	}
	if req.CreatedBy == "" {
		req.CreatedBy = q.Get("createdBy")
	}
	if req.RunID == "" {
		req.RunID = q.Get("runId")
	}
	return req, nil
}

func (h *ServiceHandler) StartAsyncRun(w http.ResponseWriter, r *http.Request) {
	req, err := decodeStartRequest(r)
	if err != nil {
		renderBadRequest(w, r, "invalid request body")
		return
	}
	if req.Tag == "" {
		renderBadRequest(w, r, "tag is required")
		return
	}

	jobID, err := h.service.StartAsyncRun(r.Context(), req)
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, startJobResponse{JobID: jobID, Status: api.JobStatusPending})
}

func (h *ServiceHandler) RerunAsyncRun(w http.ResponseWriter, r *http.Request) {
	req, err := decodeStartRequest(r)
	if err != nil {
		renderBadRequest(w, r, "invalid request body")
		return
	}
	if req.RunID == "" {
		renderBadRequest(w, r, "runId is required")
		return
	}

	jobID, err := h.service.RerunAsyncRun(r.Context(), req)
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, startJobResponse{JobID: jobID, Status: api.JobStatusPending})
}

// SyncRun blocks until the execution finishes and returns the result
// inline. The job is tracked like an async one, so it shows up in the
// summary and on the update stream while it runs.
func (h *ServiceHandler) SyncRun(w http.ResponseWriter, r *http.Request) {
	req, err := decodeStartRequest(r)
	if err != nil {
		renderBadRequest(w, r, "invalid request body")
		return
	}
	if req.Tag == "" {
		renderBadRequest(w, r, "tag is required")
		return
	}

	jobID, result, err := h.service.RunSync(r.Context(), req)
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.JSON(w, r, syncRunResponse{JobID: jobID, Result: result})
}

func (h *ServiceHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.GetJob(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, job)
}

func (h *ServiceHandler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.GetResult(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

func (h *ServiceHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.service.CancelJob(r.Context(), chi.URLParam(r, "jobId")); err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, cancelResponse{Cancelled: true})
}

func (h *ServiceHandler) ListActiveJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListActiveJobs(r.Context())
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, jobs)
}

func (h *ServiceHandler) ListJobsByTag(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListJobsByTag(r.Context(), chi.URLParam(r, "tag"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, jobs)
}

func (h *ServiceHandler) ListJobsByRunID(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListJobsByRunID(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, jobs)
}

func (h *ServiceHandler) GetStatusSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetStatusSummary(r.Context())
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, summary)
}
