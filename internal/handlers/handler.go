// Package handlers exposes the orchestrator's REST and SSE endpoints on a
// chi router. Handlers validate input, delegate to the job service and map
// its typed errors onto HTTP status codes.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/testfleet/orchestrator/internal/broadcaster"
	"github.com/testfleet/orchestrator/internal/service"
)

type ServiceHandler struct {
	service       *service.JobService
	broadcaster   *broadcaster.Broadcaster
	streamTimeout time.Duration
}

func NewServiceHandler(svc *service.JobService, bc *broadcaster.Broadcaster, streamTimeout time.Duration) *ServiceHandler {
	return &ServiceHandler{
		service:       svc,
		broadcaster:   bc,
		streamTimeout: streamTimeout,
	}
}

// RegisterRoutes mounts every endpoint under /api/v1.
func (h *ServiceHandler) RegisterRoutes(router chi.Router) {
	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/tests", func(r chi.Router) {
			r.Post("/async-run", h.StartAsyncRun)
			r.Post("/async-rerun", h.RerunAsyncRun)
			r.Post("/sync-run", h.SyncRun)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/active", h.ListActiveJobs)
			r.Get("/status", h.GetStatusSummary)
			r.Get("/updates", h.StreamUpdates)
			r.Get("/by-tag/{tag}", h.ListJobsByTag)
			r.Get("/by-run/{runId}", h.ListJobsByRunID)
			r.Get("/{jobId}", h.GetJob)
			r.Get("/{jobId}/result", h.GetJobResult)
			r.Post("/{jobId}/cancel", h.CancelJob)
		})
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound     *service.ErrResourceNotFound
		notCompleted *service.ErrJobNotCompleted
		notCancel    *service.ErrJobNotCancellable
	)

	switch {
	case errors.As(err, &notFound):
		render.Status(r, http.StatusNotFound)
	case errors.As(err, &notCompleted):
		render.Status(r, http.StatusConflict)
	case errors.As(err, &notCancel):
		render.Status(r, http.StatusConflict)
	default:
		render.Status(r, http.StatusInternalServerError)
	}
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

func renderBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, errorResponse{Error: message})
}
