package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"datasync/internal/cron"
	"datasync/internal/models"
	"datasync/internal/repository"
	"datasync/internal/runner"
	"datasync/internal/worker"
)

type StatusSource interface {
	Status() worker.Status
}

type RunController interface {
	Active() []runner.ActiveRun
	Cancel(executionID string) bool
}

type ScheduleSource interface {
	Scheduled() []cron.ScheduledJob
}

// Repos bundles the stores the ops endpoints read and write.
type Repos struct {
	Jobs        repository.JobStore
	Executions  repository.ExecutionStore
	RunRequests repository.RunRequestStore
}

// OpsHandler serves worker status, run-now requests and cancellation.
type OpsHandler struct {
	repos     *Repos
	worker    StatusSource
	runner    RunController
	scheduler ScheduleSource
	logger    *zap.Logger
}

func NewOpsHandler(repos *Repos, w StatusSource, r RunController, s ScheduleSource, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{repos: repos, worker: w, runner: r, scheduler: s, logger: logger}
}

// Status reports leadership, runs active in this process and scheduled jobs.
// GET /status
func (h *OpsHandler) Status(c echo.Context) error {
	obj := map[string]interface{}{}
	if h.worker != nil {
		obj["worker"] = h.worker.Status()
	}
	if h.runner != nil {
		obj["active_runs"] = h.runner.Active()
	}
	if h.scheduler != nil {
		obj["scheduled"] = h.scheduler.Scheduled()
	}
	return successResponse(c, "Successful", obj)
}

// GetJob returns a job definition with its run bookkeeping.
// GET /api/jobs/:id
func (h *OpsHandler) GetJob(c echo.Context) error {
	job, err := h.repos.Jobs.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.lookupError(c, "job", err)
	}
	return successResponse(c, "Successful", job)
}

// RunJob queues a run-now request for the active scheduler.
// POST /api/jobs/:id/run
func (h *OpsHandler) RunJob(c echo.Context) error {
	ctx := c.Request().Context()
	job, err := h.repos.Jobs.GetJob(ctx, c.Param("id"))
	if err != nil {
		return h.lookupError(c, "job", err)
	}
	if !job.Enabled {
		return errorResponse(c, http.StatusConflict, "Job is disabled")
	}

	var body models.RunJobRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return errorResponse(c, http.StatusBadRequest, "Invalid request body")
		}
	}
	requestedBy := strings.TrimSpace(body.RequestedBy)
	if requestedBy == "" {
		requestedBy = c.RealIP()
	}

	req := &models.RunRequest{
		ID:          uuid.New().String(),
		JobID:       job.ID,
		RequestedAt: time.Now().UTC(),
		RequestedBy: requestedBy,
	}
	if err := h.repos.RunRequests.CreateRunRequest(ctx, req); err != nil {
		h.logger.Error("Failed to queue run request", zap.String("job_id", job.ID), zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "Failed to queue run request")
	}
	h.logger.Info("Run request queued", zap.String("job_id", job.ID), zap.String("request_id", req.ID), zap.String("requested_by", requestedBy))
	return c.JSON(http.StatusAccepted, models.APIResponse{Status: true, Msg: "Run request queued", Obj: req})
}

// GetExecution returns an execution record with its logs.
// GET /api/executions/:id
func (h *OpsHandler) GetExecution(c echo.Context) error {
	rec, err := h.repos.Executions.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.lookupError(c, "execution", err)
	}
	return successResponse(c, "Successful", rec)
}

// CancelExecution flags a running execution for cancellation. The process running it
// observes the flag on its next heartbeat; a run in this process is canceled at once.
// POST /api/executions/:id/cancel
func (h *OpsHandler) CancelExecution(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	flagged, err := h.repos.Executions.RequestCancel(ctx, id)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		h.logger.Error("Failed to flag execution for cancel", zap.String("execution_id", id), zap.Error(err))
		return errorResponse(c, http.StatusInternalServerError, "Failed to cancel execution")
	}
	local := h.runner != nil && h.runner.Cancel(id)

	if !flagged && !local {
		if _, err := h.repos.Executions.GetExecution(ctx, id); err != nil {
			return h.lookupError(c, "execution", err)
		}
		return errorResponse(c, http.StatusConflict, "Execution is not running")
	}
	h.logger.Info("Execution cancel requested", zap.String("execution_id", id), zap.Bool("local", local))
	return successResponse(c, "Cancel requested", models.CancelResult{ExecutionID: id, Flagged: flagged, Local: local})
}

func (h *OpsHandler) lookupError(c echo.Context, what string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return errorResponse(c, http.StatusNotFound, strings.ToUpper(what[:1])+what[1:]+" not found")
	}
	h.logger.Error("Failed to load "+what, zap.String("id", c.Param("id")), zap.Error(err))
	return errorResponse(c, http.StatusInternalServerError, "Failed to load "+what)
}
