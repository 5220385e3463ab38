package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

// streamKeepAlive is how often an idle progress stream sends a comment line
const streamKeepAlive = 15 * time.Second

// JobHandlerInterface defines the contract for job control handlers
type JobHandlerInterface interface {
	CreateJob(c fiber.Ctx) error
	GetJob(c fiber.Ctx) error
	DeleteJob(c fiber.Ctx) error
	StartJob(c fiber.Ctx) error
	PauseJob(c fiber.Ctx) error
	ResumeJob(c fiber.Ctx) error
	CancelJob(c fiber.Ctx) error
	StreamJob(c fiber.Ctx) error
	JobStats(c fiber.Ctx) error
}

// JobHandler handles job lifecycle HTTP requests
type JobHandler struct {
	orchestrator businessflow.JobOrchestrator
	validator    *validator.Validate
	logger       zerolog.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(orchestrator businessflow.JobOrchestrator, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		orchestrator: orchestrator,
		validator:    validator.New(),
		logger:       logger.With().Str("component", "job_handler").Logger(),
	}
}

// CreateJob creates a job and optionally starts it
// @Summary Create Job
// @Tags Jobs
// @Accept json
// @Produce json
// @Param request body dto.CreateJobRequest true "Job type, params and auto start flag"
// @Success 201 {object} dto.APIResponse{data=dto.JobSnapshot}
// @Failure 400 {object} dto.APIResponse "Validation error"
// @Failure 429 {object} dto.APIResponse "Campaign already has an active job"
// @Router /api/v1/jobs [post]
func (h *JobHandler) CreateJob(c fiber.Ctx) error {
	var req dto.CreateJobRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationDetails(err))
	}

	ctx, cancel := createRequestContext(c, "/api/v1/jobs")
	defer cancel()

	snap, err := h.orchestrator.CreateJob(ctx, &req)
	if err != nil {
		return handleError(c, h.logger, err, "Job creation failed")
	}
	return successResponse(c, fiber.StatusCreated, "Job created successfully", snap)
}

// GetJob returns the current snapshot of a job
// @Summary Get Job
// @Tags Jobs
// @Produce json
// @Param id path int true "Job ID"
// @Success 200 {object} dto.APIResponse{data=dto.JobSnapshot}
// @Failure 404 {object} dto.APIResponse "Job not found"
// @Router /api/v1/jobs/{id} [get]
func (h *JobHandler) GetJob(c fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid job id", "INVALID_JOB_ID", nil)
	}
	ctx, cancel := createRequestContext(c, "/api/v1/jobs/:id")
	defer cancel()

	snap, err := h.orchestrator.Get(ctx, id)
	if err != nil {
		return handleError(c, h.logger, err, "Failed to load job")
	}
	return successResponse(c, fiber.StatusOK, "Job retrieved successfully", snap)
}

// DeleteJob removes a finished job
// @Summary Delete Job
// @Tags Jobs
// @Param id path int true "Job ID"
// @Success 200 {object} dto.APIResponse
// @Failure 409 {object} dto.APIResponse "Job is still active"
// @Router /api/v1/jobs/{id} [delete]
func (h *JobHandler) DeleteJob(c fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid job id", "INVALID_JOB_ID", nil)
	}
	ctx, cancel := createRequestContext(c, "/api/v1/jobs/:id")
	defer cancel()

	if err := h.orchestrator.Delete(ctx, id); err != nil {
		return handleError(c, h.logger, err, "Failed to delete job")
	}
	return successResponse(c, fiber.StatusOK, "Job deleted successfully", fiber.Map{"id": id})
}

// StartJob starts a pending job
// @Router /api/v1/jobs/{id}/start [post]
func (h *JobHandler) StartJob(c fiber.Ctx) error {
	return h.control(c, "start", h.orchestrator.Start)
}

// PauseJob pauses a running job
// @Router /api/v1/jobs/{id}/pause [post]
func (h *JobHandler) PauseJob(c fiber.Ctx) error {
	return h.control(c, "pause", h.orchestrator.Pause)
}

// ResumeJob resumes a paused job
// @Router /api/v1/jobs/{id}/resume [post]
func (h *JobHandler) ResumeJob(c fiber.Ctx) error {
	return h.control(c, "resume", h.orchestrator.Resume)
}

// CancelJob cancels a pending, running or paused job
// @Router /api/v1/jobs/{id}/cancel [post]
func (h *JobHandler) CancelJob(c fiber.Ctx) error {
	return h.control(c, "cancel", h.orchestrator.Cancel)
}

func (h *JobHandler) control(c fiber.Ctx, action string, op func(ctx context.Context, id uint) (*dto.JobSnapshot, error)) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid job id", "INVALID_JOB_ID", nil)
	}
	ctx, cancel := createRequestContext(c, "/api/v1/jobs/:id/"+action)
	defer cancel()

	snap, err := op(ctx, id)
	if err != nil {
		return handleError(c, h.logger, err, fmt.Sprintf("Failed to %s job", action))
	}
	return successResponse(c, fiber.StatusOK, fmt.Sprintf("Job %s accepted", action), snap)
}

// StreamJob streams job snapshots as server-sent events until the job ends
// or the client goes away
// @Summary Stream Job Progress
// @Tags Jobs
// @Produce text/event-stream
// @Param id path int true "Job ID"
// @Router /api/v1/jobs/{id}/stream [get]
func (h *JobHandler) StreamJob(c fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid job id", "INVALID_JOB_ID", nil)
	}
	ctx, cancel := createRequestContext(c, "/api/v1/jobs/:id/stream")
	snap, sub, err := h.orchestrator.Subscribe(ctx, id)
	cancel()
	if err != nil {
		return handleError(c, h.logger, err, "Failed to subscribe to job")
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	log := h.logger.With().Uint("job_id", id).Logger()
	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer sub.Close()

		if err := writeSnapshotEvent(w, *snap); err != nil || snap.IsTerminal() {
			return
		}

		keepAlive := time.NewTicker(streamKeepAlive)
		defer keepAlive.Stop()
		for {
			select {
			case next, ok := <-sub.C():
				if !ok {
					return
				}
				if err := writeSnapshotEvent(w, next); err != nil {
					log.Debug().Err(err).Msg("Progress stream client went away")
					return
				}
				if next.IsTerminal() {
					return
				}
			case <-keepAlive.C:
				if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
}

func writeSnapshotEvent(w *bufio.Writer, snap dto.JobSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

// JobStats returns delivery and engagement counts of a job
// @Summary Job Stats
// @Tags Jobs
// @Produce json
// @Param id path int true "Job ID"
// @Success 200 {object} dto.APIResponse{data=dto.JobStatsResponse}
// @Router /api/v1/jobs/{id}/stats [get]
func (h *JobHandler) JobStats(c fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid job id", "INVALID_JOB_ID", nil)
	}
	ctx, cancel := createRequestContext(c, "/api/v1/jobs/:id/stats")
	defer cancel()

	stats, err := h.orchestrator.Stats(ctx, id)
	if err != nil {
		return handleError(c, h.logger, err, "Failed to load job stats")
	}
	return successResponse(c, fiber.StatusOK, "Job stats retrieved successfully", stats)
}
