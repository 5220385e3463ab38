package handlers

import (
	"context"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

// WorkerSupervisor is the continuous worker pool as seen by the control plane
type WorkerSupervisor interface {
	StartWorker(ctx context.Context, accountID uint) (*dto.WorkerStatusResponse, error)
	StopWorker(ctx context.Context, accountID uint) (*dto.WorkerStatusResponse, error)
	RestartWorker(ctx context.Context, accountID uint) (*dto.WorkerStatusResponse, error)
	WorkerStatus(ctx context.Context, accountID uint) (*dto.WorkerStatusResponse, error)
	Stats(ctx context.Context) (*dto.PoolStatsResponse, error)
	Metrics() *dto.PoolMetricsResponse
}

// WorkerHandler handles continuous worker pool HTTP requests
type WorkerHandler struct {
	supervisor WorkerSupervisor
	logger     zerolog.Logger
}

// NewWorkerHandler creates a new worker pool handler
func NewWorkerHandler(supervisor WorkerSupervisor, logger zerolog.Logger) *WorkerHandler {
	return &WorkerHandler{
		supervisor: supervisor,
		logger:     logger.With().Str("component", "worker_handler").Logger(),
	}
}

// StartWorker starts the worker of a sender account
// @Router /api/v1/workers/{accountId}/start [post]
func (h *WorkerHandler) StartWorker(c fiber.Ctx) error {
	return h.control(c, "start", h.supervisor.StartWorker)
}

// StopWorker stops the worker of a sender account and pauses the account
// @Router /api/v1/workers/{accountId}/stop [post]
func (h *WorkerHandler) StopWorker(c fiber.Ctx) error {
	return h.control(c, "stop", h.supervisor.StopWorker)
}

// RestartWorker restarts the worker of a sender account
// @Router /api/v1/workers/{accountId}/restart [post]
func (h *WorkerHandler) RestartWorker(c fiber.Ctx) error {
	return h.control(c, "restart", h.supervisor.RestartWorker)
}

// WorkerStatus returns the live state of one worker
// @Router /api/v1/workers/{accountId}/status [get]
func (h *WorkerHandler) WorkerStatus(c fiber.Ctx) error {
	return h.control(c, "status", h.supervisor.WorkerStatus)
}

func (h *WorkerHandler) control(
	c fiber.Ctx,
	action string,
	op func(ctx context.Context, accountID uint) (*dto.WorkerStatusResponse, error),
) error {
	id, err := parseUintParam(c, "accountId")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid account id", "INVALID_ACCOUNT_ID", nil)
	}
	ctx, cancel := createRequestContext(c, "/api/v1/workers/:accountId/"+action)
	defer cancel()

	resp, err := op(ctx, id)
	if err != nil {
		return handleError(c, h.logger, err, "Worker "+action+" failed")
	}
	return successResponse(c, fiber.StatusOK, "Worker "+action+" succeeded", resp)
}

// PoolStats summarizes every supervised worker
// @Summary Worker Pool Stats
// @Tags Workers
// @Produce json
// @Success 200 {object} dto.APIResponse{data=dto.PoolStatsResponse}
// @Router /api/v1/workers [get]
func (h *WorkerHandler) PoolStats(c fiber.Ctx) error {
	ctx, cancel := createRequestContext(c, "/api/v1/workers")
	defer cancel()

	stats, err := h.supervisor.Stats(ctx)
	if err != nil {
		return handleError(c, h.logger, err, "Failed to load worker stats")
	}
	return successResponse(c, fiber.StatusOK, "Worker stats retrieved successfully", stats)
}

// PoolMetrics returns throughput and error rate over the rolling window
// @Router /api/v1/workers/metrics [get]
func (h *WorkerHandler) PoolMetrics(c fiber.Ctx) error {
	return successResponse(c, fiber.StatusOK, "Worker metrics retrieved successfully", h.supervisor.Metrics())
}
