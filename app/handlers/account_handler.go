package handlers

import (
	"github.com/amirphl/orochi-dispatch/app/dto"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

// AccountHandler handles sender account HTTP requests
type AccountHandler struct {
	registry  businessflow.AccountRegistry
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewAccountHandler creates a new sender account handler
func NewAccountHandler(registry businessflow.AccountRegistry, logger zerolog.Logger) *AccountHandler {
	return &AccountHandler{
		registry:  registry,
		validator: validator.New(),
		logger:    logger.With().Str("component", "account_handler").Logger(),
	}
}

// RegisterAccount adds a sender account in warm-up
// @Summary Register Sender Account
// @Tags Accounts
// @Accept json
// @Produce json
// @Param request body dto.RegisterAccountRequest true "Sender account"
// @Success 201 {object} dto.APIResponse{data=dto.SenderAccountResponse}
// @Failure 409 {object} dto.APIResponse "Account already exists"
// @Router /api/v1/accounts [post]
func (h *AccountHandler) RegisterAccount(c fiber.Ctx) error {
	var req dto.RegisterAccountRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationDetails(err))
	}

	ctx, cancel := createRequestContext(c, "/api/v1/accounts")
	defer cancel()

	resp, err := h.registry.RegisterAccount(ctx, &req)
	if err != nil {
		return handleError(c, h.logger, err, "Account registration failed")
	}
	return successResponse(c, fiber.StatusCreated, "Account registered successfully", resp)
}

// UpdateAccountStatus pauses, suspends or activates a sender account
// @Summary Update Sender Account Status
// @Tags Accounts
// @Accept json
// @Produce json
// @Param id path int true "Account ID"
// @Param request body dto.UpdateAccountStatusRequest true "Target status"
// @Success 200 {object} dto.APIResponse{data=dto.SenderAccountResponse}
// @Router /api/v1/accounts/{id}/status [put]
func (h *AccountHandler) UpdateAccountStatus(c fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid account id", "INVALID_ACCOUNT_ID", nil)
	}
	var req dto.UpdateAccountStatusRequest
	if err := c.Bind().JSON(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationDetails(err))
	}

	ctx, cancel := createRequestContext(c, "/api/v1/accounts/:id/status")
	defer cancel()

	resp, err := h.registry.SetAccountStatus(ctx, id, models.SenderAccountStatus(req.Status))
	if err != nil {
		return handleError(c, h.logger, err, "Account status update failed")
	}
	return successResponse(c, fiber.StatusOK, "Account status updated successfully", resp)
}
