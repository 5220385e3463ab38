package handlers

import (
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
)

// CampaignHandler handles campaign HTTP requests
type CampaignHandler struct {
	campaignFlow businessflow.CampaignFlow
	logger       zerolog.Logger
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(campaignFlow businessflow.CampaignFlow, logger zerolog.Logger) *CampaignHandler {
	return &CampaignHandler{
		campaignFlow: campaignFlow,
		logger:       logger.With().Str("component", "campaign_handler").Logger(),
	}
}

// PreviewRecipients runs the recipient filter of a campaign without sending
// @Summary Preview Campaign Recipients
// @Description Count candidates, eligible recipients and exclusions per rule
// @Tags Campaigns
// @Produce json
// @Param id path int true "Campaign ID"
// @Success 200 {object} dto.APIResponse{data=dto.RecipientPreviewResponse}
// @Failure 404 {object} dto.APIResponse "Campaign not found"
// @Router /api/v1/campaigns/{id}/preview [post]
func (h *CampaignHandler) PreviewRecipients(c fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", "INVALID_CAMPAIGN_ID", nil)
	}
	ctx, cancel := createRequestContext(c, "/api/v1/campaigns/:id/preview")
	defer cancel()

	preview, err := h.campaignFlow.Preview(ctx, id)
	if err != nil {
		return handleError(c, h.logger, err, "Recipient preview failed")
	}
	return successResponse(c, fiber.StatusOK, "Recipient preview computed successfully", preview)
}

// ArchiveCampaign soft-deletes a campaign that is not running
// @Summary Archive Campaign
// @Tags Campaigns
// @Param id path int true "Campaign ID"
// @Success 200 {object} dto.APIResponse
// @Failure 409 {object} dto.APIResponse "Campaign is running"
// @Router /api/v1/campaigns/{id} [delete]
func (h *CampaignHandler) ArchiveCampaign(c fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid campaign id", "INVALID_CAMPAIGN_ID", nil)
	}
	ctx, cancel := createRequestContext(c, "/api/v1/campaigns/:id")
	defer cancel()

	if err := h.campaignFlow.Archive(ctx, id); err != nil {
		return handleError(c, h.logger, err, "Campaign archive failed")
	}
	return successResponse(c, fiber.StatusOK, "Campaign archived successfully", fiber.Map{"id": id})
}
