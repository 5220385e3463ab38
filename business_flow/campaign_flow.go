package businessflow

import (
	"context"
	"fmt"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/rs/zerolog"
)

// CampaignFlow handles campaign operations that do not send anything
type CampaignFlow interface {
	Preview(ctx context.Context, campaignID uint) (*dto.RecipientPreviewResponse, error)
	Archive(ctx context.Context, campaignID uint) error
}

// CampaignFlowImpl implements the campaign business flow
type CampaignFlowImpl struct {
	campaignRepo repository.CampaignRepository
	jobRepo      repository.JobRepository
	filter       RecipientFilterFlow
	logger       zerolog.Logger
}

// NewCampaignFlow creates a new campaign flow instance
func NewCampaignFlow(
	campaignRepo repository.CampaignRepository,
	jobRepo repository.JobRepository,
	filter RecipientFilterFlow,
	logger zerolog.Logger,
) CampaignFlow {
	return &CampaignFlowImpl{
		campaignRepo: campaignRepo,
		jobRepo:      jobRepo,
		filter:       filter,
		logger:       logger.With().Str("component", "campaign_flow").Logger(),
	}
}

// Preview runs the recipient filter of a campaign on the same path dispatch uses
func (f *CampaignFlowImpl) Preview(ctx context.Context, campaignID uint) (*dto.RecipientPreviewResponse, error) {
	campaign, err := f.load(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	res, err := f.filter.Resolve(ctx, QueryForCampaign(campaign))
	if err != nil {
		return nil, NewBusinessError("PREVIEW_FAILED", "Failed to resolve recipients", err)
	}

	return &dto.RecipientPreviewResponse{
		CampaignID: campaign.ID,
		Candidates: res.Candidates,
		Eligible:   len(res.Eligible),
		Breakdown:  ToExclusionBreakdownDTO(res.Breakdown),
	}, nil
}

// Archive deletes a campaign that no active job references
func (f *CampaignFlowImpl) Archive(ctx context.Context, campaignID uint) error {
	campaign, err := f.load(ctx, campaignID)
	if err != nil {
		return err
	}

	busy, err := f.jobRepo.Exists(ctx, models.JobFilter{CampaignID: &campaign.ID, Statuses: models.ActiveJobStatuses})
	if err != nil {
		return fmt.Errorf("failed to check campaign jobs: %w", err)
	}
	if busy {
		return ErrCampaignRunning
	}

	ok, err := f.campaignRepo.Archive(ctx, campaign.ID, utils.UTCNow())
	if err != nil {
		return err
	}
	if !ok {
		return ErrCampaignArchived
	}

	f.logger.Info().Uint("campaign_id", campaign.ID).Msg("Campaign archived")
	return nil
}

func (f *CampaignFlowImpl) load(ctx context.Context, campaignID uint) (*models.Campaign, error) {
	campaign, err := f.campaignRepo.ByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return nil, ErrCampaignNotFound
	}
	if campaign.ArchivedAt != nil {
		return nil, ErrCampaignArchived
	}
	return campaign, nil
}
