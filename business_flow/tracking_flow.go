package businessflow

import (
	"context"
	"fmt"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TrackingFlow records engagement callbacks. Unknown or malformed tokens are
// ignored; only storage failures are returned.
type TrackingFlow interface {
	RecordOpen(ctx context.Context, token string, metadata *ClientMetadata) error
	RecordClick(ctx context.Context, token, destination string, metadata *ClientMetadata) error
	Unsubscribe(ctx context.Context, token string, metadata *ClientMetadata) error
}

// TrackingFlowImpl implements TrackingFlow
type TrackingFlowImpl struct {
	messageRepo   repository.OutboundMessageRepository
	trackingRepo  repository.TrackingRepository
	recipientRepo repository.RecipientRepository
	transactor    repository.Transactor
	logger        zerolog.Logger
}

// NewTrackingFlow creates a new tracking flow
func NewTrackingFlow(
	messageRepo repository.OutboundMessageRepository,
	trackingRepo repository.TrackingRepository,
	recipientRepo repository.RecipientRepository,
	transactor repository.Transactor,
	logger zerolog.Logger,
) TrackingFlow {
	return &TrackingFlowImpl{
		messageRepo:   messageRepo,
		trackingRepo:  trackingRepo,
		recipientRepo: recipientRepo,
		transactor:    transactor,
		logger:        logger.With().Str("component", "tracking").Logger(),
	}
}

// RecordOpen stores an open event and sets the opened flag the first time
func (f *TrackingFlowImpl) RecordOpen(ctx context.Context, token string, metadata *ClientMetadata) error {
	msg, err := f.lookup(ctx, token)
	if err != nil || msg == nil {
		return err
	}

	now := utils.UTCNow()
	ua, ip := metadataFields(metadata)
	return f.transactor.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := f.trackingRepo.SaveOpen(txCtx, &models.OpenEvent{
			MessageID:  msg.ID,
			JobID:      msg.JobID,
			CampaignID: msg.CampaignID,
			Email:      msg.Email,
			UserAgent:  ua,
			IP:         ip,
			CreatedAt:  now,
		}); err != nil {
			return fmt.Errorf("failed to save open event: %w", err)
		}
		first, err := f.messageRepo.MarkOpened(txCtx, msg.ID, now)
		if err != nil {
			return fmt.Errorf("failed to mark message opened: %w", err)
		}
		if first {
			f.logger.Debug().Uint("message_id", msg.ID).Msg("First open recorded")
		}
		return nil
	})
}

// RecordClick stores a click bound to its destination and sets the clicked flag
func (f *TrackingFlowImpl) RecordClick(ctx context.Context, token, destination string, metadata *ClientMetadata) error {
	msg, err := f.lookup(ctx, token)
	if err != nil || msg == nil {
		return err
	}

	now := utils.UTCNow()
	ua, ip := metadataFields(metadata)
	return f.transactor.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := f.trackingRepo.SaveClick(txCtx, &models.ClickEvent{
			MessageID:  msg.ID,
			JobID:      msg.JobID,
			CampaignID: msg.CampaignID,
			Email:      msg.Email,
			URL:        destination,
			UserAgent:  ua,
			IP:         ip,
			CreatedAt:  now,
		}); err != nil {
			return fmt.Errorf("failed to save click event: %w", err)
		}
		if _, err := f.messageRepo.MarkClicked(txCtx, msg.ID, now); err != nil {
			return fmt.Errorf("failed to mark message clicked: %w", err)
		}
		return nil
	})
}

// Unsubscribe adds the message's address to the global list, flags every recipient row
// with that address and withdraws its queued messages. Repeating it changes nothing.
func (f *TrackingFlowImpl) Unsubscribe(ctx context.Context, token string, metadata *ClientMetadata) error {
	msg, err := f.lookup(ctx, token)
	if err != nil || msg == nil {
		return err
	}

	email := utils.NormalizeEmail(msg.Email)
	return f.transactor.WithTransaction(ctx, func(txCtx context.Context) error {
		created, err := f.trackingRepo.AddUnsubscribe(txCtx, &models.UnsubscribeEntry{
			Email:      email,
			Source:     models.UnsubscribeSourceTracking,
			MessageID:  &msg.ID,
			CampaignID: msg.CampaignID,
		})
		if err != nil {
			return fmt.Errorf("failed to add unsubscribe entry: %w", err)
		}
		rows, err := f.recipientRepo.MarkUnsubscribed(txCtx, email)
		if err != nil {
			return fmt.Errorf("failed to flag recipients: %w", err)
		}
		withdrawn, err := f.messageRepo.MarkUnsendableByEmail(txCtx, email)
		if err != nil {
			return fmt.Errorf("failed to withdraw queued messages: %w", err)
		}
		if created {
			f.logger.Info().
				Uint("message_id", msg.ID).
				Int64("recipients", rows).
				Int64("withdrawn", withdrawn).
				Msg("Address unsubscribed")
		}
		return nil
	})
}

func (f *TrackingFlowImpl) lookup(ctx context.Context, token string) (*models.OutboundMessage, error) {
	id, err := uuid.Parse(token)
	if err != nil {
		return nil, nil
	}
	msg, err := f.messageRepo.ByToken(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return msg, nil
}

func metadataFields(m *ClientMetadata) (ua, ip *string) {
	if m == nil {
		return nil, nil
	}
	if m.UserAgent != "" {
		ua = &m.UserAgent
	}
	if m.IPAddress != "" {
		ip = &m.IPAddress
	}
	return ua, ip
}
