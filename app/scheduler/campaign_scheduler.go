// Package scheduler runs the periodic background work of the dispatch engine:
// starting scheduled campaigns, recovering orphaned jobs and maintaining sender
// account quotas
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/rs/zerolog"
)

// JobCreator is the part of the orchestrator the scheduler needs
type JobCreator interface {
	CreateJob(ctx context.Context, req *dto.CreateJobRequest) (*dto.JobSnapshot, error)
}

// CampaignScheduler periodically starts a dispatch job for every campaign whose
// scheduled time has passed and which has no job yet
type CampaignScheduler struct {
	campaignRepo repository.CampaignRepository
	jobs         JobCreator
	interval     time.Duration
	batchSize    int
	logger       zerolog.Logger
	now          func() time.Time
}

func NewCampaignScheduler(
	campaignRepo repository.CampaignRepository,
	jobs JobCreator,
	cfg config.SchedulerConfig,
	logger zerolog.Logger,
) *CampaignScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &CampaignScheduler{
		campaignRepo: campaignRepo,
		jobs:         jobs,
		interval:     cfg.Interval,
		batchSize:    cfg.BatchSize,
		logger:       logger.With().Str("component", "campaign_scheduler").Logger(),
		now:          utils.UTCNow,
	}
}

// Start launches the scheduler loop in a background goroutine and returns a stop function
func (s *CampaignScheduler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.RunOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// RunOnce starts the due campaigns and returns how many jobs it created
func (s *CampaignScheduler) RunOnce(ctx context.Context) int {
	due, err := s.campaignRepo.ListDue(ctx, s.now(), s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list due campaigns")
		return 0
	}

	started := 0
	for _, c := range due {
		if ctx.Err() != nil {
			break
		}
		params, err := json.Marshal(models.CampaignJobParams{CampaignID: c.ID})
		if err != nil {
			s.logger.Error().Err(err).Uint("campaign_id", c.ID).Msg("Failed to encode job params")
			continue
		}

		snap, err := s.jobs.CreateJob(ctx, &dto.CreateJobRequest{
			Type:      string(c.Provider.JobType()),
			Params:    params,
			AutoStart: true,
		})
		switch {
		case err == nil:
			started++
			s.logger.Info().Uint("campaign_id", c.ID).Uint("job_id", snap.ID).Msg("Scheduled campaign started")
		case businessflow.IsCampaignAlreadyRunning(err):
			// another instance got there first
			s.logger.Debug().Uint("campaign_id", c.ID).Msg("Scheduled campaign already has a job")
		default:
			s.logger.Error().Err(err).Uint("campaign_id", c.ID).Msg("Failed to start scheduled campaign")
		}
	}
	return started
}
