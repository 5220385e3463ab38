package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// StaleJobRecoverer is the part of the orchestrator the reaper needs
type StaleJobRecoverer interface {
	RecoverStaleJobs(ctx context.Context) (int, error)
}

// JobReaper parks running jobs whose worker lease expired, so jobs orphaned by a
// crashed instance can be resumed instead of blocking their campaign forever
type JobReaper struct {
	jobs     StaleJobRecoverer
	interval time.Duration
	logger   zerolog.Logger
}

func NewJobReaper(jobs StaleJobRecoverer, interval time.Duration, logger zerolog.Logger) *JobReaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &JobReaper{
		jobs:     jobs,
		interval: interval,
		logger:   logger.With().Str("component", "job_reaper").Logger(),
	}
}

// Start runs one scan right away, then one per interval, and returns a stop function
func (r *JobReaper) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.RunOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// RunOnce recovers the stale jobs and returns how many it parked
func (r *JobReaper) RunOnce(ctx context.Context) int {
	n, err := r.jobs.RecoverStaleJobs(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to recover stale jobs")
	}
	if n > 0 {
		r.logger.Info().Int("jobs", n).Msg("Recovered jobs with expired worker leases")
	}
	return n
}
