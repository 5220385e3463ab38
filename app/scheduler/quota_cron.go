package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/config"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// QuotaMaintainer is the part of the account registry driven by the quota cron
type QuotaMaintainer interface {
	ResetDailyQuotas(ctx context.Context) (int64, error)
	AdvanceWarmUp(ctx context.Context) (int, error)
}

// QuotaCron resets daily sender quotas and advances warm-up schedules on cron specs
type QuotaCron struct {
	cron       *cron.Cron
	registry   QuotaMaintainer
	cfg        config.QuotaConfig
	jobTimeout time.Duration
	logger     zerolog.Logger
}

func NewQuotaCron(registry QuotaMaintainer, cfg config.QuotaConfig, logger zerolog.Logger) *QuotaCron {
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	l := logger.With().Str("component", "quota_cron").Logger()
	return &QuotaCron{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{l}), cron.Recover(cronLogger{l}))),
		registry:   registry,
		cfg:        cfg,
		jobTimeout: timeout,
		logger:     l,
	}
}

// SetupJobs registers the reset and warm-up entries
func (q *QuotaCron) SetupJobs() error {
	if _, err := q.cron.AddFunc(q.cfg.ResetCron, q.resetQuotas); err != nil {
		return fmt.Errorf("invalid quota reset schedule %q: %w", q.cfg.ResetCron, err)
	}
	if _, err := q.cron.AddFunc(q.cfg.WarmupCron, q.advanceWarmUp); err != nil {
		return fmt.Errorf("invalid warm-up schedule %q: %w", q.cfg.WarmupCron, err)
	}
	q.logger.Info().
		Str("reset_cron", q.cfg.ResetCron).
		Str("warmup_cron", q.cfg.WarmupCron).
		Msg("Quota cron jobs registered")
	return nil
}

// Start runs the scheduler in its own goroutine
func (q *QuotaCron) Start() {
	q.cron.Start()
}

// Stop stops the scheduler and waits for running jobs
func (q *QuotaCron) Stop() {
	<-q.cron.Stop().Done()
}

func (q *QuotaCron) resetQuotas() {
	ctx, cancel := context.WithTimeout(context.Background(), q.jobTimeout)
	defer cancel()

	n, err := q.registry.ResetDailyQuotas(ctx)
	if err != nil {
		q.logger.Error().Err(err).Msg("Daily quota reset failed")
		return
	}
	q.logger.Debug().Int64("accounts", n).Msg("Daily quota reset finished")
}

func (q *QuotaCron) advanceWarmUp() {
	ctx, cancel := context.WithTimeout(context.Background(), q.jobTimeout)
	defer cancel()

	n, err := q.registry.AdvanceWarmUp(ctx)
	if err != nil {
		q.logger.Error().Err(err).Int("advanced", n).Msg("Warm-up advance failed")
		return
	}
	q.logger.Debug().Int("advanced", n).Msg("Warm-up advance finished")
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
