package businessflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SelectionCriteria narrows the accounts a send may use
type SelectionCriteria struct {
	Geo         *string
	Domain      *string
	LoadBalance bool
}

// AccountRegistry selects sender accounts and tracks their quota and warm-up state
type AccountRegistry interface {
	SelectAccount(ctx context.Context, c SelectionCriteria) (*models.SenderAccount, error)
	RecordSend(ctx context.Context, accountID uint) (*models.SenderAccount, error)
	ResetDailyQuotas(ctx context.Context) (int64, error)
	RegisterAccount(ctx context.Context, req *dto.RegisterAccountRequest) (*dto.SenderAccountResponse, error)
	AdvanceWarmUp(ctx context.Context) (int, error)
	PromoteAccount(ctx context.Context, accountID uint) error
	SetAccountStatus(ctx context.Context, accountID uint, status models.SenderAccountStatus) (*dto.SenderAccountResponse, error)
	Get(ctx context.Context, accountID uint) (*models.SenderAccount, error)
}

// AccountRegistryImpl implements AccountRegistry
type AccountRegistryImpl struct {
	accountRepo   repository.SenderAccountRepository
	selectTimeout time.Duration
	stages        []int
	stageInterval time.Duration
	validator     *validator.Validate
	logger        zerolog.Logger
	now           func() time.Time
}

// NewAccountRegistry creates a new sender account registry
func NewAccountRegistry(
	accountRepo repository.SenderAccountRepository,
	dispatchCfg config.DispatchConfig,
	quotaCfg config.QuotaConfig,
	logger zerolog.Logger,
) *AccountRegistryImpl {
	return &AccountRegistryImpl{
		accountRepo:   accountRepo,
		selectTimeout: dispatchCfg.SelectTimeout,
		stages:        quotaCfg.WarmupStages,
		stageInterval: quotaCfg.WarmupStageInterval,
		validator:     validator.New(),
		logger:        logger.With().Str("component", "account_registry").Logger(),
		now:           utils.UTCNow,
	}
}

// SelectAccount returns the best active account under its limit.
// ErrNoAccountAvailable is a hard stop for the caller, not a retryable condition.
func (r *AccountRegistryImpl) SelectAccount(ctx context.Context, c SelectionCriteria) (*models.SenderAccount, error) {
	if r.selectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.selectTimeout)
		defer cancel()
	}

	filter := models.SenderAccountFilter{
		Statuses:   []models.SenderAccountStatus{models.SenderAccountStatusActive},
		UnderLimit: true,
		Geo:        c.Geo,
		Domain:     c.Domain,
	}
	candidates, err := r.accountRepo.ByFilter(ctx, filter, "id ASC", 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list sender accounts: %w", err)
	}

	best := RankAccounts(candidates, c.LoadBalance)
	if best == nil {
		return nil, ErrNoAccountAvailable
	}
	return best, nil
}

// RankAccounts picks one account from the candidates.
// With loadBalance the lowest sent/limit ratio wins, ties broken by the oldest last use
// and then by id. Otherwise the most rested account wins: never used first, then the
// oldest last use, then id. Accounts at their limit are skipped.
func RankAccounts(candidates []*models.SenderAccount, loadBalance bool) *models.SenderAccount {
	pool := make([]*models.SenderAccount, 0, len(candidates))
	for _, a := range candidates {
		if a.RemainingToday() > 0 {
			pool = append(pool, a)
		}
	}
	if len(pool) == 0 {
		return nil
	}

	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if loadBalance {
			ra, rb := a.UsageRatio(), b.UsageRatio()
			if ra != rb {
				return ra < rb
			}
		}
		if c := compareLastUsed(a.LastUsedAt, b.LastUsedAt); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
	return pool[0]
}

// compareLastUsed orders nil (never used) before any timestamp
func compareLastUsed(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case a.Before(*b):
		return -1
	case b.Before(*a):
		return 1
	}
	return 0
}

// RecordSend consumes one unit of quota and flips the account to paused_limit_reached
// on the send that reaches its daily limit
func (r *AccountRegistryImpl) RecordSend(ctx context.Context, accountID uint) (*models.SenderAccount, error) {
	updated, err := r.accountRepo.RecordSend(ctx, accountID, r.now())
	if err != nil {
		return nil, err
	}
	if updated == nil {
		acc, err := r.accountRepo.ByID(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			return nil, ErrAccountNotFound
		}
		if !acc.Status.CanSend() && acc.Status != models.SenderAccountStatusPausedLimitReached {
			return nil, ErrAccountNotSendable
		}
		return nil, ErrDailyLimitReached
	}

	if updated.Status == models.SenderAccountStatusPausedLimitReached {
		r.logger.Info().
			Uint("account_id", updated.ID).
			Int("sent_today", updated.SentToday).
			Int("daily_limit", updated.DailyLimit).
			Msg("Sender account reached its daily limit")
	}
	return updated, nil
}

// ResetDailyQuotas opens a new quota window for every account whose window is a day old
func (r *AccountRegistryImpl) ResetDailyQuotas(ctx context.Context) (int64, error) {
	n, err := r.accountRepo.ResetDailyQuotas(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info().Int64("accounts", n).Msg("Daily quotas reset")
	}
	return n, nil
}

// RegisterAccount creates a warming_up account whose limit starts at the first warm-up stage
func (r *AccountRegistryImpl) RegisterAccount(ctx context.Context, req *dto.RegisterAccountRequest) (*dto.SenderAccountResponse, error) {
	if err := r.validator.Struct(req); err != nil {
		return nil, NewBusinessError("VALIDATION_ERROR", "Invalid account payload", err)
	}

	email := utils.NormalizeEmail(req.Email)
	existing, err := r.accountRepo.ByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAccountExists
	}

	domain := utils.EmailDomain(email)
	if req.Domain != nil && *req.Domain != "" {
		domain = utils.NormalizeEmail(*req.Domain)
	}

	limit := req.TargetDailyLimit
	if len(r.stages) > 0 && r.stages[0] < limit {
		limit = r.stages[0]
	}

	now := r.now()
	acc := &models.SenderAccount{
		UUID:              uuid.New(),
		Email:             email,
		Domain:            domain,
		Geo:               req.Geo,
		DisplayName:       req.DisplayName,
		SMTPHost:          req.SMTPHost,
		SMTPPort:          req.SMTPPort,
		Username:          req.Username,
		CredentialRef:     req.CredentialRef,
		Status:            models.SenderAccountStatusWarmingUp,
		DailyLimit:        limit,
		QuotaResetAt:      &now,
		BatchSize:         utils.DefaultBatchSize,
		SendDelayMS:       req.SendDelayMS,
		WarmupTargetLimit: req.TargetDailyLimit,
		WarmupStageAt:     &now,
	}
	if req.BatchSize > 0 {
		acc.BatchSize = req.BatchSize
	}

	if err := r.accountRepo.Save(ctx, acc); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, ErrAccountExists
		}
		return nil, err
	}

	r.logger.Info().
		Uint("account_id", acc.ID).
		Str("email", acc.Email).
		Int("daily_limit", acc.DailyLimit).
		Int("target_limit", acc.WarmupTargetLimit).
		Msg("Sender account registered")

	resp := ToSenderAccountResponse(*acc)
	return &resp, nil
}

// AdvanceWarmUp moves every warming account whose current stage has lasted the stage
// interval to its next stage, promoting accounts that finished the ramp.
// Returns how many accounts changed.
func (r *AccountRegistryImpl) AdvanceWarmUp(ctx context.Context) (int, error) {
	status := models.SenderAccountStatusWarmingUp
	accounts, err := r.accountRepo.ByFilter(ctx, models.SenderAccountFilter{Status: &status}, "id ASC", 0, 0)
	if err != nil {
		return 0, err
	}

	now := r.now()
	changed := 0
	var errs []error
	for _, acc := range accounts {
		stageAt := acc.WarmupStageAt
		if stageAt == nil {
			stageAt = &acc.CreatedAt
		}
		if !utils.IsStale(stageAt, now, r.stageInterval) {
			continue
		}

		next := acc.WarmupStage + 1
		limit, last := r.stageLimit(acc, next)
		if last {
			if err := r.PromoteAccount(ctx, acc.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			changed++
			continue
		}

		ok, err := r.accountRepo.AdvanceWarmUp(ctx, acc.ID, next, limit, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			changed++
			r.logger.Info().
				Uint("account_id", acc.ID).
				Int("stage", next).
				Int("daily_limit", max(acc.DailyLimit, limit)).
				Msg("Sender account advanced warm-up stage")
		}
	}
	return changed, errors.Join(errs...)
}

// stageLimit returns the limit of a warm-up stage, capped by the account target,
// and whether the ramp is finished at that stage
func (r *AccountRegistryImpl) stageLimit(acc *models.SenderAccount, stage int) (int, bool) {
	if stage >= len(r.stages) {
		return acc.WarmupTargetLimit, true
	}
	limit := r.stages[stage]
	if acc.WarmupTargetLimit > 0 && limit >= acc.WarmupTargetLimit {
		return acc.WarmupTargetLimit, true
	}
	return limit, false
}

// PromoteAccount ends warm-up: the account becomes active with its target limit
func (r *AccountRegistryImpl) PromoteAccount(ctx context.Context, accountID uint) error {
	acc, err := r.accountRepo.ByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acc == nil {
		return ErrAccountNotFound
	}
	if acc.Status != models.SenderAccountStatusWarmingUp {
		return ErrInvalidAccountStatus
	}

	now := r.now()
	if _, err := r.accountRepo.AdvanceWarmUp(ctx, acc.ID, len(r.stages), acc.WarmupTargetLimit, now); err != nil {
		return err
	}
	ok, err := r.accountRepo.UpdateStatus(ctx, acc.ID,
		[]models.SenderAccountStatus{models.SenderAccountStatusWarmingUp}, models.SenderAccountStatusActive)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidAccountStatus
	}

	r.logger.Info().
		Uint("account_id", acc.ID).
		Str("from", string(models.SenderAccountStatusWarmingUp)).
		Str("to", string(models.SenderAccountStatusActive)).
		Int("daily_limit", max(acc.DailyLimit, acc.WarmupTargetLimit)).
		Msg("Sender account promoted")
	return nil
}

// manualSources lists the states a manual status change may leave
var manualSources = map[models.SenderAccountStatus][]models.SenderAccountStatus{
	models.SenderAccountStatusActive: {
		models.SenderAccountStatusPaused,
		models.SenderAccountStatusSuspended,
	},
	models.SenderAccountStatusPaused: {
		models.SenderAccountStatusActive,
		models.SenderAccountStatusWarmingUp,
		models.SenderAccountStatusPausedLimitReached,
	},
	models.SenderAccountStatusSuspended: {
		models.SenderAccountStatusActive,
		models.SenderAccountStatusWarmingUp,
		models.SenderAccountStatusPaused,
		models.SenderAccountStatusPausedLimitReached,
	},
}

// SetAccountStatus applies a manual control-plane status change.
// Activating a warming account goes through PromoteAccount.
func (r *AccountRegistryImpl) SetAccountStatus(ctx context.Context, accountID uint, status models.SenderAccountStatus) (*dto.SenderAccountResponse, error) {
	from, ok := manualSources[status]
	if !ok {
		return nil, ErrInvalidAccountStatus
	}

	acc, err := r.accountRepo.ByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}

	if status == models.SenderAccountStatusActive && acc.Status == models.SenderAccountStatusWarmingUp {
		if err := r.PromoteAccount(ctx, accountID); err != nil {
			return nil, err
		}
	} else {
		if status == models.SenderAccountStatusActive && acc.RemainingToday() == 0 {
			// an exhausted account waits for the next quota reset
			status = models.SenderAccountStatusPausedLimitReached
		}
		changed, err := r.accountRepo.UpdateStatus(ctx, accountID, from, status)
		if err != nil {
			return nil, err
		}
		if !changed {
			return nil, ErrInvalidAccountStatus
		}
		r.logger.Info().
			Uint("account_id", accountID).
			Str("from", string(acc.Status)).
			Str("to", string(status)).
			Msg("Sender account status changed")
	}

	acc, err = r.accountRepo.ByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	resp := ToSenderAccountResponse(*acc)
	return &resp, nil
}

// Get loads one account
func (r *AccountRegistryImpl) Get(ctx context.Context, accountID uint) (*models.SenderAccount, error) {
	acc, err := r.accountRepo.ByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	return acc, nil
}
