package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	defaultInsertBatch = 500
	bounceMarkBatch    = 500
)

// runSendSingle delivers one ad-hoc message. A rejected delivery fails the job.
func runSendSingle(ctx context.Context, w *jobWorker) error {
	params, err := businessflow.DecodeJobParams[models.SingleSendParams](w.job.Params)
	if err != nil {
		return err
	}
	tpl := businessflow.MessageTemplate{Subject: params.Subject, Body: params.Body}
	if err := w.deps.Personalizer.Validate(tpl); err != nil {
		return err
	}

	w.progress(0, 1)
	provider := models.CampaignProviderAPI
	if params.Provider == string(models.CampaignProviderSMTP) {
		provider = models.CampaignProviderSMTP
	}
	entry, err := w.deliver(ctx, delivery{
		recipient: &models.Recipient{Email: utils.NormalizeEmail(params.To)},
		template:  tpl,
		fromName:  params.FromName,
		provider:  provider,
		accountID: params.AccountID,
	})
	if err != nil {
		return err
	}
	w.progress(1, 1)

	if entry.Status == models.SendStatusFailed {
		return fmt.Errorf("delivery to %s failed: %s", entry.Email, utils.DerefString(entry.Error))
	}
	return nil
}

// runSendCampaign walks the campaign cursor batch by batch. Every attempt is
// stored with its send log as it happens; the cursor and the job's processed
// count advance together after each batch. A restarted job resumes at the last
// committed batch and skips the recipients of it that were already attempted.
func runSendCampaign(ctx context.Context, w *jobWorker) error {
	campaign, tpl, err := w.loadCampaign(ctx)
	if err != nil {
		return err
	}
	cursor, err := w.openCursor(ctx, campaign)
	if err != nil {
		return err
	}

	total := len(cursor.RecipientIDs)
	w.progress(cursor.Position, total)

	provider := models.CampaignProviderAPI
	if w.job.Type == models.JobTypeSendCampaignSMTP {
		provider = models.CampaignProviderSMTP
	}
	base := delivery{
		campaignID: &campaign.ID,
		template:   tpl,
		fromName:   campaign.FromName,
		provider:   provider,
		criteria: businessflow.SelectionCriteria{
			Domain:      campaign.SenderDomain,
			LoadBalance: campaign.RotateAccounts,
		},
	}
	size := w.batchSize(campaign.BatchSize)
	delay := w.batchDelay(campaign.BatchDelayMS)

	for pos := cursor.Position; pos < total; {
		end := min(pos+size, total)
		ids := cursor.RecipientIDs[pos:end]
		batch, err := w.loadBatch(ctx, ids)
		if err != nil {
			return err
		}

		attempted, err := w.deps.Messages.AttemptedRecipients(ctx, w.job.ID, ids)
		if err != nil {
			return fmt.Errorf("failed to load attempted recipients: %w", err)
		}

		done := pos
		for _, id := range ids {
			if err := w.checkpoint(ctx); err != nil {
				return w.stop(ctx, err, done, total)
			}
			if r, ok := batch[uint(id)]; ok && stillEligible(r) && !attempted[uint(id)] {
				d := base
				d.recipient = r
				if _, err := w.deliver(ctx, d); err != nil {
					return w.stop(ctx, err, done, total)
				}
			}
			done++
		}

		if err := w.commit(ctx, end, total); err != nil {
			return err
		}
		w.progress(end, total)
		pos = end

		if pos < total {
			if err := w.syncStatus(ctx, false); err != nil {
				return err
			}
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// runQueueCampaign personalizes every eligible recipient into a queued message
// for the continuous workers. The cursor makes a resumed job skip what it queued.
func runQueueCampaign(ctx context.Context, w *jobWorker) error {
	campaign, tpl, err := w.loadCampaign(ctx)
	if err != nil {
		return err
	}
	cursor, err := w.openCursor(ctx, campaign)
	if err != nil {
		return err
	}

	total := len(cursor.RecipientIDs)
	w.progress(cursor.Position, total)

	chunk := w.cfg.QueueInsertBatch
	if chunk <= 0 {
		chunk = defaultInsertBatch
	}
	provider := string(campaign.Provider)

	for pos := cursor.Position; pos < total; {
		if err := w.checkpoint(ctx); err != nil {
			return err
		}
		end := min(pos+chunk, total)
		ids := cursor.RecipientIDs[pos:end]
		batch, err := w.loadBatch(ctx, ids)
		if err != nil {
			return err
		}

		msgs := make([]*models.OutboundMessage, 0, len(ids))
		for _, id := range ids {
			r, ok := batch[uint(id)]
			if !ok || !stillEligible(r) {
				continue
			}
			token := uuid.New()
			subject, body, err := w.deps.Personalizer.Personalize(tpl, r, token)
			if err != nil {
				return businessflow.NewExitError(businessflow.ExitCodeInvalidParams, err)
			}
			jobID, recipientID := w.job.ID, r.ID
			msgs = append(msgs, &models.OutboundMessage{
				Token:       token,
				JobID:       &jobID,
				CampaignID:  &campaign.ID,
				RecipientID: &recipientID,
				Email:       r.Email,
				FromName:    campaign.FromName,
				Subject:     subject,
				Body:        body,
				Provider:    &provider,
				Status:      models.MessageStatusQueued,
			})
		}

		err = w.deps.Transactor.WithTransaction(ctx, func(txCtx context.Context) error {
			if len(msgs) > 0 {
				if err := w.deps.Messages.SaveBatch(txCtx, msgs); err != nil {
					return err
				}
			}
			if err := w.deps.Cursors.Advance(txCtx, w.job.ID, end); err != nil {
				return err
			}
			return w.deps.Jobs.CommitProgress(txCtx, w.job.ID, end, total, businessflow.ProgressPercent(end, total))
		})
		if err != nil {
			return fmt.Errorf("failed to queue messages: %w", err)
		}
		w.progress(end, total)
		pos = end

		if err := w.syncStatus(ctx, false); err != nil {
			return err
		}
	}
	return nil
}

// runGenerateUsers inserts synthetic recipients into a list. A resumed job
// continues from the processed count stored on the job.
func runGenerateUsers(ctx context.Context, w *jobWorker) error {
	params, err := businessflow.DecodeJobParams[models.GenerateUsersParams](w.job.Params)
	if err != nil {
		return err
	}
	if params.ListID == 0 || params.Count <= 0 {
		return fmt.Errorf("%w: list_id and count are required", businessflow.ErrInvalidJobParams)
	}

	chunk := w.cfg.QueueInsertBatch
	if chunk <= 0 {
		chunk = defaultInsertBatch
	}
	start := min(max(w.job.ProcessedItems, 0), params.Count)
	faker := gofakeit.New(params.Seed + int64(start))
	w.progress(start, params.Count)

	for pos := start; pos < params.Count; {
		if err := w.checkpoint(ctx); err != nil {
			return err
		}
		end := min(pos+chunk, params.Count)
		rows := make([]*models.Recipient, 0, end-pos)
		for i := pos; i < end; i++ {
			rows = append(rows, fakeRecipient(faker, params, i))
		}
		if err := w.deps.Recipients.SaveBatch(ctx, rows); err != nil {
			return fmt.Errorf("failed to insert generated recipients: %w", err)
		}
		w.progress(end, params.Count)
		pos = end

		if err := w.syncStatus(ctx, false); err != nil {
			return err
		}
	}
	return nil
}

func fakeRecipient(faker *gofakeit.Faker, params models.GenerateUsersParams, i int) *models.Recipient {
	first, last := faker.FirstName(), faker.LastName()
	r := &models.Recipient{
		ListID:    params.ListID,
		Email:     utils.NormalizeEmail(fmt.Sprintf("%s.%d@%s", faker.Username(), i, faker.DomainName())),
		FirstName: &first,
		LastName:  &last,
		Geo:       params.Geo,
		Vertical:  params.Vertical,
	}
	if r.Geo == nil {
		r.Geo = utils.ToPtr(faker.CountryAbr())
	}
	return r
}

// runDetectBounces flags every address with a permanent delivery failure as hard
// bounced and makes its queued messages unsendable
func runDetectBounces(ctx context.Context, w *jobWorker) error {
	params, err := businessflow.DecodeJobParams[models.DetectBouncesParams](w.job.Params)
	if err != nil {
		return err
	}

	permanent := true
	failed := models.SendStatusFailed
	emails, err := w.deps.SendLogs.PermanentFailureEmails(ctx, models.SendLogFilter{
		CampaignID:   params.CampaignID,
		CreatedAfter: params.Since,
		Status:       &failed,
		Permanent:    &permanent,
	})
	if err != nil {
		return fmt.Errorf("failed to list permanent failures: %w", err)
	}

	total := len(emails)
	w.progress(0, total)
	var marked int64
	for pos := 0; pos < total; {
		if err := w.checkpoint(ctx); err != nil {
			return err
		}
		end := min(pos+bounceMarkBatch, total)
		n, err := w.deps.Recipients.MarkHardBounced(ctx, emails[pos:end])
		if err != nil {
			return fmt.Errorf("failed to mark hard bounces: %w", err)
		}
		marked += n
		for _, email := range emails[pos:end] {
			if _, err := w.deps.Messages.MarkUnsendableByEmail(ctx, email); err != nil {
				return fmt.Errorf("failed to drop queued messages: %w", err)
			}
		}
		w.progress(end, total)
		pos = end
	}

	w.logger.Info().Int("addresses", total).Int64("recipients_marked", marked).Msg("Bounce detection finished")
	return nil
}

func (w *jobWorker) loadCampaign(ctx context.Context) (*models.Campaign, businessflow.MessageTemplate, error) {
	var tpl businessflow.MessageTemplate
	params, err := businessflow.DecodeJobParams[models.CampaignJobParams](w.job.Params)
	if err != nil {
		return nil, tpl, err
	}
	c, err := w.deps.Campaigns.ByID(ctx, params.CampaignID)
	if err != nil {
		return nil, tpl, fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return nil, tpl, businessflow.ErrCampaignNotFound
	}
	if c.ArchivedAt != nil {
		return nil, tpl, businessflow.ErrCampaignArchived
	}

	tpl = businessflow.MessageTemplate{Subject: c.Subject, Body: c.Body, OfferURL: c.OfferURL}
	if err := w.deps.Personalizer.Validate(tpl); err != nil {
		return nil, tpl, err
	}
	return c, tpl, nil
}

// openCursor returns the stored cursor of a resumed job, or resolves the eligible
// recipients once and stores them as the job's fixed send order
func (w *jobWorker) openCursor(ctx context.Context, c *models.Campaign) (*models.DispatchCursor, error) {
	cursor, err := w.deps.Cursors.ByJobID(ctx, w.job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dispatch cursor: %w", err)
	}
	if cursor != nil {
		w.logger.Info().Int("position", cursor.Position).Int("total", len(cursor.RecipientIDs)).Msg("Resuming from cursor")
		return cursor, nil
	}

	res, err := w.deps.Filter.Resolve(ctx, businessflow.QueryForCampaign(c))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipients: %w", err)
	}
	if len(res.Eligible) == 0 {
		return nil, fmt.Errorf("%w: %d candidates, %d excluded", businessflow.ErrNoRecipients, res.Candidates, res.Breakdown.TotalExcluded)
	}

	ids := make(pq.Int64Array, 0, len(res.Eligible))
	for _, r := range res.Eligible {
		ids = append(ids, int64(r.ID))
	}
	breakdown, err := json.Marshal(businessflow.ToExclusionBreakdownDTO(res.Breakdown))
	if err != nil {
		return nil, fmt.Errorf("failed to encode exclusion breakdown: %w", err)
	}

	cursor = &models.DispatchCursor{JobID: w.job.ID, RecipientIDs: ids, Exclusions: breakdown}
	if err := w.deps.Cursors.Save(ctx, cursor); err != nil {
		return nil, fmt.Errorf("failed to store dispatch cursor: %w", err)
	}
	w.logger.Info().
		Int("candidates", res.Candidates).
		Int("eligible", len(ids)).
		Int("blacklisted", res.Breakdown.Blacklisted).
		Int("suppressed", res.Breakdown.Suppressed).
		Int("bounced", res.Breakdown.Bounced).
		Int("unsubscribed", res.Breakdown.Unsubscribed).
		Msg("Recipients resolved")
	return cursor, nil
}

func (w *jobWorker) loadBatch(ctx context.Context, ids []int64) (map[uint]*models.Recipient, error) {
	rows, err := w.deps.Recipients.ByFilter(ctx, models.RecipientFilter{IDs: ids}, "id ASC", 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	out := make(map[uint]*models.Recipient, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

// stillEligible re-checks the flags that may have been set since the cursor was resolved
func stillEligible(r *models.Recipient) bool {
	return !r.IsHardBounced && !r.IsUnsubscribed && !r.IsOptout
}

// commit advances the cursor and the job's processed count in one transaction.
// It runs to completion even when ctx is done, since the sends it covers already happened.
func (w *jobWorker) commit(ctx context.Context, position, total int) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	err := w.deps.Transactor.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := w.deps.Cursors.Advance(txCtx, w.job.ID, position); err != nil {
			return err
		}
		return w.deps.Jobs.CommitProgress(txCtx, w.job.ID, position, total, businessflow.ProgressPercent(position, total))
	})
	if err != nil {
		return fmt.Errorf("failed to commit position %d: %w", position, err)
	}
	return nil
}

// stop commits the position of a worker that has to end early and returns cause
func (w *jobWorker) stop(ctx context.Context, cause error, position, total int) error {
	if err := w.commit(ctx, position, total); err != nil {
		w.logger.Error().Err(err).Int("position", position).Msg("Failed to persist partial batch")
		return cause
	}
	w.progress(position, total)
	return cause
}

func (w *jobWorker) batchSize(n int) int {
	if n <= 0 {
		n = w.cfg.DefaultBatchSize
	}
	if n <= 0 {
		n = utils.DefaultBatchSize
	}
	return min(n, utils.MaxBatchSize)
}

// batchDelay treats a negative delay as unset; zero sends batches back to back
func (w *jobWorker) batchDelay(ms int) time.Duration {
	if ms < 0 {
		return w.cfg.DefaultBatchDelay
	}
	return utils.Millis(ms)
}
