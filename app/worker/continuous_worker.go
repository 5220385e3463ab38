package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/app/services"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/rs/zerolog"
)

const releaseTimeout = 5 * time.Second

var (
	errAccountGone   = errors.New("sender account no longer exists")
	errQuotaExceeded = errors.New("sender account quota exhausted")
)

// continuousWorker drains queued messages through one sender account until its
// context is cancelled. It never exits cleanly on its own.
type continuousWorker struct {
	accountID     uint
	deps          Deps
	claimBatch    int
	idlePoll      time.Duration
	beatInterval  time.Duration
	sendTimeout   time.Duration
	handle        *workerHandle
	window        *RollingCounter
	lastStoreBeat time.Time
	logger        zerolog.Logger
}

func (w *continuousWorker) run(ctx context.Context) error {
	defer w.releaseClaimed()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.beat(ctx)

		acc, err := w.deps.Accounts.ByID(ctx, w.accountID)
		if err != nil {
			return fmt.Errorf("failed to load sender account: %w", err)
		}
		if acc == nil {
			return errAccountGone
		}
		if !acc.Status.CanSend() || acc.RemainingToday() == 0 {
			if err := w.idle(ctx); err != nil {
				return err
			}
			continue
		}

		limit := min(w.claimBatch, acc.RemainingToday(), max(acc.BatchSize, 1))
		msgs, err := w.deps.Messages.ClaimQueued(ctx, acc.ID, limit)
		if err != nil {
			return fmt.Errorf("failed to claim queued messages: %w", err)
		}
		if len(msgs) == 0 {
			if err := w.idle(ctx); err != nil {
				return err
			}
			continue
		}

		for _, m := range msgs {
			err := w.send(ctx, acc, m)
			if errors.Is(err, errQuotaExceeded) {
				w.releaseClaimed()
				break
			}
			if err != nil {
				return err
			}
			w.beat(ctx)
		}
	}
}

// idle waits one poll interval, capped so heartbeats keep flowing
func (w *continuousWorker) idle(ctx context.Context) error {
	return sleep(ctx, min(w.idlePoll, w.beatInterval))
}

// beat refreshes the in-memory heartbeat on every loop turn and writes the
// account's heartbeat column at most once per interval
func (w *continuousWorker) beat(ctx context.Context) {
	now := utils.UTCNow()
	w.handle.lastBeat.Store(now.UnixNano())
	if now.Sub(w.lastStoreBeat) < w.beatInterval {
		return
	}
	if err := w.deps.Accounts.Heartbeat(ctx, w.accountID, now); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to store heartbeat")
		return
	}
	w.lastStoreBeat = now
}

// send paces the account, re-checks that the claimed message may still go out,
// reserves quota and delivers it. The delivery outcome is stored even when ctx
// ends after the provider accepted the message.
func (w *continuousWorker) send(ctx context.Context, acc *models.SenderAccount, m *models.OutboundMessage) error {
	if err := w.deps.Pacer.Wait(ctx, acc); err != nil {
		return err
	}
	ok, err := w.deliverable(ctx, m)
	if err != nil {
		return err
	}
	if !ok {
		w.logger.Debug().Uint("message_id", m.ID).Str("email", m.Email).Msg("Claimed message withdrawn before send")
		return nil
	}
	if _, err := w.deps.Registry.RecordSend(ctx, acc.ID); err != nil {
		if businessflow.IsDailyLimitReached(err) || businessflow.IsAccountNotSendable(err) {
			return errQuotaExceeded
		}
		return fmt.Errorf("failed to reserve quota: %w", err)
	}

	fromName := m.FromName
	if fromName == "" {
		fromName = utils.DerefString(acc.DisplayName)
	}
	provider := w.deps.Providers.For(models.CampaignProvider(utils.DerefString(m.Provider)))
	msg := buildEmail(acc, fromName, m.Email, m.Subject, m.Body, w.deps.Personalizer.UnsubscribeURL(m.Token))

	sendCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.sendTimeout > 0 {
		sendCtx, cancel = context.WithTimeout(ctx, w.sendTimeout)
	}
	_, sendErr := provider.Send(sendCtx, acc, msg)
	cancel()
	if sendErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	status := models.MessageStatusSent
	entry := &models.SendLogEntry{
		JobID:           m.JobID,
		CampaignID:      m.CampaignID,
		MessageID:       &m.ID,
		Email:           m.Email,
		SenderAccountID: &acc.ID,
		Status:          models.SendStatusSent,
		CreatedAt:       utils.UTCNow(),
	}
	var lastErr *string
	if sendErr != nil {
		code, permanent := services.AsDeliveryError(sendErr)
		reason := sendErr.Error()
		lastErr = &reason
		status = models.MessageStatusFailed
		entry.Status = models.SendStatusFailed
		entry.Error = &reason
		entry.Permanent = permanent
		if code != "" {
			entry.ErrorCode = &code
		}
	}

	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancelWrite()
	err = w.deps.Transactor.WithTransaction(writeCtx, func(txCtx context.Context) error {
		if err := w.deps.Messages.UpdateDelivery(txCtx, m.ID, status, &acc.ID, lastErr); err != nil {
			return fmt.Errorf("failed to update message %d: %w", m.ID, err)
		}
		if err := w.deps.SendLogs.Save(txCtx, entry); err != nil {
			return fmt.Errorf("send log write failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if sendErr != nil {
		w.handle.failed.Add(1)
	} else {
		w.handle.sent.Add(1)
	}
	w.window.Record(sendErr == nil)
	w.deps.Observer.SendAttempted(provider.Name(), entry.Status)
	return nil
}

// deliverable reports whether a claimed message is still pending and its
// recipient has not unsubscribed, bounced or opted out since it was queued.
// A message whose recipient became ineligible is withdrawn.
func (w *continuousWorker) deliverable(ctx context.Context, m *models.OutboundMessage) (bool, error) {
	current, err := w.deps.Messages.ByID(ctx, m.ID)
	if err != nil {
		return false, fmt.Errorf("failed to reload message %d: %w", m.ID, err)
	}
	if current == nil || current.Status != models.MessageStatusSending {
		return false, nil
	}
	if m.RecipientID == nil {
		return true, nil
	}
	r, err := w.deps.Recipients.ByID(ctx, *m.RecipientID)
	if err != nil {
		return false, fmt.Errorf("failed to load recipient %d: %w", *m.RecipientID, err)
	}
	if r == nil || stillEligible(r) {
		return true, nil
	}
	if _, err := w.deps.Messages.Withdraw(ctx, m.ID); err != nil {
		return false, err
	}
	return false, nil
}

// releaseClaimed puts messages this account claimed but did not finish back in the queue
func (w *continuousWorker) releaseClaimed() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	n, err := w.deps.Messages.ReleaseClaimed(ctx, w.accountID)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to release claimed messages")
		return
	}
	if n > 0 {
		w.logger.Debug().Int64("messages", n).Msg("Released claimed messages")
	}
}
