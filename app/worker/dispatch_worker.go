package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/amirphl/orochi-dispatch/app/services"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// eventBuffer lets a worker report a few progress events ahead of its orchestrator
	eventBuffer = 16

	defaultPausePoll = 2 * time.Second
	// commitTimeout bounds writes that must land after the worker was told to stop
	commitTimeout = 10 * time.Second
)

// errJobGone is returned when the job row disappeared under a running worker
var errJobGone = errors.New("job no longer exists")

type runner func(ctx context.Context, w *jobWorker) error

// DispatchLauncher starts one in-process worker per job. It implements businessflow.WorkerLauncher.
type DispatchLauncher struct {
	deps    Deps
	cfg     config.DispatchConfig
	runners map[models.JobType]runner
	logger  zerolog.Logger
}

// NewDispatchLauncher creates a new dispatch launcher
func NewDispatchLauncher(deps Deps, cfg config.DispatchConfig, logger zerolog.Logger) *DispatchLauncher {
	return &DispatchLauncher{
		deps: deps.withDefaults(),
		cfg:  cfg,
		runners: map[models.JobType]runner{
			models.JobTypeSendSingle:       runSendSingle,
			models.JobTypeSendCampaignAPI:  runSendCampaign,
			models.JobTypeSendCampaignSMTP: runSendCampaign,
			models.JobTypeQueueCampaign:    runQueueCampaign,
			models.JobTypeGenerateUsers:    runGenerateUsers,
			models.JobTypeDetectBounces:    runDetectBounces,
		},
		logger: logger.With().Str("component", "dispatch_worker").Logger(),
	}
}

// Launch starts the worker of job and returns its handle.
// The worker stops when ctx is cancelled or the handle is terminated.
func (l *DispatchLauncher) Launch(ctx context.Context, job *models.Job) (businessflow.WorkerHandle, error) {
	run, ok := l.runners[job.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", businessflow.ErrInvalidJobType, job.Type)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &jobHandle{
		events: make(chan businessflow.WorkerEvent, eventBuffer),
		cancel: cancel,
		gate:   &pauseGate{},
	}
	w := &jobWorker{
		deps:   l.deps,
		cfg:    l.cfg,
		job:    *job,
		handle: h,
		logger: l.logger.With().Uint("job_id", job.ID).Str("job_type", string(job.Type)).Logger(),
	}
	go w.run(runCtx, run)
	return h, nil
}

// jobHandle implements businessflow.WorkerHandle
type jobHandle struct {
	events chan businessflow.WorkerEvent
	cancel context.CancelFunc
	gate   *pauseGate
}

func (h *jobHandle) Pause() { h.gate.Pause() }
func (h *jobHandle) Resume() { h.gate.Resume() }
func (h *jobHandle) Terminate() { h.cancel() }
func (h *jobHandle) Events() <-chan businessflow.WorkerEvent { return h.events }

// pauseGate is the local pause switch of one worker
type pauseGate struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

func (g *pauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resumed = make(chan struct{})
	}
}

func (g *pauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resumed)
	}
}

func (g *pauseGate) state() (bool, <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused, g.resumed
}

// jobWorker is the running state of one job
type jobWorker struct {
	deps   Deps
	cfg    config.DispatchConfig
	job    models.Job
	handle *jobHandle
	logger zerolog.Logger
}

func (w *jobWorker) run(ctx context.Context, fn runner) {
	defer close(w.handle.events)
	defer w.handle.cancel()

	start := time.Now()
	w.logger.Info().Msg("Worker started")

	err := w.safeRun(ctx, fn)
	code := businessflow.ExitCodeOf(err)
	if ctx.Err() != nil && code != businessflow.ExitCodeOK {
		code = businessflow.ExitCodeTerminated
	}

	if err != nil && code != businessflow.ExitCodeTerminated {
		w.emit(businessflow.WorkerEvent{Type: businessflow.WorkerEventError, Err: err})
	}
	w.emit(businessflow.WorkerEvent{Type: businessflow.WorkerEventExit, ExitCode: code})

	event := w.logger.Info()
	if code != businessflow.ExitCodeOK && code != businessflow.ExitCodeTerminated {
		event = w.logger.Warn().Err(err)
	}
	event.Int("exit_code", code).Dur("elapsed", time.Since(start)).Msg("Worker exited")
}

func (w *jobWorker) safeRun(ctx context.Context, fn runner) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Worker panicked")
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return fn(ctx, w)
}

// emit relies on the orchestrator draining events until the channel closes
func (w *jobWorker) emit(ev businessflow.WorkerEvent) {
	w.handle.events <- ev
}

func (w *jobWorker) progress(processed, total int) {
	w.emit(businessflow.WorkerEvent{Type: businessflow.WorkerEventProgress, Processed: processed, Total: total})
}

func (w *jobWorker) pollInterval() time.Duration {
	if w.cfg.PausePollInterval > 0 {
		return w.cfg.PausePollInterval
	}
	return defaultPausePoll
}

// checkpoint runs between units of work. It honours a local pause and, while
// paused, polls the stored status so a resume or cancel issued elsewhere is seen.
func (w *jobWorker) checkpoint(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		paused, resumed := w.handle.gate.state()
		if !paused {
			return nil
		}

		t := time.NewTimer(w.pollInterval())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-resumed:
			t.Stop()
		case <-t.C:
			if err := w.syncStatus(ctx, true); err != nil {
				return err
			}
		}
	}
}

// syncStatus aligns the local gate with the stored job status. A terminal status ends
// the worker. Resuming from the store is only allowed while already paused, so a
// stale read cannot undo a local pause that raced it.
func (w *jobWorker) syncStatus(ctx context.Context, allowResume bool) error {
	job, err := w.deps.Jobs.ByID(ctx, w.job.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn().Err(err).Msg("Job status check failed")
		return nil
	}
	if job == nil {
		return businessflow.NewExitError(businessflow.ExitCodeTerminated, errJobGone)
	}

	switch {
	case job.Status == models.JobStatusPaused:
		w.handle.gate.Pause()
	case job.Status == models.JobStatusRunning && allowResume:
		w.handle.gate.Resume()
	case job.Status.IsTerminal():
		return businessflow.NewExitError(businessflow.ExitCodeTerminated, fmt.Errorf("job is %s", job.Status))
	}
	return nil
}

// sleep waits d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// delivery is one recipient's message ready to personalize and send
type delivery struct {
	campaignID *uint
	recipient  *models.Recipient
	template   businessflow.MessageTemplate
	fromName   string
	provider   models.CampaignProvider
	criteria   businessflow.SelectionCriteria
	// accountID pins the send to one account instead of selecting one
	accountID *uint
}

// deliver personalizes a message, paces and reserves an account, sends, and stores
// the outbound message together with its send log entry in one transaction.
// Errors are fatal for the job; a rejected delivery is a failed entry, not an error.
func (w *jobWorker) deliver(ctx context.Context, d delivery) (*models.SendLogEntry, error) {
	token := uuid.New()
	subject, body, err := w.deps.Personalizer.Personalize(d.template, d.recipient, token)
	if err != nil {
		return nil, businessflow.NewExitError(businessflow.ExitCodeInvalidParams, err)
	}

	acc, err := w.reserve(ctx, d)
	if err != nil {
		return nil, err
	}

	fromName := d.fromName
	if fromName == "" {
		fromName = utils.DerefString(acc.DisplayName)
	}
	provider := w.deps.Providers.For(d.provider)
	msg := buildEmail(acc, fromName, d.recipient.Email, subject, body, w.deps.Personalizer.UnsubscribeURL(token))

	sendCtx := ctx
	if w.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, w.cfg.SendTimeout)
		defer cancel()
	}
	_, sendErr := provider.Send(sendCtx, acc, msg)

	jobID := w.job.ID
	recipientID := d.recipient.ID
	providerName := provider.Name()
	out := &models.OutboundMessage{
		Token:           token,
		JobID:           &jobID,
		CampaignID:      d.campaignID,
		RecipientID:     &recipientID,
		Email:           d.recipient.Email,
		FromName:        fromName,
		Subject:         subject,
		Body:            body,
		SenderAccountID: &acc.ID,
		Provider:        &providerName,
		Status:          models.MessageStatusSent,
		Attempts:        1,
	}
	entry := &models.SendLogEntry{
		JobID:           &jobID,
		CampaignID:      d.campaignID,
		Email:           d.recipient.Email,
		SenderAccountID: &acc.ID,
		Status:          models.SendStatusSent,
		CreatedAt:       utils.UTCNow(),
	}
	if sendErr != nil {
		code, permanent := services.AsDeliveryError(sendErr)
		reason := sendErr.Error()
		out.Status = models.MessageStatusFailed
		out.LastError = &reason
		entry.Status = models.SendStatusFailed
		entry.Error = &reason
		entry.Permanent = permanent
		if code != "" {
			entry.ErrorCode = &code
		}
		w.logger.Debug().Err(sendErr).Str("email", d.recipient.Email).Uint("account_id", acc.ID).Bool("permanent", permanent).Msg("Delivery rejected")
	}
	w.deps.Observer.SendAttempted(providerName, entry.Status)

	// the attempt already consumed quota and may have reached the provider, so its
	// record is written even when the job is being stopped
	if err := w.record(ctx, out, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (w *jobWorker) record(ctx context.Context, out *models.OutboundMessage, entry *models.SendLogEntry) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	err := w.deps.Transactor.WithTransaction(writeCtx, func(txCtx context.Context) error {
		if err := w.deps.Messages.Save(txCtx, out); err != nil {
			return fmt.Errorf("failed to store outbound message: %w", err)
		}
		entry.MessageID = &out.ID
		if err := w.deps.SendLogs.Save(txCtx, entry); err != nil {
			return fmt.Errorf("send log write failed: %w", err)
		}
		return nil
	})
	return err
}

// reserve picks the account of a delivery, waits for its pace, and then consumes
// one unit of its quota, so a stop during the wait costs no quota.
// A selected account that filled up or became unsendable before the reservation
// is replaced, up to MaxReselectAttempts times.
func (w *jobWorker) reserve(ctx context.Context, d delivery) (*models.SenderAccount, error) {
	if d.accountID != nil {
		pinned, err := w.deps.Accounts.ByID(ctx, *d.accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load sender account %d: %w", *d.accountID, err)
		}
		if pinned != nil {
			if err := w.deps.Pacer.Wait(ctx, pinned); err != nil {
				return nil, err
			}
		}
		acc, err := w.deps.Registry.RecordSend(ctx, *d.accountID)
		if err != nil {
			return nil, businessflow.NewExitError(businessflow.ExitCodeNoAccounts, fmt.Errorf("account %d: %w", *d.accountID, err))
		}
		return acc, nil
	}

	attempts := max(w.cfg.MaxReselectAttempts, 1)
	var lastErr error
	for range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidate, err := w.deps.Registry.SelectAccount(ctx, d.criteria)
		if err != nil {
			if businessflow.IsNoAccountAvailable(err) {
				return nil, businessflow.NewExitError(businessflow.ExitCodeNoAccounts, err)
			}
			return nil, err
		}
		if err := w.deps.Pacer.Wait(ctx, candidate); err != nil {
			return nil, err
		}
		acc, err := w.deps.Registry.RecordSend(ctx, candidate.ID)
		switch {
		case err == nil:
			return acc, nil
		case businessflow.IsDailyLimitReached(err) || businessflow.IsAccountNotSendable(err) || businessflow.IsAccountNotFound(err):
			lastErr = err
			continue
		default:
			return nil, err
		}
	}
	return nil, businessflow.NewExitError(businessflow.ExitCodeNoAccounts,
		fmt.Errorf("%w: reselection exhausted: %v", businessflow.ErrNoAccountAvailable, lastErr))
}

func buildEmail(acc *models.SenderAccount, fromName, to, subject, body, unsubscribeURL string) services.EmailMessage {
	msg := services.EmailMessage{
		FromEmail: acc.Email,
		FromName:  fromName,
		To:        to,
		Subject:   subject,
		Headers: map[string]string{
			"List-Unsubscribe":      "<" + unsubscribeURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
	}
	if businessflow.IsHTML(body) {
		msg.HTMLBody = body
	} else {
		msg.TextBody = body
	}
	return msg
}
