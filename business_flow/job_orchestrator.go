package businessflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
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

// JobOrchestrator owns the job lifecycle: it creates jobs, attaches workers and
// translates worker events into job state
type JobOrchestrator interface {
	CreateJob(ctx context.Context, req *dto.CreateJobRequest) (*dto.JobSnapshot, error)
	Start(ctx context.Context, jobID uint) (*dto.JobSnapshot, error)
	Pause(ctx context.Context, jobID uint) (*dto.JobSnapshot, error)
	Resume(ctx context.Context, jobID uint) (*dto.JobSnapshot, error)
	Cancel(ctx context.Context, jobID uint) (*dto.JobSnapshot, error)
	Delete(ctx context.Context, jobID uint) error
	Get(ctx context.Context, jobID uint) (*dto.JobSnapshot, error)
	Subscribe(ctx context.Context, jobID uint) (*dto.JobSnapshot, *Subscription, error)
	Stats(ctx context.Context, jobID uint) (*dto.JobStatsResponse, error)
	Shutdown(ctx context.Context) error
}

// TransitionHook observes every job status change made by the orchestrator
type TransitionHook func(jobType models.JobType, to models.JobStatus)

// JobOrchestratorImpl implements JobOrchestrator
type JobOrchestratorImpl struct {
	jobRepo      repository.JobRepository
	campaignRepo repository.CampaignRepository
	sendLogRepo  repository.SendLogRepository
	trackingRepo repository.TrackingRepository
	launcher     WorkerLauncher
	locker       CampaignLocker
	publisher    ProgressPublisher
	subscriber   ProgressSubscriber
	onTransition TransitionHook
	lockTTL      time.Duration
	leaseTTL     time.Duration
	resumeStale  bool
	instanceID   string
	validator    *validator.Validate
	logger       zerolog.Logger

	mu       sync.Mutex
	attached map[uint]*attachedWorker
	wg       sync.WaitGroup

	baseCtx      context.Context
	cancelBase   context.CancelFunc
	shuttingDown atomic.Bool
}

type attachedWorker struct {
	jobID      uint
	jobType    models.JobType
	campaignID *uint
	lockHeld   bool
	handle     WorkerHandle
	stopRenew  context.CancelFunc
}

const (
	// finalizeTimeout bounds store writes made after a worker has gone away
	finalizeTimeout = 10 * time.Second

	defaultJobLease = 90 * time.Second
	staleScanLimit  = 100
)

// NewJobOrchestrator creates a new job orchestrator
func NewJobOrchestrator(
	jobRepo repository.JobRepository,
	campaignRepo repository.CampaignRepository,
	sendLogRepo repository.SendLogRepository,
	trackingRepo repository.TrackingRepository,
	launcher WorkerLauncher,
	locker CampaignLocker,
	publisher ProgressPublisher,
	subscriber ProgressSubscriber,
	onTransition TransitionHook,
	dispatchCfg config.DispatchConfig,
	deploymentCfg config.DeploymentConfig,
	logger zerolog.Logger,
) *JobOrchestratorImpl {
	baseCtx, cancel := context.WithCancel(context.Background())
	instanceID := deploymentCfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if onTransition == nil {
		onTransition = func(models.JobType, models.JobStatus) {}
	}
	leaseTTL := dispatchCfg.JobLeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultJobLease
	}
	return &JobOrchestratorImpl{
		jobRepo:      jobRepo,
		campaignRepo: campaignRepo,
		sendLogRepo:  sendLogRepo,
		trackingRepo: trackingRepo,
		launcher:     launcher,
		locker:       locker,
		publisher:    publisher,
		subscriber:   subscriber,
		onTransition: onTransition,
		lockTTL:      dispatchCfg.CampaignLockTTL,
		leaseTTL:     leaseTTL,
		resumeStale:  dispatchCfg.ResumeRecoveredJobs,
		instanceID:   instanceID,
		validator:    validator.New(),
		logger:       logger.With().Str("component", "job_orchestrator").Logger(),
		attached:     make(map[uint]*attachedWorker),
		baseCtx:      baseCtx,
		cancelBase:   cancel,
	}
}

// DecodeJobParams strictly decodes a job payload into T
func DecodeJobParams[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidJobParams, err)
	}
	return out, nil
}

// CreateJob validates the params of the requested type and inserts a pending job.
// With AutoStart the job is started before returning.
func (o *JobOrchestratorImpl) CreateJob(ctx context.Context, req *dto.CreateJobRequest) (*dto.JobSnapshot, error) {
	jobType := models.JobType(req.Type)
	if !jobType.IsValid() {
		return nil, NewBusinessError("INVALID_JOB_TYPE", "Invalid job type", ErrInvalidJobType)
	}

	campaignID, err := o.validateParams(jobType, req.Params)
	if err != nil {
		return nil, NewBusinessError("INVALID_JOB_PARAMS", "Invalid job params", err)
	}

	if campaignID != nil {
		campaign, err := o.campaignRepo.ByID(ctx, *campaignID)
		if err != nil {
			return nil, err
		}
		if campaign == nil {
			return nil, ErrCampaignNotFound
		}
		if campaign.ArchivedAt != nil {
			return nil, ErrCampaignArchived
		}
		busy, err := o.jobRepo.Exists(ctx, models.JobFilter{CampaignID: campaignID, Statuses: models.ActiveJobStatuses})
		if err != nil {
			return nil, err
		}
		if busy {
			return nil, ErrCampaignAlreadyRunning
		}
	}

	job := &models.Job{
		UUID:       uuid.New(),
		Type:       jobType,
		Status:     models.JobStatusPending,
		Params:     req.Params,
		CampaignID: campaignID,
	}
	if err := o.jobRepo.Save(ctx, job); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, ErrCampaignAlreadyRunning
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if campaignID != nil {
		if err := o.campaignRepo.AttachJob(ctx, *campaignID, job.ID); err != nil {
			return nil, err
		}
	}

	o.onTransition(job.Type, job.Status)
	o.logger.Info().Uint("job_id", job.ID).Str("type", string(job.Type)).Msg("Job created")

	if req.AutoStart {
		return o.Start(ctx, job.ID)
	}
	snap := ToJobSnapshot(*job)
	return &snap, nil
}

func (o *JobOrchestratorImpl) validateParams(jobType models.JobType, raw json.RawMessage) (*uint, error) {
	var target any
	var campaignID *uint

	switch jobType {
	case models.JobTypeSendSingle:
		p, err := DecodeJobParams[models.SingleSendParams](raw)
		if err != nil {
			return nil, err
		}
		target = &p
	case models.JobTypeSendCampaignAPI, models.JobTypeSendCampaignSMTP, models.JobTypeQueueCampaign:
		p, err := DecodeJobParams[models.CampaignJobParams](raw)
		if err != nil {
			return nil, err
		}
		target = &p
		campaignID = &p.CampaignID
	case models.JobTypeGenerateUsers:
		p, err := DecodeJobParams[models.GenerateUsersParams](raw)
		if err != nil {
			return nil, err
		}
		target = &p
	case models.JobTypeDetectBounces:
		p, err := DecodeJobParams[models.DetectBouncesParams](raw)
		if err != nil {
			return nil, err
		}
		target = &p
	default:
		return nil, ErrInvalidJobType
	}

	if err := o.validator.Struct(target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJobParams, err)
	}
	return campaignID, nil
}

// Start moves a pending job to running and attaches a worker
func (o *JobOrchestratorImpl) Start(ctx context.Context, jobID uint) (*dto.JobSnapshot, error) {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPending {
		return nil, invalidTransition(job.Status, models.JobStatusRunning)
	}

	lockHeld := false
	if job.CampaignID != nil {
		ok, err := o.locker.Acquire(ctx, *job.CampaignID, o.lockOwner(job.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to acquire campaign lock: %w", err)
		}
		if !ok {
			return nil, ErrCampaignAlreadyRunning
		}
		lockHeld = true
	}

	now := utils.UTCNow()
	ok, err := o.jobRepo.Transition(ctx, job.ID, []models.JobStatus{models.JobStatusPending}, models.JobStatusRunning,
		models.JobUpdate{StartedAt: &now, HeartbeatAt: &now})
	if err != nil || !ok {
		if lockHeld {
			o.releaseLock(*job.CampaignID, job.ID)
		}
		if err != nil {
			return nil, err
		}
		return nil, invalidTransition(job.Status, models.JobStatusRunning)
	}
	job.Status = models.JobStatusRunning
	job.StartedAt = &now
	job.HeartbeatAt = &now
	o.onTransition(job.Type, job.Status)

	if err := o.attach(job, lockHeld); err != nil {
		return nil, err
	}

	o.logger.Info().Uint("job_id", job.ID).Str("type", string(job.Type)).Msg("Job started")
	return o.publishCurrent(ctx, job.ID)
}

// attach launches a worker for a running job and starts consuming its events
func (o *JobOrchestratorImpl) attach(job *models.Job, lockHeld bool) error {
	handle, err := o.launcher.Launch(o.baseCtx, job)
	if err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()

		msg := fmt.Sprintf("failed to launch worker: %v", err)
		code := ExitCodeInternal
		now := utils.UTCNow()
		if ok, terr := o.jobRepo.Transition(ctx, job.ID, []models.JobStatus{models.JobStatusRunning}, models.JobStatusFailed,
			models.JobUpdate{ErrorMessage: &msg, ExitCode: &code, CompletedAt: &now, ClearHeartbeat: true}); terr == nil && ok {
			o.onTransition(job.Type, models.JobStatusFailed)
		}
		if lockHeld {
			o.releaseLock(*job.CampaignID, job.ID)
		}
		_, _ = o.publishCurrent(ctx, job.ID)
		return fmt.Errorf("failed to launch worker for job %d: %w", job.ID, err)
	}

	renewCtx, stop := context.WithCancel(o.baseCtx)
	aw := &attachedWorker{
		jobID:      job.ID,
		jobType:    job.Type,
		campaignID: job.CampaignID,
		lockHeld:   lockHeld,
		handle:     handle,
		stopRenew:  stop,
	}

	o.mu.Lock()
	o.attached[job.ID] = aw
	o.mu.Unlock()

	go o.keepAlive(renewCtx, aw)
	o.wg.Add(1)
	go o.supervise(aw)
	return nil
}

// supervise consumes a worker's events until its channel closes, then finalizes the job
func (o *JobOrchestratorImpl) supervise(aw *attachedWorker) {
	defer o.wg.Done()

	var failure error
	exitCode := -1
	for ev := range aw.handle.Events() {
		switch ev.Type {
		case WorkerEventProgress:
			o.recordProgress(aw.jobID, ev.Processed, ev.Total)
		case WorkerEventError:
			if failure == nil {
				failure = ev.Err
			}
			o.logger.Warn().Err(ev.Err).Uint("job_id", aw.jobID).Msg("Worker reported an error")
		case WorkerEventExit:
			exitCode = ev.ExitCode
		}
	}

	aw.stopRenew()
	o.mu.Lock()
	delete(o.attached, aw.jobID)
	o.mu.Unlock()

	if !o.shuttingDown.Load() {
		o.finalize(aw, exitCode, failure)
	}
	if aw.lockHeld {
		o.releaseLock(*aw.campaignID, aw.jobID)
	}
}

// finalize maps a worker exit to completed or failed.
// Only running or paused rows match, so an explicit cancel is never overwritten.
func (o *JobOrchestratorImpl) finalize(aw *attachedWorker, exitCode int, failure error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	now := utils.UTCNow()
	from := []models.JobStatus{models.JobStatusRunning, models.JobStatusPaused}
	to := models.JobStatusCompleted
	upd := models.JobUpdate{CompletedAt: &now, ClearHeartbeat: true}

	if exitCode == ExitCodeOK && failure == nil {
		progress := 100
		upd.Progress = &progress
		upd.ExitCode = &exitCode
	} else {
		reason := "unknown error"
		if failure != nil {
			reason = failure.Error()
		}
		if exitCode < 0 {
			exitCode = ExitCodeInternal
			if failure == nil {
				reason = "worker stopped without reporting an exit"
			}
		}
		if exitCode == ExitCodeOK {
			exitCode = ExitCodeInternal
		}
		msg := fmt.Sprintf("worker exited with code %d: %s", exitCode, reason)
		to = models.JobStatusFailed
		upd.ErrorMessage = &msg
		upd.ExitCode = &exitCode
	}

	ok, err := o.jobRepo.Transition(ctx, aw.jobID, from, to, upd)
	if err != nil {
		o.logger.Error().Err(err).Uint("job_id", aw.jobID).Msg("Failed to finalize job")
		return
	}
	if !ok {
		o.logger.Debug().Uint("job_id", aw.jobID).Int("exit_code", exitCode).Msg("Late worker exit ignored")
	} else {
		o.onTransition(aw.jobType, to)
		event := o.logger.Info()
		if to == models.JobStatusFailed {
			event = o.logger.Warn().Str("error", *upd.ErrorMessage)
		}
		event.Uint("job_id", aw.jobID).Str("status", string(to)).Int("exit_code", exitCode).Msg("Job finished")
	}

	_, _ = o.publishCurrent(ctx, aw.jobID)
	o.publisher.CloseJob(aw.jobID)
}

func (o *JobOrchestratorImpl) recordProgress(jobID uint, processed, total int) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	ok, err := o.jobRepo.UpdateProgress(ctx, jobID, processed, total, ProgressPercent(processed, total))
	if err != nil {
		o.logger.Error().Err(err).Uint("job_id", jobID).Msg("Failed to record progress")
		return
	}
	if ok {
		_, _ = o.publishCurrent(ctx, jobID)
	}
}

// ProgressPercent is the whole percentage of total that processed represents
func ProgressPercent(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return min(processed*100/total, 100)
}

// Pause suspends a running job; the worker keeps its in-memory position
func (o *JobOrchestratorImpl) Pause(ctx context.Context, jobID uint) (*dto.JobSnapshot, error) {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusRunning {
		return nil, invalidTransition(job.Status, models.JobStatusPaused)
	}

	ok, err := o.jobRepo.Transition(ctx, jobID, []models.JobStatus{models.JobStatusRunning}, models.JobStatusPaused, models.JobUpdate{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalidTransition(job.Status, models.JobStatusPaused)
	}
	if aw := o.attachedWorker(jobID); aw != nil {
		aw.handle.Pause()
	}

	o.onTransition(job.Type, models.JobStatusPaused)
	o.logger.Info().Uint("job_id", jobID).Msg("Job paused")
	return o.publishCurrent(ctx, jobID)
}

// Resume continues a paused job. A job without a local worker is relaunched from its
// persisted cursor unless another instance still holds its lease. A running job whose
// lease expired is recovered first, so a job orphaned by a crash can be resumed.
func (o *JobOrchestratorImpl) Resume(ctx context.Context, jobID uint) (*dto.JobSnapshot, error) {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusRunning && o.attachedWorker(jobID) == nil && !o.leaseLive(job.HeartbeatAt) {
		if _, err := o.recover(ctx, job); err != nil {
			return nil, err
		}
		if job, err = o.loadJob(ctx, jobID); err != nil {
			return nil, err
		}
	}
	if job.Status != models.JobStatusPaused {
		return nil, invalidTransition(job.Status, models.JobStatusRunning)
	}
	lease := job.HeartbeatAt

	now := utils.UTCNow()
	ok, err := o.jobRepo.Transition(ctx, jobID, []models.JobStatus{models.JobStatusPaused}, models.JobStatusRunning,
		models.JobUpdate{HeartbeatAt: &now})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalidTransition(job.Status, models.JobStatusRunning)
	}
	job.Status = models.JobStatusRunning
	o.onTransition(job.Type, models.JobStatusRunning)

	if aw := o.attachedWorker(jobID); aw != nil {
		aw.handle.Resume()
	} else if err := o.relaunch(ctx, job, lease); err != nil {
		return nil, err
	}

	o.logger.Info().Uint("job_id", jobID).Msg("Job resumed")
	return o.publishCurrent(ctx, jobID)
}

// relaunch attaches a new worker to a resumed job. A live lease means the worker of
// another instance is only paused; it sees the status change on its next status check.
// When the campaign lock is taken the job goes back to paused.
func (o *JobOrchestratorImpl) relaunch(ctx context.Context, job *models.Job, lease *time.Time) error {
	if o.leaseLive(lease) {
		return nil
	}
	lockHeld := false
	if job.CampaignID != nil {
		ok, err := o.locker.Acquire(ctx, *job.CampaignID, o.lockOwner(job.ID))
		if err != nil || !ok {
			o.park(ctx, job)
			if err != nil {
				return fmt.Errorf("failed to acquire campaign lock: %w", err)
			}
			return ErrCampaignAlreadyRunning
		}
		lockHeld = true
	}
	return o.attach(job, lockHeld)
}

// park reverts a resume that could not get a worker
func (o *JobOrchestratorImpl) park(ctx context.Context, job *models.Job) {
	ok, err := o.jobRepo.Transition(ctx, job.ID, []models.JobStatus{models.JobStatusRunning}, models.JobStatusPaused,
		models.JobUpdate{ClearHeartbeat: true})
	if err != nil {
		o.logger.Error().Err(err).Uint("job_id", job.ID).Msg("Failed to revert resume")
		return
	}
	if ok {
		job.Status = models.JobStatusPaused
		o.onTransition(job.Type, models.JobStatusPaused)
	}
}

// RecoverStaleJobs pauses running jobs whose worker lease expired, which happens when
// the instance running them died. They keep their cursor, so a resume continues where
// the lost worker stopped. With ResumeRecoveredJobs they are resumed right away.
func (o *JobOrchestratorImpl) RecoverStaleJobs(ctx context.Context) (int, error) {
	if o.shuttingDown.Load() {
		return 0, nil
	}
	cutoff := utils.UTCNow().Add(-o.leaseTTL)
	running := models.JobStatusRunning
	jobs, err := o.jobRepo.ByFilter(ctx, models.JobFilter{Status: &running, LeaseExpiredBefore: &cutoff}, "id ASC", staleScanLimit, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs with expired leases: %w", err)
	}

	recovered := 0
	for _, job := range jobs {
		if o.attachedWorker(job.ID) != nil {
			continue
		}
		ok, err := o.recover(ctx, job)
		if err != nil {
			o.logger.Error().Err(err).Uint("job_id", job.ID).Msg("Failed to recover job")
			continue
		}
		if !ok {
			continue
		}
		recovered++
		if o.resumeStale {
			if _, err := o.Resume(ctx, job.ID); err != nil {
				o.logger.Warn().Err(err).Uint("job_id", job.ID).Msg("Recovered job left paused")
			}
		}
	}
	return recovered, nil
}

// recover parks one orphaned running job. It reports false when the lease was renewed meanwhile.
func (o *JobOrchestratorImpl) recover(ctx context.Context, job *models.Job) (bool, error) {
	ok, err := o.jobRepo.ExpireLease(ctx, job.ID, utils.UTCNow().Add(-o.leaseTTL))
	if err != nil || !ok {
		return false, err
	}
	o.onTransition(job.Type, models.JobStatusPaused)
	o.logger.Warn().
		Uint("job_id", job.ID).
		Str("type", string(job.Type)).
		Int("processed_items", job.ProcessedItems).
		Msg("Worker lease expired, job paused for recovery")
	_, _ = o.publishCurrent(ctx, job.ID)
	return true, nil
}

func (o *JobOrchestratorImpl) leaseLive(lease *time.Time) bool {
	return lease != nil && utils.UTCNow().Sub(*lease) < o.leaseTTL
}

// Cancel ends a job from pending, running or paused. Terminal immediately.
func (o *JobOrchestratorImpl) Cancel(ctx context.Context, jobID uint) (*dto.JobSnapshot, error) {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.CanTransitionTo(models.JobStatusCancelled) {
		return nil, invalidTransition(job.Status, models.JobStatusCancelled)
	}

	now := utils.UTCNow()
	ok, err := o.jobRepo.Transition(ctx, jobID, models.SourcesOf(models.JobStatusCancelled), models.JobStatusCancelled,
		models.JobUpdate{CompletedAt: &now, ClearHeartbeat: true})
	if err != nil {
		return nil, err
	}
	if !ok {
		current, lerr := o.loadJob(ctx, jobID)
		if lerr != nil {
			return nil, lerr
		}
		return nil, invalidTransition(current.Status, models.JobStatusCancelled)
	}
	if aw := o.attachedWorker(jobID); aw != nil {
		aw.handle.Terminate()
	}

	o.onTransition(job.Type, models.JobStatusCancelled)
	o.logger.Info().Uint("job_id", jobID).Msg("Job cancelled")

	snap, err := o.publishCurrent(ctx, jobID)
	o.publisher.CloseJob(jobID)
	return snap, err
}

// Delete removes a finished job
func (o *JobOrchestratorImpl) Delete(ctx context.Context, jobID uint) error {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsActive() {
		return ErrJobStillActive
	}
	ok, err := o.jobRepo.Delete(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobStillActive
	}
	o.logger.Info().Uint("job_id", jobID).Msg("Job deleted")
	return nil
}

// Get returns the current snapshot of a job
func (o *JobOrchestratorImpl) Get(ctx context.Context, jobID uint) (*dto.JobSnapshot, error) {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	snap := ToJobSnapshot(*job)
	return &snap, nil
}

// Subscribe returns the current snapshot and a subscription for later ones.
// The subscription of a finished job is already closed.
func (o *JobOrchestratorImpl) Subscribe(ctx context.Context, jobID uint) (*dto.JobSnapshot, *Subscription, error) {
	if _, err := o.loadJob(ctx, jobID); err != nil {
		return nil, nil, err
	}
	sub, err := o.subscriber.Subscribe(jobID)
	if err != nil {
		return nil, nil, err
	}
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	if job.Status.IsTerminal() {
		sub.Close()
	}
	snap := ToJobSnapshot(*job)
	return &snap, sub, nil
}

// Stats aggregates delivery and engagement counts of a job
func (o *JobOrchestratorImpl) Stats(ctx context.Context, jobID uint) (*dto.JobStatsResponse, error) {
	if _, err := o.loadJob(ctx, jobID); err != nil {
		return nil, err
	}
	sends, err := o.sendLogRepo.CountsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	engagement, err := o.trackingRepo.EngagementByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	ctr := 0.0
	if sends.Sent > 0 {
		ctr = float64(engagement.UniqueClickers) / float64(sends.Sent)
	}
	return &dto.JobStatsResponse{
		JobID:            jobID,
		Sent:             sends.Sent,
		Failed:           sends.Failed,
		Opens:            engagement.Opens,
		UniqueOpens:      engagement.UniqueOpens,
		Clicks:           engagement.Clicks,
		UniqueClickers:   engagement.UniqueClickers,
		ClickThroughRate: ctr,
	}, nil
}

// Shutdown detaches every local worker. Running jobs are left paused so a later
// Resume continues them from their cursor.
func (o *JobOrchestratorImpl) Shutdown(ctx context.Context) error {
	o.shuttingDown.Store(true)

	o.mu.Lock()
	workers := make([]*attachedWorker, 0, len(o.attached))
	for _, aw := range o.attached {
		workers = append(workers, aw)
	}
	o.mu.Unlock()

	for _, aw := range workers {
		if _, err := o.jobRepo.Transition(ctx, aw.jobID, []models.JobStatus{models.JobStatusRunning, models.JobStatusPaused}, models.JobStatusPaused,
			models.JobUpdate{ClearHeartbeat: true}); err != nil {
			o.logger.Error().Err(err).Uint("job_id", aw.jobID).Msg("Failed to park job on shutdown")
		}
		aw.handle.Terminate()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	defer o.cancelBase()

	select {
	case <-done:
		o.logger.Info().Int("workers", len(workers)).Msg("Job orchestrator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *JobOrchestratorImpl) attachedWorker(jobID uint) *attachedWorker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attached[jobID]
}

func (o *JobOrchestratorImpl) loadJob(ctx context.Context, jobID uint) (*models.Job, error) {
	job, err := o.jobRepo.ByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (o *JobOrchestratorImpl) publishCurrent(ctx context.Context, jobID uint) (*dto.JobSnapshot, error) {
	job, err := o.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	snap := ToJobSnapshot(*job)
	o.publisher.Publish(snap)
	return &snap, nil
}

func (o *JobOrchestratorImpl) lockOwner(jobID uint) string {
	return fmt.Sprintf("%s:%d", o.instanceID, jobID)
}

// keepAlive renews the job lease, and the campaign lock when held, until the worker exits
func (o *JobOrchestratorImpl) keepAlive(ctx context.Context, aw *attachedWorker) {
	every := o.leaseTTL / 3
	if aw.lockHeld && o.lockTTL > 0 {
		every = min(every, o.lockTTL/3)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.jobRepo.Heartbeat(ctx, aw.jobID, utils.UTCNow()); err != nil && ctx.Err() == nil {
				o.logger.Warn().Err(err).Uint("job_id", aw.jobID).Msg("Failed to renew job lease")
			}
			if !aw.lockHeld || o.lockTTL <= 0 {
				continue
			}
			ok, err := o.locker.Refresh(ctx, *aw.campaignID, o.lockOwner(aw.jobID))
			if err != nil {
				o.logger.Warn().Err(err).Uint("job_id", aw.jobID).Msg("Failed to refresh campaign lock")
				continue
			}
			if !ok {
				o.logger.Warn().Uint("job_id", aw.jobID).Uint("campaign_id", *aw.campaignID).Msg("Campaign lock lost")
			}
		}
	}
}

func (o *JobOrchestratorImpl) releaseLock(campaignID, jobID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := o.locker.Release(ctx, campaignID, o.lockOwner(jobID)); err != nil {
		o.logger.Warn().Err(err).Uint("campaign_id", campaignID).Msg("Failed to release campaign lock")
	}
}

func invalidTransition(from, to models.JobStatus) error {
	return NewBusinessErrorf("INVALID_TRANSITION", "Cannot move job from %s to %s", ErrInvalidTransition, from, to)
}
