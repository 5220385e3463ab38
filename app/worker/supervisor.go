package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// WorkerState is the lifecycle state of a supervised account worker
type WorkerState string

const (
	WorkerStateStarting   WorkerState = "starting"
	WorkerStateRunning    WorkerState = "running"
	WorkerStateRestarting WorkerState = "restarting"
	WorkerStateStopped    WorkerState = "stopped"
	WorkerStateFailed     WorkerState = "failed"
)

var (
	errHeartbeatStale = errors.New("heartbeat went stale")
	errWorkerExited   = errors.New("worker exited")
)

// RestartPolicy bounds how often a crashed worker is restarted
type RestartPolicy struct {
	// MaxRestarts is the number of consecutive restarts allowed before the worker is failed
	MaxRestarts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Multiplier  float64
	// Jitter adds up to this fraction of the backoff
	Jitter float64
	// HealthyResetAfter forgets earlier failures once a run lasted this long
	HealthyResetAfter time.Duration
}

// RestartPolicyFromConfig builds the policy of the continuous pool
func RestartPolicyFromConfig(cfg config.SupervisorConfig) RestartPolicy {
	return RestartPolicy{
		MaxRestarts:       cfg.MaxRestarts,
		MinBackoff:        cfg.MinBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		Multiplier:        cfg.BackoffMultiplier,
		Jitter:            cfg.BackoffJitter,
		HealthyResetAfter: cfg.HealthyResetAfter,
	}
}

// BaseBackoff is the un-jittered wait before restart attempt n (1-based)
func (p RestartPolicy) BaseBackoff(attempt int) time.Duration {
	minB := max(p.MinBackoff, time.Millisecond)
	maxB := max(p.MaxBackoff, minB)
	mult := max(p.Multiplier, 1)
	wait := float64(minB) * math.Pow(mult, float64(max(attempt-1, 0)))
	if wait >= float64(maxB) {
		return maxB
	}
	return time.Duration(wait)
}

// Backoff is BaseBackoff plus random jitter
func (p RestartPolicy) Backoff(attempt int) time.Duration {
	wait := p.BaseBackoff(attempt)
	if p.Jitter > 0 {
		wait += time.Duration(rand.Float64() * p.Jitter * float64(wait))
	}
	return wait
}

// workerHandle is the live state of one supervised account worker
type workerHandle struct {
	accountID uint

	lastBeat atomic.Int64
	sent     atomic.Int64
	failed   atomic.Int64
	stale    atomic.Bool

	mu        sync.Mutex
	state     WorkerState
	restarts  int
	lastErr   string
	startedAt time.Time
	runCancel context.CancelFunc

	cancel context.CancelFunc
	done   chan struct{}
}

func (h *workerHandle) setState(s WorkerState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *workerHandle) currentState() WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *workerHandle) isLive() bool {
	s := h.currentState()
	return s != WorkerStateStopped && s != WorkerStateFailed
}

// Supervisor runs one continuous worker per sender account, restarts crashed
// or stalled workers under its RestartPolicy and reports pool health
type Supervisor struct {
	deps        Deps
	cfg         config.SupervisorConfig
	sendTimeout time.Duration
	policy      RestartPolicy
	window      *RollingCounter
	logger      zerolog.Logger

	mu      sync.Mutex
	handles map[uint]*workerHandle
	wg      sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewSupervisor creates a new continuous worker supervisor
func NewSupervisor(
	deps Deps,
	cfg config.SupervisorConfig,
	dispatchCfg config.DispatchConfig,
	logger zerolog.Logger,
) *Supervisor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HeartbeatStaleAfter <= cfg.HeartbeatInterval {
		cfg.HeartbeatStaleAfter = 6 * cfg.HeartbeatInterval
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = cfg.HeartbeatInterval
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = 2 * time.Second
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 10
	}
	if cfg.MetricsWindow < time.Second {
		cfg.MetricsWindow = 5 * time.Minute
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		deps:        deps.withDefaults(),
		cfg:         cfg,
		sendTimeout: dispatchCfg.SendTimeout,
		policy:      RestartPolicyFromConfig(cfg),
		window:      NewRollingCounter(cfg.MetricsWindow),
		logger:      logger.With().Str("component", "worker_supervisor").Logger(),
		handles:     make(map[uint]*workerHandle),
		baseCtx:     baseCtx,
		cancelBase:  cancel,
	}
}

// Run monitors heartbeats until ctx is done. A worker whose heartbeat is older
// than HeartbeatStaleAfter has its current run cancelled, which counts as a crash.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.checkHeartbeats(time.Now())
		}
	}
}

func (s *Supervisor) checkHeartbeats(now time.Time) {
	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.mu.Lock()
		running := h.state == WorkerStateRunning
		cancelRun := h.runCancel
		h.mu.Unlock()
		if !running || cancelRun == nil {
			continue
		}
		last := time.Unix(0, h.lastBeat.Load())
		if now.Sub(last) < s.cfg.HeartbeatStaleAfter {
			continue
		}
		if h.stale.CompareAndSwap(false, true) {
			s.logger.Warn().Uint("account_id", h.accountID).Time("last_heartbeat", last).Msg("Worker heartbeat stale; restarting")
			cancelRun()
		}
	}
}

// StartWorker launches the worker of an account. Paused accounts are promoted to
// active first; any other non-sendable status is rejected.
func (s *Supervisor) StartWorker(ctx context.Context, accountID uint) (*dto.WorkerStatusResponse, error) {
	acc, err := s.deps.Accounts.ByID(ctx, accountID)
	if err != nil {
		return nil, businessflow.NewBusinessError("WORKER_START_FAILED", "Failed to load sender account", err)
	}
	if acc == nil {
		return nil, businessflow.NewBusinessError("ACCOUNT_NOT_FOUND", "Sender account not found", businessflow.ErrAccountNotFound)
	}

	switch acc.Status {
	case models.SenderAccountStatusActive, models.SenderAccountStatusWarmingUp:
	case models.SenderAccountStatusPaused:
		if _, err := s.deps.Accounts.UpdateStatus(ctx, accountID,
			[]models.SenderAccountStatus{models.SenderAccountStatusPaused}, models.SenderAccountStatusActive); err != nil {
			return nil, businessflow.NewBusinessError("WORKER_START_FAILED", "Failed to activate sender account", err)
		}
	default:
		return nil, businessflow.NewBusinessErrorf("ACCOUNT_NOT_STARTABLE",
			"Sender account in status %s cannot run a worker", businessflow.ErrAccountNotStartable, acc.Status)
	}

	s.mu.Lock()
	if h, ok := s.handles[accountID]; ok && h.isLive() {
		s.mu.Unlock()
		return nil, businessflow.NewBusinessError("WORKER_ALREADY_RUNNING", "Worker is already running", businessflow.ErrWorkerAlreadyRunning)
	}
	h := s.spawnLocked(accountID)
	s.mu.Unlock()

	s.logger.Info().Uint("account_id", accountID).Str("email", acc.Email).Msg("Worker started")
	return s.status(ctx, accountID, h)
}

func (s *Supervisor) spawnLocked(accountID uint) *workerHandle {
	ctx, cancel := context.WithCancel(s.baseCtx)
	h := &workerHandle{
		accountID: accountID,
		state:     WorkerStateStarting,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	h.lastBeat.Store(time.Now().UnixNano())
	s.handles[accountID] = h

	s.wg.Add(1)
	go s.supervise(ctx, h)
	return h
}

// supervise is the restart loop of one worker
func (s *Supervisor) supervise(ctx context.Context, h *workerHandle) {
	defer s.wg.Done()
	defer close(h.done)

	log := s.logger.With().Uint("account_id", h.accountID).Logger()
	failures := 0
	for {
		runCtx, runCancel := context.WithCancel(ctx)
		startedAt := time.Now()
		h.stale.Store(false)
		h.lastBeat.Store(startedAt.UnixNano())
		h.mu.Lock()
		h.state = WorkerStateRunning
		h.startedAt = startedAt
		h.runCancel = runCancel
		h.mu.Unlock()

		err := s.runOnce(runCtx, h, log)
		runCancel()

		if ctx.Err() != nil {
			h.setState(WorkerStateStopped)
			return
		}
		switch {
		case h.stale.Load():
			err = errHeartbeatStale
		case err == nil:
			err = errWorkerExited
		}

		if s.policy.HealthyResetAfter > 0 && time.Since(startedAt) >= s.policy.HealthyResetAfter {
			failures = 0
		}
		failures++

		h.mu.Lock()
		h.lastErr = err.Error()
		h.runCancel = nil
		if failures > s.policy.MaxRestarts {
			h.state = WorkerStateFailed
			h.mu.Unlock()
			log.Error().Err(err).Int("failures", failures).Msg("Worker gave up after restarts")
			return
		}
		h.state = WorkerStateRestarting
		h.restarts++
		h.mu.Unlock()

		wait := s.policy.Backoff(failures)
		log.Warn().Err(err).Dur("backoff", wait).Int("attempt", failures).Msg("Worker restarting")
		s.deps.Observer.WorkerRestarted(h.accountID)

		if err := sleep(ctx, wait); err != nil {
			h.setState(WorkerStateStopped)
			return
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, h *workerHandle, log zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Worker panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	w := &continuousWorker{
		accountID:    h.accountID,
		deps:         s.deps,
		claimBatch:   s.cfg.ClaimBatchSize,
		idlePoll:     s.cfg.IdlePollInterval,
		beatInterval: s.cfg.HeartbeatInterval,
		sendTimeout:  s.sendTimeout,
		handle:       h,
		window:       s.window,
		logger:       log,
	}
	return w.run(ctx)
}

// StopWorker cancels the worker, waits for it to exit and marks the account paused
func (s *Supervisor) StopWorker(ctx context.Context, accountID uint) (*dto.WorkerStatusResponse, error) {
	s.mu.Lock()
	h, ok := s.handles[accountID]
	s.mu.Unlock()
	if !ok {
		return nil, businessflow.NewBusinessError("WORKER_NOT_FOUND", "Worker not found", businessflow.ErrWorkerNotFound)
	}

	if err := s.stopHandle(ctx, h); err != nil {
		return nil, businessflow.NewBusinessError("WORKER_STOP_FAILED", "Worker did not stop in time", err)
	}
	if _, err := s.deps.Accounts.UpdateStatus(ctx, accountID,
		[]models.SenderAccountStatus{models.SenderAccountStatusActive, models.SenderAccountStatusWarmingUp},
		models.SenderAccountStatusPaused); err != nil {
		return nil, businessflow.NewBusinessError("WORKER_STOP_FAILED", "Failed to pause sender account", err)
	}

	s.logger.Info().Uint("account_id", accountID).Msg("Worker stopped")
	return s.status(ctx, accountID, h)
}

// RestartWorker stops the worker when it runs, then starts it again
func (s *Supervisor) RestartWorker(ctx context.Context, accountID uint) (*dto.WorkerStatusResponse, error) {
	s.mu.Lock()
	h, ok := s.handles[accountID]
	s.mu.Unlock()
	if ok {
		if err := s.stopHandle(ctx, h); err != nil {
			return nil, businessflow.NewBusinessError("WORKER_STOP_FAILED", "Worker did not stop in time", err)
		}
	}
	return s.StartWorker(ctx, accountID)
}

func (s *Supervisor) stopHandle(ctx context.Context, h *workerHandle) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartAll launches a worker for every sendable account without one
func (s *Supervisor) StartAll(ctx context.Context) (int, error) {
	accounts, err := s.deps.Accounts.ByFilter(ctx, models.SenderAccountFilter{
		Statuses: []models.SenderAccountStatus{models.SenderAccountStatusActive, models.SenderAccountStatusWarmingUp},
	}, "id ASC", 0, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list sender accounts: %w", err)
	}

	var started atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, acc := range accounts {
		g.Go(func() error {
			_, err := s.StartWorker(gctx, acc.ID)
			switch {
			case err == nil:
				started.Add(1)
			case businessflow.IsWorkerAlreadyRunning(err) || businessflow.IsAccountNotStartable(err):
			default:
				return err
			}
			return nil
		})
	}
	err = g.Wait()
	return int(started.Load()), err
}

// Shutdown stops every worker without touching account statuses
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancelBase()

	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error { return s.stopHandle(gctx, h) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WorkerStatus merges the live state of an account's worker with its account row
func (s *Supervisor) WorkerStatus(ctx context.Context, accountID uint) (*dto.WorkerStatusResponse, error) {
	s.mu.Lock()
	h := s.handles[accountID]
	s.mu.Unlock()
	return s.status(ctx, accountID, h)
}

func (s *Supervisor) status(ctx context.Context, accountID uint, h *workerHandle) (*dto.WorkerStatusResponse, error) {
	acc, err := s.deps.Accounts.ByID(ctx, accountID)
	if err != nil {
		return nil, businessflow.NewBusinessError("WORKER_STATUS_FAILED", "Failed to load sender account", err)
	}
	if acc == nil {
		return nil, businessflow.NewBusinessError("ACCOUNT_NOT_FOUND", "Sender account not found", businessflow.ErrAccountNotFound)
	}
	resp := s.describe(h, time.Now())
	resp.AccountID = accountID
	resp.AccountEmail = acc.Email
	resp.AccountStatus = string(acc.Status)
	resp.SentToday = acc.SentToday
	resp.DailyLimit = acc.DailyLimit
	return &resp, nil
}

// describe renders a handle; a nil handle is a worker that never ran
func (s *Supervisor) describe(h *workerHandle, now time.Time) dto.WorkerStatusResponse {
	if h == nil {
		return dto.WorkerStatusResponse{State: string(WorkerStateStopped)}
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	resp := dto.WorkerStatusResponse{
		AccountID: h.accountID,
		State:     string(h.state),
		Restarts:  h.restarts,
		Sent:      h.sent.Load(),
		Failed:    h.failed.Load(),
	}
	if beat := h.lastBeat.Load(); beat > 0 {
		resp.LastHeartbeat = utils.ToPtr(time.Unix(0, beat).UTC().Format(time.RFC3339))
	}
	if h.state == WorkerStateRunning || h.state == WorkerStateRestarting {
		resp.UptimeSeconds = int64(now.Sub(h.startedAt).Seconds())
	}
	if h.lastErr != "" {
		resp.LastError = utils.ToPtr(h.lastErr)
	}
	return resp
}

// Stats summarizes every supervised worker and the queue depth
func (s *Supervisor) Stats(ctx context.Context) (*dto.PoolStatsResponse, error) {
	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].accountID < handles[j].accountID })

	now := time.Now()
	resp := &dto.PoolStatsResponse{Workers: make([]dto.WorkerStatusResponse, 0, len(handles))}
	for _, h := range handles {
		st := s.describe(h, now)
		switch WorkerState(st.State) {
		case WorkerStateRunning, WorkerStateStarting:
			resp.Running++
		case WorkerStateRestarting:
			resp.Restarting++
		case WorkerStateFailed:
			resp.Failed++
		case WorkerStateStopped:
			resp.Stopped++
		}
		resp.Workers = append(resp.Workers, st)
	}

	depth, err := s.deps.Messages.CountQueued(ctx)
	if err != nil {
		return nil, businessflow.NewBusinessError("POOL_STATS_FAILED", "Failed to count queued messages", err)
	}
	resp.QueueDepth = depth
	return resp, nil
}

// Metrics reports pool throughput and error rate over the rolling window
func (s *Supervisor) Metrics() *dto.PoolMetricsResponse {
	sent, failed := s.window.Totals()
	window := s.window.Window()
	resp := &dto.PoolMetricsResponse{
		WindowSeconds: int64(window.Seconds()),
		Sent:          sent,
		Failed:        failed,
	}
	if window > 0 {
		resp.ThroughputPerMinute = float64(sent+failed) / window.Minutes()
	}
	if total := sent + failed; total > 0 {
		resp.ErrorRate = float64(failed) / float64(total)
	}
	return resp
}
