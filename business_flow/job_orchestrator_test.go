package businessflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/services"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	testingutil "github.com/amirphl/orochi-dispatch/testing"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	events chan businessflow.WorkerEvent

	mu         sync.Mutex
	pauses     int
	resumes    int
	terminates int
	closeOnce  sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan businessflow.WorkerEvent, 32)}
}

func (h *fakeHandle) Pause()     { h.mu.Lock(); h.pauses++; h.mu.Unlock() }
func (h *fakeHandle) Resume()    { h.mu.Lock(); h.resumes++; h.mu.Unlock() }
func (h *fakeHandle) Terminate() { h.mu.Lock(); h.terminates++; h.mu.Unlock() }

func (h *fakeHandle) Events() <-chan businessflow.WorkerEvent { return h.events }

func (h *fakeHandle) progress(processed, total int) {
	h.events <- businessflow.WorkerEvent{Type: businessflow.WorkerEventProgress, Processed: processed, Total: total}
}

func (h *fakeHandle) exit(code int, err error) {
	if err != nil {
		h.events <- businessflow.WorkerEvent{Type: businessflow.WorkerEventError, Err: err}
	}
	h.events <- businessflow.WorkerEvent{Type: businessflow.WorkerEventExit, ExitCode: code}
	h.close()
}

func (h *fakeHandle) close() {
	h.closeOnce.Do(func() { close(h.events) })
}

func (h *fakeHandle) counts() (pauses, resumes, terminates int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pauses, h.resumes, h.terminates
}

type fakeLauncher struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
}

func (l *fakeLauncher) Launch(_ context.Context, _ *models.Job) (businessflow.WorkerHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	h := newFakeHandle()
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) last() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

type orchestratorEnv struct {
	store       *testingutil.MemoryStore
	launcher    *fakeLauncher
	locker      *services.MemoryCampaignLocker
	hub         *businessflow.ProgressHub
	orch        *businessflow.JobOrchestratorImpl
	mu          sync.Mutex
	transitions []models.JobStatus
}

func newOrchestratorEnv(t *testing.T, store *testingutil.MemoryStore, locker *services.MemoryCampaignLocker, instance string) *orchestratorEnv {
	t.Helper()
	return newOrchestratorEnvWithConfig(t, store, locker, instance, config.DispatchConfig{CampaignLockTTL: time.Minute})
}

func newOrchestratorEnvWithConfig(t *testing.T, store *testingutil.MemoryStore, locker *services.MemoryCampaignLocker, instance string, cfg config.DispatchConfig) *orchestratorEnv {
	t.Helper()
	env := &orchestratorEnv{
		store:    store,
		launcher: &fakeLauncher{},
		locker:   locker,
		hub:      businessflow.NewProgressHub(16, 4, 8),
	}
	env.orch = businessflow.NewJobOrchestrator(
		store.Jobs(), store.Campaigns(), store.SendLogs(), store.Tracking(),
		env.launcher, locker, env.hub, env.hub,
		func(_ models.JobType, to models.JobStatus) {
			env.mu.Lock()
			env.transitions = append(env.transitions, to)
			env.mu.Unlock()
		},
		cfg,
		config.DeploymentConfig{InstanceID: instance},
		zerolog.Nop(),
	)
	return env
}

func (e *orchestratorEnv) waitStatus(t *testing.T, jobID uint, status string) *dto.JobSnapshot {
	t.Helper()
	var snap *dto.JobSnapshot
	require.Eventually(t, func() bool {
		s, err := e.orch.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		snap = s
		return s.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func singleSendRequest(autoStart bool) *dto.CreateJobRequest {
	return &dto.CreateJobRequest{
		Type:      string(models.JobTypeSendSingle),
		Params:    json.RawMessage(`{"to":"reader@example.com","subject":"Hello","body":"<p>Hi</p>"}`),
		AutoStart: autoStart,
	}
}

func campaignRequest(campaignID uint, autoStart bool) *dto.CreateJobRequest {
	return &dto.CreateJobRequest{
		Type:      string(models.JobTypeSendCampaignAPI),
		Params:    json.RawMessage(fmt.Sprintf(`{"campaign_id":%d}`, campaignID)),
		AutoStart: autoStart,
	}
}

func saveCampaign(t *testing.T, store *testingutil.MemoryStore) *models.Campaign {
	t.Helper()
	c := testingutil.NewTestFixtures(5).Campaign(1)
	require.NoError(t, store.Campaigns().Save(context.Background(), c))
	return c
}

func TestJobOrchestratorLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("CompletesWithFullProgress", func(t *testing.T) {
		env := newOrchestratorEnv(t, testingutil.NewMemoryStore(), services.NewMemoryCampaignLocker(), "a")

		snap, err := env.orch.CreateJob(ctx, singleSendRequest(false))
		require.NoError(t, err)
		assert.Equal(t, "pending", snap.Status)

		snap, err = env.orch.Start(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, "running", snap.Status)
		assert.NotNil(t, snap.StartedAt)

		h := env.launcher.last()
		for i := 1; i <= 5; i++ {
			h.progress(i*20, 100)
		}
		h.exit(businessflow.ExitCodeOK, nil)

		final := env.waitStatus(t, snap.ID, "completed")
		assert.Equal(t, 100, final.Progress)
		assert.Equal(t, 100, final.ProcessedItems)
		require.NotNil(t, final.ExitCode)
		assert.Equal(t, 0, *final.ExitCode)
		assert.NotNil(t, final.CompletedAt)

		want := []models.JobStatus{models.JobStatusPending, models.JobStatusRunning, models.JobStatusCompleted}
		assert.Eventually(t, func() bool {
			env.mu.Lock()
			defer env.mu.Unlock()
			return assert.ObjectsAreEqual(want, env.transitions)
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("CancelIsNotOverwrittenByLateExit", func(t *testing.T) {
		store := testingutil.NewMemoryStore()
		locker := services.NewMemoryCampaignLocker()
		env := newOrchestratorEnv(t, store, locker, "a")
		campaign := saveCampaign(t, store)

		snap, err := env.orch.CreateJob(ctx, campaignRequest(campaign.ID, true))
		require.NoError(t, err)
		require.Equal(t, "running", snap.Status)

		h := env.launcher.last()
		h.progress(20, 100)
		h.progress(40, 100)
		require.Eventually(t, func() bool {
			s, _ := env.orch.Get(ctx, snap.ID)
			return s != nil && s.ProcessedItems == 40
		}, 2*time.Second, 5*time.Millisecond)

		cancelled, err := env.orch.Cancel(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, "cancelled", cancelled.Status)
		_, _, terminates := h.counts()
		assert.Equal(t, 1, terminates)

		// the in-flight batch lands after the cancel
		h.progress(60, 100)
		h.exit(businessflow.ExitCodeTerminated, nil)

		// the lock is released once the worker is gone
		require.Eventually(t, func() bool {
			ok, _ := locker.Acquire(ctx, campaign.ID, "other")
			return ok
		}, 2*time.Second, 5*time.Millisecond)

		final, err := env.orch.Get(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, "cancelled", final.Status)
		assert.Equal(t, 40, final.ProcessedItems)
		assert.Nil(t, final.ExitCode)
	})

	t.Run("PauseAndResumeDriveTheWorker", func(t *testing.T) {
		env := newOrchestratorEnv(t, testingutil.NewMemoryStore(), services.NewMemoryCampaignLocker(), "a")
		snap, err := env.orch.CreateJob(ctx, singleSendRequest(true))
		require.NoError(t, err)
		h := env.launcher.last()

		paused, err := env.orch.Pause(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, "paused", paused.Status)

		resumed, err := env.orch.Resume(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, "running", resumed.Status)

		pauses, resumes, _ := h.counts()
		assert.Equal(t, 1, pauses)
		assert.Equal(t, 1, resumes)
		assert.Equal(t, 1, env.launcher.launches())

		h.exit(businessflow.ExitCodeOK, nil)
		env.waitStatus(t, snap.ID, "completed")
	})

	t.Run("ExitWhilePausedCompletes", func(t *testing.T) {
		env := newOrchestratorEnv(t, testingutil.NewMemoryStore(), services.NewMemoryCampaignLocker(), "a")
		snap, err := env.orch.CreateJob(ctx, singleSendRequest(true))
		require.NoError(t, err)
		_, err = env.orch.Pause(ctx, snap.ID)
		require.NoError(t, err)

		env.launcher.last().exit(businessflow.ExitCodeOK, nil)
		env.waitStatus(t, snap.ID, "completed")
	})
}

func TestJobOrchestratorFailures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		drive    func(h *fakeHandle)
		wantCode int
		wantMsg  string
	}{
		{
			name:     "ExitCodeAndReason",
			drive:    func(h *fakeHandle) { h.exit(businessflow.ExitCodeNoAccounts, businessflow.ErrNoAccountAvailable) },
			wantCode: businessflow.ExitCodeNoAccounts,
			wantMsg:  "worker exited with code 4: no sender account available",
		},
		{
			name:     "ChannelClosedWithoutExit",
			drive:    func(h *fakeHandle) { h.close() },
			wantCode: businessflow.ExitCodeInternal,
			wantMsg:  "worker exited with code 1: worker stopped without reporting an exit",
		},
		{
			name:     "ErrorWithZeroExit",
			drive:    func(h *fakeHandle) { h.exit(businessflow.ExitCodeOK, errors.New("send log write failed")) },
			wantCode: businessflow.ExitCodeInternal,
			wantMsg:  "worker exited with code 1: send log write failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newOrchestratorEnv(t, testingutil.NewMemoryStore(), services.NewMemoryCampaignLocker(), "a")
			snap, err := env.orch.CreateJob(ctx, singleSendRequest(true))
			require.NoError(t, err)

			tt.drive(env.launcher.last())

			final := env.waitStatus(t, snap.ID, "failed")
			require.NotNil(t, final.ExitCode)
			assert.Equal(t, tt.wantCode, *final.ExitCode)
			require.NotNil(t, final.ErrorMessage)
			assert.Equal(t, tt.wantMsg, *final.ErrorMessage)
		})
	}

	t.Run("LaunchErrorFailsTheJob", func(t *testing.T) {
		store := testingutil.NewMemoryStore()
		locker := services.NewMemoryCampaignLocker()
		env := newOrchestratorEnv(t, store, locker, "a")
		env.launcher.err = errors.New("boom")
		campaign := saveCampaign(t, store)

		_, err := env.orch.CreateJob(ctx, campaignRequest(campaign.ID, true))
		require.Error(t, err)

		jobs, err := store.Jobs().ByFilter(ctx, models.JobFilter{}, "", 0, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, models.JobStatusFailed, jobs[0].Status)
		require.NotNil(t, jobs[0].ErrorMessage)
		assert.Contains(t, *jobs[0].ErrorMessage, "failed to launch worker: boom")

		ok, err := locker.Acquire(ctx, campaign.ID, "other")
		require.NoError(t, err)
		assert.True(t, ok, "lock released after a failed launch")
	})
}

func TestJobOrchestratorGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("OneActiveJobPerCampaign", func(t *testing.T) {
		store := testingutil.NewMemoryStore()
		env := newOrchestratorEnv(t, store, services.NewMemoryCampaignLocker(), "a")
		campaign := saveCampaign(t, store)

		first, err := env.orch.CreateJob(ctx, campaignRequest(campaign.ID, false))
		require.NoError(t, err)

		_, err = env.orch.CreateJob(ctx, &dto.CreateJobRequest{
			Type:   string(models.JobTypeQueueCampaign),
			Params: json.RawMessage(fmt.Sprintf(`{"campaign_id":%d}`, campaign.ID)),
		})
		assert.True(t, businessflow.IsCampaignAlreadyRunning(err))

		_, err = env.orch.Cancel(ctx, first.ID)
		require.NoError(t, err)

		_, err = env.orch.CreateJob(ctx, campaignRequest(campaign.ID, false))
		assert.NoError(t, err)
	})

	t.Run("LockHeldElsewhereRejectsStart", func(t *testing.T) {
		store := testingutil.NewMemoryStore()
		locker := services.NewMemoryCampaignLocker()
		env := newOrchestratorEnv(t, store, locker, "a")
		campaign := saveCampaign(t, store)

		ok, err := locker.Acquire(ctx, campaign.ID, "b:99")
		require.NoError(t, err)
		require.True(t, ok)

		snap, err := env.orch.CreateJob(ctx, campaignRequest(campaign.ID, false))
		require.NoError(t, err)
		_, err = env.orch.Start(ctx, snap.ID)
		assert.ErrorIs(t, err, businessflow.ErrCampaignAlreadyRunning)

		got, err := env.orch.Get(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, "pending", got.Status)
	})

	t.Run("CampaignChecks", func(t *testing.T) {
		store := testingutil.NewMemoryStore()
		env := newOrchestratorEnv(t, store, services.NewMemoryCampaignLocker(), "a")

		_, err := env.orch.CreateJob(ctx, campaignRequest(404, false))
		assert.ErrorIs(t, err, businessflow.ErrCampaignNotFound)

		campaign := saveCampaign(t, store)
		ok, err := store.Campaigns().Archive(ctx, campaign.ID, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		_, err = env.orch.CreateJob(ctx, campaignRequest(campaign.ID, false))
		assert.ErrorIs(t, err, businessflow.ErrCampaignArchived)
	})

	t.Run("InvalidRequests", func(t *testing.T) {
		env := newOrchestratorEnv(t, testingutil.NewMemoryStore(), services.NewMemoryCampaignLocker(), "a")

		tests := []struct {
			name string
			req  *dto.CreateJobRequest
			code string
		}{
			{"UnknownType", &dto.CreateJobRequest{Type: "send-fax", Params: json.RawMessage(`{}`)}, "INVALID_JOB_TYPE"},
			{"UnknownField", &dto.CreateJobRequest{Type: "send-single", Params: json.RawMessage(`{"to":"a@example.com","subject":"s","body":"b","cc":"x"}`)}, "INVALID_JOB_PARAMS"},
			{"BadEmail", &dto.CreateJobRequest{Type: "send-single", Params: json.RawMessage(`{"to":"nope","subject":"s","body":"b"}`)}, "INVALID_JOB_PARAMS"},
			{"MissingCampaign", &dto.CreateJobRequest{Type: "queue-campaign", Params: json.RawMessage(`{}`)}, "INVALID_JOB_PARAMS"},
			{"CountTooLarge", &dto.CreateJobRequest{Type: "generate-users", Params: json.RawMessage(`{"list_id":1,"count":100001}`)}, "INVALID_JOB_PARAMS"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := env.orch.CreateJob(ctx, tt.req)
				var bizErr *businessflow.BusinessError
				require.ErrorAs(t, err, &bizErr)
				assert.Equal(t, tt.code, bizErr.Code)
			})
		}
	})

	t.Run("InvalidTransitions", func(t *testing.T) {
		env := newOrchestratorEnv(t, testingutil.NewMemoryStore(), services.NewMemoryCampaignLocker(), "a")
		pending, err := env.orch.CreateJob(ctx, singleSendRequest(false))
		require.NoError(t, err)

		_, err = env.orch.Pause(ctx, pending.ID)
		assert.True(t, businessflow.IsInvalidTransition(err))
		_, err = env.orch.Resume(ctx, pending.ID)
		assert.True(t, businessflow.IsInvalidTransition(err))
		assert.ErrorIs(t, env.orch.Delete(ctx, pending.ID), businessflow.ErrJobStillActive)

		_, err = env.orch.Start(ctx, pending.ID)
		require.NoError(t, err)
		_, err = env.orch.Start(ctx, pending.ID)
		assert.True(t, businessflow.IsInvalidTransition(err))
		_, err = env.orch.Resume(ctx, pending.ID)
		assert.True(t, businessflow.IsInvalidTransition(err))

		env.launcher.last().exit(businessflow.ExitCodeOK, nil)
		env.waitStatus(t, pending.ID, "completed")

		_, err = env.orch.Cancel(ctx, pending.ID)
		assert.True(t, businessflow.IsInvalidTransition(err))

		require.NoError(t, env.orch.Delete(ctx, pending.ID))
		_, err = env.orch.Get(ctx, pending.ID)
		assert.True(t, businessflow.IsJobNotFound(err))
	})
}

func TestJobOrchestratorSubscribe(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t, testingutil.NewMemoryStore(), services.NewMemoryCampaignLocker(), "a")

	snap, err := env.orch.CreateJob(ctx, singleSendRequest(true))
	require.NoError(t, err)

	current, sub, err := env.orch.Subscribe(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", current.Status)

	h := env.launcher.last()
	h.progress(1, 1)
	h.exit(businessflow.ExitCodeOK, nil)

	var last dto.JobSnapshot
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case s, ok := <-sub.C():
			if !ok {
				done = true
				continue
			}
			last = s
		case <-timeout:
			t.Fatal("subscription was not closed")
		}
	}
	assert.Equal(t, "completed", last.Status)

	// a finished job hands back an already closed subscription
	current, sub, err = env.orch.Subscribe(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", current.Status)
	_, ok := <-sub.C()
	assert.False(t, ok)

	_, _, err = env.orch.Subscribe(ctx, 9999)
	assert.True(t, businessflow.IsJobNotFound(err))
}

func TestJobOrchestratorStats(t *testing.T) {
	ctx := context.Background()
	store := testingutil.NewMemoryStore()
	env := newOrchestratorEnv(t, store, services.NewMemoryCampaignLocker(), "a")

	snap, err := env.orch.CreateJob(ctx, singleSendRequest(false))
	require.NoError(t, err)
	jobID := snap.ID

	var logs []*models.SendLogEntry
	for i := range 4 {
		logs = append(logs, &models.SendLogEntry{JobID: &jobID, Email: fmt.Sprintf("r%d@example.com", i), Status: models.SendStatusSent})
	}
	logs = append(logs, &models.SendLogEntry{JobID: &jobID, Email: "bad@example.com", Status: models.SendStatusFailed})
	require.NoError(t, store.SendLogs().SaveBatch(ctx, logs))

	for range 2 {
		require.NoError(t, store.Tracking().SaveClick(ctx, &models.ClickEvent{MessageID: 1, JobID: &jobID, Email: "r0@example.com", URL: "https://example.com"}))
	}
	require.NoError(t, store.Tracking().SaveOpen(ctx, &models.OpenEvent{MessageID: 1, JobID: &jobID, Email: "r0@example.com"}))

	stats, err := env.orch.Stats(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Sent)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(2), stats.Clicks)
	assert.Equal(t, int64(1), stats.UniqueClickers)
	assert.Equal(t, int64(1), stats.Opens)
	assert.InDelta(t, 0.25, stats.ClickThroughRate, 1e-9)
}

func TestJobOrchestratorShutdown(t *testing.T) {
	ctx := context.Background()
	store := testingutil.NewMemoryStore()
	locker := services.NewMemoryCampaignLocker()
	first := newOrchestratorEnv(t, store, locker, "a")
	campaign := saveCampaign(t, store)

	snap, err := first.orch.CreateJob(ctx, campaignRequest(campaign.ID, true))
	require.NoError(t, err)
	h := first.launcher.last()
	h.progress(10, 50)

	done := make(chan error, 1)
	go func() { done <- first.orch.Shutdown(ctx) }()

	require.Eventually(t, func() bool {
		_, _, terminates := h.counts()
		return terminates == 1
	}, 2*time.Second, 5*time.Millisecond)
	h.exit(businessflow.ExitCodeTerminated, nil)
	require.NoError(t, <-done)

	parked, err := first.orch.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "paused", parked.Status)
	assert.Nil(t, parked.ErrorMessage)
	stored, err := store.Jobs().ByID(ctx, snap.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.HeartbeatAt, "a parked job holds no lease")

	t.Run("ResumeWhileLockHeldElsewhereStaysPaused", func(t *testing.T) {
		other := newOrchestratorEnv(t, store, locker, "c")
		ok, err := locker.Acquire(ctx, campaign.ID, "z:1")
		require.NoError(t, err)
		require.True(t, ok)

		_, err = other.orch.Resume(ctx, snap.ID)
		assert.ErrorIs(t, err, businessflow.ErrCampaignAlreadyRunning)
		assert.Zero(t, other.launcher.launches())

		got, err := other.orch.Get(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, "paused", got.Status)
		require.NoError(t, locker.Release(ctx, campaign.ID, "z:1"))
	})

	t.Run("ResumeRelaunchesOnAnotherInstance", func(t *testing.T) {
		second := newOrchestratorEnv(t, store, locker, "b")
		resumed, err := second.orch.Resume(ctx, snap.ID)
		require.NoError(t, err)
		assert.Equal(t, "running", resumed.Status)
		require.Equal(t, 1, second.launcher.launches())

		second.launcher.last().exit(businessflow.ExitCodeOK, nil)
		second.waitStatus(t, snap.ID, "completed")
	})
}

// orphanedJob stores a running campaign job whose last heartbeat is age old,
// as left behind by an instance that died mid-run
func orphanedJob(t *testing.T, store *testingutil.MemoryStore, campaign *models.Campaign, age time.Duration) *models.Job {
	t.Helper()
	ctx := context.Background()
	started := time.Now().UTC().Add(-age)
	job := &models.Job{
		UUID:           uuid.New(),
		Type:           models.JobTypeSendCampaignAPI,
		Status:         models.JobStatusRunning,
		Params:         json.RawMessage(fmt.Sprintf(`{"campaign_id":%d}`, campaign.ID)),
		CampaignID:     &campaign.ID,
		ProcessedItems: 40,
		TotalItems:     100,
		StartedAt:      &started,
	}
	require.NoError(t, store.Jobs().Save(ctx, job))
	ok, err := store.Jobs().Heartbeat(ctx, job.ID, started)
	require.NoError(t, err)
	require.True(t, ok)
	return job
}

func TestJobOrchestratorRecovery(t *testing.T) {
	ctx := context.Background()
	cfg := config.DispatchConfig{CampaignLockTTL: time.Minute, JobLeaseTTL: time.Second}

	t.Run("RecoverStaleJobsParksExpiredLeases", func(t *testing.T) {
		store := testingutil.NewMemoryStore()
		env := newOrchestratorEnvWithConfig(t, store, services.NewMemoryCampaignLocker(), "b", cfg)
		stale := orphanedJob(t, store, saveCampaign(t, store), time.Minute)
		fresh := orphanedJob(t, store, saveCampaign(t, store), 0)

		n, err := env.orch.RecoverStaleJobs(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := store.Jobs().ByID(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPaused, got.Status)
		assert.Nil(t, got.HeartbeatAt)
		assert.Equal(t, 40, got.ProcessedItems, "progress survives recovery")

		live, err := store.Jobs().ByID(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, live.Status, "a live lease is left alone")

		n, err = env.orch.RecoverStaleJobs(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Zero(t, env.launcher.launches())

		resumed, err := env.orch.Resume(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, "running", resumed.Status)
		assert.Equal(t, 1, env.launcher.launches())
		env.launcher.last().exit(businessflow.ExitCodeOK, nil)
		env.waitStatus(t, stale.ID, "completed")
	})

	t.Run("ResumeRecoversAnOrphanDirectly", func(t *testing.T) {
		store := testingutil.NewMemoryStore()
		env := newOrchestratorEnvWithConfig(t, store, services.NewMemoryCampaignLocker(), "b", cfg)
		job := orphanedJob(t, store, saveCampaign(t, store), time.Minute)

		resumed, err := env.orch.Resume(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "running", resumed.Status)
		require.Equal(t, 1, env.launcher.launches())

		// the orphan no longer blocks its campaign once it finishes
		env.launcher.last().exit(businessflow.ExitCodeOK, nil)
		env.waitStatus(t, job.ID, "completed")
		_, err = env.orch.CreateJob(ctx, campaignRequest(*job.CampaignID, false))
		assert.NoError(t, err)
	})

	t.Run("LiveLeaseIsNotRecovered", func(t *testing.T) {
		store := testingutil.NewMemoryStore()
		env := newOrchestratorEnvWithConfig(t, store, services.NewMemoryCampaignLocker(), "b", cfg)
		job := orphanedJob(t, store, saveCampaign(t, store), 0)

		_, err := env.orch.Resume(ctx, job.ID)
		assert.True(t, businessflow.IsInvalidTransition(err))
		assert.Zero(t, env.launcher.launches())
	})

	t.Run("AutoResumeRelaunches", func(t *testing.T) {
		store := testingutil.NewMemoryStore()
		auto := cfg
		auto.ResumeRecoveredJobs = true
		env := newOrchestratorEnvWithConfig(t, store, services.NewMemoryCampaignLocker(), "b", auto)
		job := orphanedJob(t, store, saveCampaign(t, store), time.Minute)

		n, err := env.orch.RecoverStaleJobs(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.Equal(t, 1, env.launcher.launches())

		got, err := store.Jobs().ByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, got.Status)
		assert.NotNil(t, got.HeartbeatAt)
		env.launcher.last().exit(businessflow.ExitCodeOK, nil)
		env.waitStatus(t, job.ID, "completed")
	})

	t.Run("DeadOwnerStillHoldingTheLockLeavesItPaused", func(t *testing.T) {
		store := testingutil.NewMemoryStore()
		locker := services.NewMemoryCampaignLocker()
		env := newOrchestratorEnvWithConfig(t, store, locker, "b", cfg)
		campaign := saveCampaign(t, store)
		job := orphanedJob(t, store, campaign, time.Minute)
		ok, err := locker.Acquire(ctx, campaign.ID, "a:1")
		require.NoError(t, err)
		require.True(t, ok)

		_, err = env.orch.Resume(ctx, job.ID)
		assert.ErrorIs(t, err, businessflow.ErrCampaignAlreadyRunning)
		assert.Zero(t, env.launcher.launches())

		got, err := store.Jobs().ByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPaused, got.Status, "retried once the lock expires")
	})

	t.Run("PausedElsewhereWithLiveLeaseIsStoreOnly", func(t *testing.T) {
		store := testingutil.NewMemoryStore()
		env := newOrchestratorEnvWithConfig(t, store, services.NewMemoryCampaignLocker(), "b", config.DispatchConfig{JobLeaseTTL: time.Minute})
		job := orphanedJob(t, store, saveCampaign(t, store), 0)
		ok, err := store.Jobs().Transition(ctx, job.ID, []models.JobStatus{models.JobStatusRunning}, models.JobStatusPaused, models.JobUpdate{})
		require.NoError(t, err)
		require.True(t, ok)

		resumed, err := env.orch.Resume(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "running", resumed.Status)
		assert.Zero(t, env.launcher.launches(), "the owning instance resumes its own worker")
	})
}
