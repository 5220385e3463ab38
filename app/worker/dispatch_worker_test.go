package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/app/worker"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	testingutil "github.com/amirphl/orochi-dispatch/testing"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trackingBase = "https://t.example.com"

type dispatchEnv struct {
	store    *testingutil.MemoryStore
	fx       *testingutil.TestFixtures
	api      *services.MockEmailProvider
	smtp     *services.MockEmailProvider
	deps     worker.Deps
	launcher *worker.DispatchLauncher
}

func newDispatchEnv(t *testing.T, cfg config.DispatchConfig) *dispatchEnv {
	t.Helper()
	store := testingutil.NewMemoryStore()
	env := &dispatchEnv{
		store: store,
		fx:    testingutil.NewTestFixtures(7),
		api:   services.NewMockEmailProvider("api"),
		smtp:  services.NewMockEmailProvider("smtp"),
	}
	env.deps = worker.Deps{
		Jobs:       store.Jobs(),
		Campaigns:  store.Campaigns(),
		Accounts:   store.Accounts(),
		Recipients: store.Recipients(),
		Messages:   store.Messages(),
		SendLogs:   store.SendLogs(),
		Cursors:    store.Cursors(),
		Transactor: store.Transactor(),
		Filter:     businessflow.NewRecipientFilterFlow(store.Recipients(), store.Exclusions(), zerolog.Nop()),
		Registry: businessflow.NewAccountRegistry(store.Accounts(),
			config.DispatchConfig{SelectTimeout: time.Second},
			config.QuotaConfig{WarmupStages: []int{20, 50}, WarmupStageInterval: 24 * time.Hour},
			zerolog.Nop()),
		Personalizer: businessflow.NewPersonalizer(config.TrackingConfig{BaseURL: trackingBase}),
		Providers:    services.Providers{API: env.api, SMTP: env.smtp},
	}
	if cfg.PausePollInterval == 0 {
		cfg.PausePollInterval = 10 * time.Millisecond
	}
	env.launcher = worker.NewDispatchLauncher(env.deps, cfg, zerolog.Nop())
	return env
}

func (e *dispatchEnv) recipients(t *testing.T, listID uint, n int) []*models.Recipient {
	t.Helper()
	rows := e.fx.Recipients(listID, n)
	require.NoError(t, e.store.Recipients().SaveBatch(context.Background(), rows))
	return rows
}

func (e *dispatchEnv) account(t *testing.T, status models.SenderAccountStatus, limit int) *models.SenderAccount {
	t.Helper()
	acc := e.fx.SenderAccount(status, limit)
	require.NoError(t, e.store.Accounts().Save(context.Background(), acc))
	return acc
}

func (e *dispatchEnv) campaign(t *testing.T, mutate func(*models.Campaign)) *models.Campaign {
	t.Helper()
	c := e.fx.Campaign(1)
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, e.store.Campaigns().Save(context.Background(), c))
	return c
}

func (e *dispatchEnv) job(t *testing.T, jobType models.JobType, params any, campaignID *uint) *models.Job {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	j := &models.Job{
		UUID:       uuid.New(),
		Type:       jobType,
		Status:     models.JobStatusRunning,
		Params:     raw,
		CampaignID: campaignID,
	}
	require.NoError(t, e.store.Jobs().Save(context.Background(), j))
	return j
}

func (e *dispatchEnv) campaignJob(t *testing.T, jobType models.JobType, c *models.Campaign) *models.Job {
	t.Helper()
	return e.job(t, jobType, models.CampaignJobParams{CampaignID: c.ID}, &c.ID)
}

func (e *dispatchEnv) transition(t *testing.T, jobID uint, from, to models.JobStatus) {
	t.Helper()
	ok, err := e.store.Jobs().Transition(context.Background(), jobID, []models.JobStatus{from}, to, models.JobUpdate{})
	require.NoError(t, err)
	require.True(t, ok)
}

// drain collects events until the worker closes its channel
func drain(t *testing.T, h businessflow.WorkerHandle) []businessflow.WorkerEvent {
	t.Helper()
	var events []businessflow.WorkerEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("worker did not exit")
			return events
		}
	}
}

type outcome struct {
	exitCode int
	err      error
	last     businessflow.WorkerEvent
}

func summarize(t *testing.T, events []businessflow.WorkerEvent) outcome {
	t.Helper()
	require.NotEmpty(t, events)
	exit := events[len(events)-1]
	require.Equal(t, businessflow.WorkerEventExit, exit.Type, "exit is the last event")

	out := outcome{exitCode: exit.ExitCode}
	lastProcessed := -1
	for _, ev := range events {
		switch ev.Type {
		case businessflow.WorkerEventError:
			out.err = ev.Err
		case businessflow.WorkerEventProgress:
			assert.GreaterOrEqual(t, ev.Processed, lastProcessed, "progress is monotonic")
			lastProcessed = ev.Processed
			out.last = ev
		}
	}
	return out
}

func (e *dispatchEnv) run(t *testing.T, job *models.Job) outcome {
	t.Helper()
	h, err := e.launcher.Launch(context.Background(), job)
	require.NoError(t, err)
	return summarize(t, drain(t, h))
}

func TestDispatch_CampaignDeliversToEligibleRecipients(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{SendTimeout: time.Second, MaxReselectAttempts: 3})
	rows := env.recipients(t, 1, 5)
	env.store.Blacklist(rows[0].Email)
	env.account(t, models.SenderAccountStatusActive, 100)
	env.account(t, models.SenderAccountStatusActive, 100)
	c := env.campaign(t, func(c *models.Campaign) { c.BatchSize = 2 })
	job := env.campaignJob(t, models.JobTypeSendCampaignAPI, c)

	out := env.run(t, job)
	require.Equal(t, businessflow.ExitCodeOK, out.exitCode)
	assert.NoError(t, out.err)
	assert.Equal(t, 4, out.last.Processed)
	assert.Equal(t, 4, out.last.Total)

	sent := env.api.Sent()
	require.Len(t, sent, 4)
	assert.Empty(t, env.smtp.Sent())
	for _, s := range sent {
		assert.NotEqual(t, rows[0].Email, s.Message.To, "blacklisted address never reaches the provider")
		assert.NotContains(t, s.Message.Subject, "{{")
		assert.Contains(t, s.Message.HTMLBody, trackingBase+"/t/c/")
		assert.Contains(t, s.Message.HTMLBody, trackingBase+"/t/o/")
		assert.Contains(t, s.Message.Headers["List-Unsubscribe"], trackingBase+"/t/u/")
		assert.Equal(t, c.FromName, s.Message.FromName)
	}

	logs := env.store.SendLogEntries()
	require.Len(t, logs, 4)
	for _, l := range logs {
		assert.Equal(t, models.SendStatusSent, l.Status)
		assert.Equal(t, job.ID, *l.JobID)
		assert.NotNil(t, l.MessageID)
	}

	msgs := env.store.AllMessages()
	require.Len(t, msgs, 4)
	for _, m := range msgs {
		assert.Equal(t, models.MessageStatusSent, m.Status)
		assert.NotEqual(t, uuid.Nil, m.Token)
	}

	cursor, err := env.store.Cursors().ByJobID(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, 4, cursor.Position)
	assert.Len(t, cursor.RecipientIDs, 4)
	assert.Contains(t, string(cursor.Exclusions), `"blacklisted":1`)
}

func TestDispatch_SMTPJobUsesSMTPProvider(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{})
	env.recipients(t, 1, 3)
	env.account(t, models.SenderAccountStatusActive, 100)
	c := env.campaign(t, nil)

	out := env.run(t, env.campaignJob(t, models.JobTypeSendCampaignSMTP, c))
	require.Equal(t, businessflow.ExitCodeOK, out.exitCode)
	assert.Len(t, env.smtp.Sent(), 3)
	assert.Empty(t, env.api.Sent())
}

func TestDispatch_RejectedDeliveryIsLoggedAndSkipped(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{})
	rows := env.recipients(t, 1, 3)
	env.account(t, models.SenderAccountStatusActive, 100)
	env.api.FailFor(rows[1].Email, &services.DeliveryError{Code: "550", Permanent: true, Err: errors.New("mailbox unavailable")})
	c := env.campaign(t, nil)

	out := env.run(t, env.campaignJob(t, models.JobTypeSendCampaignAPI, c))
	require.Equal(t, businessflow.ExitCodeOK, out.exitCode)
	assert.Len(t, env.api.Sent(), 2)

	var failed []models.SendLogEntry
	for _, l := range env.store.SendLogEntries() {
		if l.Status == models.SendStatusFailed {
			failed = append(failed, l)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, rows[1].Email, failed[0].Email)
	assert.True(t, failed[0].Permanent)
	assert.Equal(t, "550", utils.DerefString(failed[0].ErrorCode))
}

func TestDispatch_ExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, env *dispatchEnv) *models.Job
		wantCode int
		wantErr  func(error) bool
	}{
		{
			name: "no eligible recipients",
			setup: func(t *testing.T, env *dispatchEnv) *models.Job {
				rows := env.recipients(t, 1, 2)
				env.store.Blacklist(rows[0].Email, rows[1].Email)
				env.account(t, models.SenderAccountStatusActive, 100)
				return env.campaignJob(t, models.JobTypeSendCampaignAPI, env.campaign(t, nil))
			},
			wantCode: businessflow.ExitCodeNoRecipients,
			wantErr:  businessflow.IsNoRecipients,
		},
		{
			name: "no sender account",
			setup: func(t *testing.T, env *dispatchEnv) *models.Job {
				env.recipients(t, 1, 2)
				env.account(t, models.SenderAccountStatusSuspended, 100)
				return env.campaignJob(t, models.JobTypeSendCampaignAPI, env.campaign(t, nil))
			},
			wantCode: businessflow.ExitCodeNoAccounts,
			wantErr:  businessflow.IsNoAccountAvailable,
		},
		{
			name: "unknown placeholder",
			setup: func(t *testing.T, env *dispatchEnv) *models.Job {
				env.recipients(t, 1, 2)
				env.account(t, models.SenderAccountStatusActive, 100)
				c := env.campaign(t, func(c *models.Campaign) { c.Body = "<p>Hi {{nickname}}</p>" })
				return env.campaignJob(t, models.JobTypeSendCampaignAPI, c)
			},
			wantCode: businessflow.ExitCodeInvalidParams,
			wantErr:  businessflow.IsInvalidContent,
		},
		{
			name: "archived campaign",
			setup: func(t *testing.T, env *dispatchEnv) *models.Job {
				env.recipients(t, 1, 2)
				c := env.campaign(t, func(c *models.Campaign) { c.ArchivedAt = utils.UTCNowPtr() })
				return env.campaignJob(t, models.JobTypeSendCampaignAPI, c)
			},
			wantCode: businessflow.ExitCodeInvalidParams,
			wantErr:  businessflow.IsCampaignArchived,
		},
		{
			name: "malformed params",
			setup: func(t *testing.T, env *dispatchEnv) *models.Job {
				return env.job(t, models.JobTypeSendCampaignAPI, map[string]any{"campaign": "x"}, nil)
			},
			wantCode: businessflow.ExitCodeInvalidParams,
			wantErr:  businessflow.IsInvalidJobParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newDispatchEnv(t, config.DispatchConfig{})
			out := env.run(t, tt.setup(t, env))
			assert.Equal(t, tt.wantCode, out.exitCode)
			require.Error(t, out.err)
			assert.True(t, tt.wantErr(out.err), "unexpected error: %v", out.err)
			assert.Empty(t, env.api.Sent())
		})
	}
}

func TestDispatch_StopsWhenAccountsRunOutMidRun(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{MaxReselectAttempts: 2})
	env.recipients(t, 1, 5)
	acc := env.account(t, models.SenderAccountStatusActive, 2)
	job := env.campaignJob(t, models.JobTypeSendCampaignAPI, env.campaign(t, nil))

	out := env.run(t, job)
	assert.Equal(t, businessflow.ExitCodeNoAccounts, out.exitCode)
	assert.True(t, businessflow.IsNoAccountAvailable(out.err))
	assert.Len(t, env.api.Sent(), 2)
	assert.Len(t, env.store.SendLogEntries(), 2, "partial batch logs are kept")

	cursor, err := env.store.Cursors().ByJobID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cursor.Position)

	stored, err := env.store.Accounts().ByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SenderAccountStatusPausedLimitReached, stored.Status)
	assert.Equal(t, 2, stored.SentToday)
}

func TestDispatch_ResumesFromCursor(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{})
	rows := env.recipients(t, 1, 5)
	env.account(t, models.SenderAccountStatusActive, 100)
	job := env.campaignJob(t, models.JobTypeSendCampaignAPI, env.campaign(t, nil))

	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, int64(r.ID))
	}
	require.NoError(t, env.store.Cursors().Save(context.Background(), &models.DispatchCursor{
		JobID: job.ID, RecipientIDs: ids, Position: 3, Exclusions: json.RawMessage(`{}`),
	}))

	out := env.run(t, job)
	require.Equal(t, businessflow.ExitCodeOK, out.exitCode)
	sent := env.api.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, rows[3].Email, sent[0].Message.To)
	assert.Equal(t, rows[4].Email, sent[1].Message.To)
	assert.Equal(t, 5, out.last.Processed)
}

func TestDispatch_SkipsRecipientsFlaggedAfterResolution(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{})
	rows := env.recipients(t, 1, 3)
	env.account(t, models.SenderAccountStatusActive, 100)
	job := env.campaignJob(t, models.JobTypeSendCampaignAPI, env.campaign(t, nil))

	ids := []int64{int64(rows[0].ID), int64(rows[1].ID), int64(rows[2].ID)}
	require.NoError(t, env.store.Cursors().Save(context.Background(), &models.DispatchCursor{JobID: job.ID, RecipientIDs: ids}))
	_, err := env.store.Recipients().MarkUnsubscribed(context.Background(), rows[1].Email)
	require.NoError(t, err)

	out := env.run(t, job)
	require.Equal(t, businessflow.ExitCodeOK, out.exitCode)
	for _, s := range env.api.Sent() {
		assert.NotEqual(t, rows[1].Email, s.Message.To)
	}
	assert.Len(t, env.api.Sent(), 2)
}

// pauseOnFirstSend runs fn once, from inside the first accepted send
func pauseOnFirstSend(p *services.MockEmailProvider, fn func()) chan<- struct{} {
	ready := make(chan struct{})
	var once sync.Once
	p.OnSend(func(services.MockEmail) {
		once.Do(func() {
			<-ready
			fn()
		})
	})
	return ready
}

func TestDispatch_PauseAndStoreDrivenResume(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{})
	env.recipients(t, 1, 4)
	env.account(t, models.SenderAccountStatusActive, 100)
	job := env.campaignJob(t, models.JobTypeSendCampaignAPI, env.campaign(t, func(c *models.Campaign) { c.BatchSize = 1 }))

	var h businessflow.WorkerHandle
	paused := make(chan struct{})
	ready := pauseOnFirstSend(env.api, func() {
		env.transition(t, job.ID, models.JobStatusRunning, models.JobStatusPaused)
		h.Pause()
		close(paused)
	})

	h, err := env.launcher.Launch(context.Background(), job)
	require.NoError(t, err)
	close(ready)
	<-paused

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, env.api.Sent(), 1, "no sends while paused")

	// another instance resumes the job; the worker sees it on its next poll
	env.transition(t, job.ID, models.JobStatusPaused, models.JobStatusRunning)

	out := summarize(t, drain(t, h))
	assert.Equal(t, businessflow.ExitCodeOK, out.exitCode)
	assert.Len(t, env.api.Sent(), 4)
}

func TestDispatch_TerminateWhilePaused(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{})
	env.recipients(t, 1, 4)
	env.account(t, models.SenderAccountStatusActive, 100)
	job := env.campaignJob(t, models.JobTypeSendCampaignAPI, env.campaign(t, func(c *models.Campaign) { c.BatchSize = 1 }))

	var h businessflow.WorkerHandle
	paused := make(chan struct{})
	ready := pauseOnFirstSend(env.api, func() {
		env.transition(t, job.ID, models.JobStatusRunning, models.JobStatusPaused)
		h.Pause()
		close(paused)
	})

	h, err := env.launcher.Launch(context.Background(), job)
	require.NoError(t, err)
	close(ready)
	<-paused
	h.Terminate()

	out := summarize(t, drain(t, h))
	assert.Equal(t, businessflow.ExitCodeTerminated, out.exitCode)
	assert.NoError(t, out.err, "termination is not reported as an error")
	assert.Len(t, env.api.Sent(), 1)

	cursor, err := env.store.Cursors().ByJobID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cursor.Position)
}

func TestDispatch_CancelledElsewhereStopsBetweenBatches(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{})
	env.recipients(t, 1, 4)
	env.account(t, models.SenderAccountStatusActive, 100)
	job := env.campaignJob(t, models.JobTypeSendCampaignAPI, env.campaign(t, func(c *models.Campaign) { c.BatchSize = 1 }))

	ready := pauseOnFirstSend(env.api, func() {
		env.transition(t, job.ID, models.JobStatusRunning, models.JobStatusCancelled)
	})
	h, err := env.launcher.Launch(context.Background(), job)
	require.NoError(t, err)
	close(ready)

	out := summarize(t, drain(t, h))
	assert.Equal(t, businessflow.ExitCodeTerminated, out.exitCode)
	assert.NoError(t, out.err)
	assert.Len(t, env.api.Sent(), 1)
}

func TestDispatch_SendSingle(t *testing.T) {
	t.Run("explicit account", func(t *testing.T) {
		env := newDispatchEnv(t, config.DispatchConfig{})
		acc := env.account(t, models.SenderAccountStatusActive, 10)
		job := env.job(t, models.JobTypeSendSingle, models.SingleSendParams{
			To: "Reader@Example.com", Subject: "Hello", Body: "Plain text body", AccountID: &acc.ID,
		}, nil)

		out := env.run(t, job)
		require.Equal(t, businessflow.ExitCodeOK, out.exitCode)
		sent := env.api.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "reader@example.com", sent[0].Message.To)
		assert.Equal(t, "Plain text body", sent[0].Message.TextBody)
		assert.Empty(t, sent[0].Message.HTMLBody)
		assert.Equal(t, acc.ID, sent[0].AccountID)

		stored, err := env.store.Accounts().ByID(context.Background(), acc.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.SentToday)
		assert.Len(t, env.store.SendLogEntries(), 1)
	})

	t.Run("rejected delivery fails the job", func(t *testing.T) {
		env := newDispatchEnv(t, config.DispatchConfig{})
		env.account(t, models.SenderAccountStatusActive, 10)
		env.api.FailFor("reader@example.com", &services.DeliveryError{Code: "550", Permanent: true, Err: errors.New("no such user")})
		job := env.job(t, models.JobTypeSendSingle, models.SingleSendParams{
			To: "reader@example.com", Subject: "Hello", Body: "Body",
		}, nil)

		out := env.run(t, job)
		assert.Equal(t, businessflow.ExitCodeInternal, out.exitCode)
		require.Error(t, out.err)
		assert.Contains(t, out.err.Error(), "delivery to reader@example.com failed")
		logs := env.store.SendLogEntries()
		require.Len(t, logs, 1)
		assert.Equal(t, models.SendStatusFailed, logs[0].Status)
	})

	t.Run("pinned account that cannot send", func(t *testing.T) {
		env := newDispatchEnv(t, config.DispatchConfig{})
		acc := env.account(t, models.SenderAccountStatusSuspended, 10)
		job := env.job(t, models.JobTypeSendSingle, models.SingleSendParams{
			To: "reader@example.com", Subject: "Hello", Body: "Body", AccountID: &acc.ID,
		}, nil)

		out := env.run(t, job)
		assert.Equal(t, businessflow.ExitCodeNoAccounts, out.exitCode)
		assert.True(t, businessflow.IsAccountNotSendable(out.err))
		assert.Empty(t, env.api.Sent())
	})
}

func TestDispatch_QueueCampaign(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{QueueInsertBatch: 2})
	rows := env.recipients(t, 1, 3)
	env.store.Blacklist(rows[2].Email)
	c := env.campaign(t, nil)
	job := env.campaignJob(t, models.JobTypeQueueCampaign, c)

	out := env.run(t, job)
	require.Equal(t, businessflow.ExitCodeOK, out.exitCode)
	assert.Empty(t, env.api.Sent(), "queueing never sends")

	msgs := env.store.AllMessages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, models.MessageStatusQueued, m.Status)
		assert.Equal(t, c.ID, *m.CampaignID)
		assert.NotContains(t, m.Subject, "{{")
		assert.Contains(t, m.Body, trackingBase+"/t/u/"+m.Token.String())
		assert.NotEqual(t, rows[2].Email, m.Email)
	}
}

func TestDispatch_GenerateUsers(t *testing.T) {
	t.Run("fresh job", func(t *testing.T) {
		env := newDispatchEnv(t, config.DispatchConfig{QueueInsertBatch: 3})
		job := env.job(t, models.JobTypeGenerateUsers, models.GenerateUsersParams{ListID: 9, Count: 7, Seed: 42}, nil)

		out := env.run(t, job)
		require.Equal(t, businessflow.ExitCodeOK, out.exitCode)
		assert.Equal(t, 7, out.last.Processed)

		rows := env.store.AllRecipients()
		require.Len(t, rows, 7)
		seen := map[string]bool{}
		for _, r := range rows {
			assert.Equal(t, uint(9), r.ListID)
			assert.True(t, strings.Contains(r.Email, "@"))
			assert.False(t, seen[r.Email], "duplicate address %s", r.Email)
			seen[r.Email] = true
			assert.NotNil(t, r.Geo)
		}
	})

	t.Run("resumed job continues from processed items", func(t *testing.T) {
		env := newDispatchEnv(t, config.DispatchConfig{})
		job := env.job(t, models.JobTypeGenerateUsers, models.GenerateUsersParams{ListID: 9, Count: 7, Geo: utils.ToPtr("DE")}, nil)
		job.ProcessedItems = 5

		out := env.run(t, job)
		require.Equal(t, businessflow.ExitCodeOK, out.exitCode)
		rows := env.store.AllRecipients()
		require.Len(t, rows, 2)
		assert.Equal(t, "DE", utils.DerefString(rows[0].Geo))
	})
}

func TestDispatch_DetectBounces(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{})
	ctx := context.Background()
	rows := env.recipients(t, 1, 4)

	failed := func(email string, permanent bool) *models.SendLogEntry {
		return &models.SendLogEntry{Email: email, Status: models.SendStatusFailed, Permanent: permanent, CreatedAt: utils.UTCNow()}
	}
	require.NoError(t, env.store.SendLogs().SaveBatch(ctx, []*models.SendLogEntry{
		failed(rows[0].Email, true),
		failed(rows[1].Email, true),
		failed(rows[1].Email, true),
		failed(rows[2].Email, false),
		{Email: rows[3].Email, Status: models.SendStatusSent, CreatedAt: utils.UTCNow()},
	}))
	require.NoError(t, env.store.Messages().SaveBatch(ctx, []*models.OutboundMessage{
		{Token: uuid.New(), Email: rows[0].Email, Subject: "s", Body: "b", Status: models.MessageStatusQueued},
		{Token: uuid.New(), Email: rows[2].Email, Subject: "s", Body: "b", Status: models.MessageStatusQueued},
	}))

	out := env.run(t, env.job(t, models.JobTypeDetectBounces, models.DetectBouncesParams{}, nil))
	require.Equal(t, businessflow.ExitCodeOK, out.exitCode)
	assert.Equal(t, 2, out.last.Total)

	bounced := map[string]bool{}
	for _, r := range env.store.AllRecipients() {
		bounced[r.Email] = r.IsHardBounced
	}
	assert.True(t, bounced[rows[0].Email])
	assert.True(t, bounced[rows[1].Email])
	assert.False(t, bounced[rows[2].Email], "transient failures are not bounces")
	assert.False(t, bounced[rows[3].Email])

	statuses := map[string]models.MessageStatus{}
	for _, m := range env.store.AllMessages() {
		statuses[m.Email] = m.Status
	}
	assert.Equal(t, models.MessageStatusUnsendable, statuses[rows[0].Email])
	assert.Equal(t, models.MessageStatusQueued, statuses[rows[2].Email])
}

func TestDispatch_UnknownJobType(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{})
	_, err := env.launcher.Launch(context.Background(), &models.Job{ID: 1, Type: "reindex"})
	assert.True(t, businessflow.IsInvalidJobType(err))
}

func TestDispatch_TerminateAfterSendKeepsItsRecord(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{})
	env.recipients(t, 1, 3)
	env.account(t, models.SenderAccountStatusActive, 100)
	job := env.campaignJob(t, models.JobTypeSendCampaignAPI, env.campaign(t, func(c *models.Campaign) { c.BatchSize = 10 }))

	var h businessflow.WorkerHandle
	ready := pauseOnFirstSend(env.api, func() { h.Terminate() })
	h, err := env.launcher.Launch(context.Background(), job)
	require.NoError(t, err)
	close(ready)

	out := summarize(t, drain(t, h))
	assert.Equal(t, businessflow.ExitCodeTerminated, out.exitCode)
	require.Len(t, env.api.Sent(), 1)

	logs := env.store.SendLogEntries()
	require.Len(t, logs, 1, "the send that raced the stop is logged")
	assert.Equal(t, models.SendStatusSent, logs[0].Status)
	require.NotNil(t, logs[0].MessageID)

	msgs := env.store.AllMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageStatusSent, msgs[0].Status)

	cursor, err := env.store.Cursors().ByJobID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cursor.Position)

	stored, err := env.store.Jobs().ByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ProcessedItems, "processed count moves with the cursor")
	assert.Equal(t, 3, stored.TotalItems)
}

func TestDispatch_RestartSkipsRecipientsAlreadyAttempted(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{})
	rows := env.recipients(t, 1, 3)
	env.account(t, models.SenderAccountStatusActive, 100)
	job := env.campaignJob(t, models.JobTypeSendCampaignAPI, env.campaign(t, nil))

	ids := []int64{int64(rows[0].ID), int64(rows[1].ID), int64(rows[2].ID)}
	require.NoError(t, env.store.Cursors().Save(context.Background(), &models.DispatchCursor{
		JobID: job.ID, RecipientIDs: ids, Exclusions: json.RawMessage(`{}`),
	}))
	// sent before the previous worker died, with the cursor still at the batch start
	jobID, recipientID := job.ID, rows[0].ID
	require.NoError(t, env.store.Messages().Save(context.Background(), &models.OutboundMessage{
		Token:       uuid.New(),
		JobID:       &jobID,
		RecipientID: &recipientID,
		Email:       rows[0].Email,
		Status:      models.MessageStatusSent,
		Attempts:    1,
	}))

	out := env.run(t, job)
	require.Equal(t, businessflow.ExitCodeOK, out.exitCode)
	sent := env.api.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, rows[1].Email, sent[0].Message.To)
	assert.Equal(t, rows[2].Email, sent[1].Message.To)
	assert.Equal(t, 3, out.last.Processed)
}

func TestDispatch_TerminateDuringPaceWaitKeepsQuota(t *testing.T) {
	env := newDispatchEnv(t, config.DispatchConfig{})
	env.recipients(t, 1, 3)
	acc := env.fx.SenderAccount(models.SenderAccountStatusActive, 100)
	acc.SendDelayMS = 60_000
	require.NoError(t, env.store.Accounts().Save(context.Background(), acc))
	job := env.campaignJob(t, models.JobTypeSendCampaignAPI, env.campaign(t, func(c *models.Campaign) { c.BatchSize = 10 }))

	var h businessflow.WorkerHandle
	ready := pauseOnFirstSend(env.api, func() {
		go func() {
			time.Sleep(50 * time.Millisecond)
			h.Terminate()
		}()
	})
	h, err := env.launcher.Launch(context.Background(), job)
	require.NoError(t, err)
	close(ready)

	out := summarize(t, drain(t, h))
	assert.Equal(t, businessflow.ExitCodeTerminated, out.exitCode)
	assert.Len(t, env.api.Sent(), 1)

	stored, err := env.store.Accounts().ByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.SentToday, "the send that never left the pace wait reserves nothing")

	cursor, err := env.store.Cursors().ByJobID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cursor.Position)
}
