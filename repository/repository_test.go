package repository_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	testingutil "github.com/amirphl/orochi-dispatch/testing"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDB(t *testing.T) *testingutil.TestDB {
	t.Helper()
	if !testingutil.Available() {
		t.Skip("PostgreSQL test database is not reachable; set TEST_DB_* to run repository tests")
	}
	tdb, err := testingutil.SetupTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tdb.TeardownTestDB() })
	return tdb
}

func newJob(status models.JobStatus, campaignID *uint) *models.Job {
	return &models.Job{
		UUID:       uuid.New(),
		Type:       models.JobTypeSendCampaignAPI,
		Status:     status,
		Params:     json.RawMessage(`{}`),
		CampaignID: campaignID,
	}
}

func TestJobRepository(t *testing.T) {
	tdb := setupDB(t)
	ctx := context.Background()
	fx := testingutil.NewTestFixtures(1)
	campaigns := repository.NewCampaignRepository(tdb.DB)
	jobs := repository.NewJobRepository(tdb.DB)

	t.Run("one active job per campaign", func(t *testing.T) {
		campaign := fx.Campaign(1)
		require.NoError(t, campaigns.Save(ctx, campaign))
		id := campaign.ID

		require.NoError(t, jobs.Save(ctx, newJob(models.JobStatusRunning, &id)))
		err := jobs.Save(ctx, newJob(models.JobStatusPending, &id))
		require.Error(t, err)
		assert.True(t, repository.IsUniqueViolation(err))

		// finished jobs do not count
		require.NoError(t, jobs.Save(ctx, newJob(models.JobStatusCompleted, &id)))
	})

	t.Run("conditional transition", func(t *testing.T) {
		job := newJob(models.JobStatusPending, nil)
		require.NoError(t, jobs.Save(ctx, job))

		ok, err := jobs.Transition(ctx, job.ID, []models.JobStatus{models.JobStatusRunning}, models.JobStatusPaused, models.JobUpdate{})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = jobs.Transition(ctx, job.ID, []models.JobStatus{models.JobStatusPending}, models.JobStatusRunning,
			models.JobUpdate{StartedAt: utils.UTCNowPtr()})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := jobs.ByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, got.Status)
		assert.NotNil(t, got.StartedAt)
	})

	t.Run("progress never moves backwards", func(t *testing.T) {
		job := newJob(models.JobStatusRunning, nil)
		require.NoError(t, jobs.Save(ctx, job))

		ok, err := jobs.UpdateProgress(ctx, job.ID, 5, 10, 50)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = jobs.UpdateProgress(ctx, job.ID, 3, 10, 30)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := jobs.ByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, got.ProcessedItems)
		assert.Equal(t, 50, got.Progress)
	})

	t.Run("active jobs cannot be deleted", func(t *testing.T) {
		job := newJob(models.JobStatusPaused, nil)
		require.NoError(t, jobs.Save(ctx, job))

		ok, err := jobs.Delete(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = jobs.Transition(ctx, job.ID, []models.JobStatus{models.JobStatusPaused}, models.JobStatusCancelled, models.JobUpdate{})
		require.NoError(t, err)
		ok, err = jobs.Delete(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestSenderAccountRepository_RecordSend(t *testing.T) {
	tdb := setupDB(t)
	ctx := context.Background()
	fx := testingutil.NewTestFixtures(2)
	accounts := repository.NewSenderAccountRepository(tdb.DB)

	acc := fx.SenderAccount(models.SenderAccountStatusActive, 2)
	require.NoError(t, accounts.Save(ctx, acc))
	now := utils.UTCNow()

	first, err := accounts.RecordSend(ctx, acc.ID, now)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.SentToday)
	assert.Equal(t, models.SenderAccountStatusActive, first.Status)

	second, err := accounts.RecordSend(ctx, acc.ID, now)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.SentToday)
	assert.Equal(t, models.SenderAccountStatusPausedLimitReached, second.Status)

	third, err := accounts.RecordSend(ctx, acc.ID, now)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestOutboundMessageRepository_ClaimIsExclusive(t *testing.T) {
	tdb := setupDB(t)
	ctx := context.Background()
	fx := testingutil.NewTestFixtures(3)
	accounts := repository.NewSenderAccountRepository(tdb.DB)
	messages := repository.NewOutboundMessageRepository(tdb.DB)

	a := fx.SenderAccount(models.SenderAccountStatusActive, 100)
	b := fx.SenderAccount(models.SenderAccountStatusActive, 100)
	require.NoError(t, accounts.Save(ctx, a))
	require.NoError(t, accounts.Save(ctx, b))

	batch := make([]*models.OutboundMessage, 0, 6)
	for range 6 {
		batch = append(batch, &models.OutboundMessage{
			Token:   uuid.New(),
			Email:   fx.UniqueEmail(),
			Subject: "Hello",
			Body:    "<p>Hello</p>",
			Status:  models.MessageStatusQueued,
		})
	}
	require.NoError(t, messages.SaveBatch(ctx, batch))

	claimedA, err := messages.ClaimQueued(ctx, a.ID, 4)
	require.NoError(t, err)
	claimedB, err := messages.ClaimQueued(ctx, b.ID, 4)
	require.NoError(t, err)

	assert.Len(t, claimedA, 4)
	assert.Len(t, claimedB, 2)
	seen := make(map[uint]bool)
	for _, m := range append(claimedA, claimedB...) {
		assert.False(t, seen[m.ID], "message %d claimed twice", m.ID)
		seen[m.ID] = true
		assert.Equal(t, models.MessageStatusSending, m.Status)
	}

	released, err := messages.ReleaseClaimed(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), released)

	queued, err := messages.CountQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), queued)
}

func TestCampaignRepository_ListDue(t *testing.T) {
	tdb := setupDB(t)
	ctx := context.Background()
	fx := testingutil.NewTestFixtures(4)
	campaigns := repository.NewCampaignRepository(tdb.DB)
	now := utils.UTCNow()

	due := fx.Campaign(1)
	due.ScheduledAt = utils.ToPtr(now.Add(-time.Minute))
	future := fx.Campaign(1)
	future.ScheduledAt = utils.ToPtr(now.Add(time.Hour))
	unscheduled := fx.Campaign(1)
	for _, c := range []*models.Campaign{due, future, unscheduled} {
		require.NoError(t, campaigns.Save(ctx, c))
	}

	got, err := campaigns.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)

	require.NoError(t, campaigns.AttachJob(ctx, due.ID, 99))
	got, err = campaigns.ListDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestJobRepository_Lease(t *testing.T) {
	tdb := setupDB(t)
	ctx := context.Background()
	jobs := repository.NewJobRepository(tdb.DB)
	now := utils.UTCNow()

	t.Run("expired lease parks the job", func(t *testing.T) {
		job := newJob(models.JobStatusRunning, nil)
		require.NoError(t, jobs.Save(ctx, job))
		ok, err := jobs.Heartbeat(ctx, job.ID, now.Add(-time.Hour))
		require.NoError(t, err)
		require.True(t, ok)

		cutoff := now.Add(-time.Minute)
		stale, err := jobs.ByFilter(ctx, models.JobFilter{Statuses: []models.JobStatus{models.JobStatusRunning}, LeaseExpiredBefore: &cutoff}, "", 0, 0)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, job.ID, stale[0].ID)

		ok, err = jobs.ExpireLease(ctx, job.ID, cutoff)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := jobs.ByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPaused, got.Status)
		assert.Nil(t, got.HeartbeatAt)
	})

	t.Run("live lease is kept", func(t *testing.T) {
		job := newJob(models.JobStatusRunning, nil)
		require.NoError(t, jobs.Save(ctx, job))
		ok, err := jobs.Heartbeat(ctx, job.ID, now)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = jobs.ExpireLease(ctx, job.ID, now.Add(-time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("finished jobs take no heartbeat", func(t *testing.T) {
		job := newJob(models.JobStatusCompleted, nil)
		require.NoError(t, jobs.Save(ctx, job))
		ok, err := jobs.Heartbeat(ctx, job.ID, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("committed progress lands on a cancelled job", func(t *testing.T) {
		job := newJob(models.JobStatusCancelled, nil)
		require.NoError(t, jobs.Save(ctx, job))

		require.NoError(t, jobs.CommitProgress(ctx, job.ID, 40, 100, 40))
		require.NoError(t, jobs.CommitProgress(ctx, job.ID, 20, 100, 20))

		got, err := jobs.ByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 40, got.ProcessedItems, "never moves backwards")
		assert.Equal(t, 100, got.TotalItems)
	})
}

func TestSenderAccountRepository_ResetDailyQuotas(t *testing.T) {
	tdb := setupDB(t)
	ctx := context.Background()
	fx := testingutil.NewTestFixtures(4)
	accounts := repository.NewSenderAccountRepository(tdb.DB)
	now := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)

	exact := fx.SenderAccount(models.SenderAccountStatusPausedLimitReached, 10)
	exact.SentToday = 10
	exact.QuotaResetAt = utils.ToPtr(now.Add(-utils.QuotaWindow))
	older := fx.SenderAccount(models.SenderAccountStatusPausedLimitReached, 10)
	older.SentToday = 10
	older.QuotaResetAt = utils.ToPtr(now.Add(-utils.QuotaWindow - time.Second))
	require.NoError(t, accounts.Save(ctx, exact))
	require.NoError(t, accounts.Save(ctx, older))

	n, err := accounts.ResetDailyQuotas(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := accounts.ByID(ctx, exact.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.SentToday)
	got, err = accounts.ByID(ctx, older.ID)
	require.NoError(t, err)
	assert.Zero(t, got.SentToday)
	assert.Equal(t, models.SenderAccountStatusActive, got.Status)
}

func TestOutboundMessageRepository_Withdrawal(t *testing.T) {
	tdb := setupDB(t)
	ctx := context.Background()
	fx := testingutil.NewTestFixtures(5)
	accounts := repository.NewSenderAccountRepository(tdb.DB)
	messages := repository.NewOutboundMessageRepository(tdb.DB)
	jobs := repository.NewJobRepository(tdb.DB)

	acc := fx.SenderAccount(models.SenderAccountStatusActive, 100)
	require.NoError(t, accounts.Save(ctx, acc))
	job := newJob(models.JobStatusRunning, nil)
	require.NoError(t, jobs.Save(ctx, job))

	email := fx.UniqueEmail()
	queue := func(to string, recipientID uint, status models.MessageStatus) *models.OutboundMessage {
		jobID := job.ID
		m := &models.OutboundMessage{
			Token: uuid.New(), JobID: &jobID, RecipientID: &recipientID,
			Email: to, Subject: "Hello", Body: "<p>Hello</p>", Status: status,
		}
		require.NoError(t, messages.Save(ctx, m))
		return m
	}

	t.Run("claimed messages are withdrawn too", func(t *testing.T) {
		queue(email, 1, models.MessageStatusQueued)
		queue(email, 2, models.MessageStatusQueued)
		claimed, err := messages.ClaimQueued(ctx, acc.ID, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		sent := queue(email, 3, models.MessageStatusSent)

		n, err := messages.MarkUnsendableByEmail(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		got, err := messages.ByID(ctx, claimed[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.MessageStatusUnsendable, got.Status)
		got, err = messages.ByID(ctx, sent.ID)
		require.NoError(t, err)
		assert.Equal(t, models.MessageStatusSent, got.Status)
	})

	t.Run("withdraw one message", func(t *testing.T) {
		m := queue(fx.UniqueEmail(), 4, models.MessageStatusQueued)
		ok, err := messages.Withdraw(ctx, m.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = messages.Withdraw(ctx, m.ID)
		require.NoError(t, err)
		assert.False(t, ok, "already withdrawn")
	})

	t.Run("attempted recipients", func(t *testing.T) {
		queue(fx.UniqueEmail(), 10, models.MessageStatusSent)
		queue(fx.UniqueEmail(), 11, models.MessageStatusFailed)
		queue(fx.UniqueEmail(), 12, models.MessageStatusQueued)

		got, err := messages.AttemptedRecipients(ctx, job.ID, []int64{10, 11, 12, 13})
		require.NoError(t, err)
		assert.Equal(t, map[uint]bool{10: true, 11: true}, got)

		got, err = messages.AttemptedRecipients(ctx, job.ID+1, []int64{10, 11})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
