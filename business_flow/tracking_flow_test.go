package businessflow_test

import (
	"context"
	"errors"
	"testing"

	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/models"
	testingutil "github.com/amirphl/orochi-dispatch/testing"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrackingFlow(store *testingutil.MemoryStore) businessflow.TrackingFlow {
	return businessflow.NewTrackingFlow(store.Messages(), store.Tracking(), store.Recipients(), store.Transactor(), zerolog.Nop())
}

func saveMessage(t *testing.T, store *testingutil.MemoryStore, jobID uint, email string, status models.MessageStatus) *models.OutboundMessage {
	t.Helper()
	m := &models.OutboundMessage{
		Token:   uuid.New(),
		JobID:   &jobID,
		Email:   email,
		Subject: "s",
		Body:    "b",
		Status:  status,
	}
	require.NoError(t, store.Messages().Save(context.Background(), m))
	return m
}

func TestTrackingFlowEngagement(t *testing.T) {
	ctx := context.Background()
	store := testingutil.NewMemoryStore()
	flow := newTrackingFlow(store)
	msg := saveMessage(t, store, 11, "reader@example.com", models.MessageStatusSent)
	meta := businessflow.NewClientMetadata("203.0.113.9", "Mail/1.0")

	require.NoError(t, flow.RecordOpen(ctx, msg.Token.String(), meta))
	require.NoError(t, flow.RecordOpen(ctx, msg.Token.String(), meta))
	require.NoError(t, flow.RecordClick(ctx, msg.Token.String(), "https://shop.example.com", meta))
	require.NoError(t, flow.RecordClick(ctx, msg.Token.String(), "https://shop.example.com/other", nil))

	counts, err := store.Tracking().EngagementByJob(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Opens)
	assert.Equal(t, int64(1), counts.UniqueOpens)
	assert.Equal(t, int64(2), counts.Clicks)
	assert.Equal(t, int64(1), counts.UniqueClickers)

	got, err := store.Messages().ByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Opened)
	assert.True(t, got.Clicked)
	require.NotNil(t, got.FirstOpenedAt)
	require.NotNil(t, got.LastOpenedAt)
	assert.False(t, got.LastOpenedAt.Before(*got.FirstOpenedAt))
}

func TestTrackingFlowIgnoresUnknownTokens(t *testing.T) {
	ctx := context.Background()
	store := testingutil.NewMemoryStore()
	flow := newTrackingFlow(store)

	for _, token := range []string{"not-a-uuid", uuid.NewString(), ""} {
		assert.NoError(t, flow.RecordOpen(ctx, token, nil))
		assert.NoError(t, flow.RecordClick(ctx, token, "https://example.com", nil))
		assert.NoError(t, flow.Unsubscribe(ctx, token, nil))
	}
	assert.Empty(t, store.Unsubscribed())

	t.Run("StorageFailureSurfaces", func(t *testing.T) {
		store.FailNext = errors.New("connection reset")
		assert.Error(t, flow.RecordOpen(ctx, uuid.NewString(), nil))
	})
}

func TestTrackingFlowUnsubscribe(t *testing.T) {
	ctx := context.Background()
	store := testingutil.NewMemoryStore()
	flow := newTrackingFlow(store)
	fx := testingutil.NewTestFixtures(6)

	a := fx.Recipient(1)
	b := fx.Recipient(2)
	b.Email = a.Email
	other := fx.Recipient(1)
	require.NoError(t, store.Recipients().SaveBatch(ctx, []*models.Recipient{a, b, other}))

	sent := saveMessage(t, store, 1, a.Email, models.MessageStatusSent)
	queued := saveMessage(t, store, 2, a.Email, models.MessageStatusQueued)
	unrelated := saveMessage(t, store, 2, other.Email, models.MessageStatusQueued)

	for range 2 {
		require.NoError(t, flow.Unsubscribe(ctx, sent.Token.String(), nil))
	}

	assert.Equal(t, []string{a.Email}, store.Unsubscribed())

	for _, r := range store.AllRecipients() {
		assert.Equal(t, r.Email == a.Email, r.IsUnsubscribed, r.Email)
	}

	statuses := make(map[uint]models.MessageStatus)
	for _, m := range store.AllMessages() {
		statuses[m.ID] = m.Status
	}
	assert.Equal(t, models.MessageStatusSent, statuses[sent.ID])
	assert.Equal(t, models.MessageStatusUnsendable, statuses[queued.ID])
	assert.Equal(t, models.MessageStatusQueued, statuses[unrelated.ID])

	// the flagged rows drop out of every later send
	res, err := businessflow.NewRecipientFilterFlow(store.Recipients(), store.Exclusions(), zerolog.Nop()).
		Resolve(ctx, businessflow.RecipientQuery{ListIDs: []int64{1, 2}})
	require.NoError(t, err)
	require.Len(t, res.Eligible, 1)
	assert.Equal(t, other.Email, res.Eligible[0].Email)
}
