package businessflow_test

import (
	"testing"

	"github.com/amirphl/orochi-dispatch/app/dto"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan dto.JobSnapshot) []dto.JobSnapshot {
	var out []dto.JobSnapshot
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, s)
		default:
			return out
		}
	}
}

func TestProgressHub(t *testing.T) {
	t.Run("FullBufferDropsOldest", func(t *testing.T) {
		hub := businessflow.NewProgressHub(10, 10, 2)
		sub, err := hub.Subscribe(1)
		require.NoError(t, err)

		for p := 10; p <= 40; p += 10 {
			hub.Publish(dto.JobSnapshot{ID: 1, Status: "running", Progress: p})
		}

		got := drain(sub.C())
		require.Len(t, got, 2)
		assert.Equal(t, 30, got[0].Progress)
		assert.Equal(t, 40, got[1].Progress)
	})

	t.Run("TerminalSnapshotClosesSubscribers", func(t *testing.T) {
		hub := businessflow.NewProgressHub(10, 10, 4)
		a, err := hub.Subscribe(2)
		require.NoError(t, err)
		b, err := hub.Subscribe(2)
		require.NoError(t, err)

		hub.Publish(dto.JobSnapshot{ID: 2, Status: "completed", Progress: 100})

		for _, sub := range []*businessflow.Subscription{a, b} {
			s, ok := <-sub.C()
			require.True(t, ok)
			assert.Equal(t, "completed", s.Status)
			_, ok = <-sub.C()
			assert.False(t, ok)
		}
		jobs, subs := hub.Stats()
		assert.Zero(t, jobs)
		assert.Zero(t, subs)

		// closing after teardown is harmless
		a.Close()
	})

	t.Run("OtherJobsAreUnaffected", func(t *testing.T) {
		hub := businessflow.NewProgressHub(10, 10, 4)
		a, _ := hub.Subscribe(3)
		b, _ := hub.Subscribe(4)

		hub.Publish(dto.JobSnapshot{ID: 3, Status: "running", Progress: 5})

		assert.Len(t, drain(a.C()), 1)
		assert.Empty(t, drain(b.C()))
	})

	t.Run("Limits", func(t *testing.T) {
		hub := businessflow.NewProgressHub(1, 2, 1)
		_, err := hub.Subscribe(5)
		require.NoError(t, err)
		last, err := hub.Subscribe(5)
		require.NoError(t, err)

		_, err = hub.Subscribe(5)
		assert.ErrorIs(t, err, businessflow.ErrTooManySubscribers)
		_, err = hub.Subscribe(6)
		assert.ErrorIs(t, err, businessflow.ErrTooManyTrackedJobs)
		assert.True(t, businessflow.IsProgressHubFull(err))

		last.Close()
		_, err = hub.Subscribe(5)
		assert.NoError(t, err)
	})

	t.Run("LastUnsubscribeRemovesJob", func(t *testing.T) {
		hub := businessflow.NewProgressHub(1, 2, 1)
		sub, err := hub.Subscribe(7)
		require.NoError(t, err)
		sub.Close()
		sub.Close()

		jobs, _ := hub.Stats()
		assert.Zero(t, jobs)
		_, err = hub.Subscribe(8)
		assert.NoError(t, err)
	})
}
