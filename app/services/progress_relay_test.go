package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu        sync.Mutex
	snapshots []dto.JobSnapshot
	closed    []uint
}

func (s *recordingSink) Publish(snapshot dto.JobSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
}

func (s *recordingSink) CloseJob(jobID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, jobID)
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots), len(s.closed)
}

func TestRedisProgressRelay(t *testing.T) {
	_, rc := newTestRedis(t)

	// two instances sharing one redis
	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	relayA := NewRedisProgressRelay(rc, "test:", sinkA, zerolog.Nop())
	relayB := NewRedisProgressRelay(rc, "test:", sinkB, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relayA.Run(ctx) }()
	go func() { _ = relayB.Run(ctx) }()

	// wait until both subscriptions are live
	require.Eventually(t, func() bool {
		n, err := rc.PubSubNumSub(context.Background(), "test:jobs:progress").Result()
		return err == nil && n["test:jobs:progress"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	relayA.Publish(dto.JobSnapshot{ID: 3, Status: "running", Progress: 40})
	relayA.CloseJob(3)

	require.Eventually(t, func() bool {
		sa, ca := sinkA.counts()
		sb, cb := sinkB.counts()
		return sa == 1 && ca == 1 && sb == 1 && cb == 1
	}, 2*time.Second, 10*time.Millisecond)

	sinkB.mu.Lock()
	defer sinkB.mu.Unlock()
	assert.Equal(t, 40, sinkB.snapshots[0].Progress)
	assert.Equal(t, uint(3), sinkB.closed[0])
}
