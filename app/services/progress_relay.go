package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SnapshotSink is the local registry relayed snapshots are delivered to
type SnapshotSink interface {
	Publish(snapshot dto.JobSnapshot)
	CloseJob(jobID uint)
}

// RedisProgressRelay broadcasts job snapshots over redis pub/sub so subscribers
// attached to any instance see progress of jobs running on every instance
type RedisProgressRelay struct {
	rc      *redis.Client
	channel string
	local   SnapshotSink
	logger  zerolog.Logger
}

type relayEnvelope struct {
	JobID    uint             `json:"job_id"`
	Snapshot *dto.JobSnapshot `json:"snapshot,omitempty"`
	Close    bool             `json:"close,omitempty"`
}

const relayPublishTimeout = 2 * time.Second

// NewRedisProgressRelay creates a relay on <prefix>jobs:progress
func NewRedisProgressRelay(rc *redis.Client, prefix string, local SnapshotSink, logger zerolog.Logger) *RedisProgressRelay {
	return &RedisProgressRelay{
		rc:      rc,
		channel: prefix + "jobs:progress",
		local:   local,
		logger:  logger.With().Str("component", "progress_relay").Logger(),
	}
}

// Publish broadcasts a snapshot. When redis is unreachable the snapshot is delivered locally only.
func (r *RedisProgressRelay) Publish(snapshot dto.JobSnapshot) {
	if err := r.send(relayEnvelope{JobID: snapshot.ID, Snapshot: &snapshot}); err != nil {
		r.logger.Warn().Err(err).Uint("job_id", snapshot.ID).Msg("Progress relay publish failed")
		r.local.Publish(snapshot)
	}
}

// CloseJob broadcasts the teardown of a job's subscribers
func (r *RedisProgressRelay) CloseJob(jobID uint) {
	if err := r.send(relayEnvelope{JobID: jobID, Close: true}); err != nil {
		r.logger.Warn().Err(err).Uint("job_id", jobID).Msg("Progress relay close failed")
		r.local.CloseJob(jobID)
	}
}

func (r *RedisProgressRelay) send(env relayEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode relay envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	return r.rc.Publish(ctx, r.channel, payload).Err()
}

// Run delivers relayed snapshots to the local sink until ctx is done
func (r *RedisProgressRelay) Run(ctx context.Context) error {
	sub := r.rc.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.logger.Info().Str("channel", r.channel).Msg("Progress relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn().Err(err).Msg("Dropping malformed relay message")
				continue
			}
			if env.Close {
				r.local.CloseJob(env.JobID)
				continue
			}
			if env.Snapshot != nil {
				r.local.Publish(*env.Snapshot)
			}
		}
	}
}
