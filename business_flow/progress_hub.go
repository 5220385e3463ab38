package businessflow

import (
	"sync"

	"github.com/amirphl/orochi-dispatch/app/dto"
)

// ProgressPublisher fans job snapshots out to live subscribers.
// Publish never blocks the caller.
type ProgressPublisher interface {
	Publish(snapshot dto.JobSnapshot)
	CloseJob(jobID uint)
}

// ProgressSubscriber is the registry side the control plane streams from
type ProgressSubscriber interface {
	Subscribe(jobID uint) (*Subscription, error)
}

// Subscription receives snapshots of one job until the job ends or Close is called
type Subscription struct {
	JobID  uint
	ch     chan dto.JobSnapshot
	hub    *ProgressHub
	closed bool
}

// C returns the snapshot channel. It is closed on teardown.
func (s *Subscription) C() <-chan dto.JobSnapshot {
	return s.ch
}

// Close detaches the subscriber; calling it twice is safe
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

// ProgressHub is a bounded in-process registry of progress subscribers.
// An entry is created by the first Subscribe of a job and removed when its last
// subscriber leaves or the job reaches a terminal status.
type ProgressHub struct {
	mu        sync.Mutex
	jobs      map[uint]map[*Subscription]struct{}
	maxJobs   int
	maxPerJob int
	buffer    int
}

// NewProgressHub creates a hub with the given limits
func NewProgressHub(maxJobs, maxPerJob, buffer int) *ProgressHub {
	if buffer <= 0 {
		buffer = 1
	}
	return &ProgressHub{
		jobs:      make(map[uint]map[*Subscription]struct{}),
		maxJobs:   maxJobs,
		maxPerJob: maxPerJob,
		buffer:    buffer,
	}
}

// Subscribe registers a new subscriber for a job
func (h *ProgressHub) Subscribe(jobID uint) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.jobs[jobID]
	if !ok {
		if h.maxJobs > 0 && len(h.jobs) >= h.maxJobs {
			return nil, ErrTooManyTrackedJobs
		}
		subs = make(map[*Subscription]struct{})
		h.jobs[jobID] = subs
	}
	if h.maxPerJob > 0 && len(subs) >= h.maxPerJob {
		return nil, ErrTooManySubscribers
	}

	sub := &Subscription{JobID: jobID, ch: make(chan dto.JobSnapshot, h.buffer), hub: h}
	subs[sub] = struct{}{}
	return sub, nil
}

// Publish delivers a snapshot to every subscriber of its job.
// A full subscriber buffer drops its oldest snapshot so the newest always lands.
// A terminal snapshot tears the job entry down after delivery.
func (h *ProgressHub) Publish(snapshot dto.JobSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.jobs[snapshot.ID] {
		select {
		case sub.ch <- snapshot:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snapshot:
		default:
		}
	}

	if snapshot.IsTerminal() {
		h.closeJobLocked(snapshot.ID)
	}
}

// CloseJob closes every subscription of the job
func (h *ProgressHub) CloseJob(jobID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeJobLocked(jobID)
}

func (h *ProgressHub) closeJobLocked(jobID uint) {
	for sub := range h.jobs[jobID] {
		h.removeLocked(sub)
	}
	delete(h.jobs, jobID)
}

func (h *ProgressHub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	subs := h.jobs[sub.JobID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.jobs, sub.JobID)
	}
}

// Stats returns the number of tracked jobs and live subscribers
func (h *ProgressHub) Stats() (jobs, subscribers int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.jobs {
		subscribers += len(subs)
	}
	return len(h.jobs), subscribers
}
