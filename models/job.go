// Package models contains domain entities for the dispatch engine
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType enumerates the kinds of work a job can carry
type JobType string

const (
	JobTypeSendSingle       JobType = "send-single"
	JobTypeSendCampaignAPI  JobType = "send-campaign-api"
	JobTypeSendCampaignSMTP JobType = "send-campaign-smtp"
	JobTypeQueueCampaign    JobType = "queue-campaign"
	JobTypeGenerateUsers    JobType = "generate-users"
	JobTypeDetectBounces    JobType = "detect-bounces"
)

// IsValid reports whether t is a known job type
func (t JobType) IsValid() bool {
	switch t {
	case JobTypeSendSingle, JobTypeSendCampaignAPI, JobTypeSendCampaignSMTP,
		JobTypeQueueCampaign, JobTypeGenerateUsers, JobTypeDetectBounces:
		return true
	}
	return false
}

// IsCampaignBound reports whether jobs of this type reference a campaign
// and therefore participate in the one-active-job-per-campaign guard
func (t JobType) IsCampaignBound() bool {
	return t == JobTypeSendCampaignAPI || t == JobTypeSendCampaignSMTP || t == JobTypeQueueCampaign
}

// JobStatus enumerates job lifecycle states
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// jobTransitions is the allowed state graph. Terminal states have no outgoing edges.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusPaused, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusPaused:  {JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// IsTerminal reports whether no further transitions are allowed from s
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActive reports whether a job in this state still owns its campaign
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning || s == JobStatusPaused
}

// CanTransitionTo reports whether the edge s -> to exists in the job state graph
func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every state that may transition into to
func SourcesOf(to JobStatus) []JobStatus {
	var from []JobStatus
	for _, s := range []JobStatus{JobStatusPending, JobStatusRunning, JobStatusPaused} {
		if s.CanTransitionTo(to) {
			from = append(from, s)
		}
	}
	return from
}

// ActiveJobStatuses lists the non-terminal states
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusRunning, JobStatusPaused}

// Job is the durable record of one unit of dispatch work
// Table: jobs
// Partial unique index uk_jobs_active_campaign keeps one active job per campaign
type Job struct {
	ID   uint      `gorm:"primaryKey" json:"id"`
	UUID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_jobs_uuid" json:"uuid"`

	Type   JobType   `gorm:"size:32;not null;index:idx_jobs_type" json:"type"`
	Status JobStatus `gorm:"size:32;not null;default:'pending';index:idx_jobs_status" json:"status"`

	Progress       int             `gorm:"not null;default:0" json:"progress"`
	ProcessedItems int             `gorm:"not null;default:0" json:"processed_items"`
	TotalItems     int             `gorm:"not null;default:0" json:"total_items"`
	Params         json.RawMessage `gorm:"type:jsonb;not null;default:'{}'" json:"params"`
	CampaignID     *uint           `gorm:"index:idx_jobs_campaign_id" json:"campaign_id,omitempty"`
	ErrorMessage   *string         `gorm:"type:text" json:"error_message,omitempty"`
	ExitCode       *int            `json:"exit_code,omitempty"`

	// HeartbeatAt is the lease of the instance running the job's worker; nil when no worker is attached
	HeartbeatAt *time.Time `gorm:"index:idx_jobs_heartbeat_at" json:"heartbeat_at,omitempty"`

	CreatedAt   time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_jobs_created_at" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// JobFilter represents filter criteria for job queries
type JobFilter struct {
	ID            *uint
	UUID          *uuid.UUID
	Type          *JobType
	Status        *JobStatus
	Statuses      []JobStatus
	CampaignID    *uint
	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	// LeaseExpiredBefore matches jobs with no heartbeat or one older than the given time
	LeaseExpiredBefore *time.Time
}

// JobUpdate carries the optional columns written together with a status transition
type JobUpdate struct {
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ErrorMessage   *string
	ExitCode       *int
	Progress       *int
	ProcessedItems *int
	TotalItems     *int
	HeartbeatAt    *time.Time

	// ClearHeartbeat drops the worker lease; it wins over HeartbeatAt
	ClearHeartbeat bool
}

// SingleSendParams is the payload of a send-single job
type SingleSendParams struct {
	To        string `json:"to" validate:"required,email"`
	FromName  string `json:"from_name" validate:"max=255"`
	Subject   string `json:"subject" validate:"required,max=998"`
	Body      string `json:"body" validate:"required"`
	AccountID *uint  `json:"account_id,omitempty" validate:"omitempty,gt=0"`
	Provider  string `json:"provider" validate:"omitempty,oneof=api smtp"`
}

// CampaignJobParams is the payload of send-campaign-* and queue-campaign jobs
type CampaignJobParams struct {
	CampaignID uint `json:"campaign_id" validate:"required,gt=0"`
}

// GenerateUsersParams is the payload of a generate-users job
type GenerateUsersParams struct {
	ListID   uint    `json:"list_id" validate:"required,gt=0"`
	Count    int     `json:"count" validate:"required,gt=0,lte=100000"`
	Geo      *string `json:"geo,omitempty" validate:"omitempty,max=8"`
	Vertical *string `json:"vertical,omitempty" validate:"omitempty,max=64"`
	Seed     int64   `json:"seed,omitempty"`
}

// DetectBouncesParams is the payload of a detect-bounces job
type DetectBouncesParams struct {
	CampaignID *uint      `json:"campaign_id,omitempty" validate:"omitempty,gt=0"`
	Since      *time.Time `json:"since,omitempty"`
}
