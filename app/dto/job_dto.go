package dto

import "encoding/json"

// CreateJobRequest represents the request to create a job
type CreateJobRequest struct {
	Type      string          `json:"type" validate:"required,oneof=send-single send-campaign-api send-campaign-smtp queue-campaign generate-users detect-bounces"`
	Params    json.RawMessage `json:"params" validate:"required"`
	AutoStart bool            `json:"auto_start"`
}

// JobSnapshot is the externally visible state of a job.
// It is returned by the control plane and pushed to progress subscribers.
type JobSnapshot struct {
	ID             uint    `json:"id"`
	UUID           string  `json:"uuid"`
	Type           string  `json:"type"`
	Status         string  `json:"status"`
	Progress       int     `json:"progress"`
	ProcessedItems int     `json:"processed_items"`
	TotalItems     int     `json:"total_items"`
	CampaignID     *uint   `json:"campaign_id,omitempty"`
	ErrorMessage   *string `json:"error_message,omitempty"`
	ExitCode       *int    `json:"exit_code,omitempty"`
	CreatedAt      string  `json:"created_at"`
	StartedAt      *string `json:"started_at,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the snapshot describes a finished job
func (s JobSnapshot) IsTerminal() bool {
	return s.Status == "completed" || s.Status == "failed" || s.Status == "cancelled"
}

// JobStatsResponse aggregates delivery and engagement counts of a job
type JobStatsResponse struct {
	JobID            uint    `json:"job_id"`
	Sent             int64   `json:"sent"`
	Failed           int64   `json:"failed"`
	Opens            int64   `json:"opens"`
	UniqueOpens      int64   `json:"unique_opens"`
	Clicks           int64   `json:"clicks"`
	UniqueClickers   int64   `json:"unique_clickers"`
	ClickThroughRate float64 `json:"click_through_rate"`
}
