package businessflow

import (
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/models"
)

// ClientMetadata holds request-scoped information recorded with tracking events
type ClientMetadata struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	RequestID string `json:"request_id,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// ToJobSnapshot converts a job model to its public snapshot
func ToJobSnapshot(job models.Job) dto.JobSnapshot {
	return dto.JobSnapshot{
		ID:             job.ID,
		UUID:           job.UUID.String(),
		Type:           string(job.Type),
		Status:         string(job.Status),
		Progress:       job.Progress,
		ProcessedItems: job.ProcessedItems,
		TotalItems:     job.TotalItems,
		CampaignID:     job.CampaignID,
		ErrorMessage:   job.ErrorMessage,
		ExitCode:       job.ExitCode,
		CreatedAt:      job.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:      formatTime(job.StartedAt),
		CompletedAt:    formatTime(job.CompletedAt),
	}
}

// ToSenderAccountResponse converts a sender account model to its public view
func ToSenderAccountResponse(a models.SenderAccount) dto.SenderAccountResponse {
	return dto.SenderAccountResponse{
		ID:                a.ID,
		UUID:              a.UUID.String(),
		Email:             a.Email,
		Domain:            a.Domain,
		Geo:               a.Geo,
		DisplayName:       a.DisplayName,
		Status:            string(a.Status),
		DailyLimit:        a.DailyLimit,
		SentToday:         a.SentToday,
		WarmupStage:       a.WarmupStage,
		WarmupTargetLimit: a.WarmupTargetLimit,
		LastUsedAt:        formatTime(a.LastUsedAt),
		HeartbeatAt:       formatTime(a.HeartbeatAt),
		CreatedAt:         a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// ToExclusionBreakdownDTO converts filter tallies to the API shape
func ToExclusionBreakdownDTO(b ExclusionBreakdown) dto.ExclusionBreakdown {
	return dto.ExclusionBreakdown{
		Blacklisted:   b.Blacklisted,
		Suppressed:    b.Suppressed,
		Bounced:       b.Bounced,
		Unsubscribed:  b.Unsubscribed,
		TotalExcluded: b.TotalExcluded,
	}
}
