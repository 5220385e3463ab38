package dto

// RegisterAccountRequest represents the request to add a sender account.
// New accounts start warming up; TargetDailyLimit is the limit reached at the end of warm-up.
type RegisterAccountRequest struct {
	Email            string  `json:"email" validate:"required,email,max=255"`
	Domain           *string `json:"domain,omitempty" validate:"omitempty,fqdn,max=255"`
	Geo              *string `json:"geo,omitempty" validate:"omitempty,max=8"`
	DisplayName      *string `json:"display_name,omitempty" validate:"omitempty,max=255"`
	SMTPHost         *string `json:"smtp_host,omitempty" validate:"omitempty,hostname|ip,max=255"`
	SMTPPort         *int    `json:"smtp_port,omitempty" validate:"omitempty,min=1,max=65535"`
	Username         *string `json:"username,omitempty" validate:"omitempty,max=255"`
	CredentialRef    *string `json:"credential_ref,omitempty" validate:"omitempty,max=255"`
	TargetDailyLimit int     `json:"target_daily_limit" validate:"required,min=1,max=1000000"`
	BatchSize        int     `json:"batch_size,omitempty" validate:"omitempty,min=1,max=1000"`
	SendDelayMS      int     `json:"send_delay_ms,omitempty" validate:"omitempty,min=0,max=600000"`
}

// UpdateAccountStatusRequest represents a manual status change
type UpdateAccountStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active paused suspended"`
}

// SenderAccountResponse is the public view of a sender account
type SenderAccountResponse struct {
	ID                uint    `json:"id"`
	UUID              string  `json:"uuid"`
	Email             string  `json:"email"`
	Domain            string  `json:"domain"`
	Geo               *string `json:"geo,omitempty"`
	DisplayName       *string `json:"display_name,omitempty"`
	Status            string  `json:"status"`
	DailyLimit        int     `json:"daily_limit"`
	SentToday         int     `json:"sent_today"`
	WarmupStage       int     `json:"warmup_stage"`
	WarmupTargetLimit int     `json:"warmup_target_limit"`
	LastUsedAt        *string `json:"last_used_at,omitempty"`
	HeartbeatAt       *string `json:"heartbeat_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
}
